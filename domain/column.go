package domain

const (
	// NoEntryDisplayValue labels the column holding items without a state.
	NoEntryDisplayValue = "No Entry"
	// NoEntryCardLimit caps the number of cards shown in the No Entry column.
	NoEntryCardLimit = 50
	// NoStatesNotice is shown instead of a board when a type has no states.
	NoStatesNotice = "This Type has no states defined."
)

// ColumnDescriptor describes a single board column.
type ColumnDescriptor struct {
	DisplayValue    string  `json:"displayValue"`
	Value           *string `json:"value"`
	CardLimit       *int    `json:"cardLimit,omitempty"`
	WIPLimit        *int    `json:"wipLimit,omitempty"`
	Policies        string  `json:"policies,omitempty"`
	PoliciesEnabled bool    `json:"policiesEnabled"`
}

// IsNoEntry reports whether the column is the synthetic column for unassigned items.
func (c ColumnDescriptor) IsNoEntry() bool {
	return c.Value == nil
}

// Matches reports whether an item in stateRef belongs to the column.
func (c ColumnDescriptor) Matches(stateRef string) bool {
	if c.Value == nil {
		return stateRef == ""
	}
	return *c.Value == stateRef
}

func noEntryColumn() ColumnDescriptor {
	limit := NoEntryCardLimit
	return ColumnDescriptor{
		DisplayValue: NoEntryDisplayValue,
		CardLimit:    &limit,
	}
}

// BuildColumns converts states into board columns. The states must already be
// filtered to the enabled states of one type and sorted by order index. A nil
// result means the type has no states and no board can be drawn.
func BuildColumns(states []StateRecord) []ColumnDescriptor {
	if len(states) == 0 {
		return nil
	}

	columns := make([]ColumnDescriptor, 0, len(states)+1)
	columns = append(columns, noEntryColumn())
	for _, st := range states {
		ref := st.Ref
		columns = append(columns, ColumnDescriptor{
			DisplayValue:    st.Name,
			Value:           &ref,
			WIPLimit:        copyInt(st.WIPLimit),
			Policies:        st.Description,
			PoliciesEnabled: true,
		})
	}
	return columns
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}
