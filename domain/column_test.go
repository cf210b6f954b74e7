package domain

import "testing"

func intPtr(v int) *int { return &v }

func TestBuildColumnsEmpty(t *testing.T) {
	if cols := BuildColumns(nil); cols != nil {
		t.Fatalf("expected nil columns for nil states, got %#v", cols)
	}
	if cols := BuildColumns([]StateRecord{}); cols != nil {
		t.Fatalf("expected nil columns for empty states, got %#v", cols)
	}
}

func TestBuildColumnsPrependsNoEntry(t *testing.T) {
	states := []StateRecord{
		{Ref: "/state/1", Name: "Backlog", WIPLimit: intPtr(5), Description: "Ready to groom", OrderIndex: 0, Enabled: true},
		{Ref: "/state/2", Name: "Doing", OrderIndex: 1, Enabled: true},
	}

	cols := BuildColumns(states)
	if len(cols) != len(states)+1 {
		t.Fatalf("expected %d columns, got %d", len(states)+1, len(cols))
	}

	first := cols[0]
	if first.Value != nil {
		t.Fatalf("expected nil value for No Entry, got %q", *first.Value)
	}
	if first.DisplayValue != "No Entry" {
		t.Fatalf("unexpected display value: %q", first.DisplayValue)
	}
	if first.CardLimit == nil || *first.CardLimit != 50 {
		t.Fatalf("expected card limit 50, got %v", first.CardLimit)
	}
	if first.PoliciesEnabled {
		t.Fatalf("expected policies disabled on No Entry")
	}
	if !first.IsNoEntry() {
		t.Fatalf("expected first column to report IsNoEntry")
	}

	for i, st := range states {
		col := cols[i+1]
		if col.Value == nil || *col.Value != st.Ref {
			t.Fatalf("column %d: unexpected value %v", i+1, col.Value)
		}
		if col.DisplayValue != st.Name {
			t.Fatalf("column %d: unexpected display value %q", i+1, col.DisplayValue)
		}
		switch {
		case st.WIPLimit == nil && col.WIPLimit != nil:
			t.Fatalf("column %d: expected no wip limit, got %d", i+1, *col.WIPLimit)
		case st.WIPLimit != nil && (col.WIPLimit == nil || *col.WIPLimit != *st.WIPLimit):
			t.Fatalf("column %d: wip limit mismatch", i+1)
		}
		if col.Policies != st.Description {
			t.Fatalf("column %d: unexpected policies %q", i+1, col.Policies)
		}
		if !col.PoliciesEnabled {
			t.Fatalf("column %d: expected policies enabled", i+1)
		}
	}
}

func TestBuildColumnsPreservesInputOrder(t *testing.T) {
	states := []StateRecord{
		{Ref: "c", Name: "Done", OrderIndex: 2},
		{Ref: "a", Name: "Backlog", OrderIndex: 0},
		{Ref: "b", Name: "Doing", OrderIndex: 1},
	}

	cols := BuildColumns(states)
	want := []string{"No Entry", "Done", "Backlog", "Doing"}
	for i, name := range want {
		if cols[i].DisplayValue != name {
			t.Fatalf("column %d: expected %q got %q", i, name, cols[i].DisplayValue)
		}
	}
}

func TestBuildColumnsDoesNotAliasInput(t *testing.T) {
	states := []StateRecord{{Ref: "a", Name: "Backlog", WIPLimit: intPtr(3)}}
	cols := BuildColumns(states)

	states[0].Ref = "changed"
	*states[0].WIPLimit = 9

	if *cols[1].Value != "a" {
		t.Fatalf("column value changed with input: %q", *cols[1].Value)
	}
	if *cols[1].WIPLimit != 3 {
		t.Fatalf("column wip limit changed with input: %d", *cols[1].WIPLimit)
	}
}

func TestColumnMatches(t *testing.T) {
	cols := BuildColumns([]StateRecord{{Ref: "s1", Name: "Backlog"}})
	if !cols[0].Matches("") {
		t.Fatalf("expected No Entry to match empty state")
	}
	if cols[0].Matches("s1") {
		t.Fatalf("expected No Entry not to match s1")
	}
	if !cols[1].Matches("s1") || cols[1].Matches("") {
		t.Fatalf("unexpected match result for state column")
	}
}
