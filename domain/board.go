package domain

import (
	"sort"
	"time"
)

// Column is a column descriptor populated with cards.
type Column struct {
	ColumnDescriptor
	Cards        []Card `json:"cards"`
	CardCount    int    `json:"cardCount"`
	Truncated    bool   `json:"truncated,omitempty"`
	OverWIPLimit bool   `json:"overWipLimit,omitempty"`
}

// Board is a fully assembled kanban board for one workflow type.
type Board struct {
	Type           WorkflowType `json:"type"`
	Columns        []Column     `json:"columns"`
	Notice         string       `json:"notice,omitempty"`
	ShowPolicies   bool         `json:"showPolicies"`
	RankingEnabled bool         `json:"rankingEnabled"`
	Fields         []string     `json:"fields,omitempty"`
}

// HasColumns reports whether the board has any columns to draw.
func (b Board) HasColumns() bool {
	return len(b.Columns) > 0
}

// PlaceOptions controls how cards are placed into columns.
type PlaceOptions struct {
	Now            time.Time
	Fields         []string
	RankingEnabled bool
}

// PlaceCards distributes items into the columns matching their state. Items in
// a state without a column are left off the board.
func PlaceCards(columns []ColumnDescriptor, items []ItemRecord, opts PlaceOptions) []Column {
	if len(columns) == 0 {
		return nil
	}

	sorted := make([]ItemRecord, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		if opts.RankingEnabled && sorted[i].Rank != sorted[j].Rank {
			return sorted[i].Rank < sorted[j].Rank
		}
		return sorted[i].FormattedID < sorted[j].FormattedID
	})

	out := make([]Column, len(columns))
	for i, c := range columns {
		out[i] = Column{ColumnDescriptor: c, Cards: []Card{}}
	}
	for _, item := range sorted {
		idx := columnIndex(columns, item.StateRef)
		if idx < 0 {
			continue
		}
		col := &out[idx]
		col.CardCount++
		if col.CardLimit != nil && len(col.Cards) >= *col.CardLimit {
			col.Truncated = true
			continue
		}
		col.Cards = append(col.Cards, NewCard(item, opts.Now, opts.Fields))
	}
	for i := range out {
		if out[i].WIPLimit != nil && *out[i].WIPLimit > 0 && out[i].CardCount > *out[i].WIPLimit {
			out[i].OverWIPLimit = true
		}
	}
	return out
}

func columnIndex(columns []ColumnDescriptor, stateRef string) int {
	for i, c := range columns {
		if c.Matches(stateRef) {
			return i
		}
	}
	return -1
}
