package domain

import "time"

// DefaultItemFields are always fetched for cards.
var DefaultItemFields = []string{"Owner", "FormattedID", "PercentDoneByStoryCount", "StateChangedDate"}

// ItemRecord is a portfolio item as fetched from the data service.
type ItemRecord struct {
	Ref                     string            `json:"ref"`
	TypeRef                 string            `json:"typeRef"`
	StateRef                string            `json:"stateRef,omitempty"`
	FormattedID             string            `json:"formattedId"`
	Name                    string            `json:"name"`
	Owner                   string            `json:"owner,omitempty"`
	PercentDoneByStoryCount float64           `json:"percentDoneByStoryCount"`
	StateChangedAt          time.Time         `json:"stateChangedAt"`
	Rank                    int               `json:"rank"`
	Fields                  map[string]string `json:"fields,omitempty"`
}

// Card is the rendered view of an item on the board.
type Card struct {
	Ref         string            `json:"ref"`
	FormattedID string            `json:"formattedId"`
	Name        string            `json:"name"`
	Owner       string            `json:"owner,omitempty"`
	PercentDone float64           `json:"percentDone,omitempty"`
	TimeInState string            `json:"timeInState,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// NewCard builds a card for item. Only the requested extra fields are copied.
func NewCard(item ItemRecord, now time.Time, fields []string) Card {
	card := Card{
		Ref:         item.Ref,
		FormattedID: item.FormattedID,
		Name:        item.Name,
		Owner:       item.Owner,
	}
	if item.PercentDoneByStoryCount > 0 {
		card.PercentDone = item.PercentDoneByStoryCount
	}
	if !item.StateChangedAt.IsZero() {
		card.TimeInState = FormatAge(item.StateChangedAt, now)
	}
	if len(fields) > 0 && len(item.Fields) > 0 {
		card.Fields = make(map[string]string, len(fields))
		for _, f := range fields {
			if v, ok := item.Fields[f]; ok {
				card.Fields[f] = v
			}
		}
		if len(card.Fields) == 0 {
			card.Fields = nil
		}
	}
	return card
}
