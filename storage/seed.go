package storage

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"portfolio-kanban/domain"
)

// Seed describes the types, states and items loaded by storage-init.
type Seed struct {
	Workspace string     `yaml:"workspace"`
	Types     []SeedType `yaml:"types"`
}

// SeedType is a workflow type with its states and items.
type SeedType struct {
	Ref     string      `yaml:"ref"`
	Name    string      `yaml:"name"`
	Ordinal int         `yaml:"ordinal"`
	States  []SeedState `yaml:"states"`
	Items   []SeedItem  `yaml:"items"`
}

// SeedState is a workflow state. States are enabled unless stated otherwise
// and ordered by their position in the file.
type SeedState struct {
	Ref         string `yaml:"ref"`
	Name        string `yaml:"name"`
	WIPLimit    *int   `yaml:"wipLimit"`
	Description string `yaml:"description"`
	Enabled     *bool  `yaml:"enabled"`
}

// SeedItem is a portfolio item.
type SeedItem struct {
	Ref          string            `yaml:"ref"`
	FormattedID  string            `yaml:"formattedId"`
	Name         string            `yaml:"name"`
	Owner        string            `yaml:"owner"`
	State        string            `yaml:"state"`
	PercentDone  float64           `yaml:"percentDone"`
	StateChanged string            `yaml:"stateChanged"`
	Rank         int               `yaml:"rank"`
	Fields       map[string]string `yaml:"fields"`
}

// SeedWriter persists seed records.
type SeedWriter interface {
	UpsertType(ctx context.Context, workspaceID string, t domain.WorkflowType) error
	UpsertState(ctx context.Context, workspaceID string, st domain.StateRecord) error
	UpsertItem(ctx context.Context, workspaceID string, item domain.ItemRecord) error
}

// LoadSeed reads a YAML seed file.
func LoadSeed(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates seed YAML.
func ParseSeed(data []byte) (Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return Seed{}, fmt.Errorf("parse seed: %w", err)
	}
	if seed.Workspace == "" {
		return Seed{}, fmt.Errorf("parse seed: workspace is required")
	}
	for _, t := range seed.Types {
		if t.Ref == "" {
			return Seed{}, fmt.Errorf("parse seed: type %q has no ref", t.Name)
		}
		for _, st := range t.States {
			if st.Ref == "" {
				return Seed{}, fmt.Errorf("parse seed: state %q of type %s has no ref", st.Name, t.Ref)
			}
		}
		for _, it := range t.Items {
			if it.Ref == "" {
				return Seed{}, fmt.Errorf("parse seed: item %q of type %s has no ref", it.Name, t.Ref)
			}
		}
	}
	return seed, nil
}

// ApplySeed writes every record in seed through w. Item state changed dates
// accept RFC 3339 timestamps or durations relative to now ("72h").
func ApplySeed(ctx context.Context, w SeedWriter, seed Seed, now time.Time) error {
	for _, t := range seed.Types {
		if err := w.UpsertType(ctx, seed.Workspace, domain.WorkflowType{Ref: t.Ref, Name: t.Name, Ordinal: t.Ordinal}); err != nil {
			return fmt.Errorf("seed type %s: %w", t.Ref, err)
		}
		for i, st := range t.States {
			enabled := st.Enabled == nil || *st.Enabled
			rec := domain.StateRecord{
				Ref:         st.Ref,
				TypeRef:     t.Ref,
				Name:        st.Name,
				WIPLimit:    st.WIPLimit,
				Description: st.Description,
				OrderIndex:  i,
				Enabled:     enabled,
			}
			if err := w.UpsertState(ctx, seed.Workspace, rec); err != nil {
				return fmt.Errorf("seed state %s: %w", st.Ref, err)
			}
		}
		for _, it := range t.Items {
			changed, err := seedTime(it.StateChanged, now)
			if err != nil {
				return fmt.Errorf("seed item %s: %w", it.Ref, err)
			}
			rec := domain.ItemRecord{
				Ref:                     it.Ref,
				TypeRef:                 t.Ref,
				StateRef:                it.State,
				FormattedID:             it.FormattedID,
				Name:                    it.Name,
				Owner:                   it.Owner,
				PercentDoneByStoryCount: it.PercentDone,
				StateChangedAt:          changed,
				Rank:                    it.Rank,
				Fields:                  it.Fields,
			}
			if err := w.UpsertItem(ctx, seed.Workspace, rec); err != nil {
				return fmt.Errorf("seed item %s: %w", it.Ref, err)
			}
		}
	}
	return nil
}

func seedTime(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(-d), nil
	}
	return time.Parse(time.RFC3339, v)
}
