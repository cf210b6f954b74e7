package domain

import "strings"

// Settings represents user configurable board options.
type Settings struct {
	ShowPolicies bool   `json:"showPolicies"`
	Fields       string `json:"fields,omitempty"`
}

// FieldList splits the comma separated Fields setting, dropping blanks and duplicates.
func (s Settings) FieldList() []string {
	if strings.TrimSpace(s.Fields) == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, f := range strings.Split(s.Fields, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
