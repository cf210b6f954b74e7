package domain

// WorkflowType identifies a portfolio item type whose states form the board columns.
type WorkflowType struct {
	Ref     string `json:"ref"`
	Name    string `json:"name"`
	Ordinal int    `json:"ordinal"`
}

// StateRecord is a workflow state as fetched from the data service.
type StateRecord struct {
	Ref         string `json:"ref"`
	TypeRef     string `json:"typeRef"`
	Name        string `json:"name"`
	WIPLimit    *int   `json:"wipLimit,omitempty"`
	Description string `json:"description,omitempty"`
	OrderIndex  int    `json:"orderIndex"`
	Enabled     bool   `json:"enabled"`
}

// Workspace carries the workspace-level switches a board is built with.
type Workspace struct {
	ID                     string `json:"id"`
	DragDropRankingEnabled bool   `json:"dragDropRankingEnabled"`
	PoliciesEnabled        bool   `json:"policiesEnabled"`
}
