package api

import "portfolio-kanban/domain"

// Body limits for echo's BodyLimit middleware. They apply after gzip
// request bodies have been inflated.
const (
	postStateMaxSize   = "16KiB"
	putSettingsMaxSize = "16KiB"
)

// POST /api/items/:id/state request body
type moveRequest struct {
	StateRef       string `json:"stateRef"`
	Rank           *int   `json:"rank,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// POST /api/items/:id/state response body
type moveResponse struct {
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	Duplicate      bool   `json:"duplicate,omitempty"`
	Error          string `json:"error,omitempty"`
}

type typesResponse struct {
	Types []domain.WorkflowType `json:"types"`
}
