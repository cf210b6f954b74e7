// Package board assembles kanban boards from workflow states and portfolio
// items. Loading happens through a Loader; output goes through a Renderer.
package board

import (
	"context"
	"fmt"
	"time"

	"portfolio-kanban/domain"
)

// Loader fetches board data. FetchStates must return only enabled states of
// the given type, sorted by order index ascending.
type Loader interface {
	FetchTypes(ctx context.Context, workspaceID string) ([]domain.WorkflowType, error)
	FetchStates(ctx context.Context, workspaceID, typeRef string) ([]domain.StateRecord, error)
	FetchItems(ctx context.Context, workspaceID, typeRef string, fields []string) ([]domain.ItemRecord, error)
}

// Clock returns the current time.
type Clock func() time.Time

// Request selects the board to load.
type Request struct {
	Workspace domain.Workspace
	TypeRef   string
	Settings  domain.Settings
}

// Service runs the load, build and place pipeline.
type Service struct {
	loader Loader
	now    Clock
}

// NewService creates a board service. A nil clock uses time.Now.
func NewService(loader Loader, now Clock) *Service {
	if loader == nil {
		panic("board.NewService: loader is nil")
	}
	if now == nil {
		now = time.Now
	}
	return &Service{loader: loader, now: now}
}

// Types lists the workflow types of the workspace.
func (s *Service) Types(ctx context.Context, workspaceID string) ([]domain.WorkflowType, error) {
	return s.loader.FetchTypes(ctx, workspaceID)
}

// ResolveType returns the type with ref typeRef, or the first type when typeRef is empty.
func (s *Service) ResolveType(ctx context.Context, workspaceID, typeRef string) (domain.WorkflowType, error) {
	types, err := s.loader.FetchTypes(ctx, workspaceID)
	if err != nil {
		return domain.WorkflowType{}, fmt.Errorf("fetch types: %w", err)
	}
	if len(types) == 0 {
		return domain.WorkflowType{}, domain.ErrTypeNotFound
	}
	if typeRef == "" {
		return types[0], nil
	}
	for _, t := range types {
		if t.Ref == typeRef {
			return t, nil
		}
	}
	return domain.WorkflowType{}, domain.ErrTypeNotFound
}

// Load builds the board for req. A type without states yields a board with
// no columns and the no-states notice.
func (s *Service) Load(ctx context.Context, req Request) (domain.Board, error) {
	typ, err := s.ResolveType(ctx, req.Workspace.ID, req.TypeRef)
	if err != nil {
		return domain.Board{}, err
	}

	fields := req.Settings.FieldList()
	b := domain.Board{
		Type:           typ,
		ShowPolicies:   req.Workspace.PoliciesEnabled && req.Settings.ShowPolicies,
		RankingEnabled: req.Workspace.DragDropRankingEnabled,
		Fields:         fields,
	}

	states, err := s.loader.FetchStates(ctx, req.Workspace.ID, typ.Ref)
	if err != nil {
		return domain.Board{}, fmt.Errorf("fetch states: %w", err)
	}
	columns := domain.BuildColumns(states)
	if columns == nil {
		b.Notice = domain.NoStatesNotice
		return b, nil
	}

	fetch := make([]string, 0, len(domain.DefaultItemFields)+len(fields))
	fetch = append(fetch, domain.DefaultItemFields...)
	fetch = append(fetch, fields...)
	items, err := s.loader.FetchItems(ctx, req.Workspace.ID, typ.Ref, fetch)
	if err != nil {
		return domain.Board{}, fmt.Errorf("fetch items: %w", err)
	}

	b.Columns = domain.PlaceCards(columns, items, domain.PlaceOptions{
		Now:            s.now(),
		Fields:         fields,
		RankingEnabled: req.Workspace.DragDropRankingEnabled,
	})
	return b, nil
}
