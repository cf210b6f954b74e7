package domain

import "errors"

var (
	// ErrTypeNotFound is returned when the requested workflow type does not exist.
	ErrTypeNotFound = errors.New("workflow type not found")
	// ErrItemNotFound is returned when a portfolio item does not exist.
	ErrItemNotFound = errors.New("item not found")
	// ErrStateNotFound is returned when a move targets a state outside the item's type.
	ErrStateNotFound = errors.New("state not found")
)
