// Package repo provides a small generic repository over Neo4j node labels.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no node matches an id.
var ErrNotFound = errors.New("repo: not found")

// Repository stores entities keyed by ID.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Upsert(ctx context.Context, entity T) error
	Delete(ctx context.Context, id ID) error
	DeleteAll(ctx context.Context) error
}

// ListOpts controls pagination and filtering for List.
// Filter keys are property names matched for equality.
type ListOpts struct {
	Offset int
	Limit  int
	Filter map[string]any
}
