package storage

import (
	"context"
	"time"
)

// Sketch is a saved program with its header tabs.
type Sketch struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Code      string            `json:"code"`
	Headers   map[string]string `json:"headers,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ListOptions controls pagination for ListSketches.
type ListOptions struct {
	Limit  int
	Offset int
}

// Store is the persistence interface for sketches.
type Store interface {
	// CreateSketch inserts a new sketch. The ID field must be set by the caller.
	CreateSketch(ctx context.Context, s *Sketch) error

	// GetSketch returns a sketch by ID or ID prefix.
	GetSketch(ctx context.Context, id string) (*Sketch, error)

	// ListSketches returns sketches ordered by updated_at descending.
	ListSketches(ctx context.Context, opts ListOptions) ([]Sketch, error)

	// UpdateSketch updates mutable fields (name, code, headers, updated_at).
	UpdateSketch(ctx context.Context, s *Sketch) error

	// DeleteSketch removes a sketch.
	DeleteSketch(ctx context.Context, id string) error

	// Close releases resources.
	Close() error
}
