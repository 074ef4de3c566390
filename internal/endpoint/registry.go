// Package endpoint holds the immutable registry of on-screen endpoints.
package endpoint

import (
	"errors"
	"fmt"
	"strings"

	"courier/internal/config"
	"courier/internal/region"
)

var ErrNotFound = errors.New("endpoint not found")

type Endpoint struct {
	ID      string         `json:"id"`
	Anchor  region.Point   `json:"anchor"`
	Width   int            `json:"width"`
	Height  int            `json:"height"`
	Regions region.Regions `json:"regions"`
}

// Registry maps ids to endpoints. It is read-only after construction.
type Registry struct {
	order []string
	byID  map[string]Endpoint
}

// New derives regions for every entry. Duplicate ids and bad geometry fail.
func New(entries []config.EndpointConfig) (*Registry, error) {
	r := &Registry{byID: make(map[string]Endpoint, len(entries))}
	for _, e := range entries {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return nil, errors.New("endpoint id is required")
		}
		if _, dup := r.byID[id]; dup {
			return nil, fmt.Errorf("endpoint %q registered twice", id)
		}
		anchor := region.Point{X: e.X, Y: e.Y}
		regs, err := region.DeriveRegions(anchor, e.Width, e.Height)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", id, err)
		}
		r.byID[id] = Endpoint{ID: id, Anchor: anchor, Width: e.Width, Height: e.Height, Regions: regs}
		r.order = append(r.order, id)
	}
	return r, nil
}

// Resolve returns ErrNotFound for unknown ids.
func (r *Registry) Resolve(id string) (Endpoint, error) {
	if r == nil {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	ep, ok := r.byID[strings.TrimSpace(id)]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return ep, nil
}

// IDs returns ids in registration order.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.order...)
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}

// All returns endpoints in registration order.
func (r *Registry) All() []Endpoint {
	if r == nil {
		return nil
	}
	out := make([]Endpoint, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}
