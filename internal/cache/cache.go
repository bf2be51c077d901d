// Package cache holds resolved parameters keyed by (parameter name,
// requesting entity) and invalidates them along the entity hierarchy.
package cache

import (
	"context"

	"github.com/brikpay/refund-params/internal/model"
)

// Entry is one resolution to store for a requesting entity. Chain is the
// inheritance chain the value was resolved through; Gen is the generation
// observed before the store was read.
type Entry struct {
	Name     string
	Resolved *model.ResolvedParameter
	Chain    model.InheritanceChain
	Gen      Generation
}

// Generation is an opaque token. A write carrying a generation older than the
// latest invalidation for its parameter is discarded.
type Generation struct {
	epoch uint64
	name  uint64
}

// ResolutionCache is the cache contract the resolution engine depends on.
type ResolutionCache interface {
	Get(ctx context.Context, name, entityID string) (*model.ResolvedParameter, bool, error)
	GetBulk(ctx context.Context, names []string, entityID string) (map[string]*model.ResolvedParameter, error)
	Set(ctx context.Context, entityID string, e Entry) error
	SetBulk(ctx context.Context, entityID string, entries []Entry) error
	Snapshot(name string) Generation
	Invalidate(ctx context.Context, pattern string) (int, error)
	InvalidateName(ctx context.Context, name string) (int, error)
	InvalidateHierarchy(ctx context.Context, name string, entityType model.EntityType, entityID string) (int, error)
	Len() int
	Close()
}

// DescendantLister returns every entity below a hierarchy level. When the
// cache is given one, hierarchy invalidation also covers descendants whose
// cached chain is unknown.
type DescendantLister interface {
	ListDescendants(ctx context.Context, entityType model.EntityType, entityID string) ([]string, error)
}

type key struct {
	Name     string
	EntityID string
}

func (k key) String() string {
	return k.Name + ":" + k.EntityID
}
