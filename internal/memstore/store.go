// Package memstore is a process-local parameter store and hierarchy. It keeps
// the same versioning contract as the Postgres repository and backs tests and
// single-node deployments.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brikpay/refund-params/internal/model"
)

type Store struct {
	mu     sync.RWMutex
	now    func() time.Time
	defs   map[string]*model.ParameterDefinition
	values map[model.ParameterKey][]*model.ParameterValue // ascending by version
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		now:    time.Now,
		defs:   make(map[string]*model.ParameterDefinition),
		values: make(map[model.ParameterKey][]*model.ParameterValue),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func key(entityType model.EntityType, entityID, name string) model.ParameterKey {
	return model.ParameterKey{EntityType: entityType, EntityID: entityID, Name: name}
}

func copyValue(v *model.ParameterValue) *model.ParameterValue {
	if v == nil {
		return nil
	}
	c := *v
	if v.ExpirationDate != nil {
		exp := *v.ExpirationDate
		c.ExpirationDate = &exp
	}
	return &c
}

func (s *Store) FindActiveParameter(ctx context.Context, entityType model.EntityType, entityID, name string) (*model.ParameterValue, error) {
	return s.FindParameterAt(ctx, entityType, entityID, name, s.now())
}

func (s *Store) FindParameterAt(_ context.Context, entityType model.EntityType, entityID, name string, at time.Time) (*model.ParameterValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.values[key(entityType, entityID, name)]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].ActiveAt(at) {
			return copyValue(versions[i]), nil
		}
	}
	return nil, nil
}

// FindLatestParameter returns the highest version of a key regardless of its
// validity window.
func (s *Store) FindLatestParameter(_ context.Context, entityType model.EntityType, entityID, name string) (*model.ParameterValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyValue(s.latestLocked(key(entityType, entityID, name))), nil
}

func (s *Store) latestLocked(k model.ParameterKey) *model.ParameterValue {
	versions := s.values[k]
	if len(versions) == 0 {
		return nil
	}
	return versions[len(versions)-1]
}

func (s *Store) FindParameterHistory(_ context.Context, entityType model.EntityType, entityID, name string) ([]*model.ParameterValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.values[key(entityType, entityID, name)]
	out := make([]*model.ParameterValue, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		out = append(out, copyValue(versions[i]))
	}
	return out, nil
}

// CreateParameter appends v as the next version of its key. It fails with
// ErrVersionConflict while the latest version has not expired by
// v.EffectiveDate, since that version has to be closed through UpdateParameter.
func (s *Store) CreateParameter(_ context.Context, v *model.ParameterValue) (*model.ParameterValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := s.latestLocked(v.Key())
	if latest != nil && latest.UnexpiredAt(v.EffectiveDate) {
		return nil, model.ErrVersionConflict
	}
	next := copyValue(v)
	next.Version = 1
	if latest != nil {
		next.Version = latest.Version + 1
	}
	s.insertLocked(next)
	return copyValue(next), nil
}

// UpdateParameter closes prev at next.EffectiveDate and appends next as
// prev.Version+1 in one critical section. prev must still be the latest
// version, otherwise ErrVersionConflict is returned and nothing changes. An
// expiration already earlier than next.EffectiveDate is left alone.
func (s *Store) UpdateParameter(_ context.Context, prev, next *model.ParameterValue) (*model.ParameterValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := s.latestLocked(prev.Key())
	if latest == nil || latest.Version != prev.Version {
		return nil, model.ErrVersionConflict
	}
	if latest.UnexpiredAt(next.EffectiveDate) {
		closedAt := next.EffectiveDate
		latest.ExpirationDate = &closedAt
		latest.UpdatedAt = s.now()
	}

	inserted := copyValue(next)
	inserted.Version = latest.Version + 1
	s.insertLocked(inserted)
	return copyValue(inserted), nil
}

// DeleteParameter soft-deletes prev by closing its expiration date at at.
// prev must not have been closed at or before at by another writer.
func (s *Store) DeleteParameter(_ context.Context, prev *model.ParameterValue, at time.Time) (*model.ParameterValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var target *model.ParameterValue
	for _, v := range s.values[prev.Key()] {
		if v.Version == prev.Version {
			target = v
			break
		}
	}
	if target == nil || (target.ExpirationDate != nil && !target.ExpirationDate.After(at)) {
		return nil, model.ErrVersionConflict
	}
	closedAt := at
	target.ExpirationDate = &closedAt
	target.UpdatedAt = s.now()
	return copyValue(target), nil
}

func (s *Store) insertLocked(v *model.ParameterValue) {
	now := s.now()
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	v.CreatedAt = now
	v.UpdatedAt = now
	k := v.Key()
	s.values[k] = append(s.values[k], v)
}

func (s *Store) FindParameterDefinition(_ context.Context, name string) (*model.ParameterDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[name]
	if !ok {
		return nil, nil
	}
	c := *def
	return &c, nil
}

func (s *Store) GetAllParameterDefinitions(_ context.Context) ([]*model.ParameterDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.ParameterDefinition, 0, len(s.defs))
	for _, def := range s.defs {
		c := *def
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpsertParameterDefinition(_ context.Context, def *model.ParameterDefinition) (*model.ParameterDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	c := *def
	if existing, ok := s.defs[def.Name]; ok {
		c.CreatedAt = existing.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.defs[def.Name] = &c
	out := c
	return &out, nil
}
