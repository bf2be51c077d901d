package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/brikpay/refund-params/internal/cache"
	"github.com/brikpay/refund-params/internal/model"
	"github.com/brikpay/refund-params/internal/notifier"
	"github.com/brikpay/refund-params/internal/validation"
)

// Store is the durable, versioned persistence the engine reads and writes.
// Find* methods return (nil, nil) when nothing matches.
type Store interface {
	FindActiveParameter(ctx context.Context, entityType model.EntityType, entityID, name string) (*model.ParameterValue, error)
	FindParameterAt(ctx context.Context, entityType model.EntityType, entityID, name string, at time.Time) (*model.ParameterValue, error)
	FindLatestParameter(ctx context.Context, entityType model.EntityType, entityID, name string) (*model.ParameterValue, error)
	FindParameterHistory(ctx context.Context, entityType model.EntityType, entityID, name string) ([]*model.ParameterValue, error)
	CreateParameter(ctx context.Context, v *model.ParameterValue) (*model.ParameterValue, error)
	UpdateParameter(ctx context.Context, prev, next *model.ParameterValue) (*model.ParameterValue, error)
	DeleteParameter(ctx context.Context, prev *model.ParameterValue, at time.Time) (*model.ParameterValue, error)
	FindParameterDefinition(ctx context.Context, name string) (*model.ParameterDefinition, error)
	GetAllParameterDefinitions(ctx context.Context) ([]*model.ParameterDefinition, error)
	UpsertParameterDefinition(ctx context.Context, def *model.ParameterDefinition) (*model.ParameterDefinition, error)
}

// HierarchyProvider returns the ancestor chain of an entity, most specific
// first and ending at its bank.
type HierarchyProvider interface {
	GetInheritanceChain(ctx context.Context, entityID string) (model.InheritanceChain, error)
}

type ParameterService struct {
	store     Store
	hierarchy HierarchyProvider
	cache     cache.ResolutionCache
	validator *validation.Validator
	publisher notifier.Publisher

	now                func() time.Time
	writeRetries       int
	resolveConcurrency int
	locks              *keyedMutex

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}
	closed   bool
}

type Option func(*ParameterService)

func WithClock(now func() time.Time) Option {
	return func(s *ParameterService) { s.now = now }
}

// WithWriteRetries bounds how often a write is retried after another process
// won the race for the same key.
func WithWriteRetries(n int) Option {
	return func(s *ParameterService) { s.writeRetries = n }
}

func WithResolveConcurrency(n int) Option {
	return func(s *ParameterService) { s.resolveConcurrency = n }
}

func NewParameterService(store Store, hierarchy HierarchyProvider, rc cache.ResolutionCache,
	validator *validation.Validator, publisher notifier.Publisher, opts ...Option) *ParameterService {
	if publisher == nil {
		publisher = notifier.Discard{}
	}
	s := &ParameterService{
		store:              store,
		hierarchy:          hierarchy,
		cache:              rc,
		validator:          validator,
		publisher:          publisher,
		now:                time.Now,
		writeRetries:       3,
		resolveConcurrency: 8,
		locks:              newKeyedMutex(),
		timers:             make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.resolveConcurrency < 1 {
		s.resolveConcurrency = 1
	}
	return s
}

// Close stops pending scheduled invalidations.
func (s *ParameterService) Close() {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	s.closed = true
	for t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}

func (s *ParameterService) definition(ctx context.Context, name string) (*model.ParameterDefinition, error) {
	if strings.TrimSpace(name) == "" {
		return nil, model.NewInvalidParameter(name, "parameter name is required")
	}
	def, err := s.store.FindParameterDefinition(ctx, name)
	if err != nil {
		return nil, storeErr("find parameter definition", err)
	}
	if def == nil {
		return nil, model.NewInvalidParameter(name, "unknown parameter")
	}
	return def, nil
}

// GetInheritanceChain returns the ancestor chain of entityID, most specific first.
func (s *ParameterService) GetInheritanceChain(ctx context.Context, entityID string) (model.InheritanceChain, error) {
	if strings.TrimSpace(entityID) == "" {
		return nil, model.NewInvalidParameter("", "entity id is required")
	}
	chain, err := s.hierarchy.GetInheritanceChain(ctx, entityID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
		return nil, storeErr("get inheritance chain", err)
	}
	return chain, nil
}

// InvalidateCache drops cached resolutions whose "name:entityID" key matches
// the glob pattern.
func (s *ParameterService) InvalidateCache(ctx context.Context, pattern string) (int, error) {
	if strings.TrimSpace(pattern) == "" {
		return 0, model.NewInvalidParameter("", "invalidation pattern is required")
	}
	n, err := s.cache.Invalidate(ctx, pattern)
	if err != nil {
		return 0, err
	}
	log.Info().Str("pattern", pattern).Int("entries", n).Msg("cache invalidated")
	return n, nil
}

// invalidate clears every cached resolution that may have read the written
// level. Failures are logged: the store write already succeeded.
func (s *ParameterService) invalidate(ctx context.Context, name string, entityType model.EntityType, entityID string) {
	n, err := s.cache.InvalidateHierarchy(ctx, name, entityType, entityID)
	if err != nil {
		log.Warn().Err(err).
			Str("parameter", name).
			Str("entity_type", string(entityType)).
			Str("entity_id", entityID).
			Msg("cache invalidation incomplete")
	}
	log.Debug().Str("parameter", name).Str("entity_id", entityID).Int("entries", n).Msg("cache entries invalidated")
}

// scheduleInvalidation repeats the hierarchy invalidation at a future instant
// when a version starts or stops being active, since cached resolutions
// carry no notion of time.
func (s *ParameterService) scheduleInvalidation(at time.Time, name string, entityType model.EntityType, entityID string) {
	delay := at.Sub(s.now())
	if delay <= 0 {
		return
	}
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if s.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.invalidate(context.Background(), name, entityType, entityID)
		s.timersMu.Lock()
		delete(s.timers, t)
		s.timersMu.Unlock()
	})
	s.timers[t] = struct{}{}
}

func (s *ParameterService) publish(evType model.EventType, def *model.ParameterDefinition, key model.ParameterKey,
	before, after *model.ParameterValue, actor string) {
	s.publisher.Publish(model.ParameterEvent{
		ID:            uuid.NewString(),
		Type:          evType,
		ParameterName: key.Name,
		EntityType:    key.EntityType,
		EntityID:      key.EntityID,
		Before:        before,
		After:         after,
		Actor:         actor,
		AuditRequired: def.AuditRequired,
		OccurredAt:    s.now(),
	})
}

func storeErr(op string, err error) error {
	var se *model.StoreError
	if errors.As(err, &se) {
		return err
	}
	return &model.StoreError{Op: op, Err: err}
}
