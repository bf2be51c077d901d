package service

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/brikpay/refund-params/internal/cache"
	"github.com/brikpay/refund-params/internal/model"
)

// ResolveParameter returns the most specific active override of name along
// entityID's inheritance chain, or the definition default. Results are
// cached per (name, entityID); a cache hit touches neither the hierarchy nor
// the store.
func (s *ParameterService) ResolveParameter(ctx context.Context, name, entityID string) (*model.ResolvedParameter, error) {
	if strings.TrimSpace(name) == "" {
		return nil, model.NewInvalidParameter(name, "parameter name is required")
	}
	if strings.TrimSpace(entityID) == "" {
		return nil, model.NewInvalidParameter(name, "entity id is required")
	}

	if rp, ok, err := s.cache.Get(ctx, name, entityID); err != nil {
		return nil, err
	} else if ok {
		return rp, nil
	}

	def, err := s.definition(ctx, name)
	if err != nil {
		return nil, err
	}
	gen := s.cache.Snapshot(name)

	chain, err := s.GetInheritanceChain(ctx, entityID)
	if err != nil {
		return nil, err
	}

	rp, err := s.walk(ctx, def, chain, nil)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, entityID, cache.Entry{Name: name, Resolved: rp, Chain: chain, Gen: gen}); err != nil {
		log.Warn().Err(err).Str("parameter", name).Str("entity_id", entityID).Msg("failed to cache resolved parameter")
	}
	return rp, nil
}

// ResolveParameters resolves several names for one entity with a single bulk
// cache read, at most one hierarchy lookup and a single bulk cache write.
// Each result equals what ResolveParameter returns for that name.
func (s *ParameterService) ResolveParameters(ctx context.Context, names []string, entityID string) (map[string]*model.ResolvedParameter, error) {
	if strings.TrimSpace(entityID) == "" {
		return nil, model.NewInvalidParameter("", "entity id is required")
	}
	unique := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			return nil, model.NewInvalidParameter(name, "parameter name is required")
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		unique = append(unique, name)
	}

	out, err := s.cache.GetBulk(ctx, unique, entityID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = make(map[string]*model.ResolvedParameter, len(unique))
	}

	var misses []*model.ParameterDefinition
	var gens []cache.Generation
	for _, name := range unique {
		if _, ok := out[name]; ok {
			continue
		}
		def, err := s.definition(ctx, name)
		if err != nil {
			return nil, err
		}
		misses = append(misses, def)
		gens = append(gens, s.cache.Snapshot(name))
	}
	if len(misses) == 0 {
		return out, nil
	}

	chain, err := s.GetInheritanceChain(ctx, entityID)
	if err != nil {
		return nil, err
	}

	resolved := make([]*model.ResolvedParameter, len(misses))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.resolveConcurrency)
	for i, def := range misses {
		i, def := i, def
		g.Go(func() error {
			rp, err := s.walk(gctx, def, chain, nil)
			if err != nil {
				return err
			}
			resolved[i] = rp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entries := make([]cache.Entry, len(misses))
	for i, def := range misses {
		out[def.Name] = resolved[i]
		entries[i] = cache.Entry{Name: def.Name, Resolved: resolved[i], Chain: chain, Gen: gens[i]}
	}
	if err := s.cache.SetBulk(ctx, entityID, entries); err != nil {
		log.Warn().Err(err).Str("entity_id", entityID).Int("entries", len(entries)).Msg("failed to cache resolved parameters")
	}
	return out, nil
}

// GetParameterValue is ResolveParameter without the provenance.
func (s *ParameterService) GetParameterValue(ctx context.Context, name, entityID string) (any, error) {
	rp, err := s.ResolveParameter(ctx, name, entityID)
	if err != nil {
		return nil, err
	}
	return rp.Value, nil
}

// GetParameterValueAt resolves name as it was (or will be) in force at the
// given instant. Point-in-time reads bypass the cache.
func (s *ParameterService) GetParameterValueAt(ctx context.Context, name, entityID string, at time.Time) (*model.ResolvedParameter, error) {
	if strings.TrimSpace(entityID) == "" {
		return nil, model.NewInvalidParameter(name, "entity id is required")
	}
	def, err := s.definition(ctx, name)
	if err != nil {
		return nil, err
	}
	chain, err := s.GetInheritanceChain(ctx, entityID)
	if err != nil {
		return nil, err
	}
	return s.walk(ctx, def, chain, &at)
}

// walk visits the chain from most to least specific and stops at the first
// level holding an active version. A nil at means "now" as seen by the store.
func (s *ParameterService) walk(ctx context.Context, def *model.ParameterDefinition, chain model.InheritanceChain, at *time.Time) (*model.ResolvedParameter, error) {
	for _, lvl := range chain {
		var (
			v   *model.ParameterValue
			err error
		)
		if at == nil {
			v, err = s.store.FindActiveParameter(ctx, lvl.EntityType, lvl.EntityID, def.Name)
		} else {
			v, err = s.store.FindParameterAt(ctx, lvl.EntityType, lvl.EntityID, def.Name, *at)
		}
		if err != nil {
			return nil, storeErr("find active parameter", err)
		}
		if v != nil {
			return &model.ResolvedParameter{
				Definition:       def,
				Value:            v.Value,
				SourceEntityType: lvl.EntityType,
				SourceEntityID:   lvl.EntityID,
				Version:          v.Version,
			}, nil
		}
	}
	return &model.ResolvedParameter{
		Definition: def,
		Value:      def.DefaultValue,
		IsDefault:  true,
	}, nil
}
