package service

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/brikpay/refund-params/internal/model"
	"github.com/brikpay/refund-params/internal/validation"
)

func checkLevel(name string, entityType model.EntityType, entityID string) error {
	if !entityType.Valid() {
		return model.NewInvalidParameter(name, "unknown entity type %q", entityType)
	}
	if strings.TrimSpace(entityID) == "" {
		return model.NewInvalidParameter(name, "entity id is required")
	}
	return nil
}

// SetParameter writes a new version of name at exactly (entityType,
// entityID). The latest version at that level is closed at the new version's
// effective date in the same store operation, unless it already expired
// before then.
func (s *ParameterService) SetParameter(ctx context.Context, entityType model.EntityType, entityID, name string,
	value any, meta model.SetMetadata) (*model.ParameterValue, error) {
	if err := checkLevel(name, entityType, entityID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(meta.CreatedBy) == "" {
		return nil, model.NewInvalidParameter(name, "created by is required")
	}
	def, err := s.definition(ctx, name)
	if err != nil {
		return nil, err
	}
	if res := s.validator.Validate(def, value); !res.Valid {
		return nil, &model.InvalidParameterError{Name: name, Reason: "value rejected", Violations: res.Errors}
	}
	normalized, err := validation.Normalize(value)
	if err != nil {
		return nil, model.NewInvalidParameter(name, "%v", err)
	}

	effective := s.now()
	if meta.EffectiveDate != nil {
		effective = *meta.EffectiveDate
	}
	if meta.ExpirationDate != nil && !meta.ExpirationDate.After(effective) {
		return nil, model.NewInvalidParameter(name, "expiration date must be after effective date")
	}

	key := model.ParameterKey{EntityType: entityType, EntityID: entityID, Name: name}
	unlock := s.locks.Lock(key.String())
	defer unlock()

	var prev, saved *model.ParameterValue
	for attempt := 0; ; attempt++ {
		latest, err := s.store.FindLatestParameter(ctx, entityType, entityID, name)
		if err != nil {
			return nil, storeErr("find latest parameter", err)
		}
		if latest != nil && effective.Before(latest.EffectiveDate) {
			return nil, model.NewInvalidParameter(name, "effective date precedes current version %d", latest.Version)
		}
		prev = nil
		if latest != nil && latest.UnexpiredAt(effective) {
			prev = latest
		}

		next := &model.ParameterValue{
			EntityType:     entityType,
			EntityID:       entityID,
			ParameterName:  name,
			Value:          normalized,
			EffectiveDate:  effective,
			ExpirationDate: meta.ExpirationDate,
			CreatedBy:      meta.CreatedBy,
			ChangeReason:   meta.Reason,
		}
		if prev == nil {
			saved, err = s.store.CreateParameter(ctx, next)
		} else {
			saved, err = s.store.UpdateParameter(ctx, prev, next)
		}
		if err == nil {
			break
		}
		if errors.Is(err, model.ErrVersionConflict) && attempt < s.writeRetries {
			log.Debug().Str("key", key.String()).Int("attempt", attempt+1).Msg("version conflict, retrying")
			continue
		}
		return nil, storeErr("save parameter", err)
	}

	s.invalidate(ctx, name, entityType, entityID)
	s.scheduleInvalidation(saved.EffectiveDate, name, entityType, entityID)
	if saved.ExpirationDate != nil {
		s.scheduleInvalidation(*saved.ExpirationDate, name, entityType, entityID)
	}
	s.publish(model.EventParameterChanged, def, key, prev, saved, meta.CreatedBy)

	log.Info().
		Str("parameter", name).
		Str("entity_type", string(entityType)).
		Str("entity_id", entityID).
		Int("version", saved.Version).
		Str("created_by", meta.CreatedBy).
		Msg("parameter set")
	return saved, nil
}

// DeleteParameter closes the version active now at exactly (entityType,
// entityID). It returns false, with no invalidation and no event, when
// nothing is active there.
func (s *ParameterService) DeleteParameter(ctx context.Context, entityType model.EntityType, entityID, name string) (bool, error) {
	if err := checkLevel(name, entityType, entityID); err != nil {
		return false, err
	}
	def, err := s.definition(ctx, name)
	if err != nil {
		return false, err
	}

	key := model.ParameterKey{EntityType: entityType, EntityID: entityID, Name: name}
	unlock := s.locks.Lock(key.String())
	defer unlock()

	var closed *model.ParameterValue
	for attempt := 0; ; attempt++ {
		active, err := s.store.FindActiveParameter(ctx, entityType, entityID, name)
		if err != nil {
			return false, storeErr("find active parameter", err)
		}
		if active == nil {
			return false, nil
		}
		closed, err = s.store.DeleteParameter(ctx, active, s.now())
		if err == nil {
			break
		}
		if errors.Is(err, model.ErrVersionConflict) && attempt < s.writeRetries {
			continue
		}
		return false, storeErr("delete parameter", err)
	}

	s.invalidate(ctx, name, entityType, entityID)
	s.publish(model.EventParameterDeleted, def, key, closed, nil, "")

	log.Info().
		Str("parameter", name).
		Str("entity_type", string(entityType)).
		Str("entity_id", entityID).
		Int("version", closed.Version).
		Msg("parameter deleted")
	return true, nil
}

// GetParameterHistory lists every version stored at exactly (entityType,
// entityID), newest first. History is never cached.
func (s *ParameterService) GetParameterHistory(ctx context.Context, entityType model.EntityType, entityID, name string) ([]*model.ParameterValue, error) {
	if err := checkLevel(name, entityType, entityID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, model.NewInvalidParameter(name, "parameter name is required")
	}
	history, err := s.store.FindParameterHistory(ctx, entityType, entityID, name)
	if err != nil {
		return nil, storeErr("find parameter history", err)
	}
	return history, nil
}
