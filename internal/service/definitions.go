package service

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/brikpay/refund-params/internal/model"
	"github.com/brikpay/refund-params/internal/validation"
)

func (s *ParameterService) GetParameterDefinition(ctx context.Context, name string) (*model.ParameterDefinition, error) {
	return s.definition(ctx, name)
}

func (s *ParameterService) GetAllParameterDefinitions(ctx context.Context) ([]*model.ParameterDefinition, error) {
	defs, err := s.store.GetAllParameterDefinitions(ctx)
	if err != nil {
		return nil, storeErr("get parameter definitions", err)
	}
	return defs, nil
}

// ValidateParameterValue checks value against the named definition without
// writing anything.
func (s *ParameterService) ValidateParameterValue(ctx context.Context, name string, value any) (model.ValidationResult, error) {
	def, err := s.definition(ctx, name)
	if err != nil {
		return model.ValidationResult{}, err
	}
	return s.validator.Validate(def, value), nil
}

// UpsertParameterDefinition creates or replaces a definition. Every cached
// resolution of the name is dropped since defaults and rules may have changed.
func (s *ParameterService) UpsertParameterDefinition(ctx context.Context, def *model.ParameterDefinition) (*model.ParameterDefinition, error) {
	if def == nil {
		return nil, model.NewInvalidParameter("", "definition is required")
	}
	def.Name = strings.TrimSpace(def.Name)
	if err := s.validator.CheckDefinition(def); err != nil {
		return nil, model.NewInvalidParameter(def.Name, "%v", err)
	}
	normalized, err := validation.Normalize(def.DefaultValue)
	if err != nil {
		return nil, model.NewInvalidParameter(def.Name, "%v", err)
	}
	def.DefaultValue = normalized

	saved, err := s.store.UpsertParameterDefinition(ctx, def)
	if err != nil {
		return nil, storeErr("upsert parameter definition", err)
	}

	n, err := s.cache.InvalidateName(ctx, saved.Name)
	if err != nil {
		log.Warn().Err(err).Str("parameter", saved.Name).Msg("cache invalidation incomplete")
	}
	log.Info().Str("parameter", saved.Name).Str("data_type", string(saved.DataType)).Int("evicted", n).Msg("parameter definition saved")
	return saved, nil
}

// UpdateParameterDefinition applies patch to an existing definition.
func (s *ParameterService) UpdateParameterDefinition(ctx context.Context, name string, patch model.DefinitionPatch) (*model.ParameterDefinition, error) {
	current, err := s.definition(ctx, name)
	if err != nil {
		return nil, err
	}
	next := *current
	patch.Apply(&next)
	return s.UpsertParameterDefinition(ctx, &next)
}
