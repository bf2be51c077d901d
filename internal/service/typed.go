package service

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/brikpay/refund-params/internal/model"
	"github.com/brikpay/refund-params/internal/validation"
)

func (s *ParameterService) GetDecimal(ctx context.Context, name, entityID string) (decimal.Decimal, error) {
	v, err := s.GetParameterValue(ctx, name, entityID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	d, ok := validation.ToDecimal(v)
	if !ok {
		return decimal.Decimal{}, model.NewInvalidParameter(name, "value %v is not a decimal", v)
	}
	return d, nil
}

func (s *ParameterService) GetBool(ctx context.Context, name, entityID string) (bool, error) {
	v, err := s.GetParameterValue(ctx, name, entityID)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, model.NewInvalidParameter(name, "value %v is not a boolean", v)
	}
	return b, nil
}

func (s *ParameterService) GetString(ctx context.Context, name, entityID string) (string, error) {
	v, err := s.GetParameterValue(ctx, name, entityID)
	if err != nil {
		return "", err
	}
	str, ok := v.(string)
	if !ok {
		return "", model.NewInvalidParameter(name, "value %v is not a string", v)
	}
	return str, nil
}
