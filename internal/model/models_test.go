package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParameterValue_ActiveAt(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)

	t.Run("open version effective in the past", func(t *testing.T) {
		v := &ParameterValue{EffectiveDate: now.Add(-time.Hour)}
		assert.True(t, v.ActiveAt(now))
	})

	t.Run("not yet effective", func(t *testing.T) {
		v := &ParameterValue{EffectiveDate: later}
		assert.False(t, v.ActiveAt(now))
	})

	t.Run("expiration is exclusive", func(t *testing.T) {
		v := &ParameterValue{EffectiveDate: now.Add(-time.Hour), ExpirationDate: &now}
		assert.False(t, v.ActiveAt(now))
		assert.True(t, v.ActiveAt(now.Add(-time.Minute)))
	})

	t.Run("effective date is inclusive", func(t *testing.T) {
		v := &ParameterValue{EffectiveDate: now}
		assert.True(t, v.ActiveAt(now))
	})

	t.Run("pending version is unexpired but not active", func(t *testing.T) {
		v := &ParameterValue{EffectiveDate: later}
		assert.False(t, v.ActiveAt(now))
		assert.True(t, v.UnexpiredAt(now))
	})

	t.Run("expired version", func(t *testing.T) {
		v := &ParameterValue{EffectiveDate: now.Add(-2 * time.Hour), ExpirationDate: &now}
		assert.True(t, v.UnexpiredAt(now.Add(-time.Minute)))
		assert.False(t, v.UnexpiredAt(now))
	})
}

func TestInheritanceChain_Validate(t *testing.T) {
	full := InheritanceChain{
		{EntityMerchant, "m1"},
		{EntityOrganization, "org1"},
		{EntityProgram, "p1"},
		{EntityBank, "b1"},
	}
	require.NoError(t, full.Validate("m1"))
	assert.True(t, full.Contains(EntityOrganization, "org1"))
	assert.False(t, full.Contains(EntityOrganization, "m1"))

	t.Run("starting below merchant is fine", func(t *testing.T) {
		assert.NoError(t, full[2:].Validate("p1"))
	})

	t.Run("wrong head", func(t *testing.T) {
		assert.Error(t, full.Validate("m2"))
	})

	t.Run("missing bank", func(t *testing.T) {
		assert.Error(t, full[:3].Validate("m1"))
	})

	t.Run("out of order", func(t *testing.T) {
		bad := InheritanceChain{{EntityMerchant, "m1"}, {EntityProgram, "p1"}, {EntityOrganization, "org1"}, {EntityBank, "b1"}}
		assert.Error(t, bad.Validate("m1"))
	})

	t.Run("empty", func(t *testing.T) {
		assert.Error(t, InheritanceChain(nil).Validate("m1"))
	})
}

func TestParseEntityType(t *testing.T) {
	et, err := ParseEntityType(" organization ")
	require.NoError(t, err)
	assert.Equal(t, EntityOrganization, et)

	_, err = ParseEntityType("REGION")
	assert.Error(t, err)
}

func TestErrorTaxonomy(t *testing.T) {
	inv := NewInvalidParameter("maxRefundAmount", "value rejected")
	inv.Violations = []string{"below minimum"}
	wrapped := fmt.Errorf("set parameter: %w", inv)
	assert.ErrorIs(t, wrapped, ErrInvalidParameter)
	assert.Contains(t, inv.Error(), "below minimum")

	var target *InvalidParameterError
	require.True(t, errors.As(wrapped, &target))
	assert.Equal(t, "maxRefundAmount", target.Name)

	cause := errors.New("connection reset")
	se := &StoreError{Op: "find active parameter", Err: cause}
	assert.ErrorIs(t, se, ErrStore)
	assert.ErrorIs(t, se, cause)

	assert.ErrorIs(t, &NotFoundError{EntityID: "m9"}, ErrNotFound)
	assert.ErrorIs(t, &CacheError{Op: "set", Err: cause}, ErrCache)
}

func TestDefinitionPatch_Apply(t *testing.T) {
	def := &ParameterDefinition{Name: "maxRefundAmount", DataType: DataTypeDecimal, DefaultValue: 1000.0, Category: "refunds"}
	cat := "limits"
	var dv any = 2500.0
	DefinitionPatch{Category: &cat, DefaultValue: &dv}.Apply(def)

	assert.Equal(t, "maxRefundAmount", def.Name)
	assert.Equal(t, "limits", def.Category)
	assert.Equal(t, 2500.0, def.DefaultValue)
	assert.Equal(t, DataTypeDecimal, def.DataType)
}

func TestResolvedParameter_Source(t *testing.T) {
	r := &ResolvedParameter{SourceEntityType: EntityOrganization, SourceEntityID: "org1"}
	assert.Equal(t, "ORGANIZATION:org1", r.Source())
	r.IsDefault = true
	assert.Equal(t, SourceDefault, r.Source())
}
