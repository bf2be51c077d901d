package validation

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brikpay/refund-params/internal/model"
)

func rule(kind model.RuleKind, spec string) model.ValidationRule {
	return model.ValidationRule{Kind: kind, Spec: json.RawMessage(spec)}
}

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New()
	require.NoError(t, err)
	return v
}

func TestValidate_BaseTypes(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name  string
		dt    model.DataType
		value any
		valid bool
	}{
		{"string ok", model.DataTypeString, "REFUND", true},
		{"string rejects number", model.DataTypeString, 12, false},
		{"number accepts int", model.DataTypeNumber, 42, true},
		{"number accepts float", model.DataTypeNumber, 4.2, true},
		{"number rejects numeric string", model.DataTypeNumber, "42", false},
		{"decimal accepts numeric string", model.DataTypeDecimal, "1000.50", true},
		{"decimal accepts shopspring decimal", model.DataTypeDecimal, decimal.RequireFromString("19.99"), true},
		{"decimal accepts number", model.DataTypeDecimal, 5000, true},
		{"decimal rejects garbage", model.DataTypeDecimal, "ten", false},
		{"boolean ok", model.DataTypeBoolean, true, true},
		{"boolean rejects string", model.DataTypeBoolean, "true", false},
		{"array ok", model.DataTypeArray, []string{"card", "pix"}, true},
		{"array rejects object", model.DataTypeArray, map[string]any{"a": 1}, false},
		{"json accepts object", model.DataTypeJSON, map[string]any{"tiers": []int{1, 2}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := &model.ParameterDefinition{Name: "p", DataType: tt.dt}
			res := v.Validate(def, tt.value)
			assert.Equal(t, tt.valid, res.Valid, "errors: %v", res.Errors)
		})
	}
}

func TestValidate_NilValue(t *testing.T) {
	v := newValidator(t)
	res := v.Validate(&model.ParameterDefinition{Name: "p", DataType: model.DataTypeJSON}, nil)
	assert.False(t, res.Valid)
	assert.Equal(t, []string{"value is required"}, res.Errors)
}

func TestValidate_Rules(t *testing.T) {
	v := newValidator(t)

	t.Run("range inclusive bounds", func(t *testing.T) {
		def := &model.ParameterDefinition{Name: "maxRefundAmount", DataType: model.DataTypeDecimal,
			ValidationRules: []model.ValidationRule{rule(model.RuleRange, `{"min":0,"max":10000}`)}}
		assert.True(t, v.Validate(def, 0).Valid)
		assert.True(t, v.Validate(def, "10000.00").Valid)

		res := v.Validate(def, 10000.01)
		assert.False(t, res.Valid)
		require.Len(t, res.Errors, 1)
		assert.Contains(t, res.Errors[0], "exceeds maximum")
	})

	t.Run("pattern", func(t *testing.T) {
		def := &model.ParameterDefinition{Name: "refundPrefix", DataType: model.DataTypeString,
			ValidationRules: []model.ValidationRule{rule(model.RulePattern, `{"regex":"^RF-[A-Z]{2}$"}`)}}
		assert.True(t, v.Validate(def, "RF-BR").Valid)
		assert.False(t, v.Validate(def, "rf-br").Valid)
	})

	t.Run("enum", func(t *testing.T) {
		def := &model.ParameterDefinition{Name: "refundMethod", DataType: model.DataTypeString,
			ValidationRules: []model.ValidationRule{rule(model.RuleEnum, `{"values":["ORIGINAL","WALLET"]}`)}}
		assert.True(t, v.Validate(def, "WALLET").Valid)
		assert.False(t, v.Validate(def, "CASH").Valid)
	})

	t.Run("enum of numbers", func(t *testing.T) {
		def := &model.ParameterDefinition{Name: "approvalLevels", DataType: model.DataTypeNumber,
			ValidationRules: []model.ValidationRule{rule(model.RuleEnum, `{"values":[1,2,3]}`)}}
		assert.True(t, v.Validate(def, 2).Valid)
		assert.False(t, v.Validate(def, 4).Valid)
	})

	t.Run("length counts runes and array items", func(t *testing.T) {
		def := &model.ParameterDefinition{Name: "notes", DataType: model.DataTypeJSON,
			ValidationRules: []model.ValidationRule{rule(model.RuleLength, `{"min":2,"max":3}`)}}
		assert.True(t, v.Validate(def, "añb").Valid)
		assert.True(t, v.Validate(def, []int{1, 2}).Valid)
		assert.False(t, v.Validate(def, []int{1, 2, 3, 4}).Valid)
		assert.False(t, v.Validate(def, true).Valid)
	})

	t.Run("custom cel expression", func(t *testing.T) {
		def := &model.ParameterDefinition{Name: "refundWindowDays", DataType: model.DataTypeNumber,
			ValidationRules: []model.ValidationRule{rule(model.RuleCustom,
				`{"expr":"value >= 1.0 && value <= 180.0","message":"window must be between 1 and 180 days"}`)}}
		assert.True(t, v.Validate(def, 30).Valid)

		res := v.Validate(def, 365)
		assert.False(t, res.Valid)
		assert.Contains(t, res.Errors[0], "window must be between 1 and 180 days")
	})

	t.Run("all violations are collected", func(t *testing.T) {
		def := &model.ParameterDefinition{Name: "code", DataType: model.DataTypeNumber,
			ValidationRules: []model.ValidationRule{
				rule(model.RulePattern, `{"regex":"^x$"}`),
				rule(model.RuleRange, `{"max":1}`),
				rule(model.RuleEnum, `{"values":[7]}`),
			}}
		res := v.Validate(def, 5)
		assert.False(t, res.Valid)
		assert.Len(t, res.Errors, 3)
		assert.Contains(t, res.Errors[0], "rule 1 (pattern)")
		assert.Contains(t, res.Errors[1], "rule 2 (range)")
		assert.Contains(t, res.Errors[2], "rule 3 (enum)")
	})

	t.Run("malformed rule is a violation", func(t *testing.T) {
		def := &model.ParameterDefinition{Name: "p", DataType: model.DataTypeNumber,
			ValidationRules: []model.ValidationRule{rule(model.RuleRange, `not json`)}}
		assert.False(t, v.Validate(def, 1).Valid)
	})
}

func TestCheckDefinition(t *testing.T) {
	v := newValidator(t)

	t.Run("happy: consistent definition", func(t *testing.T) {
		def := &model.ParameterDefinition{Name: "maxRefundAmount", DataType: model.DataTypeDecimal, DefaultValue: 1000,
			ValidationRules: []model.ValidationRule{rule(model.RuleRange, `{"min":0}`)}}
		assert.NoError(t, v.CheckDefinition(def))
	})

	t.Run("default violates own rules", func(t *testing.T) {
		def := &model.ParameterDefinition{Name: "maxRefundAmount", DataType: model.DataTypeDecimal, DefaultValue: -1,
			ValidationRules: []model.ValidationRule{rule(model.RuleRange, `{"min":0}`)}}
		err := v.CheckDefinition(def)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "default value")
	})

	t.Run("bad cel and unknown type reported together", func(t *testing.T) {
		def := &model.ParameterDefinition{Name: "x", DataType: "money", DefaultValue: 1,
			ValidationRules: []model.ValidationRule{rule(model.RuleCustom, `{"expr":"value +"}`)}}
		err := v.CheckDefinition(def)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown data type")
		assert.Contains(t, err.Error(), "rule 1 (custom)")
	})

	t.Run("non-bool cel rejected", func(t *testing.T) {
		def := &model.ParameterDefinition{Name: "x", DataType: model.DataTypeString, DefaultValue: "a",
			ValidationRules: []model.ValidationRule{rule(model.RuleCustom, `{"expr":"'a' + 'b'"}`)}}
		assert.Error(t, v.CheckDefinition(def))
	})
}

func TestAsError(t *testing.T) {
	assert.NoError(t, AsError(model.ValidationResult{Valid: true}))

	err := AsError(model.ValidationResult{Valid: false, Errors: []string{"a", "b"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors occurred")
}
