package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/hashicorp/go-multierror"
	"github.com/shopspring/decimal"

	"github.com/brikpay/refund-params/internal/model"
)

// Validator checks candidate values against parameter definitions. Compiled
// regular expressions and CEL programs are cached by source text.
type Validator struct {
	patterns sync.Map // string -> *regexp.Regexp
	programs sync.Map // string -> cel.Program
	env      *cel.Env
}

func New() (*Validator, error) {
	env, err := cel.NewEnv(cel.Variable("value", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}
	return &Validator{env: env}, nil
}

// Normalize converts a Go value into its JSON-decoded form so values coming
// from callers, the store and the cache compare the same way.
func Normalize(value any) (any, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return out, nil
}

// Validate runs the base type check for the definition's data type and then
// every validation rule in order. All violations are collected.
func (v *Validator) Validate(def *model.ParameterDefinition, value any) model.ValidationResult {
	var errs []string

	normalized, err := Normalize(value)
	if err != nil {
		return model.ValidationResult{Valid: false, Errors: []string{err.Error()}}
	}
	if normalized == nil {
		return model.ValidationResult{Valid: false, Errors: []string{"value is required"}}
	}

	if msg := checkType(def.DataType, normalized); msg != "" {
		errs = append(errs, msg)
	}

	for i, rule := range def.ValidationRules {
		for _, msg := range v.applyRule(rule, normalized) {
			errs = append(errs, fmt.Sprintf("rule %d (%s): %s", i+1, rule.Kind, msg))
		}
	}

	return model.ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// CheckDefinition verifies a definition is internally consistent: known data
// type, parseable rules and a default value that passes its own rules.
func (v *Validator) CheckDefinition(def *model.ParameterDefinition) error {
	var result *multierror.Error
	if strings.TrimSpace(def.Name) == "" {
		result = multierror.Append(result, fmt.Errorf("name is required"))
	}
	if !def.DataType.Valid() {
		result = multierror.Append(result, fmt.Errorf("unknown data type %q", def.DataType))
	}
	for i, rule := range def.ValidationRules {
		if err := v.compileRule(rule); err != nil {
			result = multierror.Append(result, fmt.Errorf("rule %d (%s): %w", i+1, rule.Kind, err))
		}
	}
	if result.ErrorOrNil() == nil {
		res := v.Validate(def, def.DefaultValue)
		if err := AsError(res); err != nil {
			result = multierror.Append(result, fmt.Errorf("default value: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// AsError folds a failed result into a single error, nil when valid.
func AsError(res model.ValidationResult) error {
	if res.Valid {
		return nil
	}
	var result *multierror.Error
	for _, msg := range res.Errors {
		result = multierror.Append(result, fmt.Errorf("%s", msg))
	}
	return result.ErrorOrNil()
}

func checkType(dt model.DataType, value any) string {
	switch dt {
	case model.DataTypeString:
		if _, ok := value.(string); !ok {
			return fmt.Sprintf("expected string, got %s", kindOf(value))
		}
	case model.DataTypeNumber:
		if _, ok := value.(float64); !ok {
			return fmt.Sprintf("expected number, got %s", kindOf(value))
		}
	case model.DataTypeDecimal:
		if _, ok := ToDecimal(value); !ok {
			return fmt.Sprintf("expected decimal, got %s", kindOf(value))
		}
	case model.DataTypeBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("expected boolean, got %s", kindOf(value))
		}
	case model.DataTypeArray:
		if _, ok := value.([]any); !ok {
			return fmt.Sprintf("expected array, got %s", kindOf(value))
		}
	case model.DataTypeJSON:
		// any value that survived normalization is valid JSON
	default:
		return fmt.Sprintf("unknown data type %q", dt)
	}
	return ""
}

func kindOf(value any) string {
	switch value.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case nil:
		return "null"
	}
	return fmt.Sprintf("%T", value)
}

// ToDecimal accepts JSON numbers and numeric strings.
func ToDecimal(value any) (decimal.Decimal, bool) {
	switch v := value.(type) {
	case float64:
		return decimal.NewFromFloat(v), true
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	}
	return decimal.Decimal{}, false
}
