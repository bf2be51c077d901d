package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"

	"github.com/brikpay/refund-params/internal/model"
)

type rangeSpec struct {
	Min *decimal.Decimal `json:"min"`
	Max *decimal.Decimal `json:"max"`
}

type patternSpec struct {
	Regex string `json:"regex"`
}

type enumSpec struct {
	Values []any `json:"values"`
}

type lengthSpec struct {
	Min *int `json:"min"`
	Max *int `json:"max"`
}

type customSpec struct {
	Expr    string `json:"expr"`
	Message string `json:"message"`
}

func decodeSpec(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return errors.New("rule spec is empty")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode rule spec: %w", err)
	}
	return nil
}

// compileRule parses the rule spec and warms the regexp/CEL caches.
func (v *Validator) compileRule(rule model.ValidationRule) error {
	switch rule.Kind {
	case model.RuleRange:
		var s rangeSpec
		if err := decodeSpec(rule.Spec, &s); err != nil {
			return err
		}
		if s.Min == nil && s.Max == nil {
			return errors.New("range needs min or max")
		}
		if s.Min != nil && s.Max != nil && s.Min.GreaterThan(*s.Max) {
			return errors.New("range min exceeds max")
		}
	case model.RulePattern:
		var s patternSpec
		if err := decodeSpec(rule.Spec, &s); err != nil {
			return err
		}
		_, err := v.pattern(s.Regex)
		return err
	case model.RuleEnum:
		var s enumSpec
		if err := decodeSpec(rule.Spec, &s); err != nil {
			return err
		}
		if len(s.Values) == 0 {
			return errors.New("enum needs at least one value")
		}
	case model.RuleLength:
		var s lengthSpec
		if err := decodeSpec(rule.Spec, &s); err != nil {
			return err
		}
		if s.Min == nil && s.Max == nil {
			return errors.New("length needs min or max")
		}
	case model.RuleCustom:
		var s customSpec
		if err := decodeSpec(rule.Spec, &s); err != nil {
			return err
		}
		_, err := v.program(s.Expr)
		return err
	default:
		return fmt.Errorf("unknown rule kind %q", rule.Kind)
	}
	return nil
}

// applyRule returns the violations of a single rule. A malformed rule is
// reported as a violation so a bad definition never lets values through.
func (v *Validator) applyRule(rule model.ValidationRule, value any) []string {
	switch rule.Kind {
	case model.RuleRange:
		var s rangeSpec
		if err := decodeSpec(rule.Spec, &s); err != nil {
			return []string{err.Error()}
		}
		d, ok := ToDecimal(value)
		if !ok {
			return []string{fmt.Sprintf("range requires a numeric value, got %s", kindOf(value))}
		}
		var out []string
		if s.Min != nil && d.LessThan(*s.Min) {
			out = append(out, fmt.Sprintf("value %s is below minimum %s", d, s.Min))
		}
		if s.Max != nil && d.GreaterThan(*s.Max) {
			out = append(out, fmt.Sprintf("value %s exceeds maximum %s", d, s.Max))
		}
		return out

	case model.RulePattern:
		var s patternSpec
		if err := decodeSpec(rule.Spec, &s); err != nil {
			return []string{err.Error()}
		}
		re, err := v.pattern(s.Regex)
		if err != nil {
			return []string{err.Error()}
		}
		str, ok := value.(string)
		if !ok {
			return []string{fmt.Sprintf("pattern requires a string value, got %s", kindOf(value))}
		}
		if !re.MatchString(str) {
			return []string{fmt.Sprintf("value %q does not match %s", str, s.Regex)}
		}

	case model.RuleEnum:
		var s enumSpec
		if err := decodeSpec(rule.Spec, &s); err != nil {
			return []string{err.Error()}
		}
		for _, allowed := range s.Values {
			if reflect.DeepEqual(allowed, value) {
				return nil
			}
		}
		return []string{fmt.Sprintf("value %v is not one of %v", value, s.Values)}

	case model.RuleLength:
		var s lengthSpec
		if err := decodeSpec(rule.Spec, &s); err != nil {
			return []string{err.Error()}
		}
		var n int
		switch x := value.(type) {
		case string:
			n = utf8.RuneCountInString(x)
		case []any:
			n = len(x)
		default:
			return []string{fmt.Sprintf("length requires a string or array, got %s", kindOf(value))}
		}
		var out []string
		if s.Min != nil && n < *s.Min {
			out = append(out, fmt.Sprintf("length %d is below minimum %d", n, *s.Min))
		}
		if s.Max != nil && n > *s.Max {
			out = append(out, fmt.Sprintf("length %d exceeds maximum %d", n, *s.Max))
		}
		return out

	case model.RuleCustom:
		var s customSpec
		if err := decodeSpec(rule.Spec, &s); err != nil {
			return []string{err.Error()}
		}
		ok, err := v.evalCustom(s.Expr, value)
		if err != nil {
			return []string{fmt.Sprintf("evaluate %q: %v", s.Expr, err)}
		}
		if !ok {
			if s.Message != "" {
				return []string{s.Message}
			}
			return []string{fmt.Sprintf("value fails %q", s.Expr)}
		}

	default:
		return []string{fmt.Sprintf("unknown rule kind %q", rule.Kind)}
	}
	return nil
}

func (v *Validator) pattern(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, errors.New("pattern regex required")
	}
	if cached, ok := v.patterns.Load(expr); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile pattern: %w", err)
	}
	v.patterns.Store(expr, re)
	return re, nil
}

func (v *Validator) program(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("expression required")
	}
	if cached, ok := v.programs.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	ast, issues := v.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must return bool, got %s", out)
	}
	prg, err := v.env.Program(ast)
	if err != nil {
		return nil, err
	}
	v.programs.Store(expr, prg)
	return prg, nil
}

func (v *Validator) evalCustom(expr string, value any) (bool, error) {
	prg, err := v.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"value": value})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out.Value())
	}
	return b, nil
}
