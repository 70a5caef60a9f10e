package condition

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Operator represents a comparison operator.
type Operator string

const (
	OpEq         Operator = "=="
	OpNeq        Operator = "!="
	OpGt         Operator = ">"
	OpGte        Operator = ">="
	OpLt         Operator = "<"
	OpLte        Operator = "<="
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startswith"
	OpEndsWith   Operator = "endswith"
	OpMatches    Operator = "matches"
)

// toFloat64 coerces a numeric value to float64. Audience attributes arrive
// from JSON so numbers are usually float64 already, but session attributes set
// programmatically may be any integer type.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// compare applies a binary comparison operator to two values.
func compare(op Operator, left, right any) (bool, error) {
	switch op {
	case OpEq:
		return equal(left, right), nil
	case OpNeq:
		return !equal(left, right), nil
	case OpGt, OpGte, OpLt, OpLte:
		return numericCompare(op, left, right)
	case OpContains:
		return stringOp(op, left, right, strings.Contains)
	case OpStartsWith:
		return stringOp(op, left, right, strings.HasPrefix)
	case OpEndsWith:
		return stringOp(op, left, right, strings.HasSuffix)
	case OpMatches:
		return matchesOp(left, right)
	default:
		return false, fmt.Errorf("unknown operator: %s", op)
	}
}

// equal does deep-ish equality: numeric types are compared by value.
func equal(left, right any) bool {
	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if lok && rok {
		return math.Abs(lf-rf) < 1e-9
	}
	if lb, ok := left.(bool); ok {
		if rb, ok := right.(bool); ok {
			return lb == rb
		}
		return false
	}
	// string fallback
	return fmt.Sprintf("%v", left) == fmt.Sprintf("%v", right)
}

func numericCompare(op Operator, left, right any) (bool, error) {
	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if !lok || !rok {
		return false, fmt.Errorf("operator %s requires numeric operands, got %T and %T", op, left, right)
	}
	switch op {
	case OpGt:
		return lf > rf, nil
	case OpGte:
		return lf >= rf, nil
	case OpLt:
		return lf < rf, nil
	case OpLte:
		return lf <= rf, nil
	}
	return false, nil
}

func stringOp(op Operator, left, right any, fn func(s, sub string) bool) (bool, error) {
	ls, ok := left.(string)
	if !ok {
		return false, fmt.Errorf("%s: left operand must be a string, got %T", op, left)
	}
	rs := fmt.Sprintf("%v", right)
	return fn(ls, rs), nil
}

func matchesOp(left, right any) (bool, error) {
	ls, ok := left.(string)
	if !ok {
		return false, fmt.Errorf("matches: left operand must be a string, got %T", left)
	}
	pattern, ok := right.(string)
	if !ok {
		return false, fmt.Errorf("matches: right operand must be a string pattern, got %T", right)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("matches: invalid regex %q: %w", pattern, err)
	}
	return re.MatchString(ls), nil
}
