package condition

import (
	"fmt"
	"strings"
)

// Resolver supplies attribute values during evaluation. visitor.Context
// implements it; tests use small map-backed fakes.
type Resolver interface {
	Resolve(path []string) (any, bool)
}

// Evaluate walks the AST and returns true/false or an error.
//
// An attribute path that does not resolve makes its comparison false rather
// than erroring: a shopper without attrs.plan simply does not match
// `attrs.plan == "premium"`. Targeting must never fail a page view over a
// missing session attribute.
func Evaluate(expr Expr, r Resolver) (bool, error) {
	switch e := expr.(type) {
	case *BinaryExpr:
		return evalBinary(e, r)
	case *NotExpr:
		v, err := Evaluate(e.Expr, r)
		if err != nil {
			return false, err
		}
		return !v, nil
	case *ComparisonExpr:
		return evalComparison(e, r)
	default:
		return false, fmt.Errorf("unknown expr type %T", expr)
	}
}

func evalBinary(e *BinaryExpr, r Resolver) (bool, error) {
	left, err := Evaluate(e.Left, r)
	if err != nil {
		return false, err
	}
	switch strings.ToUpper(e.Op) {
	case "AND":
		if !left {
			return false, nil // short-circuit
		}
		return Evaluate(e.Right, r)
	case "OR":
		if left {
			return true, nil // short-circuit
		}
		return Evaluate(e.Right, r)
	default:
		return false, fmt.Errorf("unknown binary op %q", e.Op)
	}
}

func evalComparison(e *ComparisonExpr, r Resolver) (bool, error) {
	left, ok, err := resolveOperand(e.Left, r)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if e.Op == OpMatches && e.re != nil {
		ls, ok := left.(string)
		if !ok {
			return false, fmt.Errorf("matches: left operand must be a string, got %T", left)
		}
		return e.re.MatchString(ls), nil
	}
	right, ok, err := resolveOperand(e.Right, r)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return compare(e.Op, left, right)
}

func resolveOperand(op Operand, r Resolver) (any, bool, error) {
	switch o := op.(type) {
	case *LiteralOperand:
		return o.Value, true, nil
	case *FieldOperand:
		val, ok := r.Resolve(o.Path)
		return val, ok, nil
	default:
		return nil, false, fmt.Errorf("unknown operand type %T", op)
	}
}
