package engine

import (
	"reflect"
	"strings"

	"github.com/rs/zerolog"
)

// Evaluator interprets the JSONLogic subset rules are authored in. Evaluation
// is pure: no I/O, no context mutation, bounded by the size of the expression.
type Evaluator struct {
	log zerolog.Logger
}

// NewEvaluator returns an evaluator logging through the given logger.
func NewEvaluator(log zerolog.Logger) *Evaluator {
	return &Evaluator{log: log.With().Str("component", "condition").Logger()}
}

// Evaluate interprets cond against ctx and coerces the result to a boolean.
// Any panic inside evaluation is caught and treated as false.
func (e *Evaluator) Evaluate(cond map[string]interface{}, ctx map[string]interface{}) (result bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn().Interface("panic", r).Msg("condition evaluation panicked, treating as false")
			result = false
		}
	}()
	return truthy(e.eval(cond, ctx))
}

// eval evaluates one node. Operands are themselves evaluated recursively, so
// an operand may be a literal or a nested operator object.
func (e *Evaluator) eval(node interface{}, ctx map[string]interface{}) interface{} {
	expr, ok := node.(map[string]interface{})
	if !ok {
		return node
	}

	if v, ok := expr["always"]; ok {
		return truthy(v)
	}
	if t, ok := expr["type"].(string); ok {
		switch t {
		case "always_true":
			return true
		case "always_false":
			return false
		case "jsonlogic":
			return e.eval(expr["expr"], ctx)
		}
		e.log.Warn().Str("type", t).Msg("unknown condition type, treating as false")
		return false
	}

	if path, ok := expr["var"]; ok {
		p, ok := path.(string)
		if !ok {
			return nil
		}
		val, found := Lookup(ctx, p)
		if !found {
			return nil
		}
		return val
	}

	// an operator object carries exactly one key; anything else would make
	// evaluation depend on map iteration order
	if len(expr) != 1 {
		e.log.Warn().Int("keys", len(expr)).Msg("malformed operator object, treating as false")
		return false
	}

	for op, raw := range expr {
		switch op {
		case "==":
			l, r := e.pair(raw, ctx)
			return looseEqual(l, r)
		case "!=":
			l, r := e.pair(raw, ctx)
			return !looseEqual(l, r)
		case ">", ">=", "<", "<=":
			l, r := e.pair(raw, ctx)
			return compare(op, l, r)
		case "in":
			needle, haystack := e.pair(raw, ctx)
			return contains(needle, haystack)
		case "some":
			return e.some(raw, ctx)
		case "and":
			args, _ := raw.([]interface{})
			for _, arg := range args {
				if !truthy(e.eval(arg, ctx)) {
					return false
				}
			}
			return true
		case "or":
			args, _ := raw.([]interface{})
			for _, arg := range args {
				if truthy(e.eval(arg, ctx)) {
					return true
				}
			}
			return false
		case "!":
			return !truthy(e.eval(raw, ctx))
		default:
			e.log.Warn().Str("operator", op).Msg("unknown operator, treating as false")
			return false
		}
	}
	return false
}

// pair evaluates the two operands of a binary operator.
func (e *Evaluator) pair(raw interface{}, ctx map[string]interface{}) (interface{}, interface{}) {
	args, ok := raw.([]interface{})
	if !ok || len(args) < 2 {
		return nil, nil
	}
	return e.eval(args[0], ctx), e.eval(args[1], ctx)
}

// some evaluates [array, cond]: cond runs with each element's fields merged
// into the context, short-circuiting on the first match.
func (e *Evaluator) some(raw interface{}, ctx map[string]interface{}) bool {
	args, ok := raw.([]interface{})
	if !ok || len(args) < 2 {
		return false
	}
	list, ok := e.eval(args[0], ctx).([]interface{})
	if !ok {
		return false
	}
	for _, elem := range list {
		scope := ctx
		if item, ok := elem.(map[string]interface{}); ok {
			scope = Merge(ctx, item)
		}
		if truthy(e.eval(args[1], scope)) {
			return true
		}
	}
	return false
}

// looseEqual compares the way JSON data wants to be compared: numerically when
// both sides coerce to numbers, otherwise by value.
func looseEqual(l, r interface{}) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	ln, lok := toNumber(l)
	rn, rok := toNumber(r)
	if lok && rok {
		_, lstr := l.(string)
		_, rstr := r.(string)
		// two strings compare as strings even if both look numeric
		if !(lstr && rstr) {
			return ln == rn
		}
	}
	return reflect.DeepEqual(l, r)
}

// compare applies an ordering operator. Numeric comparison when both sides
// coerce to numbers; otherwise lexicographic when both are strings (which is
// what makes ISO-date comparisons work); otherwise false.
func compare(op string, l, r interface{}) bool {
	if ln, lok := toNumber(l); lok {
		if rn, rok := toNumber(r); rok {
			switch op {
			case ">":
				return ln > rn
			case ">=":
				return ln >= rn
			case "<":
				return ln < rn
			case "<=":
				return ln <= rn
			}
			return false
		}
	}
	ls, lIsStr := l.(string)
	rs, rIsStr := r.(string)
	if lIsStr && rIsStr {
		switch op {
		case ">":
			return ls > rs
		case ">=":
			return ls >= rs
		case "<":
			return ls < rs
		case "<=":
			return ls <= rs
		}
	}
	return false
}

// contains implements "in": list membership, or substring when the haystack is
// a string. A nil haystack is never a match.
func contains(needle, haystack interface{}) bool {
	switch h := haystack.(type) {
	case nil:
		return false
	case []interface{}:
		for _, elem := range h {
			if looseEqual(needle, elem) {
				return true
			}
		}
		return false
	case string:
		n, ok := needle.(string)
		if !ok {
			return false
		}
		return n != "" && strings.Contains(h, n)
	}
	return false
}
