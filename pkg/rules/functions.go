package rules

import (
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/Sriram-PR/frontier-crawler/pkg/utils"
)

// builtins binds the predicate functions to this evaluator's caches
func (e *Evaluator) builtins() []expr.Option {
	matches := func(params ...any) (any, error) {
		value, pattern, err := twoStrings("MATCHES", params)
		if err != nil {
			return nil, err
		}
		return e.Matches(value, pattern)
	}
	extract := func(params ...any) (any, error) {
		value, pattern, err := twoStrings("EXTRACT", params)
		if err != nil {
			return nil, err
		}
		return e.Extract(value, pattern)
	}
	isResource := func(params ...any) (any, error) {
		if len(params) != 1 {
			return nil, arity("ISRESOURCE", 1, len(params))
		}
		p, ok := params[0].(string)
		if !ok {
			return nil, argType("ISRESOURCE", 1, "string", params[0])
		}
		return e.IsResource(p), nil
	}
	containsElement := func(params ...any) (any, error) {
		if len(params) != 2 {
			return nil, arity("CONTAINSELEMENT", 2, len(params))
		}
		var doc *Document
		if params[0] != nil {
			d, ok := params[0].(*Document)
			if !ok {
				return nil, argType("CONTAINSELEMENT", 1, "document", params[0])
			}
			doc = d
		}
		selector, ok := params[1].(string)
		if !ok {
			return nil, argType("CONTAINSELEMENT", 2, "string", params[1])
		}
		return e.ContainsElement(doc, selector)
	}

	return []expr.Option{
		expr.Function("MATCHES", matches),
		expr.Function("EXTRACT", extract),
		expr.Function("extract", extract),
		expr.Function("ISRESOURCE", isResource),
		expr.Function("isResource", isResource),
		expr.Function("CONTAINSELEMENT", containsElement),
		expr.Function("containsElement", containsElement),
	}
}

func twoStrings(name string, params []any) (string, string, error) {
	if len(params) != 2 {
		return "", "", arity(name, 2, len(params))
	}
	a, ok := params[0].(string)
	if !ok {
		return "", "", argType(name, 1, "string", params[0])
	}
	b, ok := params[1].(string)
	if !ok {
		return "", "", argType(name, 2, "string", params[1])
	}
	return a, b, nil
}

func arity(name string, want, got int) error {
	return fmt.Errorf("%w: %s takes %d arguments, got %d", utils.ErrEvaluation, name, want, got)
}

func argType(name string, pos int, want string, got any) error {
	return fmt.Errorf("%w: %s argument %d: want %s, got %T", utils.ErrTypeMismatch, name, pos, want, got)
}
