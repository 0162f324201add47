package rules

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/Sriram-PR/frontier-crawler/pkg/utils"
)

// DefaultResourceExtensions are treated as static assets by ISRESOURCE
var DefaultResourceExtensions = []string{
	"css", "js", "png", "jpg", "jpeg", "gif", "svg", "ico", "webp",
	"woff", "woff2", "ttf", "eot", "pdf", "zip", "mp4", "mp3",
}

// Options configure every Evaluator built by a Pool
type Options struct {
	ResourceExtensions []string
}

// Evaluator compiles and runs rule expressions.
// It owns a VM plus program and regex caches and must not be shared between goroutines.
type Evaluator struct {
	machine      vm.VM
	programs     map[string]*vm.Program
	regexes      map[string]*regexp.Regexp
	resourceExts map[string]struct{}
	compileOpts  []expr.Option
}

// NewEvaluator builds a standalone evaluator. Concurrent callers should use a Pool.
func NewEvaluator(opts Options) *Evaluator {
	exts := opts.ResourceExtensions
	if len(exts) == 0 {
		exts = DefaultResourceExtensions
	}
	e := &Evaluator{
		programs:     make(map[string]*vm.Program),
		regexes:      make(map[string]*regexp.Regexp),
		resourceExts: make(map[string]struct{}, len(exts)),
	}
	for _, ext := range exts {
		e.resourceExts[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
	}
	e.compileOpts = append([]expr.Option{expr.Env(URLContext{})}, e.builtins()...)
	return e
}

func (e *Evaluator) program(expression string) (*vm.Program, error) {
	if p, ok := e.programs[expression]; ok {
		return p, nil
	}
	if strings.TrimSpace(expression) == "" {
		return nil, fmt.Errorf("%w: empty expression", utils.ErrExpressionSyntax)
	}
	p, err := expr.Compile(expression, e.compileOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", utils.ErrExpressionSyntax, expression, err)
	}
	e.programs[expression] = p
	return p, nil
}

// Evaluate runs expression against subject and returns its raw value:
// bool, string, int, float64, []any, time.Time or nil.
func (e *Evaluator) Evaluate(expression string, subject *URLContext) (any, error) {
	p, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	env := URLContext{}
	if subject != nil {
		env = *subject
	}
	out, err := e.machine.Run(p, env)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", utils.ErrEvaluation, expression, err)
	}
	return out, nil
}

// EvaluateBoolean evaluates expression and requires a boolean result
func (e *Evaluator) EvaluateBoolean(expression string, subject *URLContext) (bool, error) {
	out, err := e.Evaluate(expression, subject)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, mismatch(expression, "boolean", out)
	}
	return b, nil
}

// EvaluateString evaluates expression and requires a string result
func (e *Evaluator) EvaluateString(expression string, subject *URLContext) (string, error) {
	out, err := e.Evaluate(expression, subject)
	if err != nil {
		return "", err
	}
	s, ok := out.(string)
	if !ok {
		return "", mismatch(expression, "string", out)
	}
	return s, nil
}

// EvaluateNumber evaluates expression and requires a numeric result
func (e *Evaluator) EvaluateNumber(expression string, subject *URLContext) (float64, error) {
	out, err := e.Evaluate(expression, subject)
	if err != nil {
		return 0, err
	}
	switch n := out.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	}
	return 0, mismatch(expression, "number", out)
}

// EvaluateDate evaluates expression and requires a date result
func (e *Evaluator) EvaluateDate(expression string, subject *URLContext) (time.Time, error) {
	out, err := e.Evaluate(expression, subject)
	if err != nil {
		return time.Time{}, err
	}
	t, ok := out.(time.Time)
	if !ok {
		return time.Time{}, mismatch(expression, "date", out)
	}
	return t, nil
}

func mismatch(expression, want string, got any) error {
	return fmt.Errorf("%w: %q: want %s, got %T", utils.ErrTypeMismatch, expression, want, got)
}

// regex returns a cached compiled pattern
func (e *Evaluator) regex(pattern string) (*regexp.Regexp, error) {
	if re, ok := e.regexes[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: regex %q: %v", utils.ErrEvaluation, pattern, err)
	}
	e.regexes[pattern] = re
	return re, nil
}

// Matches reports whether value matches the regular expression pattern
func (e *Evaluator) Matches(value, pattern string) (bool, error) {
	re, err := e.regex(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(value), nil
}

// Extract returns the named group "value" of the first match, or nil when nothing matches
func (e *Evaluator) Extract(value, pattern string) (any, error) {
	re, err := e.regex(pattern)
	if err != nil {
		return nil, err
	}
	idx := re.SubexpIndex("value")
	if idx < 0 {
		return nil, fmt.Errorf("%w: regex %q has no capture group named 'value'", utils.ErrEvaluation, pattern)
	}
	m := re.FindStringSubmatch(value)
	if m == nil {
		return nil, nil
	}
	return m[idx], nil
}

// IsResource reports whether the path ends in a configured static asset extension
func (e *Evaluator) IsResource(p string) bool {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
	if ext == "" {
		return false
	}
	_, ok := e.resourceExts[ext]
	return ok
}

// ContainsElement reports whether the document has at least one node matching selector
func (e *Evaluator) ContainsElement(doc *Document, selector string) (bool, error) {
	if doc == nil {
		return false, fmt.Errorf("%w: no document available for selector %q", utils.ErrEvaluation, selector)
	}
	parsed, err := doc.Query()
	if err != nil {
		return false, err
	}
	return parsed.Find(selector).Length() > 0, nil
}
