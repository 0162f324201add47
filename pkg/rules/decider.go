package rules

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/frontier-crawler/pkg/utils"
)

// Action is the verdict a decider contributes when its predicate holds
type Action string

const (
	ActionAccept Action = "ACCEPT"
	ActionReject Action = "REJECT"
	ActionNone   Action = "NONE"
)

// IsValid returns true for the three known actions
func (a Action) IsValid() bool {
	switch a {
	case ActionAccept, ActionReject, ActionNone:
		return true
	}
	return false
}

// Operator names a comparison applied by a Decider
type Operator string

const (
	OpContains        Operator = "contains"
	OpNotContains     Operator = "notContains"
	OpEquals          Operator = "equals"
	OpNotEquals       Operator = "notEquals"
	OpStartsWith      Operator = "startsWith"
	OpEndsWith        Operator = "endsWith"
	OpMatches         Operator = "matches"
	OpIn              Operator = "in"
	OpIsResource      Operator = "isResource"
	OpExpression      Operator = "expression"
	OpContainsElement Operator = "containsElement"
)

var knownOperators = map[Operator]struct{}{
	OpContains: {}, OpNotContains: {}, OpEquals: {}, OpNotEquals: {},
	OpStartsWith: {}, OpEndsWith: {}, OpMatches: {}, OpIn: {},
	OpIsResource: {}, OpExpression: {}, OpContainsElement: {},
}

// MatchMode selects which firing rule in an ordered list determines the outcome
type MatchMode string

const (
	MatchFirst MatchMode = "first"
	MatchLast  MatchMode = "last"
)

// IsValid accepts the empty mode, meaning the list's default
func (m MatchMode) IsValid() bool {
	return m == "" || m == MatchFirst || m == MatchLast
}

// Decider applies Operator to a URLContext field and yields Action when it holds, NONE otherwise
type Decider struct {
	Field     string   `yaml:"field,omitempty" json:"field,omitempty"`
	Action    Action   `yaml:"action" json:"action"`
	Operator  Operator `yaml:"operator" json:"operator"`
	Argument  string   `yaml:"argument,omitempty" json:"argument,omitempty"`
	Arguments []string `yaml:"arguments,omitempty" json:"arguments,omitempty"` // For "in"
}

// Validate checks the decider shape. Expressions are not compiled here.
func (d *Decider) Validate() error {
	d.Action = Action(strings.ToUpper(string(d.Action)))
	if !d.Action.IsValid() {
		return fmt.Errorf("%w: unknown decider action %q", utils.ErrConfigValidation, d.Action)
	}
	if _, ok := knownOperators[d.Operator]; !ok {
		return fmt.Errorf("%w: unknown decider operator %q", utils.ErrConfigValidation, d.Operator)
	}
	if d.Field != "" {
		if _, err := fieldValue(&URLContext{}, d.Field); err != nil {
			return fmt.Errorf("%w: decider field %q is not a known variable", utils.ErrConfigValidation, d.Field)
		}
	}
	switch d.Operator {
	case OpMatches:
		if _, err := utils.CompileRegexPatterns([]string{d.Argument}); err != nil {
			return err
		}
	case OpExpression, OpContainsElement:
		if strings.TrimSpace(d.Argument) == "" {
			return fmt.Errorf("%w: %s decider needs an argument", utils.ErrConfigValidation, d.Operator)
		}
	case OpIn:
		if len(d.Arguments) == 0 && d.Argument == "" {
			return fmt.Errorf("%w: in decider needs arguments", utils.ErrConfigValidation)
		}
	}
	return nil
}

// Decide returns d.Action when the predicate holds and ActionNone otherwise
func (d Decider) Decide(ev *Evaluator, subject *URLContext) (Action, error) {
	hit, err := d.holds(ev, subject)
	if err != nil {
		return ActionNone, err
	}
	if hit {
		return d.Action, nil
	}
	return ActionNone, nil
}

func (d Decider) holds(ev *Evaluator, subject *URLContext) (bool, error) {
	switch d.Operator {
	case OpExpression:
		return ev.EvaluateBoolean(d.Argument, subject)
	case OpContainsElement:
		return ev.ContainsElement(subject.Doc, d.Argument)
	}

	field := d.Field
	if field == "" && d.Operator == OpIsResource {
		field = "path"
	}
	value, err := fieldValue(subject, field)
	if err != nil {
		return false, err
	}

	switch d.Operator {
	case OpContains:
		return strings.Contains(value, d.Argument), nil
	case OpNotContains:
		return !strings.Contains(value, d.Argument), nil
	case OpEquals:
		return value == d.Argument, nil
	case OpNotEquals:
		return value != d.Argument, nil
	case OpStartsWith:
		return strings.HasPrefix(value, d.Argument), nil
	case OpEndsWith:
		return strings.HasSuffix(value, d.Argument), nil
	case OpMatches:
		return ev.Matches(value, d.Argument)
	case OpIn:
		candidates := d.Arguments
		if len(candidates) == 0 {
			candidates = strings.Split(d.Argument, ",")
		}
		for _, c := range candidates {
			if strings.TrimSpace(c) == value {
				return true, nil
			}
		}
		return false, nil
	case OpIsResource:
		return ev.IsResource(value), nil
	}
	return false, fmt.Errorf("%w: unknown operator %q", utils.ErrEvaluation, d.Operator)
}

// DeciderList is an ordered list of deciders. With the default MatchLast mode
// the last non-NONE verdict wins. ACCEPT when nothing fires.
type DeciderList struct {
	Deciders []Decider
	Mode     MatchMode
}

// Decide evaluates the list. A decider that errors counts as NONE.
func (l DeciderList) Decide(ev *Evaluator, subject *URLContext, log *logrus.Entry) Action {
	verdict := ActionAccept
	for i, d := range l.Deciders {
		a, err := d.Decide(ev, subject)
		if err != nil {
			log.WithFields(logrus.Fields{"decider": i, "operator": d.Operator, "url": subject.URL}).
				Debugf("Decider evaluation failed, treating as NONE: %v", err)
			continue
		}
		if a == ActionNone {
			continue
		}
		verdict = a
		if l.Mode == MatchFirst {
			break
		}
	}
	return verdict
}

// DecideStrict is Decide without error tolerance: the first decider that fails to
// evaluate aborts the list and its error is returned with ActionReject.
func (l DeciderList) DecideStrict(ev *Evaluator, subject *URLContext) (Action, error) {
	verdict := ActionAccept
	for i, d := range l.Deciders {
		a, err := d.Decide(ev, subject)
		if err != nil {
			return ActionReject, fmt.Errorf("decider #%d (%s): %w", i+1, d.Operator, err)
		}
		if a == ActionNone {
			continue
		}
		verdict = a
		if l.Mode == MatchFirst {
			break
		}
	}
	return verdict, nil
}

// Accepts is shorthand for Decide(...) == ActionAccept
func (l DeciderList) Accepts(ev *Evaluator, subject *URLContext, log *logrus.Entry) bool {
	return l.Decide(ev, subject, log) == ActionAccept
}

// Validate checks every decider and the mode
func (l *DeciderList) Validate() error {
	if !l.Mode.IsValid() {
		return fmt.Errorf("%w: unknown match mode %q", utils.ErrConfigValidation, l.Mode)
	}
	for i := range l.Deciders {
		if err := l.Deciders[i].Validate(); err != nil {
			return fmt.Errorf("decider #%d: %w", i+1, err)
		}
	}
	return nil
}
