package rules

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/frontier-crawler/pkg/utils"
)

// PriorityRule assigns Priority to URLs whose URLFilter expression is true
type PriorityRule struct {
	URLFilter string `yaml:"url_filter" json:"url_filter"`
	Priority  int    `yaml:"priority" json:"priority"`
}

// PriorityRules computes a URL's priority. The first matching rule wins unless Mode is MatchLast.
type PriorityRules struct {
	Rules []PriorityRule
	Mode  MatchMode
}

// Compute returns the winning rule's priority, or 0 when none match.
// A rule that fails to evaluate is skipped.
func (p PriorityRules) Compute(ev *Evaluator, subject *URLContext, log *logrus.Entry) int {
	priority := 0
	for i, r := range p.Rules {
		ok, err := ev.EvaluateBoolean(r.URLFilter, subject)
		if err != nil {
			log.WithFields(logrus.Fields{"priority_rule": i, "url": subject.URL}).
				Debugf("Priority rule evaluation failed, skipping: %v", err)
			continue
		}
		if !ok {
			continue
		}
		priority = r.Priority
		if p.Mode != MatchLast {
			break
		}
	}
	return priority
}

// Validate checks the mode and that every rule has an expression
func (p *PriorityRules) Validate() error {
	if !p.Mode.IsValid() {
		return fmt.Errorf("%w: unknown match mode %q", utils.ErrConfigValidation, p.Mode)
	}
	for i, r := range p.Rules {
		if strings.TrimSpace(r.URLFilter) == "" {
			return fmt.Errorf("%w: priority rule #%d has no url_filter", utils.ErrConfigValidation, i+1)
		}
	}
	return nil
}

// TagRule attaches Tag to URLs whose Rule expression is true
type TagRule struct {
	Tag  string `yaml:"tag" json:"tag"`
	Rule string `yaml:"rule" json:"rule"`
}

// TagRules is evaluated in full: every matching tag is attached once
type TagRules []TagRule

// Compute returns the tags whose rules hold for subject, in rule order
func (t TagRules) Compute(ev *Evaluator, subject *URLContext, log *logrus.Entry) []string {
	var tags []string
	seen := make(map[string]struct{}, len(t))
	for _, r := range t {
		if _, dup := seen[r.Tag]; dup {
			continue
		}
		ok, err := ev.EvaluateBoolean(r.Rule, subject)
		if err != nil {
			log.WithFields(logrus.Fields{"tag": r.Tag, "url": subject.URL}).
				Debugf("Tag rule evaluation failed, skipping: %v", err)
			continue
		}
		if ok {
			seen[r.Tag] = struct{}{}
			tags = append(tags, r.Tag)
		}
	}
	return tags
}

// Validate checks that every rule names a tag and an expression
func (t TagRules) Validate() error {
	for i, r := range t {
		if r.Tag == "" || strings.TrimSpace(r.Rule) == "" {
			return fmt.Errorf("%w: tag rule #%d needs both tag and rule", utils.ErrConfigValidation, i+1)
		}
	}
	return nil
}
