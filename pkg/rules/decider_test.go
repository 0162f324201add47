package rules

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/frontier-crawler/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func TestDecider_Operators(t *testing.T) {
	ev := NewEvaluator(Options{})
	subject := mustContext(t, "https://example.com/blog/post-1?ref=home")

	tests := []struct {
		name    string
		decider Decider
		want    Action
	}{
		{"contains hit", Decider{Action: ActionReject, Operator: OpContains, Argument: "blog"}, ActionReject},
		{"contains miss", Decider{Action: ActionReject, Operator: OpContains, Argument: "shop"}, ActionNone},
		{"notContains", Decider{Action: ActionAccept, Operator: OpNotContains, Argument: "shop"}, ActionAccept},
		{"equals host", Decider{Field: "host", Action: ActionAccept, Operator: OpEquals, Argument: "example.com"}, ActionAccept},
		{"notEquals host", Decider{Field: "host", Action: ActionReject, Operator: OpNotEquals, Argument: "example.com"}, ActionNone},
		{"startsWith path", Decider{Field: "path", Action: ActionAccept, Operator: OpStartsWith, Argument: "/blog/"}, ActionAccept},
		{"endsWith path", Decider{Field: "path", Action: ActionAccept, Operator: OpEndsWith, Argument: "-1"}, ActionAccept},
		{"matches", Decider{Action: ActionReject, Operator: OpMatches, Argument: `post-\d+`}, ActionReject},
		{"in list", Decider{Field: "host", Action: ActionAccept, Operator: OpIn, Arguments: []string{"a.com", "example.com"}}, ActionAccept},
		{"in csv", Decider{Field: "port", Action: ActionAccept, Operator: OpIn, Argument: "80, 443"}, ActionAccept},
		{"isResource default path", Decider{Action: ActionReject, Operator: OpIsResource}, ActionNone},
		{"expression", Decider{Action: ActionReject, Operator: OpExpression, Argument: `query contains "ref="`}, ActionReject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.decider.Decide(ev, subject)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeciderList_LastNonNoneWins(t *testing.T) {
	ev := NewEvaluator(Options{})
	list := DeciderList{Deciders: []Decider{
		{Action: ActionReject, Operator: OpContains, Argument: "example.com"},
		{Action: ActionAccept, Operator: OpStartsWith, Argument: "https://example.com/blog"},
		{Action: ActionReject, Operator: OpContains, Argument: "never-present"},
	}}

	assert.Equal(t, ActionAccept, list.Decide(ev, mustContext(t, "https://example.com/blog/a"), testLogger()))
	assert.Equal(t, ActionReject, list.Decide(ev, mustContext(t, "https://example.com/shop/a"), testLogger()))

	list.Mode = MatchFirst
	assert.Equal(t, ActionReject, list.Decide(ev, mustContext(t, "https://example.com/blog/a"), testLogger()))
}

func TestDeciderList_DefaultsToAccept(t *testing.T) {
	ev := NewEvaluator(Options{})
	assert.Equal(t, ActionAccept, DeciderList{}.Decide(ev, mustContext(t, "https://x.org/"), testLogger()))

	list := DeciderList{Deciders: []Decider{{Action: ActionReject, Operator: OpContains, Argument: "zzz"}}}
	assert.True(t, list.Accepts(ev, mustContext(t, "https://x.org/"), testLogger()))
}

func TestDeciderList_ErrorCountsAsNone(t *testing.T) {
	ev := NewEvaluator(Options{})
	list := DeciderList{Deciders: []Decider{
		{Action: ActionReject, Operator: OpContains, Argument: "example"},
		{Action: ActionAccept, Operator: OpExpression, Argument: `url ==`},
		{Action: ActionAccept, Operator: OpContainsElement, Argument: "div"},
	}}
	assert.Equal(t, ActionReject, list.Decide(ev, mustContext(t, "https://example.com/"), testLogger()))

	verdict, err := list.DecideStrict(ev, mustContext(t, "https://example.com/"))
	assert.ErrorIs(t, err, utils.ErrExpressionSyntax)
	assert.Equal(t, ActionReject, verdict)

	verdict, err = DeciderList{Deciders: list.Deciders[:1]}.DecideStrict(ev, mustContext(t, "https://other.org/"))
	require.NoError(t, err)
	assert.Equal(t, ActionAccept, verdict)
}

func TestDecider_Validate(t *testing.T) {
	valid := Decider{Action: "reject", Operator: OpMatches, Argument: `^/admin`}
	require.NoError(t, valid.Validate())
	assert.Equal(t, ActionReject, valid.Action, "action is upper-cased")

	bad := []Decider{
		{Action: "MAYBE", Operator: OpContains},
		{Action: ActionAccept, Operator: "fuzzy"},
		{Action: ActionAccept, Operator: OpMatches, Argument: "[unclosed"},
		{Action: ActionAccept, Operator: OpExpression},
		{Action: ActionAccept, Operator: OpIn},
		{Field: "body", Action: ActionAccept, Operator: OpContains, Argument: "x"},
	}
	for _, d := range bad {
		err := d.Validate()
		assert.ErrorIs(t, err, utils.ErrConfigValidation, "%+v", d)
	}

	// Expressions are only checked when evaluated
	lazy := Decider{Action: ActionAccept, Operator: OpExpression, Argument: "url =="}
	assert.NoError(t, lazy.Validate())
}

func TestPriorityRules_FirstMatchWins(t *testing.T) {
	ev := NewEvaluator(Options{})
	rules := PriorityRules{Rules: []PriorityRule{
		{URLFilter: `path startsWith "/blog"`, Priority: 10},
		{URLFilter: `host == "example.com"`, Priority: 5},
		{URLFilter: `url ==`, Priority: 99},
	}}

	assert.Equal(t, 10, rules.Compute(ev, mustContext(t, "https://example.com/blog/x"), testLogger()))
	assert.Equal(t, 5, rules.Compute(ev, mustContext(t, "https://example.com/about"), testLogger()))
	assert.Equal(t, 0, rules.Compute(ev, mustContext(t, "https://other.org/"), testLogger()))

	rules.Mode = MatchLast
	assert.Equal(t, 5, rules.Compute(ev, mustContext(t, "https://example.com/blog/x"), testLogger()))
}

func TestPriorityRules_Validate(t *testing.T) {
	ok := PriorityRules{Rules: []PriorityRule{{URLFilter: "true", Priority: 1}}}
	assert.NoError(t, ok.Validate())

	missing := PriorityRules{Rules: []PriorityRule{{Priority: 1}}}
	assert.ErrorIs(t, missing.Validate(), utils.ErrConfigValidation)

	badMode := PriorityRules{Mode: "middle"}
	assert.ErrorIs(t, badMode.Validate(), utils.ErrConfigValidation)
}

func TestTagRules_Compute(t *testing.T) {
	ev := NewEvaluator(Options{})
	tags := TagRules{
		{Tag: "blog", Rule: `path startsWith "/blog"`},
		{Tag: "secure", Rule: `protocol == "https"`},
		{Tag: "blog", Rule: `true`},
		{Tag: "broken", Rule: `path +`},
	}
	assert.Equal(t, []string{"blog", "secure"}, tags.Compute(ev, mustContext(t, "https://example.com/blog/1"), testLogger()))
	assert.Equal(t, []string{"blog"}, tags.Compute(ev, mustContext(t, "http://example.com/"), testLogger()))
	assert.Error(t, TagRules{{Tag: "x"}}.Validate())
}
