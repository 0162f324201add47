package watchdog

import (
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/frontier-crawler/pkg/models"
	"github.com/Sriram-PR/frontier-crawler/pkg/rules"
)

// Validity decides whether a result counts as a valid page for the watchdogs
type Validity struct {
	Rule string // Optional boolean expression evaluated against the fetched page
	log  *logrus.Entry
}

// NewValidity creates a Validity for rule, which may be empty
func NewValidity(rule string, log *logrus.Entry) *Validity {
	return &Validity{Rule: rule, log: log.WithField("component", "validity")}
}

// IsValid reports whether result has no error, passed content validation and
// satisfies Rule. A rule that fails to evaluate makes the result invalid.
func (v *Validity) IsValid(ev *rules.Evaluator, result *models.CrawlResult) bool {
	if result.Failed() || !result.Validation.Valid {
		return false
	}
	if v.Rule == "" {
		return true
	}

	pageURL := result.FinalURL
	if pageURL == "" {
		pageURL = result.Task.URL
	}
	subject, err := rules.NewURLContext(pageURL)
	if err != nil {
		v.log.WithField("url", pageURL).Debugf("Cannot build rule context: %v", err)
		return false
	}
	var doc *rules.Document
	if result.Content != nil {
		doc = rules.NewDocument(*result.Content)
	}
	subject = subject.WithPage(result.ContentType, result.StatusCode, doc)
	subject.Tags = result.Task.Tags

	ok, err := ev.EvaluateBoolean(v.Rule, subject)
	if err != nil {
		v.log.WithField("url", pageURL).Warnf("valid_page_rule evaluation failed, treating page as invalid: %v", err)
		return false
	}
	return ok
}
