// Package requirement turns a free-form specification document into a
// model.ParsedRequirement.
package requirement

import (
	"fmt"
	"strings"
	"time"

	"github.com/msageha/specforge/internal/model"
)

// ParseError reports a document that lacks a mandatory section.
type ParseError struct {
	Missing []string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse requirement: missing mandatory section(s): %s", strings.Join(e.Missing, ", "))
}

// Parse is deterministic: identical text yields an identical requirement
// apart from ID and CreatedAt.
func Parse(text, requirementID string) (*model.ParsedRequirement, error) {
	doc := splitDocument(text)

	var missing []string
	for _, kind := range []sectionKind{sectionStories, sectionCriteria} {
		if !doc.has(kind) {
			missing = append(missing, kind.String())
		}
	}
	if len(missing) > 0 {
		return nil, &ParseError{Missing: missing}
	}

	stories, warnings := extractStories(doc.content(sectionStories))
	criteria := extractCriteria(doc.content(sectionCriteria))
	constraints := extractConstraints(doc.content(sectionConstraints))
	metrics := extractMetrics(doc.content(sectionMetrics))

	priority, w := inferPriority(doc.body)
	warnings = append(warnings, w...)
	reqType, w := inferType(doc.body)
	warnings = append(warnings, w...)

	title := titleMarker(doc.body)
	if title == "" {
		title = doc.title
	}
	if title == "" {
		warnings = append(warnings, "document has no title")
	}
	if !doc.has(sectionConstraints) {
		warnings = append(warnings, "no Constraints section")
	}
	if !doc.has(sectionMetrics) {
		warnings = append(warnings, "no Success Metrics section")
	}

	return &model.ParsedRequirement{
		ID:                  requirementID,
		Title:               title,
		Type:                reqType,
		Priority:            priority,
		UserStories:         stories,
		AcceptanceCriteria:  criteria,
		Constraints:         nonNil(constraints),
		SuccessMetrics:      nonNil(metrics),
		EstimatedComplexity: EstimateComplexity(len(stories), len(criteria), len(constraints)),
		Warnings:            warnings,
		CreatedAt:           time.Now().UTC(),
	}, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
