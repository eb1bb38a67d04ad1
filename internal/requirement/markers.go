package requirement

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/msageha/specforge/internal/model"
)

var (
	priorityMarkerRe = regexp.MustCompile(`(?i)^\s*[*_]*priority[*_]*\s*:[*_]*\s*([A-Za-z0-9]+)`)
	priorityTokenRe  = regexp.MustCompile(`\bP([0-3])\b`)
	typeMarkerRe     = regexp.MustCompile(`(?i)^\s*[*_]*(?:type|request type)[*_]*\s*:[*_]*\s*([A-Za-z\-]+)`)
	titleMarkerRe    = regexp.MustCompile(`(?i)^\s*[*_]*title[*_]*\s*:[*_]*\s*(.+)$`)
)

func isMarkerLine(line string) bool {
	return priorityMarkerRe.MatchString(line) || typeMarkerRe.MatchString(line) || titleMarkerRe.MatchString(line)
}

var priorityWords = map[string]model.Priority{
	"critical": model.PriorityCritical,
	"urgent":   model.PriorityCritical,
	"highest":  model.PriorityCritical,
	"blocker":  model.PriorityCritical,
	"p0":       model.PriorityCritical,
	"high":     model.PriorityHigh,
	"p1":       model.PriorityHigh,
	"medium":   model.PriorityMedium,
	"normal":   model.PriorityMedium,
	"moderate": model.PriorityMedium,
	"p2":       model.PriorityMedium,
	"low":      model.PriorityLow,
	"minor":    model.PriorityLow,
	"lowest":   model.PriorityLow,
	"p3":       model.PriorityLow,
}

// inferPriority prefers an explicit "Priority:" line, then a bare P0..P3
// token anywhere in the document. The result defaults to medium.
func inferPriority(body []string) (model.Priority, []string) {
	var warnings []string
	for _, line := range body {
		m := priorityMarkerRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if p, ok := priorityWords[strings.ToLower(m[1])]; ok {
			return p, nil
		}
		warnings = append(warnings, "unrecognised priority "+strconv.Quote(m[1])+"; using medium")
		return model.PriorityMedium, warnings
	}
	for _, line := range body {
		if m := priorityTokenRe.FindStringSubmatch(line); m != nil {
			return priorityWords["p"+m[1]], nil
		}
	}
	return model.PriorityMedium, nil
}

var typeWords = map[string]model.RequestType{
	"feature":       model.RequestFeature,
	"enhancement":   model.RequestFeature,
	"bugfix":        model.RequestBugfix,
	"bug":           model.RequestBugfix,
	"fix":           model.RequestBugfix,
	"bug-fix":       model.RequestBugfix,
	"refactor":      model.RequestRefactor,
	"refactoring":   model.RequestRefactor,
	"documentation": model.RequestDocumentation,
	"docs":          model.RequestDocumentation,
	"doc":           model.RequestDocumentation,
}

func inferType(body []string) (model.RequestType, []string) {
	for _, line := range body {
		m := typeMarkerRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if t, ok := typeWords[strings.ToLower(m[1])]; ok {
			return t, nil
		}
		return model.RequestFeature, []string{"unrecognised request type " + strconv.Quote(m[1]) + "; using feature"}
	}
	return model.RequestFeature, nil
}

func titleMarker(body []string) string {
	for _, line := range body {
		if m := titleMarkerRe.FindStringSubmatch(line); m != nil {
			return strings.TrimSpace(strings.Trim(m[1], "*_ "))
		}
	}
	return ""
}
