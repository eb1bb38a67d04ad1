package requirement

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/msageha/specforge/internal/model"
)

const defaultActor = "user"

var storyRe = regexp.MustCompile(`(?i)^as\s+(?:an?|the)\s+(.+?)\s*,?\s+I\s+(?:want|need|would like|wish|can)\s+(?:to\s+)?(.+?)(?:\s*,?\s+so\s+(?:that\s+)?(.+?))?\s*[.!]?$`)

// extractStories parses story lines. Continuation lines (indented, not a
// list item) are joined to the preceding story before matching.
func extractStories(lines []string) ([]model.UserStory, []string) {
	var (
		stories  []model.UserStory
		warnings []string
	)
	for i, item := range joinContinuations(lines) {
		if m := storyRe.FindStringSubmatch(item); m != nil {
			stories = append(stories, model.UserStory{
				Actor:  strings.TrimSpace(m[1]),
				Action: strings.TrimSpace(m[2]),
				Goal:   strings.TrimSpace(m[3]),
			})
			continue
		}
		stories = append(stories, model.UserStory{Actor: defaultActor, Action: strings.TrimRight(item, ".")})
		warnings = append(warnings, fmt.Sprintf("user story %d does not follow \"As a <actor>, I want <action> so that <goal>\"", i+1))
	}
	return stories, warnings
}

func joinContinuations(lines []string) []string {
	var items []string
	for _, line := range lines {
		indented := strings.HasPrefix(line, "  ") || strings.HasPrefix(line, "\t")
		if len(items) > 0 && indented && !isBullet(line) {
			items[len(items)-1] += " " + strings.TrimSpace(line)
			continue
		}
		if item := cleanItem(line); item != "" {
			items = append(items, item)
		}
	}
	return items
}

const (
	ValidationAutomatedTest = "automated-test"
	ValidationManualReview  = "manual-review"
	ValidationMetric        = "metric"
)

var (
	explicitValidationRe = regexp.MustCompile(`(?i)\s*[(\[]\s*(?:validation|validated by|verify by|method)\s*[:=]\s*([^)\]]+?)\s*[)\]]\s*\.?$`)
	bracketValidationRe  = regexp.MustCompile(`\s*\[([a-zA-Z][a-zA-Z \-]{2,30})\]\s*\.?$`)
	metricRe             = regexp.MustCompile(`(?i)(?:[<>≤≥]=?\s*\d|\d+(?:\.\d+)?\s*(?:ms|milliseconds?|s|secs?|seconds?|minutes?|mins?|hours?|%|percent|kb|mb|gb|rps|qps|req/s|requests|users|x)\b|\d+(?:\.\d+)?%)`)
	reviewRe             = regexp.MustCompile(`(?i)\b(review|reviewed|inspect|inspected|inspection|approve|approved|approval|sign[- ]off|manual(?:ly)?|audit(?:ed)?)\b`)
	gherkinStartRe       = regexp.MustCompile(`(?i)^(given|scenario)\b`)
	gherkinContRe        = regexp.MustCompile(`(?i)^(when|then|and|but)\b`)
)

// extractCriteria groups Given/When/Then runs into one criterion and
// resolves each criterion's validation method.
func extractCriteria(lines []string) []model.AcceptanceCriterion {
	var (
		items   []string
		inGiven bool
	)
	for _, line := range joinContinuations(lines) {
		switch {
		case gherkinStartRe.MatchString(line):
			items = append(items, line)
			inGiven = true
		case inGiven && gherkinContRe.MatchString(line):
			items[len(items)-1] += " " + line
		default:
			items = append(items, line)
			inGiven = false
		}
	}

	criteria := make([]model.AcceptanceCriterion, 0, len(items))
	for _, item := range items {
		desc, method := splitValidation(item)
		criteria = append(criteria, model.AcceptanceCriterion{Description: desc, ValidationMethod: method})
	}
	return criteria
}

func splitValidation(item string) (string, string) {
	if m := explicitValidationRe.FindStringSubmatchIndex(item); m != nil {
		return strings.TrimSpace(item[:m[0]]), normaliseMethod(item[m[2]:m[3]])
	}
	if m := bracketValidationRe.FindStringSubmatchIndex(item); m != nil {
		return strings.TrimSpace(item[:m[0]]), normaliseMethod(item[m[2]:m[3]])
	}
	return item, inferValidation(item)
}

func normaliseMethod(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Join(strings.Fields(strings.ReplaceAll(s, "_", " ")), "-")
	switch s {
	case "test", "tests", "automated", "automated-tests", "unit-test", "integration-test", "e2e":
		return ValidationAutomatedTest
	case "manual", "review", "manual-check":
		return ValidationManualReview
	case "metrics", "measurement", "benchmark":
		return ValidationMetric
	}
	return s
}

func inferValidation(text string) string {
	switch {
	case metricRe.MatchString(text):
		return ValidationMetric
	case reviewRe.MatchString(text):
		return ValidationManualReview
	default:
		return ValidationAutomatedTest
	}
}

// Constraint categories.
const (
	ConstraintTechnical     = "technical"
	ConstraintPerformance   = "performance"
	ConstraintSecurity      = "security"
	ConstraintCompliance    = "compliance"
	ConstraintAccessibility = "accessibility"
	ConstraintCompatibility = "compatibility"
)

var constraintAliases = map[string]string{
	"technical":     ConstraintTechnical,
	"tech":          ConstraintTechnical,
	"architecture":  ConstraintTechnical,
	"performance":   ConstraintPerformance,
	"perf":          ConstraintPerformance,
	"scalability":   ConstraintPerformance,
	"security":      ConstraintSecurity,
	"privacy":       ConstraintCompliance,
	"compliance":    ConstraintCompliance,
	"legal":         ConstraintCompliance,
	"regulatory":    ConstraintCompliance,
	"accessibility": ConstraintAccessibility,
	"a11y":          ConstraintAccessibility,
	"compatibility": ConstraintCompatibility,
	"browser":       ConstraintCompatibility,
	"platform":      ConstraintCompatibility,
}

var categoryPrefixRe = regexp.MustCompile(`^\s*[*_]*([A-Za-z0-9]+)[*_]*\s*:\s*(.+)$`)

// Ordered: the first matching rule wins.
var constraintKeywords = []struct {
	category string
	re       *regexp.Regexp
}{
	{ConstraintSecurity, regexp.MustCompile(`(?i)\b(secur\w*|auth\w*|encrypt\w*|password\w*|tokens?|xss|csrf|owasp|secrets?|permissions?|injection|tls|ssl)\b`)},
	{ConstraintCompliance, regexp.MustCompile(`(?i)\b(gdpr|hipaa|pci|sox|soc ?2|complian\w*|regulat\w*|legal|privacy|consent|retention)\b`)},
	{ConstraintPerformance, regexp.MustCompile(`(?i)\b(performance|latency|throughput|response time|fast\w*|load\w*|concurren\w*|scal\w*|p9[59]|\d+\s*ms)\b`)},
	{ConstraintAccessibility, regexp.MustCompile(`(?i)\b(accessib\w*|a11y|wcag|screen ?readers?|keyboard|aria|contrast)\b`)},
	{ConstraintCompatibility, regexp.MustCompile(`(?i)\b(browsers?|compatib\w*|mobile|ios|android|safari|firefox|chrome|legacy|backwards?)\b`)},
}

func extractConstraints(lines []string) []model.Constraint {
	var out []model.Constraint
	seen := make(map[model.Constraint]bool)
	for _, item := range joinContinuations(lines) {
		c := classifyConstraint(item)
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func classifyConstraint(item string) model.Constraint {
	if m := categoryPrefixRe.FindStringSubmatch(item); m != nil {
		if cat, ok := constraintAliases[strings.ToLower(m[1])]; ok {
			return model.Constraint{Category: cat, Description: strings.TrimSpace(m[2])}
		}
	}
	for _, kw := range constraintKeywords {
		if kw.re.MatchString(item) {
			return model.Constraint{Category: kw.category, Description: item}
		}
	}
	return model.Constraint{Category: ConstraintTechnical, Description: item}
}

func extractMetrics(lines []string) []string {
	var out []string
	for _, item := range joinContinuations(lines) {
		out = append(out, item)
	}
	return out
}

// Complexity weights and level thresholds.
const (
	storyWeight      = 3
	criterionWeight  = 2
	constraintWeight = 1

	lowComplexityBelow    = 10
	mediumComplexityBelow = 25
)

// EstimateComplexity is monotonic in each count.
func EstimateComplexity(stories, criteria, constraints int) model.Complexity {
	score := storyWeight*stories + criterionWeight*criteria + constraintWeight*constraints
	level := model.ComplexityHigh
	switch {
	case score < lowComplexityBelow:
		level = model.ComplexityLow
	case score < mediumComplexityBelow:
		level = model.ComplexityMedium
	}
	return model.Complexity{Score: score, Level: level}
}
