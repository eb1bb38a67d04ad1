package requirement

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/msageha/specforge/internal/model"
)

const checkoutSpec = `# Checkout Redesign

Priority: high

## User Stories
- As a shopper, I want to save my cart so that I can buy later.
- As an admin, I want to see abandoned carts

## Acceptance Criteria
- [ ] Given a saved cart When the shopper returns Then the cart is restored
- Cart page loads in under 200 ms
- Design is approved by the product owner
`

func TestParse_ScenarioDocument(t *testing.T) {
	req, err := Parse(checkoutSpec, "req_1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if req.Title != "Checkout Redesign" {
		t.Errorf("Title = %q", req.Title)
	}
	if req.Priority != model.PriorityHigh {
		t.Errorf("Priority = %q", req.Priority)
	}
	if req.Type != model.RequestFeature {
		t.Errorf("Type = %q", req.Type)
	}

	wantStories := []model.UserStory{
		{Actor: "shopper", Action: "save my cart", Goal: "I can buy later"},
		{Actor: "admin", Action: "see abandoned carts"},
	}
	if !reflect.DeepEqual(req.UserStories, wantStories) {
		t.Errorf("UserStories = %+v", req.UserStories)
	}

	wantCriteria := []model.AcceptanceCriterion{
		{Description: "Given a saved cart When the shopper returns Then the cart is restored", ValidationMethod: ValidationAutomatedTest},
		{Description: "Cart page loads in under 200 ms", ValidationMethod: ValidationMetric},
		{Description: "Design is approved by the product owner", ValidationMethod: ValidationManualReview},
	}
	if !reflect.DeepEqual(req.AcceptanceCriteria, wantCriteria) {
		t.Errorf("AcceptanceCriteria = %+v", req.AcceptanceCriteria)
	}

	if len(req.Constraints) != 0 {
		t.Errorf("Constraints = %+v", req.Constraints)
	}
	// 3*2 stories + 2*3 criteria + 0 constraints
	if req.EstimatedComplexity != (model.Complexity{Score: 12, Level: model.ComplexityMedium}) {
		t.Errorf("EstimatedComplexity = %+v", req.EstimatedComplexity)
	}
	if !containsWarning(req.Warnings, "no Constraints section") || !containsWarning(req.Warnings, "no Success Metrics section") {
		t.Errorf("Warnings = %v", req.Warnings)
	}
}

func TestParse_Deterministic(t *testing.T) {
	a, err := Parse(checkoutSpec, "req_a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Parse(checkoutSpec, "req_b")
	if err != nil {
		t.Fatal(err)
	}
	a.ID, b.ID = "", ""
	a.CreatedAt = b.CreatedAt
	if !reflect.DeepEqual(a, b) {
		t.Errorf("Parse is not deterministic:\n%+v\n%+v", a, b)
	}
}

func TestParse_MissingSections(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		missing []string
	}{
		{
			name:    "no criteria",
			doc:     "# X\n## User Stories\n- As a user, I want X\n",
			missing: []string{"Acceptance Criteria"},
		},
		{
			name:    "no stories",
			doc:     "# X\n## Acceptance Criteria\n- it works\n",
			missing: []string{"User Stories"},
		},
		{
			name:    "neither",
			doc:     "# Just notes\nSome prose.\n",
			missing: []string{"User Stories", "Acceptance Criteria"},
		},
		{
			name:    "empty criteria section",
			doc:     "## User Stories\n- As a user, I want X\n## Acceptance Criteria\n\n## Constraints\n- Security: tls\n",
			missing: []string{"Acceptance Criteria"},
		},
		{
			name:    "section with only a marker line",
			doc:     "## User Stories\nPriority: high\n## Acceptance Criteria\n- ok\n",
			missing: []string{"User Stories"},
		},
		{
			name:    "empty document",
			doc:     "",
			missing: []string{"User Stories", "Acceptance Criteria"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.doc, "req_x")
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ParseError, got %v", err)
			}
			if !reflect.DeepEqual(pe.Missing, tt.missing) {
				t.Errorf("Missing = %v, want %v", pe.Missing, tt.missing)
			}
		})
	}
}

func TestParse_HeaderVariants(t *testing.T) {
	doc := `Feature request
===============

User Story:
As a visitor I want to browse products

Acceptance criteria
-------------------
1. Products are listed (validation: manual review)
2. Filtering works [automated test]

**Success Metrics**
- Conversion up 5%
`
	req, err := Parse(doc, "req_v")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Title != "Feature request" {
		t.Errorf("Title = %q", req.Title)
	}
	if len(req.UserStories) != 1 || req.UserStories[0].Actor != "visitor" || req.UserStories[0].Action != "browse products" {
		t.Errorf("UserStories = %+v", req.UserStories)
	}
	want := []model.AcceptanceCriterion{
		{Description: "Products are listed", ValidationMethod: ValidationManualReview},
		{Description: "Filtering works", ValidationMethod: ValidationAutomatedTest},
	}
	if !reflect.DeepEqual(req.AcceptanceCriteria, want) {
		t.Errorf("AcceptanceCriteria = %+v", req.AcceptanceCriteria)
	}
	if !reflect.DeepEqual(req.SuccessMetrics, []string{"Conversion up 5%"}) {
		t.Errorf("SuccessMetrics = %v", req.SuccessMetrics)
	}
}

func TestParse_HeaderTolerance(t *testing.T) {
	for _, header := range []string{
		"## User Stories",
		"## user story",
		"### 2. User-Stories:",
		"USER STORIES:",
		"**User Stories:**",
	} {
		t.Run(header, func(t *testing.T) {
			doc := header + "\n- As a user, I want X\n\n## Acceptance Criteria:\n- works\n"
			req, err := Parse(doc, "req_h")
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if len(req.UserStories) != 1 || len(req.AcceptanceCriteria) != 1 {
				t.Errorf("stories=%d criteria=%d", len(req.UserStories), len(req.AcceptanceCriteria))
			}
		})
	}
}

func TestParse_UnknownSectionContentIgnored(t *testing.T) {
	doc := `# Search
## Background
As a developer, I want this to be ignored
## User Stories
- As a user, I want to search
## Notes
- not a criterion
## Acceptance Criteria
- Results appear
<!-- - hidden criterion -->
`
	req, err := Parse(doc, "req_s")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(req.UserStories) != 1 {
		t.Errorf("UserStories = %+v", req.UserStories)
	}
	if len(req.AcceptanceCriteria) != 1 || req.AcceptanceCriteria[0].Description != "Results appear" {
		t.Errorf("AcceptanceCriteria = %+v", req.AcceptanceCriteria)
	}
}

func TestParse_NestedHeadings(t *testing.T) {
	doc := `# Checkout
## User Stories
### Story 1: Guest checkout
- As a guest, I want to pay without an account so that I can buy quickly
### Story
- As a member, I want saved cards
## Acceptance Criteria
### Payment
- Declined cards show an error
#### Edge cases
- Expired cards are rejected
## Notes
- not a criterion
`
	req, err := Parse(doc, "req_n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(req.UserStories) != 2 {
		t.Fatalf("UserStories = %+v", req.UserStories)
	}
	if req.UserStories[0].Actor != "guest" {
		t.Errorf("story 1 actor = %q", req.UserStories[0].Actor)
	}
	want := []string{"Declined cards show an error", "Expired cards are rejected"}
	if len(req.AcceptanceCriteria) != len(want) {
		t.Fatalf("AcceptanceCriteria = %+v", req.AcceptanceCriteria)
	}
	for i, w := range want {
		if req.AcceptanceCriteria[i].Description != w {
			t.Errorf("criterion %d = %q, want %q", i, req.AcceptanceCriteria[i].Description, w)
		}
	}
}

func TestParse_SiblingHeadingEndsSection(t *testing.T) {
	doc := `### User Stories
- As a user, I want exports
### Appendix
- As a user, I want this ignored
### Acceptance Criteria
- Exports are CSV
`
	req, err := Parse(doc, "req_sib")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(req.UserStories) != 1 {
		t.Errorf("UserStories = %+v", req.UserStories)
	}
}

func TestParse_StoryFallback(t *testing.T) {
	doc := "## User Stories\n- Users can reset passwords\n## Acceptance Criteria\n- Reset email is sent\n"
	req, err := Parse(doc, "req_f")
	if err != nil {
		t.Fatal(err)
	}
	got := req.UserStories[0]
	if got.Actor != "user" || got.Action != "Users can reset passwords" || got.Goal != "" {
		t.Errorf("story = %+v", got)
	}
	if !containsWarning(req.Warnings, "user story 1") {
		t.Errorf("expected story format warning, got %v", req.Warnings)
	}
}

func TestParse_GherkinGrouping(t *testing.T) {
	doc := `## User Stories
- As a member, I want a profile page
## Acceptance Criteria
Given a logged-in user
When they open settings
Then they see their profile
- Profile loads quickly
`
	req, err := Parse(doc, "req_g")
	if err != nil {
		t.Fatal(err)
	}
	if len(req.AcceptanceCriteria) != 2 {
		t.Fatalf("AcceptanceCriteria = %+v", req.AcceptanceCriteria)
	}
	if req.AcceptanceCriteria[0].Description != "Given a logged-in user When they open settings Then they see their profile" {
		t.Errorf("grouped criterion = %q", req.AcceptanceCriteria[0].Description)
	}
}

func TestParse_Constraints(t *testing.T) {
	doc := `## User Stories
- As a user, I want X
## Acceptance Criteria
- X works
## Constraints
- Security: all endpoints require authentication
- Must respond within 300 ms at p95
- Must support Safari 16
- WCAG 2.1 AA for all pages
- Use PostgreSQL
- Use PostgreSQL
`
	req, err := Parse(doc, "req_c")
	if err != nil {
		t.Fatal(err)
	}
	want := []model.Constraint{
		{Category: ConstraintSecurity, Description: "all endpoints require authentication"},
		{Category: ConstraintPerformance, Description: "Must respond within 300 ms at p95"},
		{Category: ConstraintCompatibility, Description: "Must support Safari 16"},
		{Category: ConstraintAccessibility, Description: "WCAG 2.1 AA for all pages"},
		{Category: ConstraintTechnical, Description: "Use PostgreSQL"},
	}
	if !reflect.DeepEqual(req.Constraints, want) {
		t.Errorf("Constraints = %+v", req.Constraints)
	}
	if !req.HasConstraint(ConstraintSecurity) {
		t.Error("HasConstraint(security) = false")
	}
	// 3*1 + 2*1 + 1*5
	if req.EstimatedComplexity.Score != 10 || req.EstimatedComplexity.Level != model.ComplexityMedium {
		t.Errorf("EstimatedComplexity = %+v", req.EstimatedComplexity)
	}
}

func TestParse_PriorityAndType(t *testing.T) {
	base := "\n## User Stories\n- As a user, I want X\n## Acceptance Criteria\n- ok\n"
	tests := []struct {
		name     string
		head     string
		priority model.Priority
		reqType  model.RequestType
		warning  string
	}{
		{"default", "# T", model.PriorityMedium, model.RequestFeature, ""},
		{"explicit", "# T\nPriority: Low\nType: bugfix", model.PriorityLow, model.RequestBugfix, ""},
		{"urgent word", "# T\n**Priority:** urgent", model.PriorityCritical, model.RequestFeature, ""},
		{"p-token in title", "# [P1] T", model.PriorityHigh, model.RequestFeature, ""},
		{"p0", "# T\nP0 release blocker", model.PriorityCritical, model.RequestFeature, ""},
		{"unknown priority", "# T\nPriority: whenever", model.PriorityMedium, model.RequestFeature, "unrecognised priority"},
		{"docs type", "# T\nType: docs", model.PriorityMedium, model.RequestDocumentation, ""},
		{"unknown type", "# T\nType: spike", model.PriorityMedium, model.RequestFeature, "unrecognised request type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := Parse(tt.head+base, "req_p")
			if err != nil {
				t.Fatal(err)
			}
			if req.Priority != tt.priority {
				t.Errorf("Priority = %q, want %q", req.Priority, tt.priority)
			}
			if req.Type != tt.reqType {
				t.Errorf("Type = %q, want %q", req.Type, tt.reqType)
			}
			if tt.warning != "" && !containsWarning(req.Warnings, tt.warning) {
				t.Errorf("expected warning %q in %v", tt.warning, req.Warnings)
			}
		})
	}
}

func TestParse_TitleMarkerWins(t *testing.T) {
	doc := "# Heading\nTitle: Real Title\n## User Stories\n- As a user, I want X\n## Acceptance Criteria\n- ok\n"
	req, err := Parse(doc, "req_t")
	if err != nil {
		t.Fatal(err)
	}
	if req.Title != "Real Title" {
		t.Errorf("Title = %q", req.Title)
	}
}

func TestInferValidation(t *testing.T) {
	tests := map[string]string{
		"Page loads in under 2 seconds": ValidationMetric,
		"Error rate below 0.1%":         ValidationMetric,
		"p95 latency < 300":             ValidationMetric,
		"Supports 1000 users":           ValidationMetric,
		"Copy reviewed by legal":        ValidationManualReview,
		"Security team sign-off":        ValidationManualReview,
		"User can log out":              ValidationAutomatedTest,
		"Shows 3 stories per page":      ValidationAutomatedTest,
	}
	for text, want := range tests {
		if got := inferValidation(text); got != want {
			t.Errorf("inferValidation(%q) = %q, want %q", text, got, want)
		}
	}
}

func TestEstimateComplexity(t *testing.T) {
	tests := []struct {
		s, c, k int
		want    model.Complexity
	}{
		{0, 0, 0, model.Complexity{Score: 0, Level: model.ComplexityLow}},
		{1, 1, 1, model.Complexity{Score: 6, Level: model.ComplexityLow}},
		{2, 3, 0, model.Complexity{Score: 12, Level: model.ComplexityMedium}},
		{3, 3, 4, model.Complexity{Score: 19, Level: model.ComplexityMedium}},
		{5, 5, 0, model.Complexity{Score: 25, Level: model.ComplexityHigh}},
	}
	for _, tt := range tests {
		if got := EstimateComplexity(tt.s, tt.c, tt.k); got != tt.want {
			t.Errorf("EstimateComplexity(%d,%d,%d) = %+v, want %+v", tt.s, tt.c, tt.k, got, tt.want)
		}
	}

	// monotonic in every argument
	for s := 0; s < 5; s++ {
		for c := 0; c < 5; c++ {
			for k := 0; k < 5; k++ {
				base := EstimateComplexity(s, c, k).Score
				if EstimateComplexity(s+1, c, k).Score <= base ||
					EstimateComplexity(s, c+1, k).Score <= base ||
					EstimateComplexity(s, c, k+1).Score <= base {
					t.Fatalf("not monotonic at (%d,%d,%d)", s, c, k)
				}
			}
		}
	}
}

func containsWarning(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}
