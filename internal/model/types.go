// Package model defines specforge's persisted entities, their status machines,
// identifiers, and configuration.
package model

import "time"

type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeWarning  ChangeKind = "warning"
)

// ChangeEvent records one observed change to a watched specification file.
type ChangeEvent struct {
	ID          string     `json:"id" yaml:"id"`
	Path        string     `json:"path" yaml:"path"`
	Kind        ChangeKind `json:"kind" yaml:"kind"`
	ContentHash string     `json:"content_hash,omitempty" yaml:"content_hash,omitempty"`
	Detail      string     `json:"detail,omitempty" yaml:"detail,omitempty"`
	DetectedAt  time.Time  `json:"detected_at" yaml:"detected_at"`
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank maps a priority onto the queue's integer scale; lower runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

type RequestType string

const (
	RequestFeature       RequestType = "feature"
	RequestBugfix        RequestType = "bugfix"
	RequestRefactor      RequestType = "refactor"
	RequestDocumentation RequestType = "documentation"
)

type UserStory struct {
	Actor  string `json:"actor"`
	Action string `json:"action"`
	Goal   string `json:"goal,omitempty"`
}

type AcceptanceCriterion struct {
	Description      string `json:"description"`
	ValidationMethod string `json:"validation_method"`
}

type Constraint struct {
	Category    string `json:"category"`
	Description string `json:"description"`
}

type ComplexityLevel string

const (
	ComplexityLow    ComplexityLevel = "low"
	ComplexityMedium ComplexityLevel = "medium"
	ComplexityHigh   ComplexityLevel = "high"
)

type Complexity struct {
	Score int             `json:"score"`
	Level ComplexityLevel `json:"level"`
}

// ParsedRequirement is the typed form of one specification document.
type ParsedRequirement struct {
	ID                  string                `json:"id"`
	SourcePath          string                `json:"source_path"`
	Title               string                `json:"title,omitempty"`
	Type                RequestType           `json:"type"`
	Priority            Priority              `json:"priority"`
	UserStories         []UserStory           `json:"user_stories"`
	AcceptanceCriteria  []AcceptanceCriterion `json:"acceptance_criteria"`
	Constraints         []Constraint          `json:"constraints"`
	SuccessMetrics      []string              `json:"success_metrics"`
	EstimatedComplexity Complexity            `json:"estimated_complexity"`
	Warnings            []string              `json:"warnings,omitempty"`
	CreatedAt           time.Time             `json:"created_at"`
}

// HasConstraint reports whether any constraint carries the given category.
func (r *ParsedRequirement) HasConstraint(category string) bool {
	for _, c := range r.Constraints {
		if c.Category == category {
			return true
		}
	}
	return false
}

type Workflow struct {
	ID            string         `json:"id"`
	RequirementID string         `json:"requirement_id"`
	SourcePath    string         `json:"source_path"`
	Status        WorkflowStatus `json:"status"`
	TaskIDs       []string       `json:"task_ids"`
	FailedTaskID  string         `json:"failed_task_id,omitempty"`
	FailedGate    string         `json:"failed_gate,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Version       int            `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// TaskPayload is the task-specific input handed to a generation worker.
type TaskPayload struct {
	RequirementID string   `json:"requirement_id"`
	Summary       string   `json:"summary"`
	Focus         []string `json:"focus,omitempty"`
}

type Task struct {
	ID                string      `json:"id"`
	WorkflowID        string      `json:"workflow_id"`
	Name              string      `json:"name"`
	Category          Category    `json:"category"`
	Phase             int         `json:"phase"`
	DependsOn         []string    `json:"depends_on"`
	Status            TaskStatus  `json:"status"`
	Attempts          int         `json:"attempts"`
	Priority          int         `json:"priority"`
	Payload           TaskPayload `json:"payload"`
	ResultArtifactIDs []string    `json:"result_artifact_ids,omitempty"`
	LastError         string      `json:"last_error,omitempty"`
	Version           int         `json:"version"`
	StartedAt         *time.Time  `json:"started_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Artifact is write-once output of a task.
type Artifact struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
}

type QualityGateResult struct {
	WorkflowID  string    `json:"workflow_id"`
	GateName    string    `json:"gate_name"`
	Required    bool      `json:"required"`
	Passed      bool      `json:"passed"`
	Details     string    `json:"details,omitempty"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}
