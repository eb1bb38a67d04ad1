package status

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"

	"github.com/msageha/specforge/internal/model"
	"github.com/msageha/specforge/internal/orchestrator"
	"github.com/msageha/specforge/internal/plan"
)

type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "", FormatTable:
		return FormatTable, nil
	case FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table, json, or yaml)", s)
	}
}

// Printer writes values as tables or as JSON/YAML documents.
type Printer struct {
	w      io.Writer
	format Format
}

func NewPrinter(w io.Writer, format Format) *Printer {
	if format == "" {
		format = FormatTable
	}
	return &Printer{w: w, format: format}
}

// document writes v in a structured format and reports whether it did.
func (p *Printer) document(v any) (bool, error) {
	switch p.format {
	case FormatJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case FormatYAML:
		b, err := toYAML(v)
		if err != nil {
			return true, err
		}
		_, err = p.w.Write(b)
		return true, err
	}
	return false, nil
}

// toYAML goes through JSON so the json tags name the keys. Styles inherited
// from the JSON syntax are cleared to get block YAML.
func toYAML(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return nil, err
	}
	clearStyle(&node)

	var b strings.Builder
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func clearStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		clearStyle(c)
	}
}

func (p *Printer) table(title string, header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(p.w)
	if title != "" {
		tw.SetTitle(title)
	}
	tw.AppendHeader(header)
	return tw
}

func (p *Printer) Overview(ov *Overview) error {
	if ok, err := p.document(ov); ok {
		return err
	}
	if !ov.Daemon.Running {
		fmt.Fprintln(p.w, "Daemon: stopped")
		return nil
	}
	fmt.Fprintf(p.w, "Daemon: running (pid %d, version %s, since %s)\n", ov.Daemon.PID, ov.Daemon.Version, ov.Daemon.StartedAt)

	if len(ov.Daemon.Queues) > 0 {
		tw := p.table("Queues", table.Row{"Category", "Queued", "In flight", "Limit"})
		for _, q := range ov.Daemon.Queues {
			tw.AppendRow(table.Row{q.Category, q.Queued, q.InFlight, q.Limit})
		}
		tw.Render()
	}
	return p.workflowTable(ov.Workflows)
}

func (p *Printer) Workflows(wfs []model.Workflow) error {
	if ok, err := p.document(wfs); ok {
		return err
	}
	return p.workflowTable(wfs)
}

func (p *Printer) workflowTable(wfs []model.Workflow) error {
	if len(wfs) == 0 {
		fmt.Fprintln(p.w, "No workflows.")
		return nil
	}
	tw := p.table("Workflows", table.Row{"ID", "Status", "Source", "Created", "Reason"})
	for _, wf := range wfs {
		tw.AppendRow(table.Row{wf.ID, wf.Status, wf.SourcePath, wf.CreatedAt.Format("2006-01-02 15:04:05"), wf.Reason})
	}
	tw.Render()
	return nil
}

// Workflow prints a single workflow, as returned by submit and cancel.
func (p *Printer) Workflow(wf *model.Workflow) error {
	if ok, err := p.document(wf); ok {
		return err
	}
	fmt.Fprintf(p.w, "Workflow %s: %s\n", wf.ID, wf.Status)
	if wf.Reason != "" {
		fmt.Fprintf(p.w, "Reason: %s\n", wf.Reason)
	}
	return nil
}

func (p *Printer) Report(r *orchestrator.Report) error {
	if ok, err := p.document(r); ok {
		return err
	}
	wf := r.Workflow
	fmt.Fprintf(p.w, "Workflow:    %s\n", wf.ID)
	fmt.Fprintf(p.w, "Status:      %s\n", wf.Status)
	fmt.Fprintf(p.w, "Source:      %s\n", wf.SourcePath)
	fmt.Fprintf(p.w, "Requirement: %s\n", wf.RequirementID)
	if r.Cause != "" {
		fmt.Fprintf(p.w, "Cause:       %s\n", r.Cause)
	}

	names := make(map[string]string, len(r.Tasks))
	for _, t := range r.Tasks {
		names[t.ID] = t.Name
	}
	tw := p.table("Tasks", table.Row{"Name", "Category", "Phase", "Status", "Attempts", "Depends on", "Error"})
	for _, t := range r.Tasks {
		deps := make([]string, 0, len(t.DependsOn))
		for _, id := range t.DependsOn {
			deps = append(deps, names[id])
		}
		tw.AppendRow(table.Row{t.Name, t.Category, t.Phase, t.Status, t.Attempts, strings.Join(deps, ", "), t.LastError})
	}
	tw.Render()

	if len(r.Gates) > 0 {
		tw := p.table("Quality gates", table.Row{"Gate", "Required", "Passed", "Details"})
		for _, g := range r.Gates {
			tw.AppendRow(table.Row{g.GateName, g.Required, g.Passed, g.Details})
		}
		tw.Render()
	}

	if len(r.Artifacts) > 0 {
		tasks := make(map[string]string)
		for _, t := range r.Tasks {
			for _, id := range t.ResultArtifactIDs {
				tasks[id] = t.Name
			}
		}
		tw := p.table("Artifacts", table.Row{"Task", "Kind", "Name", "Checksum"})
		for _, a := range r.Artifacts {
			tw.AppendRow(table.Row{tasks[a.ID], a.Kind, a.Name, shortSum(a.Checksum)})
		}
		tw.Render()
	}
	return nil
}

func (p *Printer) Requirement(req *model.ParsedRequirement) error {
	if ok, err := p.document(req); ok {
		return err
	}
	fmt.Fprintf(p.w, "Title:      %s\n", req.Title)
	fmt.Fprintf(p.w, "Type:       %s\n", req.Type)
	fmt.Fprintf(p.w, "Priority:   %s\n", req.Priority)
	fmt.Fprintf(p.w, "Complexity: %s (%d)\n", req.EstimatedComplexity.Level, req.EstimatedComplexity.Score)

	tw := p.table("User stories", table.Row{"#", "Actor", "Action", "Goal"})
	for i, s := range req.UserStories {
		tw.AppendRow(table.Row{i + 1, s.Actor, s.Action, s.Goal})
	}
	tw.Render()

	tw = p.table("Acceptance criteria", table.Row{"#", "Criterion", "Validation"})
	for i, c := range req.AcceptanceCriteria {
		tw.AppendRow(table.Row{i + 1, c.Description, c.ValidationMethod})
	}
	tw.Render()

	if len(req.Constraints) > 0 {
		tw = p.table("Constraints", table.Row{"Category", "Constraint"})
		for _, c := range req.Constraints {
			tw.AppendRow(table.Row{c.Category, c.Description})
		}
		tw.Render()
	}
	for _, m := range req.SuccessMetrics {
		fmt.Fprintf(p.w, "Metric: %s\n", m)
	}
	for _, w := range req.Warnings {
		fmt.Fprintf(p.w, "Warning: %s\n", w)
	}
	return nil
}

// planView gives Plan json tags for structured output.
type planView struct {
	RequirementID string         `json:"requirement_id"`
	Order         []string       `json:"order"`
	Tasks         []planTaskView `json:"tasks"`
}

type planTaskView struct {
	Name      string         `json:"name"`
	Category  model.Category `json:"category"`
	Phase     int            `json:"phase"`
	Priority  int            `json:"priority"`
	DependsOn []string       `json:"depends_on"`
	Summary   string         `json:"summary"`
	Focus     []string       `json:"focus,omitempty"`
}

func (p *Printer) Plan(pl *plan.Plan) error {
	v := planView{RequirementID: pl.RequirementID, Order: pl.Order}
	for _, t := range pl.Tasks {
		deps := t.DependsOn
		if deps == nil {
			deps = []string{}
		}
		v.Tasks = append(v.Tasks, planTaskView{
			Name:      t.Name,
			Category:  t.Category,
			Phase:     t.Phase,
			Priority:  t.Priority,
			DependsOn: deps,
			Summary:   t.Payload.Summary,
			Focus:     t.Payload.Focus,
		})
	}
	if ok, err := p.document(v); ok {
		return err
	}

	tw := p.table("Plan", table.Row{"Name", "Category", "Phase", "Priority", "Depends on"})
	for _, t := range v.Tasks {
		tw.AppendRow(table.Row{t.Name, t.Category, t.Phase, t.Priority, strings.Join(t.DependsOn, ", ")})
	}
	tw.Render()
	fmt.Fprintf(p.w, "Order: %s\n", strings.Join(pl.Order, " -> "))
	return nil
}

func (p *Printer) Changes(evs []model.ChangeEvent) error {
	if ok, err := p.document(evs); ok {
		return err
	}
	if len(evs) == 0 {
		fmt.Fprintln(p.w, "No changes.")
		return nil
	}
	tw := p.table("Changes", table.Row{"Kind", "Path", "Detail"})
	for _, ev := range evs {
		tw.AppendRow(table.Row{ev.Kind, ev.Path, ev.Detail})
	}
	tw.Render()
	return nil
}

func shortSum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
