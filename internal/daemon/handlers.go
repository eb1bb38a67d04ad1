package daemon

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/msageha/specforge/internal/model"
	"github.com/msageha/specforge/internal/orchestrator"
	"github.com/msageha/specforge/internal/requirement"
	"github.com/msageha/specforge/internal/store"
	"github.com/msageha/specforge/internal/uds"
)

const defaultListLimit = 50

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, d.handlePing)
	d.server.Handle(uds.CmdStatus, d.handleStatus)
	d.server.Handle(uds.CmdList, d.handleList)
	d.server.Handle(uds.CmdCancel, d.handleCancel)
	d.server.Handle(uds.CmdSubmit, d.handleSubmit)
	d.server.Handle(uds.CmdScan, d.handleScan)
	d.server.Handle(uds.CmdShutdown, func(context.Context, *uds.Request) *uds.Response {
		d.logger.Info("shutdown requested via uds")
		d.cancel()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) handlePing(context.Context, *uds.Request) *uds.Response {
	res := uds.PingResult{
		PID:       os.Getpid(),
		Version:   d.opts.Version,
		StartedAt: d.startedAt.Format(time.RFC3339),
	}
	for _, s := range d.queue.Stats() {
		res.Queues = append(res.Queues, uds.QueueDepth{
			Category: string(s.Category),
			Queued:   s.Queued,
			InFlight: s.InFlight,
			Limit:    s.Limit,
		})
	}
	return uds.SuccessResponse(res)
}

func (d *Daemon) handleStatus(ctx context.Context, req *uds.Request) *uds.Response {
	var p uds.StatusParams
	if err := req.Decode(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if p.WorkflowID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "workflow_id is required")
	}
	report, err := d.orch.Report(ctx, p.WorkflowID)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(report)
}

func (d *Daemon) handleList(ctx context.Context, req *uds.Request) *uds.Response {
	var p uds.ListParams
	if err := req.Decode(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	filter := store.WorkflowFilter{SourcePath: p.Source, Limit: p.Limit}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	for _, s := range p.Statuses {
		st, err := model.ParseWorkflowStatus(s)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	wfs, err := d.store.ListWorkflows(ctx, filter)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(wfs)
}

func (d *Daemon) handleCancel(ctx context.Context, req *uds.Request) *uds.Response {
	var p uds.CancelParams
	if err := req.Decode(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if p.WorkflowID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "workflow_id is required")
	}
	if err := d.orch.Cancel(ctx, p.WorkflowID); err != nil {
		return errorResponse(err)
	}
	wf, err := d.store.GetWorkflow(ctx, p.WorkflowID)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(wf)
}

func (d *Daemon) handleSubmit(ctx context.Context, req *uds.Request) *uds.Response {
	var p uds.SubmitParams
	if err := req.Decode(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if strings.TrimSpace(p.Text) == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "text is required")
	}
	if p.SourcePath == "" {
		p.SourcePath = "stdin"
	}
	wf, err := d.orch.Submit(ctx, p.SourcePath, p.Text)
	if err != nil {
		if wf != nil {
			// Planning failures still leave a failed workflow to report.
			d.logger.Warn("submitted workflow failed", "workflow_id", wf.ID, "error", err)
			return uds.SuccessResponse(wf)
		}
		return errorResponse(err)
	}
	return uds.SuccessResponse(wf)
}

func (d *Daemon) handleScan(ctx context.Context, _ *uds.Request) *uds.Response {
	evs, err := d.detector.Scan(ctx)
	if err != nil {
		return errorResponse(err)
	}
	if len(evs) > 0 {
		d.orch.HandleChanges(ctx, evs)
	}
	if evs == nil {
		evs = []model.ChangeEvent{}
	}
	return uds.SuccessResponse(evs)
}

func errorResponse(err error) *uds.Response {
	var parseErr *requirement.ParseError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrWorkflowTerminal):
		return uds.ErrorResponse(uds.ErrCodeConflict, err.Error())
	case errors.As(err, &parseErr):
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	default:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
}
