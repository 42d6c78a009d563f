package ipc

import (
	"context"
	"encoding/json"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/botrun"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/events"
)

// dispatch routes one request envelope to the appropriate manager
// operation. It returns the result to send back, optionally a terminal
// notification channel with its release func (only for bot.run with
// subscribe=true), and an error to translate into a wire error.
func (s *Server) dispatch(ctx context.Context, req Envelope) (interface{}, <-chan events.Event, func(), error) {
	switch req.Method {
	case "bot.run":
		return s.handleBotRun(ctx, req)
	case "bot.status":
		r, e := s.handleBotStatus(req)
		return r, nil, nil, e
	case "bot.show":
		r, e := s.handleBotShow(req)
		return r, nil, nil, e
	case "bot.runs":
		r, e := s.handleBotRuns(req)
		return r, nil, nil, e
	case "bot.cancel":
		r, e := s.handleBotCancel(req)
		return r, nil, nil, e
	case "bot.resume":
		r, e := s.handleBotResume(req)
		return r, nil, nil, e
	case "service.status":
		r, e := s.handleServiceStatus()
		return r, nil, nil, e
	case "service.doctor":
		r, e := s.handleServiceDoctor()
		return r, nil, nil, e
	default:
		return nil, nil, nil, &core.DomainError{Category: core.ErrCatTransport, Code: "METHOD_NOT_FOUND", Message: "unknown method: " + req.Method}
	}
}

func toResult(rec *botrun.RunRecord) BotRunResult {
	return BotRunResult{
		RunID:        rec.RunID,
		Status:       string(rec.State),
		ExitCode:     rec.ExitCode,
		Summary:      rec.Summary,
		ArtifactURIs: rec.ArtifactURIs,
	}
}

func (s *Server) handleBotRun(ctx context.Context, req Envelope) (interface{}, <-chan events.Event, func(), error) {
	var p BotRunParams
	if req.Params == nil {
		return nil, nil, nil, core.ErrValidation(core.CodeInvalidParams, "missing params")
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, nil, nil, core.ErrValidation(core.CodeInvalidParams, "malformed bot.run params")
	}

	rec, err := s.manager.Submit(ctx, botrun.SubmitParams{
		WorkspacePath: p.WorkspacePath,
		WorkItemID:    p.WorkItemID,
		Kind:          botrun.Kind(p.Kind),
		CaptureMode:   botrun.CaptureMode(p.CaptureMode),
		WriteMode:     botrun.WriteMode(p.WriteMode),
		Subscribe:     p.Subscribe,
		Trigger:       p.Trigger,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	result := toResult(rec)
	if !p.Subscribe {
		return result, nil, nil, nil
	}

	if rec.State.IsTerminal() {
		// Submit runs the executor inline, so the run is already terminal by
		// the time we'd subscribe: synthesize the notification directly
		// instead of racing a subscription against a publish that already
		// happened (SPEC_FULL.md §4.6).
		ch := make(chan events.Event, 1)
		ch <- events.NewBotTerminalEvent(rec.RunID, p.WorkspacePath, string(rec.State), rec.ExitCode, rec.Summary, rec.ArtifactURIs)
		close(ch)
		return result, ch, nil, nil
	}

	ch, unsub := s.manager.SubscribeTerminal(rec.RunID)
	return result, ch, unsub, nil
}

func (s *Server) handleBotStatus(req Envelope) (interface{}, error) {
	var p BotStatusParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, core.ErrValidation(core.CodeInvalidParams, "malformed bot.status params")
	}
	var kind *botrun.Kind
	if p.Kind != nil {
		k := botrun.Kind(*p.Kind)
		kind = &k
	}
	recs := s.manager.Status(p.WorkspacePath, p.WorkItemID, kind)
	out := make([]BotRunResult, 0, len(recs))
	for _, r := range recs {
		out = append(out, toResult(r))
	}
	return BotRunsResult{Runs: out, Total: len(out)}, nil
}

func (s *Server) handleBotShow(req Envelope) (interface{}, error) {
	var p BotShowParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, core.ErrValidation(core.CodeInvalidParams, "malformed bot.show params")
	}
	rec, err := s.manager.Show(p.RunID)
	if err != nil {
		return nil, err
	}
	return toResult(rec), nil
}

func (s *Server) handleBotRuns(req Envelope) (interface{}, error) {
	var p BotRunsParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, core.ErrValidation(core.CodeInvalidParams, "malformed bot.runs params")
	}
	recs, total := s.manager.ListRuns(p.WorkspacePath, p.WorkItemID, p.Limit, p.Offset)
	out := make([]BotRunResult, 0, len(recs))
	for _, r := range recs {
		out = append(out, toResult(r))
	}
	return BotRunsResult{Runs: out, Total: total}, nil
}

func (s *Server) handleBotCancel(req Envelope) (interface{}, error) {
	var p BotCancelParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, core.ErrValidation(core.CodeInvalidParams, "malformed bot.cancel params")
	}
	rec, err := s.manager.Cancel(p.WorkspacePath, p.WorkItemID, p.RunID)
	if err != nil {
		return nil, err
	}
	return toResult(rec), nil
}

func (s *Server) handleBotResume(req Envelope) (interface{}, error) {
	var p BotResumeParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, core.ErrValidation(core.CodeInvalidParams, "malformed bot.resume params")
	}
	rec, err := s.manager.Resume(p.RunID, p.WorkspacePath)
	if err != nil {
		return nil, err
	}
	return toResult(rec), nil
}

func (s *Server) handleServiceStatus() (interface{}, error) {
	return ServiceStatusResult{
		UptimeS:          s.manager.UptimeS(),
		ActiveRunCount:   s.manager.ActiveRunCount(),
		ActiveWorkspaces: s.manager.ActiveWorkspaces(),
		Connections:      s.manager.Connections(),
	}, nil
}

func (s *Server) handleServiceDoctor() (interface{}, error) {
	checks := []string{"manager reachable"}
	var warnings []string
	if s.manager.ActiveRunCount() > 50 {
		warnings = append(warnings, "high active run count")
	}
	return ServiceDoctorResult{Healthy: len(warnings) == 0, Checks: checks, Warnings: warnings}, nil
}
