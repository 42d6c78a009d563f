package botrun

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/guardian"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/logging"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/overlay"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/pmconfig"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/pmstore"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/stage"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/tier2"
)

// PipelineExecutor is the real Executor: it drives the stage orchestrator
// (C7) through the full Specify..Unlock sequence, routes each stage's
// extracted output (C8, via stage.RunStage) into the overlay memory store
// (C2) through the metadata/template guardians (C3), and seeds the Specify
// prompt with a Tier-2 synthesis brief (C10).
//
// The research/prompts_only combination keeps the synchronous-stub path
// instead (SPEC_FULL.md §9 Open Question 1: the subscribe path must stay
// synchronously satisfiable for that combination) by delegating straight to
// syncStub.
type PipelineExecutor struct {
	syncStub    Executor
	overlayDB   *overlay.DB
	bus         *events.EventBus
	logger      *logging.Logger
	agents      map[string]stage.Agent
	tier2Client tier2.Client
}

// NewPipelineExecutor creates a PipelineExecutor. agents may be empty (the
// pipeline then runs with zero configured agents per stage, producing no
// outputs but still exercising routing/prerequisite/quality-gate logic);
// tier2Client may be nil (Tier-2 synthesis falls back to BuildFallback).
func NewPipelineExecutor(overlayDB *overlay.DB, bus *events.EventBus, logger *logging.Logger, agents map[string]stage.Agent, tier2Client tier2.Client) *PipelineExecutor {
	return &PipelineExecutor{
		syncStub:    SyncStubExecutor{},
		overlayDB:   overlayDB,
		bus:         bus,
		logger:      logger,
		agents:      agents,
		tier2Client: tier2Client,
	}
}

// pipelineStages is the fixed Specify..Unlock sequence from SPEC_FULL.md §1.
var pipelineStages = []stage.Name{
	stage.Specify, stage.Clarify, stage.Plan, stage.Tasks, stage.Analyze,
	stage.Checklist, stage.Implement, stage.Audit, stage.Unlock,
}

const filesChangedThreshold = 50

// Execute implements Executor.
func (p *PipelineExecutor) Execute(ctx context.Context, req pmstore.Request, report func(pmstore.Checkpoint)) (pmstore.RunLog, error) {
	if req.Kind == string(KindResearch) && req.CaptureMode == string(CapturePromptsOnly) {
		return p.syncStub.Execute(ctx, req, report)
	}

	startedAt := time.Now()
	seq := 0
	checkpoint := func(state pmstore.RunState, summary string) {
		report(pmstore.Checkpoint{RunID: req.RunID, Seq: seq, State: state, Timestamp: nowRFC3339(), Summary: summary})
		seq++
	}

	checkpoint(pmstore.StateRunning, "loading pipeline configuration")
	cfg, err := pmconfig.NewLoader(req.WorkItemID, "", "").Load()
	if err != nil {
		return p.failLog(req, startedAt, seq, err), nil
	}

	orch := stage.NewOrchestrator(cfg, p.bus, p.logger, p.agents)
	brief := tier2.Synthesize(ctx, p.tier2Client, req.WorkItemID, "", "")

	completed := make(map[stage.Name]bool, len(pipelineStages))
	for _, name := range pipelineStages {
		sc := cfg.Stages[string(name)]
		if !sc.Enabled {
			continue
		}

		if _, err := orch.CheckPrerequisites(name, completed, cfg.StrictPrereqs); err != nil {
			return p.failLog(req, startedAt, seq, err), nil
		}

		prompt := buildStagePrompt(name, req, brief)
		routing := stage.RouteStage(name, cfg, len(prompt), false, cfg.ACEEnabled, false, false, 0, req.WorkItemID, filesChangedThreshold)

		checkpoint(pmstore.StateRunning, fmt.Sprintf("running stage %s", name))
		outputs, err := orch.RunStage(ctx, name, routing.Effort, prompt, req.WorkspacePath)
		if err != nil {
			return p.failLog(req, startedAt, seq, err), nil
		}
		completed[name] = true
		p.recordStageMemory(ctx, req, name, outputs)
	}

	finishedAt := time.Now()
	return pmstore.RunLog{
		RunID:           req.RunID,
		WorkItemID:      req.WorkItemID,
		State:           pmstore.StateSucceeded,
		StartedAt:       startedAt.UTC().Format(time.RFC3339),
		FinishedAt:      finishedAt.UTC().Format(time.RFC3339),
		DurationSeconds: finishedAt.Sub(startedAt).Seconds(),
		ExitCode:        0,
		Summary:         "pipeline completed",
		CheckpointCount: seq,
	}, nil
}

func (p *PipelineExecutor) failLog(req pmstore.Request, startedAt time.Time, checkpointCount int, err error) pmstore.RunLog {
	finishedAt := time.Now()
	return pmstore.RunLog{
		RunID:           req.RunID,
		WorkItemID:      req.WorkItemID,
		State:           pmstore.StateFailed,
		StartedAt:       startedAt.UTC().Format(time.RFC3339),
		FinishedAt:      finishedAt.UTC().Format(time.RFC3339),
		DurationSeconds: finishedAt.Sub(startedAt).Seconds(),
		ExitCode:        1,
		Summary:         "pipeline failed",
		Partial:         true,
		CheckpointCount: checkpointCount,
		Error:           err.Error(),
	}
}

func buildStagePrompt(name stage.Name, req pmstore.Request, brief tier2.DivineTruth) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stage: %s\nWork item: %s\nWorkspace: %s\n\n", name, req.WorkItemID, req.WorkspacePath)
	if name == stage.Specify {
		b.WriteString(brief.RawMarkdown)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Respond with a JSON quality-gate object: "+
		`{"stage":"quality-gate-%s","agent":"<name>","issues":[]}`, name)
	return b.String()
}

// recordStageMemory threads a stage's collected agent outputs through the
// guardian pipeline (C3) and persists the result as an overlay memory (C2),
// one memory per (run, stage). A nil overlayDB or empty output set is a
// silent no-op rather than a failed run: memory capture is best-effort.
func (p *PipelineExecutor) recordStageMemory(ctx context.Context, req pmstore.Request, name stage.Name, outputs []stage.AgentOutput) {
	if p.overlayDB == nil {
		return
	}

	var raw strings.Builder
	for _, o := range outputs {
		if o.Err != nil {
			continue
		}
		fmt.Fprintf(&raw, "[%s] %s\n", o.AgentName, o.Raw)
	}
	if raw.Len() == 0 {
		return
	}

	draft := guardian.MemoryDraft{
		RawContent:   raw.String(),
		Tags:         []string{"stage:" + string(name), "run:" + req.RunID},
		AgentTypeTag: "agent:pipeline",
	}
	guarded, err := guardian.ApplyMetadataGuardian(guardian.MetadataConfig{}, draft, time.Now())
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("metadata guardian rejected stage memory", "stage", name, "error", err)
		}
		return
	}
	result := guardian.ApplyTemplateGuardianPassthrough(guarded)

	memoryID := fmt.Sprintf("%s-%s", req.RunID, name)
	if err := p.overlayDB.EnsureMemoryRow(ctx, memoryID, result.Memory.Priority); err != nil {
		if p.logger != nil {
			p.logger.Warn("failed to persist stage memory", "stage", name, "error", err)
		}
		return
	}
	if err := p.overlayDB.UpsertOverlayMemory(ctx, memoryID, string(result.Memory.Kind),
		result.Memory.CreatedAt.UTC().Format(time.RFC3339), result.Memory.Priority, result.Memory.StructuredContent); err != nil {
		if p.logger != nil {
			p.logger.Warn("failed to upsert stage memory", "stage", name, "error", err)
		}
	}
}
