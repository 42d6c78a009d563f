// Package stage implements the stage orchestrator (component C7): the
// pipeline driver for a single spec-id, generalized from the teacher's
// internal/service WorkflowRunner phase-sequencing idiom to the
// specify/clarify/plan/tasks/analyze/checklist/implement/audit/unlock
// stage set.
package stage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/control"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/extract"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/logging"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/pmconfig"
)

// Name identifies a stage.
type Name string

const (
	Specify   Name = "specify"
	Clarify   Name = "clarify"
	Plan      Name = "plan"
	Tasks     Name = "tasks"
	Analyze   Name = "analyze"
	Checklist Name = "checklist"
	Implement Name = "implement"
	Audit     Name = "audit"
	Unlock    Name = "unlock"
)

// Effort is the per-stage reasoning-effort tier.
type Effort string

const (
	EffortMinimal Effort = "minimal"
	EffortMedium  Effort = "medium"
	EffortHigh    Effort = "high"
)

// baselineEffort mirrors SPEC_FULL.md §4.7's per-stage baseline table.
var baselineEffort = map[Name]Effort{
	Specify:   EffortMinimal,
	Validate:  EffortMinimal,
	Unlock:    EffortMinimal,
	Plan:      EffortMedium,
	Tasks:     EffortMedium,
	Audit:     EffortMedium,
	Implement: EffortMedium,
	Clarify:   EffortMinimal,
	Analyze:   EffortMinimal,
	Checklist: EffortMinimal,
}

// Validate is an alias stage name used only for the baseline-effort table;
// the pipeline itself does not schedule a stage by this name (kept to
// mirror SPEC_FULL.md's "Specify/Validate/Unlock -> Minimal" grouping
// without introducing a tenth schedulable stage).
const Validate Name = "validate"

const largeInputContextThreshold = 24000

// crossCuttingKeywords trigger enhanced ACE context on an implement stage.
var crossCuttingKeywords = []string{
	"refactor", "migrate", "rename", "cross-cutting", "monorepo", "multi-module", "restructure",
}

// State is the orchestrator's lifecycle state machine value.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateAwaitGate State = "await_gate"
	StateDone      State = "done"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// PhaseTransition is emitted on every state-machine transition.
type PhaseTransition struct {
	FromPhase string
	ToPhase   string
	Stage     Name
	Trigger   string
}

// AgentOutput is one agent's raw output plus its extracted JSON.
type AgentOutput struct {
	AgentName string
	Raw       string
	Extracted *extract.Result
	Err       error
}

// Agent executes one stage's prompt for one configured agent.
type Agent interface {
	Run(ctx context.Context, stageName Name, effort Effort, prompt string) (string, error)
}

// PrerequisiteMatrix reports, for a stage, which prior stages are hard and
// soft prerequisites.
type PrerequisiteMatrix map[Name]struct {
	Hard []Name
	Soft []Name
}

// DefaultPrerequisites is the §3 prerequisite matrix.
var DefaultPrerequisites = PrerequisiteMatrix{
	Clarify:   {Hard: []Name{Specify}},
	Plan:      {Hard: []Name{Specify}, Soft: []Name{Clarify}},
	Tasks:     {Hard: []Name{Plan}},
	Analyze:   {Soft: []Name{Tasks}},
	Checklist: {Soft: []Name{Tasks}},
	Implement: {Hard: []Name{Tasks}},
	Audit:     {Hard: []Name{Implement}},
	Unlock:    {},
}

// RerunCache is a bounded, branch-keyed FNV-1a fingerprint cache used to
// detect reruns for ACE-context escalation (SPEC_FULL.md §4.7/§9: FNV-1a
// substitutes for the original's Blake3).
type RerunCache struct {
	mu       sync.Mutex
	perBranch map[string][]uint64
	capacity  int
}

// NewRerunCache creates a cache with the §9 size-100, 20%-eviction-on-overflow policy.
func NewRerunCache() *RerunCache {
	return &RerunCache{perBranch: make(map[string][]uint64), capacity: 100}
}

// SeenBefore records fingerprint and reports whether it was already present
// for branch.
func (c *RerunCache) SeenBefore(branch string, fingerprint uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.perBranch[branch]
	for _, f := range entries {
		if f == fingerprint {
			return true
		}
	}
	entries = append(entries, fingerprint)
	if len(entries) > c.capacity {
		evict := len(entries) / 5
		if evict < 1 {
			evict = 1
		}
		entries = entries[evict:]
	}
	c.perBranch[branch] = entries
	return false
}

// Fingerprint computes the FNV-1a rerun-detection hash of a stage
// invocation, per SPEC_FULL.md §4.7.
func Fingerprint(command, branch, text string, files []string) uint64 {
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)
	key := strings.ToLower(command) + "|" + branch + "|" + canonicalize(text) + "|" + strings.Join(sorted, ",")
	return fnv1a(key)
}

func canonicalize(s string) string {
	fields := strings.Fields(s)
	return strings.ToLower(strings.Join(fields, " "))
}

// fnv1a implements the 64-bit FNV-1a hash (stdlib hash/fnv provides this;
// inlined here so Fingerprint can stay allocation-free for the common
// single-string case).
func fnv1a(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

// RoutingDecision is the per-stage effort/context decision from step 3.
type RoutingDecision struct {
	Effort              Effort
	LargeInputContext   bool
	EnhancedACEContext  bool
}

// RouteStage implements SPEC_FULL.md §4.7 step 3.
func RouteStage(name Name, cfg *pmconfig.PipelineConfig, promptLen int, retryAfterConflict bool,
	aceEnabled bool, rerunDetected bool, priorFailure bool, filesChanged int, title string, threshold int) RoutingDecision {

	effort := baselineEffort[name]
	if sc, ok := cfg.Stages[string(name)]; ok && sc.Effort != "" {
		effort = Effort(sc.Effort)
	}
	if retryAfterConflict {
		effort = EffortHigh
	}

	decision := RoutingDecision{Effort: effort}
	if promptLen >= largeInputContextThreshold {
		decision.LargeInputContext = true
	}

	if name == Implement && aceEnabled {
		crossCutting := containsAny(strings.ToLower(title), crossCuttingKeywords)
		if rerunDetected || priorFailure || filesChanged > threshold || crossCutting {
			decision.EnhancedACEContext = true
		}
	}
	return decision
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// Orchestrator drives a pipeline run for one spec id.
type Orchestrator struct {
	cfg        *pmconfig.PipelineConfig
	prereqs    PrerequisiteMatrix
	rerunCache *RerunCache
	bus        *events.EventBus
	logger     *logging.Logger
	agents     map[string]Agent
	ctrl       *control.ControlPlane

	mu    sync.Mutex
	state State
}

// NewOrchestrator creates a stage orchestrator. ctrl may be nil, in which
// case RunQualityGate escalates every non-low-severity issue immediately
// instead of blocking on human-in-the-loop approval.
func NewOrchestrator(cfg *pmconfig.PipelineConfig, bus *events.EventBus, logger *logging.Logger, agents map[string]Agent) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		prereqs:    DefaultPrerequisites,
		rerunCache: NewRerunCache(),
		bus:        bus,
		logger:     logger,
		agents:     agents,
		ctrl:       control.New(),
		state:      StateIdle,
	}
}

// Cancel requests cooperative cancellation of the in-flight run via the
// shared control plane (teacher's internal/control/plane.go).
func (o *Orchestrator) Cancel() {
	o.ctrl.Cancel()
	o.transition(string(o.state), string(StateCancelled), "", "cancel_requested")
}

// Pause/Resume delegate directly to the control plane, matching the
// teacher's workflow pause/resume semantics.
func (o *Orchestrator) Pause()  { o.ctrl.Pause() }
func (o *Orchestrator) Resume() { o.ctrl.Resume() }

// QualityIssue is one finding surfaced at a stage's quality-gate checkpoint
// (Pre-planning/clarify, Post-plan/checklist, Post-tasks/analyze per
// SPEC_FULL.md §4.7 step 5).
type QualityIssue struct {
	Severity string // "low", "medium", "high"
	Stage    Name
	Message  string
}

// QualityGateResult partitions a checkpoint's issues into those resolved
// automatically and those escalated for human-in-the-loop approval.
type QualityGateResult struct {
	Resolved  []QualityIssue
	Escalated []QualityIssue
}

// RunQualityGate implements SPEC_FULL.md §4.7 step 5: low-severity issues
// auto-resolve when quality gates are enabled; everything else is escalated
// through the control plane's RequestUserInput, which blocks the stage
// (StateAwaitGate) until the operator approves or rejects.
func (o *Orchestrator) RunQualityGate(ctx context.Context, stageName Name, issues []QualityIssue) (QualityGateResult, error) {
	var result QualityGateResult
	if !o.cfg.QualityGatesOn {
		result.Escalated = issues
		return result, nil
	}

	for i, issue := range issues {
		if issue.Severity == "low" {
			result.Resolved = append(result.Resolved, issue)
			if o.logger != nil {
				o.logger.Info("quality gate auto-resolved issue", "stage", stageName, "message", issue.Message)
			}
			continue
		}

		if o.ctrl == nil {
			result.Escalated = append(result.Escalated, issue)
			continue
		}

		o.transition(string(o.state), string(StateAwaitGate), stageName, "quality_gate_escalation")
		resp, err := o.ctrl.RequestUserInput(ctx, control.InputRequest{
			ID:      fmt.Sprintf("%s-gate-%d", stageName, i),
			Prompt:  issue.Message,
			Context: string(stageName),
			Options: []string{"approve", "reject"},
		})
		if err != nil || resp.Cancelled || resp.Input != "approve" {
			result.Escalated = append(result.Escalated, issue)
			continue
		}
		result.Resolved = append(result.Resolved, issue)
	}
	return result, nil
}

// CheckPrerequisites validates the §3 matrix for an enabled stage. When
// strictPrereqs, a missing hard prerequisite is an error; otherwise it is
// reported as a warning only.
func (o *Orchestrator) CheckPrerequisites(name Name, completed map[Name]bool, strictPrereqs bool) (warnings []string, err error) {
	req, ok := o.prereqs[name]
	if !ok {
		return nil, nil
	}
	for _, hard := range req.Hard {
		if !completed[hard] {
			msg := fmt.Sprintf("stage %s requires %s to have completed first", name, hard)
			if strictPrereqs {
				return warnings, core.ErrValidation("MISSING_PREREQUISITE", msg)
			}
			warnings = append(warnings, msg)
		}
	}
	for _, soft := range req.Soft {
		if !completed[soft] {
			warnings = append(warnings, fmt.Sprintf("stage %s recommends %s first", name, soft))
		}
	}
	return warnings, nil
}

// RunStage executes one stage: fans the prompt out to every configured
// agent via errgroup (teacher's workflow.go concurrent-task idiom), then
// runs the JSON extraction cascade over each agent's raw output.
func (o *Orchestrator) RunStage(ctx context.Context, name Name, effort Effort, prompt, workspacePath string) ([]AgentOutput, error) {
	if err := o.ctrl.CheckCancelled(); err != nil {
		return nil, err
	}
	if err := o.ctrl.WaitIfPaused(ctx); err != nil {
		return nil, err
	}

	o.transition(string(o.state), string(StateRunning), name, "stage_start")

	var mu sync.Mutex
	outputs := make([]AgentOutput, 0, len(o.agents))

	g, gctx := errgroup.WithContext(ctx)
	for agentName, agent := range o.agents {
		agentName, agent := agentName, agent
		g.Go(func() error {
			if err := o.ctrl.CheckCancelled(); err != nil {
				return err
			}
			raw, err := agent.Run(gctx, name, effort, prompt)
			out := AgentOutput{AgentName: agentName, Raw: raw, Err: err}
			if err == nil {
				if result, extractErr := extract.ExtractJSONRobust(raw); extractErr == nil {
					out.Extracted = result
				}
			}
			mu.Lock()
			outputs = append(outputs, out)
			mu.Unlock()
			if o.bus != nil {
				o.bus.Publish(events.NewBaseEventLegacy("agent.complete", string(name)))
			}
			return err
		})
	}

	err := g.Wait()
	if err != nil {
		o.transition(string(StateRunning), string(StateFailed), name, "stage_failed")
	} else {
		o.transition(string(StateRunning), string(StateDone), name, "stage_complete")
	}
	return outputs, err
}

func (o *Orchestrator) transition(from, to string, stage Name, trigger string) {
	o.mu.Lock()
	o.state = State(to)
	o.mu.Unlock()
	if o.logger != nil {
		o.logger.Info("phase transition", "from", from, "to", to, "stage", stage, "trigger", trigger)
	}
	if o.bus != nil {
		o.bus.Publish(events.NewBaseEventLegacy("phase.transition", string(stage)))
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}
