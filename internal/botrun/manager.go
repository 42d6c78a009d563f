// Package botrun implements the bot-run manager (component C5): lifecycle,
// subscription fan-out, cancellation, and resume semantics, grounded on the
// teacher's internal/service/workflow lifecycle idiom generalized from
// agent workflows to bot runs.
package botrun

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/pmstore"
)

// Kind is the bot-run kind.
type Kind string

const (
	KindResearch Kind = "research"
	KindReview   Kind = "review"
)

// CaptureMode controls what is persisted during a run.
type CaptureMode string

const (
	CaptureNone        CaptureMode = "none"
	CapturePromptsOnly CaptureMode = "prompts_only"
	CaptureFullIO      CaptureMode = "full_io"
)

// WriteMode controls whether the run may mutate the workspace.
type WriteMode string

const (
	WriteModeNone      WriteMode = "none"
	WriteModeWorktree  WriteMode = "worktree"
)

// SubmitParams is the input to Submit.
type SubmitParams struct {
	WorkspacePath string
	WorkItemID    string
	Kind          Kind
	CaptureMode   CaptureMode
	WriteMode     WriteMode
	Subscribe     bool
	Trigger       string
}

// Executor performs the actual work of a run. Implementations may run
// synchronously (returning immediately with a terminal outcome, as the
// research/prompts_only path always does — SPEC_FULL.md §9 Open Question 1)
// or spawn background work and report progress via checkpoints.
type Executor interface {
	// Execute runs the work item and returns its terminal outcome. report
	// may be called zero or more times before returning to persist
	// checkpoints.
	Execute(ctx context.Context, req pmstore.Request, report func(pmstore.Checkpoint)) (pmstore.RunLog, error)
}

// SyncStubExecutor is the default Executor: it transitions immediately to
// Succeeded, matching the synchronous-stub path the original service
// preserves for research/prompts_only runs.
type SyncStubExecutor struct{}

// Execute implements Executor.
func (SyncStubExecutor) Execute(ctx context.Context, req pmstore.Request, report func(pmstore.Checkpoint)) (pmstore.RunLog, error) {
	report(pmstore.Checkpoint{RunID: req.RunID, Seq: 0, State: pmstore.StateRunning, Timestamp: nowRFC3339(), Summary: "started"})
	return pmstore.RunLog{
		RunID:           req.RunID,
		WorkItemID:      req.WorkItemID,
		State:           pmstore.StateSucceeded,
		StartedAt:       nowRFC3339(),
		FinishedAt:      nowRFC3339(),
		ExitCode:        0,
		Summary:         "completed synchronously",
		CheckpointCount: 1,
	}, nil
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339) }

// RunRecord is the in-memory record of a submitted run.
type RunRecord struct {
	RunID          string
	Request        pmstore.Request
	State          pmstore.RunState
	LastCheckpoint *pmstore.Checkpoint
	ArtifactURIs   []string
	ExitCode       int
	Summary        string
	StartedAt      time.Time
	ActivityAt     time.Time
}

// Manager owns the in-memory run table and the terminal-notification
// broadcaster.
type Manager struct {
	mu    sync.Mutex
	runs  map[string]*RunRecord
	store *pmstore.Store
	bus   *events.EventBus
	exec  Executor

	startedAt   time.Time
	connections int64
}

// NewManager creates a bot-run manager. bus is the event bus used to
// publish BotTerminalEvent notifications; exec defaults to SyncStubExecutor
// when nil.
func NewManager(store *pmstore.Store, bus *events.EventBus, exec Executor) *Manager {
	if exec == nil {
		exec = SyncStubExecutor{}
	}
	return &Manager{
		runs:      make(map[string]*RunRecord),
		store:     store,
		bus:       bus,
		exec:      exec,
		startedAt: time.Now(),
	}
}

func activeKey(workspace, workItemID string, kind Kind) string {
	return fmt.Sprintf("%s|%s|%s", workspace, workItemID, kind)
}

// Submit validates and registers a new run, executing it via the configured
// Executor (synchronously in-process by default).
func (m *Manager) Submit(ctx context.Context, p SubmitParams) (*RunRecord, error) {
	if p.CaptureMode == CaptureNone {
		return nil, &core.DomainError{
			Category: core.ErrCatValidation,
			Code:     core.CodeCaptureNoneRejected,
			Message:  "capture_mode=none is rejected",
		}
	}

	m.mu.Lock()
	for _, r := range m.runs {
		if r.Request.WorkspacePath == p.WorkspacePath &&
			r.Request.WorkItemID == p.WorkItemID &&
			r.Request.Kind == string(p.Kind) &&
			!r.State.IsTerminal() {
			m.mu.Unlock()
			return nil, core.ErrDuplicate(fmt.Sprintf("Duplicate active run for work item %s", p.WorkItemID))
		}
	}

	runID := uuid.NewString()
	req := pmstore.Request{
		RunID:         runID,
		WorkItemID:    p.WorkItemID,
		WorkspacePath: p.WorkspacePath,
		Kind:          string(p.Kind),
		CaptureMode:   string(p.CaptureMode),
		WriteMode:     string(p.WriteMode),
		RequestedAt:   nowRFC3339(),
		Trigger:       p.Trigger,
	}

	record := &RunRecord{
		RunID:      runID,
		Request:    req,
		State:      pmstore.StateQueued,
		StartedAt:  time.Now(),
		ActivityAt: time.Now(),
	}
	m.runs[runID] = record
	m.mu.Unlock()

	if _, err := m.store.WriteRequest(req, p.WorkspacePath); err != nil {
		return nil, err
	}

	m.transition(record, pmstore.StateRunning)
	m.runExecutor(ctx, record)

	return m.snapshot(record), nil
}

func (m *Manager) runExecutor(ctx context.Context, record *RunRecord) {
	seq := 0
	report := func(cp pmstore.Checkpoint) {
		cp.RunID = record.RunID
		cp.Seq = seq
		seq++
		if _, err := m.store.WriteCheckpoint(cp); err == nil {
			m.mu.Lock()
			c := cp
			record.LastCheckpoint = &c
			m.mu.Unlock()
		}
	}

	log, err := m.exec.Execute(ctx, record.Request, report)
	if err != nil {
		log = pmstore.RunLog{
			RunID:      record.RunID,
			WorkItemID: record.Request.WorkItemID,
			State:      pmstore.StateFailed,
			StartedAt:  nowRFC3339(),
			FinishedAt: nowRFC3339(),
			ExitCode:   1,
			Summary:    "execution error",
			Error:      err.Error(),
		}
	}

	if _, err := m.store.WriteLog(log); err != nil {
		log.Error = log.Error + "; " + err.Error()
	}

	m.mu.Lock()
	record.State = log.State
	record.ExitCode = log.ExitCode
	record.Summary = log.Summary
	m.mu.Unlock()

	uris, _ := m.store.ArtifactURIs(record.RunID)
	m.mu.Lock()
	record.ArtifactURIs = uris
	m.mu.Unlock()

	if m.bus != nil {
		evt := events.NewBotTerminalEvent(record.RunID, record.Request.WorkspacePath, string(log.State), log.ExitCode, log.Summary, uris)
		m.bus.PublishPriority(evt)
	}
}

func (m *Manager) transition(record *RunRecord, state pmstore.RunState) {
	m.mu.Lock()
	record.State = state
	record.ActivityAt = time.Now()
	m.mu.Unlock()
}

func (m *Manager) snapshot(r *RunRecord) *RunRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	return &cp
}

// Status returns runs matching workspace/workItemID (and optionally kind).
func (m *Manager) Status(workspace, workItemID string, kind *Kind) []*RunRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*RunRecord
	for _, r := range m.runs {
		if r.Request.WorkspacePath != workspace || r.Request.WorkItemID != workItemID {
			continue
		}
		if kind != nil && r.Request.Kind != string(*kind) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out
}

// Show returns the full record for runID.
func (m *Manager) Show(runID string) (*RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, core.ErrNotFound("run", runID)
	}
	cp := *r
	return &cp, nil
}

// ListRuns lists runs for a workspace/work-item, most-recent-first, with
// pagination.
func (m *Manager) ListRuns(workspace, workItemID string, limit, offset int) ([]*RunRecord, int) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.Lock()
	var all []*RunRecord
	for _, r := range m.runs {
		if r.Request.WorkspacePath == workspace && r.Request.WorkItemID == workItemID {
			cp := *r
			all = append(all, &cp)
		}
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })
	total := len(all)
	if offset >= total {
		return nil, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total
}

// Cancel transitions a non-terminal run to Cancelled.
func (m *Manager) Cancel(workspace, workItemID, runID string) (*RunRecord, error) {
	m.mu.Lock()
	r, ok := m.runs[runID]
	if !ok {
		m.mu.Unlock()
		return nil, core.ErrNotFound("run", runID)
	}
	if r.State.IsTerminal() {
		m.mu.Unlock()
		return nil, &core.DomainError{Category: core.ErrCatState, Code: core.CodeAlreadyTerminal, Message: "run is already terminal"}
	}
	r.State = pmstore.StateCancelled
	cp := *r
	m.mu.Unlock()

	log := pmstore.RunLog{RunID: runID, WorkItemID: r.Request.WorkItemID, State: pmstore.StateCancelled,
		FinishedAt: nowRFC3339(), Summary: "cancelled by client"}
	_, _ = m.store.WriteLog(log)

	if m.bus != nil {
		uris, _ := m.store.ArtifactURIs(runID)
		m.bus.PublishPriority(events.NewBotTerminalEvent(runID, r.Request.WorkspacePath, string(pmstore.StateCancelled), 0, log.Summary, uris))
	}
	return &cp, nil
}

// Resume reconstructs a run from its last checkpoint after a restart.
func (m *Manager) Resume(runID, workspace string) (*RunRecord, error) {
	req, err := m.store.ReadRequest(runID)
	if err != nil {
		return nil, core.ErrNotFound("run", runID)
	}

	m.mu.Lock()
	r, exists := m.runs[runID]
	if !exists {
		r = &RunRecord{RunID: runID, Request: *req, State: pmstore.StateRunning, StartedAt: time.Now(), ActivityAt: time.Now()}
		m.runs[runID] = r
	}
	cp := *r
	m.mu.Unlock()
	return &cp, nil
}

// SubscribeTerminal returns a channel of terminal notifications for a
// specific run (filtered from the shared bus by run id as the "project").
func (m *Manager) SubscribeTerminal(runID string) (<-chan events.Event, func()) {
	ch := m.bus.SubscribeForProjectWithPriority(runID, events.BotTerminalEventType)
	return ch, func() { m.bus.Unsubscribe(ch) }
}

// ActiveRunCount returns the number of non-terminal runs.
func (m *Manager) ActiveRunCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.runs {
		if !r.State.IsTerminal() {
			n++
		}
	}
	return n
}

// ActiveWorkspaces returns the distinct workspace paths with non-terminal
// runs.
func (m *Manager) ActiveWorkspaces() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, r := range m.runs {
		if !r.State.IsTerminal() && !seen[r.Request.WorkspacePath] {
			seen[r.Request.WorkspacePath] = true
			out = append(out, r.Request.WorkspacePath)
		}
	}
	sort.Strings(out)
	return out
}

// UptimeS returns service uptime in seconds.
func (m *Manager) UptimeS() float64 {
	return time.Since(m.startedAt).Seconds()
}

// TouchActivity updates the last-activity timestamp for a run.
func (m *Manager) TouchActivity(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[runID]; ok {
		r.ActivityAt = time.Now()
	}
}

// IncConnections/DecConnections track the IPC connection gauge.
func (m *Manager) IncConnections() { m.mu.Lock(); m.connections++; m.mu.Unlock() }
func (m *Manager) DecConnections() { m.mu.Lock(); m.connections--; m.mu.Unlock() }

// Connections returns the current connection gauge value.
func (m *Manager) Connections() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connections
}
