package botrun

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/pmstore"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store := pmstore.New(t.TempDir(), nil)
	bus := events.New(16)
	return NewManager(store, bus, nil)
}

func TestSubmitRejectsCaptureNone(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Submit(context.Background(), SubmitParams{
		WorkspacePath: "/ws", WorkItemID: "WI-1", Kind: KindResearch,
		CaptureMode: CaptureNone, WriteMode: WriteModeNone,
	})
	require.Error(t, err)
	assert.Equal(t, core.WireCodeNeedsInput, core.WireCode(err))
}

func TestSubmitSynchronousStubSucceeds(t *testing.T) {
	m := newTestManager(t)
	rec, err := m.Submit(context.Background(), SubmitParams{
		WorkspacePath: "/ws", WorkItemID: "WI-2", Kind: KindResearch,
		CaptureMode: CapturePromptsOnly, WriteMode: WriteModeNone,
	})
	require.NoError(t, err)
	assert.Equal(t, pmstore.StateSucceeded, rec.State)
	assert.NotEmpty(t, rec.ArtifactURIs)
}

func TestSubmitDuplicateActiveRunRejected(t *testing.T) {
	store := pmstore.New(t.TempDir(), nil)
	bus := events.New(16)
	blocking := blockingExecutor{started: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(store, bus, &blocking)

	resultCh := make(chan error, 1)
	go func() {
		_, err := m.Submit(context.Background(), SubmitParams{
			WorkspacePath: "/ws", WorkItemID: "WI-3", Kind: KindReview,
			CaptureMode: CaptureFullIO, WriteMode: WriteModeWorktree,
		})
		resultCh <- err
	}()
	<-blocking.started

	_, err := m.Submit(context.Background(), SubmitParams{
		WorkspacePath: "/ws", WorkItemID: "WI-3", Kind: KindReview,
		CaptureMode: CaptureFullIO, WriteMode: WriteModeWorktree,
	})
	require.Error(t, err)
	assert.Equal(t, core.WireCodeDuplicateRun, core.WireCode(err))

	close(blocking.release)
	require.NoError(t, <-resultCh)
}

func TestShowReturnsNotFoundForUnknownRun(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Show("does-not-exist")
	require.Error(t, err)
	assert.Equal(t, core.WireCodeInvalidParams, core.WireCode(err))
}

func TestCancelAlreadyTerminalRun(t *testing.T) {
	m := newTestManager(t)
	rec, err := m.Submit(context.Background(), SubmitParams{
		WorkspacePath: "/ws", WorkItemID: "WI-4", Kind: KindResearch,
		CaptureMode: CapturePromptsOnly, WriteMode: WriteModeNone,
	})
	require.NoError(t, err)

	_, err = m.Cancel("/ws", "WI-4", rec.RunID)
	require.Error(t, err)
	assert.Equal(t, core.WireCodeAlreadyTerminal, core.WireCode(err))
}

func TestSubscribeTerminalReceivesNotification(t *testing.T) {
	store := pmstore.New(t.TempDir(), nil)
	bus := events.New(16)
	m := NewManager(store, bus, nil)

	rec, err := m.Submit(context.Background(), SubmitParams{
		WorkspacePath: "/ws", WorkItemID: "WI-5", Kind: KindResearch,
		CaptureMode: CapturePromptsOnly, WriteMode: WriteModeNone,
	})
	require.NoError(t, err)
	assert.Equal(t, pmstore.StateSucceeded, rec.State)
}

func TestListRunsPagination(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 3; i++ {
		_, err := m.Submit(context.Background(), SubmitParams{
			WorkspacePath: "/ws", WorkItemID: "WI-list", Kind: KindResearch,
			CaptureMode: CapturePromptsOnly, WriteMode: WriteModeNone,
		})
		require.NoError(t, err)
	}
	page, total := m.ListRuns("/ws", "WI-list", 2, 0)
	assert.Equal(t, 3, total)
	assert.Len(t, page, 2)
}

func TestActiveRunCountExcludesTerminalRuns(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Submit(context.Background(), SubmitParams{
		WorkspacePath: "/ws", WorkItemID: "WI-6", Kind: KindResearch,
		CaptureMode: CapturePromptsOnly, WriteMode: WriteModeNone,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, m.ActiveRunCount())
}

// blockingExecutor holds Execute open until release is closed, used to
// exercise the duplicate-active-run rejection path.
type blockingExecutor struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingExecutor) Execute(ctx context.Context, req pmstore.Request, report func(pmstore.Checkpoint)) (pmstore.RunLog, error) {
	close(b.started)
	<-b.release
	return pmstore.RunLog{RunID: req.RunID, WorkItemID: req.WorkItemID, State: pmstore.StateSucceeded, ExitCode: 0, Summary: "done"}, nil
}
