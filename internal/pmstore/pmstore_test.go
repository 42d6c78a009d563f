package pmstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	capsule := NewLocalCapsuleStore(filepath.Join(dir, "capsule"))
	return New(filepath.Join(dir, "runs"), capsule)
}

func TestWriteRequestReadRequestRoundTrip(t *testing.T) {
	s := newTestStore(t)
	req := Request{
		RunID:       "run-1",
		WorkItemID:  "SPEC-TEST-001",
		Kind:        "research",
		CaptureMode: "prompts_only",
		RequestedAt: "2026-01-01T00:00:00Z",
	}

	uri, err := s.WriteRequest(req, "/tmp/workspace")
	require.NoError(t, err)
	assert.Equal(t, "pm://runs/run-1/request", uri)

	got, err := s.ReadRequest("run-1")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/workspace", got.WorkspacePath)
	assert.Equal(t, req.WorkItemID, got.WorkItemID)
}

func TestWriteRequestWritesMeta(t *testing.T) {
	s := newTestStore(t)
	req := Request{RunID: "run-meta", WorkItemID: "SPEC-TEST-002", RequestedAt: "2026-01-02T00:00:00Z"}

	_, err := s.WriteRequest(req, "/tmp/workspace")
	require.NoError(t, err)

	meta, err := s.ReadMeta("run-meta")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, metaSchemaVersion, meta.SchemaVersion)
	assert.Equal(t, req.RequestedAt, meta.CreatedAt)
}

func TestReadMetaAbsentReturnsNilNotError(t *testing.T) {
	s := newTestStore(t)
	meta, err := s.ReadMeta("never-existed")
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestReadRequestNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReadRequest("missing")
	require.Error(t, err)
}

func TestWriteLogReadLogRoundTrip(t *testing.T) {
	s := newTestStore(t)
	log := RunLog{RunID: "run-2", State: StateSucceeded, Summary: "done"}
	uri, err := s.WriteLog(log)
	require.NoError(t, err)
	assert.Equal(t, "pm://runs/run-2/log", uri)

	got, err := s.ReadLog("run-2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StateSucceeded, got.State)
}

func TestReadLogAbsentReturnsNilNotError(t *testing.T) {
	s := newTestStore(t)
	got, err := s.ReadLog("never-existed")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCheckpointsMonotonicAndToleratesRewrite(t *testing.T) {
	s := newTestStore(t)
	for seq := 0; seq < 3; seq++ {
		_, err := s.WriteCheckpoint(Checkpoint{RunID: "run-3", Seq: seq, State: StateRunning})
		require.NoError(t, err)
	}
	// Re-writing the same seq is tolerated (last write wins).
	_, err := s.WriteCheckpoint(Checkpoint{RunID: "run-3", Seq: 2, State: StateRunning, Summary: "updated"})
	require.NoError(t, err)

	uris, err := s.ArtifactURIs("run-3")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"pm://runs/run-3/checkpoint/0",
		"pm://runs/run-3/checkpoint/1",
		"pm://runs/run-3/checkpoint/2",
	}, uris)
}

func TestArtifactURIsCanonicalOrder(t *testing.T) {
	s := newTestStore(t)
	_, err := s.WriteRequest(Request{RunID: "run-4"}, "/tmp/ws")
	require.NoError(t, err)
	_, err = s.WriteCheckpoint(Checkpoint{RunID: "run-4", Seq: 0})
	require.NoError(t, err)
	_, err = s.WriteLog(RunLog{RunID: "run-4", State: StateSucceeded})
	require.NoError(t, err)

	uris, err := s.ArtifactURIs("run-4")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"pm://runs/run-4/request",
		"pm://runs/run-4/checkpoint/0",
		"pm://runs/run-4/log",
	}, uris)
}

func TestScanIncompleteSkipsTerminalRuns(t *testing.T) {
	s := newTestStore(t)

	_, err := s.WriteRequest(Request{RunID: "incomplete-1", WorkspacePath: "/ws/a"}, "/ws/a")
	require.NoError(t, err)
	_, err = s.WriteCheckpoint(Checkpoint{RunID: "incomplete-1", Seq: 0, State: StateRunning})
	require.NoError(t, err)

	_, err = s.WriteRequest(Request{RunID: "complete-1", WorkspacePath: "/ws/b"}, "/ws/b")
	require.NoError(t, err)
	_, err = s.WriteLog(RunLog{RunID: "complete-1", State: StateSucceeded})
	require.NoError(t, err)

	incomplete, err := s.ScanIncomplete()
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	assert.Equal(t, "incomplete-1", incomplete[0].RunID)
	require.NotNil(t, incomplete[0].LastCheckpoint)
	assert.Equal(t, 0, incomplete[0].LastCheckpoint.Seq)
}

func TestCapsuleWriteIsContentAddressed(t *testing.T) {
	dir := t.TempDir()
	c := NewLocalCapsuleStore(dir)
	digest1, err := c.Put("run-5", "request.json", []byte(`{"a":1}`))
	require.NoError(t, err)
	digest2, err := c.Put("run-5", "request.json", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, digest1, digest2)

	data, ok, err := c.Get("run-5", "request.json")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(data))
}
