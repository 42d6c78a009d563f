// Package pmstore implements the local-cache and capsule persistence layer
// for bot runs (component C1). Every artifact is written atomically via
// write-to-temp-then-rename so readers never observe a partial file.
package pmstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
)

// RunState mirrors the bot-run lifecycle states from SPEC_FULL.md §3.
type RunState string

const (
	StateQueued         RunState = "queued"
	StateRunning        RunState = "running"
	StateSucceeded      RunState = "succeeded"
	StateFailed         RunState = "failed"
	StateBlocked        RunState = "blocked"
	StateCancelled      RunState = "cancelled"
	StateNeedsAttention RunState = "needs_attention"
)

// IsTerminal reports whether a state is absorbing.
func (s RunState) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateBlocked, StateCancelled, StateNeedsAttention:
		return true
	default:
		return false
	}
}

// Request is the persisted form of a submitted bot-run request.
type Request struct {
	RunID         string `json:"run_id"`
	WorkItemID    string `json:"work_item_id"`
	WorkspacePath string `json:"workspace_path"`
	Kind          string `json:"kind"`
	CaptureMode   string `json:"capture_mode"`
	WriteMode     string `json:"write_mode"`
	RequestedAt   string `json:"requested_at"`
	Trigger       string `json:"trigger,omitempty"`
}

// Checkpoint is a monotonic progress record for a run.
type Checkpoint struct {
	RunID     string   `json:"run_id"`
	Seq       int      `json:"seq"`
	State     RunState `json:"state"`
	Timestamp string   `json:"timestamp"`
	Summary   string   `json:"summary"`
	Percent   *float64 `json:"percent,omitempty"`
	Phase     string   `json:"phase,omitempty"`
}

// RunLog is the terminal record for a run, written exactly once.
type RunLog struct {
	RunID           string   `json:"run_id"`
	WorkItemID      string   `json:"work_item_id"`
	State           RunState `json:"state"`
	StartedAt       string   `json:"started_at"`
	FinishedAt      string   `json:"finished_at"`
	DurationSeconds float64  `json:"duration_seconds"`
	ExitCode        int      `json:"exit_code"`
	Summary         string   `json:"summary"`
	Partial         bool     `json:"partial"`
	CheckpointCount int      `json:"checkpoint_count"`
	Error           string   `json:"error,omitempty"`
}

// IncompleteRun is returned by ScanIncomplete for runs that have a request
// but no terminal log.
type IncompleteRun struct {
	RunID          string
	Request        Request
	WorkspacePath  string
	LastCheckpoint *Checkpoint
}

// metaSchemaVersion is bumped whenever RunMeta's shape changes in a way a
// reader needs to branch on.
const metaSchemaVersion = 1

// RunMeta is written alongside the request on submit, separately so the
// request body itself can stay a pure echo of what the caller submitted.
// ScanIncomplete tolerates a missing meta.json (pre-upgrade runs).
type RunMeta struct {
	SchemaVersion int    `json:"schema_version"`
	CreatedAt     string `json:"created_at"`
}

const (
	fileRequest = "request.json"
	fileMeta    = "meta.json"
	fileLog     = "log.json"
	fileReport  = "report.json"
	filePatch   = "patch_bundle.json"
	fileConflict = "conflict_summary.json"
)

// Store is the local-cache persistence layer. It is safe for concurrent use;
// every write is a temp-file-then-rename so concurrent readers only ever see
// whole files.
type Store struct {
	baseDir string
	capsule CapsuleStore
}

// New creates a Store rooted at baseDir (typically
// "<user-data-dir>/codex-pm/runs"). The directory is created lazily per run.
func New(baseDir string, capsule CapsuleStore) *Store {
	return &Store{baseDir: baseDir, capsule: capsule}
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.baseDir, runID)
}

func (s *Store) artifactPath(runID, name string) string {
	return filepath.Join(s.runDir(runID), name)
}

func writeJSONAtomic(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return core.ErrInfra("MKDIR_FAILED", "creating artifact directory").WithCause(err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return core.ErrInfra("SERIALIZE_FAILED", "serializing artifact").WithCause(err)
	}
	if err := renameio.WriteFile(path, data, 0o640); err != nil {
		return core.ErrInfra("WRITE_FAILED", "writing artifact atomically").WithCause(err)
	}
	return nil
}

func readJSON(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, core.ErrInfra("READ_FAILED", "reading artifact").WithCause(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, core.ErrInfra("DESERIALIZE_FAILED", "decoding artifact").WithCause(err)
	}
	return true, nil
}

// WriteRequest persists the initial request artifact, both locally and
// (best-effort) to the capsule store, along with a meta.json recording the
// schema version and creation time. A capsule write failure degrades to a
// warning and never fails the call.
func (s *Store) WriteRequest(req Request, workspacePath string) (string, error) {
	req.WorkspacePath = workspacePath
	path := s.artifactPath(req.RunID, fileRequest)
	if err := writeJSONAtomic(path, req); err != nil {
		return "", err
	}
	s.writeCapsuleBestEffort(req.RunID, fileRequest, req)

	meta := RunMeta{SchemaVersion: metaSchemaVersion, CreatedAt: req.RequestedAt}
	metaPath := s.artifactPath(req.RunID, fileMeta)
	if err := writeJSONAtomic(metaPath, meta); err != nil {
		return "", err
	}
	s.writeCapsuleBestEffort(req.RunID, fileMeta, meta)

	return LocalURI(req.RunID, "request"), nil
}

// ReadMeta reads the meta artifact, returning (nil, nil) when absent (older
// runs written before meta.json existed, or a missing-meta recovery case per
// SPEC_FULL.md §4.1).
func (s *Store) ReadMeta(runID string) (*RunMeta, error) {
	var meta RunMeta
	ok, err := readJSON(s.artifactPath(runID, fileMeta), &meta)
	if err != nil || !ok {
		return nil, err
	}
	return &meta, nil
}

// WriteCheckpoint persists a checkpoint. Callers are assumed to supply a
// monotonically increasing seq per run; re-writing the same seq is
// tolerated (last write wins).
func (s *Store) WriteCheckpoint(cp Checkpoint) (string, error) {
	name := fmt.Sprintf("checkpoint-%d.json", cp.Seq)
	path := s.artifactPath(cp.RunID, name)
	if err := writeJSONAtomic(path, cp); err != nil {
		return "", err
	}
	s.writeCapsuleBestEffort(cp.RunID, name, cp)
	return LocalURI(cp.RunID, fmt.Sprintf("checkpoint/%d", cp.Seq)), nil
}

// WriteLog persists the terminal log for a run. Must only be called once per
// run, at the terminal transition.
func (s *Store) WriteLog(log RunLog) (string, error) {
	path := s.artifactPath(log.RunID, fileLog)
	if err := writeJSONAtomic(path, log); err != nil {
		return "", err
	}
	s.writeCapsuleBestEffort(log.RunID, fileLog, log)
	return LocalURI(log.RunID, "log"), nil
}

func (s *Store) writeCapsuleBestEffort(runID, name string, v interface{}) {
	if s.capsule == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	// Capsule write failures never fail the caller; they are logged upstream
	// by whichever component invoked us (SPEC_FULL.md §4.1).
	_ = s.capsule.Put(runID, name, data)
}

// ReadRequest reads the request artifact. Returns core.ErrNotFound when
// absent, matching the spec's explicit NotFound-for-request semantics.
func (s *Store) ReadRequest(runID string) (*Request, error) {
	var req Request
	ok, err := readJSON(s.artifactPath(runID, fileRequest), &req)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.ErrNotFound("request", runID)
	}
	return &req, nil
}

// ReadLog reads the terminal log, returning (nil, nil) when absent.
func (s *Store) ReadLog(runID string) (*RunLog, error) {
	var log RunLog
	ok, err := readJSON(s.artifactPath(runID, fileLog), &log)
	if err != nil || !ok {
		return nil, err
	}
	return &log, nil
}

// ReadReport reads the report artifact, returning (nil, nil) when absent.
func (s *Store) ReadReport(runID string) (json.RawMessage, error) {
	var raw json.RawMessage
	ok, err := readJSON(s.artifactPath(runID, fileReport), &raw)
	if err != nil || !ok {
		return nil, err
	}
	return raw, nil
}

// ScanIncomplete enumerates run directories whose request.json exists and
// whose log.json is either absent or non-terminal, used for crash recovery
// on startup.
func (s *Store) ScanIncomplete() ([]IncompleteRun, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, core.ErrInfra("SCAN_FAILED", "scanning run directory").WithCause(err)
	}

	var out []IncompleteRun
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		runID := entry.Name()
		req, err := s.ReadRequest(runID)
		if err != nil {
			continue // no request.json: not a run directory, or unreadable
		}
		logRec, err := s.ReadLog(runID)
		if err != nil {
			return nil, err
		}
		if logRec != nil && logRec.State.IsTerminal() {
			continue
		}
		cp := s.lastCheckpoint(runID)
		out = append(out, IncompleteRun{
			RunID:          runID,
			Request:        *req,
			WorkspacePath:  req.WorkspacePath,
			LastCheckpoint: cp,
		})
	}
	return out, nil
}

func (s *Store) lastCheckpoint(runID string) *Checkpoint {
	entries, err := os.ReadDir(s.runDir(runID))
	if err != nil {
		return nil
	}
	best := -1
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "checkpoint-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		seqStr := strings.TrimSuffix(strings.TrimPrefix(name, "checkpoint-"), ".json")
		seq, err := strconv.Atoi(seqStr)
		if err != nil {
			continue
		}
		if seq > best {
			best = seq
		}
	}
	if best < 0 {
		return nil
	}
	var cp Checkpoint
	if ok, err := readJSON(s.artifactPath(runID, fmt.Sprintf("checkpoint-%d.json", best)), &cp); err != nil || !ok {
		return nil
	}
	return &cp
}

// ArtifactURIs returns the URIs for all artifacts present for a run, in the
// stable canonical order: request, checkpoints (seq order), log, report,
// patch_bundle, conflict_summary.
func (s *Store) ArtifactURIs(runID string) ([]string, error) {
	entries, err := os.ReadDir(s.runDir(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, core.ErrInfra("SCAN_FAILED", "listing run artifacts").WithCause(err)
	}

	present := make(map[string]bool)
	var checkpointSeqs []int
	for _, e := range entries {
		name := e.Name()
		present[name] = true
		if strings.HasPrefix(name, "checkpoint-") && strings.HasSuffix(name, ".json") {
			seqStr := strings.TrimSuffix(strings.TrimPrefix(name, "checkpoint-"), ".json")
			if seq, err := strconv.Atoi(seqStr); err == nil {
				checkpointSeqs = append(checkpointSeqs, seq)
			}
		}
	}
	sort.Ints(checkpointSeqs)

	var uris []string
	if present[fileRequest] {
		uris = append(uris, LocalURI(runID, "request"))
	}
	for _, seq := range checkpointSeqs {
		uris = append(uris, LocalURI(runID, fmt.Sprintf("checkpoint/%d", seq)))
	}
	if present[fileLog] {
		uris = append(uris, LocalURI(runID, "log"))
	}
	if present[fileReport] {
		uris = append(uris, LocalURI(runID, "report"))
	}
	if present[filePatch] {
		uris = append(uris, LocalURI(runID, "patch_bundle"))
	}
	if present[fileConflict] {
		uris = append(uris, LocalURI(runID, "conflict_summary"))
	}
	return uris, nil
}

// LocalURI builds the opaque pm:// artifact URI for a run component.
func LocalURI(runID, component string) string {
	return fmt.Sprintf("pm://runs/%s/%s", runID, component)
}

// CapsuleURI builds the opaque mv2:// artifact URI for a capsule artifact.
func CapsuleURI(runID, name string) string {
	return fmt.Sprintf("mv2://default/pm/%s/artifact/%s", runID, name)
}
