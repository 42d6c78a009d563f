// Package overlay implements the SQLite-backed overlay database (component
// C2): memory lifecycle, Tier-2 synthesis cache, cache/memory dependency
// tracking, and the librarian audit trail. It follows the teacher's
// dual-connection SQLite convention (single write connection under WAL,
// separate read-only pool) even though the teacher's own copy does not ship
// its migrations directory in this workspace.
package overlay

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_overlay_memories.sql
var migrationMemories string

//go:embed migrations/002_tier2_cache.sql
var migrationTier2Cache string

//go:embed migrations/003_librarian_audit.sql
var migrationLibrarian string

// DB is the overlay store. All mutating operations are serialized through
// the single write connection; reads may use the read-only pool.
type DB struct {
	writeDB *sql.DB
	readDB  *sql.DB
	mu      sync.Mutex

	maxRetries    int
	baseRetryWait time.Duration
}

// Open creates (or re-opens) the overlay database at path, applying
// migrations idempotently.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, core.ErrInfra("MKDIR_FAILED", "creating overlay directory").WithCause(err)
		}
	}

	writeDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, core.ErrInfra("SQLITE_OPEN_FAILED", "opening overlay write connection").WithCause(err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	readDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&mode=ro&_pragma=busy_timeout(1000)")
	if err != nil {
		_ = writeDB.Close()
		return nil, core.ErrInfra("SQLITE_OPEN_FAILED", "opening overlay read connection").WithCause(err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		writeDB:       writeDB,
		readDB:        readDB,
		maxRetries:    5,
		baseRetryWait: 100 * time.Millisecond,
	}
	if err := db.migrate(); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, err
	}
	return db, nil
}

// Close closes both connections.
func (d *DB) Close() error {
	var errs []error
	if d.readDB != nil {
		if err := d.readDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.writeDB != nil {
		if err := d.writeDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (d *DB) migrate() error {
	for _, stmt := range []string{migrationMemories, migrationTier2Cache, migrationLibrarian} {
		if _, err := d.writeDB.Exec(stmt); err != nil {
			return core.ErrInfra("MIGRATION_FAILED", "applying overlay migration").WithCause(err)
		}
	}
	return nil
}

// retryWrite retries a write on SQLITE_BUSY/SQLITE_LOCKED with exponential
// backoff, matching the teacher's internal/adapters/state/sqlite.go pattern.
func (d *DB) retryWrite(ctx context.Context, op string, fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if err := fn(); err != nil {
			if isSQLiteBusy(err) {
				lastErr = err
				if attempt < d.maxRetries {
					wait := d.baseRetryWait * time.Duration(1<<attempt)
					select {
					case <-ctx.Done():
						return core.ErrInfra("CONTEXT_CANCELLED", op).WithCause(ctx.Err())
					case <-time.After(wait):
						continue
					}
				}
			}
			return core.ErrInfra("SQLITE_WRITE_FAILED", op).WithCause(err)
		}
		return nil
	}
	return core.ErrInfra("SQLITE_WRITE_FAILED", op+": max retries exceeded").WithCause(lastErr)
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") ||
		strings.Contains(s, "SQLITE_BUSY") ||
		strings.Contains(s, "SQLITE_LOCKED")
}

// --- Memory CRUD -----------------------------------------------------------

// ClampPriority clamps a requested priority to [1,10], defaulting to 7 when
// nil (SPEC_FULL.md §8 boundary behavior).
func ClampPriority(p *int) int {
	if p == nil {
		return 7
	}
	v := *p
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}

// EnsureMemoryRow idempotently inserts a memory row if absent; a second call
// with a different priority does not change the stored initial_priority.
func (d *DB) EnsureMemoryRow(ctx context.Context, id string, initialPriority int) error {
	return d.retryWrite(ctx, "EnsureMemoryRow", func() error {
		_, err := d.writeDB.ExecContext(ctx,
			`INSERT INTO overlay_memories (memory_id, initial_priority, structure_status)
			 VALUES (?, ?, 'unstructured')
			 ON CONFLICT(memory_id) DO NOTHING`,
			id, initialPriority)
		return err
	})
}

// UpsertOverlayMemory inserts or updates the structured fields of a memory
// row, used after the guardian pipeline has produced a GuardedMemory.
func (d *DB) UpsertOverlayMemory(ctx context.Context, id, kind, createdAt string, priority int, raw string) error {
	return d.retryWrite(ctx, "UpsertOverlayMemory", func() error {
		_, err := d.writeDB.ExecContext(ctx,
			`INSERT INTO overlay_memories (memory_id, initial_priority, kind, created_at, raw_content, structure_status)
			 VALUES (?, ?, ?, ?, ?, 'structured')
			 ON CONFLICT(memory_id) DO UPDATE SET
			   kind=excluded.kind,
			   created_at=excluded.created_at,
			   raw_content=excluded.raw_content,
			   structure_status='structured'`,
			id, priority, kind, createdAt, raw)
		return err
	})
}

// MemoryRow is the overlay row for a memory.
type MemoryRow struct {
	MemoryID        string
	InitialPriority int
	Kind            string
	CreatedAt       string
	UsageCount      int
	LastAccessedAt  sql.NullString
	DynamicScore    sql.NullFloat64
	StructureStatus string
	RawContent      sql.NullString
}

// GetMemory fetches a memory row by id.
func (d *DB) GetMemory(ctx context.Context, id string) (*MemoryRow, error) {
	row := d.readDB.QueryRowContext(ctx,
		`SELECT memory_id, initial_priority, COALESCE(kind,''), COALESCE(created_at,''),
		        usage_count, last_accessed_at, dynamic_score, structure_status, raw_content
		 FROM overlay_memories WHERE memory_id = ?`, id)

	var m MemoryRow
	if err := row.Scan(&m.MemoryID, &m.InitialPriority, &m.Kind, &m.CreatedAt,
		&m.UsageCount, &m.LastAccessedAt, &m.DynamicScore, &m.StructureStatus, &m.RawContent); err != nil {
		if err == sql.ErrNoRows {
			return nil, core.ErrNotFound("memory", id)
		}
		return nil, core.ErrInfra("SQLITE_READ_FAILED", "reading memory row").WithCause(err)
	}
	return &m, nil
}

// UpdateDynamicScore sets the dynamic score for a memory.
func (d *DB) UpdateDynamicScore(ctx context.Context, id string, score float64) error {
	return d.retryWrite(ctx, "UpdateDynamicScore", func() error {
		_, err := d.writeDB.ExecContext(ctx,
			`UPDATE overlay_memories SET dynamic_score = ? WHERE memory_id = ?`, score, id)
		return err
	})
}

// RecordAccess increments usage_count and sets last_accessed_at to now.
func (d *DB) RecordAccess(ctx context.Context, id string, now time.Time) error {
	return d.retryWrite(ctx, "RecordAccess", func() error {
		_, err := d.writeDB.ExecContext(ctx,
			`UPDATE overlay_memories SET usage_count = usage_count + 1, last_accessed_at = ? WHERE memory_id = ?`,
			now.UTC().Format(time.RFC3339), id)
		return err
	})
}

// UpdateStructureStatus sets the structure status of a memory.
func (d *DB) UpdateStructureStatus(ctx context.Context, id, status string) error {
	return d.retryWrite(ctx, "UpdateStructureStatus", func() error {
		_, err := d.writeDB.ExecContext(ctx,
			`UPDATE overlay_memories SET structure_status = ? WHERE memory_id = ?`, status, id)
		return err
	})
}

// StoreContentRaw stores the raw content for a memory.
func (d *DB) StoreContentRaw(ctx context.Context, id, raw string) error {
	return d.retryWrite(ctx, "StoreContentRaw", func() error {
		_, err := d.writeDB.ExecContext(ctx,
			`UPDATE overlay_memories SET raw_content = ? WHERE memory_id = ?`, raw, id)
		return err
	})
}

// GetMemoriesByScore returns up to limit memories ordered by dynamic_score
// descending, with NULL scores sorted last.
func (d *DB) GetMemoriesByScore(ctx context.Context, limit int) ([]MemoryRow, error) {
	rows, err := d.readDB.QueryContext(ctx,
		`SELECT memory_id, initial_priority, COALESCE(kind,''), COALESCE(created_at,''),
		        usage_count, last_accessed_at, dynamic_score, structure_status, raw_content
		 FROM overlay_memories
		 ORDER BY dynamic_score IS NULL, dynamic_score DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, core.ErrInfra("SQLITE_READ_FAILED", "listing memories by score").WithCause(err)
	}
	defer rows.Close()

	var out []MemoryRow
	for rows.Next() {
		var m MemoryRow
		if err := rows.Scan(&m.MemoryID, &m.InitialPriority, &m.Kind, &m.CreatedAt,
			&m.UsageCount, &m.LastAccessedAt, &m.DynamicScore, &m.StructureStatus, &m.RawContent); err != nil {
			return nil, core.ErrInfra("SQLITE_READ_FAILED", "scanning memory row").WithCause(err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Tier-2 cache ------------------------------------------------------------

// Tier2CacheEntry is a row of tier2_synthesis_cache.
type Tier2CacheEntry struct {
	InputHash       string
	SpecHash        string
	BriefHash       string
	SynthesisResult string
	SuggestedLinks  sql.NullString
	CreatedAt       string
	HitCount        int
	LastHitAt       sql.NullString
}

// GetTier2Cache fetches a cache entry, returning (nil, nil) when absent.
func (d *DB) GetTier2Cache(ctx context.Context, hash string) (*Tier2CacheEntry, error) {
	row := d.readDB.QueryRowContext(ctx,
		`SELECT input_hash, spec_hash, brief_hash, synthesis_result, suggested_links, created_at, hit_count, last_hit_at
		 FROM tier2_synthesis_cache WHERE input_hash = ?`, hash)

	var e Tier2CacheEntry
	if err := row.Scan(&e.InputHash, &e.SpecHash, &e.BriefHash, &e.SynthesisResult,
		&e.SuggestedLinks, &e.CreatedAt, &e.HitCount, &e.LastHitAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, core.ErrInfra("SQLITE_READ_FAILED", "reading tier2 cache entry").WithCause(err)
	}
	return &e, nil
}

// UpsertTier2Cache inserts or replaces a cache entry.
func (d *DB) UpsertTier2Cache(ctx context.Context, hash, specHash, briefHash, result string, suggestedLinks json.RawMessage, now time.Time) error {
	var links interface{}
	if suggestedLinks != nil {
		links = string(suggestedLinks)
	}
	return d.retryWrite(ctx, "UpsertTier2Cache", func() error {
		_, err := d.writeDB.ExecContext(ctx,
			`INSERT INTO tier2_synthesis_cache (input_hash, spec_hash, brief_hash, synthesis_result, suggested_links, created_at, hit_count)
			 VALUES (?, ?, ?, ?, ?, ?, 0)
			 ON CONFLICT(input_hash) DO UPDATE SET
			   spec_hash=excluded.spec_hash,
			   brief_hash=excluded.brief_hash,
			   synthesis_result=excluded.synthesis_result,
			   suggested_links=excluded.suggested_links`,
			hash, specHash, briefHash, result, links, now.UTC().Format(time.RFC3339))
		return err
	})
}

// RecordTier2CacheHit increments hit_count and updates last_hit_at.
func (d *DB) RecordTier2CacheHit(ctx context.Context, hash string, now time.Time) error {
	return d.retryWrite(ctx, "RecordTier2CacheHit", func() error {
		_, err := d.writeDB.ExecContext(ctx,
			`UPDATE tier2_synthesis_cache SET hit_count = hit_count + 1, last_hit_at = ? WHERE input_hash = ?`,
			now.UTC().Format(time.RFC3339), hash)
		return err
	})
}

// PruneTier2Cache deletes entries older than now-ttl; it never removes
// entries strictly newer than the cutoff.
func (d *DB) PruneTier2Cache(ctx context.Context, ttl time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-ttl).UTC().Format(time.RFC3339)
	var affected int64
	err := d.retryWrite(ctx, "PruneTier2Cache", func() error {
		res, err := d.writeDB.ExecContext(ctx,
			`DELETE FROM tier2_synthesis_cache WHERE created_at < ?`, cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// --- Dependencies + invalidation --------------------------------------------

// AddCacheDependency idempotently records that cache entry cacheHash depends
// on memory memoryID.
func (d *DB) AddCacheDependency(ctx context.Context, cacheHash, memoryID string) error {
	return d.retryWrite(ctx, "AddCacheDependency", func() error {
		_, err := d.writeDB.ExecContext(ctx,
			`INSERT INTO cache_memory_dependencies (cache_hash, memory_id) VALUES (?, ?)
			 ON CONFLICT(cache_hash, memory_id) DO NOTHING`, cacheHash, memoryID)
		return err
	})
}

// GetDependentCaches returns the cache hashes that depend on memoryID.
func (d *DB) GetDependentCaches(ctx context.Context, memoryID string) ([]string, error) {
	rows, err := d.readDB.QueryContext(ctx,
		`SELECT cache_hash FROM cache_memory_dependencies WHERE memory_id = ?`, memoryID)
	if err != nil {
		return nil, core.ErrInfra("SQLITE_READ_FAILED", "reading cache dependencies").WithCause(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, core.ErrInfra("SQLITE_READ_FAILED", "scanning cache dependency").WithCause(err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// InvalidateByMemory deletes every cache entry that depends on memoryID,
// along with their dependency rows, transactionally.
func (d *DB) InvalidateByMemory(ctx context.Context, memoryID string) error {
	return d.retryWrite(ctx, "InvalidateByMemory", func() error {
		tx, err := d.writeDB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM tier2_synthesis_cache WHERE input_hash IN (
			   SELECT cache_hash FROM cache_memory_dependencies WHERE memory_id = ?
			 )`, memoryID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM cache_memory_dependencies WHERE memory_id = ?`, memoryID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// --- Librarian audit ---------------------------------------------------------

// ChangeInput describes a single memory mutation made during a sweep.
type ChangeInput struct {
	MemoryID   string
	ChangeKind string
	BeforeJSON string
	AfterJSON  string
}

// EdgeInput describes a causal edge discovered during a sweep.
type EdgeInput struct {
	FromMemoryID string
	ToMemoryID   string
	Relation     string
}

// StartSweep begins a librarian sweep and returns its generated sweep-id,
// formatted LRB-YYYYMMDD-NNN where NNN is the next sequence for that UTC
// date.
func (d *DB) StartSweep(ctx context.Context, runID, argsJSON string, now time.Time) (string, error) {
	datePrefix := fmt.Sprintf("LRB-%s", now.UTC().Format("20060102"))
	var sweepID string
	err := d.retryWrite(ctx, "StartSweep", func() error {
		var count int
		row := d.writeDB.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM librarian_sweeps WHERE sweep_id LIKE ?`, datePrefix+"-%")
		if err := row.Scan(&count); err != nil {
			return err
		}
		sweepID = fmt.Sprintf("%s-%03d", datePrefix, count+1)
		_, err := d.writeDB.ExecContext(ctx,
			`INSERT INTO librarian_sweeps (sweep_id, run_id, args_json, status, started_at)
			 VALUES (?, ?, ?, 'running', ?)`,
			sweepID, runID, argsJSON, now.UTC().Format(time.RFC3339))
		return err
	})
	return sweepID, err
}

// CompleteSweep marks a sweep completed with final stats.
func (d *DB) CompleteSweep(ctx context.Context, sweepID, statsJSON string, now time.Time) error {
	return d.retryWrite(ctx, "CompleteSweep", func() error {
		_, err := d.writeDB.ExecContext(ctx,
			`UPDATE librarian_sweeps SET status='completed', completed_at=?, stats_json=? WHERE sweep_id=?`,
			now.UTC().Format(time.RFC3339), statsJSON, sweepID)
		return err
	})
}

// FailSweep marks a sweep failed, storing errText under stats_json as a JSON
// object (matching the original librarian audit's `{"error": ...}` shape).
func (d *DB) FailSweep(ctx context.Context, sweepID, errText string, now time.Time) error {
	statsJSON, err := json.Marshal(map[string]string{"error": errText})
	if err != nil {
		return core.ErrInfra("SERIALIZE_FAILED", "encoding sweep failure stats").WithCause(err)
	}
	return d.retryWrite(ctx, "FailSweep", func() error {
		_, err := d.writeDB.ExecContext(ctx,
			`UPDATE librarian_sweeps SET status='failed', completed_at=?, stats_json=? WHERE sweep_id=?`,
			now.UTC().Format(time.RFC3339), string(statsJSON), sweepID)
		return err
	})
}

// LogChange appends a memory-change row for a sweep.
func (d *DB) LogChange(ctx context.Context, sweepID string, c ChangeInput, now time.Time) error {
	return d.retryWrite(ctx, "LogChange", func() error {
		_, err := d.writeDB.ExecContext(ctx,
			`INSERT INTO librarian_changes (sweep_id, memory_id, change_kind, before_json, after_json, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sweepID, c.MemoryID, c.ChangeKind, c.BeforeJSON, c.AfterJSON, now.UTC().Format(time.RFC3339))
		return err
	})
}

// LogEdge appends a causal-edge row for a sweep.
func (d *DB) LogEdge(ctx context.Context, sweepID string, e EdgeInput, now time.Time) error {
	return d.retryWrite(ctx, "LogEdge", func() error {
		_, err := d.writeDB.ExecContext(ctx,
			`INSERT INTO librarian_edges (sweep_id, from_memory_id, to_memory_id, relation, timestamp)
			 VALUES (?, ?, ?, ?, ?)`,
			sweepID, e.FromMemoryID, e.ToMemoryID, e.Relation, now.UTC().Format(time.RFC3339))
		return err
	})
}
