package librarian

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/overlay"
)

func newTestDB(t *testing.T) *overlay.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "overlay.db")
	db, err := overlay.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRunNowCompletesSweepOnSuccess(t *testing.T) {
	db := newTestDB(t)
	var sawSweepID string
	sweep := func(ctx context.Context, db *overlay.DB, sweepID string) (map[string]any, error) {
		sawSweepID = sweepID
		return map[string]any{"retyped": 3}, nil
	}

	s := NewScheduler(db, sweep, nil)
	s.RunNow(context.Background())

	assert.Contains(t, sawSweepID, "LRB-")
}

func TestRunNowRecordsFailureWhenSweepErrors(t *testing.T) {
	db := newTestDB(t)
	sweep := func(ctx context.Context, db *overlay.DB, sweepID string) (map[string]any, error) {
		return nil, errors.New("boom")
	}

	s := NewScheduler(db, sweep, nil)
	// Must not panic nor block even though the sweep itself fails.
	s.RunNow(context.Background())

	// A subsequent sweep still gets the next sequence number, proving the
	// failed sweep's row was written rather than left half-open.
	sweepID, err := db.StartSweep(context.Background(), "run-2", "{}", time.Now())
	require.NoError(t, err)
	assert.Contains(t, sweepID, "-002")
}

func TestStartRejectsInvalidCronSchedule(t *testing.T) {
	db := newTestDB(t)
	sweep := func(ctx context.Context, db *overlay.DB, sweepID string) (map[string]any, error) {
		return map[string]any{}, nil
	}

	s := NewScheduler(db, sweep, nil)
	err := s.Start(context.Background(), "not a cron expression")
	require.Error(t, err)
}

func TestStartStopDoesNotBlock(t *testing.T) {
	db := newTestDB(t)
	sweep := func(ctx context.Context, db *overlay.DB, sweepID string) (map[string]any, error) {
		return map[string]any{}, nil
	}

	s := NewScheduler(db, sweep, nil)
	require.NoError(t, s.Start(context.Background(), "0 3 * * *"))
	s.Stop()
}
