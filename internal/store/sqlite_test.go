package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/appeal-router/internal/models"
)

func newSQLiteStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	db, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := NewSQLiteStore(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLiteStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return newSQLiteStore(t, filepath.Join(t.TempDir(), "appeals.db"))
	})
}

func TestSQLiteInMemoryContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return newSQLiteStore(t, ":memory:")
	})
}

func TestOpenSQLiteCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data", "appeals.db")
	s := newSQLiteStore(t, path)
	require.NoError(t, s.Ping(context.Background()))

	_, err := os.Stat(filepath.Dir(path))
	assert.NoError(t, err)
}

func TestSQLiteMigrateIsIdempotent(t *testing.T) {
	s := newSQLiteStore(t, filepath.Join(t.TempDir(), "appeals.db"))
	ctx := context.Background()
	op := mustOperator(t, s, models.OperatorActive, 2)
	require.NoError(t, s.Migrate(ctx))

	load, err := s.GetOperator(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, op.Name, load.Name)
	assert.Equal(t, 2, load.ActiveAppealsLimit)
}

func TestSQLiteSeparateHandlesShareTheWriteLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "appeals.db")
	first := newSQLiteStore(t, path)
	second := newSQLiteStore(t, path)
	src := mustLeadSource(t, first)
	op := mustOperator(t, first, models.OperatorActive, 1)
	mustLink(t, first, src, op, 1)

	results := make(chan models.Appeal, 2)
	errs := make(chan error, 2)
	for _, s := range []Store{first, second} {
		go func(s Store) {
			appeal, err := allocateOnce(s, src)
			if err != nil {
				errs <- err
				return
			}
			results <- appeal
		}(s)
	}
	assigned := 0
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			t.Fatalf("allocate: %v", err)
		case appeal := <-results:
			if appeal.AssignedOperatorID != nil {
				assigned++
			}
		}
	}
	assert.Equal(t, 1, assigned)
}

func TestSQLiteExpiredClaimIsParkedAsFailed(t *testing.T) {
	s := newSQLiteStore(t, filepath.Join(t.TempDir(), "appeals.db"))
	ctx := context.Background()
	appealEvent(t, s, mustLeadSource(t, s))

	for i := 0; i < MaxStreamAttempts; i++ {
		claimed, err := s.ClaimPendingEvents(ctx, 10, time.Millisecond)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		time.Sleep(5 * time.Millisecond)
	}
	claimed, err := s.ClaimPendingEvents(ctx, 10, time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	var status, lastError string
	var attempts int
	err = s.db.QueryRowContext(ctx, `SELECT stream_status, attempts, last_error FROM appeal_events`).Scan(&status, &attempts, &lastError)
	require.NoError(t, err)
	assert.Equal(t, models.StreamFailed, status)
	assert.Equal(t, MaxStreamAttempts, attempts)
	assert.Equal(t, leaseExpiredError, lastError)
}

func TestSQLiteMigrateAddsClaimedAtToExistingOutbox(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "appeals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	_, err = db.ExecContext(ctx, `CREATE TABLE appeal_events (
		id            TEXT PRIMARY KEY,
		appeal_id     TEXT NOT NULL,
		event_type    TEXT NOT NULL,
		payload       BLOB NOT NULL,
		stream_status TEXT NOT NULL DEFAULT 'pending',
		attempts      INTEGER NOT NULL DEFAULT 0,
		archived_key  TEXT,
		last_error    TEXT,
		streamed_at   DATETIME,
		created_at    DATETIME NOT NULL
	)`)
	require.NoError(t, err)

	s := NewSQLiteStore(db)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))

	var columns int
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pragma_table_info('appeal_events') WHERE name = 'claimed_at'`).Scan(&columns)
	require.NoError(t, err)
	assert.Equal(t, 1, columns)

	appealEvent(t, s, mustLeadSource(t, s))
	claimed, err := s.ClaimPendingEvents(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}
