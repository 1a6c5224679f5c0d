package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ILLUVRSE/appeal-router/internal/models"
)

// SQLiteStore has no row-level locks. Every unit of work is opened with
// BEGIN IMMEDIATE, which takes the database write lock up front, so the
// eligibility query and the assignment that follows form a single-writer
// critical section across connections and processes.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and creates the directory of) a SQLite database. An empty
// path or ":memory:" yields a private in-memory database on one connection.
func OpenSQLite(path string) (*sql.DB, error) {
	const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_txlock=immediate"
	if path == "" || path == ":memory:" {
		db, err := sql.Open("sqlite", "file::memory:?"+pragmas)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// every connection to :memory: is a different database
		db.SetMaxOpenConns(1)
		return db, nil
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+path+"?"+pragmas+"&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return db, nil
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS operators (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL CHECK (status IN ('ACTIVE', 'INACTIVE')),
	active_appeals_limit INTEGER NOT NULL CHECK (active_appeals_limit >= 0),
	created_at           DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS lead_sources (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS lead_source_operators (
	lead_source_id TEXT NOT NULL REFERENCES lead_sources(id) ON DELETE CASCADE,
	operator_id    TEXT NOT NULL REFERENCES operators(id) ON DELETE CASCADE,
	routing_factor INTEGER NOT NULL CHECK (routing_factor > 0 AND routing_factor <= 2147483647),
	PRIMARY KEY (lead_source_id, operator_id)
);

CREATE TABLE IF NOT EXISTS appeals (
	id                   TEXT PRIMARY KEY,
	status               TEXT NOT NULL,
	lead_id              TEXT NOT NULL,
	lead_source_id       TEXT NOT NULL REFERENCES lead_sources(id),
	assigned_operator_id TEXT REFERENCES operators(id),
	created_at           DATETIME NOT NULL,
	updated_at           DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_appeals_operator_status ON appeals(assigned_operator_id, status);

CREATE TABLE IF NOT EXISTS appeal_events (
	id            TEXT PRIMARY KEY,
	appeal_id     TEXT NOT NULL,
	event_type    TEXT NOT NULL,
	payload       BLOB NOT NULL,
	stream_status TEXT NOT NULL DEFAULT 'pending',
	attempts      INTEGER NOT NULL DEFAULT 0,
	archived_key  TEXT,
	last_error    TEXT,
	streamed_at   DATETIME,
	claimed_at    INTEGER,
	created_at    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_appeal_events_pending ON appeal_events(stream_status, created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	// databases created before claim leases lack claimed_at
	var hasClaimedAt int
	const probeColumn = `SELECT COUNT(*) FROM pragma_table_info('appeal_events') WHERE name = 'claimed_at'`
	if err := s.db.QueryRowContext(ctx, probeColumn).Scan(&hasClaimedAt); err != nil {
		return fmt.Errorf("migrate: inspect appeal_events: %w", err)
	}
	if hasClaimedAt == 0 {
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE appeal_events ADD COLUMN claimed_at INTEGER`); err != nil {
			return fmt.Errorf("migrate: add claimed_at: %w", err)
		}
	}
	return nil
}

func mapSQLiteError(err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		if strings.Contains(sqliteErr.Error(), "FOREIGN KEY") {
			return fmt.Errorf("%w: %s", ErrNotFound, sqliteErr.Error())
		}
		return fmt.Errorf("%w: %s", ErrConflict, sqliteErr.Error())
	}
	return err
}

func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

func (s *SQLiteStore) GetAppeal(ctx context.Context, id uuid.UUID) (models.Appeal, error) {
	return sqliteGetAppeal(ctx, s.db, id)
}

func (s *SQLiteStore) ListAppeals(ctx context.Context) ([]models.Appeal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+appealColumns+` FROM appeals ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list appeals: %w", err)
	}
	appeals, err := collect(rows, scanAppeal)
	if err != nil {
		return nil, fmt.Errorf("scan appeals: %w", err)
	}
	return appeals, nil
}

func (s *SQLiteStore) CreateOperator(ctx context.Context, in OperatorInput) (models.Operator, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	op := models.Operator{
		ID:                 in.ID,
		Name:               in.Name,
		Status:             in.Status,
		ActiveAppealsLimit: in.ActiveAppealsLimit,
		CreatedAt:          time.Now().UTC(),
	}
	query := `INSERT INTO operators (id, name, status, active_appeals_limit, created_at) VALUES (?,?,?,?,?)`
	if _, err := s.db.ExecContext(ctx, query, op.ID, op.Name, string(op.Status), op.ActiveAppealsLimit, op.CreatedAt); err != nil {
		return models.Operator{}, fmt.Errorf("insert operator: %w", mapSQLiteError(err))
	}
	return op, nil
}

func (s *SQLiteStore) UpdateOperator(ctx context.Context, in OperatorUpdate) (models.Operator, error) {
	var status *string
	if in.Status != nil {
		v := string(*in.Status)
		status = &v
	}
	query := `
		UPDATE operators
		SET name = COALESCE(?, name),
		    status = COALESCE(?, status),
		    active_appeals_limit = COALESCE(?, active_appeals_limit)
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query, in.Name, status, in.ActiveAppealsLimit, in.ID)
	if err != nil {
		return models.Operator{}, fmt.Errorf("update operator: %w", mapSQLiteError(err))
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return models.Operator{}, ErrNotFound
	}
	load, err := s.GetOperator(ctx, in.ID)
	if err != nil {
		return models.Operator{}, err
	}
	return load.Operator, nil
}

const sqliteOperatorLoadQuery = `
	SELECT ` + operatorColumns + `,
	       (SELECT count(a.id) FROM appeals a WHERE a.assigned_operator_id = o.id AND a.status = 'ACTIVE')
	FROM operators o
`

func (s *SQLiteStore) GetOperator(ctx context.Context, id uuid.UUID) (models.OperatorLoad, error) {
	return sqliteOperatorLoad(ctx, s.db, id)
}

func (s *SQLiteStore) ListOperators(ctx context.Context) ([]models.OperatorLoad, error) {
	rows, err := s.db.QueryContext(ctx, sqliteOperatorLoadQuery+` ORDER BY o.created_at, o.id`)
	if err != nil {
		return nil, fmt.Errorf("list operators: %w", err)
	}
	ops, err := collect(rows, scanOperatorLoad)
	if err != nil {
		return nil, fmt.Errorf("scan operators: %w", err)
	}
	return ops, nil
}

func (s *SQLiteStore) CreateLeadSource(ctx context.Context, in LeadSourceInput) (models.LeadSource, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	src := models.LeadSource{ID: in.ID, Name: in.Name, CreatedAt: time.Now().UTC()}
	query := `INSERT INTO lead_sources (id, name, created_at) VALUES (?,?,?)`
	if _, err := s.db.ExecContext(ctx, query, src.ID, src.Name, src.CreatedAt); err != nil {
		return models.LeadSource{}, fmt.Errorf("insert lead source: %w", mapSQLiteError(err))
	}
	return src, nil
}

func (s *SQLiteStore) ListLeadSources(ctx context.Context) ([]models.LeadSource, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM lead_sources ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list lead sources: %w", err)
	}
	sources, err := collect(rows, func(row rowScanner) (models.LeadSource, error) {
		var src models.LeadSource
		err := row.Scan(&src.ID, &src.Name, &src.CreatedAt)
		return src, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan lead sources: %w", err)
	}
	return sources, nil
}

func (s *SQLiteStore) LinkOperator(ctx context.Context, link models.LeadSourceOperator) (models.LeadSourceOperator, error) {
	query := `
		INSERT INTO lead_source_operators (lead_source_id, operator_id, routing_factor)
		VALUES (?,?,?)
		ON CONFLICT (lead_source_id, operator_id)
		DO UPDATE SET routing_factor = excluded.routing_factor
	`
	if _, err := s.db.ExecContext(ctx, query, link.LeadSourceID, link.OperatorID, link.RoutingFactor); err != nil {
		return models.LeadSourceOperator{}, fmt.Errorf("link operator: %w", mapSQLiteError(err))
	}
	return link, nil
}

func (s *SQLiteStore) ListLinks(ctx context.Context, leadSourceID uuid.UUID) ([]models.LeadSourceOperator, error) {
	query := `
		SELECT lead_source_id, operator_id, routing_factor
		FROM lead_source_operators
		WHERE lead_source_id = ?
		ORDER BY operator_id
	`
	rows, err := s.db.QueryContext(ctx, query, leadSourceID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	links, err := collect(rows, scanLink)
	if err != nil {
		return nil, fmt.Errorf("scan links: %w", err)
	}
	return links, nil
}

// ClaimPendingEvents implements Store. claimed_at holds Unix nanoseconds.
func (s *SQLiteStore) ClaimPendingEvents(ctx context.Context, limit int, lease time.Duration) ([]models.AppealEvent, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-lease).UnixNano()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	park := `
		UPDATE appeal_events SET stream_status = 'failed', last_error = ?
		WHERE stream_status = 'in_progress' AND claimed_at < ? AND attempts >= ?
	`
	if _, err := tx.ExecContext(ctx, park, leaseExpiredError, staleBefore, MaxStreamAttempts); err != nil {
		return nil, fmt.Errorf("park expired events: %w", err)
	}

	query := `SELECT ` + eventColumns + ` FROM appeal_events
		WHERE stream_status = 'pending'
		   OR (stream_status = 'in_progress' AND claimed_at < ? AND attempts < ?)
		ORDER BY created_at LIMIT ?`
	rows, err := tx.QueryContext(ctx, query, staleBefore, MaxStreamAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending events: %w", err)
	}
	events, err := collect(rows, scanEvent)
	if err != nil {
		return nil, fmt.Errorf("scan pending events: %w", err)
	}
	for i := range events {
		claim := `UPDATE appeal_events SET stream_status = 'in_progress', attempts = attempts + 1, claimed_at = ? WHERE id = ?`
		if _, err := tx.ExecContext(ctx, claim, now.UnixNano(), events[i].ID); err != nil {
			return nil, fmt.Errorf("claim event: %w", err)
		}
		events[i].StreamStatus = models.StreamInProgress
		events[i].Attempts++
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return events, nil
}

func (s *SQLiteStore) MarkEventResult(ctx context.Context, in EventResult) error {
	query := `
		UPDATE appeal_events
		SET stream_status = CASE
		        WHEN ? THEN 'streamed'
		        WHEN attempts >= ? THEN 'failed'
		        ELSE 'pending'
		    END,
		    archived_key = COALESCE(?, archived_key),
		    last_error = ?,
		    streamed_at = CASE WHEN ? THEN ? ELSE streamed_at END
		WHERE id = ?
	`
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, query, in.Success, MaxStreamAttempts, nullString(in.ArchivedKey), nullString(in.Error), in.Success, now, in.ID)
	if err != nil {
		return fmt.Errorf("mark event result: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}

func sqliteGetAppeal(ctx context.Context, q queryer, id uuid.UUID) (models.Appeal, error) {
	appeal, err := scanAppeal(q.QueryRowContext(ctx, `SELECT `+appealColumns+` FROM appeals WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Appeal{}, ErrNotFound
		}
		return models.Appeal{}, fmt.Errorf("get appeal: %w", err)
	}
	return appeal, nil
}

func sqliteOperatorLoad(ctx context.Context, q queryer, id uuid.UUID) (models.OperatorLoad, error) {
	load, err := scanOperatorLoad(q.QueryRowContext(ctx, sqliteOperatorLoadQuery+` WHERE o.id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.OperatorLoad{}, ErrNotFound
		}
		return models.OperatorLoad{}, fmt.Errorf("get operator: %w", err)
	}
	return load, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

// The transaction already holds the database write lock, so the correlated
// count cannot change underneath us until commit.
const sqliteEligible = `
	SELECT ` + operatorColumns + `, lso.routing_factor
	FROM operators o
	JOIN lead_source_operators lso ON lso.operator_id = o.id
	WHERE lso.lead_source_id = ?
	  AND o.status = 'ACTIVE'
	  AND (
	      SELECT count(a.id) FROM appeals a
	      WHERE a.assigned_operator_id = o.id AND a.status = 'ACTIVE'
	  ) < o.active_appeals_limit
	ORDER BY o.id
`

func (t *sqliteTx) LockEligibleOperators(ctx context.Context, leadSourceID uuid.UUID) ([]models.EligibleOperator, error) {
	rows, err := t.tx.QueryContext(ctx, sqliteEligible, leadSourceID)
	if err != nil {
		return nil, fmt.Errorf("eligible operators: %w", err)
	}
	eligible, err := collect(rows, scanEligible)
	if err != nil {
		return nil, fmt.Errorf("scan eligible operators: %w", err)
	}
	return eligible, nil
}

func (t *sqliteTx) LockOperator(ctx context.Context, id uuid.UUID) (models.OperatorLoad, error) {
	return sqliteOperatorLoad(ctx, t.tx, id)
}

func (t *sqliteTx) CreateAppeal(ctx context.Context, in AppealInput) (models.Appeal, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	now := time.Now().UTC()
	appeal := models.Appeal{
		ID:           in.ID,
		Status:       in.Status,
		LeadID:       in.LeadID,
		LeadSourceID: in.LeadSourceID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	query := `
		INSERT INTO appeals (id, status, lead_id, lead_source_id, assigned_operator_id, created_at, updated_at)
		VALUES (?,?,?,?,NULL,?,?)
	`
	if _, err := t.tx.ExecContext(ctx, query, appeal.ID, string(appeal.Status), appeal.LeadID, appeal.LeadSourceID, now, now); err != nil {
		return models.Appeal{}, fmt.Errorf("insert appeal: %w", mapSQLiteError(err))
	}
	return appeal, nil
}

func (t *sqliteTx) GetAppeal(ctx context.Context, id uuid.UUID) (models.Appeal, error) {
	return sqliteGetAppeal(ctx, t.tx, id)
}

func (t *sqliteTx) AssignOperator(ctx context.Context, appealID, operatorID uuid.UUID) (models.Appeal, error) {
	query := `UPDATE appeals SET assigned_operator_id = ?, updated_at = ? WHERE id = ?`
	if err := t.execOne(ctx, query, nullUUID(operatorID), time.Now().UTC(), appealID); err != nil {
		return models.Appeal{}, fmt.Errorf("assign operator: %w", err)
	}
	return t.GetAppeal(ctx, appealID)
}

func (t *sqliteTx) UpdateAppealStatus(ctx context.Context, id uuid.UUID, status models.AppealStatus) (models.Appeal, error) {
	query := `UPDATE appeals SET status = ?, updated_at = ? WHERE id = ?`
	if err := t.execOne(ctx, query, string(status), time.Now().UTC(), id); err != nil {
		return models.Appeal{}, fmt.Errorf("update appeal status: %w", err)
	}
	return t.GetAppeal(ctx, id)
}

func (t *sqliteTx) DeleteAppeal(ctx context.Context, id uuid.UUID) error {
	if err := t.execOne(ctx, `DELETE FROM appeals WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete appeal: %w", err)
	}
	return nil
}

func (t *sqliteTx) execOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return mapSQLiteError(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) AppendEvent(ctx context.Context, in EventInput) error {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO appeal_events (id, appeal_id, event_type, payload, created_at)
		VALUES (?,?,?,?,?)
	`
	if _, err := t.tx.ExecContext(ctx, query, in.ID, in.AppealID, in.EventType, []byte(ensureJSON(in.Payload)), time.Now().UTC()); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (t *sqliteTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return ErrTxDone
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}
