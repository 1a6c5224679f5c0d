package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ILLUVRSE/appeal-router/internal/models"
)

// PGStore persists appeals, operators and the event outbox in Postgres.
// Operator rows are the lock objects of the allocation discipline.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS operators (
	id                   UUID PRIMARY KEY,
	name                 TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL CHECK (status IN ('ACTIVE', 'INACTIVE')),
	active_appeals_limit INTEGER NOT NULL CHECK (active_appeals_limit >= 0),
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS lead_sources (
	id         UUID PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS lead_source_operators (
	lead_source_id UUID NOT NULL REFERENCES lead_sources(id) ON DELETE CASCADE,
	operator_id    UUID NOT NULL REFERENCES operators(id) ON DELETE CASCADE,
	routing_factor INTEGER NOT NULL CHECK (routing_factor > 0),
	PRIMARY KEY (lead_source_id, operator_id)
);

CREATE TABLE IF NOT EXISTS appeals (
	id                   UUID PRIMARY KEY,
	status               TEXT NOT NULL,
	lead_id              UUID NOT NULL,
	lead_source_id       UUID NOT NULL REFERENCES lead_sources(id),
	assigned_operator_id UUID REFERENCES operators(id),
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_appeals_active_operator ON appeals(assigned_operator_id) WHERE status = 'ACTIVE';

CREATE TABLE IF NOT EXISTS appeal_events (
	id            UUID PRIMARY KEY,
	appeal_id     UUID NOT NULL,
	event_type    TEXT NOT NULL,
	payload       JSONB NOT NULL DEFAULT '{}',
	stream_status TEXT NOT NULL DEFAULT 'pending',
	attempts      INTEGER NOT NULL DEFAULT 0,
	archived_key  TEXT,
	last_error    TEXT,
	streamed_at   TIMESTAMPTZ,
	claimed_at    TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
ALTER TABLE appeal_events ADD COLUMN IF NOT EXISTS claimed_at TIMESTAMPTZ;
CREATE INDEX IF NOT EXISTS idx_appeal_events_pending ON appeal_events(stream_status, created_at);
`

// Migrate applies the schema. It is idempotent.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// mapPGError turns constraint violations into store sentinels.
func mapPGError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23503":
			return fmt.Errorf("%w: %s", ErrNotFound, pqErr.Constraint)
		case "23505", "23514":
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
		}
	}
	return err
}

func (s *PGStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

func (s *PGStore) GetAppeal(ctx context.Context, id uuid.UUID) (models.Appeal, error) {
	return pgGetAppeal(ctx, s.db, id, false)
}

func (s *PGStore) ListAppeals(ctx context.Context) ([]models.Appeal, error) {
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

func (s *PGStore) CreateOperator(ctx context.Context, in OperatorInput) (models.Operator, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO operators AS o (id, name, status, active_appeals_limit)
		VALUES ($1,$2,$3,$4)
		RETURNING ` + operatorColumns
	op, err := scanOperator(s.db.QueryRowContext(ctx, query, in.ID, in.Name, string(in.Status), in.ActiveAppealsLimit))
	if err != nil {
		return models.Operator{}, fmt.Errorf("insert operator: %w", mapPGError(err))
	}
	return op, nil
}

func (s *PGStore) UpdateOperator(ctx context.Context, in OperatorUpdate) (models.Operator, error) {
	var status *string
	if in.Status != nil {
		v := string(*in.Status)
		status = &v
	}
	query := `
		UPDATE operators AS o
		SET name = COALESCE($2, o.name),
		    status = COALESCE($3, o.status),
		    active_appeals_limit = COALESCE($4, o.active_appeals_limit)
		WHERE o.id = $1
		RETURNING ` + operatorColumns
	op, err := scanOperator(s.db.QueryRowContext(ctx, query, in.ID, in.Name, status, in.ActiveAppealsLimit))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Operator{}, ErrNotFound
		}
		return models.Operator{}, fmt.Errorf("update operator: %w", mapPGError(err))
	}
	return op, nil
}

const pgOperatorLoadQuery = `
	SELECT ` + operatorColumns + `,
	       (SELECT count(a.id) FROM appeals a WHERE a.assigned_operator_id = o.id AND a.status = 'ACTIVE')
	FROM operators o
`

func (s *PGStore) GetOperator(ctx context.Context, id uuid.UUID) (models.OperatorLoad, error) {
	load, err := scanOperatorLoad(s.db.QueryRowContext(ctx, pgOperatorLoadQuery+` WHERE o.id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.OperatorLoad{}, ErrNotFound
		}
		return models.OperatorLoad{}, fmt.Errorf("get operator: %w", err)
	}
	return load, nil
}

func (s *PGStore) ListOperators(ctx context.Context) ([]models.OperatorLoad, error) {
	rows, err := s.db.QueryContext(ctx, pgOperatorLoadQuery+` ORDER BY o.created_at, o.id`)
	if err != nil {
		return nil, fmt.Errorf("list operators: %w", err)
	}
	ops, err := collect(rows, scanOperatorLoad)
	if err != nil {
		return nil, fmt.Errorf("scan operators: %w", err)
	}
	return ops, nil
}

func (s *PGStore) CreateLeadSource(ctx context.Context, in LeadSourceInput) (models.LeadSource, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	src := models.LeadSource{ID: in.ID, Name: in.Name}
	query := `INSERT INTO lead_sources (id, name) VALUES ($1,$2) RETURNING created_at`
	if err := s.db.QueryRowContext(ctx, query, in.ID, in.Name).Scan(&src.CreatedAt); err != nil {
		return models.LeadSource{}, fmt.Errorf("insert lead source: %w", mapPGError(err))
	}
	return src, nil
}

func (s *PGStore) ListLeadSources(ctx context.Context) ([]models.LeadSource, error) {
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

func (s *PGStore) LinkOperator(ctx context.Context, link models.LeadSourceOperator) (models.LeadSourceOperator, error) {
	query := `
		INSERT INTO lead_source_operators (lead_source_id, operator_id, routing_factor)
		VALUES ($1,$2,$3)
		ON CONFLICT (lead_source_id, operator_id)
		DO UPDATE SET routing_factor = EXCLUDED.routing_factor
	`
	if _, err := s.db.ExecContext(ctx, query, link.LeadSourceID, link.OperatorID, link.RoutingFactor); err != nil {
		return models.LeadSourceOperator{}, fmt.Errorf("link operator: %w", mapPGError(err))
	}
	return link, nil
}

func (s *PGStore) ListLinks(ctx context.Context, leadSourceID uuid.UUID) ([]models.LeadSourceOperator, error) {
	query := `
		SELECT lead_source_id, operator_id, routing_factor
		FROM lead_source_operators
		WHERE lead_source_id = $1
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

func scanLink(row rowScanner) (models.LeadSourceOperator, error) {
	var link models.LeadSourceOperator
	err := row.Scan(&link.LeadSourceID, &link.OperatorID, &link.RoutingFactor)
	return link, err
}

// ClaimPendingEvents implements Store. Rows locked by a concurrent claimer
// are skipped.
func (s *PGStore) ClaimPendingEvents(ctx context.Context, limit int, lease time.Duration) ([]models.AppealEvent, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-lease)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const parkExpired = `
		UPDATE appeal_events
		SET stream_status = 'failed', last_error = $3
		WHERE stream_status = 'in_progress' AND claimed_at < $1 AND attempts >= $2
	`
	if _, err := tx.ExecContext(ctx, parkExpired, staleBefore, MaxStreamAttempts, leaseExpiredError); err != nil {
		return nil, fmt.Errorf("park expired events: %w", err)
	}

	const selectPending = `
		SELECT id FROM appeal_events
		WHERE stream_status = 'pending'
		   OR (stream_status = 'in_progress' AND claimed_at < $1 AND attempts < $2)
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $3
	`
	rows, err := tx.QueryContext(ctx, selectPending, staleBefore, MaxStreamAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending events: %w", err)
	}
	ids, err := collect(rows, func(row rowScanner) (string, error) {
		var id string
		err := row.Scan(&id)
		return id, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan pending events: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	claimQuery := `
		UPDATE appeal_events
		SET stream_status = 'in_progress', attempts = attempts + 1, claimed_at = $2
		WHERE id = ANY($1::uuid[])
		RETURNING ` + eventColumns
	rows, err = tx.QueryContext(ctx, claimQuery, pq.Array(ids), now)
	if err != nil {
		return nil, fmt.Errorf("claim events: %w", err)
	}
	events, err := collect(rows, scanEvent)
	if err != nil {
		return nil, fmt.Errorf("scan claimed events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	return events, nil
}

func (s *PGStore) MarkEventResult(ctx context.Context, in EventResult) error {
	query := `
		UPDATE appeal_events
		SET stream_status = CASE
		        WHEN $2 THEN 'streamed'
		        WHEN attempts >= $3 THEN 'failed'
		        ELSE 'pending'
		    END,
		    archived_key = COALESCE($4, archived_key),
		    last_error = $5,
		    streamed_at = CASE WHEN $2 THEN NOW() ELSE streamed_at END
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query, in.ID, in.Success, MaxStreamAttempts, nullString(in.ArchivedKey), nullString(in.Error))
	if err != nil {
		return fmt.Errorf("mark event result: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}

func pgGetAppeal(ctx context.Context, q queryer, id uuid.UUID, forUpdate bool) (models.Appeal, error) {
	query := `SELECT ` + appealColumns + ` FROM appeals WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	appeal, err := scanAppeal(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Appeal{}, ErrNotFound
		}
		return models.Appeal{}, fmt.Errorf("get appeal: %w", err)
	}
	return appeal, nil
}

type pgTx struct {
	tx *sql.Tx
}

// Operators are locked in id order so two units of work whose candidate sets
// overlap always queue on the same first row instead of deadlocking.
const pgLockCandidates = `
	SELECT o.id
	FROM operators o
	JOIN lead_source_operators lso ON lso.operator_id = o.id
	WHERE lso.lead_source_id = $1
	  AND o.status = 'ACTIVE'
	ORDER BY o.id
	FOR UPDATE OF o
`

// The capacity count runs as a separate statement once the locks are held:
// under READ COMMITTED it takes a fresh snapshot and therefore sees appeals
// committed by whoever held the lock before us.
const pgEligibleAfterLock = `
	SELECT ` + operatorColumns + `, lso.routing_factor
	FROM operators o
	JOIN lead_source_operators lso ON lso.operator_id = o.id AND lso.lead_source_id = $1
	WHERE o.id = ANY($2::uuid[])
	  AND o.status = 'ACTIVE'
	  AND (
	      SELECT count(a.id) FROM appeals a
	      WHERE a.assigned_operator_id = o.id AND a.status = 'ACTIVE'
	  ) < o.active_appeals_limit
	ORDER BY o.id
`

func (t *pgTx) LockEligibleOperators(ctx context.Context, leadSourceID uuid.UUID) ([]models.EligibleOperator, error) {
	rows, err := t.tx.QueryContext(ctx, pgLockCandidates, leadSourceID)
	if err != nil {
		return nil, fmt.Errorf("lock operators: %w", err)
	}
	ids, err := collect(rows, func(row rowScanner) (string, error) {
		var id string
		err := row.Scan(&id)
		return id, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan locked operators: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err = t.tx.QueryContext(ctx, pgEligibleAfterLock, leadSourceID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("eligible operators: %w", err)
	}
	eligible, err := collect(rows, scanEligible)
	if err != nil {
		return nil, fmt.Errorf("scan eligible operators: %w", err)
	}
	return eligible, nil
}

func (t *pgTx) LockOperator(ctx context.Context, id uuid.UUID) (models.OperatorLoad, error) {
	query := `SELECT ` + operatorColumns + ` FROM operators o WHERE o.id = $1 FOR UPDATE`
	op, err := scanOperator(t.tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.OperatorLoad{}, ErrNotFound
		}
		return models.OperatorLoad{}, fmt.Errorf("lock operator: %w", err)
	}
	load := models.OperatorLoad{Operator: op}
	countQuery := `SELECT count(id) FROM appeals WHERE assigned_operator_id = $1 AND status = 'ACTIVE'`
	if err := t.tx.QueryRowContext(ctx, countQuery, id).Scan(&load.ActiveAppeals); err != nil {
		return models.OperatorLoad{}, fmt.Errorf("count operator appeals: %w", err)
	}
	return load, nil
}

func (t *pgTx) CreateAppeal(ctx context.Context, in AppealInput) (models.Appeal, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO appeals (id, status, lead_id, lead_source_id)
		VALUES ($1,$2,$3,$4)
		RETURNING ` + appealColumns
	appeal, err := scanAppeal(t.tx.QueryRowContext(ctx, query, in.ID, string(in.Status), in.LeadID, in.LeadSourceID))
	if err != nil {
		return models.Appeal{}, fmt.Errorf("insert appeal: %w", mapPGError(err))
	}
	return appeal, nil
}

func (t *pgTx) GetAppeal(ctx context.Context, id uuid.UUID) (models.Appeal, error) {
	return pgGetAppeal(ctx, t.tx, id, true)
}

func (t *pgTx) AssignOperator(ctx context.Context, appealID, operatorID uuid.UUID) (models.Appeal, error) {
	query := `
		UPDATE appeals SET assigned_operator_id = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + appealColumns
	appeal, err := scanAppeal(t.tx.QueryRowContext(ctx, query, appealID, nullUUID(operatorID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Appeal{}, ErrNotFound
		}
		return models.Appeal{}, fmt.Errorf("assign operator: %w", mapPGError(err))
	}
	return appeal, nil
}

func (t *pgTx) UpdateAppealStatus(ctx context.Context, id uuid.UUID, status models.AppealStatus) (models.Appeal, error) {
	query := `
		UPDATE appeals SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + appealColumns
	appeal, err := scanAppeal(t.tx.QueryRowContext(ctx, query, id, string(status)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Appeal{}, ErrNotFound
		}
		return models.Appeal{}, fmt.Errorf("update appeal status: %w", err)
	}
	return appeal, nil
}

func (t *pgTx) DeleteAppeal(ctx context.Context, id uuid.UUID) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM appeals WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete appeal: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, in EventInput) error {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO appeal_events (id, appeal_id, event_type, payload, created_at)
		VALUES ($1,$2,$3,$4,clock_timestamp())
	`
	if _, err := t.tx.ExecContext(ctx, query, in.ID, in.AppealID, in.EventType, string(ensureJSON(in.Payload))); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (t *pgTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return ErrTxDone
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *pgTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}
