package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/appeal-router/internal/models"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const appealColumns = `id, status, lead_id, lead_source_id, assigned_operator_id, created_at, updated_at`

func scanAppeal(row rowScanner) (models.Appeal, error) {
	var (
		appeal   models.Appeal
		status   string
		assigned uuid.NullUUID
	)
	if err := row.Scan(
		&appeal.ID,
		&status,
		&appeal.LeadID,
		&appeal.LeadSourceID,
		&assigned,
		&appeal.CreatedAt,
		&appeal.UpdatedAt,
	); err != nil {
		return models.Appeal{}, err
	}
	appeal.Status = models.AppealStatus(status)
	if assigned.Valid {
		id := assigned.UUID
		appeal.AssignedOperatorID = &id
	}
	return appeal, nil
}

const operatorColumns = `o.id, o.name, o.status, o.active_appeals_limit, o.created_at`

func scanOperator(row rowScanner, extra ...interface{}) (models.Operator, error) {
	var (
		op     models.Operator
		status string
	)
	dest := append([]interface{}{&op.ID, &op.Name, &status, &op.ActiveAppealsLimit, &op.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return models.Operator{}, err
	}
	op.Status = models.OperatorStatus(status)
	return op, nil
}

func scanOperatorLoad(row rowScanner) (models.OperatorLoad, error) {
	var load models.OperatorLoad
	op, err := scanOperator(row, &load.ActiveAppeals)
	if err != nil {
		return models.OperatorLoad{}, err
	}
	load.Operator = op
	return load, nil
}

func scanEligible(row rowScanner) (models.EligibleOperator, error) {
	var eligible models.EligibleOperator
	op, err := scanOperator(row, &eligible.RoutingFactor)
	if err != nil {
		return models.EligibleOperator{}, err
	}
	eligible.Operator = op
	return eligible, nil
}

const eventColumns = `id, appeal_id, event_type, payload, stream_status, attempts, COALESCE(archived_key, ''), COALESCE(last_error, ''), created_at`

func scanEvent(row rowScanner) (models.AppealEvent, error) {
	var (
		ev      models.AppealEvent
		payload []byte
	)
	if err := row.Scan(
		&ev.ID,
		&ev.AppealID,
		&ev.EventType,
		&payload,
		&ev.StreamStatus,
		&ev.Attempts,
		&ev.ArchivedKey,
		&ev.LastError,
		&ev.CreatedAt,
	); err != nil {
		return models.AppealEvent{}, err
	}
	ev.Payload = append(json.RawMessage(nil), payload...)
	return ev, nil
}

func collect[T any](rows *sql.Rows, scan func(rowScanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
