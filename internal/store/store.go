package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/appeal-router/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrTxDone   = errors.New("unit of work already finished")
)

// Store is the persistence boundary. Reads outside a unit of work only ever
// observe committed state. Every allocation-relevant read goes through Tx.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	GetAppeal(ctx context.Context, id uuid.UUID) (models.Appeal, error)
	ListAppeals(ctx context.Context) ([]models.Appeal, error)

	CreateOperator(ctx context.Context, in OperatorInput) (models.Operator, error)
	UpdateOperator(ctx context.Context, in OperatorUpdate) (models.Operator, error)
	GetOperator(ctx context.Context, id uuid.UUID) (models.OperatorLoad, error)
	ListOperators(ctx context.Context) ([]models.OperatorLoad, error)

	CreateLeadSource(ctx context.Context, in LeadSourceInput) (models.LeadSource, error)
	ListLeadSources(ctx context.Context) ([]models.LeadSource, error)
	LinkOperator(ctx context.Context, link models.LeadSourceOperator) (models.LeadSourceOperator, error)
	ListLinks(ctx context.Context, leadSourceID uuid.UUID) ([]models.LeadSourceOperator, error)

	// ClaimPendingEvents moves up to limit events to in_progress. An event
	// left in_progress for longer than lease belongs to a dead claimer: it is
	// claimed again while attempts remain, and parked as failed otherwise.
	ClaimPendingEvents(ctx context.Context, limit int, lease time.Duration) ([]models.AppealEvent, error)
	MarkEventResult(ctx context.Context, in EventResult) error

	Ping(ctx context.Context) error
}

// Tx is a unit of work. Locks taken inside it are held until Commit or
// Rollback. Rollback after Commit is a no-op so callers can always defer it.
type Tx interface {
	// LockEligibleOperators locks every ACTIVE operator linked to the lead
	// source, then returns those whose ACTIVE appeal count is below their
	// limit. The count is taken after the locks are held.
	LockEligibleOperators(ctx context.Context, leadSourceID uuid.UUID) ([]models.EligibleOperator, error)
	// LockOperator locks a single operator row and returns its current load.
	LockOperator(ctx context.Context, id uuid.UUID) (models.OperatorLoad, error)

	CreateAppeal(ctx context.Context, in AppealInput) (models.Appeal, error)
	GetAppeal(ctx context.Context, id uuid.UUID) (models.Appeal, error)
	AssignOperator(ctx context.Context, appealID, operatorID uuid.UUID) (models.Appeal, error)
	UpdateAppealStatus(ctx context.Context, id uuid.UUID, status models.AppealStatus) (models.Appeal, error)
	DeleteAppeal(ctx context.Context, id uuid.UUID) error

	AppendEvent(ctx context.Context, in EventInput) error

	Commit() error
	Rollback() error
}

type AppealInput struct {
	ID           uuid.UUID
	Status       models.AppealStatus
	LeadID       uuid.UUID
	LeadSourceID uuid.UUID
}

type OperatorInput struct {
	ID                 uuid.UUID
	Name               string
	Status             models.OperatorStatus
	ActiveAppealsLimit int
}

// OperatorUpdate carries optional fields; nil means unchanged.
type OperatorUpdate struct {
	ID                 uuid.UUID
	Name               *string
	Status             *models.OperatorStatus
	ActiveAppealsLimit *int
}

type LeadSourceInput struct {
	ID   uuid.UUID
	Name string
}

type EventInput struct {
	ID        uuid.UUID
	AppealID  uuid.UUID
	EventType string
	Payload   json.RawMessage
}

type EventResult struct {
	ID          uuid.UUID
	Success     bool
	ArchivedKey string
	Error       string
}

// MaxStreamAttempts bounds delivery attempts before an event is parked as failed.
const MaxStreamAttempts = 5

const leaseExpiredError = "claim lease expired"

func ensureJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

// nextStreamStatus mirrors the CASE expression in the SQL MarkEventResult.
func nextStreamStatus(success bool, attempts int) string {
	if success {
		return models.StreamDone
	}
	if attempts >= MaxStreamAttempts {
		return models.StreamFailed
	}
	return models.StreamPending
}
