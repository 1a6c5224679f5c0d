package appeals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/appeal-router/internal/models"
	"github.com/ILLUVRSE/appeal-router/internal/routing"
	"github.com/ILLUVRSE/appeal-router/internal/store"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrAlreadyAssigned  = errors.New("appeal already assigned")
	ErrNotRoutable      = errors.New("appeal is not active")
	ErrCapacityExceeded = errors.New("operator has no spare capacity")
)

// Allocator picks an operator inside an open unit of work.
type Allocator interface {
	Allocate(ctx context.Context, tx routing.Locker, appeal models.Appeal) (models.Operator, error)
}

// Service owns the appeal lifecycle. Every operation runs in its own unit of
// work on the store.
type Service struct {
	store  store.Store
	engine Allocator
}

// New wires a service to its store and allocator.
func New(st store.Store, engine Allocator) *Service {
	return &Service{store: st, engine: engine}
}

type CreateInput struct {
	ID           uuid.UUID
	LeadID       uuid.UUID
	LeadSourceID uuid.UUID
}

// Create persists a new ACTIVE appeal and routes it in the same unit of work.
// When no operator is available the appeal is still created, unassigned.
func (s *Service) Create(ctx context.Context, in CreateInput) (models.Appeal, error) {
	if in.LeadID == uuid.Nil || in.LeadSourceID == uuid.Nil {
		return models.Appeal{}, fmt.Errorf("%w: leadId and leadSourceId required", ErrValidation)
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Appeal{}, err
	}
	defer tx.Rollback()

	appeal, err := tx.CreateAppeal(ctx, store.AppealInput{
		ID:           in.ID,
		Status:       models.AppealActive,
		LeadID:       in.LeadID,
		LeadSourceID: in.LeadSourceID,
	})
	if err != nil {
		return models.Appeal{}, err
	}
	if err := appendEvent(ctx, tx, models.EventAppealCreated, appeal, eventDetail{}); err != nil {
		return models.Appeal{}, err
	}
	appeal, err = s.assign(ctx, tx, appeal)
	if err != nil {
		return models.Appeal{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Appeal{}, err
	}
	return appeal, nil
}

// Route retries allocation for an ACTIVE appeal that has no operator yet.
// It is never called automatically.
func (s *Service) Route(ctx context.Context, id uuid.UUID) (models.Appeal, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Appeal{}, err
	}
	defer tx.Rollback()

	appeal, err := tx.GetAppeal(ctx, id)
	if err != nil {
		return models.Appeal{}, err
	}
	if appeal.Assigned() {
		return models.Appeal{}, ErrAlreadyAssigned
	}
	if appeal.Status != models.AppealActive {
		return models.Appeal{}, fmt.Errorf("%w: status %s", ErrNotRoutable, appeal.Status)
	}
	appeal, err = s.assign(ctx, tx, appeal)
	if err != nil {
		return models.Appeal{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Appeal{}, err
	}
	return appeal, nil
}

func (s *Service) assign(ctx context.Context, tx store.Tx, appeal models.Appeal) (models.Appeal, error) {
	op, err := s.engine.Allocate(ctx, tx, appeal)
	if errors.Is(err, routing.ErrNoAvailableOperator) {
		log.Printf("[appeals] appeal %s left unassigned: %v", appeal.ID, err)
		return appeal, nil
	}
	if err != nil {
		return models.Appeal{}, err
	}
	assigned, err := tx.AssignOperator(ctx, appeal.ID, op.ID)
	if err != nil {
		return models.Appeal{}, err
	}
	if err := appendEvent(ctx, tx, models.EventAppealAssigned, assigned, eventDetail{}); err != nil {
		return models.Appeal{}, err
	}
	return assigned, nil
}

// UpdateStatus moves an appeal to another status. Reopening an assigned
// appeal counts against its operator again, so the operator is locked and
// must have room.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, status models.AppealStatus) (models.Appeal, error) {
	if status == "" {
		return models.Appeal{}, fmt.Errorf("%w: status required", ErrValidation)
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Appeal{}, err
	}
	defer tx.Rollback()

	appeal, err := tx.GetAppeal(ctx, id)
	if err != nil {
		return models.Appeal{}, err
	}
	if appeal.Status == status {
		return appeal, nil
	}
	if status == models.AppealActive && appeal.Assigned() {
		load, err := tx.LockOperator(ctx, *appeal.AssignedOperatorID)
		if err != nil {
			return models.Appeal{}, err
		}
		if !load.HasCapacity() {
			return models.Appeal{}, fmt.Errorf("%w: operator %s holds %d of %d", ErrCapacityExceeded, load.ID, load.ActiveAppeals, load.ActiveAppealsLimit)
		}
	}
	previous := appeal.Status
	appeal, err = tx.UpdateAppealStatus(ctx, id, status)
	if err != nil {
		return models.Appeal{}, err
	}
	if err := appendEvent(ctx, tx, models.EventAppealStatusChanged, appeal, eventDetail{PreviousStatus: previous}); err != nil {
		return models.Appeal{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Appeal{}, err
	}
	return appeal, nil
}

// Unassign detaches the operator from an appeal, freeing its slot.
func (s *Service) Unassign(ctx context.Context, id uuid.UUID) (models.Appeal, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return models.Appeal{}, err
	}
	defer tx.Rollback()

	appeal, err := tx.GetAppeal(ctx, id)
	if err != nil {
		return models.Appeal{}, err
	}
	if !appeal.Assigned() {
		return appeal, nil
	}
	previous := *appeal.AssignedOperatorID
	appeal, err = tx.AssignOperator(ctx, id, uuid.Nil)
	if err != nil {
		return models.Appeal{}, err
	}
	if err := appendEvent(ctx, tx, models.EventAppealUnassigned, appeal, eventDetail{PreviousOperatorID: &previous}); err != nil {
		return models.Appeal{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Appeal{}, err
	}
	return appeal, nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	appeal, err := tx.GetAppeal(ctx, id)
	if err != nil {
		return err
	}
	if err := tx.DeleteAppeal(ctx, id); err != nil {
		return err
	}
	if err := appendEvent(ctx, tx, models.EventAppealDeleted, appeal, eventDetail{}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (models.Appeal, error) {
	return s.store.GetAppeal(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]models.Appeal, error) {
	return s.store.ListAppeals(ctx)
}

type eventDetail struct {
	PreviousStatus     models.AppealStatus `json:"previousStatus,omitempty"`
	PreviousOperatorID *uuid.UUID          `json:"previousOperatorId,omitempty"`
}

type eventPayload struct {
	Appeal models.Appeal `json:"appeal"`
	eventDetail
}

func appendEvent(ctx context.Context, tx store.Tx, eventType string, appeal models.Appeal, detail eventDetail) error {
	payload, err := json.Marshal(eventPayload{Appeal: appeal, eventDetail: detail})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	return tx.AppendEvent(ctx, store.EventInput{
		AppealID:  appeal.ID,
		EventType: eventType,
		Payload:   payload,
	})
}
