package routing

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ILLUVRSE/appeal-router/internal/models"
)

// ErrNoAvailableOperator is a soft outcome: the caller persists the appeal
// unassigned.
var ErrNoAvailableOperator = errors.New("no available operator")

// Locker is the part of a unit of work the engine needs. Implementations
// must hold the operator locks until the enclosing unit of work ends.
type Locker interface {
	LockEligibleOperators(ctx context.Context, leadSourceID uuid.UUID) ([]models.EligibleOperator, error)
}

// Engine makes allocation decisions. It holds no state between calls besides
// its picker.
type Engine struct {
	picker Picker
	tracer trace.Tracer
}

// NewEngine returns an engine drawing with picker, or with a time-seeded
// WeightedPicker when picker is nil.
func NewEngine(picker Picker) *Engine {
	if picker == nil {
		picker = NewWeightedPicker()
	}
	return &Engine{
		picker: picker,
		tracer: otel.Tracer("github.com/ILLUVRSE/appeal-router/internal/routing"),
	}
}

// Allocate selects an operator for the appeal inside the caller's unit of
// work. It does not assign, commit or retry; the locks it takes are released
// by the caller's Commit or Rollback.
func (e *Engine) Allocate(ctx context.Context, tx Locker, appeal models.Appeal) (models.Operator, error) {
	ctx, span := e.tracer.Start(ctx, "routing.Allocate", trace.WithAttributes(
		attribute.String("appeal.id", appeal.ID.String()),
		attribute.String("lead_source.id", appeal.LeadSourceID.String()),
	))
	defer span.End()

	eligible, err := tx.LockEligibleOperators(ctx, appeal.LeadSourceID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "eligibility query failed")
		return models.Operator{}, fmt.Errorf("lock eligible operators: %w", err)
	}
	span.SetAttributes(attribute.Int("eligible.count", len(eligible)))
	if len(eligible) == 0 {
		log.Printf("[routing] no eligible operator for appeal %s (lead source %s)", appeal.ID, appeal.LeadSourceID)
		return models.Operator{}, fmt.Errorf("%w: lead_source_id=%s", ErrNoAvailableOperator, appeal.LeadSourceID)
	}

	chosen, err := e.picker.Pick(eligible)
	if err != nil {
		if errors.Is(err, ErrNoAvailableOperator) {
			log.Printf("[routing] eligible operators for lead source %s carry no routing weight", appeal.LeadSourceID)
			return models.Operator{}, fmt.Errorf("%w: lead_source_id=%s", ErrNoAvailableOperator, appeal.LeadSourceID)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "operator pick failed")
		return models.Operator{}, err
	}
	span.SetAttributes(attribute.String("operator.id", chosen.Operator.ID.String()))
	return chosen.Operator, nil
}
