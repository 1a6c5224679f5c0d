package appeals

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/appeal-router/internal/models"
	"github.com/ILLUVRSE/appeal-router/internal/store"
)

type OperatorInput struct {
	ID                 uuid.UUID
	Name               string
	Status             models.OperatorStatus
	ActiveAppealsLimit int
}

func (s *Service) CreateOperator(ctx context.Context, in OperatorInput) (models.Operator, error) {
	if in.Status == "" {
		in.Status = models.OperatorActive
	}
	if !in.Status.Valid() {
		return models.Operator{}, fmt.Errorf("%w: unknown operator status %q", ErrValidation, in.Status)
	}
	if in.ActiveAppealsLimit < 0 {
		return models.Operator{}, fmt.Errorf("%w: activeAppealsLimit must be >= 0", ErrValidation)
	}
	return s.store.CreateOperator(ctx, store.OperatorInput{
		ID:                 in.ID,
		Name:               in.Name,
		Status:             in.Status,
		ActiveAppealsLimit: in.ActiveAppealsLimit,
	})
}

type OperatorPatch struct {
	Name               *string
	Status             *models.OperatorStatus
	ActiveAppealsLimit *int
}

// UpdateOperator changes name, status or limit. Lowering the limit below the
// current load is allowed; the operator simply stops being eligible.
func (s *Service) UpdateOperator(ctx context.Context, id uuid.UUID, patch OperatorPatch) (models.Operator, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return models.Operator{}, fmt.Errorf("%w: unknown operator status %q", ErrValidation, *patch.Status)
	}
	if patch.ActiveAppealsLimit != nil && *patch.ActiveAppealsLimit < 0 {
		return models.Operator{}, fmt.Errorf("%w: activeAppealsLimit must be >= 0", ErrValidation)
	}
	return s.store.UpdateOperator(ctx, store.OperatorUpdate{
		ID:                 id,
		Name:               patch.Name,
		Status:             patch.Status,
		ActiveAppealsLimit: patch.ActiveAppealsLimit,
	})
}

func (s *Service) GetOperator(ctx context.Context, id uuid.UUID) (models.OperatorLoad, error) {
	return s.store.GetOperator(ctx, id)
}

func (s *Service) ListOperators(ctx context.Context) ([]models.OperatorLoad, error) {
	return s.store.ListOperators(ctx)
}

func (s *Service) CreateLeadSource(ctx context.Context, id uuid.UUID, name string) (models.LeadSource, error) {
	return s.store.CreateLeadSource(ctx, store.LeadSourceInput{ID: id, Name: name})
}

func (s *Service) ListLeadSources(ctx context.Context) ([]models.LeadSource, error) {
	return s.store.ListLeadSources(ctx)
}

// LinkOperator makes an operator eligible for a lead source, or changes its
// routing factor if it already is.
func (s *Service) LinkOperator(ctx context.Context, link models.LeadSourceOperator) (models.LeadSourceOperator, error) {
	if link.RoutingFactor <= 0 {
		return models.LeadSourceOperator{}, fmt.Errorf("%w: routingFactor must be positive", ErrValidation)
	}
	if link.RoutingFactor > models.MaxRoutingFactor {
		return models.LeadSourceOperator{}, fmt.Errorf("%w: routingFactor must not exceed %d", ErrValidation, models.MaxRoutingFactor)
	}
	return s.store.LinkOperator(ctx, link)
}

func (s *Service) ListLinks(ctx context.Context, leadSourceID uuid.UUID) ([]models.LeadSourceOperator, error) {
	return s.store.ListLinks(ctx, leadSourceID)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
