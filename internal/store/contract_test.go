package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/appeal-router/internal/models"
)

// runStoreContract exercises the behaviour every backend must share. newStore
// must return an empty, migrated store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("eligibility filters inactive, full and zero-limit operators", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		src := mustLeadSource(t, s)
		open := mustOperator(t, s, models.OperatorActive, 2)
		inactive := mustOperator(t, s, models.OperatorInactive, 5)
		zero := mustOperator(t, s, models.OperatorActive, 0)
		full := mustOperator(t, s, models.OperatorActive, 1)
		mustLink(t, s, src, open, 3)
		mustLink(t, s, src, inactive, 3)
		mustLink(t, s, src, zero, 3)
		mustLink(t, s, src, full, 3)
		assignInTx(t, s, src, full.ID)

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback()
		eligible, err := tx.LockEligibleOperators(ctx, src)
		require.NoError(t, err)
		require.Len(t, eligible, 1)
		assert.Equal(t, open.ID, eligible[0].Operator.ID)
		assert.Equal(t, 3, eligible[0].RoutingFactor)
	})

	t.Run("lead source without links has no eligible operators", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		src := mustLeadSource(t, s)
		mustOperator(t, s, models.OperatorActive, 10)

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback()
		eligible, err := tx.LockEligibleOperators(ctx, src)
		require.NoError(t, err)
		assert.Empty(t, eligible)
	})

	t.Run("closed appeals free capacity", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		src := mustLeadSource(t, s)
		op := mustOperator(t, s, models.OperatorActive, 1)
		mustLink(t, s, src, op, 1)
		appeal := assignInTx(t, s, src, op.ID)

		load, err := s.GetOperator(ctx, op.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, load.ActiveAppeals)
		assert.False(t, load.HasCapacity())

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		_, err = tx.UpdateAppealStatus(ctx, appeal.ID, models.AppealClosed)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		load, err = s.GetOperator(ctx, op.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, load.ActiveAppeals)
		assert.True(t, load.HasCapacity())
	})

	t.Run("rollback discards appeal and assignment", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		src := mustLeadSource(t, s)
		op := mustOperator(t, s, models.OperatorActive, 1)
		mustLink(t, s, src, op, 1)

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		appeal, err := tx.CreateAppeal(ctx, AppealInput{Status: models.AppealActive, LeadID: uuid.New(), LeadSourceID: src})
		require.NoError(t, err)
		_, err = tx.AssignOperator(ctx, appeal.ID, op.ID)
		require.NoError(t, err)
		require.NoError(t, tx.AppendEvent(ctx, EventInput{AppealID: appeal.ID, EventType: models.EventAppealCreated}))
		require.NoError(t, tx.Rollback())

		_, err = s.GetAppeal(ctx, appeal.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		load, err := s.GetOperator(ctx, op.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, load.ActiveAppeals)
		events, err := s.ClaimPendingEvents(ctx, 10, time.Hour)
		require.NoError(t, err)
		assert.Empty(t, events)

		// the lock was released
		ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		tx2, err := s.Begin(ctx2)
		require.NoError(t, err)
		require.NoError(t, tx2.Rollback())
	})

	t.Run("rollback after commit is a no-op", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		src := mustLeadSource(t, s)

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		appeal, err := tx.CreateAppeal(ctx, AppealInput{Status: models.AppealActive, LeadID: uuid.New(), LeadSourceID: src})
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		assert.NoError(t, tx.Rollback())

		got, err := s.GetAppeal(ctx, appeal.ID)
		require.NoError(t, err)
		assert.Nil(t, got.AssignedOperatorID)
		assert.Equal(t, models.AppealActive, got.Status)
	})

	t.Run("one slot and two concurrent units of work", func(t *testing.T) {
		s := newStore(t)
		src := mustLeadSource(t, s)
		op := mustOperator(t, s, models.OperatorActive, 1)
		mustLink(t, s, src, op, 1)

		results := allocateConcurrently(t, s, src, 2)
		assigned := 0
		for _, a := range results {
			if a.AssignedOperatorID != nil {
				assigned++
			}
		}
		assert.Equal(t, 1, assigned)
		load, err := s.GetOperator(context.Background(), op.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, load.ActiveAppeals)
	})

	t.Run("capacity invariant under concurrent allocation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		src := mustLeadSource(t, s)
		a := mustOperator(t, s, models.OperatorActive, 3)
		b := mustOperator(t, s, models.OperatorActive, 2)
		mustLink(t, s, src, a, 5)
		mustLink(t, s, src, b, 1)

		results := allocateConcurrently(t, s, src, 12)
		assigned := 0
		for _, r := range results {
			if r.AssignedOperatorID != nil {
				assigned++
			}
		}
		assert.Equal(t, 5, assigned)

		loads, err := s.ListOperators(ctx)
		require.NoError(t, err)
		for _, load := range loads {
			assert.LessOrEqual(t, load.ActiveAppeals, load.ActiveAppealsLimit, "operator %s", load.ID)
		}
		appeals, err := s.ListAppeals(ctx)
		require.NoError(t, err)
		assert.Len(t, appeals, 12)
	})

	t.Run("lock operator reports load seen by the unit of work", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		src := mustLeadSource(t, s)
		op := mustOperator(t, s, models.OperatorActive, 2)
		mustLink(t, s, src, op, 1)

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback()
		appeal, err := tx.CreateAppeal(ctx, AppealInput{Status: models.AppealActive, LeadID: uuid.New(), LeadSourceID: src})
		require.NoError(t, err)
		_, err = tx.AssignOperator(ctx, appeal.ID, op.ID)
		require.NoError(t, err)
		load, err := tx.LockOperator(ctx, op.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, load.ActiveAppeals)

		_, err = tx.LockOperator(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unassign and delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		src := mustLeadSource(t, s)
		op := mustOperator(t, s, models.OperatorActive, 1)
		mustLink(t, s, src, op, 1)
		appeal := assignInTx(t, s, src, op.ID)

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		got, err := tx.AssignOperator(ctx, appeal.ID, uuid.Nil)
		require.NoError(t, err)
		assert.Nil(t, got.AssignedOperatorID)
		require.NoError(t, tx.DeleteAppeal(ctx, appeal.ID))
		assert.ErrorIs(t, tx.DeleteAppeal(ctx, appeal.ID), ErrNotFound)
		require.NoError(t, tx.Commit())

		_, err = s.GetAppeal(ctx, appeal.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("referential errors map to sentinels", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		src := mustLeadSource(t, s)
		op := mustOperator(t, s, models.OperatorActive, 1)

		_, err := s.LinkOperator(ctx, models.LeadSourceOperator{LeadSourceID: uuid.New(), OperatorID: op.ID, RoutingFactor: 1})
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.LinkOperator(ctx, models.LeadSourceOperator{LeadSourceID: src, OperatorID: op.ID, RoutingFactor: 0})
		assert.ErrorIs(t, err, ErrConflict)
		_, err = s.CreateOperator(ctx, OperatorInput{ID: op.ID, Status: models.OperatorActive, ActiveAppealsLimit: 1})
		assert.ErrorIs(t, err, ErrConflict)

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback()
		_, err = tx.CreateAppeal(ctx, AppealInput{Status: models.AppealActive, LeadID: uuid.New(), LeadSourceID: uuid.New()})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("operator updates and link upsert", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		src := mustLeadSource(t, s)
		op := mustOperator(t, s, models.OperatorActive, 1)
		mustLink(t, s, src, op, 1)
		mustLink(t, s, src, op, 7)

		links, err := s.ListLinks(ctx, src)
		require.NoError(t, err)
		require.Len(t, links, 1)
		assert.Equal(t, 7, links[0].RoutingFactor)

		_, err = s.LinkOperator(ctx, models.LeadSourceOperator{LeadSourceID: src, OperatorID: op.ID, RoutingFactor: models.MaxRoutingFactor + 1})
		assert.ErrorIs(t, err, ErrConflict)
		mustLink(t, s, src, op, models.MaxRoutingFactor)
		links, err = s.ListLinks(ctx, src)
		require.NoError(t, err)
		require.Len(t, links, 1)
		assert.Equal(t, models.MaxRoutingFactor, links[0].RoutingFactor)

		inactive := models.OperatorInactive
		limit := 4
		updated, err := s.UpdateOperator(ctx, OperatorUpdate{ID: op.ID, Status: &inactive, ActiveAppealsLimit: &limit})
		require.NoError(t, err)
		assert.Equal(t, models.OperatorInactive, updated.Status)
		assert.Equal(t, 4, updated.ActiveAppealsLimit)
		assert.Equal(t, op.Name, updated.Name)

		_, err = s.UpdateOperator(ctx, OperatorUpdate{ID: uuid.New(), ActiveAppealsLimit: &limit})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("outbox claim and result bookkeeping", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		src := mustLeadSource(t, s)

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		appeal, err := tx.CreateAppeal(ctx, AppealInput{Status: models.AppealActive, LeadID: uuid.New(), LeadSourceID: src})
		require.NoError(t, err)
		require.NoError(t, tx.AppendEvent(ctx, EventInput{AppealID: appeal.ID, EventType: models.EventAppealCreated, Payload: []byte(`{"status":"ACTIVE"}`)}))
		require.NoError(t, tx.AppendEvent(ctx, EventInput{AppealID: appeal.ID, EventType: models.EventAppealUnassigned}))
		require.NoError(t, tx.Commit())

		claimed, err := s.ClaimPendingEvents(ctx, 10, time.Hour)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		assert.Equal(t, 1, claimed[0].Attempts)
		assert.JSONEq(t, `{"status":"ACTIVE"}`, string(claimed[0].Payload))

		again, err := s.ClaimPendingEvents(ctx, 10, time.Hour)
		require.NoError(t, err)
		assert.Empty(t, again, "in-progress events are not claimed twice")

		require.NoError(t, s.MarkEventResult(ctx, EventResult{ID: claimed[0].ID, Success: true, ArchivedKey: "k"}))
		require.NoError(t, s.MarkEventResult(ctx, EventResult{ID: claimed[1].ID, Error: "broker down"}))

		retry, err := s.ClaimPendingEvents(ctx, 10, time.Hour)
		require.NoError(t, err)
		require.Len(t, retry, 1)
		assert.Equal(t, claimed[1].ID, retry[0].ID)
		assert.Equal(t, 2, retry[0].Attempts)
		assert.Equal(t, "broker down", retry[0].LastError)

		for attempt := retry[0].Attempts; attempt < MaxStreamAttempts; attempt++ {
			require.NoError(t, s.MarkEventResult(ctx, EventResult{ID: retry[0].ID, Error: "broker down"}))
			next, err := s.ClaimPendingEvents(ctx, 10, time.Hour)
			require.NoError(t, err)
			require.Len(t, next, 1)
		}
		require.NoError(t, s.MarkEventResult(ctx, EventResult{ID: retry[0].ID, Error: "broker down"}))
		parked, err := s.ClaimPendingEvents(ctx, 10, time.Hour)
		require.NoError(t, err)
		assert.Empty(t, parked, "events past the attempt budget are parked as failed")

		assert.ErrorIs(t, s.MarkEventResult(ctx, EventResult{ID: uuid.New(), Success: true}), ErrNotFound)
	})

	t.Run("events abandoned in flight are reclaimed after the lease", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		src := mustLeadSource(t, s)
		appealEvent(t, s, src)

		first, err := s.ClaimPendingEvents(ctx, 10, time.Hour)
		require.NoError(t, err)
		require.Len(t, first, 1)
		none, err := s.ClaimPendingEvents(ctx, 10, time.Hour)
		require.NoError(t, err)
		assert.Empty(t, none, "a live claim is not taken over")

		attempts := first[0].Attempts
		for attempts < MaxStreamAttempts {
			time.Sleep(5 * time.Millisecond)
			again, err := s.ClaimPendingEvents(ctx, 10, time.Millisecond)
			require.NoError(t, err)
			require.Len(t, again, 1)
			assert.Equal(t, first[0].ID, again[0].ID)
			assert.Equal(t, attempts+1, again[0].Attempts)
			attempts = again[0].Attempts
		}

		time.Sleep(5 * time.Millisecond)
		exhausted, err := s.ClaimPendingEvents(ctx, 10, time.Millisecond)
		require.NoError(t, err)
		assert.Empty(t, exhausted, "an abandoned event past the attempt budget is parked")
	})
}

// appealEvent commits one appeal with a single pending outbox event.
func appealEvent(t *testing.T, s Store, leadSourceID uuid.UUID) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	appeal, err := tx.CreateAppeal(ctx, AppealInput{Status: models.AppealActive, LeadID: uuid.New(), LeadSourceID: leadSourceID})
	require.NoError(t, err)
	require.NoError(t, tx.AppendEvent(ctx, EventInput{AppealID: appeal.ID, EventType: models.EventAppealCreated}))
	require.NoError(t, tx.Commit())
	return appeal.ID
}

func mustLeadSource(t *testing.T, s Store) uuid.UUID {
	t.Helper()
	src, err := s.CreateLeadSource(context.Background(), LeadSourceInput{Name: "web"})
	require.NoError(t, err)
	return src.ID
}

func mustOperator(t *testing.T, s Store, status models.OperatorStatus, limit int) models.Operator {
	t.Helper()
	op, err := s.CreateOperator(context.Background(), OperatorInput{Name: "op-" + uuid.NewString()[:8], Status: status, ActiveAppealsLimit: limit})
	require.NoError(t, err)
	return op
}

func mustLink(t *testing.T, s Store, leadSourceID uuid.UUID, op models.Operator, factor int) {
	t.Helper()
	_, err := s.LinkOperator(context.Background(), models.LeadSourceOperator{LeadSourceID: leadSourceID, OperatorID: op.ID, RoutingFactor: factor})
	require.NoError(t, err)
}

func assignInTx(t *testing.T, s Store, leadSourceID, operatorID uuid.UUID) models.Appeal {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	appeal, err := tx.CreateAppeal(ctx, AppealInput{Status: models.AppealActive, LeadID: uuid.New(), LeadSourceID: leadSourceID})
	require.NoError(t, err)
	appeal, err = tx.AssignOperator(ctx, appeal.ID, operatorID)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return appeal
}

// allocateConcurrently runs n units of work at once, each creating an appeal
// and assigning it to the first eligible operator.
func allocateConcurrently(t *testing.T, s Store, leadSourceID uuid.UUID, n int) []models.Appeal {
	t.Helper()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []models.Appeal
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			appeal, err := allocateOnce(s, leadSourceID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			results = append(results, appeal)
		}()
	}
	close(start)
	wg.Wait()
	require.Empty(t, errs)
	return results
}

func allocateOnce(s Store, leadSourceID uuid.UUID) (models.Appeal, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	tx, err := s.Begin(ctx)
	if err != nil {
		return models.Appeal{}, err
	}
	defer tx.Rollback()
	appeal, err := tx.CreateAppeal(ctx, AppealInput{Status: models.AppealActive, LeadID: uuid.New(), LeadSourceID: leadSourceID})
	if err != nil {
		return models.Appeal{}, err
	}
	eligible, err := tx.LockEligibleOperators(ctx, leadSourceID)
	if err != nil {
		return models.Appeal{}, err
	}
	if len(eligible) > 0 {
		appeal, err = tx.AssignOperator(ctx, appeal.ID, eligible[0].Operator.ID)
		if err != nil {
			return models.Appeal{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return models.Appeal{}, err
	}
	return appeal, nil
}
