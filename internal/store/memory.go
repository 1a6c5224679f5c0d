package store

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/appeal-router/internal/models"
)

// MemoryStore keeps everything in process. A one-slot writer channel stands in
// for the database lock: Begin takes the slot and Commit or Rollback returns
// it, so at most one unit of work observes and mutates capacity at a time.
// Appeal writes are staged on the Tx and published atomically on Commit.
type MemoryStore struct {
	writer chan struct{}

	mu          sync.RWMutex
	operators   map[uuid.UUID]models.Operator
	leadSources map[uuid.UUID]models.LeadSource
	links       map[uuid.UUID]map[uuid.UUID]int
	appeals     map[uuid.UUID]models.Appeal
	events      []models.AppealEvent
	claimedAt   map[uuid.UUID]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		writer:      make(chan struct{}, 1),
		operators:   make(map[uuid.UUID]models.Operator),
		leadSources: make(map[uuid.UUID]models.LeadSource),
		links:       make(map[uuid.UUID]map[uuid.UUID]int),
		appeals:     make(map[uuid.UUID]models.Appeal),
		claimedAt:   make(map[uuid.UUID]time.Time),
	}
}

func (s *MemoryStore) acquire(ctx context.Context) error {
	select {
	case s.writer <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MemoryStore) release() {
	<-s.writer
}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &memTx{store: s, staged: make(map[uuid.UUID]*models.Appeal)}, nil
}

func (s *MemoryStore) GetAppeal(ctx context.Context, id uuid.UUID) (models.Appeal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	appeal, ok := s.appeals[id]
	if !ok {
		return models.Appeal{}, ErrNotFound
	}
	return appeal, nil
}

func (s *MemoryStore) ListAppeals(ctx context.Context) ([]models.Appeal, error) {
	s.mu.RLock()
	out := make([]models.Appeal, 0, len(s.appeals))
	for _, appeal := range s.appeals {
		out = append(out, appeal)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b models.Appeal) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	return out, nil
}

func (s *MemoryStore) CreateOperator(ctx context.Context, in OperatorInput) (models.Operator, error) {
	if !in.Status.Valid() || in.ActiveAppealsLimit < 0 {
		return models.Operator{}, fmt.Errorf("%w: invalid operator", ErrConflict)
	}
	if err := s.acquire(ctx); err != nil {
		return models.Operator{}, err
	}
	defer s.release()

	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.operators[in.ID]; exists {
		return models.Operator{}, fmt.Errorf("%w: operator %s exists", ErrConflict, in.ID)
	}
	op := models.Operator{
		ID:                 in.ID,
		Name:               in.Name,
		Status:             in.Status,
		ActiveAppealsLimit: in.ActiveAppealsLimit,
		CreatedAt:          time.Now().UTC(),
	}
	s.operators[op.ID] = op
	return op, nil
}

func (s *MemoryStore) UpdateOperator(ctx context.Context, in OperatorUpdate) (models.Operator, error) {
	if err := s.acquire(ctx); err != nil {
		return models.Operator{}, err
	}
	defer s.release()

	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operators[in.ID]
	if !ok {
		return models.Operator{}, ErrNotFound
	}
	if in.Name != nil {
		op.Name = *in.Name
	}
	if in.Status != nil {
		if !in.Status.Valid() {
			return models.Operator{}, fmt.Errorf("%w: invalid status %q", ErrConflict, *in.Status)
		}
		op.Status = *in.Status
	}
	if in.ActiveAppealsLimit != nil {
		if *in.ActiveAppealsLimit < 0 {
			return models.Operator{}, fmt.Errorf("%w: negative limit", ErrConflict)
		}
		op.ActiveAppealsLimit = *in.ActiveAppealsLimit
	}
	s.operators[op.ID] = op
	return op, nil
}

func (s *MemoryStore) GetOperator(ctx context.Context, id uuid.UUID) (models.OperatorLoad, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.operators[id]
	if !ok {
		return models.OperatorLoad{}, ErrNotFound
	}
	return models.OperatorLoad{Operator: op, ActiveAppeals: s.activeCount(id, nil)}, nil
}

func (s *MemoryStore) ListOperators(ctx context.Context) ([]models.OperatorLoad, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.OperatorLoad, 0, len(s.operators))
	for id, op := range s.operators {
		out = append(out, models.OperatorLoad{Operator: op, ActiveAppeals: s.activeCount(id, nil)})
	}
	slices.SortFunc(out, func(a, b models.OperatorLoad) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	return out, nil
}

func (s *MemoryStore) CreateLeadSource(ctx context.Context, in LeadSourceInput) (models.LeadSource, error) {
	if err := s.acquire(ctx); err != nil {
		return models.LeadSource{}, err
	}
	defer s.release()

	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.leadSources[in.ID]; exists {
		return models.LeadSource{}, fmt.Errorf("%w: lead source %s exists", ErrConflict, in.ID)
	}
	src := models.LeadSource{ID: in.ID, Name: in.Name, CreatedAt: time.Now().UTC()}
	s.leadSources[src.ID] = src
	return src, nil
}

func (s *MemoryStore) ListLeadSources(ctx context.Context) ([]models.LeadSource, error) {
	s.mu.RLock()
	out := make([]models.LeadSource, 0, len(s.leadSources))
	for _, src := range s.leadSources {
		out = append(out, src)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b models.LeadSource) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	return out, nil
}

func (s *MemoryStore) LinkOperator(ctx context.Context, link models.LeadSourceOperator) (models.LeadSourceOperator, error) {
	if link.RoutingFactor <= 0 || link.RoutingFactor > models.MaxRoutingFactor {
		return models.LeadSourceOperator{}, fmt.Errorf("%w: routing factor %d out of range", ErrConflict, link.RoutingFactor)
	}
	if err := s.acquire(ctx); err != nil {
		return models.LeadSourceOperator{}, err
	}
	defer s.release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.leadSources[link.LeadSourceID]; !ok {
		return models.LeadSourceOperator{}, fmt.Errorf("%w: lead source %s", ErrNotFound, link.LeadSourceID)
	}
	if _, ok := s.operators[link.OperatorID]; !ok {
		return models.LeadSourceOperator{}, fmt.Errorf("%w: operator %s", ErrNotFound, link.OperatorID)
	}
	if s.links[link.LeadSourceID] == nil {
		s.links[link.LeadSourceID] = make(map[uuid.UUID]int)
	}
	s.links[link.LeadSourceID][link.OperatorID] = link.RoutingFactor
	return link, nil
}

func (s *MemoryStore) ListLinks(ctx context.Context, leadSourceID uuid.UUID) ([]models.LeadSourceOperator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.LeadSourceOperator, 0, len(s.links[leadSourceID]))
	for opID, factor := range s.links[leadSourceID] {
		out = append(out, models.LeadSourceOperator{LeadSourceID: leadSourceID, OperatorID: opID, RoutingFactor: factor})
	}
	slices.SortFunc(out, func(a, b models.LeadSourceOperator) int {
		return cmp.Compare(a.OperatorID.String(), b.OperatorID.String())
	})
	return out, nil
}

func (s *MemoryStore) ClaimPendingEvents(ctx context.Context, limit int, lease time.Duration) ([]models.AppealEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	staleBefore := now.Add(-lease)
	var out []models.AppealEvent
	for i := range s.events {
		ev := &s.events[i]
		expired := ev.StreamStatus == models.StreamInProgress && s.claimedAt[ev.ID].Before(staleBefore)
		if expired && ev.Attempts >= MaxStreamAttempts {
			ev.StreamStatus = models.StreamFailed
			ev.LastError = leaseExpiredError
			continue
		}
		if len(out) >= limit || (ev.StreamStatus != models.StreamPending && !expired) {
			continue
		}
		ev.StreamStatus = models.StreamInProgress
		ev.Attempts++
		s.claimedAt[ev.ID] = now
		out = append(out, *ev)
	}
	return out, nil
}

func (s *MemoryStore) MarkEventResult(ctx context.Context, in EventResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		ev := &s.events[i]
		if ev.ID != in.ID {
			continue
		}
		ev.StreamStatus = nextStreamStatus(in.Success, ev.Attempts)
		if in.ArchivedKey != "" {
			ev.ArchivedKey = in.ArchivedKey
		}
		ev.LastError = in.Error
		return nil
	}
	return ErrNotFound
}

// Events returns a snapshot of the outbox in insertion order.
func (s *MemoryStore) Events() []models.AppealEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events)
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// activeCount counts ACTIVE appeals held by the operator, letting staged
// writes shadow committed ones. Callers hold mu.
func (s *MemoryStore) activeCount(operatorID uuid.UUID, staged map[uuid.UUID]*models.Appeal) int {
	count := 0
	for id, appeal := range s.appeals {
		if _, shadowed := staged[id]; shadowed {
			continue
		}
		if appeal.Status == models.AppealActive && appeal.AssignedOperatorID != nil && *appeal.AssignedOperatorID == operatorID {
			count++
		}
	}
	for _, appeal := range staged {
		if appeal == nil {
			continue
		}
		if appeal.Status == models.AppealActive && appeal.AssignedOperatorID != nil && *appeal.AssignedOperatorID == operatorID {
			count++
		}
	}
	return count
}

type memTx struct {
	store *MemoryStore
	// nil entries are staged deletes
	staged map[uuid.UUID]*models.Appeal
	events []models.AppealEvent
	done   bool
}

func (t *memTx) check() error {
	if t.done {
		return ErrTxDone
	}
	return nil
}

func (t *memTx) LockEligibleOperators(ctx context.Context, leadSourceID uuid.UUID) ([]models.EligibleOperator, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	s := t.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.EligibleOperator
	for opID, factor := range s.links[leadSourceID] {
		op, ok := s.operators[opID]
		if !ok || op.Status != models.OperatorActive {
			continue
		}
		if t.store.activeCount(opID, t.staged) >= op.ActiveAppealsLimit {
			continue
		}
		out = append(out, models.EligibleOperator{Operator: op, RoutingFactor: factor})
	}
	slices.SortFunc(out, func(a, b models.EligibleOperator) int {
		return cmp.Compare(a.Operator.ID.String(), b.Operator.ID.String())
	})
	return out, nil
}

func (t *memTx) LockOperator(ctx context.Context, id uuid.UUID) (models.OperatorLoad, error) {
	if err := t.check(); err != nil {
		return models.OperatorLoad{}, err
	}
	s := t.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.operators[id]
	if !ok {
		return models.OperatorLoad{}, ErrNotFound
	}
	return models.OperatorLoad{Operator: op, ActiveAppeals: s.activeCount(id, t.staged)}, nil
}

func (t *memTx) CreateAppeal(ctx context.Context, in AppealInput) (models.Appeal, error) {
	if err := t.check(); err != nil {
		return models.Appeal{}, err
	}
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	s := t.store
	s.mu.RLock()
	_, known := s.leadSources[in.LeadSourceID]
	_, exists := s.appeals[in.ID]
	s.mu.RUnlock()
	if !known {
		return models.Appeal{}, fmt.Errorf("insert appeal: %w: lead source %s", ErrNotFound, in.LeadSourceID)
	}
	if staged, ok := t.staged[in.ID]; (ok && staged != nil) || (!ok && exists) {
		return models.Appeal{}, fmt.Errorf("insert appeal: %w: appeal %s exists", ErrConflict, in.ID)
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
	t.staged[appeal.ID] = &appeal
	return appeal, nil
}

func (t *memTx) GetAppeal(ctx context.Context, id uuid.UUID) (models.Appeal, error) {
	if err := t.check(); err != nil {
		return models.Appeal{}, err
	}
	if staged, ok := t.staged[id]; ok {
		if staged == nil {
			return models.Appeal{}, ErrNotFound
		}
		return *staged, nil
	}
	return t.store.GetAppeal(ctx, id)
}

func (t *memTx) mutate(ctx context.Context, id uuid.UUID, fn func(*models.Appeal)) (models.Appeal, error) {
	appeal, err := t.GetAppeal(ctx, id)
	if err != nil {
		return models.Appeal{}, err
	}
	fn(&appeal)
	appeal.UpdatedAt = time.Now().UTC()
	t.staged[id] = &appeal
	return appeal, nil
}

func (t *memTx) AssignOperator(ctx context.Context, appealID, operatorID uuid.UUID) (models.Appeal, error) {
	if operatorID != uuid.Nil {
		t.store.mu.RLock()
		_, ok := t.store.operators[operatorID]
		t.store.mu.RUnlock()
		if !ok {
			return models.Appeal{}, fmt.Errorf("assign operator: %w: operator %s", ErrNotFound, operatorID)
		}
	}
	return t.mutate(ctx, appealID, func(a *models.Appeal) {
		if operatorID == uuid.Nil {
			a.AssignedOperatorID = nil
			return
		}
		id := operatorID
		a.AssignedOperatorID = &id
	})
}

func (t *memTx) UpdateAppealStatus(ctx context.Context, id uuid.UUID, status models.AppealStatus) (models.Appeal, error) {
	return t.mutate(ctx, id, func(a *models.Appeal) {
		a.Status = status
	})
}

func (t *memTx) DeleteAppeal(ctx context.Context, id uuid.UUID) error {
	if _, err := t.GetAppeal(ctx, id); err != nil {
		return err
	}
	t.staged[id] = nil
	return nil
}

func (t *memTx) AppendEvent(ctx context.Context, in EventInput) error {
	if err := t.check(); err != nil {
		return err
	}
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	t.events = append(t.events, models.AppealEvent{
		ID:           in.ID,
		AppealID:     in.AppealID,
		EventType:    in.EventType,
		Payload:      append(json.RawMessage(nil), ensureJSON(in.Payload)...),
		StreamStatus: models.StreamPending,
		CreatedAt:    time.Now().UTC(),
	})
	return nil
}

func (t *memTx) Commit() error {
	if err := t.check(); err != nil {
		return err
	}
	s := t.store
	s.mu.Lock()
	for id, appeal := range t.staged {
		if appeal == nil {
			delete(s.appeals, id)
			continue
		}
		s.appeals[id] = *appeal
	}
	s.events = append(s.events, t.events...)
	s.mu.Unlock()
	t.finish()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

func (t *memTx) finish() {
	t.done = true
	t.staged = nil
	t.events = nil
	t.store.release()
}
