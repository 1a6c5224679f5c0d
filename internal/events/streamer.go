package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ILLUVRSE/appeal-router/internal/canonical"
	"github.com/ILLUVRSE/appeal-router/internal/models"
	"github.com/ILLUVRSE/appeal-router/internal/store"
)

type Producer interface {
	Produce(ctx context.Context, key, value []byte) (time.Time, error)
	Close() error
}

// Archiver returns the object key the envelope was stored under.
type Archiver interface {
	Archive(ctx context.Context, ev models.AppealEvent, envelope []byte) (string, error)
}

// Outbox is the store surface the streamer drives.
type Outbox interface {
	ClaimPendingEvents(ctx context.Context, limit int, lease time.Duration) ([]models.AppealEvent, error)
	MarkEventResult(ctx context.Context, in store.EventResult) error
}

type StreamerConfig struct {
	BatchSize      int
	PollInterval   time.Duration
	MaxConcurrency int
	// ClaimLease is how long a claimed event may stay in flight before
	// another streamer takes it over.
	ClaimLease time.Duration
}

// Streamer drains the appeal_events outbox: each claimed event is produced to
// Kafka, archived to object storage when an archiver is set, and its outcome
// recorded so the database stays the source of truth for retries.
type Streamer struct {
	outbox   Outbox
	producer Producer
	archiver Archiver
	cfg      StreamerConfig
}

func NewStreamer(outbox Outbox, producer Producer, archiver Archiver, cfg StreamerConfig) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 5 * time.Minute
	}
	return &Streamer{outbox: outbox, producer: producer, archiver: archiver, cfg: cfg}
}

// Run polls until ctx is cancelled, then waits for in-flight events and
// closes the producer.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[events.streamer] starting (batch=%d, concurrency=%d)", s.cfg.BatchSize, s.cfg.MaxConcurrency)
	defer log.Printf("[events.streamer] stopped")
	defer func() {
		if s.producer != nil {
			_ = s.producer.Close()
		}
	}()

	for {
		n, err := s.RunOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Printf("[events.streamer] claim pending: %v", err)
		}
		if err != nil || n == 0 {
			if !sleep(ctx, s.cfg.PollInterval) {
				return ctx.Err()
			}
		}
	}
}

// RunOnce claims one batch and processes it with bounded concurrency. It
// returns the number of events claimed.
func (s *Streamer) RunOnce(ctx context.Context) (int, error) {
	batch, err := s.outbox.ClaimPendingEvents(ctx, s.cfg.BatchSize, s.cfg.ClaimLease)
	if err != nil {
		return 0, err
	}
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.cfg.MaxConcurrency)
	for _, ev := range batch {
		sem <- struct{}{}
		wg.Add(1)
		go func(ev models.AppealEvent) {
			defer func() {
				<-sem
				wg.Done()
			}()
			if err := s.processEvent(ctx, ev); err != nil {
				log.Printf("[events.streamer] process event %s error: %v", ev.ID, err)
			}
		}(ev)
	}
	wg.Wait()
	return len(batch), nil
}

func (s *Streamer) processEvent(parentCtx context.Context, ev models.AppealEvent) error {
	// results are recorded even if the parent is cancelled mid-flight
	markCtx := context.WithoutCancel(parentCtx)
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	fail := func(stage string, err error) error {
		msg := fmt.Sprintf("%s: %v", stage, err)
		if markErr := s.outbox.MarkEventResult(markCtx, store.EventResult{ID: ev.ID, Error: msg}); markErr != nil {
			log.Printf("[events.streamer] mark event %s failed: %v", ev.ID, markErr)
		}
		return fmt.Errorf("%s: %w", stage, err)
	}

	envelope, err := BuildEnvelope(ev)
	if err != nil {
		return fail("canonicalize envelope", err)
	}
	producedAt, err := s.producer.Produce(ctx, []byte(ev.AppealID.String()), envelope)
	if err != nil {
		return fail("kafka produce", err)
	}
	var archivedKey string
	if s.archiver != nil {
		archivedKey, err = s.archiver.Archive(ctx, ev, envelope)
		if err != nil {
			return fail("s3 archive", err)
		}
	}
	if err := s.outbox.MarkEventResult(markCtx, store.EventResult{ID: ev.ID, Success: true, ArchivedKey: archivedKey}); err != nil {
		return fmt.Errorf("mark event stream success: %w", err)
	}
	log.Printf("[events.streamer] event %s processed: produced_at=%s archived_key=%q", ev.ID, producedAt.Format(time.RFC3339Nano), archivedKey)
	return nil
}

// BuildEnvelope is the canonical JSON sent to Kafka and archived. digest is
// the hex SHA-256 of the canonical payload so consumers can verify it.
func BuildEnvelope(ev models.AppealEvent) ([]byte, error) {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	digest, err := canonical.Hash(payload)
	if err != nil {
		return nil, fmt.Errorf("payload digest: %w", err)
	}
	return canonical.MarshalCanonical(map[string]interface{}{
		"id":        ev.ID,
		"appealId":  ev.AppealID,
		"eventType": ev.EventType,
		"payload":   payload,
		"digest":    digest,
		"ts":        ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
