package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxEntry is an event waiting to be published
type OutboxEntry struct {
	ID            int64
	EventID       string
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds configuration for the relay
type OutboxConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before an entry is dead-lettered
	MaxRetries      int
	DeadLetterTopic string
	// Retention is how long published entries are kept
	Retention time.Duration
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    200 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "dosing.dead-letter",
		Retention:       72 * time.Hour,
	}
}

// Publisher sends a message to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// RelayObserver receives relay outcomes, typically to feed metrics
type RelayObserver interface {
	EntryPublished(eventType string)
	EntryFailed(eventType string)
	EntriesDeadLettered(n int)
}

// relayLockID is the advisory lock held by the single active relay
const relayLockID int64 = 0x646f7365 // "dose"

// Relay publishes outbox entries written by domain transactions
type Relay struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher Publisher
	observer  RelayObserver
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates a new outbox relay; observer may be nil
func NewRelay(pool *pgxpool.Pool, publisher Publisher, cfg OutboxConfig, observer RelayObserver, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		observer:  observer,
		logger:    logger,
		tracer:    otel.Tracer("outbox-relay"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WriteEntry writes an outbox entry within the caller's transaction
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (event_id, aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		entry.EventID,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		entry.KafkaTopic,
		entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

// Start begins polling
func (r *Relay) Start() {
	go r.loop()
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
}

// Stop waits for the current batch to finish
func (r *Relay) Stop() {
	r.cancel()
	<-r.done
	r.logger.Info("outbox relay stopped")
}

func (r *Relay) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(r.ctx); err != nil {
				r.logger.Error("outbox batch failed", zap.Error(err))
			}
		case <-cleanup.C:
			if n, err := r.CleanupProcessed(r.ctx); err != nil {
				r.logger.Error("outbox cleanup failed", zap.Error(err))
			} else if n > 0 {
				r.logger.Info("outbox cleanup completed", zap.Int64("deleted", n))
			}
		}
	}
}

// RunOnce publishes one batch while holding the relay advisory lock and
// returns the number of entries published. Another relay holding the lock
// makes this a no-op.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", relayLockID).Scan(&acquired); err != nil {
		return 0, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}
	defer conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", relayLockID)

	if n, err := r.deadLetter(ctx); err != nil {
		r.logger.Error("dead-letter failed", zap.Error(err))
	} else if n > 0 && r.observer != nil {
		r.observer.EntriesDeadLettered(n)
	}

	entries, err := r.fetchPending(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published := 0
	// a failed key holds back its later entries so per-key order survives retries
	blocked := make(map[string]bool)
	for _, entry := range entries {
		if blocked[entry.KafkaKey] {
			continue
		}
		if err := r.publish(ctx, entry); err != nil {
			r.logger.Warn("outbox publish failed",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
			blocked[entry.KafkaKey] = true
			continue
		}
		published++
	}
	return published, nil
}

func (r *Relay) fetchPending(ctx context.Context) ([]*OutboxEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL AND retry_count < $1
		ORDER BY id
		LIMIT $2`, r.config.MaxRetries, r.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(
			&e.ID, &e.EventID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.KafkaTopic, &e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *Relay) publish(ctx context.Context, entry *OutboxEntry) error {
	ctx, span := r.tracer.Start(ctx, "outbox_publish",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	if err := r.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload); err != nil {
		span.RecordError(err)
		if _, uerr := r.pool.Exec(ctx, `
			UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2`, err.Error(), entry.ID); uerr != nil {
			r.logger.Error("failed to update retry count", zap.Error(uerr))
		}
		if r.observer != nil {
			r.observer.EntryFailed(entry.EventType)
		}
		return err
	}

	if _, err := r.pool.Exec(ctx,
		`UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, entry.ID); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if r.observer != nil {
		r.observer.EntryPublished(entry.EventType)
	}
	return nil
}

// deadLetter moves entries that exhausted their retries to the dead-letter topic
func (r *Relay) deadLetter(ctx context.Context) (int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_id, event_type, aggregate_id, payload, kafka_topic, kafka_key, retry_count, last_error, created_at
		FROM outbox
		WHERE processed_at IS NULL AND retry_count >= $1
		ORDER BY id
		LIMIT $2`, r.config.MaxRetries, r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("query failed entries: %w", err)
	}
	var failed []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &e.AggregateID, &e.Payload,
			&e.KafkaTopic, &e.KafkaKey, &e.RetryCount, &e.LastError, &e.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan failed entry: %w", err)
		}
		failed = append(failed, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	moved := 0
	for _, e := range failed {
		payload, _ := json.Marshal(map[string]any{
			"original_topic": e.KafkaTopic,
			"event_id":       e.EventID,
			"event_type":     e.EventType,
			"aggregate_id":   e.AggregateID,
			"payload":        e.Payload,
			"retry_count":    e.RetryCount,
			"last_error":     e.LastError,
			"created_at":     e.CreatedAt,
		})
		if err := r.publisher.Publish(ctx, r.config.DeadLetterTopic, e.KafkaKey, payload); err != nil {
			r.logger.Error("failed to publish to dead letter", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		if _, err := r.pool.Exec(ctx, `UPDATE outbox SET processed_at = NOW() WHERE id = $1`, e.ID); err != nil {
			r.logger.Error("failed to mark dead-lettered entry", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		moved++
	}
	return moved, nil
}

// CleanupProcessed deletes published entries older than the retention
func (r *Relay) CleanupProcessed(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL AND processed_at < NOW() - make_interval(secs => $1)`,
		r.config.Retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxStats summarises the outbox backlog
type OutboxStats struct {
	Pending       int64
	Failed        int64
	OldestPending *time.Time
}

// Stats returns the current backlog
func (r *Relay) Stats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE retry_count < $1),
			COUNT(*) FILTER (WHERE retry_count >= $1),
			MIN(created_at)
		FROM outbox
		WHERE processed_at IS NULL`, r.config.MaxRetries,
	).Scan(&stats.Pending, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
