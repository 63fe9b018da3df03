package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coupon-ledger/internal/config"
	"coupon-ledger/internal/database"
	"coupon-ledger/internal/logger"
	"coupon-ledger/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// OutboxPublisher отправляет сообщение в брокер.
type OutboxPublisher interface {
	Publish(topic, key string, payload []byte) error
}

// OutboxRelay публикует события, записанные в транзакции погашения.
type OutboxRelay struct {
	db        *database.DB
	publisher OutboxPublisher
	log       *logger.Logger
	batchSize int
	interval  time.Duration
}

// NewOutboxRelay создаёт relay для таблицы event_outbox.
func NewOutboxRelay(db *database.DB, publisher OutboxPublisher, log *logger.Logger, cfg *config.OutboxConfig) *OutboxRelay {
	batch := 100
	interval := 5 * time.Second
	if cfg != nil {
		if cfg.BatchSize > 0 {
			batch = cfg.BatchSize
		}
		if cfg.IntervalSeconds > 0 {
			interval = time.Duration(cfg.IntervalSeconds) * time.Second
		}
	}
	return &OutboxRelay{
		db:        db,
		publisher: publisher,
		log:       log,
		batchSize: batch,
		interval:  interval,
	}
}

// Enqueue записывает событие в outbox в рамках переданной транзакции.
func (r *OutboxRelay) Enqueue(ctx context.Context, tx *sql.Tx, topic, key string, event *models.Event) (uuid.UUID, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal outbox event: %w", err)
	}

	id := uuid.New()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO event_outbox (id, topic, event_key, event_type, payload, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
	`, id, topic, key, string(event.Type), payload, time.Now().UTC())
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return id, nil
}

// PublishOne публикует одну запись сразу после коммита погашения.
// Запись, уже опубликованную или захваченную фоновым проходом, пропускает.
func (r *OutboxRelay) PublishOne(ctx context.Context, id uuid.UUID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var (
		topic   string
		key     string
		payload []byte
	)
	err = tx.QueryRowContext(ctx, `
		SELECT topic, event_key, payload
		FROM event_outbox
		WHERE id = $1 AND published_at IS NULL
		FOR UPDATE SKIP LOCKED
	`, id).Scan(&topic, &key, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("failed to load outbox event: %w", err)
	}

	pubErr := r.publish(ctx, tx, id, topic, key, payload)
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit outbox update: %w", err)
	}
	return pubErr
}

type outboxRow struct {
	id      uuid.UUID
	topic   string
	key     string
	payload []byte
}

// RelayPending публикует пачку неопубликованных событий и возвращает число отправленных.
func (r *OutboxRelay) RelayPending(ctx context.Context) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, topic, event_key, payload
		FROM event_outbox
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending outbox events: %w", err)
	}

	var pending []outboxRow
	for rows.Next() {
		var row outboxRow
		if err := rows.Scan(&row.id, &row.topic, &row.key, &row.payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		pending = append(pending, row)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("failed to iterate outbox events: %w", err)
	}
	rows.Close()

	published := 0
	for _, row := range pending {
		if err := r.publish(ctx, tx, row.id, row.topic, row.key, row.payload); err != nil {
			continue
		}
		published++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit outbox batch: %w", err)
	}

	if len(pending) > 0 {
		r.log.WithFields(logrus.Fields{
			"pending":   len(pending),
			"published": published,
		}).Info("Outbox batch relayed")
	}
	return published, nil
}

// Pending возвращает число неопубликованных событий.
func (r *OutboxRelay) Pending(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM event_outbox WHERE published_at IS NULL").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending outbox events: %w", err)
	}
	return n, nil
}

// Run периодически публикует отложенные события до отмены контекста.
func (r *OutboxRelay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RelayPending(ctx); err != nil && ctx.Err() == nil {
				r.log.WithError(err).Error("Outbox relay failed")
			}
		}
	}
}

func (r *OutboxRelay) publish(ctx context.Context, tx *sql.Tx, id uuid.UUID, topic, key string, payload []byte) error {
	if err := r.publisher.Publish(topic, key, payload); err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"outbox_id": id,
			"topic":     topic,
		}).Warn("Outbox publish failed, will retry")
		if _, uerr := tx.ExecContext(ctx, "UPDATE event_outbox SET attempts = attempts + 1 WHERE id = $1", id); uerr != nil {
			return fmt.Errorf("failed to record outbox attempt: %w", uerr)
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, "UPDATE event_outbox SET published_at = $1 WHERE id = $2", time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to mark outbox event published: %w", err)
	}
	return nil
}
