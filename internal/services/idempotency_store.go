package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coupon-ledger/internal/apperror"
	"coupon-ledger/internal/models"
	"coupon-ledger/internal/redis"

	"github.com/google/uuid"
)

// IdempotencyStore хранит результат погашения по ключу идемпотентности.
type IdempotencyStore interface {
	// Begin захватывает ключ. Возвращает (nil, nil), если ключ свободен,
	// сохранённый результат для повтора того же запроса или
	// DuplicateRedemption, если ключ занят другим запросом или ещё в работе.
	Begin(ctx context.Context, key, fingerprint string) (*models.RedemptionResult, error)
	Complete(ctx context.Context, key, fingerprint string, result *models.RedemptionResult) error
	// Release освобождает ключ, если он всё ещё занят запросом с fingerprint.
	Release(ctx context.Context, key, fingerprint string) error
}

type idempotencyState string

const (
	idempotencyProcessing idempotencyState = "processing"
	idempotencyDone       idempotencyState = "done"
)

type idempotencyRecord struct {
	State       idempotencyState         `json:"state"`
	Fingerprint string                   `json:"fingerprint"`
	Result      *models.RedemptionResult `json:"result,omitempty"`
}

type idempotencyRedis interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	DeleteIfEquals(ctx context.Context, key string, expected interface{}) (bool, error)
}

// RedisIdempotencyStore реализует IdempotencyStore поверх Redis.
type RedisIdempotencyStore struct {
	redis idempotencyRedis
	ttl   time.Duration
}

// NewRedisIdempotencyStore создаёт хранилище ключей идемпотентности.
func NewRedisIdempotencyStore(client *redis.Client, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotencyStore{
		redis: client,
		ttl:   ttl,
	}
}

// Begin захватывает ключ через SETNX.
func (s *RedisIdempotencyStore) Begin(ctx context.Context, key, fingerprint string) (*models.RedemptionResult, error) {
	// ключ мог истечь между SETNX и GET, поэтому вторая попытка
	for i := 0; i < 2; i++ {
		ok, err := s.redis.SetNX(ctx, key, processingRecord(fingerprint), s.ttl)
		if err != nil {
			return nil, fmt.Errorf("idempotency begin: %w", err)
		}
		if ok {
			return nil, nil
		}

		var rec idempotencyRecord
		if err := s.redis.Get(ctx, key, &rec); err != nil {
			if errors.Is(err, redis.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if rec.Fingerprint != fingerprint || rec.State != idempotencyDone || rec.Result == nil {
			return nil, apperror.Rejected(apperror.ReasonDuplicateRedemption)
		}
		return rec.Result, nil
	}
	return nil, apperror.Rejected(apperror.ReasonDuplicateRedemption)
}

// Complete сохраняет терминальный результат.
func (s *RedisIdempotencyStore) Complete(ctx context.Context, key, fingerprint string, result *models.RedemptionResult) error {
	rec := idempotencyRecord{State: idempotencyDone, Fingerprint: fingerprint, Result: result}
	if err := s.redis.Set(ctx, key, rec, s.ttl); err != nil {
		return fmt.Errorf("idempotency complete: %w", err)
	}
	return nil
}

// Release освобождает ключ после инфраструктурной ошибки, чтобы клиент мог повторить запрос.
// Ключ, истёкший и захваченный заново, не трогается.
func (s *RedisIdempotencyStore) Release(ctx context.Context, key, fingerprint string) error {
	if _, err := s.redis.DeleteIfEquals(ctx, key, processingRecord(fingerprint)); err != nil {
		return fmt.Errorf("idempotency release: %w", err)
	}
	return nil
}

func processingRecord(fingerprint string) idempotencyRecord {
	return idempotencyRecord{State: idempotencyProcessing, Fingerprint: fingerprint}
}

func idempotencyKey(redeemerID uuid.UUID, token string) string {
	return redis.GenerateKey(redis.KeyPrefixIdempotency, redeemerID.String()+":"+token)
}
