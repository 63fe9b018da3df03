package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"coupon-ledger/internal/apperror"
	"coupon-ledger/internal/logger"
	"coupon-ledger/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventPublisher публикует событие outbox сразу после коммита.
type EventPublisher interface {
	PublishOne(ctx context.Context, id uuid.UUID) error
}

// afterCommitTimeout ограничивает работу после коммита: публикацию, запись
// результата идемпотентности и освобождение ключа.
const afterCommitTimeout = 2 * time.Second

// RedemptionService: единственная точка погашения купонов.
type RedemptionService struct {
	store       RedemptionStore
	idem        IdempotencyStore
	publisher   EventPublisher
	gate        *keyedGate
	log         *logger.Logger
	timeout     time.Duration
	afterCommit time.Duration
	now         func() time.Time
}

// NewRedemptionService создаёт сервис погашения.
func NewRedemptionService(store RedemptionStore, idem IdempotencyStore, publisher EventPublisher, log *logger.Logger, timeout time.Duration) *RedemptionService {
	return &RedemptionService{
		store:       store,
		idem:        idem,
		publisher:   publisher,
		gate:        newKeyedGate(),
		log:         log,
		timeout:     timeout,
		afterCommit: afterCommitTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Redeem погашает купон. Бизнес-отказ возвращается как результат с причиной
// и nil-ошибкой; ошибка означает сбой инфраструктуры или занятый ключ идемпотентности.
func (s *RedemptionService) Redeem(ctx context.Context, cmd *models.RedeemCommand) (*models.RedemptionResult, error) {
	if cmd == nil || strings.TrimSpace(cmd.CouponCode) == "" {
		return nil, apperror.Validation("coupon_code is required", nil)
	}
	if cmd.RedeemerID == uuid.Nil {
		return nil, apperror.Unauthorized("redeemer is required", nil)
	}

	now := cmd.Now
	if now.IsZero() {
		now = s.now()
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	token := strings.TrimSpace(cmd.IdempotencyToken)
	if token == "" || s.idem == nil {
		return s.execute(ctx, cmd, token, now)
	}

	key := idempotencyKey(cmd.RedeemerID, token)
	fingerprint := requestFingerprint(cmd)

	prior, err := s.idem.Begin(ctx, key, fingerprint)
	if err != nil {
		if reason, ok := apperror.ReasonOf(err); ok && reason == apperror.ReasonDuplicateRedemption {
			// ключ мог остаться в processing, если запрос истёк после коммита
			if result := s.replayStored(ctx, cmd.RedeemerID, token, key, fingerprint); result != nil {
				return result, nil
			}
			s.log.WithFields(logrus.Fields{
				"redeemer_id": cmd.RedeemerID,
				"coupon_code": cmd.CouponCode,
			}).Warn("Duplicate redemption request")
		}
		return nil, err
	}
	if prior != nil {
		prior.Replayed = true
		return prior, nil
	}

	stored, err := s.store.FindByToken(ctx, cmd.RedeemerID, token)
	if err != nil {
		s.release(key, fingerprint)
		return nil, err
	}
	if stored != nil {
		if attemptFingerprint(stored) != fingerprint {
			s.release(key, fingerprint)
			return nil, apperror.Rejected(apperror.ReasonDuplicateRedemption)
		}
		result := stored.Result()
		s.complete(key, fingerprint, result)
		result.Replayed = true
		return result, nil
	}

	result, err := s.execute(ctx, cmd, token, now)
	if err != nil {
		s.release(key, fingerprint)
		return nil, err
	}
	s.complete(key, fingerprint, result)
	return result, nil
}

// replayStored возвращает сохранённую в БД попытку того же запроса или nil.
func (s *RedemptionService) replayStored(ctx context.Context, redeemerID uuid.UUID, token, key, fingerprint string) *models.RedemptionResult {
	stored, err := s.store.FindByToken(ctx, redeemerID, token)
	if err != nil {
		s.log.WithError(err).WithField("key", key).Warn("Failed to look up stored redemption")
		return nil
	}
	if stored == nil || stored.Outcome == models.RedemptionPending || attemptFingerprint(stored) != fingerprint {
		return nil
	}
	result := stored.Result()
	s.complete(key, fingerprint, result)
	result.Replayed = true
	return result
}

func (s *RedemptionService) execute(ctx context.Context, cmd *models.RedeemCommand, token string, now time.Time) (*models.RedemptionResult, error) {
	release, err := s.gate.Acquire(ctx, normalizeCode(cmd.CouponCode))
	if err != nil {
		return nil, fmt.Errorf("redemption gate: %w", err)
	}
	defer release()

	attempt := &models.RedemptionAttempt{
		ID:          uuid.New(),
		CouponCode:  normalizeCode(cmd.CouponCode),
		RedeemerID:  cmd.RedeemerID,
		ShareLinkID: cmd.ShareLinkID,
		Outcome:     models.RedemptionPending,
		OrderAmount: cmd.OrderAmount,
		CreatedAt:   now,
	}
	if token != "" {
		attempt.IdempotencyToken = &token
	}

	var outboxID uuid.UUID
	err = s.store.InTx(ctx, func(tx RedemptionTx) error {
		coupon, err := tx.CouponByCode(ctx, cmd.CouponCode)
		if err != nil {
			return err
		}
		attempt.CouponID = &coupon.ID
		attempt.BusinessID = &coupon.BusinessID

		var shareAgent *uuid.UUID
		if cmd.ShareLinkID != nil {
			shareAgent, err = tx.ConsumeShareLink(ctx, *cmd.ShareLinkID, coupon.ID, cmd.RedeemerID, now)
			if err != nil {
				return err
			}
		}

		if _, err := tx.ReserveUse(ctx, coupon.ID, now); err != nil {
			return err
		}

		attempt.DiscountAmount = calculateDiscount(coupon, cmd.OrderAmount)
		if err := attempt.Commit(); err != nil {
			return err
		}
		if err := tx.InsertAttempt(ctx, attempt); err != nil {
			return err
		}

		event, err := models.NewEvent(models.EventTypeRedemptionCommitted, &models.RedemptionCommittedData{
			RedemptionID: attempt.ID,
			CouponID:     coupon.ID,
			BusinessID:   coupon.BusinessID,
			RedeemerID:   cmd.RedeemerID,
			ShareLinkID:  cmd.ShareLinkID,
			ShareAgentID: shareAgent,
			CommittedAt:  now,
		})
		if err != nil {
			return err
		}
		outboxID, err = tx.EnqueueEvent(ctx, coupon.ID.String(), event)
		return err
	})
	if err != nil {
		return s.reject(ctx, attempt, err)
	}

	s.log.WithFields(logrus.Fields{
		"redemption_id": attempt.ID,
		"coupon_id":     attempt.CouponID,
		"redeemer_id":   attempt.RedeemerID,
		"share_link_id": attempt.ShareLinkID,
	}).Info("Redemption committed")

	if s.publisher != nil {
		pubCtx, cancel := s.detached(ctx)
		defer cancel()
		if err := s.publisher.PublishOne(pubCtx, outboxID); err != nil {
			s.log.WithError(err).WithField("redemption_id", attempt.ID).
				Warn("Immediate event publish failed, outbox relay will retry")
		}
	}

	return attempt.Result(), nil
}

// reject превращает отказ с причиной в терминальный результат. Транзакция уже
// откатилась, поэтому резерв и ссылка не изменены; попытка пишется отдельно для аудита.
func (s *RedemptionService) reject(ctx context.Context, attempt *models.RedemptionAttempt, cause error) (*models.RedemptionResult, error) {
	reason, ok := apperror.ReasonOf(cause)
	if !ok || reason == apperror.ReasonDuplicateRedemption {
		return nil, cause
	}

	if err := attempt.Reject(reason); err != nil {
		return nil, err
	}
	if err := s.store.RecordRejected(ctx, attempt); err != nil {
		s.log.WithError(err).WithField("redemption_id", attempt.ID).Warn("Failed to record rejected redemption")
	}

	s.log.WithFields(logrus.Fields{
		"redemption_id": attempt.ID,
		"coupon_code":   attempt.CouponCode,
		"redeemer_id":   attempt.RedeemerID,
		"reason":        reason,
	}).Info("Redemption rejected")

	return attempt.Result(), nil
}

// GetAttempt возвращает попытку погашения.
func (s *RedemptionService) GetAttempt(ctx context.Context, id uuid.UUID) (*models.RedemptionAttempt, error) {
	return s.store.GetAttempt(ctx, id)
}

// ListAttempts возвращает попытки по купону или пользователю.
func (s *RedemptionService) ListAttempts(ctx context.Context, filter models.RedemptionFilter) ([]*models.RedemptionAttempt, error) {
	return s.store.ListAttempts(ctx, filter)
}

func (s *RedemptionService) complete(key, fingerprint string, result *models.RedemptionResult) {
	ctx, cancel := s.detached(context.Background())
	defer cancel()
	if err := s.idem.Complete(ctx, key, fingerprint, result); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("Failed to store idempotent result")
	}
}

func (s *RedemptionService) release(key, fingerprint string) {
	ctx, cancel := s.detached(context.Background())
	defer cancel()
	if err := s.idem.Release(ctx, key, fingerprint); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("Failed to release idempotency key")
	}
}

// detached отвязывает ctx от дедлайна запроса: после коммита результат
// должен дойти до Redis и брокера, даже если клиент уже не ждёт.
func (s *RedemptionService) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.afterCommit)
}

func requestFingerprint(cmd *models.RedeemCommand) string {
	return fingerprintOf(cmd.CouponCode, cmd.ShareLinkID, cmd.OrderAmount)
}

func attemptFingerprint(a *models.RedemptionAttempt) string {
	return fingerprintOf(a.CouponCode, a.ShareLinkID, a.OrderAmount)
}

func fingerprintOf(code string, shareLinkID *uuid.UUID, orderAmount *float64) string {
	var b strings.Builder
	b.WriteString(normalizeCode(code))
	b.WriteByte('|')
	if shareLinkID != nil {
		b.WriteString(shareLinkID.String())
	}
	b.WriteByte('|')
	if orderAmount != nil {
		b.WriteString(fmt.Sprintf("%.2f", *orderAmount))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
