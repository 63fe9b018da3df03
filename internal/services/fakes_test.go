package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"coupon-ledger/internal/apperror"
	"coupon-ledger/internal/models"

	"github.com/google/uuid"
)

// memStore: RedemptionStore в памяти. Транзакции сериализуются и
// откатываются восстановлением снимка.
type memStore struct {
	mu       sync.Mutex
	coupons  map[uuid.UUID]*models.Coupon
	links    map[uuid.UUID]*models.ShareLink
	attempts map[uuid.UUID]*models.RedemptionAttempt
	outbox   []uuid.UUID

	failTx error
}

func newMemStore() *memStore {
	return &memStore{
		coupons:  make(map[uuid.UUID]*models.Coupon),
		links:    make(map[uuid.UUID]*models.ShareLink),
		attempts: make(map[uuid.UUID]*models.RedemptionAttempt),
	}
}

func (m *memStore) addCoupon(c *models.Coupon) *models.Coupon {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.BusinessID == uuid.Nil {
		c.BusinessID = uuid.New()
	}
	c.Code = normalizeCode(c.Code)
	m.coupons[c.ID] = c
	return c
}

func (m *memStore) addLink(l *models.ShareLink) *models.ShareLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	m.links[l.ID] = l
	return l
}

func (m *memStore) coupon(id uuid.UUID) models.Coupon {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.coupons[id]
}

func (m *memStore) link(id uuid.UUID) models.ShareLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.links[id]
}

func (m *memStore) countAttempts(outcome models.RedemptionOutcome) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.attempts {
		if a.Outcome == outcome {
			n++
		}
	}
	return n
}

func (m *memStore) outboxLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outbox)
}

type memSnapshot struct {
	coupons  map[uuid.UUID]models.Coupon
	links    map[uuid.UUID]models.ShareLink
	attempts map[uuid.UUID]*models.RedemptionAttempt
	outbox   []uuid.UUID
}

func (m *memStore) snapshot() memSnapshot {
	s := memSnapshot{
		coupons:  make(map[uuid.UUID]models.Coupon, len(m.coupons)),
		links:    make(map[uuid.UUID]models.ShareLink, len(m.links)),
		attempts: make(map[uuid.UUID]*models.RedemptionAttempt, len(m.attempts)),
		outbox:   append([]uuid.UUID(nil), m.outbox...),
	}
	for id, c := range m.coupons {
		s.coupons[id] = *c
	}
	for id, l := range m.links {
		s.links[id] = *l
	}
	for id, a := range m.attempts {
		s.attempts[id] = a
	}
	return s
}

func (m *memStore) restore(s memSnapshot) {
	for id, c := range s.coupons {
		*m.coupons[id] = c
	}
	for id, l := range s.links {
		*m.links[id] = l
	}
	m.attempts = s.attempts
	m.outbox = s.outbox
}

func (m *memStore) InTx(ctx context.Context, fn func(tx RedemptionTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTx != nil {
		err := m.failTx
		m.failTx = nil
		return err
	}

	snap := m.snapshot()
	if err := fn(&memTx{store: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *memStore) RecordRejected(ctx context.Context, attempt *models.RedemptionAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *attempt
	m.attempts[cp.ID] = &cp
	return nil
}

func (m *memStore) FindByToken(ctx context.Context, redeemerID uuid.UUID, token string) (*models.RedemptionAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attempts {
		if a.RedeemerID == redeemerID && a.IdempotencyToken != nil && *a.IdempotencyToken == token {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetAttempt(ctx context.Context, id uuid.UUID) (*models.RedemptionAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, apperror.NotFound("redemption not found", nil)
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) ListAttempts(ctx context.Context, filter models.RedemptionFilter) ([]*models.RedemptionAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.RedemptionAttempt
	for _, a := range m.attempts {
		if filter.CouponID != nil && (a.CouponID == nil || *a.CouponID != *filter.CouponID) {
			continue
		}
		if filter.RedeemerID != nil && a.RedeemerID != *filter.RedeemerID {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// memTx работает под блокировкой memStore.
type memTx struct {
	store *memStore
}

func (t *memTx) CouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	for _, c := range t.store.coupons {
		if c.Code == normalizeCode(code) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, apperror.Rejected(apperror.ReasonCouponNotFound)
}

func (t *memTx) ConsumeShareLink(ctx context.Context, linkID, couponID, redeemerID uuid.UUID, now time.Time) (*uuid.UUID, error) {
	l, ok := t.store.links[linkID]
	if !ok || l.CouponID != couponID || !l.Usable(now) {
		return nil, apperror.Rejected(apperror.ReasonInvalidShareLink)
	}
	consumedAt := now
	l.ConsumedAt = &consumedAt
	l.ConsumedBy = &redeemerID
	return l.AgentID, nil
}

func (t *memTx) ReserveUse(ctx context.Context, couponID uuid.UUID, now time.Time) (int, error) {
	c, ok := t.store.coupons[couponID]
	if !ok {
		return 0, apperror.Rejected(apperror.ReasonCouponNotFound)
	}
	if reason := c.CheckReservable(now); reason != "" {
		return 0, apperror.Rejected(reason)
	}
	c.UseCount++
	return c.UseCount, nil
}

func (t *memTx) InsertAttempt(ctx context.Context, attempt *models.RedemptionAttempt) error {
	if attempt.IdempotencyToken != nil {
		for _, a := range t.store.attempts {
			if a.RedeemerID == attempt.RedeemerID && a.IdempotencyToken != nil && *a.IdempotencyToken == *attempt.IdempotencyToken {
				return apperror.Rejected(apperror.ReasonDuplicateRedemption)
			}
		}
	}
	cp := *attempt
	t.store.attempts[cp.ID] = &cp
	return nil
}

func (t *memTx) EnqueueEvent(ctx context.Context, key string, event *models.Event) (uuid.UUID, error) {
	id := uuid.New()
	t.store.outbox = append(t.store.outbox, id)
	return id, nil
}

// stubPublisher считает немедленные публикации.
// block заставляет публикацию ждать отмены контекста, как зависший брокер.
type stubPublisher struct {
	mu    sync.Mutex
	ids   []uuid.UUID
	err   error
	block bool
	calls int
}

func (p *stubPublisher) PublishOne(ctx context.Context, id uuid.UUID) error {
	p.mu.Lock()
	p.calls++
	block, err := p.block, p.err
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, id)
	return nil
}

func (p *stubPublisher) published() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ids)
}

// stubBroker: OutboxPublisher для relay.
type stubBroker struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (b *stubBroker) Publish(topic, key string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.messages = append(b.messages, topic+"/"+key)
	return nil
}

var errBoom = errors.New("boom")
