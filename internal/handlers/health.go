package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/IBM/sarama"
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// HealthHandler отвечает на проверки здоровья.
// PostgreSQL и Redis обязательны для погашения. Kafka нет: пока брокер
// недоступен, события копятся в outbox и уходят позже.
type HealthHandler struct {
	db          DBHealth
	redisClient RedisHealth
	brokers     []string
	kafkaCheck  func([]string) error
	outbox      OutboxBacklog
	started     time.Time
}

// NewHealthHandler создает обработчик здоровья. kafkaCheck можно подменить в тестах.
func NewHealthHandler(db DBHealth, redisClient RedisHealth, brokers []string, kafkaCheck func([]string) error) *HealthHandler {
	if kafkaCheck == nil {
		kafkaCheck = CheckKafkaHealth
	}
	return &HealthHandler{
		db:          db,
		redisClient: redisClient,
		brokers:     brokers,
		kafkaCheck:  kafkaCheck,
		started:     time.Now(),
	}
}

// WithOutbox добавляет в ответ /health размер очереди outbox.
func (h *HealthHandler) WithOutbox(outbox OutboxBacklog) *HealthHandler {
	h.outbox = outbox
	return h
}

// ComponentStatus описывает состояние одной зависимости.
type ComponentStatus struct {
	Status   string `json:"status"`
	Critical bool   `json:"critical"`
	Error    string `json:"error,omitempty"`
}

// HealthResponse представляет ответ проверки здоровья
type HealthResponse struct {
	Status        string                     `json:"status"`
	Components    map[string]ComponentStatus `json:"components"`
	OutboxPending *int                       `json:"outbox_pending,omitempty"`
	Uptime        string                     `json:"uptime"`
}

type componentCheck struct {
	name     string
	critical bool
	run      func(ctx context.Context) error
}

func (h *HealthHandler) checks(criticalOnly bool) []componentCheck {
	checks := []componentCheck{
		{name: "database", critical: true, run: func(context.Context) error { return h.db.Health() }},
		{name: "redis", critical: true, run: func(ctx context.Context) error { return h.redisClient.Health(ctx) }},
	}
	if !criticalOnly {
		checks = append(checks, componentCheck{
			name: "kafka",
			run:  func(context.Context) error { return h.kafkaCheck(h.brokers) },
		})
	}
	return checks
}

// evaluate: отказ обязательной зависимости даёт unhealthy, необязательной degraded.
func (h *HealthHandler) evaluate(ctx context.Context, criticalOnly bool) HealthResponse {
	resp := HealthResponse{
		Status:     statusHealthy,
		Components: make(map[string]ComponentStatus),
		Uptime:     time.Since(h.started).Round(time.Second).String(),
	}

	for _, c := range h.checks(criticalOnly) {
		st := ComponentStatus{Status: statusHealthy, Critical: c.critical}
		if err := c.run(ctx); err != nil {
			st.Status = statusUnhealthy
			st.Error = err.Error()
			switch {
			case c.critical:
				resp.Status = statusUnhealthy
			case resp.Status == statusHealthy:
				resp.Status = statusDegraded
			}
		}
		resp.Components[c.name] = st
	}
	return resp
}

// Health проверяет состояние всех зависимостей и очередь outbox.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := h.evaluate(ctx, false)
	if h.outbox != nil {
		if n, err := h.outbox.Pending(ctx); err == nil {
			resp.OutboxPending = &n
		}
	}

	writeJSONResponse(w, healthStatusCode(resp.Status), resp)
}

// Readiness проверяет только зависимости, без которых погашение невозможно.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := h.evaluate(ctx, true)
	writeJSONResponse(w, healthStatusCode(resp.Status), resp)
}

// Liveness проверяет, что процесс жив.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

func healthStatusCode(status string) int {
	if status == statusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// CheckKafkaHealth проверяет, что хотя бы один брокер отвечает на запрос метаданных.
func CheckKafkaHealth(brokers []string) error {
	if len(brokers) == 0 {
		return fmt.Errorf("no brokers configured")
	}

	cfg := sarama.NewConfig()
	cfg.Net.DialTimeout = 3 * time.Second
	cfg.Net.ReadTimeout = 3 * time.Second
	cfg.Metadata.Retry.Max = 1
	cfg.Metadata.Retry.Backoff = 250 * time.Millisecond

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return fmt.Errorf("kafka unreachable: %w", err)
	}
	defer client.Close()

	if len(client.Brokers()) == 0 {
		return fmt.Errorf("kafka returned no brokers")
	}
	return nil
}
