package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"coupon-ledger/internal/config"
	"coupon-ledger/internal/database"
	"coupon-ledger/internal/handlers"
	"coupon-ledger/internal/kafka"
	"coupon-ledger/internal/logger"
	"coupon-ledger/internal/models"
	"coupon-ledger/internal/redis"
	"coupon-ledger/internal/services"
)

// Фабричные функции для подключения внешних сервисов (подменяемые в тестах).
var (
	dbConnect        = database.Connect
	redisConnect     = redis.Connect
	newKafkaProducer = kafka.NewProducer
	newKafkaConsumer = kafka.NewConsumer
	kafkaHealthCheck = handlers.CheckKafkaHealth
	loadConfig       = config.Load
	newLogger        = logger.New
)

// consumerRetry: пауза между попытками подключить consumer к Kafka.
var consumerRetry = 5 * time.Second

// application агрегирует собранные зависимости.
type application struct {
	cfg        *config.Config
	log        *logger.Logger
	db         *database.DB
	redis      *redis.Client
	producer   *kafka.Producer
	consumer   *kafka.Consumer
	ledger     *services.CommissionLedger
	stats      *services.StatsService
	outbox     *services.OutboxRelay
	stopOutbox context.CancelFunc
	outboxDone chan struct{}
	stopKafka  context.CancelFunc
	kafkaDone  chan struct{}
	mux        *http.ServeMux
	server     *http.Server
}

// routeHandlers собирает HTTP-обработчики для setupRoutes.
type routeHandlers struct {
	coupons     *handlers.CouponHandler
	shareLinks  *handlers.ShareLinkHandler
	redemptions *handlers.RedemptionHandler
	commissions *handlers.CommissionHandler
	stats       *handlers.StatsHandler
	health      *handlers.HealthHandler
	rateLimit   *handlers.RateLimitHandler
}

func main() {
	app, err := buildApplication()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build app: %v\n", err)
		os.Exit(1)
	}
	app.log.Info("Starting coupon ledger server...")

	app.startOutbox()
	app.startConsumer()

	go func() {
		app.log.WithField("address", app.server.Addr).Info("HTTP server starting")
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	app.log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.server.Shutdown(ctx); err != nil {
		app.log.WithError(err).Error("Server forced to shutdown")
	}
	app.shutdown()
	app.log.Info("Server exited")
}

// startOutbox запускает фоновую публикацию событий из outbox.
func (a *application) startOutbox() {
	ctx, cancel := context.WithCancel(context.Background())
	a.stopOutbox = cancel
	a.outboxDone = make(chan struct{})
	go func() {
		defer close(a.outboxDone)
		a.log.Module("outbox").Info("Outbox relay started")
		a.outbox.Run(ctx)
	}()
}

// startConsumer подключает consumer к Kafka. Пока брокер недоступен,
// попытки повторяются в фоне; погашения тем временем копятся в outbox.
func (a *application) startConsumer() {
	ctx, cancel := context.WithCancel(context.Background())
	a.stopKafka = cancel
	a.kafkaDone = make(chan struct{})
	go func() {
		defer close(a.kafkaDone)
		log := a.log.Module("kafka")
		for {
			consumer, err := a.connectConsumer()
			if err == nil {
				a.consumer = consumer
				return
			}
			log.WithError(err).WithField("retry_in", consumerRetry.String()).Warn("Kafka consumer unavailable")

			select {
			case <-ctx.Done():
				return
			case <-time.After(consumerRetry):
			}
		}
	}()
}

// connectConsumer создаёт consumer, регистрирует обработчики и запускает чтение.
func (a *application) connectConsumer() (*kafka.Consumer, error) {
	consumer, err := newKafkaConsumer(&a.cfg.Kafka, a.log)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.SetDeadLetter(a.producer)
	consumer.SetRetryPolicy(a.cfg.Kafka.Consumer.MaxRetries, a.cfg.Kafka.Consumer.RetryBackoff())
	registerEventHandlers(consumer, a.ledger, a.stats, a.log)
	if err := consumer.Start(); err != nil {
		_ = consumer.Stop()
		return nil, fmt.Errorf("kafka consumer start: %w", err)
	}
	return consumer, nil
}

// shutdown останавливает фоновые процессы и закрывает подключения.
func (a *application) shutdown() {
	if a.stopOutbox != nil {
		a.stopOutbox()
		<-a.outboxDone
	}
	if a.stopKafka != nil {
		a.stopKafka()
		<-a.kafkaDone
	}
	if a.consumer != nil {
		_ = a.consumer.Stop()
	}
	_ = a.producer.Close()
	_ = a.redis.Close()
	_ = a.db.Close()
}

// buildApplication создает все зависимости (подменяемые в тестах).
func buildApplication() (*application, error) {
	cfg := loadConfig()
	log := newLogger(&cfg.Logger)

	db, err := dbConnect(&cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}

	if cfg.Database.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := db.Migrate(ctx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("db migrate: %w", err)
		}
	}

	redisClient, err := redisConnect(&cfg.Redis, log)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}

	producer := newKafkaProducer(&cfg.Kafka, log)

	registry := services.NewCouponRegistry(db, log)
	shareLinks := services.NewShareLinkService(db, log, cfg.Redemption.ShareLinkTTL())
	outbox := services.NewOutboxRelay(db, producer, log, &cfg.Outbox)
	store := services.NewSQLRedemptionStore(db, registry, shareLinks, outbox, cfg.Kafka.Topics.Redemptions)
	idem := services.NewRedisIdempotencyStore(redisClient, cfg.Redemption.IdempotencyTTL())
	redemptions := services.NewRedemptionService(store, idem, outbox, log, cfg.Redemption.Timeout())
	ledger := services.NewCommissionLedger(db, services.NewSQLAgentDirectory(db), cfg.Commission, log)
	stats := services.NewStatsService(db, redisClient, log, &cfg.Stats)
	limits := rateLimiters{
		api:    services.NewRateLimiter(redisClient, log, &cfg.RateLimit),
		redeem: services.NewRateLimiter(redisClient, log, cfg.RateLimit.ForRedemptions()),
	}

	rateStatus := handlers.NewRateLimitHandler(log, &cfg.RateLimit).
		WithScope("api", limits.api).
		WithScope("redeem", limits.redeem)

	h := routeHandlers{
		coupons:     handlers.NewCouponHandler(registry, log),
		shareLinks:  handlers.NewShareLinkHandler(shareLinks, log),
		redemptions: handlers.NewRedemptionHandler(redemptions, registry, log),
		commissions: handlers.NewCommissionHandler(ledger, log),
		stats:       handlers.NewStatsHandler(stats, log),
		health:      handlers.NewHealthHandler(db, redisClient, cfg.Kafka.Brokers, kafkaHealthCheck).WithOutbox(outbox),
		rateLimit:   rateStatus,
	}

	mux := setupRoutes(h, limits, log)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	return &application{
		cfg:      cfg,
		log:      log,
		db:       db,
		redis:    redisClient,
		producer: producer,
		ledger:   ledger,
		stats:    stats,
		outbox:   outbox,
		mux:      mux,
		server:   server,
	}, nil
}

// rateLimiters: корзины лимитов: общая для API и отдельная для погашений.
type rateLimiters struct {
	api    handlers.RateLimitStatusProvider
	redeem handlers.RateLimitStatusProvider
}

// setupRoutes настраивает маршруты HTTP сервера
func setupRoutes(h routeHandlers, limits rateLimiters, log *logger.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	applyAPI := func(next http.HandlerFunc) http.HandlerFunc {
		return corsMiddleware(handlers.RateLimitMiddleware(limits.api, log, next))
	}
	redeemLimit := func(next http.HandlerFunc) http.HandlerFunc {
		return handlers.RateLimitMiddleware(limits.redeem, log, next)
	}
	authed := handlers.RequireIdentity()
	business := handlers.RequireIdentity(models.RoleBusiness, models.RoleAdmin)

	// Health check endpoints
	mux.HandleFunc("/health", corsMiddleware(h.health.Health))
	mux.HandleFunc("/health/readiness", corsMiddleware(h.health.Readiness))
	mux.HandleFunc("/health/liveness", corsMiddleware(h.health.Liveness))

	// Coupons and share links
	mux.HandleFunc("/api/coupons", applyAPI(handleCouponsRoute(h.coupons, business)))
	mux.HandleFunc("/api/coupons/", applyAPI(handleCouponRoute(h.coupons, h.shareLinks, authed, business)))
	mux.HandleFunc("/api/share-links/", applyAPI(h.shareLinks.GetShareLink))

	// Redemptions
	mux.HandleFunc("/api/redemptions", applyAPI(authed(handleRedemptionsRoute(h.redemptions, redeemLimit))))
	mux.HandleFunc("/api/redemptions/", applyAPI(authed(h.redemptions.GetRedemption)))

	// Commissions and stats
	mux.HandleFunc("/api/agents/", applyAPI(authed(handleAgentRoute(h.commissions))))
	mux.HandleFunc("/api/stats/businesses/", applyAPI(authed(h.stats.BusinessStats)))

	// Rate limit status
	mux.HandleFunc("/api/rate-limit/status", applyAPI(h.rateLimit.Status))

	return mux
}

// handleCouponsRoute обрабатывает коллекцию купонов
func handleCouponsRoute(handler *handlers.CouponHandler, business func(http.HandlerFunc) http.HandlerFunc) http.HandlerFunc {
	create := business(handler.CreateCoupon)
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handler.ListCoupons(w, r)
		case http.MethodPost:
			create(w, r)
		default:
			writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

// handleCouponRoute обрабатывает отдельный купон и его ссылки
func handleCouponRoute(coupons *handlers.CouponHandler, links *handlers.ShareLinkHandler, authed, business func(http.HandlerFunc) http.HandlerFunc) http.HandlerFunc {
	createLink := authed(links.CreateShareLink)
	deactivate := business(coupons.DeactivateCoupon)
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/share-links") {
			if r.Method == http.MethodPost {
				createLink(w, r)
			} else {
				writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
			}
			return
		}

		switch r.Method {
		case http.MethodGet:
			coupons.GetCoupon(w, r)
		case http.MethodDelete:
			deactivate(w, r)
		default:
			writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

// handleRedemptionsRoute обрабатывает коллекцию погашений
func handleRedemptionsRoute(handler *handlers.RedemptionHandler, redeemLimit func(http.HandlerFunc) http.HandlerFunc) http.HandlerFunc {
	redeem := redeemLimit(handler.Redeem)
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handler.ListRedemptions(w, r)
		case http.MethodPost:
			redeem(w, r)
		default:
			writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

// handleAgentRoute обрабатывает начисления купонеадора
func handleAgentRoute(handler *handlers.CommissionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/commissions/total"):
			handler.Total(w, r)
		case strings.HasSuffix(r.URL.Path, "/commissions"):
			handler.List(w, r)
		default:
			writeErrorResponse(w, http.StatusNotFound, "Not found")
		}
	}
}

// registerEventHandlers подписывает журнал комиссий и кеш статистики на события погашений.
// Кеш сбрасывается только после успешного начисления, иначе событие уйдёт на повтор.
func registerEventHandlers(consumer *kafka.Consumer, ledger *services.CommissionLedger, stats *services.StatsService, log *logger.Logger) {
	consumer.RegisterHandler(models.EventTypeRedemptionCommitted, func(ctx context.Context, event *models.Event) error {
		if err := ledger.HandleRedemptionCommitted(ctx, event); err != nil {
			return err
		}
		return stats.HandleRedemptionCommitted(ctx, event)
	})
	log.Module("kafka").WithField("handlers", consumer.HandlerCount()).Info("Event handlers registered")
}

func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, X-User-Roles, Idempotency-Key")
		w.Header().Set("Access-Control-Expose-Headers", "Idempotent-Replayed, Retry-After, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	type errorResponse struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
	})
}
