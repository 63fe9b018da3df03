package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config представляет конфигурацию приложения
type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Redis      RedisConfig      `json:"redis"`
	Kafka      KafkaConfig      `json:"kafka"`
	Logger     LoggerConfig     `json:"logger"`
	Redemption RedemptionConfig `json:"redemption"`
	Commission CommissionConfig `json:"commission"`
	Outbox     OutboxConfig     `json:"outbox"`
	Stats      StatsConfig      `json:"stats"`
	RateLimit  RateLimitConfig  `json:"rate_limit"`
}

// ServerConfig представляет конфигурацию HTTP сервера
type ServerConfig struct {
	Port         string `json:"port"`
	Host         string `json:"host"`
	ReadTimeout  int    `json:"read_timeout"`
	WriteTimeout int    `json:"write_timeout"`
}

// DatabaseConfig представляет конфигурацию базы данных
type DatabaseConfig struct {
	Host         string `json:"host"`
	Port         string `json:"port"`
	User         string `json:"user"`
	Password     string `json:"password"`
	DBName       string `json:"db_name"`
	SSLMode      string `json:"ssl_mode"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
	AutoMigrate  bool   `json:"auto_migrate"`
}

// RedisConfig представляет конфигурацию Redis
type RedisConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// KafkaConfig представляет конфигурацию Kafka
type KafkaConfig struct {
	Brokers  []string       `json:"brokers"`
	GroupID  string         `json:"group_id"`
	Topics   Topics         `json:"topics"`
	Consumer ConsumerConfig `json:"consumer"`
}

// Topics представляет список топиков Kafka
type Topics struct {
	Redemptions string `json:"redemptions"`
	DeadLetter  string `json:"dead_letter"`
}

// ConsumerConfig задаёт повторную обработку событий консьюмером.
type ConsumerConfig struct {
	MaxRetries     int `json:"max_retries"`
	RetryBackoffMs int `json:"retry_backoff_ms"`
}

// RetryBackoff возвращает паузу между попытками обработки события.
func (c ConsumerConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

// LoggerConfig представляет конфигурацию логгера
type LoggerConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	File   string `json:"file"`
}

// RedemptionConfig описывает ограничения процесса погашения купонов.
type RedemptionConfig struct {
	TimeoutSeconds      int `json:"timeout_seconds"`        // общий дедлайн одного погашения
	IdempotencyTTLHours int `json:"idempotency_ttl_hours"`  // сколько хранить результат по ключу идемпотентности
	ShareLinkTTLHours   int `json:"share_link_ttl_hours"`   // время жизни ссылки "поделиться"
}

// Timeout возвращает дедлайн погашения.
func (c RedemptionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// IdempotencyTTL возвращает время хранения ключей идемпотентности.
func (c RedemptionConfig) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLHours) * time.Hour
}

// ShareLinkTTL возвращает время жизни ссылки.
func (c RedemptionConfig) ShareLinkTTL() time.Duration {
	return time.Duration(c.ShareLinkTTLHours) * time.Hour
}

// CommissionConfig хранит тарифы комиссий купонеадоров.
type CommissionConfig struct {
	DirectSaleDefault float64            `json:"direct_sale_default"`
	DirectSaleTiers   map[string]float64 `json:"direct_sale_tiers"`
	ViralShareBonus   float64            `json:"viral_share_bonus"`
	ViralDailyCap     int                `json:"viral_daily_cap"` // 0 = без ограничения
}

// DirectSaleAmount возвращает комиссию за прямую продажу для тарифа агента.
func (c CommissionConfig) DirectSaleAmount(tier string) float64 {
	if amount, ok := c.DirectSaleTiers[strings.ToLower(tier)]; ok {
		return amount
	}
	return c.DirectSaleDefault
}

// OutboxConfig описывает фоновую публикацию событий из outbox.
type OutboxConfig struct {
	IntervalSeconds int `json:"interval_seconds"`
	BatchSize       int `json:"batch_size"`
}

// StatsConfig хранит настройки статистики для бизнеса.
type StatsConfig struct {
	CacheTTLMinutes int `json:"cache_ttl_minutes"`
	MaxRangeDays    int `json:"max_range_days"`
	TopCoupons      int `json:"top_coupons"`
}

// RateLimitConfig описывает настройки rate limiting
type RateLimitConfig struct {
	Enabled       bool   `json:"enabled"`
	Requests       int    `json:"requests"`
	RedeemRequests int    `json:"redeem_requests"`
	WindowSeconds  int    `json:"window_seconds"`
	KeyPrefix      string `json:"key_prefix"`
}

// ForRedemptions возвращает настройки отдельной корзины для POST /api/redemptions.
func (c RateLimitConfig) ForRedemptions() *RateLimitConfig {
	redeem := c
	if c.RedeemRequests > 0 {
		redeem.Requests = c.RedeemRequests
	}
	prefix := c.KeyPrefix
	if prefix == "" {
		prefix = "ratelimit"
	}
	redeem.KeyPrefix = prefix + ":redeem"
	return &redeem
}

// Load загружает конфигурацию из переменных окружения
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 10),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 10),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			User:         getEnv("DB_USER", "coupon_user"),
			Password:     getEnv("DB_PASSWORD", "coupon_pass"),
			DBName:       getEnv("DB_NAME", "coupon_ledger"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			AutoMigrate:  getEnvAsBool("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers: strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			GroupID: getEnv("KAFKA_GROUP_ID", "commission-ledger"),
			Topics: Topics{
				Redemptions: getEnv("KAFKA_TOPIC_REDEMPTIONS", "redemptions"),
				DeadLetter:  getEnv("KAFKA_TOPIC_DEAD_LETTER", "redemptions.dlq"),
			},
			Consumer: ConsumerConfig{
				MaxRetries:     getEnvAsInt("KAFKA_CONSUMER_MAX_RETRIES", 5),
				RetryBackoffMs: getEnvAsInt("KAFKA_CONSUMER_RETRY_BACKOFF_MS", 200),
			},
		},
		Logger: LoggerConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			File:   getEnv("LOG_FILE", ""),
		},
		Redemption: RedemptionConfig{
			TimeoutSeconds:      getEnvAsInt("REDEMPTION_TIMEOUT_SECONDS", 5),
			IdempotencyTTLHours: getEnvAsInt("REDEMPTION_IDEMPOTENCY_TTL_HOURS", 24),
			ShareLinkTTLHours:   getEnvAsInt("SHARE_LINK_TTL_HOURS", 24),
		},
		Commission: CommissionConfig{
			DirectSaleDefault: getEnvAsFloat("COMMISSION_DIRECT_DEFAULT", 5.0),
			DirectSaleTiers:   getEnvAsTiers("COMMISSION_DIRECT_TIERS", map[string]float64{"basic": 5, "pro": 8, "elite": 12}),
			ViralShareBonus:   getEnvAsFloat("COMMISSION_VIRAL_BONUS", 2.0),
			ViralDailyCap:     getEnvAsInt("COMMISSION_VIRAL_DAILY_CAP", 0),
		},
		Outbox: OutboxConfig{
			IntervalSeconds: getEnvAsInt("OUTBOX_INTERVAL_SECONDS", 5),
			BatchSize:       getEnvAsInt("OUTBOX_BATCH_SIZE", 100),
		},
		Stats: StatsConfig{
			CacheTTLMinutes: getEnvAsInt("STATS_CACHE_TTL_MINUTES", 10),
			MaxRangeDays:    getEnvAsInt("STATS_MAX_RANGE_DAYS", 365),
			TopCoupons:      getEnvAsInt("STATS_TOP_COUPONS", 5),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getEnvAsBool("RATE_LIMIT_ENABLED", false),
			Requests:       getEnvAsInt("RATE_LIMIT_REQUESTS", 100),
			RedeemRequests: getEnvAsInt("RATE_LIMIT_REDEEM_REQUESTS", 20),
			WindowSeconds:  getEnvAsInt("RATE_LIMIT_WINDOW_SECONDS", 60),
			KeyPrefix:      getEnv("RATE_LIMIT_KEY_PREFIX", "ratelimit"),
		},
	}
}

// getEnv получает значение переменной окружения с значением по умолчанию
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvAsInt получает значение переменной окружения как int с значением по умолчанию
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsFloat получает значение переменной окружения как float64 с значением по умолчанию
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool получает значение переменной окружения как bool с значением по умолчанию
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := strings.ToLower(getEnv(key, ""))
	if valueStr == "true" || valueStr == "1" || valueStr == "yes" {
		return true
	}
	if valueStr == "false" || valueStr == "0" || valueStr == "no" {
		return false
	}
	return defaultValue
}

// getEnvAsTiers разбирает список вида "basic:5,pro:8" в карту тарифов.
// Некорректные элементы пропускаются; пустой результат заменяется значением по умолчанию.
func getEnvAsTiers(key string, defaultValue map[string]float64) map[string]float64 {
	valueStr := getEnv(key, "")
	if strings.TrimSpace(valueStr) == "" {
		return defaultValue
	}

	tiers := make(map[string]float64)
	for _, part := range strings.Split(valueStr, ",") {
		name, amountStr, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		amount, err := strconv.ParseFloat(strings.TrimSpace(amountStr), 64)
		if name == "" || err != nil || amount < 0 {
			continue
		}
		tiers[name] = amount
	}

	if len(tiers) == 0 {
		return defaultValue
	}
	return tiers
}
