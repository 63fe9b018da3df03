package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coupon-ledger/internal/config"
	"coupon-ledger/internal/logger"

	"github.com/go-redis/redis/v8"
)

// ErrNotFound возвращается, когда ключ отсутствует
var ErrNotFound = errors.New("redis: key not found")

// Префиксы ключей
const (
	KeyPrefixIdempotency = "idem:redeem"
	KeyPrefixStats       = "stats"
)

// incrWindowScript открывает окно на первом запросе, чтобы счётчик не остался без TTL.
var incrWindowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {n, redis.call('PTTL', KEYS[1])}
`)

// deleteIfEqualsScript удаляет ключ, только если значение не подменили.
var deleteIfEqualsScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Client: обёртка над go-redis с JSON-значениями.
type Client struct {
	client *redis.Client
	log    *logger.Logger
}

// Connect создает подключение к Redis и проверяет его PING.
func Connect(cfg *config.RedisConfig, log *logger.Logger) (*Client, error) {
	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	log.Module("redis").WithField("addr", addr).Info("Connected to Redis")
	return &Client{client: rdb, log: log}, nil
}

// Close закрывает подключение к Redis
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Health проверяет состояние Redis
func (c *Client) Health(ctx context.Context) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("redis is not initialized")
	}
	return c.client.Ping(ctx).Err()
}

// Set сохраняет value в JSON с TTL.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// SetNX сохраняет value, только если ключа нет. true означает, что ключ захвачен.
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("failed to marshal value for %s: %w", key, err)
	}
	ok, err := c.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to setnx %s: %w", key, err)
	}
	return ok, nil
}

// Get читает JSON-значение в dest. Отсутствующий ключ даёт ErrNotFound.
func (c *Client) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// Delete удаляет ключ.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// DeleteIfEquals удаляет ключ, если его значение совпадает с JSON от expected.
// Возвращает false, если ключ уже перезаписан или истёк.
func (c *Client) DeleteIfEquals(ctx context.Context, key string, expected interface{}) (bool, error) {
	data, err := json.Marshal(expected)
	if err != nil {
		return false, fmt.Errorf("failed to marshal value for %s: %w", key, err)
	}
	n, err := deleteIfEqualsScript.Run(ctx, c.client, []string{key}, data).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return n == 1, nil
}

// IncrWindow атомарно увеличивает счётчик окна и возвращает его значение и остаток окна.
func (c *Client) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrWindowScript.Run(ctx, c.client, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to incr window %s: %w", key, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, 0, fmt.Errorf("unexpected window reply for %s: %v", key, res)
	}
	count, _ := vals[0].(int64)
	pttl, _ := vals[1].(int64)
	return count, time.Duration(pttl) * time.Millisecond, nil
}

// WindowUsage возвращает счётчик окна и его остаток, не изменяя их.
func (c *Client) WindowUsage(ctx context.Context, key string) (int64, time.Duration, error) {
	var (
		get *redis.StringCmd
		ttl *redis.DurationCmd
	)
	_, err := c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		get = p.Get(ctx, key)
		ttl = p.PTTL(ctx, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, fmt.Errorf("failed to read window %s: %w", key, err)
	}

	count, err := get.Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, 0, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return 0, 0, fmt.Errorf("failed to parse window %s: %w", key, err)
	}
	return count, ttl.Val(), nil
}

// DeleteByPrefix удаляет все ключи с префиксом, обходя их через SCAN.
func (c *Client) DeleteByPrefix(ctx context.Context, prefix string) error {
	iter := c.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan %s*: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete %s*: %w", prefix, err)
	}
	c.log.Module("redis").WithField("prefix", prefix).WithField("count", len(keys)).Debug("Keys deleted by prefix")
	return nil
}

// GenerateKey собирает ключ вида prefix:id.
func GenerateKey(prefix, id string) string {
	return prefix + ":" + id
}
