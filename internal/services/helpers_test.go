package services

import (
	"testing"

	"coupon-ledger/internal/config"
	"coupon-ledger/internal/database"
	"coupon-ledger/internal/logger"
	"coupon-ledger/internal/redis"

	"github.com/DATA-DOG/go-sqlmock"
	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestLogger() *logger.Logger {
	return logger.New(&config.LoggerConfig{Level: "debug", Format: "json"})
}

func newMockDB(t *testing.T) (*database.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	return &database.DB{DB: db}, mock
}

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb, err := redis.Connect(&config.RedisConfig{Host: "127.0.0.1", Port: mr.Port(), DB: 0}, newTestLogger())
	if err != nil {
		t.Fatalf("failed to connect to miniredis: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }
