package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"coupon-ledger/internal/config"

	"github.com/sirupsen/logrus"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"WARN", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"loud", logrus.InfoLevel},
		{"", logrus.InfoLevel},
	}
	for _, tt := range tests {
		log := New(&config.LoggerConfig{Level: tt.level, Format: "json"})
		if log.GetLevel() != tt.want {
			t.Errorf("level %q: expected %s, got %s", tt.level, tt.want, log.GetLevel())
		}
	}
}

func TestModule_JSONFields(t *testing.T) {
	log := New(&config.LoggerConfig{Level: "info", Format: "json"})
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.Module("redemption").
		WithField("coupon_code", "SPRING10").
		WithError(errors.New("coupon exhausted")).
		Warn("Redemption rejected")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	checks := map[string]string{
		"module":      "redemption",
		"coupon_code": "SPRING10",
		"error":       "coupon exhausted",
		"level":       "warning",
		"msg":         "Redemption rejected",
	}
	for field, want := range checks {
		if entry[field] != want {
			t.Errorf("field %s: expected %q, got %v", field, want, entry[field])
		}
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.log")

	log := New(&config.LoggerConfig{Level: "debug", Format: "text", File: path})
	log.Module("ledger").Debug("Commission credited")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "Commission credited") || !strings.Contains(string(data), "module=ledger") {
		t.Fatalf("expected text entry in log file, got %q", string(data))
	}
}

func TestNew_UnwritableFileFallsBackToStdout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "ledger.log")
	log := New(&config.LoggerConfig{Level: "info", Format: "json", File: path})
	if log.Out != os.Stdout {
		t.Fatal("expected stdout output when the log file cannot be opened")
	}
}
