package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

func decode(t *testing.T, output *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
		t.Fatalf("log entry is not JSON: %v (%q)", err, output.String())
	}
	return entry
}

func TestZerologLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		log   func(l *Logger)
	}{
		{"debug", func(l *Logger) { l.Debug("msg") }},
		{"info", func(l *Logger) { l.Info("msg") }},
		{"warn", func(l *Logger) { l.Warn("msg") }},
		{"error", func(l *Logger) { l.Error("msg") }},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			output := bytes.Buffer{}
			tt.log(NewLogger(zerolog.New(&output)))

			entry := decode(t, &output)
			if entry["level"] != tt.level {
				t.Errorf("level = %v, want %s", entry["level"], tt.level)
			}
			if entry["message"] != "msg" {
				t.Errorf("message = %v, want msg", entry["message"])
			}
		})
	}
}

func TestZerologLogger_LogLevelFiltering(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output).Level(zerolog.WarnLevel))

	logger.Debug("debug message")
	logger.Info("info message")
	if output.Len() != 0 {
		t.Error("Expected debug and info to be filtered out")
	}

	logger.Warn("warn message")
	if output.Len() == 0 {
		t.Error("Expected warn to be logged")
	}
}

func TestZerologLogger_TypedFields(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output))

	logger.Info("subscription transitioned",
		gosubs.F("subscription_id", "sub-1"),
		gosubs.F("attempt", 2),
		gosubs.F("amount", int64(49900)),
		gosubs.F("pending", true),
		gosubs.F("error", errors.New("gateway timeout")),
		gosubs.F("status", gosubs.StatusActive),
		gosubs.F("took", 1500*time.Millisecond),
	)

	entry := decode(t, &output)
	if entry["subscription_id"] != "sub-1" {
		t.Errorf("subscription_id = %v", entry["subscription_id"])
	}
	if entry["attempt"] != float64(2) {
		t.Errorf("attempt = %v", entry["attempt"])
	}
	if entry["amount"] != float64(49900) {
		t.Errorf("amount = %v", entry["amount"])
	}
	if entry["pending"] != true {
		t.Errorf("pending = %v", entry["pending"])
	}
	if entry["error"] != "gateway timeout" {
		t.Errorf("error = %v", entry["error"])
	}
	if entry["status"] != "active" {
		t.Errorf("status = %v", entry["status"])
	}
	if _, ok := entry["took"]; !ok {
		t.Error("Expected duration field")
	}
}

func TestZerologLogger_With(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output)).With(gosubs.F("component", "webhook"))

	logger.Info("processed")

	entry := decode(t, &output)
	if entry["component"] != "webhook" {
		t.Errorf("component = %v, want webhook", entry["component"])
	}
}
