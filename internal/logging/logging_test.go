package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestForAccountAddsIdentityFields(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ForAccount(base, "id-1", "treasury", "addr-1").Info().Msg("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	for key, want := range map[string]string{"account_id": "id-1", "account": "treasury", "address": "addr-1"} {
		if line[key] != want {
			t.Fatalf("%s = %v, want %s", key, line[key], want)
		}
	}
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	logger := NewLogger(Config{Level: "not-a-level"})
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("level = %s, want info", logger.GetLevel())
	}

	logger = NewLogger(Config{Level: "DEBUG"})
	if logger.GetLevel() != zerolog.DebugLevel {
		t.Fatalf("level = %s, want debug", logger.GetLevel())
	}
}
