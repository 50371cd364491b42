package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewWritesServiceAndTimestamp(t *testing.T) {
	var buf bytes.Buffer
	log := New("orchestrator", &buf, "debug")
	log.Info().Str("sagaId", "saga-1").Msg("saga started")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["service"] != "orchestrator" {
		t.Fatalf("expected service field, got %v", entry["service"])
	}
	if entry["sagaId"] != "saga-1" {
		t.Fatalf("expected sagaId field, got %v", entry["sagaId"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("expected timestamp field in %v", entry)
	}
}

func TestNewHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New("inventory", &buf, "warn")
	log.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %s", buf.String())
	}
	log.Warn().Msg("shown")
	if buf.Len() == 0 {
		t.Fatalf("expected warn to be written")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
		"DEBUG":   zerolog.DebugLevel,
		" error ": zerolog.ErrorLevel,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}
