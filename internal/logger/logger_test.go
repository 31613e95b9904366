package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNew(t *testing.T) {
	log := New()
	if log.GetLevel() == zerolog.Disabled {
		t.Error("Expected logger to be enabled")
	}
}

func TestNewWithOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want zerolog.Level
	}{
		{"default", Options{}, zerolog.InfoLevel},
		{"debug json", Options{Level: "debug", Format: "json"}, zerolog.DebugLevel},
		{"upper case", Options{Level: "WARN"}, zerolog.WarnLevel},
		{"unknown level", Options{Level: "chatty"}, zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := NewWithOptions(tt.opts)
			if log.GetLevel() != tt.want {
				t.Errorf("level = %v, want %v", log.GetLevel(), tt.want)
			}
		})
	}
}

func TestNewWithWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewWithWriter(buf)

	log.Info().Msg("test message")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Errorf("Expected output to contain 'test message', got: %s", output)
	}
}

func TestFromContext(t *testing.T) {
	buf := &bytes.Buffer{}
	testLog := NewWithWriter(buf)
	ctx := WithContext(context.Background(), testLog)

	retrievedLog := FromContext(ctx)
	retrievedLog.Info().Msg("test")

	if buf.Len() == 0 {
		t.Error("Expected log output from retrieved logger")
	}
}

func TestFromContext_DefaultLogger(t *testing.T) {
	log := FromContext(context.Background())

	if log.GetLevel() == zerolog.Disabled {
		t.Error("Expected default logger to be enabled")
	}
}

func TestWithFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewWithWriter(buf)

	logWithFields := WithFields(log, map[string]interface{}{
		"source": "transactions",
	})
	logWithFields.Info().Msg("test message")

	if !strings.Contains(buf.String(), `"source":"transactions"`) {
		t.Errorf("Expected output to contain source field, got: %s", buf.String())
	}
}

func TestForRunAndStep(t *testing.T) {
	buf := &bytes.Buffer{}
	ctx := WithContext(context.Background(), NewWithWriter(buf))

	ctx = ForStep(ForRun(ctx, "run-1", "2024-03-01"), "load_raw_transactions")
	log := FromContext(ctx)
	log.Info().Msg("loading")

	out := buf.String()
	for _, want := range []string{`"run_id":"run-1"`, `"logical_date":"2024-03-01"`, `"step":"load_raw_transactions"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %s, got: %s", want, out)
		}
	}
}
