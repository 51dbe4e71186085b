package logging

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
)

type capturingAdapter struct {
	lastLevel  string
	lastMsg    string
	lastErr    error
	lastFields watermill.LogFields
}

func (c *capturingAdapter) Error(msg string, err error, fields watermill.LogFields) {
	c.lastLevel, c.lastMsg, c.lastErr, c.lastFields = "error", msg, err, fields
}

func (c *capturingAdapter) Info(msg string, fields watermill.LogFields) {
	c.lastLevel, c.lastMsg, c.lastFields = "info", msg, fields
}

func (c *capturingAdapter) Debug(msg string, fields watermill.LogFields) {
	c.lastLevel, c.lastMsg, c.lastFields = "debug", msg, fields
}

func (c *capturingAdapter) Trace(msg string, fields watermill.LogFields) {
	c.lastLevel, c.lastMsg, c.lastFields = "trace", msg, fields
}

func (c *capturingAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return c
}

func TestWatermillServiceLogger(t *testing.T) {
	capture := &capturingAdapter{}
	logger := NewWatermillServiceLogger(capture)

	logger.Info("hello", LogFields{"k": "v"})
	if capture.lastLevel != "info" || capture.lastMsg != "hello" {
		t.Errorf("unexpected capture: %+v", capture)
	}
	if capture.lastFields["k"] != "v" {
		t.Errorf("fields not forwarded: %v", capture.lastFields)
	}

	wantErr := errors.New("boom")
	logger.Error("failed", wantErr, nil)
	if capture.lastLevel != "error" || capture.lastErr != wantErr {
		t.Errorf("error not forwarded: %+v", capture)
	}
}

func TestNewWatermillAdapterRoundTrip(t *testing.T) {
	capture := &capturingAdapter{}
	svcLogger := NewWatermillServiceLogger(capture)
	adapter := NewWatermillAdapter(svcLogger)

	adapter.Debug("dbg", watermill.LogFields{"a": 1})
	if capture.lastLevel != "debug" || capture.lastMsg != "dbg" {
		t.Errorf("unexpected capture: %+v", capture)
	}
}

func TestNewSlogServiceLoggerPanicsOnNil(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for nil slog logger")
		}
	}()
	NewSlogServiceLogger(nil)
}

func TestNewSlogServiceLogger(t *testing.T) {
	logger := NewSlogServiceLogger(slog.Default())
	// Smoke test only: the slog adapter must not panic on any level.
	logger.Debug("d", nil)
	logger.Info("i", LogFields{"x": "y"})
	logger.Error("e", errors.New("err"), nil)
	logger.With(LogFields{"scope": "test"}).Trace("t", nil)
}

func TestNopLoggerDiscards(t *testing.T) {
	logger := Nop()
	logger.Info("discarded", LogFields{"unused": true})
	logger.Error("discarded", errors.New("x"), nil)
}
