package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLoggerDefaultsToStderr(t *testing.T) {
	logger := NewLogger(nil)
	if logger == nil {
		t.Fatal("NewLogger(nil) returned nil")
	}
	if logger.level != LevelInfo {
		t.Errorf("expected default level %v, got %v", LevelInfo, logger.level)
	}
}

func TestLoggerLevelGating(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("should not appear")
	logger.Info("should not appear either")
	if buf.Len() != 0 {
		t.Errorf("expected nothing logged below the configured level, got: %s", buf.String())
	}

	logger.Warn("visible warning")
	if !strings.Contains(buf.String(), "visible warning") {
		t.Errorf("expected warning to be logged, got: %s", buf.String())
	}
}

func TestLoggerFormatsKeyValueArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Info("request handled", "sequence", 7, "code", 0)
	output := buf.String()
	if !strings.Contains(output, "sequence=7") || !strings.Contains(output, "code=0") {
		t.Errorf("expected key=value pairs in output, got: %s", output)
	}
}

func TestWithComponentTagsLines(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(&Config{Level: LevelDebug, Output: &buf})
	tagged := base.WithComponent("producer")

	tagged.Warn("connection lost")
	output := buf.String()
	if !strings.Contains(output, "[producer]") {
		t.Errorf("expected component tag in output, got: %s", output)
	}
	if !strings.Contains(output, "connection lost") {
		t.Errorf("expected message in output, got: %s", output)
	}
}

func TestWithComponentSharesLevelAndOutput(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(&Config{Level: LevelWarn, Output: &buf})
	tagged := base.WithComponent("consumer")

	tagged.Debug("filtered out")
	if buf.Len() != 0 {
		t.Errorf("expected tagged logger to inherit the base level, got: %s", buf.String())
	}
}

func TestFormattedVariants(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Infof("seq=%d", 42)
	if !strings.Contains(buf.String(), "seq=42") {
		t.Errorf("expected formatted message, got: %s", buf.String())
	}

	buf.Reset()
	logger.Printf("printf compat: %s", "ok")
	if !strings.Contains(buf.String(), "printf compat: ok") {
		t.Errorf("expected Printf to route through Info, got: %s", buf.String())
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))

	Debug("debug message", "key", "value")
	if output := buf.String(); !strings.Contains(output, "debug message") || !strings.Contains(output, "key=value") {
		t.Errorf("expected debug message with key=value, got: %s", output)
	}

	buf.Reset()
	Info("info message")
	if !strings.Contains(buf.String(), "info message") {
		t.Errorf("expected info message, got: %s", buf.String())
	}

	buf.Reset()
	Warn("warning message")
	if !strings.Contains(buf.String(), "warning message") {
		t.Errorf("expected warning message, got: %s", buf.String())
	}

	buf.Reset()
	Error("error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Errorf("expected error message, got: %s", buf.String())
	}
}

func TestDefaultIsLazilyCreatedOnce(t *testing.T) {
	SetDefault(nil)
	first := Default()
	second := Default()
	if first != second {
		t.Error("expected Default() to return the same lazily-created logger on repeated calls")
	}
}
