package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"mcp-mesh/src/core/config"
)

func newTestLogger(level string) (*Logger, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	l := New(&config.Config{LogLevel: level})
	l.out = out
	l.errOut = errOut
	return l, out, errOut
}

func TestDebugGatedByLogLevel(t *testing.T) {
	l, out, _ := newTestLogger("INFO")
	l.Debug("hidden %d", 1)
	assert.Empty(t, out.String())

	l, out, _ = newTestLogger("DEBUG")
	l.Debug("shown %d", 1)
	assert.Contains(t, out.String(), "DEBUG")
	assert.Contains(t, out.String(), "shown 1")
}

func TestInfoWritesToStdout(t *testing.T) {
	l, out, _ := newTestLogger("INFO")
	l.Info("hello %s", "world")
	assert.Contains(t, out.String(), "INFO")
	assert.Contains(t, out.String(), "hello world")
}

func TestWarningGatedByLogLevel(t *testing.T) {
	l, out, _ := newTestLogger("ERROR")
	l.Warning("should not appear")
	assert.Empty(t, out.String())
}

func TestErrorWritesToStderr(t *testing.T) {
	l, out, errOut := newTestLogger("ERROR")
	l.Error("broke: %s", "reason")
	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "ERROR")
	assert.Contains(t, errOut.String(), "broke: reason")
}

func TestPrintfDelegatesToInfo(t *testing.T) {
	l, out, _ := newTestLogger("INFO")
	l.Printf("via printf")
	assert.Contains(t, out.String(), "via printf")
}

func TestIsDebugEnabled(t *testing.T) {
	l, _, _ := newTestLogger("DEBUG")
	assert.True(t, l.IsDebugEnabled())

	l, _, _ = newTestLogger("INFO")
	assert.False(t, l.IsDebugEnabled())
}

func TestLogLevelUppercases(t *testing.T) {
	l := New(&config.Config{LogLevel: "warning"})
	assert.Equal(t, "WARNING", l.LogLevel())
}

func TestGetStartupBannerReflectsDebugAndTracing(t *testing.T) {
	l := New(&config.Config{LogLevel: "INFO", DebugMode: false})
	banner := l.GetStartupBanner()
	assert.Contains(t, banner, "Debug Mode: disabled")
	assert.NotContains(t, banner, "Distributed Tracing")

	l = New(&config.Config{LogLevel: "DEBUG", DebugMode: true, TracingEnabled: true})
	banner = l.GetStartupBanner()
	assert.Contains(t, banner, "Debug Mode: enabled")
	assert.Contains(t, banner, "Distributed Tracing: enabled")
}

func TestFormatLogIncludesPaddedLevel(t *testing.T) {
	l := New(&config.Config{LogLevel: "INFO"})
	line := l.formatLog("INFO", "x=%d", 5)
	assert.Contains(t, line, "INFO")
	assert.Contains(t, line, "x=5")
}
