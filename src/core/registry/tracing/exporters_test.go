package tracing

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsoleExporterNeverErrors(t *testing.T) {
	pretty := NewConsoleExporter(true)
	assert.NoError(t, pretty.ExportTrace(&CompletedTrace{TraceID: "t1", Agents: []string{"a"}}))

	plain := NewConsoleExporter(false)
	assert.NoError(t, plain.ExportTrace(&CompletedTrace{TraceID: "t1"}))
}

func TestJSONExporterWritesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "traces")
	je := NewJSONExporter(dir)

	trace := &CompletedTrace{TraceID: "t1", StartTime: time.Unix(1700000000, 0)}
	require.NoError(t, je.ExportTrace(trace))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "trace_t1_1700000000.json")
}

type failingExporter struct{ msg string }

func (f failingExporter) ExportTrace(*CompletedTrace) error { return errors.New(f.msg) }

type okExporter struct{ called *bool }

func (o okExporter) ExportTrace(*CompletedTrace) error {
	*o.called = true
	return nil
}

func TestMultiExporterFansOutAndCollectsErrors(t *testing.T) {
	called := false
	multi := NewMultiExporter(okExporter{&called}, failingExporter{"boom"})

	err := multi.ExportTrace(&CompletedTrace{TraceID: "t1"})
	require.Error(t, err)
	assert.True(t, called)
	assert.Contains(t, err.Error(), "boom")
}

func TestMultiExporterSucceedsWhenAllSucceed(t *testing.T) {
	called1, called2 := false, false
	multi := NewMultiExporter(okExporter{&called1}, okExporter{&called2})
	require.NoError(t, multi.ExportTrace(&CompletedTrace{TraceID: "t1"}))
	assert.True(t, called1)
	assert.True(t, called2)
}

func TestStatsExporterAccumulates(t *testing.T) {
	se := NewStatsExporter()

	require.NoError(t, se.ExportTrace(&CompletedTrace{
		TraceID: "t1", Success: true, SpanCount: 3, Duration: 100 * time.Millisecond, Agents: []string{"a", "b"},
	}))
	require.NoError(t, se.ExportTrace(&CompletedTrace{
		TraceID: "t2", Success: false, SpanCount: 1, Duration: 300 * time.Millisecond, Agents: []string{"b"},
	}))

	stats := se.GetStats()
	assert.Equal(t, int64(2), stats.TotalTraces)
	assert.Equal(t, int64(1), stats.SuccessTraces)
	assert.Equal(t, int64(1), stats.FailedTraces)
	assert.Equal(t, int64(4), stats.TotalSpans)
	assert.Equal(t, 200.0, stats.AvgDurationMS)
	assert.ElementsMatch(t, []string{"a", "b"}, stats.AgentsSeen)
}

func TestParseTraceIDValidHex(t *testing.T) {
	id, err := parseTraceID("0102030405060708090a0b0c0d0e0f10")
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), id[0])
	assert.Equal(t, byte(0x10), id[15])
}

func TestParseTraceIDFallsBackOnInvalidHex(t *testing.T) {
	id, err := parseTraceID("not-a-hex-trace-id")
	require.NoError(t, err)
	assert.True(t, id.IsValid())
}

func TestParseSpanIDFallsBackOnShortInput(t *testing.T) {
	id, err := parseSpanID("abc")
	require.NoError(t, err)
	assert.Len(t, id, 8)
}

func TestDeriveIDIsStable(t *testing.T) {
	a := deriveID("some-identifier", 16)
	b := deriveID("some-identifier", 16)
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}
