package tracing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTraceSpanEventSuccess(t *testing.T) {
	assert.True(t, (&TraceSpanEvent{}).Success())
	assert.True(t, (&TraceSpanEvent{Status: "ok"}).Success())
	assert.False(t, (&TraceSpanEvent{Status: "error"}).Success())
}

func TestTraceSpanEventStartTime(t *testing.T) {
	e := &TraceSpanEvent{Timestamp: 1700000000.5}
	st := e.StartTime()
	assert.Equal(t, int64(1700000000), st.Unix())
}

func TestToRedisMapOmitsUnsetOptionalFields(t *testing.T) {
	e := &TraceSpanEvent{TraceID: "t1", SpanID: "s1", EventType: "span_start", Runtime: "go"}
	m := e.ToRedisMap()
	assert.Equal(t, "t1", m["trace_id"])
	_, hasParent := m["parent_span_id"]
	assert.False(t, hasParent)
	_, hasDuration := m["duration_ms"]
	assert.False(t, hasDuration)
}

func TestFromRedisMapToleratesFieldVariants(t *testing.T) {
	var e TraceSpanEvent
	err := e.FromRedisMap(map[string]interface{}{
		"trace_id":      "t1",
		"span_id":       "s1",
		"agent_ip":      "10.0.0.1",
		"function_name": "get_date",
		"parent_span":   "root",
		"start_time":    "1700000000.0",
		"success":       "false",
	})
	assert.NoError(t, err)
	assert.Equal(t, "10.0.0.1", e.IPAddress)
	assert.Equal(t, "get_date", e.Operation)
	assert.Equal(t, "root", *e.ParentSpanID)
	assert.Equal(t, 1700000000.0, e.Timestamp)
	assert.Equal(t, "error", e.Status)
	assert.Equal(t, "unknown", e.Runtime)
}

func TestFromRedisMapPrefersCanonicalFieldNames(t *testing.T) {
	var e TraceSpanEvent
	err := e.FromRedisMap(map[string]interface{}{
		"ip_address": "10.0.0.2",
		"operation":  "direct_op",
		"status":     "ok",
		"runtime":    "python",
	})
	assert.NoError(t, err)
	assert.Equal(t, "10.0.0.2", e.IPAddress)
	assert.Equal(t, "direct_op", e.Operation)
	assert.Equal(t, "ok", e.Status)
	assert.Equal(t, "python", e.Runtime)
}

func TestToJSONRoundTrips(t *testing.T) {
	e := &TraceSpanEvent{TraceID: "t1", SpanID: "s1", Runtime: "go"}
	raw, err := e.ToJSON()
	assert.NoError(t, err)
	assert.Contains(t, string(raw), "\"trace_id\":\"t1\"")
}
