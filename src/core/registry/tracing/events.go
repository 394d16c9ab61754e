package tracing

import (
	"encoding/json"
	"strconv"
	"time"
)

// TraceSpanEvent is a single span lifecycle event published by an agent
// runtime onto the trace stream. The field set and the dual Go/Python
// names tolerated in FromRedisMap must stay compatible with whichever
// language runtime is emitting events into the same stream.
type TraceSpanEvent struct {
	TraceID      string  `json:"trace_id"`
	SpanID       string  `json:"span_id"`
	ParentSpanID *string `json:"parent_span_id,omitempty"`
	AgentName    string  `json:"agent_name"`
	AgentID      string  `json:"agent_id"`
	IPAddress    string  `json:"ip_address"`
	Operation    string  `json:"operation"`
	EventType    string  `json:"event_type"` // span_start, span_end, error
	Timestamp    float64 `json:"timestamp"`
	DurationMS   *int64  `json:"duration_ms,omitempty"`
	Status       string  `json:"status,omitempty"` // "ok" or "error"
	ErrorMessage *string `json:"error_message,omitempty"`
	Capability   *string `json:"capability,omitempty"`
	TargetAgent  *string `json:"target_agent,omitempty"`
	Runtime      string  `json:"runtime"`
}

// Success reports whether Status indicates a non-error outcome. Absent
// status is treated as success, matching the event types (span_start)
// that never carry one.
func (e *TraceSpanEvent) Success() bool { return e.Status != "error" }

// StartTime converts the float Unix timestamp into a time.Time.
func (e *TraceSpanEvent) StartTime() time.Time {
	sec := int64(e.Timestamp)
	nsec := int64((e.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// ToRedisMap converts the event to the string-keyed map Redis XADD
// expects, matching the field names other runtimes publish.
func (e *TraceSpanEvent) ToRedisMap() map[string]interface{} {
	result := map[string]interface{}{
		"trace_id":   e.TraceID,
		"span_id":    e.SpanID,
		"agent_name": e.AgentName,
		"agent_id":   e.AgentID,
		"ip_address": e.IPAddress,
		"operation":  e.Operation,
		"event_type": e.EventType,
		"timestamp":  strconv.FormatFloat(e.Timestamp, 'f', -1, 64),
		"runtime":    e.Runtime,
	}

	if e.ParentSpanID != nil {
		result["parent_span_id"] = *e.ParentSpanID
	}
	if e.DurationMS != nil {
		result["duration_ms"] = strconv.FormatInt(*e.DurationMS, 10)
	}
	if e.Status != "" {
		result["status"] = e.Status
	}
	if e.ErrorMessage != nil {
		result["error_message"] = *e.ErrorMessage
	}
	if e.Capability != nil {
		result["capability"] = *e.Capability
	}
	if e.TargetAgent != nil {
		result["target_agent"] = *e.TargetAgent
	}

	return result
}

// FromRedisMap populates the event from a Redis stream message, tolerant
// of the field-name variants other runtimes use (parent_span vs
// parent_span_id, function_name vs operation, success/error_message vs
// status, start_time vs timestamp).
func (e *TraceSpanEvent) FromRedisMap(data map[string]interface{}) error {
	e.TraceID = getString(data, "trace_id")
	e.SpanID = getString(data, "span_id")
	e.AgentName = getString(data, "agent_name")
	e.AgentID = getString(data, "agent_id")

	e.IPAddress = getString(data, "ip_address")
	if e.IPAddress == "" {
		e.IPAddress = getString(data, "agent_ip")
	}

	e.Operation = getString(data, "operation")
	if e.Operation == "" {
		e.Operation = getString(data, "function_name")
	}

	e.EventType = getString(data, "event_type")

	e.Runtime = getString(data, "runtime")
	if e.Runtime == "" {
		e.Runtime = "unknown"
	}

	if ts := getString(data, "timestamp"); ts != "" {
		if v, err := strconv.ParseFloat(ts, 64); err == nil {
			e.Timestamp = v
		}
	} else if ts := getString(data, "start_time"); ts != "" {
		if v, err := strconv.ParseFloat(ts, 64); err == nil {
			e.Timestamp = v
		}
	}

	if parent := getString(data, "parent_span_id"); parent != "" {
		e.ParentSpanID = &parent
	} else if parent := getString(data, "parent_span"); parent != "" {
		e.ParentSpanID = &parent
	}

	if durationStr := getString(data, "duration_ms"); durationStr != "" {
		if v, err := strconv.ParseInt(durationStr, 10, 64); err == nil {
			e.DurationMS = &v
		} else if f, err := strconv.ParseFloat(durationStr, 64); err == nil {
			v := int64(f)
			e.DurationMS = &v
		}
	}

	if status := getString(data, "status"); status != "" {
		e.Status = status
	} else if successStr := getString(data, "success"); successStr != "" {
		if successStr == "true" || successStr == "True" {
			e.Status = "ok"
		} else {
			e.Status = "error"
		}
	}

	if errorMessage := getString(data, "error_message"); errorMessage != "" {
		e.ErrorMessage = &errorMessage
	}
	if capability := getString(data, "capability"); capability != "" {
		e.Capability = &capability
	}
	if targetAgent := getString(data, "target_agent"); targetAgent != "" {
		e.TargetAgent = &targetAgent
	}

	return nil
}

func getString(data map[string]interface{}, key string) string {
	if value, exists := data[key]; exists {
		if strVal, ok := value.(string); ok {
			return strVal
		}
	}
	return ""
}

// ToJSON serializes the event as JSON.
func (e *TraceSpanEvent) ToJSON() ([]byte, error) { return json.Marshal(e) }
