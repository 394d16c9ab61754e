package tracing

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// quietPeriod is how long a trace must go without a new event before it
// is considered finished, provided every observed parent span is known.
const quietPeriod = 5 * time.Second

// SpanCorrelator assembles individual span events into complete traces
// and hands each one to a TraceExporter once it is done.
type SpanCorrelator struct {
	activeTraces    map[string]*TraceBuilder
	completedTraces map[string]*CompletedTrace
	traceMutex      sync.RWMutex
	completedMutex  sync.RWMutex
	logger          *log.Logger
	exporter        TraceExporter
	maxAge          time.Duration
	maxStoredTraces int
	cleanupTicker   *time.Ticker
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
}

// TraceBuilder accumulates spans for a single in-flight trace.
type TraceBuilder struct {
	TraceID   string
	Spans     []*TraceSpan
	StartTime time.Time
	LastSeen  time.Time
	mutex     sync.RWMutex
}

// TraceSpan is one correlated span: a span_start joined with its
// matching span_end, if one has arrived yet.
type TraceSpan struct {
	TraceID      string
	SpanID       string
	ParentSpanID *string
	AgentName    string
	AgentID      string
	IPAddress    string
	Operation    string
	StartTime    time.Time
	EndTime      *time.Time
	DurationMS   *int64
	Success      *bool
	ErrorMessage *string
	Capability   *string
	TargetAgent  *string
	Runtime      string
}

// CompletedTrace is a fully assembled trace ready for export.
type CompletedTrace struct {
	TraceID    string
	Spans      []*TraceSpan
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Success    bool
	SpanCount  int
	AgentCount int
	Agents     []string
}

// TraceExporter exports a fully assembled trace.
type TraceExporter interface {
	ExportTrace(trace *CompletedTrace) error
}

// SpanExporter exports individual spans as they happen, for exporters
// that stream through to a backend instead of waiting for correlation.
type SpanExporter interface {
	ExportSpan(event *TraceSpanEvent) error
	EstablishSpanContext(event *TraceSpanEvent) error
	ExportCompleteSpan(event *TraceSpanEvent) error
}

// NewSpanCorrelator creates a correlator that exports traces once idle
// for quietPeriod with every parent span resolved, or once maxAge old
// regardless.
func NewSpanCorrelator(exporter TraceExporter, maxAge time.Duration) *SpanCorrelator {
	ctx, cancel := context.WithCancel(context.Background())

	c := &SpanCorrelator{
		activeTraces:    make(map[string]*TraceBuilder),
		completedTraces: make(map[string]*CompletedTrace),
		logger:          log.New(os.Stdout, "[trace-correlator] ", log.LstdFlags),
		exporter:        exporter,
		maxAge:          maxAge,
		maxStoredTraces: 1000,
		cleanupTicker:   time.NewTicker(time.Second),
		ctx:             ctx,
		cancel:          cancel,
	}

	c.wg.Add(1)
	go c.cleanupLoop()
	return c
}

// ProcessTraceEvent implements TraceEventProcessor.
func (c *SpanCorrelator) ProcessTraceEvent(event *TraceSpanEvent) error {
	c.traceMutex.Lock()
	defer c.traceMutex.Unlock()

	builder, exists := c.activeTraces[event.TraceID]
	if !exists {
		builder = &TraceBuilder{
			TraceID:   event.TraceID,
			StartTime: time.Now(),
			LastSeen:  time.Now(),
		}
		c.activeTraces[event.TraceID] = builder
	}

	builder.mutex.Lock()
	builder.LastSeen = time.Now()

	switch event.EventType {
	case "span_start":
		c.handleSpanStart(builder, event)
	case "span_end":
		c.handleSpanEnd(builder, event)
	case "error":
		c.handleSpanError(builder, event)
	}

	builder.mutex.Unlock()

	if c.isTraceComplete(builder) {
		if err := c.finalizeAndExportTrace(event.TraceID); err != nil {
			c.logger.Printf("export failed for trace %s: %v", event.TraceID, err)
		}
	}

	return nil
}

func (c *SpanCorrelator) handleSpanStart(builder *TraceBuilder, event *TraceSpanEvent) {
	for _, span := range builder.Spans {
		if span.SpanID == event.SpanID {
			if start := event.StartTime(); start.Before(span.StartTime) {
				span.StartTime = start
			}
			return
		}
	}

	builder.Spans = append(builder.Spans, &TraceSpan{
		TraceID:      event.TraceID,
		SpanID:       event.SpanID,
		ParentSpanID: event.ParentSpanID,
		AgentName:    event.AgentName,
		AgentID:      event.AgentID,
		IPAddress:    event.IPAddress,
		Operation:    event.Operation,
		StartTime:    event.StartTime(),
		Capability:   event.Capability,
		TargetAgent:  event.TargetAgent,
		Runtime:      event.Runtime,
	})
}

func (c *SpanCorrelator) handleSpanEnd(builder *TraceBuilder, event *TraceSpanEvent) {
	endTime := event.StartTime()
	success := event.Success()

	for _, span := range builder.Spans {
		if span.SpanID == event.SpanID {
			span.EndTime = &endTime
			span.DurationMS = event.DurationMS
			span.Success = &success
			span.ErrorMessage = event.ErrorMessage
			return
		}
	}

	builder.Spans = append(builder.Spans, &TraceSpan{
		TraceID:      event.TraceID,
		SpanID:       event.SpanID,
		AgentName:    event.AgentName,
		AgentID:      event.AgentID,
		IPAddress:    event.IPAddress,
		Operation:    event.Operation,
		StartTime:    endTime,
		EndTime:      &endTime,
		DurationMS:   event.DurationMS,
		Success:      &success,
		ErrorMessage: event.ErrorMessage,
		Runtime:      event.Runtime,
	})
}

func (c *SpanCorrelator) handleSpanError(builder *TraceBuilder, event *TraceSpanEvent) {
	success := false
	for _, span := range builder.Spans {
		if span.SpanID == event.SpanID {
			span.Success = &success
			span.ErrorMessage = event.ErrorMessage
			return
		}
	}

	errorTime := event.StartTime()
	builder.Spans = append(builder.Spans, &TraceSpan{
		TraceID:      event.TraceID,
		SpanID:       event.SpanID,
		AgentName:    event.AgentName,
		AgentID:      event.AgentID,
		IPAddress:    event.IPAddress,
		Operation:    event.Operation,
		StartTime:    errorTime,
		EndTime:      &errorTime,
		Success:      &success,
		ErrorMessage: event.ErrorMessage,
		Runtime:      event.Runtime,
	})
}

// isTraceComplete holds once quietPeriod has elapsed since the last event
// on the trace and every observed parent_span_id resolves to a known
// span_id in the bucket — a span naming a parent that has not yet arrived
// keeps the trace open regardless of whether the root span itself has
// closed. It takes builder.mutex for reading itself; callers hold
// traceMutex.
func (c *SpanCorrelator) isTraceComplete(builder *TraceBuilder) bool {
	builder.mutex.RLock()
	defer builder.mutex.RUnlock()

	if time.Since(builder.LastSeen) < quietPeriod {
		return false
	}
	if len(builder.Spans) == 0 {
		return false
	}

	known := make(map[string]bool, len(builder.Spans))
	for _, span := range builder.Spans {
		known[span.SpanID] = true
	}

	for _, span := range builder.Spans {
		if span.ParentSpanID != nil && !known[*span.ParentSpanID] {
			return false
		}
	}
	return true
}

func (c *SpanCorrelator) finalizeAndExportTrace(traceID string) error {
	builder, exists := c.activeTraces[traceID]
	if !exists {
		return fmt.Errorf("trace %s not found", traceID)
	}

	builder.mutex.RLock()
	completed := c.buildCompletedTrace(builder)
	builder.mutex.RUnlock()

	c.storeCompletedTrace(completed)
	delete(c.activeTraces, traceID)

	return c.exporter.ExportTrace(completed)
}

func (c *SpanCorrelator) buildCompletedTrace(builder *TraceBuilder) *CompletedTrace {
	spans := make([]*TraceSpan, len(builder.Spans))
	copy(spans, builder.Spans)
	sort.Slice(spans, func(i, j int) bool { return spans[i].StartTime.Before(spans[j].StartTime) })

	var startTime, endTime time.Time
	success := true
	agentSet := make(map[string]bool)

	if len(spans) > 0 {
		startTime = spans[0].StartTime
		endTime = spans[0].StartTime
		for _, span := range spans {
			if span.StartTime.Before(startTime) {
				startTime = span.StartTime
			}
			if span.EndTime != nil && span.EndTime.After(endTime) {
				endTime = *span.EndTime
			}
			if span.Success != nil && !*span.Success {
				success = false
			}
			agentSet[span.AgentName] = true
		}
	}

	agents := make([]string, 0, len(agentSet))
	for agent := range agentSet {
		agents = append(agents, agent)
	}
	sort.Strings(agents)

	return &CompletedTrace{
		TraceID:    builder.TraceID,
		Spans:      spans,
		StartTime:  startTime,
		EndTime:    endTime,
		Duration:   endTime.Sub(startTime),
		Success:    success,
		SpanCount:  len(spans),
		AgentCount: len(agents),
		Agents:     agents,
	}
}

func (c *SpanCorrelator) cleanupLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.cleanupTicker.C:
			c.sweep()
		}
	}
}

// sweep exports traces that finished since the last check, and
// force-exports (however incomplete) any trace that has aged past
// maxAge — the max-age branch of the completion rule.
func (c *SpanCorrelator) sweep() {
	c.traceMutex.Lock()
	defer c.traceMutex.Unlock()

	now := time.Now()
	var aged, finished []string

	for traceID, builder := range c.activeTraces {
		if now.Sub(builder.StartTime) > c.maxAge {
			aged = append(aged, traceID)
		} else if c.isTraceComplete(builder) {
			finished = append(finished, traceID)
		}
	}

	for _, traceID := range finished {
		if err := c.finalizeAndExportTrace(traceID); err != nil {
			c.logger.Printf("export failed for trace %s: %v", traceID, err)
		}
	}

	for _, traceID := range aged {
		builder := c.activeTraces[traceID]
		if len(builder.Spans) > 0 {
			builder.mutex.RLock()
			completed := c.buildCompletedTrace(builder)
			builder.mutex.RUnlock()
			c.storeCompletedTrace(completed)
			if err := c.exporter.ExportTrace(completed); err != nil {
				c.logger.Printf("export failed for aged trace %s: %v", traceID, err)
			}
		}
		delete(c.activeTraces, traceID)
	}
}

// Stop flushes any remaining in-flight traces and shuts the correlator
// down.
func (c *SpanCorrelator) Stop() error {
	c.cancel()
	c.cleanupTicker.Stop()
	c.wg.Wait()

	c.traceMutex.Lock()
	defer c.traceMutex.Unlock()

	for _, builder := range c.activeTraces {
		if len(builder.Spans) > 0 {
			completed := c.buildCompletedTrace(builder)
			if err := c.exporter.ExportTrace(completed); err != nil {
				c.logger.Printf("export failed during shutdown: %v", err)
			}
		}
	}

	return nil
}

// GetStats reports correlator-internal counters for /trace/status.
func (c *SpanCorrelator) GetStats() map[string]interface{} {
	c.traceMutex.RLock()
	defer c.traceMutex.RUnlock()

	stats := map[string]interface{}{
		"active_traces": len(c.activeTraces),
		"max_age":       c.maxAge.String(),
	}

	if len(c.activeTraces) > 0 {
		oldest := time.Now()
		totalSpans := 0
		for _, builder := range c.activeTraces {
			if builder.StartTime.Before(oldest) {
				oldest = builder.StartTime
			}
			totalSpans += len(builder.Spans)
		}
		stats["oldest_trace_age"] = time.Since(oldest).String()
		stats["total_spans"] = totalSpans
		stats["avg_spans_per_trace"] = float64(totalSpans) / float64(len(c.activeTraces))
	}

	return stats
}

func (c *SpanCorrelator) storeCompletedTrace(trace *CompletedTrace) {
	c.completedMutex.Lock()
	defer c.completedMutex.Unlock()

	c.completedTraces[trace.TraceID] = trace
	if len(c.completedTraces) > c.maxStoredTraces {
		c.evictOldestCompleted()
	}
}

func (c *SpanCorrelator) evictOldestCompleted() {
	type traceAge struct {
		traceID string
		endTime time.Time
	}

	traces := make([]traceAge, 0, len(c.completedTraces))
	for id, trace := range c.completedTraces {
		traces = append(traces, traceAge{id, trace.EndTime})
	}
	sort.Slice(traces, func(i, j int) bool { return traces[i].endTime.Before(traces[j].endTime) })

	removeCount := len(traces) / 5
	if removeCount < 10 {
		removeCount = 10
	}
	for i := 0; i < removeCount && i < len(traces); i++ {
		delete(c.completedTraces, traces[i].traceID)
	}
}

// GetTrace retrieves a specific completed trace by ID.
func (c *SpanCorrelator) GetTrace(traceID string) (*CompletedTrace, bool) {
	c.completedMutex.RLock()
	defer c.completedMutex.RUnlock()
	trace, exists := c.completedTraces[traceID]
	return trace, exists
}

// ListTraces returns completed traces newest-first, paginated.
func (c *SpanCorrelator) ListTraces(limit, offset int) []*CompletedTrace {
	c.completedMutex.RLock()
	defer c.completedMutex.RUnlock()

	traces := make([]*CompletedTrace, 0, len(c.completedTraces))
	for _, trace := range c.completedTraces {
		traces = append(traces, trace)
	}
	sort.Slice(traces, func(i, j int) bool { return traces[i].EndTime.After(traces[j].EndTime) })

	if offset >= len(traces) {
		return []*CompletedTrace{}
	}
	end := offset + limit
	if end > len(traces) {
		end = len(traces)
	}
	return traces[offset:end]
}

// TraceSearchCriteria filters SearchTraces.
type TraceSearchCriteria struct {
	ParentSpanID *string    `json:"parent_span_id,omitempty"`
	AgentName    *string    `json:"agent_name,omitempty"`
	Operation    *string    `json:"operation,omitempty"`
	Success      *bool      `json:"success,omitempty"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	MinDuration  *int64     `json:"min_duration_ms,omitempty"`
	MaxDuration  *int64     `json:"max_duration_ms,omitempty"`
	Limit        int        `json:"limit,omitempty"`
}

// SearchTraces returns completed traces matching criteria, newest-first.
func (c *SpanCorrelator) SearchTraces(criteria TraceSearchCriteria) []*CompletedTrace {
	c.completedMutex.RLock()
	defer c.completedMutex.RUnlock()

	var results []*CompletedTrace
	for _, trace := range c.completedTraces {
		if c.matches(trace, criteria) {
			results = append(results, trace)
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].EndTime.After(results[j].EndTime) })

	if criteria.Limit > 0 && len(results) > criteria.Limit {
		results = results[:criteria.Limit]
	}
	return results
}

func (c *SpanCorrelator) matches(trace *CompletedTrace, criteria TraceSearchCriteria) bool {
	if criteria.ParentSpanID != nil {
		found := false
		for _, span := range trace.Spans {
			if span.ParentSpanID != nil && *span.ParentSpanID == *criteria.ParentSpanID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if criteria.AgentName != nil {
		found := false
		for _, agent := range trace.Agents {
			if agent == *criteria.AgentName {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if criteria.Operation != nil {
		found := false
		for _, span := range trace.Spans {
			if strings.Contains(span.Operation, *criteria.Operation) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if criteria.Success != nil && trace.Success != *criteria.Success {
		return false
	}
	if criteria.StartTime != nil && trace.StartTime.Before(*criteria.StartTime) {
		return false
	}
	if criteria.EndTime != nil && trace.EndTime.After(*criteria.EndTime) {
		return false
	}

	durationMs := trace.Duration.Milliseconds()
	if criteria.MinDuration != nil && durationMs < *criteria.MinDuration {
		return false
	}
	if criteria.MaxDuration != nil && durationMs > *criteria.MaxDuration {
		return false
	}

	return true
}

// GetTraceCount returns the number of stored completed traces.
func (c *SpanCorrelator) GetTraceCount() int {
	c.completedMutex.RLock()
	defer c.completedMutex.RUnlock()
	return len(c.completedTraces)
}
