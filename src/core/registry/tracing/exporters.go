package tracing

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ConsoleExporter writes completed traces to stdout, for local
// development without a telemetry backend.
type ConsoleExporter struct {
	logger *log.Logger
	pretty bool
}

// NewConsoleExporter creates a console exporter.
func NewConsoleExporter(pretty bool) *ConsoleExporter {
	return &ConsoleExporter{logger: log.New(os.Stdout, "[trace-export] ", log.LstdFlags), pretty: pretty}
}

// ExportTrace writes the trace synchronously and never drops it.
func (ce *ConsoleExporter) ExportTrace(trace *CompletedTrace) error {
	if ce.pretty {
		ce.exportPretty(trace)
	} else {
		ce.exportJSON(trace)
	}
	return nil
}

func (ce *ConsoleExporter) exportPretty(trace *CompletedTrace) {
	status := "SUCCESS"
	if !trace.Success {
		status = "FAILED"
	}
	ce.logger.Printf("trace %s (%v) %s spans=%d agents=%d",
		trace.TraceID, trace.Duration.Round(time.Millisecond), status, trace.SpanCount, trace.AgentCount)

	byAgent := make(map[string][]*TraceSpan)
	for _, span := range trace.Spans {
		byAgent[span.AgentName] = append(byAgent[span.AgentName], span)
	}
	for _, agent := range trace.Agents {
		ce.logger.Printf("  agent=%s", agent)
		for _, span := range byAgent[agent] {
			st := "ok"
			if span.Success != nil && !*span.Success {
				st = "error"
			}
			ce.logger.Printf("    %s %s", st, span.Operation)
		}
	}
}

func (ce *ConsoleExporter) exportJSON(trace *CompletedTrace) {
	data, err := json.Marshal(trace)
	if err != nil {
		ce.logger.Printf("marshal trace: %v", err)
		return
	}
	ce.logger.Printf("%s", string(data))
}

// JSONExporter writes each completed trace as a file under a directory,
// for offline inspection.
type JSONExporter struct {
	outputDir string
	logger    *log.Logger
}

// NewJSONExporter creates a JSON file exporter writing into outputDir.
func NewJSONExporter(outputDir string) *JSONExporter {
	return &JSONExporter{outputDir: outputDir, logger: log.New(os.Stdout, "[trace-export-json] ", log.LstdFlags)}
}

// ExportTrace writes the trace synchronously and never drops it.
func (je *JSONExporter) ExportTrace(trace *CompletedTrace) error {
	if err := os.MkdirAll(je.outputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	filename := fmt.Sprintf("trace_%s_%d.json", trace.TraceID, trace.StartTime.Unix())
	path := fmt.Sprintf("%s/%s", je.outputDir, filename)

	data, err := json.MarshalIndent(trace, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// MultiExporter fans a completed trace out to every configured exporter.
type MultiExporter struct {
	exporters []TraceExporter
}

// NewMultiExporter creates an exporter that forwards to all of exporters.
func NewMultiExporter(exporters ...TraceExporter) *MultiExporter {
	return &MultiExporter{exporters: exporters}
}

// ExportTrace forwards to every exporter, collecting failures.
func (me *MultiExporter) ExportTrace(trace *CompletedTrace) error {
	var errs []string
	for i, exporter := range me.exporters {
		if err := exporter.ExportTrace(trace); err != nil {
			errs = append(errs, fmt.Sprintf("exporter %d: %v", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("export failures: %s", strings.Join(errs, "; "))
	}
	return nil
}

// TraceStats accumulates running totals across exported traces.
type TraceStats struct {
	TotalTraces   int64    `json:"total_traces"`
	SuccessTraces int64    `json:"success_traces"`
	FailedTraces  int64    `json:"failed_traces"`
	TotalSpans    int64    `json:"total_spans"`
	AvgDurationMS float64  `json:"avg_duration_ms"`
	AgentsSeen    []string `json:"agents_seen"`

	totalDurationMS int64
	agentSet        map[string]bool
	mu              sync.Mutex
}

// StatsExporter tallies statistics without exporting traces anywhere.
type StatsExporter struct {
	stats *TraceStats
}

// NewStatsExporter creates a statistics-only exporter.
func NewStatsExporter() *StatsExporter {
	return &StatsExporter{stats: &TraceStats{agentSet: make(map[string]bool)}}
}

// ExportTrace folds the trace into the running statistics.
func (se *StatsExporter) ExportTrace(trace *CompletedTrace) error {
	se.stats.mu.Lock()
	defer se.stats.mu.Unlock()

	se.stats.TotalTraces++
	se.stats.TotalSpans += int64(trace.SpanCount)
	se.stats.totalDurationMS += trace.Duration.Milliseconds()
	if trace.Success {
		se.stats.SuccessTraces++
	} else {
		se.stats.FailedTraces++
	}
	for _, agent := range trace.Agents {
		se.stats.agentSet[agent] = true
	}
	se.stats.AvgDurationMS = float64(se.stats.totalDurationMS) / float64(se.stats.TotalTraces)
	se.stats.AgentsSeen = se.stats.AgentsSeen[:0]
	for agent := range se.stats.agentSet {
		se.stats.AgentsSeen = append(se.stats.AgentsSeen, agent)
	}
	return nil
}

// GetStats returns the current statistics snapshot.
func (se *StatsExporter) GetStats() *TraceStats {
	se.stats.mu.Lock()
	defer se.stats.mu.Unlock()
	snapshot := *se.stats
	return &snapshot
}

// otlpQueueSize bounds how many completed traces may be pending export
// before the oldest is dropped to make room for the newest.
const otlpQueueSize = 256

// OTLPExporter exports completed traces to an OTLP gRPC collector
// (Tempo, an OpenTelemetry Collector, Jaeger's OTLP receiver, etc).
// Ingestion is decoupled from the network call by a bounded queue: a
// collector outage degrades to dropping the oldest buffered traces
// rather than blocking the correlator.
type OTLPExporter struct {
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
	logger   *log.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	queue   chan *CompletedTrace
	dropped int64
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// NewOTLPExporter dials endpoint over insecure gRPC and starts the
// background export worker.
func NewOTLPExporter(endpoint string) (*OTLPExporter, error) {
	ctx, cancel := context.WithCancel(context.Background())

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String("mcp-mesh-registry"),
			semconv.ServiceVersionKey.String("1.0.0"),
		),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	oe := &OTLPExporter{
		provider: provider,
		tracer:   provider.Tracer("mcp-mesh-registry"),
		logger:   log.New(os.Stdout, "[trace-export-otlp] ", log.LstdFlags),
		ctx:      ctx,
		cancel:   cancel,
		queue:    make(chan *CompletedTrace, otlpQueueSize),
	}

	oe.wg.Add(1)
	go oe.drain()

	return oe, nil
}

// ExportTrace enqueues the trace for asynchronous export, dropping the
// oldest queued trace if the queue is full.
func (oe *OTLPExporter) ExportTrace(trace *CompletedTrace) error {
	select {
	case oe.queue <- trace:
		return nil
	default:
	}

	select {
	case <-oe.queue:
		oe.mu.Lock()
		oe.dropped++
		oe.mu.Unlock()
	default:
	}

	select {
	case oe.queue <- trace:
	default:
	}
	return nil
}

func (oe *OTLPExporter) drain() {
	defer oe.wg.Done()
	for {
		select {
		case <-oe.ctx.Done():
			return
		case trace := <-oe.queue:
			if err := oe.export(trace); err != nil {
				oe.logger.Printf("export trace %s: %v", trace.TraceID, err)
			}
		}
	}
}

// export builds an OTel span tree from the correlated trace, preserving
// the original trace ID and per-span IDs, and submits it to the SDK
// batch processor.
func (oe *OTLPExporter) export(trace *CompletedTrace) error {
	traceID, err := parseTraceID(trace.TraceID)
	if err != nil {
		return err
	}

	spans := make([]*TraceSpan, len(trace.Spans))
	copy(spans, trace.Spans)
	sort.Slice(spans, func(i, j int) bool { return spans[i].StartTime.Before(spans[j].StartTime) })

	spanContexts := make(map[string]oteltrace.SpanContext)

	for _, span := range spans {
		spanID, err := parseSpanID(span.SpanID)
		if err != nil {
			continue
		}

		ctx := oe.ctx
		if span.ParentSpanID != nil {
			if parentSC, ok := spanContexts[*span.ParentSpanID]; ok {
				ctx = oteltrace.ContextWithSpanContext(ctx, parentSC)
			}
		} else {
			ctx = oteltrace.ContextWithSpanContext(ctx, oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
				TraceID:    traceID,
				TraceFlags: oteltrace.FlagsSampled,
			}))
		}

		_, otSpan := oe.tracer.Start(ctx, span.Operation,
			oteltrace.WithTimestamp(span.StartTime),
			oteltrace.WithAttributes(spanAttributes(span)...),
		)

		if span.Success != nil && !*span.Success {
			msg := "operation failed"
			if span.ErrorMessage != nil {
				msg = *span.ErrorMessage
			}
			otSpan.SetStatus(codes.Error, msg)
		} else {
			otSpan.SetStatus(codes.Ok, "")
		}

		endTime := span.StartTime
		if span.EndTime != nil {
			endTime = *span.EndTime
		}
		otSpan.End(oteltrace.WithTimestamp(endTime))

		spanContexts[span.SpanID] = oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanID,
			TraceFlags: oteltrace.FlagsSampled,
			Remote:     true,
		})
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return oe.provider.ForceFlush(flushCtx)
}

func spanAttributes(span *TraceSpan) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("mesh.agent.name", span.AgentName),
		attribute.String("mesh.agent.id", span.AgentID),
		attribute.String("mesh.runtime", span.Runtime),
	}
	if span.IPAddress != "" {
		attrs = append(attrs, attribute.String("mesh.agent.ip", span.IPAddress))
	}
	if span.Capability != nil {
		attrs = append(attrs, attribute.String("mesh.capability", *span.Capability))
	}
	if span.TargetAgent != nil {
		attrs = append(attrs, attribute.String("mesh.target_agent", *span.TargetAgent))
	}
	if span.DurationMS != nil {
		attrs = append(attrs, attribute.Int64("mesh.duration_ms", *span.DurationMS))
	}
	return attrs
}

// DroppedCount reports how many traces were discarded under backpressure.
func (oe *OTLPExporter) DroppedCount() int64 {
	oe.mu.Lock()
	defer oe.mu.Unlock()
	return oe.dropped
}

// Close flushes and shuts the exporter down.
func (oe *OTLPExporter) Close() error {
	oe.cancel()
	oe.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return oe.provider.Shutdown(ctx)
}

func parseTraceID(s string) (oteltrace.TraceID, error) {
	cleaned := strings.ReplaceAll(s, "-", "")
	bytes, err := hex.DecodeString(cleaned)
	if err != nil || len(bytes) != 16 {
		// Fall back to a deterministic derived ID so an unparsable
		// trace identifier still produces a valid, stable TraceID.
		bytes = deriveID(s, 16)
	}
	var id oteltrace.TraceID
	copy(id[:], bytes)
	return id, nil
}

func parseSpanID(s string) (oteltrace.SpanID, error) {
	cleaned := strings.ReplaceAll(s, "-", "")
	var bytes []byte
	if len(cleaned) >= 16 {
		if b, err := hex.DecodeString(cleaned[:16]); err == nil {
			bytes = b
		}
	}
	if len(bytes) != 8 {
		bytes = deriveID(s, 8)
	}
	var id oteltrace.SpanID
	copy(id[:], bytes)
	return id, nil
}

// deriveID produces a stable byte slice of length n from an arbitrary
// string, used when a trace or span identifier isn't valid hex.
func deriveID(s string, n int) []byte {
	out := make([]byte, n)
	if len(s) == 0 {
		return out
	}
	for i := 0; i < n; i++ {
		out[i] = s[i%len(s)]
	}
	return out
}
