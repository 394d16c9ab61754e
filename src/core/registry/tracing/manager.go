package tracing

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings the tracing subsystem needs at startup.
type Config struct {
	Enabled             bool
	RedisURL            string
	StreamName          string
	ConsumerGroup       string
	ConsumerName        string
	BatchSize           int64
	BlockTimeout        time.Duration
	MaxTraceAge         time.Duration
	ExporterType        string // console, json, otlp, multi
	PrettyConsoleOutput bool
	JSONOutputDirectory string
	EnableStats         bool
	TelemetryEndpoint   string
}

// Manager wires the stream consumer, correlator, and exporter(s)
// together and exposes the status views the HTTP surface serves under
// /trace/*.
type Manager struct {
	config     *Config
	consumer   *StreamConsumer
	correlator *SpanCorrelator
	exporter   TraceExporter
	otlp       *OTLPExporter
	stats      *StatsExporter
	logger     *log.Logger
	enabled    bool
}

// NewManager builds the tracing pipeline from config. A disabled config
// returns a no-op manager whose Start/Stop are harmless.
func NewManager(config *Config) (*Manager, error) {
	if config == nil {
		config = ConfigFromEnv()
	}

	m := &Manager{
		config:  config,
		logger:  log.New(os.Stdout, "[trace-manager] ", log.LstdFlags),
		enabled: config.Enabled,
	}

	if !config.Enabled {
		m.logger.Println("distributed tracing disabled")
		return m, nil
	}

	exporter, err := m.buildExporter()
	if err != nil {
		return nil, fmt.Errorf("build exporter: %w", err)
	}
	m.exporter = exporter

	m.correlator = NewSpanCorrelator(exporter, config.MaxTraceAge)

	consumer, err := NewStreamConsumer(&StreamConsumerConfig{
		RedisURL:      config.RedisURL,
		StreamName:    config.StreamName,
		ConsumerGroup: config.ConsumerGroup,
		ConsumerName:  config.ConsumerName,
		BatchSize:     config.BatchSize,
		BlockTimeout:  config.BlockTimeout,
		Enabled:       true,
	}, m.correlator)
	if err != nil {
		return nil, fmt.Errorf("create stream consumer: %w", err)
	}
	m.consumer = consumer

	m.logger.Printf("distributed tracing enabled: exporter=%s stream=%s", config.ExporterType, config.StreamName)
	return m, nil
}

func (m *Manager) buildExporter() (TraceExporter, error) {
	var exporters []TraceExporter

	switch strings.ToLower(m.config.ExporterType) {
	case "json":
		if m.config.JSONOutputDirectory == "" {
			return nil, fmt.Errorf("json exporter requires an output directory")
		}
		exporters = append(exporters, NewJSONExporter(m.config.JSONOutputDirectory))
	case "otlp", "telemetry":
		if m.config.TelemetryEndpoint == "" {
			return nil, fmt.Errorf("otlp exporter requires a telemetry endpoint")
		}
		otlp, err := NewOTLPExporter(m.config.TelemetryEndpoint)
		if err != nil {
			return nil, err
		}
		m.otlp = otlp
		exporters = append(exporters, otlp)
	case "multi", "all":
		exporters = append(exporters, NewConsoleExporter(m.config.PrettyConsoleOutput))
		if m.config.JSONOutputDirectory != "" {
			exporters = append(exporters, NewJSONExporter(m.config.JSONOutputDirectory))
		}
		if m.config.TelemetryEndpoint != "" {
			otlp, err := NewOTLPExporter(m.config.TelemetryEndpoint)
			if err != nil {
				m.logger.Printf("otlp exporter unavailable: %v", err)
			} else {
				m.otlp = otlp
				exporters = append(exporters, otlp)
			}
		}
	default:
		exporters = append(exporters, NewConsoleExporter(m.config.PrettyConsoleOutput))
	}

	if m.config.EnableStats {
		m.stats = NewStatsExporter()
		exporters = append(exporters, m.stats)
	}

	if len(exporters) == 1 {
		return exporters[0], nil
	}
	return NewMultiExporter(exporters...), nil
}

// Start starts the background consumer. No-op when tracing is disabled.
func (m *Manager) Start() error {
	if !m.enabled {
		return nil
	}
	return m.consumer.Start()
}

// Stop shuts the pipeline down, flushing any in-flight traces.
func (m *Manager) Stop() error {
	if !m.enabled {
		return nil
	}

	var errs []string
	if err := m.consumer.Stop(); err != nil {
		errs = append(errs, fmt.Sprintf("consumer: %v", err))
	}
	if err := m.correlator.Stop(); err != nil {
		errs = append(errs, fmt.Sprintf("correlator: %v", err))
	}
	if m.otlp != nil {
		if err := m.otlp.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("otlp exporter: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// GetInfo reports pipeline configuration and live consumer/correlator
// state for /trace/info and /trace/status.
func (m *Manager) GetInfo() map[string]interface{} {
	info := map[string]interface{}{
		"enabled":       m.enabled,
		"exporter_type": m.config.ExporterType,
	}
	if m.enabled {
		info["consumer"] = m.consumer.GetConsumerInfo()
		info["correlator"] = m.correlator.GetStats()
		if m.otlp != nil {
			info["otlp_dropped_traces"] = m.otlp.DroppedCount()
		}
	}
	return info
}

// GetStats returns accumulated trace statistics, or nil if the stats
// exporter isn't enabled.
func (m *Manager) GetStats() *TraceStats {
	if !m.enabled || m.stats == nil {
		return nil
	}
	return m.stats.GetStats()
}

// GetTrace retrieves one completed trace by ID.
func (m *Manager) GetTrace(traceID string) (*CompletedTrace, bool) {
	if !m.enabled {
		return nil, false
	}
	return m.correlator.GetTrace(traceID)
}

// ListTraces returns completed traces newest-first, paginated.
func (m *Manager) ListTraces(limit, offset int) []*CompletedTrace {
	if !m.enabled {
		return nil
	}
	return m.correlator.ListTraces(limit, offset)
}

// SearchTraces returns completed traces matching criteria.
func (m *Manager) SearchTraces(criteria TraceSearchCriteria) []*CompletedTrace {
	if !m.enabled {
		return nil
	}
	return m.correlator.SearchTraces(criteria)
}

// GetTraceCount returns the number of stored completed traces.
func (m *Manager) GetTraceCount() int {
	if !m.enabled {
		return 0
	}
	return m.correlator.GetTraceCount()
}

// ConfigFromEnv builds a Config from the tracing-related environment
// variables.
func ConfigFromEnv() *Config {
	enabled := strings.ToLower(os.Getenv("MCP_MESH_DISTRIBUTED_TRACING_ENABLED")) == "true"

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}
	streamName := os.Getenv("STREAM_NAME")
	if streamName == "" {
		streamName = "mesh:trace"
	}
	consumerGroup := os.Getenv("CONSUMER_GROUP")
	if consumerGroup == "" {
		consumerGroup = "mcp-mesh-registry-processors"
	}

	batchSize := int64(100)
	if s := os.Getenv("TRACE_BATCH_SIZE"); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			batchSize = v
		}
	}

	maxTraceAge := 60 * time.Second
	if s := os.Getenv("TRACE_MAX_AGE"); s != "" {
		if v, err := time.ParseDuration(s); err == nil {
			maxTraceAge = v
		}
	}

	exporterType := os.Getenv("TRACE_EXPORTER_TYPE")
	if exporterType == "" {
		exporterType = "console"
	}

	return &Config{
		Enabled:             enabled,
		RedisURL:            redisURL,
		StreamName:          streamName,
		ConsumerGroup:       consumerGroup,
		BatchSize:           batchSize,
		BlockTimeout:        5 * time.Second,
		MaxTraceAge:         maxTraceAge,
		ExporterType:        exporterType,
		PrettyConsoleOutput: strings.ToLower(os.Getenv("TRACE_PRETTY_OUTPUT")) != "false",
		JSONOutputDirectory: os.Getenv("TRACE_JSON_OUTPUT_DIR"),
		EnableStats:         strings.ToLower(os.Getenv("TRACE_ENABLE_STATS")) != "false",
		TelemetryEndpoint:   os.Getenv("TELEMETRY_ENDPOINT"),
	}
}
