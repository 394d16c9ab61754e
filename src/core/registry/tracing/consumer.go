package tracing

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConnectionState tracks the Redis connection lifecycle.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateFailed       ConnectionState = "failed"
)

// TraceEventProcessor accepts span events handed off by the consumer.
// ProcessTraceEvent must return quickly; slow processors should buffer
// internally, because the consumer calls it synchronously per message
// and only acknowledges once it returns.
type TraceEventProcessor interface {
	ProcessTraceEvent(event *TraceSpanEvent) error
}

// StreamConsumerConfig configures a StreamConsumer.
type StreamConsumerConfig struct {
	RedisURL      string
	StreamName    string
	ConsumerGroup string
	ConsumerName  string
	BatchSize     int64
	BlockTimeout  time.Duration
	Enabled       bool
}

// StreamConsumer reads span events from a Redis Streams consumer group
// with at-least-once delivery, tracking its connection state and
// retrying with backoff. Tracing is entirely optional: a disabled or
// unreachable Redis never blocks the registry's other endpoints.
type StreamConsumer struct {
	config *StreamConsumerConfig
	client *redis.Client

	streamName    string
	consumerGroup string
	consumerName  string

	enabled         bool
	connectionState ConnectionState
	lastError       error
	lastErrorTime   time.Time
	retryCount      int

	logger       *log.Logger
	batchSize    int64
	blockTimeout time.Duration
	processor    TraceEventProcessor
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	running      bool
	consuming    bool
	mu           sync.RWMutex
}

// NewStreamConsumer creates a consumer for the given stream. It never
// fails on an unreachable Redis; connection attempts happen in the
// background once Start is called.
func NewStreamConsumer(config *StreamConsumerConfig, processor TraceEventProcessor) (*StreamConsumer, error) {
	logger := log.New(os.Stdout, "[trace-consumer] ", log.LstdFlags)

	if !config.Enabled {
		return &StreamConsumer{enabled: false, connectionState: StateDisconnected, logger: logger, processor: processor}, nil
	}

	consumerName := config.ConsumerName
	if consumerName == "" {
		hostname, _ := os.Hostname()
		consumerName = fmt.Sprintf("registry-%s-%d", hostname, os.Getpid())
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &StreamConsumer{
		config:          config,
		streamName:      config.StreamName,
		consumerGroup:   config.ConsumerGroup,
		consumerName:    consumerName,
		enabled:         true,
		connectionState: StateDisconnected,
		logger:          logger,
		batchSize:       config.BatchSize,
		blockTimeout:    config.BlockTimeout,
		processor:       processor,
		ctx:             ctx,
		cancel:          cancel,
	}, nil
}

// Start launches the background connection manager. Safe to call once.
func (sc *StreamConsumer) Start() error {
	if !sc.enabled {
		return nil
	}

	sc.mu.Lock()
	if sc.running {
		sc.mu.Unlock()
		return fmt.Errorf("consumer already running")
	}
	sc.running = true
	sc.mu.Unlock()

	sc.wg.Add(1)
	go sc.connectionManager()
	return nil
}

func (sc *StreamConsumer) connectionManager() {
	defer sc.wg.Done()

	const baseRetry = 5 * time.Second
	const maxRetry = 60 * time.Second

	for {
		select {
		case <-sc.ctx.Done():
			return
		default:
		}

		sc.mu.RLock()
		state := sc.connectionState
		sc.mu.RUnlock()

		switch state {
		case StateDisconnected, StateFailed:
			sc.attemptConnection()
		case StateConnected:
			sc.mu.RLock()
			consuming := sc.consuming
			sc.mu.RUnlock()
			if !consuming {
				sc.startConsuming()
			}
			if err := sc.checkConnectionHealth(); err != nil {
				sc.handleConnectionLoss()
			}
		}

		sc.mu.RLock()
		retryCount := sc.retryCount
		sc.mu.RUnlock()

		wait := 2 * time.Second
		if retryCount > 0 {
			wait = baseRetry * time.Duration(1<<uint(min(retryCount-1, 5)))
			if wait > maxRetry {
				wait = maxRetry
			}
		}

		select {
		case <-sc.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (sc *StreamConsumer) attemptConnection() {
	sc.mu.Lock()
	sc.connectionState = StateConnecting
	sc.mu.Unlock()

	opts, err := redis.ParseURL(sc.config.RedisURL)
	if err != nil {
		sc.handleConnectionError(fmt.Errorf("invalid redis url: %w", err))
		return
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(sc.ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		sc.handleConnectionError(fmt.Errorf("redis ping failed: %w", err))
		return
	}

	sc.mu.Lock()
	sc.client = client
	sc.connectionState = StateConnected
	sc.lastError = nil
	sc.retryCount = 0
	sc.mu.Unlock()

	if err := sc.createConsumerGroup(); err != nil {
		sc.logger.Printf("consumer group setup: %v (will retry)", err)
	}
}

func (sc *StreamConsumer) handleConnectionError(err error) {
	sc.mu.Lock()
	sc.connectionState = StateFailed
	sc.lastError = err
	sc.lastErrorTime = time.Now()
	sc.retryCount++
	sc.mu.Unlock()
	sc.logger.Printf("connection attempt %d failed: %v", sc.retryCount, err)
}

func (sc *StreamConsumer) handleConnectionLoss() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.connectionState = StateDisconnected
	sc.consuming = false
	if sc.client != nil {
		sc.client.Close()
		sc.client = nil
	}
}

func (sc *StreamConsumer) checkConnectionHealth() error {
	sc.mu.RLock()
	client := sc.client
	sc.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("not connected")
	}
	ctx, cancel := context.WithTimeout(sc.ctx, 3*time.Second)
	defer cancel()
	return client.Ping(ctx).Err()
}

func (sc *StreamConsumer) startConsuming() {
	sc.mu.Lock()
	if sc.consuming {
		sc.mu.Unlock()
		return
	}
	sc.consuming = true
	sc.mu.Unlock()

	sc.wg.Add(1)
	go sc.consumeLoop()
}

func (sc *StreamConsumer) createConsumerGroup() error {
	sc.mu.RLock()
	client := sc.client
	sc.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("not connected")
	}

	ctx, cancel := context.WithTimeout(sc.ctx, 5*time.Second)
	defer cancel()

	err := client.XGroupCreateMkStream(ctx, sc.streamName, sc.consumerGroup, "0").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Stop drains the consumer and closes its Redis connection.
func (sc *StreamConsumer) Stop() error {
	if !sc.enabled {
		return nil
	}

	sc.mu.Lock()
	if !sc.running {
		sc.mu.Unlock()
		return nil
	}
	sc.running = false
	sc.consuming = false
	sc.mu.Unlock()

	sc.cancel()
	sc.wg.Wait()

	sc.mu.Lock()
	if sc.client != nil {
		sc.client.Close()
		sc.client = nil
	}
	sc.connectionState = StateDisconnected
	sc.mu.Unlock()

	return nil
}

func (sc *StreamConsumer) consumeLoop() {
	defer sc.wg.Done()
	defer func() {
		sc.mu.Lock()
		sc.consuming = false
		sc.mu.Unlock()
	}()

	for {
		select {
		case <-sc.ctx.Done():
			return
		default:
			sc.mu.RLock()
			state := sc.connectionState
			client := sc.client
			sc.mu.RUnlock()

			if state != StateConnected || client == nil {
				return
			}

			if err := sc.processNextBatch(); err != nil {
				if strings.Contains(err.Error(), "connection") ||
					strings.Contains(err.Error(), "EOF") ||
					strings.Contains(err.Error(), "closed") {
					sc.handleConnectionLoss()
					return
				}
				time.Sleep(time.Second)
			}
		}
	}
}

// processNextBatch reads and hands off a batch of new messages. A
// message is only XAcked after the processor accepts it; one it rejects
// stays in the group's pending list. The read asks only for new entries
// (">"), so this consumer does not re-read pending messages itself.
func (sc *StreamConsumer) processNextBatch() error {
	sc.mu.RLock()
	client := sc.client
	sc.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("not connected")
	}

	args := &redis.XReadGroupArgs{
		Group:    sc.consumerGroup,
		Consumer: sc.consumerName,
		Streams:  []string{sc.streamName, ">"},
		Count:    sc.batchSize,
		Block:    sc.blockTimeout,
	}

	result, err := client.XReadGroup(sc.ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return fmt.Errorf("xreadgroup: %w", err)
	}

	for _, stream := range result {
		for _, message := range stream.Messages {
			if err := sc.processMessage(message); err != nil {
				sc.logger.Printf("leaving message %s pending after processing error: %v", message.ID, err)
				continue
			}
			if err := client.XAck(sc.ctx, sc.streamName, sc.consumerGroup, message.ID).Err(); err != nil {
				sc.logger.Printf("ack failed for %s: %v", message.ID, err)
			}
		}
	}

	return nil
}

func (sc *StreamConsumer) processMessage(message redis.XMessage) error {
	event := &TraceSpanEvent{}
	if err := event.FromRedisMap(message.Values); err != nil {
		return fmt.Errorf("parse trace event: %w", err)
	}
	if err := sc.processor.ProcessTraceEvent(event); err != nil {
		return fmt.Errorf("process trace event: %w", err)
	}
	return nil
}

// GetConsumerInfo reports consumer and stream state for /trace/status.
func (sc *StreamConsumer) GetConsumerInfo() map[string]interface{} {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	info := map[string]interface{}{
		"enabled":          sc.enabled,
		"running":          sc.running,
		"connection_state": string(sc.connectionState),
		"consuming":        sc.consuming,
		"stream_name":      sc.streamName,
		"consumer_group":   sc.consumerGroup,
		"consumer_name":    sc.consumerName,
		"retry_count":      sc.retryCount,
	}

	if sc.lastError != nil {
		info["last_error"] = sc.lastError.Error()
		info["last_error_time"] = sc.lastErrorTime.Format(time.RFC3339)
	}

	if sc.enabled && sc.client != nil && sc.connectionState == StateConnected {
		ctx, cancel := context.WithTimeout(sc.ctx, 2*time.Second)
		defer cancel()

		if streamInfo, err := sc.client.XInfoStream(ctx, sc.streamName).Result(); err == nil {
			info["stream_length"] = streamInfo.Length
			info["stream_last_entry_id"] = streamInfo.LastGeneratedID
		}
		if groupInfo, err := sc.client.XInfoGroups(ctx, sc.streamName).Result(); err == nil {
			for _, group := range groupInfo {
				if group.Name == sc.consumerGroup {
					info["group_pending"] = group.Pending
					info["group_last_delivered_id"] = group.LastDeliveredID
					break
				}
			}
		}
	}

	return info
}

// IsConnected reports whether the consumer currently holds a live
// Redis connection.
func (sc *StreamConsumer) IsConnected() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.connectionState == StateConnected
}

// DefaultStreamConsumerConfig builds config from environment variables.
func DefaultStreamConsumerConfig() *StreamConsumerConfig {
	enabled := strings.ToLower(os.Getenv("MCP_MESH_DISTRIBUTED_TRACING_ENABLED")) == "true"

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}

	batchSize := int64(100)
	if s := os.Getenv("TRACE_BATCH_SIZE"); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			batchSize = v
		}
	}

	streamName := os.Getenv("STREAM_NAME")
	if streamName == "" {
		streamName = "mesh:trace"
	}
	consumerGroup := os.Getenv("CONSUMER_GROUP")
	if consumerGroup == "" {
		consumerGroup = "mcp-mesh-registry-processors"
	}

	return &StreamConsumerConfig{
		RedisURL:      redisURL,
		StreamName:    streamName,
		ConsumerGroup: consumerGroup,
		BatchSize:     batchSize,
		BlockTimeout:  5 * time.Second,
		Enabled:       enabled,
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
