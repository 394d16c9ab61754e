package tracing

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectingProcessor struct {
	events []*TraceSpanEvent
}

func (c *collectingProcessor) ProcessTraceEvent(event *TraceSpanEvent) error {
	c.events = append(c.events, event)
	return nil
}

func TestNewStreamConsumerDisabledNeverConnects(t *testing.T) {
	sc, err := NewStreamConsumer(&StreamConsumerConfig{Enabled: false}, &collectingProcessor{})
	require.NoError(t, err)

	require.NoError(t, sc.Start())
	require.False(t, sc.IsConnected())
	require.NoError(t, sc.Stop())

	info := sc.GetConsumerInfo()
	assert.Equal(t, false, info["enabled"])
}

func TestNewStreamConsumerGeneratesConsumerName(t *testing.T) {
	sc, err := NewStreamConsumer(&StreamConsumerConfig{
		Enabled:       true,
		RedisURL:      "redis://localhost:1",
		StreamName:    "mesh:trace",
		ConsumerGroup: "processors",
	}, &collectingProcessor{})
	require.NoError(t, err)
	assert.NotEmpty(t, sc.consumerName)
	assert.Equal(t, StateDisconnected, sc.connectionState)
}

func TestNewStreamConsumerHonorsExplicitConsumerName(t *testing.T) {
	sc, err := NewStreamConsumer(&StreamConsumerConfig{
		Enabled:      true,
		RedisURL:     "redis://localhost:1",
		ConsumerName: "fixed-name",
	}, &collectingProcessor{})
	require.NoError(t, err)
	assert.Equal(t, "fixed-name", sc.consumerName)
}

func TestGetConsumerInfoReportsState(t *testing.T) {
	sc, err := NewStreamConsumer(&StreamConsumerConfig{
		Enabled:       true,
		RedisURL:      "redis://localhost:1",
		StreamName:    "mesh:trace",
		ConsumerGroup: "processors",
		ConsumerName:  "consumer-1",
	}, &collectingProcessor{})
	require.NoError(t, err)

	info := sc.GetConsumerInfo()
	assert.Equal(t, "mesh:trace", info["stream_name"])
	assert.Equal(t, "processors", info["consumer_group"])
	assert.Equal(t, "consumer-1", info["consumer_name"])
	assert.Equal(t, string(StateDisconnected), info["connection_state"])
	assert.Equal(t, false, info["running"])
}

func TestProcessMessageParsesAndForwards(t *testing.T) {
	processor := &collectingProcessor{}
	sc, err := NewStreamConsumer(&StreamConsumerConfig{Enabled: false}, processor)
	require.NoError(t, err)

	msg := redis.XMessage{
		ID: "1-0",
		Values: map[string]interface{}{
			"trace_id":   "t1",
			"span_id":    "s1",
			"event_type": "span_start",
			"agent_name": "date-svc",
		},
	}
	require.NoError(t, sc.processMessage(msg))
	require.Len(t, processor.events, 1)
	assert.Equal(t, "t1", processor.events[0].TraceID)
}
