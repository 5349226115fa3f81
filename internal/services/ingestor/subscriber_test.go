package ingestor

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/sensor_monitor/internal/model/messages"
	"github.com/LeonardoBeccarini/sensor_monitor/pkg/broker"
	"github.com/LeonardoBeccarini/sensor_monitor/pkg/broker/brokertest"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

const scenarioPayload = `{"sensor_id":"S-1","hub_id":"H-1","temp":22.5,"humidity":55.0,"moisture":40.0,` +
	`"date":{"year":2024,"month":6,"day":1,"hour":12,"minute":0,"second":0}}`

func newTestSubscriber(t *testing.T, inbox int) (*Subscriber, *MessageBuffer, *Metrics) {
	t.Helper()
	metrics := NewMetrics(nil)
	buf := NewMessageBuffer(metrics)
	s := NewSubscriber(SubscriberConfig{TopicPrefix: "sensors", InboxSize: inbox}, buf, metrics, zerolog.Nop())
	return s, buf, metrics
}

// deliver pushes a payload through the broker callback and the decode step.
func deliver(t *testing.T, s *Subscriber, payload string) {
	t.Helper()
	require.NoError(t, s.HandleMessage("sensors/H-1/S-1", fakeMessage{topic: "sensors/H-1/S-1", payload: []byte(payload)}))
	_ = s.ingest(<-s.inbox)
}

func TestSubscriberTopic(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSubscriber(t, 0)
	assert.Equal(t, "sensors/#", s.Topic())
	assert.False(t, s.Connected())
}

func TestSubscriberKeepsLatestPerSensor(t *testing.T) {
	t.Parallel()

	s, buf, metrics := newTestSubscriber(t, 4)
	deliver(t, s, scenarioPayload)
	deliver(t, s, `{"sensor_id":"S-1","hub_id":"H-1","temp":23.0,"date":{"year":2024,"month":6,"day":1,"hour":12,"minute":5,"second":0}}`)
	deliver(t, s, `{"sensor_id":"S-2","hub_id":"H-1","temp":19.0}`)

	snap := buf.Snapshot()
	require.Len(t, snap, 2)
	require.NotNil(t, snap["S-1"].Temp)
	assert.Equal(t, 23.0, *snap["S-1"].Temp)
	assert.Equal(t, 5, snap["S-1"].Date.Minute)
	assert.Equal(t, messages.EpochDate(), snap["S-2"].Date)

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.MessagesReceived))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.BufferedSensors))
}

func TestSubscriberDiscardsUndecodablePayloads(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
	}{
		{"not json", "temp=22.5"},
		{"not utf8", string([]byte{0xff, 0xfe, '{', '}'})},
		{"missing sensor", `{"hub_id":"H-1"}`},
		{"missing hub", `{"sensor_id":"S-1"}`},
		{"wrong type", `{"sensor_id":"S-1","hub_id":"H-1","temp":"hot"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, buf, metrics := newTestSubscriber(t, 1)
			deliver(t, s, tt.payload)
			assert.Zero(t, buf.Len())
			assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DecodeErrors))
		})
	}
}

func TestSubscriberCopiesPayload(t *testing.T) {
	t.Parallel()

	s, buf, _ := newTestSubscriber(t, 1)
	payload := []byte(scenarioPayload)
	require.NoError(t, s.HandleMessage("sensors/x", fakeMessage{payload: payload}))
	// paho may reuse the buffer once the callback returns
	copy(payload, bytes.Repeat([]byte{'x'}, len(payload)))

	require.NoError(t, s.ingest(<-s.inbox))
	assert.Equal(t, 1, buf.Len())
}

func TestSubscriberDropsWhenInboxFull(t *testing.T) {
	t.Parallel()

	s, _, metrics := newTestSubscriber(t, 1)
	msg := fakeMessage{topic: "sensors/H-1/S-1", payload: []byte(scenarioPayload)}
	require.NoError(t, s.HandleMessage(msg.topic, msg))
	err := s.HandleMessage(msg.topic, msg)
	require.ErrorIs(t, err, errInboxFull)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MessagesDropped))
}

func TestSubscriberStartWithUnreachableBroker(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)

	var states []bool
	metrics := NewMetrics(nil)
	buf := NewMessageBuffer(metrics)
	s := NewSubscriber(SubscriberConfig{
		Broker: broker.Config{
			Host:           "127.0.0.1",
			Port:           1,
			ClientID:       "test-subscriber",
			MaxRetries:     1,
			MaxElapsedTime: time.Second,
			ConnectTimeout: 500 * time.Millisecond,
		},
		TopicPrefix:   "sensors",
		OnStateChange: func(c bool) { states = append(states, c) },
	}, buf, metrics, zerolog.Nop())

	err := s.Start(ctx)
	require.Error(t, err)
	assert.False(t, s.Connected())
	assert.Empty(t, states)

	// the worker is still running and decodes queued messages
	require.NoError(t, s.HandleMessage("sensors/H-1/S-1", fakeMessage{payload: []byte(scenarioPayload)}))
	require.Eventually(t, func() bool { return buf.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.Error(t, s.Start(ctx))

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("Stop did not return")
	}
}

func TestSubscriberStateCallbackFiresOnChange(t *testing.T) {
	t.Parallel()

	var states []bool
	s := NewSubscriber(SubscriberConfig{OnStateChange: func(c bool) { states = append(states, c) }},
		NewMessageBuffer(nil), nil, zerolog.Nop())

	s.setConnected(true)
	s.setConnected(true)
	s.setConnected(false)
	assert.Equal(t, []bool{true, false}, states)
	assert.False(t, s.Connected())
}

// stateLog collects OnStateChange calls, which arrive on paho goroutines.
type stateLog struct {
	mu     sync.Mutex
	states []bool
}

func (l *stateLog) record(c bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, c)
}

func (l *stateLog) get() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.states...)
}

func subscriberFor(t *testing.T, srv *brokertest.Server, states *stateLog) *Subscriber {
	t.Helper()
	return NewSubscriber(SubscriberConfig{
		Broker: broker.Config{
			Host:           srv.Host(),
			Port:           srv.Port(),
			ClientID:       t.Name(),
			MaxRetries:     1,
			ConnectTimeout: 500 * time.Millisecond,
		},
		TopicPrefix:   "sensors",
		OnStateChange: states.record,
	}, NewMessageBuffer(nil), nil, zerolog.Nop())
}

func TestSubscriberStaysDisconnectedWhenSubscriptionRefused(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)

	srv := brokertest.NewServer(t)
	srv.SetSubackCode(brokertest.SubackRefused)
	states := &stateLog{}
	s := subscriberFor(t, srv, states)
	defer s.Stop()

	require.NoError(t, s.Start(ctx))
	// the refused client is dropped rather than left half-working
	require.Eventually(t, func() bool { return srv.Disconnects() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, s.Connected())
	assert.Empty(t, states.get())

	// once the broker grants the filter a fresh Connect recovers
	srv.SetSubackCode(0)
	require.NoError(t, s.Connect(ctx))
	require.Eventually(t, s.Connected, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, srv.Subscribes())
	assert.Equal(t, []bool{true}, states.get())
}

func TestSubscriberStopDoesNotHangWithoutUnsuback(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)

	srv := brokertest.NewServer(t)
	srv.SetAckUnsubscribe(false)
	states := &stateLog{}
	s := subscriberFor(t, srv, states)

	require.NoError(t, s.Start(ctx))
	require.Eventually(t, s.Connected, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	s.Stop()
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.False(t, s.Connected())
	assert.Equal(t, []bool{true, false}, states.get())
}
