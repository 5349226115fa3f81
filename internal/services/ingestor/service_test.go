package ingestor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/sensor_monitor/pkg/broker"
)

// TestServiceEndToEnd publishes the same reading twice and a changed one
// once, flushing after each, against a sqlite store.
func TestServiceEndToEnd(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()

	store := openStorage(t)
	mClock := quartz.NewMock(t)
	trap := mClock.Trap().TickerFunc(schedulerTag)
	defer trap.Close()

	svc := NewService(store, Options{
		Subscriber: SubscriberConfig{
			Broker: broker.Config{
				Host:           "127.0.0.1",
				Port:           1,
				ClientID:       "e2e",
				MaxRetries:     1,
				ConnectTimeout: 200 * time.Millisecond,
			},
			TopicPrefix: "sensors",
		},
		PollingInterval: time.Hour,
		CheckInterval:   10 * time.Second,
		Clock:           mClock,
	}, zerolog.New(zerolog.NewTestWriter(t)))

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	trap.MustWait(ctx).MustRelease(ctx)

	publish := func(payload string) {
		require.NoError(t, svc.Subscriber.HandleMessage("sensors/H-1/S-1", fakeMessage{payload: []byte(payload)}))
	}
	flush := func() FlushResult {
		res, err := svc.Scheduler.TryFlush(ctx)
		require.NoError(t, err)
		return res
	}
	waitBuffered := func(second int) {
		require.Eventually(t, func() bool {
			msg, ok := svc.Buffer.Snapshot()["S-1"]
			return ok && msg.Date.Second == second
		}, 5*time.Second, 10*time.Millisecond)
	}

	publish(scenarioPayload)
	waitBuffered(0)
	assert.Equal(t, 1, flush().NewReadings)

	hubs, err := store.ListHubs(ctx)
	require.NoError(t, err)
	require.Len(t, hubs, 1)
	assert.Equal(t, "H-1", hubs[0].ID)

	sensors, err := store.ListSensors(ctx)
	require.NoError(t, err)
	require.Len(t, sensors, 1)
	assert.Equal(t, "S-1", sensors[0].ID)
	assert.Equal(t, "H-1", sensors[0].HubID)

	readings, err := store.ListReadings(ctx, "S-1", 10)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, 22.5, *readings[0].Temp)
	assert.Equal(t, 55.0, *readings[0].Humidity)
	assert.Equal(t, 40.0, *readings[0].Moisture)
	assert.True(t, readings[0].Timestamp.Equal(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)))

	publish(scenarioPayload)
	assert.Equal(t, 0, flush().NewReadings)
	n, err := store.CountReadings(ctx, "S-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	publish(strings.Replace(scenarioPayload, `"second":0`, `"second":1`, 1))
	waitBuffered(1)
	assert.Equal(t, 1, flush().NewReadings)
	n, err = store.CountReadings(ctx, "S-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, svc.Subscriber.Connected())
}
