package ingestor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/sensor_monitor/internal/model/entities"
)

func reading(sensorID string) entities.Reading {
	return entities.Reading{
		ID:        7,
		SensorID:  sensorID,
		Temp:      f64(22.5),
		Humidity:  f64(55),
		Moisture:  f64(40),
		Timestamp: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func pointFields(p *write.Point) map[string]interface{} {
	out := map[string]interface{}{}
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func pointTags(p *write.Point) map[string]string {
	out := map[string]string{}
	for _, tag := range p.TagList() {
		out[tag.Key] = tag.Value
	}
	return out
}

func TestReadingToPoint(t *testing.T) {
	t.Parallel()

	p := ReadingToPoint(DefaultMeasurement, "H-1", reading("S-1"))
	assert.Equal(t, "sensor_reading", p.Name())
	assert.Equal(t, map[string]string{"hub_id": "H-1", "sensor_id": "S-1"}, pointTags(p))
	assert.Equal(t, map[string]interface{}{"temp": 22.5, "humidity": 55.0, "moisture": 40.0}, pointFields(p))
	assert.True(t, p.Time().Equal(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)))

	empty := entities.Reading{SensorID: "S-2", Timestamp: time.Unix(0, 0)}
	p = ReadingToPoint(DefaultMeasurement, "H-1", empty)
	assert.Equal(t, map[string]interface{}{"count": int64(1)}, pointFields(p))
}

type capturingWriter struct {
	points []*write.Point
	err    error
}

func (w *capturingWriter) WritePoint(_ context.Context, point ...*write.Point) error {
	w.points = append(w.points, point...)
	return w.err
}

func TestInfluxSinkWrite(t *testing.T) {
	t.Parallel()

	w := &capturingWriter{}
	sink := NewInfluxSink(w, "")
	require.NoError(t, sink.Write(testContext(t), "H-1", reading("S-1")))
	require.Len(t, w.points, 1)
	assert.Equal(t, DefaultMeasurement, w.points[0].Name())
	assert.Equal(t, "influx", sink.Name())
}

type fakeSetter struct {
	key   string
	value []byte
	ttl   time.Duration
	err   error
}

func (s *fakeSetter) Set(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	s.key = key
	s.value, _ = value.([]byte)
	s.ttl = ttl
	return redis.NewStatusResult("OK", s.err)
}

func TestRedisSinkWrite(t *testing.T) {
	t.Parallel()

	setter := &fakeSetter{}
	sink := NewRedisSink(setter, 24*time.Hour)
	require.NoError(t, sink.Write(testContext(t), "H-1", reading("S-1")))

	assert.Equal(t, "sensor:last:S-1", setter.key)
	assert.Equal(t, 24*time.Hour, setter.ttl)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(setter.value, &got))
	assert.Equal(t, "S-1", got["sensor_id"])
	assert.Equal(t, "H-1", got["hub_id"])
	assert.Equal(t, 22.5, got["temp"])
	assert.Equal(t, "2024-06-01T12:00:00Z", got["timestamp"])

	setter.err = errors.New("READONLY")
	require.Error(t, sink.Write(testContext(t), "H-1", reading("S-1")))
}

func TestBreakerSinkOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)

	inner := &recordingSink{name: "influx", err: errors.New("unreachable")}
	var transitions []gobreaker.State
	sink := WithBreaker(inner, func(_ string, _, to gobreaker.State) {
		transitions = append(transitions, to)
	})
	assert.Equal(t, "influx", sink.Name())

	for i := 0; i < breakerFailures; i++ {
		require.Error(t, sink.Write(ctx, "H-1", reading("S-1")))
	}
	err := sink.Write(ctx, "H-1", reading("S-1"))
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Len(t, inner.readings, breakerFailures)
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, transitions)
}
