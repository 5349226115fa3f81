package ingestor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/LeonardoBeccarini/sensor_monitor/internal/model/entities"
)

// ReadingSink receives every reading after it has been committed to storage.
type ReadingSink interface {
	Name() string
	Write(ctx context.Context, hubID string, r entities.Reading) error
}

const DefaultMeasurement = "sensor_reading"

// PointWriter is satisfied by influxdb2 api.WriteAPIBlocking.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

type InfluxSink struct {
	writer      PointWriter
	measurement string
}

func NewInfluxSink(writer PointWriter, measurement string) *InfluxSink {
	if measurement == "" {
		measurement = DefaultMeasurement
	}
	return &InfluxSink{writer: writer, measurement: measurement}
}

func (s *InfluxSink) Name() string { return "influx" }

func (s *InfluxSink) Write(ctx context.Context, hubID string, r entities.Reading) error {
	return s.writer.WritePoint(ctx, ReadingToPoint(s.measurement, hubID, r))
}

// ReadingToPoint maps a reading to an Influx point. Null measurements are
// left out; a reading without any measurement is recorded as count=1 so the
// point still carries a field.
func ReadingToPoint(measurement, hubID string, r entities.Reading) *write.Point {
	tags := map[string]string{
		"hub_id":    hubID,
		"sensor_id": r.SensorID,
	}
	fields := map[string]interface{}{}
	if r.Temp != nil {
		fields["temp"] = *r.Temp
	}
	if r.Humidity != nil {
		fields["humidity"] = *r.Humidity
	}
	if r.Moisture != nil {
		fields["moisture"] = *r.Moisture
	}
	if len(fields) == 0 {
		fields["count"] = 1
	}
	return influxdb2.NewPoint(measurement, tags, fields, r.Timestamp)
}

// Setter is the slice of redis.Cmdable the cache sink needs.
type Setter interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

type RedisSink struct {
	client Setter
	ttl    time.Duration
}

func NewRedisSink(client Setter, ttl time.Duration) *RedisSink {
	return &RedisSink{client: client, ttl: ttl}
}

func (s *RedisSink) Name() string { return "redis" }

// LastReadingKey is the cache key holding a sensor's most recent reading.
func LastReadingKey(sensorID string) string {
	return "sensor:last:" + sensorID
}

type cachedReading struct {
	SensorID  string    `json:"sensor_id"`
	HubID     string    `json:"hub_id"`
	Temp      *float64  `json:"temp"`
	Humidity  *float64  `json:"humidity"`
	Moisture  *float64  `json:"moisture"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *RedisSink) Write(ctx context.Context, hubID string, r entities.Reading) error {
	b, err := json.Marshal(cachedReading{
		SensorID:  r.SensorID,
		HubID:     hubID,
		Temp:      r.Temp,
		Humidity:  r.Humidity,
		Moisture:  r.Moisture,
		Timestamp: r.Timestamp.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode cached reading: %w", err)
	}
	return s.client.Set(ctx, LastReadingKey(r.SensorID), b, s.ttl).Err()
}

const (
	breakerFailures = 5
	breakerOpenFor  = 30 * time.Second
)

// breakerSink short-circuits writes to a sink that keeps failing.
type breakerSink struct {
	next ReadingSink
	cb   *gobreaker.CircuitBreaker
}

func WithBreaker(next ReadingSink, onStateChange func(name string, from, to gobreaker.State)) ReadingSink {
	return &breakerSink{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    next.Name(),
			Timeout: breakerOpenFor,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= breakerFailures
			},
			OnStateChange: onStateChange,
		}),
	}
}

func (s *breakerSink) Name() string { return s.next.Name() }

func (s *breakerSink) Write(ctx context.Context, hubID string, r entities.Reading) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.next.Write(ctx, hubID, r)
	})
	return err
}
