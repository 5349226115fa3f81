// Package sensor_simulator publishes synthetic hub telemetry for local
// testing of the ingestor.
package sensor_simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/LeonardoBeccarini/sensor_monitor/pkg/broker"
)

const simulatorTag = "simulator"

type Config struct {
	TopicPrefix   string
	HubCount      int
	SensorsPerHub int
	Interval      time.Duration
}

func (c Config) Validate() error {
	if c.HubCount < 1 {
		return fmt.Errorf("hub count must be positive, got %d", c.HubCount)
	}
	if c.SensorsPerHub < 1 {
		return fmt.Errorf("sensors per hub must be positive, got %d", c.SensorsPerHub)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("publish interval must be positive, got %s", c.Interval)
	}
	return nil
}

type Sensor struct {
	HubID    string
	SensorID string
}

func (s Sensor) Topic(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return s.HubID + "/" + s.SensorID
	}
	return prefix + "/" + s.HubID + "/" + s.SensorID
}

// Fleet lists the simulated sensors. Sensor ids are numbered across all hubs
// so that no id appears under two hubs.
func Fleet(hubs, perHub int) []Sensor {
	out := make([]Sensor, 0, hubs*perHub)
	for h := 0; h < hubs; h++ {
		for i := 0; i < perHub; i++ {
			out = append(out, Sensor{
				HubID:    fmt.Sprintf("H-%d", h),
				SensorID: fmt.Sprintf("S-%d", h*perHub+i),
			})
		}
	}
	return out
}

type SensorSimulator struct {
	cfg       Config
	fleet     []Sensor
	generator *DataGenerator
	publisher broker.IPublisher
	clock     quartz.Clock
	logger    zerolog.Logger
}

func NewSensorSimulator(cfg Config, publisher broker.IPublisher, gen *DataGenerator, clock quartz.Clock, logger zerolog.Logger) *SensorSimulator {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &SensorSimulator{
		cfg:       cfg,
		fleet:     Fleet(cfg.HubCount, cfg.SensorsPerHub),
		generator: gen,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
	}
}

// PublishAll sends one reading per simulated sensor and returns how many
// were published. Publish failures are collected, not fatal.
func (s *SensorSimulator) PublishAll() (int, error) {
	now := s.clock.Now(simulatorTag).Local()
	var errs []error
	sent := 0
	for _, sensor := range s.fleet {
		msg := s.generator.Next(sensor.HubID, sensor.SensorID, now)
		payload, err := json.Marshal(msg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		topic := sensor.Topic(s.cfg.TopicPrefix)
		if err := s.publisher.Publish(topic, payload); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
		s.logger.Debug().Str("topic", topic).RawJSON("payload", payload).Msg("published reading")
	}
	return sent, errors.Join(errs...)
}

// Start publishes a round immediately and then every Interval until ctx is
// done, closing the publisher on the way out.
func (s *SensorSimulator) Start(ctx context.Context) error {
	defer s.publisher.Close()
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	round := func() error {
		sent, err := s.PublishAll()
		if err != nil {
			s.logger.Warn().Err(err).Int("published", sent).Msg("publish round incomplete")
		} else {
			s.logger.Info().Int("published", sent).Msg("publish round done")
		}
		return nil
	}
	_ = round()

	w := s.clock.TickerFunc(ctx, s.cfg.Interval, round, simulatorTag)
	err := w.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
