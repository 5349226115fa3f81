// Package ingestor receives sensor telemetry over MQTT, keeps the latest
// message per sensor in memory and periodically flushes it to storage,
// skipping readings whose timestamp repeats the latest stored one.
package ingestor

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/LeonardoBeccarini/sensor_monitor/internal/logging"
)

type Options struct {
	Subscriber      SubscriberConfig
	PollingInterval time.Duration
	CheckInterval   time.Duration
	Sinks           []ReadingSink
	Clock           quartz.Clock
	Registerer      prometheus.Registerer
}

type Service struct {
	Buffer     *MessageBuffer
	Subscriber *Subscriber
	Engine     *Engine
	Scheduler  *Scheduler
	Metrics    *Metrics
	logger     zerolog.Logger
}

func NewService(store Store, opts Options, logger zerolog.Logger) *Service {
	metrics := NewMetrics(opts.Registerer)
	buffer := NewMessageBuffer(metrics)
	engine := NewEngine(buffer, store, opts.Sinks, metrics, logging.Component(logger, "flush"))
	scheduler := NewScheduler(engine, opts.Clock, opts.PollingInterval, opts.CheckInterval, metrics,
		logging.Component(logger, "scheduler"))
	return &Service{
		Buffer:     buffer,
		Subscriber: NewSubscriber(opts.Subscriber, buffer, metrics, logging.Component(logger, "subscriber")),
		Engine:     engine,
		Scheduler:  scheduler,
		Metrics:    metrics,
		logger:     logger,
	}
}

// Run connects the subscriber and drives the scheduler until ctx is done,
// then disconnects. A broker that cannot be reached is logged and leaves the
// subscriber disconnected; flushing carries on with whatever is buffered.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Subscriber.Start(ctx); err != nil {
		s.logger.Error().Err(err).Msg("could not connect to MQTT broker, running disconnected")
	} else {
		s.logger.Info().Str("topic", s.Subscriber.Topic()).Msg("subscribed to sensor topics")
	}
	defer s.Subscriber.Stop()

	return s.Scheduler.Run(ctx)
}
