package ingestor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/LeonardoBeccarini/sensor_monitor/internal/model/messages"
	"github.com/LeonardoBeccarini/sensor_monitor/pkg/broker"
)

const defaultInboxSize = 256

var errInboxFull = errors.New("decode queue full")

type SubscriberConfig struct {
	Broker      broker.Config
	TopicPrefix string
	QoS         byte
	InboxSize   int
	// OnStateChange is told about every connect and connection loss.
	OnStateChange func(connected bool)
}

// Subscriber receives sensor telemetry from the broker and keeps the latest
// message per sensor in a MessageBuffer. Paho callbacks only enqueue raw
// payloads; a single worker goroutine decodes them.
type Subscriber struct {
	cfg      SubscriberConfig
	consumer *broker.Consumer
	buffer   *MessageBuffer
	metrics  *Metrics
	logger   zerolog.Logger

	inbox     chan []byte
	connected atomic.Bool

	mu     sync.Mutex
	client mqtt.Client
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSubscriber(cfg SubscriberConfig, buffer *MessageBuffer, metrics *Metrics, logger zerolog.Logger) *Subscriber {
	size := cfg.InboxSize
	if size <= 0 {
		size = defaultInboxSize
	}
	s := &Subscriber{
		cfg:     cfg,
		buffer:  buffer,
		metrics: metrics,
		logger:  logger,
		inbox:   make(chan []byte, size),
	}
	s.consumer = broker.NewConsumer(broker.TopicFilter(cfg.TopicPrefix), cfg.QoS, s.HandleMessage, logger)
	s.consumer.SetAckTimeout(cfg.Broker.ConnectTimeout)
	return s
}

func (s *Subscriber) Topic() string { return s.consumer.Topic() }

func (s *Subscriber) Connected() bool { return s.connected.Load() }

// Start launches the decode worker and connects to the broker. A failed
// connect is returned but leaves the worker running, so a later Connect can
// recover without restarting the subscriber.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("subscriber already started")
	}
	workerCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(workerCtx)
	}()

	return s.Connect(workerCtx)
}

// Connect dials the broker unless a client is already connected.
func (s *Subscriber) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil && s.client.IsConnected() {
		return nil
	}

	cfg := s.cfg.Broker
	cfg.OnConnect = func(c mqtt.Client) {
		if err := s.consumer.Subscribe(c); err != nil {
			// a connected client without its subscription receives nothing;
			// drop it so the next Connect dials again
			s.logger.Error().Err(err).Msg("subscribe failed, disconnecting")
			s.setConnected(false)
			broker.Close(c, s.logger)
			return
		}
		s.setConnected(true)
	}
	cfg.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.logger.Warn().Err(err).Msg("lost connection to MQTT broker")
		s.setConnected(false)
	}

	client, err := broker.Connect(ctx, &cfg, s.logger)
	if err != nil {
		s.setConnected(false)
		return fmt.Errorf("subscriber connect: %w", err)
	}
	s.client = client
	return nil
}

// Stop unsubscribes, disconnects and waits for the decode worker to exit.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	client := s.client
	cancel := s.cancel
	s.client = nil
	s.mu.Unlock()

	if client != nil && client.IsConnected() {
		if err := s.consumer.Unsubscribe(client); err != nil {
			s.logger.Warn().Err(err).Msg("unsubscribe failed")
		}
		broker.Close(client, s.logger)
	}
	s.setConnected(false)

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// HandleMessage is the broker callback. It copies the payload (paho reuses
// it) and queues it without blocking the network goroutine.
func (s *Subscriber) HandleMessage(topic string, message mqtt.Message) error {
	if s.metrics != nil {
		s.metrics.MessagesReceived.Inc()
	}
	payload := make([]byte, len(message.Payload()))
	copy(payload, message.Payload())

	select {
	case s.inbox <- payload:
		return nil
	default:
		if s.metrics != nil {
			s.metrics.MessagesDropped.Inc()
		}
		return fmt.Errorf("%w, dropping message from %s", errInboxFull, topic)
	}
}

func (s *Subscriber) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-s.inbox:
			_ = s.ingest(payload)
		}
	}
}

// ingest decodes one payload into the buffer. Undecodable payloads are
// logged and discarded.
func (s *Subscriber) ingest(payload []byte) error {
	msg, err := messages.Decode(payload)
	if err != nil {
		if s.metrics != nil {
			s.metrics.DecodeErrors.Inc()
		}
		s.logger.Warn().Err(err).Int("bytes", len(payload)).Msg("discarding undecodable message")
		return err
	}
	s.buffer.Put(msg.SensorID, msg)
	s.logger.Debug().Str("sensor_id", msg.SensorID).Str("hub_id", msg.HubID).Msg("received message")
	return nil
}

func (s *Subscriber) setConnected(v bool) {
	if s.connected.Swap(v) == v {
		return
	}
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(v)
	}
}
