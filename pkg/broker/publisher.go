package broker

import (
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

type IPublisher interface {
	Publish(topic string, payload []byte) error
	Close()
}

// Publisher sends payloads over a shared MQTT client.
type Publisher struct {
	client mqtt.Client
	qos    byte
	logger zerolog.Logger
}

func NewPublisher(client mqtt.Client, qos byte, logger zerolog.Logger) *Publisher {
	return &Publisher{client: client, qos: qos, logger: logger}
}

func (p *Publisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	p.logger.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("published")
	return nil
}

func (p *Publisher) Close() {
	Close(p.client, p.logger)
}
