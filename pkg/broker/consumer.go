package broker

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	defaultAckTimeout = 5 * time.Second
	// SUBACK return code for a refused topic filter
	subackFailure byte = 0x80
)

var ErrSubscriptionRefused = errors.New("subscription refused by broker")

// Handler processes one inbound message. A returned error is logged, the
// message is not redelivered.
type Handler func(topic string, message mqtt.Message) error

// Consumer binds a topic filter to a Handler.
type Consumer struct {
	topic      string
	qos        byte
	handler    Handler
	ackTimeout time.Duration
	logger     zerolog.Logger
}

func NewConsumer(topic string, qos byte, handler Handler, logger zerolog.Logger) *Consumer {
	return &Consumer{
		topic:      topic,
		qos:        qos,
		handler:    handler,
		ackTimeout: defaultAckTimeout,
		logger:     logger,
	}
}

// SetAckTimeout bounds how long Subscribe and Unsubscribe wait for the
// broker's acknowledgement.
func (c *Consumer) SetAckTimeout(d time.Duration) {
	if d > 0 {
		c.ackTimeout = d
	}
}

func (c *Consumer) Topic() string { return c.topic }

// Subscribe registers the consumer on client. It is safe to call again after
// a reconnect. A SUBACK refusing the filter (e.g. an ACL denial) is reported
// as ErrSubscriptionRefused; paho itself treats it as success.
func (c *Consumer) Subscribe(client mqtt.Client) error {
	token := client.Subscribe(c.topic, c.qos, c.dispatch)
	if !token.WaitTimeout(c.ackTimeout) {
		return fmt.Errorf("subscribe to %s: no SUBACK within %s", c.topic, c.ackTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", c.topic, err)
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		if code, found := st.Result()[c.topic]; found && code == subackFailure {
			return fmt.Errorf("%w: %s", ErrSubscriptionRefused, c.topic)
		}
	}
	c.logger.Info().Str("topic", c.topic).Msg("subscribed")
	return nil
}

func (c *Consumer) Unsubscribe(client mqtt.Client) error {
	token := client.Unsubscribe(c.topic)
	if !token.WaitTimeout(c.ackTimeout) {
		return fmt.Errorf("unsubscribe from %s: no UNSUBACK within %s", c.topic, c.ackTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("unsubscribe from %s: %w", c.topic, err)
	}
	return nil
}

func (c *Consumer) dispatch(_ mqtt.Client, message mqtt.Message) {
	if c.handler == nil {
		c.logger.Warn().Str("topic", c.topic).Msg("no handler set")
		return
	}
	if err := c.handler(message.Topic(), message); err != nil {
		c.logger.Warn().Err(err).Str("topic", message.Topic()).Msg("error handling message")
	}
}

// TopicFilter returns the wildcard filter matching every topic under prefix.
func TopicFilter(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return "#"
	}
	return prefix + "/#"
}
