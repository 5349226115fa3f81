package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const disconnectQuiesceMs = 250

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	ClientID string

	// Bounds for the initial connect; zero values fall back to 5 attempts / 10s.
	MaxRetries     int
	MaxElapsedTime time.Duration
	ConnectTimeout time.Duration

	// OnConnect runs after every successful (re)connect. Subscriptions belong
	// here since the session is clean.
	OnConnect func(mqtt.Client)
	// OnConnectionLost runs when an established connection drops; paho then
	// reconnects on its own and OnConnect fires again.
	OnConnectionLost func(mqtt.Client, error)
}

func (c *Config) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

func (c *Config) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.BrokerURL())
	opts.SetUsername(c.User)
	opts.SetPassword(c.Password)
	opts.SetClientID(c.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	timeout := c.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts.SetConnectTimeout(timeout)
	if c.OnConnect != nil {
		opts.SetOnConnectHandler(c.OnConnect)
	}
	if c.OnConnectionLost != nil {
		opts.SetConnectionLostHandler(c.OnConnectionLost)
	}
	return opts
}

// Connect dials the broker, retrying with exponential backoff until the
// attempt or elapsed-time budget is spent. The client is disconnected when
// ctx is done.
func Connect(ctx context.Context, cfg *Config, logger zerolog.Logger) (mqtt.Client, error) {
	opts := cfg.clientOptions()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = cfg.MaxElapsedTime
	if bo.MaxElapsedTime <= 0 {
		bo.MaxElapsedTime = 10 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	var client mqtt.Client
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		client = mqtt.NewClient(opts)
		token := client.Connect()
		if !token.WaitTimeout(opts.ConnectTimeout) {
			logger.Warn().Int("attempt", attempt).Str("broker", cfg.BrokerURL()).Msg("mqtt connect timed out")
			return fmt.Errorf("connect to %s timed out", cfg.BrokerURL())
		}
		if err := token.Error(); err != nil {
			logger.Warn().Err(err).Int("attempt", attempt).Str("broker", cfg.BrokerURL()).Msg("mqtt connect failed")
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxRetries-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("could not establish MQTT connection after %d attempts: %w", attempt, err)
	}

	logger.Info().Str("broker", cfg.BrokerURL()).Str("client_id", cfg.ClientID).Msg("connected to MQTT broker")

	go func() {
		<-ctx.Done()
		Close(client, logger)
	}()

	return client, nil
}

func Close(client mqtt.Client, logger zerolog.Logger) {
	if client != nil && client.IsConnected() {
		client.Disconnect(disconnectQuiesceMs)
		logger.Info().Msg("MQTT connection closed")
	}
}
