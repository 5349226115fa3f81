package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LeonardoBeccarini/sensor_monitor/internal/config"
	"github.com/LeonardoBeccarini/sensor_monitor/internal/logging"
	sensorSimulator "github.com/LeonardoBeccarini/sensor_monitor/internal/sensor-simulator"
	"github.com/LeonardoBeccarini/sensor_monitor/pkg/broker"
)

func main() {
	defaults := config.Default()
	host := flag.String("host", config.EnvStr("MQTT_HOST", defaults.MQTT.Host), "MQTT broker host")
	port := flag.Int("port", config.EnvInt("MQTT_PORT", defaults.MQTT.Port), "MQTT broker port")
	clientID := flag.String("client-id", config.EnvStr("MQTT_CLIENT_ID", "sensor-simulator"), "MQTT client ID")
	prefix := flag.String("prefix", config.EnvStr("MQTT_TOPIC_PREFIX", defaults.MQTT.TopicPrefix), "topic prefix")
	hubs := flag.Int("hubs", config.EnvInt("HUB_COUNT", 2), "number of hubs")
	perHub := flag.Int("sensors-per-hub", config.EnvInt("SENSORS_PER_HUB", 3), "sensors per hub")
	interval := flag.Duration("interval", time.Duration(config.EnvInt("PUBLISH_INTERVAL", 30))*time.Second, "publish interval")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	logger := logging.New(config.EnvStr("LOG_LEVEL", "info"), config.EnvStr("LOG_FORMAT", "console"), os.Stdout)

	simCfg := sensorSimulator.Config{
		TopicPrefix:   *prefix,
		HubCount:      *hubs,
		SensorsPerHub: *perHub,
		Interval:      *interval,
	}
	if err := simCfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid simulator configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := broker.Connect(ctx, &broker.Config{
		Host:     *host,
		Port:     *port,
		User:     config.EnvStr("MQTT_USER", ""),
		Password: config.EnvStr("MQTT_PASSWORD", ""),
		ClientID: *clientID,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("mqtt connection error")
	}

	sim := sensorSimulator.NewSensorSimulator(simCfg, broker.NewPublisher(client, 0, logger),
		sensorSimulator.NewDataGenerator(*seed), nil, logger)

	logger.Info().Int("hubs", *hubs).Int("sensors_per_hub", *perHub).Dur("interval", *interval).Msg("simulator started")
	if err := sim.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("simulator stopped")
	}
}
