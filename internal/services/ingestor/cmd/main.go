package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"google.golang.org/grpc"

	"github.com/LeonardoBeccarini/sensor_monitor/internal/config"
	"github.com/LeonardoBeccarini/sensor_monitor/internal/logging"
	"github.com/LeonardoBeccarini/sensor_monitor/internal/services/ingestor"
	"github.com/LeonardoBeccarini/sensor_monitor/internal/storage"
	"github.com/LeonardoBeccarini/sensor_monitor/pkg/broker"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "optional YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sensor-monitor: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("ingestor stopped")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// === Storage ===
	store, err := storage.Open(ctx, cfg.Storage.URL, storage.Options{
		MaxOpenConns: cfg.Storage.MaxOpenConns,
		MaxIdleConns: cfg.Storage.MaxIdleConns,
	}, logging.Component(logger, "storage"))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	logger.Info().Str("driver", store.Driver()).Msg("storage ready")

	// === Sinks ===
	var sinks []ingestor.ReadingSink
	onBreaker := func(name string, from, to gobreaker.State) {
		logger.Warn().Str("sink", name).Str("from", from.String()).Str("to", to.String()).Msg("sink circuit breaker changed state")
	}
	if cfg.Influx.Enabled() {
		influx := influxdb2.NewClient(cfg.Influx.URL, cfg.Influx.Token)
		defer influx.Close()
		writeAPI := influx.WriteAPIBlocking(cfg.Influx.Org, cfg.Influx.Bucket)
		sinks = append(sinks, ingestor.WithBreaker(ingestor.NewInfluxSink(writeAPI, cfg.Influx.Measurement), onBreaker))
		logger.Info().Str("url", cfg.Influx.URL).Str("bucket", cfg.Influx.Bucket).Msg("influx sink enabled")
	}
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis not reachable yet")
		}
		cancel()
		sinks = append(sinks, ingestor.WithBreaker(ingestor.NewRedisSink(rdb, cfg.Redis.TTL), onBreaker))
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("redis sink enabled")
	}

	// === Ingestor ===
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	grpcHealth := ingestor.NewGRPCHealth()
	defer grpcHealth.Shutdown()

	svc := ingestor.NewService(store, ingestor.Options{
		Subscriber: ingestor.SubscriberConfig{
			Broker: broker.Config{
				Host:           cfg.MQTT.Host,
				Port:           cfg.MQTT.Port,
				User:           cfg.MQTT.User,
				Password:       cfg.MQTT.Password,
				ClientID:       cfg.MQTT.ClientID,
				MaxRetries:     cfg.MQTT.ConnectRetries,
				MaxElapsedTime: cfg.MQTT.ConnectBudget,
			},
			TopicPrefix:   cfg.MQTT.TopicPrefix,
			QoS:           byte(cfg.MQTT.QoS),
			OnStateChange: grpcHealth.SetConnected,
		},
		PollingInterval: cfg.PollingPeriod(),
		CheckInterval:   cfg.CheckPeriod(),
		Sinks:           sinks,
		Registerer:      reg,
	}, logging.Component(logger, "ingestor"))

	// === HTTP ===
	health := ingestor.NewHealth(svc.Subscriber, store, svc.Scheduler, cfg.PollingPeriod())
	hs := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           ingestor.NewHTTPMux(health, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Int("port", cfg.HTTPPort).Msg("HTTP listening")
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	// === gRPC health ===
	if cfg.GRPCPort > 0 {
		lis, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.GRPCPort))
		if err != nil {
			return fmt.Errorf("listen grpc :%d: %w", cfg.GRPCPort, err)
		}
		gs := grpc.NewServer()
		grpcHealth.Register(gs)
		go func() {
			logger.Info().Int("port", cfg.GRPCPort).Msg("gRPC health listening")
			if err := gs.Serve(lis); err != nil {
				logger.Error().Err(err).Msg("grpc serve error")
			}
		}()
		defer gs.GracefulStop()
	}

	runErr := svc.Run(ctx)
	logger.Info().Msg("shutting down")

	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = hs.Shutdown(shCtx)
	return runErr
}
