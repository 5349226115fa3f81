package ingestor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeonardoBeccarini/sensor_monitor/internal/model/messages"
	"github.com/LeonardoBeccarini/sensor_monitor/internal/storage"
)

var ErrStorageUnavailable = errors.New("storage unavailable")

// Store is the part of storage.Storage the engine writes through.
type Store interface {
	Ping(ctx context.Context) error
	AppendIfNew(ctx context.Context, msg messages.SensorMessage) (storage.AppendResult, error)
}

// FlushResult summarises one flush cycle.
type FlushResult struct {
	Sensors     int `json:"sensors"` // sensors in the snapshot
	NewReadings int `json:"new_readings"`
	Duplicates  int `json:"duplicates"`
	Failed      int `json:"failed"`
	// Aborted is set when storage became unreachable and the remaining
	// sensors of the snapshot were not attempted.
	Aborted bool `json:"aborted"`
}

// Engine writes a buffer snapshot to storage, one sensor at a time.
type Engine struct {
	buffer  *MessageBuffer
	store   Store
	sinks   []ReadingSink
	metrics *Metrics
	logger  zerolog.Logger
}

func NewEngine(buffer *MessageBuffer, store Store, sinks []ReadingSink, metrics *Metrics, logger zerolog.Logger) *Engine {
	return &Engine{
		buffer:  buffer,
		store:   store,
		sinks:   sinks,
		metrics: metrics,
		logger:  logger,
	}
}

// Flush persists every buffered message whose timestamp differs from the
// sensor's latest stored reading. Per-sensor failures are logged and
// counted; the only error returned is ErrStorageUnavailable.
func (e *Engine) Flush(ctx context.Context) (FlushResult, error) {
	snapshot := e.buffer.Snapshot()
	res := FlushResult{Sensors: len(snapshot)}
	if len(snapshot) == 0 {
		e.logger.Debug().Msg("message buffer empty, nothing to flush")
		return res, nil
	}

	if err := e.store.Ping(ctx); err != nil {
		res.Aborted = true
		e.logger.Error().Err(err).Int("sensors", res.Sensors).Msg("storage unreachable, skipping flush")
		return res, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for i, id := range ids {
		msg := snapshot[id]
		out, err := e.store.AppendIfNew(ctx, msg)
		if err != nil {
			res.Failed++
			if e.metrics != nil {
				e.metrics.SensorErrors.Inc()
			}
			e.logger.Error().Err(err).Str("sensor_id", id).Str("hub_id", msg.HubID).Msg("failed to flush sensor")

			if perr := e.store.Ping(ctx); perr != nil {
				res.Aborted = true
				e.logger.Error().Err(perr).
					Int("remaining", len(ids)-i-1).
					Msg("storage lost during flush, aborting cycle")
				return res, fmt.Errorf("%w: %v", ErrStorageUnavailable, perr)
			}
			continue
		}

		if !out.Inserted {
			res.Duplicates++
			continue
		}
		res.NewReadings++
		if e.metrics != nil {
			e.metrics.ReadingsPersisted.Inc()
		}
		if out.StoredHubID != msg.HubID {
			e.logger.Warn().
				Str("sensor_id", id).
				Str("hub_id", msg.HubID).
				Str("stored_hub_id", out.StoredHubID).
				Msg("sensor reported under a different hub, keeping stored link")
		}
		e.forward(ctx, out.StoredHubID, out)
	}
	return res, nil
}

// forward offers a committed reading to the secondary sinks. Their errors
// never change the flush outcome.
func (e *Engine) forward(ctx context.Context, hubID string, out storage.AppendResult) {
	for _, sink := range e.sinks {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := sink.Write(sctx, hubID, *out.Reading)
		cancel()
		if err != nil {
			if e.metrics != nil {
				e.metrics.SinkErrors.WithLabelValues(sink.Name()).Inc()
			}
			e.logger.Warn().Err(err).Str("sink", sink.Name()).Str("sensor_id", out.Reading.SensorID).Msg("sink write failed")
		}
	}
}
