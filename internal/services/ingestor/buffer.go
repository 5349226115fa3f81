package ingestor

import (
	"github.com/LeonardoBeccarini/sensor_monitor/internal/model/messages"
	"github.com/LeonardoBeccarini/sensor_monitor/pkg/latest"
)

// MessageBuffer holds the latest decoded message per sensor id. Entries are
// never removed: every flush sees every sensor ever heard from and relies on
// the storage dedup to turn repeats into no-ops. Nothing is persisted, so a
// restart loses whatever was not flushed.
type MessageBuffer struct {
	latest  *latest.Map[string, messages.SensorMessage]
	metrics *Metrics
}

func NewMessageBuffer(metrics *Metrics) *MessageBuffer {
	return &MessageBuffer{
		latest:  latest.New[string, messages.SensorMessage](),
		metrics: metrics,
	}
}

func (b *MessageBuffer) Put(sensorID string, msg messages.SensorMessage) {
	b.latest.Put(sensorID, msg)
	if b.metrics != nil {
		b.metrics.BufferedSensors.Set(float64(b.latest.Len()))
	}
}

// Snapshot returns a point-in-time copy for one flush cycle.
func (b *MessageBuffer) Snapshot() map[string]messages.SensorMessage {
	return b.latest.Snapshot()
}

func (b *MessageBuffer) Len() int {
	return b.latest.Len()
}
