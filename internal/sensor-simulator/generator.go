package sensor_simulator

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/sensor_monitor/internal/model/messages"
)

// Value ranges of the synthetic readings.
const (
	minTemp, maxTemp         = 15.0, 35.0
	minHumidity, maxHumidity = 30.0, 90.0
	minMoisture, maxMoisture = 20.0, 80.0
)

// DataGenerator produces random readings stamped with the wall-clock time
// the hub would report.
type DataGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewDataGenerator(seed int64) *DataGenerator {
	return &DataGenerator{rng: rand.New(rand.NewSource(seed))}
}

func (g *DataGenerator) Next(hubID, sensorID string, now time.Time) messages.SensorMessage {
	g.mu.Lock()
	defer g.mu.Unlock()

	temp := g.uniform(minTemp, maxTemp)
	humidity := g.uniform(minHumidity, maxHumidity)
	moisture := g.uniform(minMoisture, maxMoisture)
	return messages.SensorMessage{
		SensorID: sensorID,
		HubID:    hubID,
		Temp:     &temp,
		Humidity: &humidity,
		Moisture: &moisture,
		Date:     messages.DateOf(now),
	}
}

// uniform draws from [lo, hi] and rounds to one decimal.
func (g *DataGenerator) uniform(lo, hi float64) float64 {
	v := lo + g.rng.Float64()*(hi-lo)
	return math.Round(v*10) / 10
}
