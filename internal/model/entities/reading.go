package entities

import "time"

// Reading is one timestamped measurement triple. Missing measurements are
// stored as NULL.
type Reading struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SensorID  string    `gorm:"size:255;not null;index:idx_reading_sensor_ts,priority:1" json:"sensor_id"`
	Temp      *float64  `json:"temp"`
	Humidity  *float64  `json:"humidity"`
	Moisture  *float64  `json:"moisture"`
	Timestamp time.Time `gorm:"not null;index:idx_reading_sensor_ts,priority:2" json:"timestamp"`
}

func (Reading) TableName() string { return "sensor_readings" }

// AllModels lists every entity for schema initialisation, parents first.
func AllModels() []interface{} {
	return []interface{}{&Hub{}, &Sensor{}, &Reading{}}
}
