package entities

// Sensor is a single measuring device owned by exactly one hub.
type Sensor struct {
	ID       string    `gorm:"primaryKey;size:255" json:"id"`
	HubID    string    `gorm:"size:255;not null;index" json:"hub_id"`
	Hub      *Hub      `gorm:"foreignKey:HubID;references:ID" json:"-"`
	Readings []Reading `gorm:"foreignKey:SensorID" json:"-"`
}

func (Sensor) TableName() string { return "sensors" }
