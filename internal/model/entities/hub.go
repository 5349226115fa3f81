package entities

// Hub relays one or more sensors to the broker. Only its identity is stored.
type Hub struct {
	ID      string   `gorm:"primaryKey;size:255" json:"id"`
	Sensors []Sensor `gorm:"foreignKey:HubID" json:"-"`
}

func (Hub) TableName() string { return "hubs" }
