package messages

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	ErrNotUTF8         = errors.New("payload is not valid UTF-8")
	ErrMissingSensorID = errors.New("missing sensor_id")
	ErrMissingHubID    = errors.New("missing hub_id")
	ErrInvalidDate     = errors.New("invalid date")
)

// Date is the sensor-supplied timestamp, split into calendar fields.
// Absent fields default to 1970-01-01T00:00:00.
type Date struct {
	Year   int `json:"year"`
	Month  int `json:"month"`
	Day    int `json:"day"`
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
	Second int `json:"second"`
}

func EpochDate() Date {
	return Date{Year: 1970, Month: 1, Day: 1}
}

// Time assembles the fields into a UTC instant. Out-of-range fields are an
// error rather than being normalised into a neighbouring day or month.
func (d Date) Time() (time.Time, error) {
	if d.Year < 1 || d.Year > 9999 {
		return time.Time{}, fmt.Errorf("%w: year %d", ErrInvalidDate, d.Year)
	}
	if d.Month < 1 || d.Month > 12 {
		return time.Time{}, fmt.Errorf("%w: month %d", ErrInvalidDate, d.Month)
	}
	// day 0 of the next month is the last day of this one
	lastDay := time.Date(d.Year, time.Month(d.Month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if d.Day < 1 || d.Day > lastDay {
		return time.Time{}, fmt.Errorf("%w: day %d", ErrInvalidDate, d.Day)
	}
	if d.Hour < 0 || d.Hour > 23 {
		return time.Time{}, fmt.Errorf("%w: hour %d", ErrInvalidDate, d.Hour)
	}
	if d.Minute < 0 || d.Minute > 59 {
		return time.Time{}, fmt.Errorf("%w: minute %d", ErrInvalidDate, d.Minute)
	}
	if d.Second < 0 || d.Second > 59 {
		return time.Time{}, fmt.Errorf("%w: second %d", ErrInvalidDate, d.Second)
	}
	return time.Date(d.Year, time.Month(d.Month), d.Day, d.Hour, d.Minute, d.Second, 0, time.UTC), nil
}

func DateOf(t time.Time) Date {
	return Date{
		Year:   t.Year(),
		Month:  int(t.Month()),
		Day:    t.Day(),
		Hour:   t.Hour(),
		Minute: t.Minute(),
		Second: t.Second(),
	}
}

// SensorMessage is the telemetry payload published by a hub for one sensor.
type SensorMessage struct {
	SensorID string   `json:"sensor_id"`
	HubID    string   `json:"hub_id"`
	Temp     *float64 `json:"temp"`
	Humidity *float64 `json:"humidity"`
	Moisture *float64 `json:"moisture"`
	Date     Date     `json:"date"`
}

// Decode parses a JSON payload. Keys match exactly, so "Sensor_ID" is not
// sensor_id; unknown keys are ignored. Date fields keep their epoch defaults
// when absent; measurement fields stay nil when absent.
func Decode(payload []byte) (SensorMessage, error) {
	if !utf8.Valid(payload) {
		return SensorMessage{}, ErrNotUTF8
	}
	fields, err := objectFields(payload)
	if err != nil {
		return SensorMessage{}, fmt.Errorf("invalid sensor message: %w", err)
	}

	m := SensorMessage{Date: EpochDate()}
	err = decodeFields(fields, map[string]interface{}{
		"sensor_id": &m.SensorID,
		"hub_id":    &m.HubID,
		"temp":      &m.Temp,
		"humidity":  &m.Humidity,
		"moisture":  &m.Moisture,
	})
	if err != nil {
		return SensorMessage{}, fmt.Errorf("invalid sensor message: %w", err)
	}
	if raw, ok := fields["date"]; ok {
		if m.Date, err = decodeDate(raw); err != nil {
			return SensorMessage{}, fmt.Errorf("invalid sensor message: %w", err)
		}
	}

	m.SensorID = strings.TrimSpace(m.SensorID)
	m.HubID = strings.TrimSpace(m.HubID)
	if m.SensorID == "" {
		return SensorMessage{}, ErrMissingSensorID
	}
	if m.HubID == "" {
		return SensorMessage{}, ErrMissingHubID
	}
	return m, nil
}

func decodeDate(raw json.RawMessage) (Date, error) {
	d := EpochDate()
	fields, err := objectFields(raw)
	if err != nil {
		return Date{}, fmt.Errorf("date: %w", err)
	}
	err = decodeFields(fields, map[string]interface{}{
		"year":   &d.Year,
		"month":  &d.Month,
		"day":    &d.Day,
		"hour":   &d.Hour,
		"minute": &d.Minute,
		"second": &d.Second,
	})
	if err != nil {
		return Date{}, fmt.Errorf("date: %w", err)
	}
	return d, nil
}

// objectFields splits a JSON object into its members keyed by exact name.
// encoding/json folds case when matching struct tags, a map does not. A JSON
// null yields no fields.
func objectFields(data []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func decodeFields(fields map[string]json.RawMessage, targets map[string]interface{}) error {
	for key, dst := range targets {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}
