// Package storage persists hubs, sensors and readings through gorm. Any of the
// sqlite, postgres and mysql drivers can back it, chosen by the scheme of the
// connection string.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/LeonardoBeccarini/sensor_monitor/internal/config"
	"github.com/LeonardoBeccarini/sensor_monitor/internal/model/entities"
	"github.com/LeonardoBeccarini/sensor_monitor/internal/model/messages"
)

const DefaultReadingsLimit = 100

type Options struct {
	MaxOpenConns int
	MaxIdleConns int
}

type Storage struct {
	db     *gorm.DB
	driver string
	logger zerolog.Logger
}

// gormWriter routes gorm's own log lines through zerolog.
type gormWriter struct{ logger zerolog.Logger }

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.logger.Warn().Msgf(format, args...)
}

// Open connects to the database named by rawURL (see config.ParseStorageURL)
// and verifies the connection.
func Open(ctx context.Context, rawURL string, opts Options, logger zerolog.Logger) (*Storage, error) {
	driver, dsn, err := config.ParseStorageURL(rawURL)
	if err != nil {
		return nil, err
	}

	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(sqliteDSN(dsn))
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %s", config.ErrUnsupportedDriver, driver)
	}

	gormCfg := &gorm.Config{
		Logger: gormlogger.New(gormWriter{logger: logger}, gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if driver == "sqlite" {
		// sqlite serialises writers anyway; one connection avoids "database is locked"
		sqlDB.SetMaxOpenConns(1)
	} else {
		if opts.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
		}
		if opts.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
		}
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{db: db, driver: driver, logger: logger}, nil
}

// sqliteDSN turns on foreign keys for every connection the pool opens.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys=") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on"
}

func (s *Storage) Driver() string { return s.driver }

// Migrate creates the hubs, sensors and sensor_readings tables if absent.
func (s *Storage) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(entities.AllModels()...); err != nil {
		return fmt.Errorf("failed to initialise schema: %w", err)
	}
	return nil
}

func (s *Storage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// AppendResult describes what a single AppendIfNew call changed.
type AppendResult struct {
	Reading       *entities.Reading // set only when Inserted
	Inserted      bool
	CreatedHub    bool
	CreatedSensor bool
	// StoredHubID differs from the message's hub_id when the sensor was first
	// seen under another hub; the stored link is kept.
	StoredHubID string
}

// AppendIfNew stores msg as a reading unless its timestamp equals the
// timestamp of the sensor's most recently stored reading. The hub and sensor
// are created on first sight. All of it happens in one transaction.
func (s *Storage) AppendIfNew(ctx context.Context, msg messages.SensorMessage) (AppendResult, error) {
	ts, err := msg.Date.Time()
	if err != nil {
		return AppendResult{}, err
	}

	var res AppendResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		hub := entities.Hub{ID: msg.HubID}
		created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&hub)
		if created.Error != nil {
			return fmt.Errorf("create hub %s: %w", msg.HubID, created.Error)
		}
		res.CreatedHub = created.RowsAffected == 1

		var sensor entities.Sensor
		err := tx.Where("id = ?", msg.SensorID).Take(&sensor).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			sensor = entities.Sensor{ID: msg.SensorID, HubID: msg.HubID}
			if err := tx.Create(&sensor).Error; err != nil {
				return fmt.Errorf("create sensor %s: %w", msg.SensorID, err)
			}
			res.CreatedSensor = true
		case err != nil:
			return fmt.Errorf("load sensor %s: %w", msg.SensorID, err)
		}
		res.StoredHubID = sensor.HubID

		var last entities.Reading
		err = tx.Where("sensor_id = ?", msg.SensorID).Order("id DESC").Take(&last).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return fmt.Errorf("load latest reading for %s: %w", msg.SensorID, err)
		case last.Timestamp.Equal(ts):
			return nil
		}

		reading := entities.Reading{
			SensorID:  msg.SensorID,
			Temp:      msg.Temp,
			Humidity:  msg.Humidity,
			Moisture:  msg.Moisture,
			Timestamp: ts,
		}
		if err := tx.Create(&reading).Error; err != nil {
			return fmt.Errorf("create reading for %s: %w", msg.SensorID, err)
		}
		res.Reading = &reading
		res.Inserted = true
		return nil
	})
	if err != nil {
		return AppendResult{}, err
	}
	return res, nil
}

// LatestTimestamp returns the timestamp of the most recently stored reading
// for sensorID, and false when there is none.
func (s *Storage) LatestTimestamp(ctx context.Context, sensorID string) (time.Time, bool, error) {
	var last entities.Reading
	err := s.db.WithContext(ctx).Where("sensor_id = ?", sensorID).Order("id DESC").Take(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return last.Timestamp, true, nil
}

func (s *Storage) ListHubs(ctx context.Context) ([]entities.Hub, error) {
	var hubs []entities.Hub
	if err := s.db.WithContext(ctx).Order("id").Find(&hubs).Error; err != nil {
		return nil, fmt.Errorf("list hubs: %w", err)
	}
	return hubs, nil
}

func (s *Storage) ListSensors(ctx context.Context) ([]entities.Sensor, error) {
	var sensors []entities.Sensor
	if err := s.db.WithContext(ctx).Order("id").Find(&sensors).Error; err != nil {
		return nil, fmt.Errorf("list sensors: %w", err)
	}
	return sensors, nil
}

// ListReadings returns up to limit readings for sensorID, newest first.
func (s *Storage) ListReadings(ctx context.Context, sensorID string, limit int) ([]entities.Reading, error) {
	if limit <= 0 {
		limit = DefaultReadingsLimit
	}
	var readings []entities.Reading
	err := s.db.WithContext(ctx).
		Where("sensor_id = ?", sensorID).
		Order("timestamp DESC").Order("id DESC").
		Limit(limit).
		Find(&readings).Error
	if err != nil {
		return nil, fmt.Errorf("list readings for %s: %w", sensorID, err)
	}
	return readings, nil
}

func (s *Storage) CountReadings(ctx context.Context, sensorID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&entities.Reading{}).Where("sensor_id = ?", sensorID).Count(&n).Error
	return n, err
}
