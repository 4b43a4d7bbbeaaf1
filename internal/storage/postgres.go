package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/RatDesert/ruth-data/internal/errors"
)

// OpenPostgres connects to the core database.
func OpenPostgres(dsn string, maxOpenConns int) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "Postgres", "Open", "connect")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "Postgres", "Open", "get pool")
	}
	if maxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(maxOpenConns)
	}
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// PostgresDirectory reads hub and sensor identity from the hubs and sensors
// tables. Rows are provisioned elsewhere; the relay never writes them.
type PostgresDirectory struct {
	db *gorm.DB
}

func NewPostgresDirectory(db *gorm.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) FindHub(ctx context.Context, hubID int64) (*HubRecord, error) {
	var rec HubRecord
	err := d.db.WithContext(ctx).
		Select("id", "user_id", "password", "name").
		Where("id = ?", hubID).
		Take(&rec).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("hub %d: %w", hubID, errors.ErrNotFound)
		}
		return nil, errors.Wrap(err, "PostgresDirectory", "FindHub", "select hub")
	}
	return &rec, nil
}

func (d *PostgresDirectory) SensorExists(ctx context.Context, hubID, sensorID int64) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).
		Model(&SensorRecord{}).
		Where("hub_id = ? AND id = ?", hubID, sensorID).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "PostgresDirectory", "SensorExists", "select sensor")
	}
	return count > 0, nil
}

func (d *PostgresDirectory) HubOwnedBy(ctx context.Context, hubID, userID int64) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).
		Model(&HubRecord{}).
		Where("id = ? AND user_id = ?", hubID, userID).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "PostgresDirectory", "HubOwnedBy", "select hub")
	}
	return count > 0, nil
}
