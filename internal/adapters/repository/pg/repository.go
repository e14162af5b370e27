package pg

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"fleetpulse.state/internal/core/domain"
	"fleetpulse.state/internal/core/ports"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Repository struct {
	db *gorm.DB
}

var _ ports.DeviceRepository = (*Repository)(nil)

// DetectDriver guesses the driver from a DSN: URLs and key=value strings are
// Postgres, anything else is treated as a SQLite path.
func DetectDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return DriverPostgres
	}
	return DriverSQLite
}

// NewRepository opens the system of record. An empty driver is detected from dsn.
func NewRepository(driver, dsn string) (*Repository, error) {
	if driver == "" {
		driver = DetectDriver(dsn)
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&domain.Device{}); err != nil {
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Create inserts a device in the Unknown state.
func (r *Repository) Create(ctx context.Context, device *domain.Device) error {
	device.APIHeartbeatState = domain.OnlineStateUnknown
	return r.db.WithContext(ctx).Create(device).Error
}

func (r *Repository) GetDevice(ctx context.Context, deviceUUID string) (*domain.Device, error) {
	var device domain.Device
	if err := r.db.WithContext(ctx).First(&device, "uuid = ?", deviceUUID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrDeviceNotFound
		}
		return nil, err
	}
	return &device, nil
}

// CompareAndSetState is a single conditional UPDATE, so concurrent and
// repeated writers cannot produce redundant changes.
func (r *Repository) CompareAndSetState(ctx context.Context, deviceUUID string, state domain.OnlineState, from ...domain.OnlineState) (bool, error) {
	q := r.db.WithContext(ctx).Model(&domain.Device{}).
		Where("uuid = ? AND api_heartbeat_state <> ?", deviceUUID, state)
	if len(from) > 0 {
		q = q.Where("api_heartbeat_state IN ?", from)
	}

	res := q.Update("api_heartbeat_state", state)
	if res.Error != nil {
		return false, fmt.Errorf("failed to set state of %s: %w", deviceUUID, res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Device{}).Where("uuid = ?", deviceUUID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to look up %s: %w", deviceUUID, err)
	}
	if count == 0 {
		return false, domain.ErrDeviceNotFound
	}
	return false, nil
}

// CountByState returns the number of devices per state. States with no
// devices are absent from the map.
func (r *Repository) CountByState(ctx context.Context) (map[domain.OnlineState]int64, error) {
	var rows []struct {
		State domain.OnlineState
		Count int64
	}
	err := r.db.WithContext(ctx).Model(&domain.Device{}).
		Select("api_heartbeat_state AS state, COUNT(*) AS count").
		Group("api_heartbeat_state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[domain.OnlineState]int64, len(rows))
	for _, row := range rows {
		counts[row.State] = row.Count
	}
	return counts, nil
}

// DB returns the underlying gorm DB for health checks
func (r *Repository) DB() *gorm.DB {
	return r.db
}
