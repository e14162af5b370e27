package services

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// consumerStaleFactor is how many visibility timeouts may pass without a
// successful poll before the consumer counts as stuck.
const consumerStaleFactor = 3

// ComponentHealth represents the health of a specific component
type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	Latency   string       `json:"latency,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

// HealthReport represents the overall health report
type HealthReport struct {
	Status     HealthStatus               `json:"status"`
	Version    string                     `json:"version"`
	CheckedAt  time.Time                  `json:"checked_at"`
	Components map[string]ComponentHealth `json:"components"`
}

// ConsumerProbe is the part of the consumer loop the health check looks at.
type ConsumerProbe interface {
	LastPoll() time.Time
	VisibilityTimeout() time.Duration
}

type HealthService struct {
	db       *gorm.DB
	redis    *redis.Client
	consumer ConsumerProbe
	version  string
	now      func() time.Time
}

func NewHealthService(db *gorm.DB, redisClient *redis.Client, consumer ConsumerProbe, version string) *HealthService {
	if version == "" {
		version = "0.0.1"
	}
	return &HealthService{
		db:       db,
		redis:    redisClient,
		consumer: consumer,
		version:  version,
		now:      time.Now,
	}
}

func (s *HealthService) CheckHealth(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     HealthStatusHealthy,
		Version:    s.version,
		CheckedAt:  s.now(),
		Components: make(map[string]ComponentHealth),
	}

	// Check Database
	dbHealth := s.checkDatabase(ctx)
	report.Components["database"] = dbHealth
	if dbHealth.Status != HealthStatusHealthy {
		report.Status = HealthStatusUnhealthy
	}

	// Check Redis
	redisHealth := s.checkRedis(ctx)
	report.Components["redis"] = redisHealth
	if redisHealth.Status != HealthStatusHealthy && report.Status == HealthStatusHealthy {
		report.Status = HealthStatusDegraded
	}

	if s.consumer != nil {
		consumerHealth := s.checkConsumer()
		report.Components["consumer"] = consumerHealth
		if consumerHealth.Status != HealthStatusHealthy && report.Status == HealthStatusHealthy {
			report.Status = HealthStatusDegraded
		}
	}

	return report
}

func (s *HealthService) checkDatabase(ctx context.Context) ComponentHealth {
	start := time.Now()

	if s.db == nil {
		return ComponentHealth{
			Status:    HealthStatusUnhealthy,
			Message:   "Database not initialized",
			CheckedAt: s.now(),
		}
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return ComponentHealth{
			Status:    HealthStatusUnhealthy,
			Message:   fmt.Sprintf("Failed to get database instance: %v", err),
			CheckedAt: s.now(),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		return ComponentHealth{
			Status:    HealthStatusUnhealthy,
			Message:   fmt.Sprintf("Database ping failed: %v", err),
			Latency:   time.Since(start).String(),
			CheckedAt: s.now(),
		}
	}

	var result int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&result).Error; err != nil {
		return ComponentHealth{
			Status:    HealthStatusUnhealthy,
			Message:   fmt.Sprintf("Database query failed: %v", err),
			Latency:   time.Since(start).String(),
			CheckedAt: s.now(),
		}
	}

	return ComponentHealth{
		Status:    HealthStatusHealthy,
		Latency:   time.Since(start).String(),
		CheckedAt: s.now(),
	}
}

func (s *HealthService) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()

	if s.redis == nil {
		return ComponentHealth{
			Status:    HealthStatusUnhealthy,
			Message:   "Redis client not initialized",
			CheckedAt: s.now(),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.redis.Ping(ctx).Err(); err != nil {
		return ComponentHealth{
			Status:    HealthStatusUnhealthy,
			Message:   fmt.Sprintf("Redis ping failed: %v", err),
			Latency:   time.Since(start).String(),
			CheckedAt: s.now(),
		}
	}

	return ComponentHealth{
		Status:    HealthStatusHealthy,
		Latency:   time.Since(start).String(),
		CheckedAt: s.now(),
	}
}

func (s *HealthService) checkConsumer() ComponentHealth {
	now := s.now()
	last := s.consumer.LastPoll()
	if last.IsZero() {
		return ComponentHealth{
			Status:    HealthStatusDegraded,
			Message:   "Consumer has not polled the queue yet",
			CheckedAt: now,
		}
	}

	age := now.Sub(last)
	if limit := consumerStaleFactor * s.consumer.VisibilityTimeout(); age > limit {
		return ComponentHealth{
			Status:    HealthStatusUnhealthy,
			Message:   fmt.Sprintf("Last successful poll %s ago (limit %s)", age.Round(time.Second), limit),
			CheckedAt: now,
		}
	}

	return ComponentHealth{
		Status:    HealthStatusHealthy,
		Message:   fmt.Sprintf("Last successful poll %s ago", age.Round(time.Millisecond)),
		CheckedAt: now,
	}
}

// SimpleHealthCheck returns a simple health status for load balancers
func (s *HealthService) SimpleHealthCheck(ctx context.Context) (string, int) {
	report := s.CheckHealth(ctx)

	switch report.Status {
	case HealthStatusHealthy:
		return "ok", 200
	case HealthStatusDegraded:
		return "degraded", 200 // Still serving requests
	default:
		return "unhealthy", 503
	}
}
