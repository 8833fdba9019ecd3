package guardkit

import (
	"context"

	"github.com/fernandezvara/dbkit"
	"go.uber.org/zap"
)

// HealthChecker is implemented by stores that report detailed health.
type HealthChecker interface {
	Health(ctx context.Context) dbkit.HealthStatus
}

// Health reports the store's health. Stores without a database, such as the
// memory store, are always healthy.
func (s *Service) Health(ctx context.Context) dbkit.HealthStatus {
	if hc, ok := s.store.(HealthChecker); ok {
		status := hc.Health(ctx)
		if !status.Healthy {
			s.logger.Warn("store unhealthy", zap.String("error", status.Error))
		}
		return status
	}
	if err := s.Ping(ctx); err != nil {
		return dbkit.HealthStatus{Healthy: false, Error: err.Error()}
	}
	return dbkit.HealthStatus{Healthy: true}
}

// IsHealthy is Health reduced to a boolean.
func (s *Service) IsHealthy(ctx context.Context) bool {
	return s.Health(ctx).Healthy
}
