package guardkit

import (
	"context"
	"errors"
	"testing"

	"github.com/fernandezvara/dbkit"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type pingStore struct {
	*MemoryStore
	err error
}

func (s pingStore) Ping(context.Context) error {
	return s.err
}

type reportingStore struct {
	*MemoryStore
	status dbkit.HealthStatus
}

func (s reportingStore) Health(context.Context) dbkit.HealthStatus {
	return s.status
}

// TestHealth tests health reporting across store kinds
func TestHealth(t *testing.T) {
	t.Run("Memory store", func(t *testing.T) {
		service := NewService(NewMemoryStore())
		assert.True(t, service.IsHealthy(context.Background()))
	})

	t.Run("Ping failure", func(t *testing.T) {
		service := NewService(pingStore{MemoryStore: NewMemoryStore(), err: errors.New("connection refused")})
		status := service.Health(context.Background())
		assert.False(t, status.Healthy)
		assert.Equal(t, "connection refused", status.Error)
	})

	t.Run("Detailed status is logged when unhealthy", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		store := reportingStore{MemoryStore: NewMemoryStore(), status: dbkit.HealthStatus{Error: "pool exhausted"}}
		service := NewService(store, WithLogger(zap.New(core)))

		assert.False(t, service.IsHealthy(context.Background()))
		entries := logs.FilterMessage("store unhealthy").All()
		if assert.Len(t, entries, 1) {
			assert.Equal(t, "pool exhausted", entries[0].ContextMap()["error"])
		}
	})
}
