package guardkit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Service exposes the hierarchy, role, decision, audit and lifecycle
// operations. Every operation runs in its own store transaction; nothing is
// cached between calls.
//
// Error Handling:
// Business failures wrap the sentinel errors in errors.go and can be
// classified with errors.Is or the Is* helpers. Storage failures wrap
// ErrDatabaseError and keep dbkit's error in the chain.
//
// Example error handling:
//
//	err := service.SetManager(ctx, subjectID, &managerID, actor)
//	switch {
//	case errors.Is(err, guardkit.ErrCycle):
//	    // candidate manager already reports to subject
//	case guardkit.IsNotFound(err):
//	    // unknown identity
//	}
type Service struct {
	store   Store
	cfg     Config
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithConfig sets the configuration. Defaults to DefaultConfig().
func WithConfig(cfg Config) Option {
	return func(s *Service) {
		s.cfg = cfg
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics enables prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a new GuardKit service.
//
// Example:
//
//	store := guardkit.NewMemoryStore()
//	service := guardkit.NewService(store, guardkit.WithLogger(logger))
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		cfg:    DefaultConfig(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the configuration the service was built with.
func (s *Service) Config() Config {
	return s.cfg
}

// Store returns the underlying store.
func (s *Service) Store() Store {
	return s.store
}

// Ping checks the store's connectivity when it supports it.
func (s *Service) Ping(ctx context.Context) error {
	if p, ok := s.store.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// timestamp returns the current time at the precision Postgres stores.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// transaction runs fn in a store transaction and records its duration.
func (s *Service) transaction(ctx context.Context, op string, fn func(ctx context.Context, tx Tx) error) error {
	start := time.Now()
	var pending *pendingMetrics
	err := s.store.Transaction(ctx, func(ctx context.Context, tx Tx) error {
		pending = &pendingMetrics{}
		return fn(context.WithValue(ctx, pendingMetricsKey{}, pending), tx)
	})
	s.metrics.transaction(start, err)
	switch {
	case err == nil:
		pending.publish(s.metrics, true)
	case !isInfrastructureError(err):
		pending.publish(s.metrics, false)
	}

	if err != nil && isInfrastructureError(err) {
		s.logger.Error("transaction failed", zap.String("op", op), zap.Error(err))
	}
	return err
}

// countDecision counts an access decision once its transaction attempt
// reaches the caller.
func (s *Service) countDecision(ctx context.Context, component string, action Action, allowed bool) {
	if p := pendingMetricsFromContext(ctx); p != nil {
		p.decisions = append(p.decisions, func(m *Metrics) { m.decision(component, action, allowed) })
		return
	}
	s.metrics.decision(component, action, allowed)
}

// countAudit counts an audit entry once its transaction commits.
func (s *Service) countAudit(ctx context.Context, table string, action AuditAction) {
	if p := pendingMetricsFromContext(ctx); p != nil {
		p.committed = append(p.committed, func(m *Metrics) { m.audit(table, action) })
		return
	}
	s.metrics.audit(table, action)
}

// isInfrastructureError separates storage failures from business outcomes,
// which are always reported as *Error.
func isInfrastructureError(err error) bool {
	var gkErr *Error
	return errors.Is(err, ErrDatabaseError) || !errors.As(err, &gkErr)
}
