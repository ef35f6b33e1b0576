package plc

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/dj1530954213/FactoryTesting-sub006/internal/domain"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/metrics"
)

// ManagerConfig holds the shared call policy for both connections.
// Retry count and backoff are explicit configuration, never inferred.
type ManagerConfig struct {
	// CallTimeout bounds every individual read/write
	CallTimeout time.Duration

	// MaxRetries is the number of retry attempts after a failed call
	MaxRetries int

	// RetryDelay is the base delay between retries (exponential backoff)
	RetryDelay time.Duration

	// BreakerMaxFailures trips the circuit breaker after this many
	// consecutive failures
	BreakerMaxFailures uint32

	// BreakerOpenTimeout is how long the breaker stays open before a probe
	BreakerOpenTimeout time.Duration
}

// Manager owns the two PLC connections shared by all running tasks and
// serializes each connection's calls under its own critical section so
// interleaved multi-register operations cannot corrupt each other.
type Manager struct {
	rig    *guardedConn
	uut    *guardedConn
	logger zerolog.Logger
}

// NewManager wraps the rig and UUT connections with the call policy.
func NewManager(rig, uut Connection, cfg ManagerConfig, logger zerolog.Logger, reg *metrics.Registry) *Manager {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = 10 * time.Second
	}

	log := logger.With().Str("component", "plc-manager").Logger()
	return &Manager{
		rig:    newGuardedConn(rig, cfg, log, reg),
		uut:    newGuardedConn(uut, cfg, log, reg),
		logger: log,
	}
}

// Rig returns the serialized port of the test-rig connection.
func (m *Manager) Rig() Port { return m.rig }

// UUT returns the serialized port of the unit-under-test connection.
func (m *Manager) UUT() Port { return m.uut }

// Connect establishes both connections.
func (m *Manager) Connect(ctx context.Context) error {
	if err := m.rig.conn.Connect(ctx); err != nil {
		return fmt.Errorf("rig: %w", err)
	}
	if err := m.uut.conn.Connect(ctx); err != nil {
		return fmt.Errorf("uut: %w", err)
	}
	m.logger.Info().Msg("PLC connections established")
	return nil
}

// Close closes both connections.
func (m *Manager) Close() error {
	rigErr := m.rig.conn.Close()
	uutErr := m.uut.conn.Close()
	if rigErr != nil {
		return rigErr
	}
	return uutErr
}

// IsHealthy reports whether both connections are up.
func (m *Manager) IsHealthy() bool {
	return m.rig.conn.IsConnected() && m.uut.conn.IsConnected()
}

// guardedConn serializes and fault-wraps one connection.
type guardedConn struct {
	conn    Connection
	cfg     ManagerConfig
	breaker *gobreaker.CircuitBreaker
	sem     chan struct{}
	logger  zerolog.Logger
	metrics *metrics.Registry
}

func newGuardedConn(conn Connection, cfg ManagerConfig, logger zerolog.Logger, reg *metrics.Registry) *guardedConn {
	g := &guardedConn{
		conn:    conn,
		cfg:     cfg,
		sem:     make(chan struct{}, 1),
		logger:  logger.With().Str("connection", conn.Name()).Logger(),
		metrics: reg,
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: conn.Name(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
		},
		Timeout: cfg.BreakerOpenTimeout,
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
	return g
}

// acquire takes the connection's critical section, honoring ctx so a
// cancelled caller does not queue behind a slow call.
func (g *guardedConn) acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *guardedConn) release() { <-g.sem }

func (g *guardedConn) Read(ctx context.Context, address string, dt domain.PointDataType) (domain.PlcValue, error) {
	var out domain.PlcValue
	err := g.execute(ctx, func(callCtx context.Context) error {
		v, err := g.conn.Read(callCtx, address, dt)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if g.metrics != nil {
		g.metrics.ObservePlcRead(g.conn.Name(), err)
	}
	if err != nil {
		// Both the sentinel and the cause stay on the chain so callers
		// can still see context cancellation through the wrap.
		return domain.PlcValue{}, fmt.Errorf("%w: %s %s: %w", domain.ErrReadFailed, g.conn.Name(), address, err)
	}
	return out, nil
}

func (g *guardedConn) Write(ctx context.Context, address string, dt domain.PointDataType, v domain.PlcValue) error {
	err := g.execute(ctx, func(callCtx context.Context) error {
		return g.conn.Write(callCtx, address, dt, v)
	})
	if g.metrics != nil {
		g.metrics.ObservePlcWrite(g.conn.Name(), err)
	}
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", domain.ErrWriteFailed, g.conn.Name(), address, err)
	}
	return nil
}

// execute runs one call under the critical section, the breaker, the
// per-call timeout, and the retry policy. A timed-out call counts as a
// communication failure for that step, not a fatal error.
func (g *guardedConn) execute(ctx context.Context, call func(context.Context) error) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.release()

	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := g.backoff(attempt)
			g.logger.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("Retrying PLC call")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		start := time.Now()
		_, err := g.breaker.Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
			defer cancel()
			return nil, call(callCtx)
		})
		if g.metrics != nil {
			g.metrics.ObservePlcCallDuration(g.conn.Name(), time.Since(start))
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}

func (g *guardedConn) backoff(attempt int) time.Duration {
	delay := g.cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	const maxDelay = 5 * time.Second
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
