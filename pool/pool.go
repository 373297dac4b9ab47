/*
Package pool bounds the number of live MLLP sockets to a peer, reuses
idle connections, and applies backpressure instead of unbounded
connection creation.

At most MaxConnections connections exist at any time, counting both
checked-out connections and those being established. An acquired
connection is exclusively owned by its caller until released; the pool
owns it otherwise.
*/
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/medwire/hl7link/config"
	"github.com/medwire/hl7link/connection"
	"github.com/medwire/hl7link/connection/mllpconnection"
	"github.com/medwire/hl7link/connection/transporter/tcpsocket"
	"github.com/medwire/hl7link/logger"
	"github.com/medwire/hl7link/metric"
)

// ErrPoolExhausted is returned when every permitted connection is
// checked out and no release happens within AcquireTimeout (or
// immediately, when AcquireTimeout is zero). Safe to retry.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// Factory builds an unconnected connection; the pool connects it.
type Factory func() connection.Connection

type Statistics struct {
	TotalConnections     int
	ActiveConnections    int
	AvailableConnections int
	AverageWaitTime      time.Duration
}

type ConnectionPool struct {
	logger  *logger.Logger
	config  config.Configuration
	factory Factory
	metrics *metric.Metrics

	// mu is the single point of mutual exclusion for all
	// available/active bookkeeping; cond carries release signals to
	// blocked acquirers.
	mu   sync.Mutex
	cond *sync.Cond

	// Idle connections ready for reuse, most recently released last
	available []connection.Connection

	// Checked-out connections keyed by connection id
	active map[string]connection.Connection

	// Connections currently being established; they count toward the
	// bound so concurrent acquires cannot overshoot it
	pending int

	// Wait-time accounting for statistics
	totalWait    time.Duration
	acquireCount int64
}

type Option func(*ConnectionPool)

// WithFactory overrides how connections are built, e.g. to inject a
// mock transport in tests.
func WithFactory(factory Factory) Option {
	return func(p *ConnectionPool) {
		p.factory = factory
	}
}

func WithMetrics(metrics *metric.Metrics) Option {
	return func(p *ConnectionPool) {
		p.metrics = metrics
	}
}

func New(logger *logger.Logger, cfg config.Configuration, opts ...Option) (*ConnectionPool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool configuration: %w", err)
	}

	pool := &ConnectionPool{
		logger: logger,
		config: cfg,
		active: make(map[string]connection.Connection),
	}
	pool.cond = sync.NewCond(&pool.mu)

	for _, opt := range opts {
		opt(pool)
	}

	if pool.factory == nil {
		pool.factory = func() connection.Connection {
			connLogger := logger.GetComponentLogger("Connection")
			socket := tcpsocket.New(connLogger.GetComponentLogger("TcpSocket"), tcpsocket.Opts{
				UseTLS:        cfg.UseTLS,
				TLSSkipVerify: cfg.TLSSkipVerify,
				KeepAlive:     cfg.KeepAliveInterval,
			})
			return mllpconnection.New(connLogger, cfg, socket, mllpconnection.WithMetrics(pool.metrics))
		}
	}

	return pool, nil
}

// Acquire hands out an exclusively-owned, connected connection. Idle
// connections are reused when still within their TTL and request
// budget; otherwise a replacement is created, up to MaxConnections.
// With the pool exhausted, Acquire fails immediately when
// AcquireTimeout is zero and otherwise blocks up to AcquireTimeout for
// a release.
func (p *ConnectionPool) Acquire(ctx context.Context) (connection.Connection, error) {
	start := time.Now()

	var deadline time.Time
	if p.config.AcquireTimeout > 0 {
		deadline = start.Add(p.config.AcquireTimeout)
	}

	p.mu.Lock()
	for {
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			p.metrics.CountAcquireFailure("cancelled")
			return nil, err
		}

		// Prefer reusing the most recently released connection
		for len(p.available) > 0 {
			conn := p.available[len(p.available)-1]
			p.available = p.available[:len(p.available)-1]

			if !p.reusable(conn) {
				p.logger.Infof("Discarding connection %s: expired or over budget", conn.ID())
				go conn.Close(fmt.Errorf("connection retired by pool"))
				continue
			}

			p.active[conn.ID()] = conn
			p.recordWait(start)
			p.updateGauges()
			p.mu.Unlock()
			return conn, nil
		}

		// No idle connection; create one if the bound permits
		if p.tracked() < p.config.MaxConnections {
			p.pending++
			p.updateGauges()
			p.mu.Unlock()

			conn, err := p.connect(ctx)

			p.mu.Lock()
			p.pending--
			if err != nil {
				// A failed connect is neither active nor available;
				// wake a waiter since capacity opened up
				p.cond.Signal()
				p.updateGauges()
				p.mu.Unlock()
				p.metrics.CountAcquireFailure("connect")
				return nil, err
			}

			p.active[conn.ID()] = conn
			p.recordWait(start)
			p.updateGauges()
			p.mu.Unlock()
			return conn, nil
		}

		// Exhausted: fail fast or wait for a release
		if p.config.AcquireTimeout == 0 || !time.Now().Before(deadline) {
			p.mu.Unlock()
			p.metrics.CountAcquireFailure("exhausted")
			return nil, ErrPoolExhausted
		}

		// The broadcasters take the lock so a wakeup can never slip in
		// between the checks above and the Wait below
		wakeup := time.AfterFunc(time.Until(deadline), p.broadcast)
		waited := make(chan struct{})
		if done := ctx.Done(); done != nil {
			go func() {
				select {
				case <-done:
					p.broadcast()
				case <-waited:
				}
			}()
		}
		p.cond.Wait()
		wakeup.Stop()
		close(waited)
	}
}

// Release returns an exclusively-owned connection to the pool. Healthy
// connections rejoin the available set; stale or failed ones are
// closed and discarded. The caller must not use the connection after
// releasing it; releasing a connection the pool did not hand out (or
// releasing twice) is a programming error and is reported as one.
func (p *ConnectionPool) Release(conn connection.Connection) error {
	if conn == nil {
		return fmt.Errorf("cannot release a nil connection")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.active[conn.ID()]; !ok {
		return fmt.Errorf("connection %s is not currently acquired from this pool", conn.ID())
	}
	delete(p.active, conn.ID())

	if p.reusable(conn) {
		p.available = append(p.available, conn)
	} else {
		p.logger.Infof("Closing connection %s on release: unhealthy or over budget", conn.ID())
		go conn.Close(fmt.Errorf("connection retired by pool"))
	}

	p.cond.Signal()
	p.updateGauges()
	return nil
}

// Drain closes and discards every available and active connection,
// resetting the pool to empty. Intended for shutdown; connections
// still checked out are closed underneath their owners.
func (p *ConnectionPool) Drain() {
	p.mu.Lock()

	doomed := make([]connection.Connection, 0, len(p.available)+len(p.active))
	doomed = append(doomed, p.available...)
	for _, conn := range p.active {
		doomed = append(doomed, conn)
	}

	p.available = nil
	p.active = make(map[string]connection.Connection)

	p.cond.Broadcast()
	p.updateGauges()
	p.mu.Unlock()

	for _, conn := range doomed {
		conn.Close(fmt.Errorf("connection pool drained"))
	}

	p.logger.Infof("Pool drained: closed %d connection(s)", len(doomed))
}

// Statistics returns a point-in-time snapshot of pool occupancy.
func (p *ConnectionPool) Statistics() Statistics {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Statistics{
		TotalConnections:     p.tracked(),
		ActiveConnections:    len(p.active) + p.pending,
		AvailableConnections: len(p.available),
	}
	if p.acquireCount > 0 {
		stats.AverageWaitTime = p.totalWait / time.Duration(p.acquireCount)
	}
	return stats
}

// connect builds and dials a fresh connection outside the pool lock.
func (p *ConnectionPool) connect(ctx context.Context) (connection.Connection, error) {
	conn := p.factory()
	if err := conn.Connect(ctx); err != nil {
		conn.Close(err)
		return nil, err
	}
	return conn, nil
}

// reusable implements the recycling rules: a connection may be handed
// out again only while it is connected, younger than the TTL, and
// under its request budget. Callers hold p.mu.
func (p *ConnectionPool) reusable(conn connection.Connection) bool {
	if conn.State() != connection.Connected {
		return false
	}
	if p.config.ConnectionTTL > 0 && conn.Age() >= p.config.ConnectionTTL {
		return false
	}
	if p.config.MaxRequestsPerConnection > 0 && conn.RequestCount() >= p.config.MaxRequestsPerConnection {
		return false
	}
	return true
}

// tracked counts every connection the pool is responsible for.
// Callers hold p.mu.
func (p *ConnectionPool) tracked() int {
	return len(p.available) + len(p.active) + p.pending
}

// broadcast wakes every waiter. Taking the lock first means a waiter
// between its exhaustion check and cond.Wait cannot miss the wakeup.
func (p *ConnectionPool) broadcast() {
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *ConnectionPool) recordWait(start time.Time) {
	wait := time.Since(start)
	p.totalWait += wait
	p.acquireCount++
	p.metrics.ObserveAcquireWait(wait)
}

func (p *ConnectionPool) updateGauges() {
	p.metrics.SetPoolGauges(len(p.active)+p.pending, len(p.available))
}
