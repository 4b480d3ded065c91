package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/nbittich/v3/internal/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultCheckoutTimeout bounds how long Acquire waits for a free slot
	DefaultCheckoutTimeout = 5 * time.Second
)

// DefaultMaxSize returns the default number of pooled connections
func DefaultMaxSize() int {
	return runtime.NumCPU() * 4
}

// Pool hands out exclusive broker connections, dialed lazily and reused
// once released.
type Pool struct {
	url             string
	dial            Dialer
	maxSize         int
	checkoutTimeout time.Duration
	logger          *slog.Logger

	slots  *semaphore.Weighted
	mu     sync.Mutex
	idle   []Connection
	open   int
	closed bool
}

// PoolOption configures the connection pool
type PoolOption func(*Pool)

// WithMaxSize sets the maximum number of connections checked out at once
func WithMaxSize(size int) PoolOption {
	return func(p *Pool) {
		p.maxSize = size
	}
}

// WithCheckoutTimeout sets how long Acquire waits for a free connection
func WithCheckoutTimeout(timeout time.Duration) PoolOption {
	return func(p *Pool) {
		p.checkoutTimeout = timeout
	}
}

// WithDialer replaces the amqp dialer
func WithDialer(dial Dialer) PoolOption {
	return func(p *Pool) {
		p.dial = dial
	}
}

// WithPoolLogger sets the logger
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = logger
	}
}

// NewPool creates a pool for the broker at url. No connection is opened
// until the first Acquire.
func NewPool(url string, options ...PoolOption) (*Pool, error) {
	p := &Pool{
		url:             url,
		dial:            DialAMQP,
		maxSize:         DefaultMaxSize(),
		checkoutTimeout: DefaultCheckoutTimeout,
		logger:          slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	if p.url == "" {
		return nil, fmt.Errorf("%w: broker url is required", ErrInvalidConfiguration)
	}
	if p.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	if p.checkoutTimeout <= 0 {
		return nil, fmt.Errorf("%w: checkout timeout must be positive", ErrInvalidConfiguration)
	}
	if p.dial == nil {
		return nil, fmt.Errorf("%w: dialer is required", ErrInvalidConfiguration)
	}

	p.slots = semaphore.NewWeighted(int64(p.maxSize))
	return p, nil
}

// Lease is one checked out connection with a channel opened on it.
// It must be released exactly once; further calls are no-ops.
type Lease struct {
	pool    *Pool
	conn    Connection
	channel Channel
	once    sync.Once
}

// Channel returns the leased channel
func (l *Lease) Channel() Channel {
	return l.channel
}

// Release closes the channel and hands the connection back to the pool
func (l *Lease) Release() {
	l.once.Do(func() {
		if !l.channel.IsClosed() {
			if err := l.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				l.pool.logger.Debug("failed to close leased channel", "error", err)
			}
		}
		l.pool.put(l.conn)
	})
}

// Acquire checks out a connection and opens a fresh channel on it.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.isClosed() {
		metrics.RecordPoolFailure("closed")
		return nil, p.connectionError("acquire", ErrPoolClosed)
	}

	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, p.checkoutTimeout)
	defer cancel()

	if err := p.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			metrics.RecordPoolFailure("cancelled")
			return nil, p.connectionError("acquire", ctx.Err())
		}
		metrics.RecordPoolFailure("timeout")
		return nil, p.connectionError("acquire", ErrCheckoutTimeout)
	}

	conn, err := p.checkout()
	if err != nil {
		p.slots.Release(1)
		metrics.RecordPoolFailure("dial")
		return nil, p.connectionError("dial", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		p.discard(conn)
		p.slots.Release(1)
		metrics.RecordPoolFailure("channel")
		return nil, p.connectionError("open channel", err)
	}

	metrics.ObservePoolAcquire(time.Since(start))
	return &Lease{pool: p, conn: conn, channel: ch}, nil
}

// checkout pops a live idle connection or dials a new one
func (p *Pool) checkout() (Connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	for len(p.idle) > 0 {
		conn := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if !conn.IsClosed() {
			p.mu.Unlock()
			return conn, nil
		}
		p.open--
	}
	p.open++
	p.mu.Unlock()

	conn, err := p.dial(p.url)
	if err != nil {
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		return nil, err
	}
	p.logger.Debug("opened broker connection", "url", SanitizeURL(p.url))
	return conn, nil
}

// put returns a connection after use
func (p *Pool) put(conn Connection) {
	defer p.slots.Release(1)
	defer metrics.RecordPoolRelease()

	p.mu.Lock()
	if p.closed || conn.IsClosed() {
		p.open--
		p.mu.Unlock()
		if !conn.IsClosed() {
			_ = conn.Close()
		}
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// discard drops a connection that failed to open a channel
func (p *Pool) discard(conn Connection) {
	p.mu.Lock()
	p.open--
	p.mu.Unlock()
	if !conn.IsClosed() {
		_ = conn.Close()
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) connectionError(op string, err error) error {
	return &ConnectionError{
		Op:        op,
		URL:       SanitizeURL(p.url),
		Err:       err,
		Timestamp: time.Now(),
	}
}

// PoolStats is a snapshot of pool usage
type PoolStats struct {
	MaxSize int
	Open    int
	Idle    int
	InUse   int
}

// Stats returns the current pool usage
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		MaxSize: p.maxSize,
		Open:    p.open,
		Idle:    len(p.idle),
		InUse:   p.open - len(p.idle),
	}
}

// URL returns the sanitized broker URL
func (p *Pool) URL() string {
	return SanitizeURL(p.url)
}

// Close closes idle connections. Leased connections are closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	p.mu.Unlock()

	var errs []error
	for _, conn := range idle {
		if conn.IsClosed() {
			continue
		}
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
