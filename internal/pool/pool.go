// Package pool keeps one shared connection per relay URL and decides when
// a failed relay may be dialed again.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/Shugur-Network/relayfetch/internal/errors"
	"github.com/Shugur-Network/relayfetch/internal/logger"
	"github.com/Shugur-Network/relayfetch/internal/metrics"
	"github.com/Shugur-Network/relayfetch/internal/relay"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// State of a relay record.
type State int

const (
	StateConnecting State = iota
	StateAlive
	StateConnectFailed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAlive:
		return "alive"
	case StateConnectFailed:
		return "connect_failed"
	default:
		return "disconnected"
	}
}

var allStates = []State{StateConnecting, StateAlive, StateConnectFailed, StateDisconnected}

// DefaultCooldown is how long a relay that failed to connect is left alone.
const DefaultCooldown = 60 * time.Second

type record struct {
	state    State
	conn     *relay.Connection
	failedAt time.Time
	lastErr  error
}

// RecordStatus is a read-only view of one record.
type RecordStatus struct {
	URL           string    `json:"url"`
	State         string    `json:"state"`
	FailedAt      time.Time `json:"failed_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	Subscriptions int       `json:"subscriptions"`
}

// Pool shares relay connections between fetch calls.
type Pool struct {
	mu       sync.Mutex
	records  map[string]*record
	shutdown bool

	group    singleflight.Group
	connOpts relay.Options
	cooldown time.Duration
	log      *zap.Logger
	now      func() time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithConnectTimeout sets the default handshake timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Pool) { p.connOpts.ConnectTimeout = d }
}

// WithCooldown overrides the retry delay after a failed connect.
func WithCooldown(d time.Duration) Option {
	return func(p *Pool) { p.cooldown = d }
}

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(p *Pool) { p.connOpts.Dialer = d }
}

// WithNoticeClassifier sets the policy deciding which NOTICEs fail
// subscriptions.
func WithNoticeClassifier(c *relay.NoticeClassifier) Option {
	return func(p *Pool) { p.connOpts.NoticeClassifier = c }
}

// WithReqRate throttles REQs per connection.
func WithReqRate(r rate.Limit, burst int) Option {
	return func(p *Pool) {
		p.connOpts.ReqRate = r
		p.connOpts.ReqBurst = burst
	}
}

// WithMaxMessageSize caps inbound frame size.
func WithMaxMessageSize(n int64) Option {
	return func(p *Pool) { p.connOpts.MaxMessageSize = n }
}

// WithLogger sets the pool logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// New creates an empty pool.
func New(opts ...Option) *Pool {
	p := &Pool{
		records:  make(map[string]*record),
		cooldown: DefaultCooldown,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.New("pool")
	}
	p.connOpts.Logger = p.log
	return p
}

// EnsureRelays connects every relay in urls that is not already alive and
// returns the normalized URLs that are alive afterwards, in first-seen
// order. Invalid URLs and failed relays are logged and left out; it never
// returns an error. A timeout <= 0 uses the pool default.
func (p *Pool) EnsureRelays(ctx context.Context, urls []string, timeout time.Duration) []string {
	valid, invalid := relay.NormalizeURLs(urls)
	for _, raw := range invalid {
		p.log.Warn("Skipping invalid relay URL", zap.String("url", raw))
	}

	alive := make([]bool, len(valid))
	var wg sync.WaitGroup
	for i, url := range valid {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			alive[i] = p.ensure(ctx, url, timeout)
		}(i, url)
	}
	wg.Wait()

	out := make([]string, 0, len(valid))
	for i, url := range valid {
		if alive[i] {
			out = append(out, url)
		}
	}
	return out
}

func (p *Pool) ensure(ctx context.Context, url string, timeout time.Duration) bool {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return false
	}
	if rec, ok := p.records[url]; ok {
		switch rec.state {
		case StateAlive:
			if rec.conn.State() == relay.StateOpen {
				p.mu.Unlock()
				return true
			}
		case StateConnectFailed:
			if p.now().Sub(rec.failedAt) < p.cooldown {
				p.mu.Unlock()
				return false
			}
		}
	}
	p.mu.Unlock()

	// The attempt outlives any single caller so that concurrent callers
	// sharing it are not failed by the first one's cancellation.
	ch := p.group.DoChan(url, func() (any, error) {
		return p.dial(context.WithoutCancel(ctx), url, timeout)
	})
	select {
	case res := <-ch:
		return res.Err == nil
	case <-ctx.Done():
		return false
	}
}

func (p *Pool) dial(ctx context.Context, url string, timeout time.Duration) (*relay.Connection, error) {
	p.mu.Lock()
	if rec, ok := p.records[url]; ok && rec.state == StateAlive && rec.conn.State() == relay.StateOpen {
		p.mu.Unlock()
		return rec.conn, nil
	}
	p.records[url] = &record{state: StateConnecting}
	p.updateGaugeLocked()
	p.mu.Unlock()

	opts := p.connOpts
	if timeout > 0 {
		opts.ConnectTimeout = timeout
	}
	conn, err := relay.Connect(ctx, url, opts)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		if conn != nil {
			go conn.Close()
		}
		return nil, context.Canceled
	}
	if err != nil {
		p.records[url] = &record{state: StateConnectFailed, failedAt: p.now(), lastErr: err}
		p.updateGaugeLocked()
		p.log.Warn("Relay connection failed", zap.String("relay", url), zap.Error(err))
		return nil, err
	}

	p.records[url] = &record{state: StateAlive, conn: conn}
	p.updateGaugeLocked()
	conn.OnDisconnect(func(err error) { p.markDisconnected(url, conn, err) })
	if conn.State() != relay.StateOpen {
		// dropped before the listener was in place
		p.markDisconnectedLocked(url, conn, nil)
		return nil, errors.RelayDisconnectedError(url, nil)
	}
	p.log.Debug("Relay alive", zap.String("relay", url))
	return conn, nil
}

func (p *Pool) markDisconnected(url string, conn *relay.Connection, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markDisconnectedLocked(url, conn, err)
}

func (p *Pool) markDisconnectedLocked(url string, conn *relay.Connection, err error) {
	rec, ok := p.records[url]
	if !ok || rec.conn != conn || rec.state != StateAlive {
		return
	}
	rec.state = StateDisconnected
	rec.conn = nil
	rec.lastErr = err
	p.updateGaugeLocked()
	p.log.Info("Relay disconnected", zap.String("relay", url), zap.Error(err))
}

// RelayIfConnected returns the live connection for url, or nil.
func (p *Pool) RelayIfConnected(url string) *relay.Connection {
	if normalized, err := relay.NormalizeURL(url); err == nil {
		url = normalized
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[url]
	if !ok || rec.state != StateAlive || rec.conn.State() != relay.StateOpen {
		return nil
	}
	return rec.conn
}

// Records returns a snapshot of every record.
func (p *Pool) Records() []RecordStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]RecordStatus, 0, len(p.records))
	for url, rec := range p.records {
		st := RecordStatus{URL: url, State: rec.state.String(), FailedAt: rec.failedAt}
		if rec.lastErr != nil {
			st.LastError = rec.lastErr.Error()
		}
		if rec.conn != nil {
			st.Subscriptions = rec.conn.ActiveSubscriptions()
		}
		out = append(out, st)
	}
	return out
}

// AliveCount returns the number of alive relays.
func (p *Pool) AliveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, rec := range p.records {
		if rec.state == StateAlive {
			n++
		}
	}
	return n
}

// Shutdown closes every connection and forgets every record. Later
// EnsureRelays calls connect nothing. Safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	var conns []*relay.Connection
	for _, rec := range p.records {
		if rec.conn != nil {
			conns = append(conns, rec.conn)
		}
	}
	p.records = make(map[string]*record)
	p.updateGaugeLocked()
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if len(conns) > 0 {
		p.log.Info("Connection pool shut down", zap.Int("closed", len(conns)))
	}
}

func (p *Pool) updateGaugeLocked() {
	counts := make(map[State]int, len(allStates))
	for _, rec := range p.records {
		counts[rec.state]++
	}
	for _, s := range allStates {
		metrics.PoolConnections.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
