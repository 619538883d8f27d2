package relay

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shugur-Network/relayfetch/internal/errors"
	"github.com/Shugur-Network/relayfetch/internal/logger"
	"github.com/Shugur-Network/relayfetch/internal/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// State of a Connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "disconnected"
	}
}

const writeTimeout = 10 * time.Second

// Options configure a Connection.
type Options struct {
	ConnectTimeout   time.Duration
	Dialer           *websocket.Dialer
	Header           http.Header
	NoticeClassifier *NoticeClassifier
	// ReqRate throttles outgoing REQs; zero means unlimited.
	ReqRate        rate.Limit
	ReqBurst       int
	MaxMessageSize int64
	Logger         *zap.Logger
}

func (o *Options) withDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			ReadBufferSize:    64 * 1024,
			WriteBufferSize:   16 * 1024,
			EnableCompression: true,
		}
	}
	if o.NoticeClassifier == nil {
		o.NoticeClassifier = DefaultNoticeClassifier()
	}
	if o.ReqRate <= 0 {
		o.ReqRate = rate.Inf
	}
	if o.ReqBurst <= 0 {
		o.ReqBurst = 1
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 16 << 20
	}
	if o.Logger == nil {
		o.Logger = logger.New("relay")
	}
}

// Connection owns one websocket to one relay and routes its frames to
// subscriptions.
type Connection struct {
	url    string
	conn   *websocket.Conn
	state  atomic.Int32
	log    *zap.Logger
	notice *NoticeClassifier

	writeMu sync.Mutex
	limiter *rate.Limiter

	mu         sync.Mutex
	subs       map[string]*Subscription
	listeners  listeners
	nextListen uint64

	subCounter atomic.Uint64
	closeOnce  sync.Once
	closing    atomic.Bool
	done       chan struct{}
}

// Connect dials url and starts the read loop. The handshake is bounded by
// opts.ConnectTimeout as well as ctx.
func Connect(ctx context.Context, url string, opts Options) (*Connection, error) {
	opts.withDefaults()

	c := &Connection{
		url:     url,
		log:     opts.Logger.With(zap.String("relay", url)),
		notice:  opts.NoticeClassifier,
		limiter: rate.NewLimiter(opts.ReqRate, opts.ReqBurst),
		subs:    make(map[string]*Subscription),
		done:    make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))

	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	ws, resp, err := opts.Dialer.DialContext(dialCtx, url, opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		close(c.done)
		metrics.ConnectAttempts.WithLabelValues("failure").Inc()
		return nil, errors.RelayConnectError(url, err)
	}
	metrics.ConnectAttempts.WithLabelValues("success").Inc()

	ws.SetReadLimit(opts.MaxMessageSize)
	c.conn = ws
	c.state.Store(int32(StateOpen))
	c.log.Debug("Relay connected")

	go c.readLoop()
	return c, nil
}

// URL returns the normalized relay URL this connection was opened with.
func (c *Connection) URL() string { return c.url }

// State returns the current connection state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Done is closed once the connection is gone.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Close shuts the socket down. Pending subscriptions fail with a
// disconnect error. Safe to call more than once.
func (c *Connection) Close() {
	if c.closing.Swap(true) {
		return
	}
	if c.conn != nil {
		if c.State() == StateOpen {
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.writeMu.Unlock()
		}
		_ = c.conn.Close()
	}
	c.teardown(nil)
}

func (c *Connection) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.teardown(err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Connection) dispatch(data []byte) {
	f, err := parseFrame(data)
	if err != nil {
		metrics.MalformedFrames.Inc()
		c.log.Debug("Dropping malformed relay message", zap.Error(err), zap.Int("size", len(data)))
		return
	}

	switch f.kind {
	case frameEvent:
		if sub := c.lookup(f.subID); sub != nil {
			sub.handleEvent(f.event)
		}
	case frameEOSE:
		if sub := c.lookup(f.subID); sub != nil {
			sub.handleEOSE()
		}
	case frameClosed:
		if sub := c.lookup(f.subID); sub != nil {
			sub.handleClosed(f.message)
		}
	case frameNotice:
		c.handleNotice(f.message)
	}
}

func (c *Connection) handleNotice(msg string) {
	for _, fn := range c.snapshotNotice() {
		fn(msg)
	}

	if !c.notice.Relevant(msg) {
		metrics.Notices.WithLabelValues("ignored").Inc()
		c.log.Debug("Ignoring relay notice", zap.String("notice", msg))
		return
	}
	metrics.Notices.WithLabelValues("relevant").Inc()
	c.log.Info("Relay notice fails pending subscriptions", zap.String("notice", msg))

	err := errors.RelayNoticeError(c.url, msg)
	for _, sub := range c.snapshotSubs() {
		sub.fail(err)
	}
}

// teardown runs once, when either side ends the connection.
func (c *Connection) teardown(cause error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateDisconnected))

		ours := c.closing.Load()
		if c.conn != nil && !ours {
			_ = c.conn.Close()
		}

		err := errors.RelayDisconnectedError(c.url, cause)
		if ours {
			c.log.Debug("Relay connection closed")
		} else {
			c.log.Debug("Relay connection lost", zap.Error(cause))
		}

		for _, sub := range c.snapshotSubs() {
			sub.fail(err)
		}
		if cause != nil && !ours && !websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
			for _, fn := range c.snapshotError() {
				fn(err)
			}
		}
		for _, fn := range c.snapshotDisconnect() {
			fn(err)
		}
		close(c.done)
	})
}

// writeMessage serialises writes and applies a write deadline.
func (c *Connection) writeMessage(data []byte) error {
	if c.State() != StateOpen {
		return errors.RelayDisconnectedError(c.url, nil)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

/* ------------------------------------------------------------------ *
|  Subscription registry                                              |
* -------------------------------------------------------------------*/

func (c *Connection) newSubID() string {
	return "rf" + strconv.FormatUint(c.subCounter.Add(1), 36)
}

func (c *Connection) register(sub *Subscription) {
	c.mu.Lock()
	c.subs[sub.ID] = sub
	c.mu.Unlock()
}

func (c *Connection) unregister(sub *Subscription) {
	c.mu.Lock()
	if c.subs[sub.ID] == sub {
		delete(c.subs, sub.ID)
	}
	c.mu.Unlock()
}

func (c *Connection) lookup(id string) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[id]
}

func (c *Connection) snapshotSubs() []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, s)
	}
	return out
}

// ActiveSubscriptions returns the number of registered subscriptions.
func (c *Connection) ActiveSubscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
