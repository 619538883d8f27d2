// Package fetcher retrieves historical events from many relays at once.
// Every relay gets its own pagination loop; the loops are merged into one
// deduplicated result and a misbehaving relay only ever loses its own
// contribution.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shugur-Network/relayfetch/internal/channel"
	"github.com/Shugur-Network/relayfetch/internal/errors"
	"github.com/Shugur-Network/relayfetch/internal/logger"
	"github.com/Shugur-Network/relayfetch/internal/metrics"
	"github.com/Shugur-Network/relayfetch/internal/nip11"
	"github.com/Shugur-Network/relayfetch/internal/pool"
	"github.com/Shugur-Network/relayfetch/internal/relay"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// searchNIP is the capability a relay needs to answer filters with search.
const searchNIP = 50

// Fetcher runs fetch calls over a shared connection pool.
type Fetcher struct {
	pool         *pool.Pool
	prober       nip11.Prober
	defaults     Options
	lastEventTTL time.Duration
	log          *zap.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithProber enables capability checks for search filters.
func WithProber(p nip11.Prober) Option { return func(f *Fetcher) { f.prober = p } }

// WithDefaults replaces the default per-call options.
func WithDefaults(o Options) Option { return func(f *Fetcher) { f.defaults = o } }

// WithLastEventAbortTimeout sets the inactivity abort used by the
// single-event calls when the caller gives none.
func WithLastEventAbortTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.lastEventTTL = d }
}

// WithLogger sets the fetcher logger.
func WithLogger(l *zap.Logger) Option { return func(f *Fetcher) { f.log = l } }

// New creates a Fetcher on top of p.
func New(p *pool.Pool, opts ...Option) *Fetcher {
	f := &Fetcher{
		pool:         p,
		defaults:     DefaultOptions(),
		lastEventTTL: time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	base := DefaultOptions()
	if f.defaults.ConnectTimeout <= 0 {
		f.defaults.ConnectTimeout = base.ConnectTimeout
	}
	if f.defaults.AbortSubBeforeEoseTimeout <= 0 {
		f.defaults.AbortSubBeforeEoseTimeout = base.AbortSubBeforeEoseTimeout
	}
	if f.defaults.LimitPerReq <= 0 {
		f.defaults.LimitPerReq = base.LimitPerReq
	}
	if f.log == nil {
		f.log = logger.New("fetcher")
	}
	return f
}

// Pool returns the underlying connection pool.
func (f *Fetcher) Pool() *pool.Pool { return f.pool }

// EnsureRelays connects relays through the pool. See pool.EnsureRelays.
func (f *Fetcher) EnsureRelays(ctx context.Context, urls []string, timeout time.Duration) []string {
	return f.pool.EnsureRelays(ctx, urls, timeout)
}

// Shutdown closes every pooled connection.
func (f *Fetcher) Shutdown() { f.pool.Shutdown() }

// session starts the logging context of one call.
func (f *Fetcher) session(ctx context.Context, mode string) (context.Context, *zap.Logger) {
	return logger.StartFetch(ctx, f.log, mode)
}

func observeDuration(mode string, start time.Time) {
	metrics.FetchDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}

// ensure connects the relays and drops those that cannot serve filters.
func (f *Fetcher) ensure(ctx context.Context, urls []string, filters []nostr.Filter, o Options) []string {
	alive := f.pool.EnsureRelays(ctx, urls, o.ConnectTimeout)
	if f.prober == nil || !needsSearch(filters) {
		return alive
	}
	log := logger.FromContext(ctx)
	out := alive[:0:0]
	for _, url := range alive {
		ok, err := f.prober.SupportsCapabilities(ctx, url, []int{searchNIP})
		if ok {
			out = append(out, url)
			continue
		}
		log.Debug("Excluding relay without search support", zap.String("relay", url), zap.Error(err))
	}
	return out
}

func needsSearch(filters []nostr.Filter) bool {
	for _, f := range filters {
		if f.Search != "" {
			return true
		}
	}
	return false
}

/* ------------------------------------------------------------------ *
|  Validation                                                         |
* -------------------------------------------------------------------*/

type violations []string

func (v *violations) add(format string, args ...any) {
	*v = append(*v, fmt.Sprintf(format, args...))
}

func (v violations) err() error {
	if len(v) == 0 {
		return nil
	}
	return errors.RequestValidationError(v)
}

func (v *violations) relays(urls []string) {
	if len(urls) == 0 {
		v.add("relay list is empty")
		return
	}
	valid, invalid := relay.NormalizeURLs(urls)
	if len(valid) == 0 {
		v.add("no valid relay url in %q", invalid)
	}
}

func (v *violations) filters(filters []nostr.Filter) {
	if len(filters) == 0 {
		v.add("filter list is empty")
	}
}

func (v *violations) timeRange(tr TimeRange) {
	if tr.Since != nil && tr.Until != nil && *tr.Since > *tr.Until {
		v.add("since (%d) is after until (%d)", *tr.Since, *tr.Until)
	}
}

func (v *violations) limit(limit int) {
	if limit <= 0 {
		v.add("limit must be positive, got %d", limit)
	}
}

// rangeOf is the smallest range covering every filter. One open bound
// keeps that side open.
func rangeOf(filters []nostr.Filter) TimeRange {
	if len(filters) == 0 {
		return TimeRange{}
	}
	tr := TimeRange{Since: filters[0].Since, Until: filters[0].Until}
	for _, f := range filters[1:] {
		if tr.Since != nil && (f.Since == nil || *f.Since < *tr.Since) {
			tr.Since = f.Since
		}
		if tr.Until != nil && (f.Until == nil || *f.Until > *tr.Until) {
			tr.Until = f.Until
		}
	}
	return tr
}

/* ------------------------------------------------------------------ *
|  Single subscription                                                |
* -------------------------------------------------------------------*/

type roundEnd int

const (
	endEOSE roundEnd = iota
	endAborted
	endClosed
	endFailed
)

type roundResult struct {
	end    roundEnd
	reason string
	err    error
}

// runRound sends one REQ and blocks until its terminal callback. onEvent
// and onReject run on the connection's read goroutine and never after the
// terminal. onReject may be nil.
func runRound(ctx context.Context, conn *relay.Connection, filters []nostr.Filter, o Options, skipVerify bool, onEvent func(*nostr.Event), onReject func(*nostr.Event)) roundResult {
	done := make(chan roundResult, 1)
	sub := conn.PrepareSub(filters, relay.SubOptions{
		ID:                 o.SubscriptionID,
		SkipVerification:   skipVerify,
		SkipFilterMatching: o.SkipFilterMatching,
		AbortTimeout:       o.AbortSubBeforeEoseTimeout,
	})
	defer sub.Close()

	sub.OnEvent(onEvent)
	if onReject != nil {
		sub.OnReject(func(evt *nostr.Event, _ string) { onReject(evt) })
	}
	sub.OnEOSE(func(aborted bool) {
		if aborted {
			done <- roundResult{end: endAborted}
			return
		}
		done <- roundResult{end: endEOSE}
	})
	sub.OnClosed(func(reason string) { done <- roundResult{end: endClosed, reason: reason} })
	sub.OnFailure(func(err error) { done <- roundResult{end: endFailed, err: err} })

	_ = sub.Req(ctx)
	return <-done
}

// FetchTillEose runs one subscription on one relay and streams what it
// returns. The receiver ends with io.EOF on EOSE, with an error matching
// errors.ErrSubscriptionAborted on inactivity or cancellation, and with
// one matching errors.ErrSubscriptionFailed otherwise.
func (f *Fetcher) FetchTillEose(ctx context.Context, url string, filters []nostr.Filter, opts *Options) (*channel.Receiver[*nostr.Event], error) {
	var v violations
	normalized, err := relay.NormalizeURL(url)
	if err != nil {
		v.add("invalid relay url %q", url)
	}
	v.filters(filters)
	if err := v.err(); err != nil {
		return nil, err
	}

	o := f.resolve(opts)
	ctx, log := f.session(ctx, "till_eose")
	send, recv := channel.New[*nostr.Event](channel.WithHighWaterMark(o.HighWaterMark))

	go func() {
		defer observeDuration("till_eose", time.Now())

		alive := f.ensure(ctx, []string{normalized}, filters, o)
		conn := f.pool.RelayIfConnected(normalized)
		if len(alive) == 0 || conn == nil {
			send.Error(errors.SubscriptionFailedError(normalized, "relay not connected", nil))
			return
		}

		seen := make(map[string]struct{})
		res := runRound(ctx, conn, filters, o, o.SkipVerification, func(evt *nostr.Event) {
			if _, dup := seen[evt.ID]; dup {
				metrics.DuplicateEvents.Inc()
				return
			}
			seen[evt.ID] = struct{}{}
			metrics.EventAccepted()
			send.Send(evt)
		}, nil)

		switch res.end {
		case endEOSE:
			send.Close()
		case endAborted:
			reason := "inactivity timeout"
			if ctx.Err() != nil {
				reason = "canceled"
			}
			send.Error(errors.SubscriptionAbortedError(normalized, reason))
		case endClosed:
			send.Error(errors.SubscriptionFailedError(normalized, "closed: "+res.reason, nil))
		default:
			send.Error(errors.SubscriptionFailedError(normalized, "", res.err))
		}
		log.Debug("Subscription finished", zap.String("relay", normalized), zap.Int("events", len(seen)))
	}()
	return recv, nil
}

// MarshalJSON writes the event under "event" next to "seen_on".
func (e FetchedEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Event  *nostr.Event `json:"event"`
		SeenOn []string     `json:"seen_on,omitempty"`
	}{e.Event, e.SeenOn})
}
