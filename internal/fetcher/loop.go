package fetcher

import (
	"context"
	"sync"

	"github.com/Shugur-Network/relayfetch/internal/event"
	"github.com/Shugur-Network/relayfetch/internal/logger"
	"github.com/Shugur-Network/relayfetch/internal/metrics"
	"github.com/Shugur-Network/relayfetch/internal/relay"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// pageLoop walks one relay backwards in time. Every filter of the call
// pages on its own lane with its own cursor, since relays apply limit per
// filter. Its state survives between run calls so bounded fetches can
// resume a relay that stopped on quota.
type pageLoop struct {
	f          *Fetcher
	url        string
	rng        TimeRange
	opts       Options
	skipVerify bool

	// next returns the filters and limit for the coming round. ok=false
	// means the relay has nothing left to give this call (quota). The
	// number of filters must not change between rounds.
	next func() (filters []nostr.Filter, limit int, ok bool)
	// accept receives every event that is new for this relay and matches
	// one of the caller's filters within the caller's range. It runs on
	// the connection read goroutine.
	accept func(evt *nostr.Event)
	// afterRound runs on the loop goroutine once a subscription ends. A
	// non-nil error stops the loop as canceled.
	afterRound func(ctx context.Context) error

	started nostr.Timestamp
	lanes   []*lane
	local   map[string]struct{}
	stats   RelayStats
}

// lane is the pagination state of one filter.
type lane struct {
	// lo and hi are the filter's own bounds narrowed by the call's range.
	lo, hi *nostr.Timestamp
	until  nostr.Timestamp
	seen   map[string]struct{}
	seenAt map[nostr.Timestamp]int
	done   bool
}

func (f *Fetcher) newLoop(url string, rng TimeRange, o Options, skipVerify bool) *pageLoop {
	o.SubscriptionID = ""
	return &pageLoop{
		f:          f,
		url:        url,
		rng:        rng,
		opts:       o,
		skipVerify: skipVerify,
		started:    nostr.Now(),
		local:      make(map[string]struct{}),
		stats:      RelayStats{URL: url},
	}
}

func (l *pageLoop) lanesFor(base []nostr.Filter) []*lane {
	for i := len(l.lanes); i < len(base); i++ {
		ln := &lane{
			lo:     laterOf(base[i].Since, l.rng.Since),
			hi:     earlierOf(base[i].Until, l.rng.Until),
			until:  l.started,
			seen:   make(map[string]struct{}),
			seenAt: make(map[nostr.Timestamp]int),
		}
		if ln.hi != nil {
			// one past until, for the same reason since is widened
			ln.until = *ln.hi + 1
			ln.done = ln.lo != nil && *ln.lo > *ln.hi
		}
		l.lanes = append(l.lanes, ln)
	}
	return l.lanes[:len(base)]
}

// overlap is how many already-seen events sit on the cursor boundary and
// will be sent again next round.
func (ln *lane) overlap() int {
	return ln.seenAt[ln.until] + ln.seenAt[ln.until-1]
}

// window rewrites f for one round. since is widened by one second so
// relays with exclusive bounds still return events at since.
func (ln *lane) window(f nostr.Filter, limit int) nostr.Filter {
	f.Since = nil
	if ln.lo != nil {
		s := max(*ln.lo-1, 0)
		f.Since = &s
	}
	until := ln.until
	f.Until = &until
	f.Limit = min(limit+ln.overlap(), MaxLimitPerReq)
	return f
}

// bounded is f restricted to the lane's range, without a limit.
func (ln *lane) bounded(f nostr.Filter) nostr.Filter {
	f.Since, f.Until, f.Limit = ln.lo, ln.hi, 0
	return f
}

func (ln *lane) inRange(ts nostr.Timestamp) bool {
	if ln.lo != nil && ts < *ln.lo {
		return false
	}
	if ln.hi != nil && ts > *ln.hi {
		return false
	}
	return true
}

// rejection names why evt, received on ln, is not delivered, or returns
// "" when it matches one of the caller's filters.
func (l *pageLoop) rejection(evt *nostr.Event, ln *lane, wanted []nostr.Filter) string {
	if l.opts.SkipFilterMatching {
		if !ln.inRange(evt.CreatedAt) {
			return metrics.RejectRange
		}
		return ""
	}
	if event.MatchFilters(evt, wanted) {
		return ""
	}
	if !ln.inRange(evt.CreatedAt) {
		return metrics.RejectRange
	}
	return metrics.RejectFilter
}

// run paginates until every lane is exhausted, the relay fails, quota
// runs out or ctx ends. It returns the final status.
func (l *pageLoop) run(ctx context.Context) string {
	log := logger.ForRelay(ctx, l.url)

	for {
		if ctx.Err() != nil {
			return l.end(StatusCanceled)
		}
		base, limit, ok := l.next()
		if !ok {
			return l.end(StatusQuota)
		}
		lanes := l.lanesFor(base)
		wanted := make([]nostr.Filter, len(base))
		for i, ln := range lanes {
			wanted[i] = ln.bounded(base[i])
		}

		live := 0
		for i, ln := range lanes {
			if ln.done {
				continue
			}
			live++
			conn := l.f.pool.RelayIfConnected(l.url)
			if conn == nil {
				log.Debug("Relay gone before round", zap.Int("round", l.stats.Rounds+1))
				return l.end(StatusFailed)
			}
			if status := l.round(ctx, conn, ln, ln.window(base[i], limit), wanted); status != "" {
				return l.end(status)
			}
		}
		if live == 0 {
			return l.end(StatusExhausted)
		}
	}
}

// round runs one subscription for ln and moves its cursor. A non-empty
// status ends the whole loop.
func (l *pageLoop) round(ctx context.Context, conn *relay.Connection, ln *lane, filter nostr.Filter, wanted []nostr.Filter) string {
	log := logger.ForRelay(ctx, l.url)
	var (
		fresh  int
		oldest nostr.Timestamp
	)
	l.stats.Rounds++
	metrics.PaginationRounds.Inc()
	// observe reports whether evt is new for this lane and moves the
	// round's oldest timestamp. Rejected events count too: they used up
	// part of the relay's limit.
	observe := func(evt *nostr.Event) bool {
		if _, dup := ln.seen[evt.ID]; dup {
			return false
		}
		ln.seen[evt.ID] = struct{}{}
		ln.seenAt[evt.CreatedAt]++
		if fresh == 0 || evt.CreatedAt < oldest {
			oldest = evt.CreatedAt
		}
		fresh++
		return true
	}
	res := runRound(ctx, conn, []nostr.Filter{filter}, l.opts, l.skipVerify, func(evt *nostr.Event) {
		if !observe(evt) {
			return
		}
		if reason := l.rejection(evt, ln, wanted); reason != "" {
			metrics.EventsRejected.WithLabelValues(reason).Inc()
			return
		}
		if _, dup := l.local[evt.ID]; dup {
			return
		}
		l.local[evt.ID] = struct{}{}
		l.stats.Events++
		l.accept(evt)
	}, func(evt *nostr.Event) { observe(evt) })

	if l.afterRound != nil {
		if err := l.afterRound(ctx); err != nil {
			return StatusCanceled
		}
	}

	switch res.end {
	case endAborted:
		if ctx.Err() != nil {
			return StatusCanceled
		}
		log.Debug("Subscription aborted on inactivity", zap.Int("round", l.stats.Rounds))
		return StatusAborted
	case endClosed:
		log.Debug("Subscription closed by relay", zap.String("reason", res.reason))
		return StatusFailed
	case endFailed:
		log.Debug("Subscription failed", zap.Error(res.err))
		return StatusFailed
	}

	switch {
	case fresh == 0:
		ln.done = true
	case ln.lo != nil && oldest < *ln.lo:
		// the relay already went below the range
		ln.done = true
	case oldest+1 < ln.until:
		ln.until = oldest + 1
	}
	return ""
}

func laterOf(a, b *nostr.Timestamp) *nostr.Timestamp {
	if a == nil || (b != nil && *b > *a) {
		return b
	}
	return a
}

func earlierOf(a, b *nostr.Timestamp) *nostr.Timestamp {
	if a == nil || (b != nil && *b < *a) {
		return b
	}
	return a
}

func (l *pageLoop) end(status string) string {
	l.stats.Status = status
	return status
}

func (l *pageLoop) report() {
	if l.opts.StatsListener != nil {
		l.opts.StatsListener(l.stats)
	}
}

// seenSet is the call-wide record of which relays reported which event.
type seenSet struct {
	mu     sync.Mutex
	relays map[string][]string
}

func newSeenSet() *seenSet {
	return &seenSet{relays: make(map[string][]string)}
}

// observe records that url reported id. first is true for the first
// report of id, sighting for the first report of id by url.
func (s *seenSet) observe(id, url string) (first, sighting bool, seenOn []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.relays[id]
	for _, r := range prev {
		if r == url {
			return false, false, nil
		}
	}
	next := append(prev[:len(prev):len(prev)], url)
	s.relays[id] = next
	return !ok, true, next
}

func (s *seenSet) seenOn(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relays[id]
}
