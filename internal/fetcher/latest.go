package fetcher

import (
	"context"
	"sync"
	"time"

	"github.com/Shugur-Network/relayfetch/internal/event"
	"github.com/Shugur-Network/relayfetch/internal/metrics"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// FetchLatestEvents returns at most limit events matching filters, newest
// first, gathered from every relay. Each relay is asked for no more than
// limit events in total. With ReduceVerification signatures are checked
// only on the sorted result, newest first, and relays are asked again for
// as many events as failed. A canceled ctx returns what was gathered so
// far with a nil error.
func (f *Fetcher) FetchLatestEvents(ctx context.Context, relays []string, filters []nostr.Filter, limit int, opts *Options) ([]*nostr.Event, error) {
	var v violations
	v.relays(relays)
	v.filters(filters)
	v.limit(limit)
	rng := rangeOf(filters)
	v.timeRange(rng)
	if err := v.err(); err != nil {
		return nil, err
	}
	return f.fetchLatest(ctx, relays, filters, rng, limit, f.resolve(opts))
}

// FetchLastEvent returns the newest event matching filters, or nil. Unless
// opts say otherwise it gives up on a silent relay much sooner than the
// other calls.
func (f *Fetcher) FetchLastEvent(ctx context.Context, relays []string, filters []nostr.Filter, opts *Options) (*nostr.Event, error) {
	o := f.lastEventOptions(opts)
	events, err := f.FetchLatestEvents(ctx, relays, filters, 1, &o)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return events[0], nil
}

func (f *Fetcher) lastEventOptions(opts *Options) Options {
	o := f.resolve(opts)
	if opts == nil || opts.AbortSubBeforeEoseTimeout <= 0 {
		o.AbortSubBeforeEoseTimeout = f.lastEventTTL
	}
	return o
}

// collector gathers bounded results. The first copy of an id is the
// candidate; later copies with a different signature are kept as
// alternates in case the first one turns out forged.
type collector struct {
	mu         sync.Mutex
	order      []string
	candidates map[string][]*nostr.Event
	verdict    map[*nostr.Event]bool
}

func newCollector() *collector {
	return &collector{
		candidates: make(map[string][]*nostr.Event),
		verdict:    make(map[*nostr.Event]bool),
	}
}

func (c *collector) add(evt *nostr.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copies, ok := c.candidates[evt.ID]
	if !ok {
		c.order = append(c.order, evt.ID)
		c.candidates[evt.ID] = []*nostr.Event{evt}
		metrics.EventAccepted()
		return
	}
	metrics.DuplicateEvents.Inc()
	for _, prev := range copies {
		if prev.Sig == evt.Sig {
			return
		}
	}
	c.candidates[evt.ID] = append(copies, evt)
}

// result sorts the candidates newest first and keeps up to limit. With
// verify set, each id is checked lazily and the first copy that verifies
// stands for it. It also reports how many ids failed verification.
func (c *collector) result(limit int, verify bool) (out []*nostr.Event, rejected int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	primaries := make([]*nostr.Event, 0, len(c.order))
	for _, id := range c.order {
		primaries = append(primaries, c.candidates[id][0])
	}
	event.SortDescending(primaries)

	for _, evt := range primaries {
		if len(out) == limit {
			break
		}
		if !verify {
			out = append(out, evt)
			continue
		}
		if valid := c.firstValid(evt.ID); valid != nil {
			out = append(out, valid)
			continue
		}
		rejected++
	}
	return out, rejected
}

func (c *collector) firstValid(id string) *nostr.Event {
	for _, evt := range c.candidates[id] {
		ok, checked := c.verdict[evt]
		if !checked {
			ok = event.VerifySignature(evt) == nil
			c.verdict[evt] = ok
			if !ok {
				metrics.EventsRejected.WithLabelValues(metrics.RejectSignature).Inc()
			}
		}
		if ok {
			return evt
		}
	}
	return nil
}

func (f *Fetcher) fetchLatest(ctx context.Context, relays []string, filters []nostr.Filter, rng TimeRange, limit int, o Options) ([]*nostr.Event, error) {
	ctx, log := f.session(ctx, "latest")
	defer observeDuration("latest", time.Now())

	reduced := o.ReduceVerification && !o.SkipVerification
	alive := f.ensure(ctx, relays, filters, o)
	col := newCollector()

	loops := make([]*pageLoop, len(alive))
	remaining := make([]int, len(alive))
	for i, url := range alive {
		remaining[i] = limit
		l := f.newLoop(url, rng, o, o.SkipVerification || reduced)
		l.next = func() ([]nostr.Filter, int, bool) {
			if remaining[i] <= 0 {
				return nil, 0, false
			}
			return filters, remaining[i], true
		}
		l.accept = func(evt *nostr.Event) {
			remaining[i]--
			col.add(evt)
		}
		loops[i] = l
	}

	pending := loops
	var out []*nostr.Event
	for pass := 1; ; pass++ {
		var wg sync.WaitGroup
		for _, l := range pending {
			wg.Add(1)
			go func(l *pageLoop) {
				defer wg.Done()
				l.run(ctx)
			}(l)
		}
		wg.Wait()

		var rejected int
		out, rejected = col.result(limit, reduced)
		if !reduced || len(out) >= limit || rejected == 0 || ctx.Err() != nil {
			break
		}

		// top up the relays that still have events beyond their quota
		deficit := limit - len(out)
		pending = pending[:0:0]
		for i, l := range loops {
			if l.stats.Status == StatusQuota {
				remaining[i] = deficit
				pending = append(pending, l)
			}
		}
		if len(pending) == 0 {
			break
		}
		log.Debug("Refetching after rejected signatures",
			zap.Int("pass", pass+1), zap.Int("deficit", deficit), zap.Int("relays", len(pending)))
	}

	for _, l := range loops {
		l.report()
	}
	log.Debug("Latest events gathered",
		zap.Int("relays", len(alive)), zap.Int("events", len(out)), zap.Int("limit", limit))
	return out, nil
}
