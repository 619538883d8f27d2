package fetcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Shugur-Network/relayfetch/internal/channel"
	"github.com/Shugur-Network/relayfetch/internal/logger"
	"github.com/Shugur-Network/relayfetch/internal/metrics"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// AllEventsIterator fetches every event matching filters inside rng from
// every relay, paginating each relay until it has nothing older to give.
// Results are deduplicated across relays. The receiver always ends with
// io.EOF, also when ctx is canceled; per-relay failures only shorten the
// result. rng narrows the bounds of every filter; each filter keeps its
// own range and pages on its own cursor.
func (f *Fetcher) AllEventsIterator(ctx context.Context, relays []string, filters []nostr.Filter, rng TimeRange, opts *Options) (*channel.Receiver[FetchedEvent], error) {
	recv, _, err := f.allEvents(ctx, relays, filters, rng, opts)
	return recv, err
}

// FetchAllEvents collects AllEventsIterator. With Options.Sort the result
// is newest first. With WithSeenOn each event lists every relay that
// reported it during the call.
func (f *Fetcher) FetchAllEvents(ctx context.Context, relays []string, filters []nostr.Filter, rng TimeRange, opts *Options) ([]FetchedEvent, error) {
	recv, seen, err := f.allEvents(ctx, relays, filters, rng, opts)
	if err != nil {
		return nil, err
	}
	// ctx is not passed on: the producer closes the channel on cancel.
	out, err := recv.Collect(context.Background())
	if err != nil {
		return out, err
	}

	o := f.resolve(opts)
	if o.WithSeenOn && !o.ReportEverySighting {
		for i := range out {
			out[i].SeenOn = seen.seenOn(out[i].ID)
		}
	}
	if o.Sort {
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].CreatedAt != out[j].CreatedAt {
				return out[i].CreatedAt > out[j].CreatedAt
			}
			return out[i].ID < out[j].ID
		})
	}
	return out, nil
}

func (f *Fetcher) allEvents(ctx context.Context, relays []string, filters []nostr.Filter, rng TimeRange, opts *Options) (*channel.Receiver[FetchedEvent], *seenSet, error) {
	fromFilters := rangeOf(filters)
	if rng.Since == nil {
		rng.Since = fromFilters.Since
	}
	if rng.Until == nil {
		rng.Until = fromFilters.Until
	}

	var v violations
	v.relays(relays)
	v.filters(filters)
	v.timeRange(rng)
	if err := v.err(); err != nil {
		return nil, nil, err
	}

	o := f.resolve(opts)
	if o.LimitPerReq > MaxLimitPerReq {
		o.LimitPerReq = MaxLimitPerReq
	}
	ctx, log := f.session(ctx, "all")
	send, recv := channel.New[FetchedEvent](channel.WithHighWaterMark(o.HighWaterMark))
	seen := newSeenSet()

	go func() {
		defer observeDuration("all", time.Now())
		defer send.Close()

		alive := f.ensure(ctx, relays, filters, o)
		log.Debug("Fetching all events", zap.Int("relays", len(alive)), zap.Int("requested", len(relays)))

		var wg sync.WaitGroup
		for _, url := range alive {
			l := f.newLoop(url, rng, o, o.SkipVerification)
			l.next = func() ([]nostr.Filter, int, bool) { return filters, o.LimitPerReq, true }
			l.accept = func(evt *nostr.Event) {
				first, sighting, seenOn := seen.observe(evt.ID, url)
				if !first && !(o.ReportEverySighting && sighting) {
					metrics.DuplicateEvents.Inc()
					return
				}
				out := FetchedEvent{Event: evt}
				if o.WithSeenOn || o.ReportEverySighting {
					out.SeenOn = seenOn
				}
				if first {
					metrics.EventAccepted()
				}
				send.Send(out)
			}
			if o.HighWaterMark > 0 {
				l.afterRound = send.WaitUntilDrained
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				status := l.run(ctx)
				l.report()
				logger.FromContext(ctx).Debug("Relay loop finished",
					zap.String("relay", url),
					zap.String("status", status),
					zap.Int("events", l.stats.Events),
					zap.Int("rounds", l.stats.Rounds))
			}()
		}
		wg.Wait()
	}()
	return recv, seen, nil
}
