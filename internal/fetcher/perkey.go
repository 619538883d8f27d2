package fetcher

import (
	"context"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Shugur-Network/relayfetch/internal/channel"
	"github.com/Shugur-Network/relayfetch/internal/event"
	"github.com/Shugur-Network/relayfetch/internal/metrics"
	"github.com/Shugur-Network/relayfetch/internal/relay"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// keySpec is the filter field a per-key fetch groups by.
type keySpec struct {
	name string
	tag  string // set for "#x"
}

func parseKeyName(name string) (keySpec, bool) {
	switch {
	case name == "authors", name == "kinds":
		return keySpec{name: name}, true
	case len(name) == 2 && name[0] == '#':
		return keySpec{name: name, tag: name[1:]}, true
	}
	return keySpec{}, false
}

// canonical is the form a key takes inside events.
func (ks keySpec) canonical(key string) (string, bool) {
	switch ks.name {
	case "kinds":
		n, err := strconv.Atoi(key)
		if err != nil || n < 0 || n > 65535 {
			return "", false
		}
		return strconv.Itoa(n), true
	case "authors":
		return key, nostr.IsValid32ByteHex(key)
	}
	return key, key != ""
}

// narrow returns base restricted to keys.
func (ks keySpec) narrow(base nostr.Filter, keys []string) nostr.Filter {
	switch ks.name {
	case "authors":
		base.Authors = keys
	case "kinds":
		kinds := make([]int, 0, len(keys))
		for _, k := range keys {
			n, _ := strconv.Atoi(k)
			kinds = append(kinds, n)
		}
		base.Kinds = kinds
	default:
		tags := make(nostr.TagMap, len(base.Tags)+1)
		for name, values := range base.Tags {
			tags[name] = values
		}
		tags[ks.tag] = keys
		base.Tags = tags
	}
	return base
}

// keysOf lists the keys evt belongs to.
func (ks keySpec) keysOf(evt *nostr.Event) []string {
	switch ks.name {
	case "authors":
		return []string{evt.PubKey}
	case "kinds":
		return []string{strconv.Itoa(evt.Kind)}
	}
	var out []string
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == ks.tag {
			out = append(out, tag[1])
		}
	}
	return out
}

// FetchLatestEventsPerKey returns, for each key, the limit newest events
// matching otherFilter narrowed to that key, asking only the relays listed
// for that key. keyName is "authors", "kinds" or "#<letter>". One
// KeyResult is emitted per key as soon as every relay serving it is done;
// the receiver then ends with io.EOF, also when ctx is canceled. With
// Options.HighWaterMark, relay loops pause between rounds while more key
// results than that wait unread.
func (f *Fetcher) FetchLatestEventsPerKey(ctx context.Context, keyName string, keysToRelays map[string][]string, otherFilter nostr.Filter, limit int, opts *Options) (*channel.Receiver[KeyResult], error) {
	ks, ok := parseKeyName(keyName)

	var v violations
	if !ok {
		v.add("unsupported key name %q (want authors, kinds or #<letter>)", keyName)
	}
	if len(keysToRelays) == 0 {
		v.add("key list is empty")
	}
	v.limit(limit)
	rng := rangeOf([]nostr.Filter{otherFilter})
	v.timeRange(rng)

	originals := make([]string, 0, len(keysToRelays))
	for key := range keysToRelays {
		originals = append(originals, key)
	}
	sort.Strings(originals)

	plan := &keyPlan{selector: ks}
	relayIdx := make(map[string]int)
	keyIdx := make(map[string]int)
	for _, key := range originals {
		canon, valid := key, true
		if ok {
			canon, valid = ks.canonical(key)
		}
		if !valid {
			v.add("key %q is not a valid %s value", key, keyName)
			continue
		}
		urls, _ := relay.NormalizeURLs(keysToRelays[key])
		if len(urls) == 0 {
			v.add("key %q has no relays", key)
			continue
		}
		k, dup := keyIdx[canon]
		if !dup {
			k = len(plan.keys)
			keyIdx[canon] = k
			plan.keys = append(plan.keys, canon)
			plan.originals = append(plan.originals, key)
		}
		for _, url := range urls {
			r, seen := relayIdx[url]
			if !seen {
				r = len(plan.relays)
				relayIdx[url] = r
				plan.relays = append(plan.relays, url)
			}
			plan.pairs = append(plan.pairs, [2]int{k, r})
		}
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	o := f.resolve(opts)
	ctx, log := f.session(ctx, "per_key")
	send, recv := channel.New[KeyResult](channel.WithHighWaterMark(o.HighWaterMark))

	go func() {
		defer observeDuration("per_key", time.Now())
		defer send.Close()

		alive := f.ensure(ctx, plan.relays, []nostr.Filter{otherFilter}, o)
		reduced := o.ReduceVerification && !o.SkipVerification
		coord := newCoordinator(plan, limit, reduced)

		var mergers sync.WaitGroup
		for k := range plan.keys {
			mergers.Add(1)
			go func(k int) {
				defer mergers.Done()
				bucket := <-coord.ready[k]
				send.Send(KeyResult{Key: plan.originals[k], Events: mergeBucket(bucket, limit)})
			}(k)
		}

		isAlive := make(map[string]bool, len(alive))
		for _, url := range alive {
			isAlive[url] = true
		}
		for r, url := range plan.relays {
			if !isAlive[url] {
				coord.resolveRelay(r)
			}
		}
		go coord.run()

		var loops sync.WaitGroup
		for r, url := range plan.relays {
			if !isAlive[url] {
				continue
			}
			var batch []*nostr.Event
			l := f.newLoop(url, rng, o, o.SkipVerification || reduced)
			l.next = func() ([]nostr.Filter, int, bool) {
				caps := coord.remaining(r)
				if len(caps) == 0 {
					return nil, 0, false
				}
				keys := make([]string, len(caps))
				total := 0
				for i, c := range caps {
					keys[i] = plan.keys[c.key]
					total += c.capacity
				}
				return []nostr.Filter{ks.narrow(otherFilter, keys)}, total, true
			}
			l.accept = func(evt *nostr.Event) { batch = append(batch, evt) }
			l.afterRound = func(context.Context) error {
				if len(batch) > 0 {
					coord.add(r, batch)
					batch = nil
				}
				return send.WaitUntilDrained(ctx)
			}

			loops.Add(1)
			go func() {
				defer loops.Done()
				status := l.run(ctx)
				coord.finish(r)
				l.report()
				log.Debug("Relay loop finished",
					zap.String("relay", url),
					zap.String("status", status),
					zap.Int("events", l.stats.Events),
					zap.Int("rounds", l.stats.Rounds))
			}()
		}
		loops.Wait()
		coord.stop()
		mergers.Wait()
	}()
	return recv, nil
}

// FetchLastEventPerKey is FetchLatestEventsPerKey with limit 1 and the
// short inactivity abort of FetchLastEvent.
func (f *Fetcher) FetchLastEventPerKey(ctx context.Context, keyName string, keysToRelays map[string][]string, otherFilter nostr.Filter, opts *Options) (*channel.Receiver[KeyResult], error) {
	o := f.lastEventOptions(opts)
	return f.FetchLatestEventsPerKey(ctx, keyName, keysToRelays, otherFilter, 1, &o)
}

// mergeBucket orders a key's events newest first and keeps limit of them.
func mergeBucket(bucket []*nostr.Event, limit int) []*nostr.Event {
	event.SortDescending(bucket)
	return bucket[:min(limit, len(bucket))]
}

/* ------------------------------------------------------------------ *
|  Coordinator                                                        |
* -------------------------------------------------------------------*/

// keyPlan is fixed before any I/O: keys and relays are indexed once and
// every (key, relay) pair that will be asked is listed.
type keyPlan struct {
	selector  keySpec
	keys      []string // canonical
	originals []string
	relays    []string
	pairs     [][2]int
}

type latch struct {
	key, relay int
	delivered  int
	resolved   bool
}

type keyCap struct {
	key      int
	capacity int
}

type coordOp int

const (
	opRemaining coordOp = iota
	opAdd
	opFinish
)

type coordMsg struct {
	op     coordOp
	relay  int
	events []*nostr.Event
	reply  chan []keyCap
}

// coordinator owns every bucket and latch of a per-key fetch. Relay loops
// talk to it only through messages.
//
// With verify set, signatures skipped in transit are checked here, once
// per new id, so a forged copy neither fills a latch nor shadows a valid
// copy of the same id from another relay.
type coordinator struct {
	plan   *keyPlan
	limit  int
	verify bool
	msgs   chan coordMsg
	done   chan struct{}

	// pairIdx[k*R+r] is the latch of key k on relay r, or -1.
	pairIdx []int
	latches []latch
	byKey   [][]int
	byRelay [][]int
	keyIdx  map[string]int

	buckets [][]*nostr.Event
	ids     []map[string]struct{}
	pending []int
	ready   []chan []*nostr.Event
}

func newCoordinator(plan *keyPlan, limit int, verify bool) *coordinator {
	K, R := len(plan.keys), len(plan.relays)
	c := &coordinator{
		plan:    plan,
		limit:   limit,
		verify:  verify,
		msgs:    make(chan coordMsg),
		done:    make(chan struct{}),
		pairIdx: make([]int, K*R),
		latches: make([]latch, 0, len(plan.pairs)),
		byKey:   make([][]int, K),
		byRelay: make([][]int, R),
		keyIdx:  make(map[string]int, K),
		buckets: make([][]*nostr.Event, K),
		ids:     make([]map[string]struct{}, K),
		pending: make([]int, K),
		ready:   make([]chan []*nostr.Event, K),
	}
	for i := range c.pairIdx {
		c.pairIdx[i] = -1
	}
	for k, key := range plan.keys {
		c.keyIdx[key] = k
		c.ids[k] = make(map[string]struct{})
		c.ready[k] = make(chan []*nostr.Event, 1)
	}
	for _, p := range plan.pairs {
		k, r := p[0], p[1]
		if c.pairIdx[k*R+r] >= 0 {
			continue
		}
		li := len(c.latches)
		c.latches = append(c.latches, latch{key: k, relay: r})
		c.pairIdx[k*R+r] = li
		c.byKey[k] = append(c.byKey[k], li)
		c.byRelay[r] = append(c.byRelay[r], li)
		c.pending[k]++
	}
	return c
}

func (c *coordinator) run() {
	defer close(c.done)
	for msg := range c.msgs {
		switch msg.op {
		case opRemaining:
			msg.reply <- c.capacities(msg.relay)
		case opAdd:
			c.addEvents(msg.relay, msg.events)
			msg.reply <- nil
		case opFinish:
			c.resolveRelay(msg.relay)
			msg.reply <- nil
		}
	}
}

func (c *coordinator) call(msg coordMsg) []keyCap {
	msg.reply = make(chan []keyCap, 1)
	c.msgs <- msg
	return <-msg.reply
}

func (c *coordinator) remaining(r int) []keyCap { return c.call(coordMsg{op: opRemaining, relay: r}) }

func (c *coordinator) add(r int, events []*nostr.Event) {
	c.call(coordMsg{op: opAdd, relay: r, events: events})
}

func (c *coordinator) finish(r int) { c.call(coordMsg{op: opFinish, relay: r}) }

func (c *coordinator) stop() {
	close(c.msgs)
	<-c.done
}

func (c *coordinator) capacities(r int) []keyCap {
	var out []keyCap
	for _, li := range c.byRelay[r] {
		l := c.latches[li]
		if l.resolved {
			continue
		}
		out = append(out, keyCap{key: l.key, capacity: c.limit - l.delivered})
	}
	return out
}

func (c *coordinator) addEvents(r int, events []*nostr.Event) {
	R := len(c.plan.relays)
	for _, evt := range events {
		// 0 unchecked, 1 valid, -1 forged
		verdict := 0
		for _, key := range c.plan.selector.keysOf(evt) {
			k, ok := c.keyIdx[key]
			if !ok {
				continue
			}
			li := c.pairIdx[k*R+r]
			if li < 0 || c.latches[li].resolved {
				continue
			}
			if _, dup := c.ids[k][evt.ID]; dup {
				metrics.DuplicateEvents.Inc()
			} else {
				if c.verify && verdict == 0 {
					verdict = 1
					if event.VerifySignature(evt) != nil {
						verdict = -1
						metrics.EventsRejected.WithLabelValues(metrics.RejectSignature).Inc()
					}
				}
				if verdict < 0 {
					continue
				}
				c.ids[k][evt.ID] = struct{}{}
				c.buckets[k] = append(c.buckets[k], evt)
				metrics.EventAccepted()
			}
			l := &c.latches[li]
			l.delivered++
			if l.delivered >= c.limit {
				c.resolve(li)
			}
		}
	}
}

// resolveRelay releases every latch r still holds.
func (c *coordinator) resolveRelay(r int) {
	for _, li := range c.byRelay[r] {
		c.resolve(li)
	}
}

func (c *coordinator) resolve(li int) {
	l := &c.latches[li]
	if l.resolved {
		return
	}
	l.resolved = true
	k := l.key
	c.pending[k]--
	if c.pending[k] == 0 {
		c.ready[k] <- slices.Clone(c.buckets[k])
	}
}
