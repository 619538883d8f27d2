package fetcher

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/Shugur-Network/relayfetch/internal/testutil"
	nostr "github.com/nbd-wtf/go-nostr"
)

func TestFetchLatestEventsHonorsQuotaAndOrder(t *testing.T) {
	s := testutil.NewSigner(t)
	a := testutil.NewFakeRelay(t, series(t, s, 1, 20)...)
	b := testutil.NewFakeRelay(t, series(t, s, 15, 40)...)
	f := newTestFetcher(t)

	got, err := f.FetchLatestEvents(context.Background(), []string{a.URL, b.URL}, []nostr.Filter{{Kinds: []int{1}}}, 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d events, want 5", len(got))
	}
	for i, e := range got {
		if want := nostr.Timestamp(40 - i); e.CreatedAt != want {
			t.Fatalf("result %d has created_at %d, want %d", i, e.CreatedAt, want)
		}
	}
	for _, req := range append(a.Reqs(), b.Reqs()...) {
		if req.Filters[0].Limit > 5 {
			t.Fatalf("relay asked for %d events with a quota of 5", req.Filters[0].Limit)
		}
	}
}

func TestFetchLatestEventsRespectsFilterRange(t *testing.T) {
	s := testutil.NewSigner(t)
	fr := testutil.NewFakeRelay(t, series(t, s, 1, 50)...)
	fr.ExclusiveBounds = true
	f := newTestFetcher(t)

	until := nostr.Timestamp(30)
	got, err := f.FetchLatestEvents(context.Background(), []string{fr.URL}, []nostr.Filter{{Kinds: []int{1}, Until: &until}}, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].CreatedAt != 30 || got[2].CreatedAt != 28 {
		t.Fatalf("unexpected window: %v", createdAts(got))
	}
}

func TestReducedVerificationPromotesNextValidEvent(t *testing.T) {
	s := testutil.NewSigner(t)
	older := s.Event(t, 1, 100, "valid")
	forged := testutil.Corrupt(s.Event(t, 1, 200, "forged"))
	fr := testutil.NewFakeRelay(t, older, forged)
	f := newTestFetcher(t)
	filters := []nostr.Filter{{Kinds: []int{1}}}

	for _, reduce := range []bool{true, false} {
		got, err := f.FetchLatestEvents(context.Background(), []string{fr.URL}, filters, 1, &Options{ReduceVerification: reduce})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].ID != older.ID {
			t.Fatalf("reduce=%v: got %v, want the older valid event", reduce, createdAts(got))
		}
	}
}

func TestFetchLastEvent(t *testing.T) {
	s := testutil.NewSigner(t)
	a := testutil.NewFakeRelay(t, series(t, s, 1, 10)...)
	b := testutil.NewFakeRelay(t, s.Event(t, 1, 99, "newest"))
	empty := testutil.NewFakeRelay(t)
	f := newTestFetcher(t, WithLastEventAbortTimeout(300*time.Millisecond))
	filters := []nostr.Filter{{Kinds: []int{1}}}

	evt, err := f.FetchLastEvent(context.Background(), []string{a.URL, b.URL}, filters, nil)
	if err != nil || evt == nil || evt.CreatedAt != 99 {
		t.Fatalf("got %v, %v", evt, err)
	}

	evt, err = f.FetchLastEvent(context.Background(), []string{empty.URL}, filters, nil)
	if err != nil || evt != nil {
		t.Fatalf("empty relay: got %v, %v", evt, err)
	}

	silent := testutil.NewFakeRelay(t)
	silent.Silent = true
	start := time.Now()
	if _, err := f.FetchLastEvent(context.Background(), []string{silent.URL}, filters, nil); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("last-event abort timeout not applied")
	}
}

func TestFetchLatestEventsCanceledReturnsPartial(t *testing.T) {
	s := testutil.NewSigner(t)
	fr := testutil.NewFakeRelay(t, series(t, s, 1, 100)...)
	fr.EventDelay = 10 * time.Millisecond
	f := newTestFetcher(t)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	got, err := f.FetchLatestEvents(ctx, []string{fr.URL}, []nostr.Filter{{Kinds: []int{1}}}, 100, nil)
	if err != nil {
		t.Fatalf("cancel must not be an error, got %v", err)
	}
	if len(got) >= 100 {
		t.Fatalf("got %d events from a cancelled call", len(got))
	}
}

func TestFetchLatestEventsPerKey(t *testing.T) {
	alice, bob, carol := testutil.NewSigner(t), testutil.NewSigner(t), testutil.NewSigner(t)

	r1 := testutil.NewFakeRelay(t,
		alice.Event(t, 1, 10, "a10"), alice.Event(t, 1, 11, "a11"), alice.Event(t, 1, 12, "a12"),
		bob.Event(t, 1, 20, "b20"))
	r2 := testutil.NewFakeRelay(t,
		bob.Event(t, 1, 21, "b21"), bob.Event(t, 1, 22, "b22"), bob.Event(t, 1, 5, "b5"))
	dead := testutil.DeadRelayURL(t)

	f := newTestFetcher(t)
	recv, err := f.FetchLatestEventsPerKey(context.Background(), "authors", map[string][]string{
		alice.PubKey: {r1.URL},
		bob.PubKey:   {r1.URL, r2.URL},
		carol.PubKey: {dead},
	}, nostr.Filter{Kinds: []int{1}}, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	results, err := recv.Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d key results, want 3", len(results))
	}

	byKey := make(map[string][]nostr.Timestamp)
	for _, res := range results {
		byKey[res.Key] = createdAts(res.Events)
	}
	assertStamps(t, "alice", byKey[alice.PubKey], 12, 11)
	assertStamps(t, "bob", byKey[bob.PubKey], 22, 21)
	assertStamps(t, "carol", byKey[carol.PubKey])

	for _, req := range r1.Reqs() {
		for _, author := range req.Filters[0].Authors {
			if author == carol.PubKey {
				t.Fatal("key was requested from a relay not assigned to it")
			}
		}
	}
}

func TestPerKeyNarrowsSatisfiedKeys(t *testing.T) {
	alice, bob := testutil.NewSigner(t), testutil.NewSigner(t)
	var events []*nostr.Event
	for at := int64(101); at <= 125; at++ {
		events = append(events, alice.Event(t, 1, at, "a"))
	}
	for at := int64(1); at <= 30; at++ {
		events = append(events, bob.Event(t, 1, at, "b"))
	}
	fr := testutil.NewFakeRelay(t, events...)
	fr.MaxLimit = 10
	f := newTestFetcher(t)

	recv, err := f.FetchLatestEventsPerKey(context.Background(), "authors", map[string][]string{
		alice.PubKey: {fr.URL},
		bob.PubKey:   {fr.URL},
	}, nostr.Filter{}, 20, nil)
	if err != nil {
		t.Fatal(err)
	}
	results, err := recv.Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, res := range results {
		if len(res.Events) != 20 {
			t.Fatalf("key %s got %d events, want 20", res.Key, len(res.Events))
		}
	}

	reqs := fr.Reqs()
	if len(reqs) < 3 {
		t.Fatalf("expected several rounds, got %d", len(reqs))
	}
	first, last := reqs[0].Filters[0], reqs[len(reqs)-1].Filters[0]
	if len(first.Authors) != 2 || first.Limit != 40 {
		t.Fatalf("first round asked %v with limit %d", first.Authors, first.Limit)
	}
	// once alice has 20 events only bob is asked
	if len(last.Authors) != 1 || last.Authors[0] != bob.PubKey {
		t.Fatalf("last round asked %v", last.Authors)
	}
}

func TestPerKeyByTag(t *testing.T) {
	s := testutil.NewSigner(t)
	fr := testutil.NewFakeRelay(t,
		s.Event(t, 1, 10, "x1", nostr.Tag{"t", "x"}),
		s.Event(t, 1, 11, "x2", nostr.Tag{"t", "x"}),
		s.Event(t, 1, 12, "y1", nostr.Tag{"t", "y"}),
		s.Event(t, 1, 13, "xy", nostr.Tag{"t", "x"}, nostr.Tag{"t", "y"}),
	)
	f := newTestFetcher(t)

	recv, err := f.FetchLastEventPerKey(context.Background(), "#t", map[string][]string{
		"x": {fr.URL},
		"y": {fr.URL},
	}, nostr.Filter{Kinds: []int{1}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	results, err := recv.Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	for _, res := range results {
		if len(res.Events) != 1 || res.Events[0].CreatedAt != 13 {
			t.Fatalf("key %s: got %v, want the event tagged with both", res.Key, createdAts(res.Events))
		}
	}
}

func createdAts(events []*nostr.Event) []nostr.Timestamp {
	out := make([]nostr.Timestamp, len(events))
	for i, e := range events {
		out[i] = e.CreatedAt
	}
	return out
}

func assertStamps(t *testing.T, name string, got []nostr.Timestamp, want ...nostr.Timestamp) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: got %v, want %v", name, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("%s: got %v, want %v", name, got, want)
		}
	}
}

func TestPerKeyReducedVerificationSkipsForgedEvents(t *testing.T) {
	alice := testutil.NewSigner(t)
	fr := testutil.NewFakeRelay(t,
		alice.Event(t, 1, 10, "a"),
		alice.Event(t, 1, 11, "b"),
		testutil.Corrupt(alice.Event(t, 1, 12, "forged")),
	)
	f := newTestFetcher(t)
	opts := &Options{ReduceVerification: true}

	latest, err := f.FetchLatestEvents(context.Background(), []string{fr.URL}, []nostr.Filter{{Authors: []string{alice.PubKey}}}, 2, opts)
	if err != nil {
		t.Fatal(err)
	}
	assertStamps(t, "latest", createdAts(latest), 11, 10)

	recv, err := f.FetchLatestEventsPerKey(context.Background(), "authors", map[string][]string{
		alice.PubKey: {fr.URL},
	}, nostr.Filter{}, 2, opts)
	if err != nil {
		t.Fatal(err)
	}
	results, err := recv.Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d key results, want 1", len(results))
	}
	assertStamps(t, "per key", createdAts(results[0].Events), 11, 10)
}

func TestPerKeyForgedCopyDoesNotShadowValidOne(t *testing.T) {
	alice := testutil.NewSigner(t)
	valid := alice.Event(t, 1, 10, "a")
	forged := testutil.NewFakeRelay(t, testutil.Corrupt(valid))
	honest := testutil.NewFakeRelay(t, valid)
	f := newTestFetcher(t)

	recv, err := f.FetchLatestEventsPerKey(context.Background(), "authors", map[string][]string{
		alice.PubKey: {forged.URL, honest.URL},
	}, nostr.Filter{}, 1, &Options{ReduceVerification: true})
	if err != nil {
		t.Fatal(err)
	}
	results, err := recv.Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || len(results[0].Events) != 1 {
		t.Fatalf("unexpected results: %+v", results)
	}
	if got := results[0].Events[0]; got.Sig != valid.Sig {
		t.Fatal("forged copy was kept")
	}
}

func TestPerKeyBackpressurePausesBetweenRounds(t *testing.T) {
	alice, bob, carol := testutil.NewSigner(t), testutil.NewSigner(t), testutil.NewSigner(t)
	var events []*nostr.Event
	for at := int64(1); at <= 30; at++ {
		events = append(events, bob.Event(t, 1, at, "b"))
	}
	fr := testutil.NewFakeRelay(t, events...)
	fr.MaxLimit = 5
	dead := testutil.DeadRelayURL(t)
	f := newTestFetcher(t)

	// alice and carol resolve at once on the dead relay and fill the buffer
	recv, err := f.FetchLatestEventsPerKey(context.Background(), "authors", map[string][]string{
		alice.PubKey: {dead},
		bob.PubKey:   {fr.URL},
		carol.PubKey: {dead},
	}, nostr.Filter{}, 30, &Options{HighWaterMark: 1})
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	if rounds := len(fr.Reqs()); rounds > 2 {
		t.Fatalf("producer ran %d rounds without a consumer", rounds)
	}
	results, err := recv.Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, res := range results {
		if res.Key == bob.PubKey && len(res.Events) != 30 {
			t.Fatalf("bob got %d events, want 30", len(res.Events))
		}
	}
	if len(results) != 3 {
		t.Fatalf("got %d key results, want 3", len(results))
	}
}
