package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/Shugur-Network/relayfetch/internal/errors"
	"github.com/Shugur-Network/relayfetch/internal/testutil"
	nostr "github.com/nbd-wtf/go-nostr"
)

type outcome struct {
	events  []*nostr.Event
	eose    bool
	aborted bool
	closed  string
	err     error
}

// run drives one subscription to its terminal callback.
func run(t *testing.T, ctx context.Context, c *Connection, filters []nostr.Filter, opts SubOptions) outcome {
	t.Helper()
	var out outcome
	done := make(chan struct{})

	sub := c.PrepareSub(filters, opts)
	defer sub.Close()
	sub.OnEvent(func(e *nostr.Event) { out.events = append(out.events, e) })
	sub.OnEOSE(func(aborted bool) { out.eose, out.aborted = true, aborted; close(done) })
	sub.OnClosed(func(reason string) { out.closed = reason; close(done) })
	sub.OnFailure(func(err error) { out.err = err; close(done) })

	_ = sub.Req(ctx)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("subscription never finished")
	}
	return out
}

func connect(t *testing.T, url string) *Connection {
	t.Helper()
	c, err := Connect(context.Background(), url, Options{ConnectTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestSubscriptionDropsForgedEvents(t *testing.T) {
	s := testutil.NewSigner(t)
	good := s.Event(t, 1, 100, "good")
	forged := testutil.Corrupt(s.Event(t, 1, 101, "forged"))
	other := s.Event(t, 2, 102, "kind 2")

	fr := testutil.NewFakeRelay(t, good, forged, other)
	c := connect(t, fr.URL)

	out := run(t, context.Background(), c, []nostr.Filter{{Authors: []string{s.PubKey}}}, SubOptions{AbortTimeout: time.Second})
	if !out.eose || out.aborted {
		t.Fatalf("expected clean EOSE, got %+v", out)
	}
	if len(out.events) != 2 {
		t.Fatalf("got %d events, want 2 (forged dropped)", len(out.events))
	}
	for _, e := range out.events {
		if e.ID == forged.ID {
			t.Fatal("forged event delivered")
		}
	}

	out = run(t, context.Background(), c, []nostr.Filter{{Authors: []string{s.PubKey}}}, SubOptions{SkipVerification: true, AbortTimeout: time.Second})
	if len(out.events) != 3 {
		t.Fatalf("SkipVerification: got %d events, want 3", len(out.events))
	}
}

func TestSubscriptionFilterMatching(t *testing.T) {
	s := testutil.NewSigner(t)
	fr := testutil.NewFakeRelay(t, s.Event(t, 1, 100, "a"), s.Event(t, 2, 101, "b"))
	fr.Configure(func(r *testutil.FakeRelay) { r.IgnoreFilters = true })
	c := connect(t, fr.URL)

	filters := []nostr.Filter{{Kinds: []int{1}}}
	out := run(t, context.Background(), c, filters, SubOptions{AbortTimeout: time.Second})
	if len(out.events) != 1 || out.events[0].Kind != 1 {
		t.Fatalf("got %d events, want only the kind 1 event", len(out.events))
	}

	out = run(t, context.Background(), c, filters, SubOptions{SkipFilterMatching: true, AbortTimeout: time.Second})
	if len(out.events) != 2 {
		t.Fatalf("SkipFilterMatching: got %d events, want 2", len(out.events))
	}
}

func TestSubscriptionAbortsOnInactivity(t *testing.T) {
	fr := testutil.NewFakeRelay(t)
	fr.Silent = true
	c := connect(t, fr.URL)

	start := time.Now()
	out := run(t, context.Background(), c, []nostr.Filter{{Kinds: []int{1}}}, SubOptions{AbortTimeout: 100 * time.Millisecond})
	if !out.eose || !out.aborted {
		t.Fatalf("expected aborted EOSE, got %+v", out)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("abort took too long")
	}
}

func TestSubscriptionAbortsOnContext(t *testing.T) {
	fr := testutil.NewFakeRelay(t)
	fr.Silent = true
	c := connect(t, fr.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out := run(t, ctx, c, []nostr.Filter{{Kinds: []int{1}}}, SubOptions{})
	if !out.aborted {
		t.Fatalf("expected aborted, got %+v", out)
	}
}

func TestSubscriptionClosedByRelay(t *testing.T) {
	fr := testutil.NewFakeRelay(t)
	fr.ClosedOnReq = "auth-required: sign in first"
	c := connect(t, fr.URL)

	out := run(t, context.Background(), c, []nostr.Filter{{Kinds: []int{1}}}, SubOptions{AbortTimeout: time.Second})
	if out.closed != "auth-required: sign in first" {
		t.Fatalf("got %+v", out)
	}
}

func TestRelevantNoticeFailsSubscription(t *testing.T) {
	fr := testutil.NewFakeRelay(t)
	fr.NoticeOnReq = "ERROR: too many concurrent REQs"
	c := connect(t, fr.URL)

	var notices []string
	remove := c.OnNotice(func(msg string) { notices = append(notices, msg) })
	defer remove()

	out := run(t, context.Background(), c, []nostr.Filter{{Kinds: []int{1}}}, SubOptions{AbortTimeout: time.Second})
	if !errors.Is(out.err, apperrors.ErrRelayNotice) {
		t.Fatalf("got %+v, want notice failure", out)
	}
	if len(notices) != 1 {
		t.Fatalf("notice listener saw %v", notices)
	}
}

func TestBenignNoticeIsIgnored(t *testing.T) {
	fr := testutil.NewFakeRelay(t)
	fr.NoticeOnReq = "welcome!"
	c := connect(t, fr.URL)

	out := run(t, context.Background(), c, []nostr.Filter{{Kinds: []int{1}}}, SubOptions{AbortTimeout: 150 * time.Millisecond})
	if out.err != nil || !out.aborted {
		t.Fatalf("benign notice should leave the subscription to time out, got %+v", out)
	}
}

func TestDisconnectFailsSubscriptionsAndNotifies(t *testing.T) {
	fr := testutil.NewFakeRelay(t)
	fr.Silent = true
	c := connect(t, fr.URL)

	disconnected := make(chan error, 1)
	c.OnDisconnect(func(err error) { disconnected <- err })

	go func() {
		time.Sleep(50 * time.Millisecond)
		fr.DropClients()
	}()
	out := run(t, context.Background(), c, []nostr.Filter{{Kinds: []int{1}}}, SubOptions{AbortTimeout: 5 * time.Second})
	if !errors.Is(out.err, apperrors.ErrRelayDisconnected) {
		t.Fatalf("got %+v, want disconnect failure", out)
	}
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect listener not called")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state = %v", c.State())
	}
}

func TestCloseIsIdempotentAndSendsClose(t *testing.T) {
	fr := testutil.NewFakeRelay(t)
	fr.Silent = true
	c := connect(t, fr.URL)

	sub := c.PrepareSub([]nostr.Filter{{Kinds: []int{1}}}, SubOptions{ID: "mine"})
	if err := sub.Req(context.Background()); err != nil {
		t.Fatal(err)
	}
	sub.Close()
	sub.Close()

	deadline := time.Now().Add(2 * time.Second)
	for len(fr.Closes()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if closes := fr.Closes(); len(closes) != 1 || closes[0] != "mine" {
		t.Fatalf("closes = %v", closes)
	}
	if c.ActiveSubscriptions() != 0 {
		t.Fatal("subscription still registered")
	}

	// closing after the connection dropped must not panic or block
	late := c.PrepareSub([]nostr.Filter{{Kinds: []int{1}}}, SubOptions{})
	c.Close()
	late.Close()
}

func TestConnectFailure(t *testing.T) {
	_, err := Connect(context.Background(), testutil.DeadRelayURL(t), Options{ConnectTimeout: time.Second})
	if !errors.Is(err, apperrors.ErrRelayConnect) {
		t.Fatalf("got %v, want ErrRelayConnect", err)
	}
}

func TestReqOnClosedConnectionFails(t *testing.T) {
	fr := testutil.NewFakeRelay(t)
	c := connect(t, fr.URL)
	c.Close()

	out := run(t, context.Background(), c, []nostr.Filter{{Kinds: []int{1}}}, SubOptions{})
	if !errors.Is(out.err, apperrors.ErrRelayDisconnected) {
		t.Fatalf("got %+v", out)
	}
}
