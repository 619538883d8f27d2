package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
)

// FakeRelay is an in-memory relay served over a real websocket.
type FakeRelay struct {
	URL    string
	server *httptest.Server

	mu     sync.Mutex
	events []*nostr.Event
	reqs   []Req
	closes []string

	// ExclusiveBounds makes since/until exclusive, as some relays do.
	ExclusiveBounds bool
	// MaxLimit caps every filter's limit, like a server-side page size.
	MaxLimit int
	// IgnoreFilters answers every REQ with all stored events.
	IgnoreFilters bool
	// Silent relays accept REQs and never answer.
	Silent bool
	// NoticeOnReq, when set, is sent instead of answering a REQ.
	NoticeOnReq string
	// ClosedOnReq, when set, answers a REQ with CLOSED.
	ClosedOnReq string
	// EventDelay is slept before each EVENT frame.
	EventDelay time.Duration
	// Info is served to NIP-11 requests.
	Info *nip11.RelayInformationDocument

	Connections atomic.Int32
	upgrader    websocket.Upgrader
}

// Req is one REQ as received by the fake relay.
type Req struct {
	SubID   string
	Filters []nostr.Filter
}

// NewFakeRelay starts a relay holding events. It is shut down with t.Cleanup.
func NewFakeRelay(t testing.TB, events ...*nostr.Event) *FakeRelay {
	t.Helper()
	r := &FakeRelay{
		events:   append([]*nostr.Event(nil), events...),
		MaxLimit: 500,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	r.server = httptest.NewServer(http.HandlerFunc(r.serve))
	r.URL = "ws" + strings.TrimPrefix(r.server.URL, "http")
	t.Cleanup(r.Close)
	return r
}

// HTTPURL is the plain http address of the relay.
func (r *FakeRelay) HTTPURL() string { return r.server.URL }

// Close stops the server and drops every client.
func (r *FakeRelay) Close() {
	r.server.CloseClientConnections()
	r.server.Close()
}

// DropClients closes every open websocket without stopping the server.
func (r *FakeRelay) DropClients() { r.server.CloseClientConnections() }

// Configure runs fn with the relay's lock held so settings change safely
// while clients are connected.
func (r *FakeRelay) Configure(fn func(r *FakeRelay)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

// Add stores more events.
func (r *FakeRelay) Add(events ...*nostr.Event) {
	r.mu.Lock()
	r.events = append(r.events, events...)
	r.mu.Unlock()
}

// Reqs returns every REQ received so far.
func (r *FakeRelay) Reqs() []Req {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Req(nil), r.reqs...)
}

// Closes returns the subscription ids of every CLOSE received so far.
func (r *FakeRelay) Closes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.closes...)
}

func (r *FakeRelay) serve(w http.ResponseWriter, req *http.Request) {
	if req.Header.Get("Accept") == "application/nostr+json" {
		r.mu.Lock()
		info := r.Info
		r.mu.Unlock()
		if info == nil {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", "application/nostr+json")
		_ = json.NewEncoder(w).Encode(info)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.Connections.Add(1)
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(v any) bool {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v) == nil
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var parts []json.RawMessage
		if json.Unmarshal(data, &parts) != nil || len(parts) < 2 {
			continue
		}
		var label, subID string
		_ = json.Unmarshal(parts[0], &label)
		_ = json.Unmarshal(parts[1], &subID)

		switch label {
		case "CLOSE":
			r.mu.Lock()
			r.closes = append(r.closes, subID)
			r.mu.Unlock()
		case "REQ":
			filters := make([]nostr.Filter, 0, len(parts)-2)
			for _, raw := range parts[2:] {
				var f nostr.Filter
				if json.Unmarshal(raw, &f) == nil {
					filters = append(filters, f)
				}
			}
			r.mu.Lock()
			r.reqs = append(r.reqs, Req{SubID: subID, Filters: filters})
			silent, notice, closed, delay := r.Silent, r.NoticeOnReq, r.ClosedOnReq, r.EventDelay
			r.mu.Unlock()

			switch {
			case silent:
				continue
			case notice != "":
				send([]any{"NOTICE", notice})
				continue
			case closed != "":
				send([]any{"CLOSED", subID, closed})
				continue
			}

			go func(subID string, filters []nostr.Filter) {
				for _, evt := range r.query(filters) {
					if delay > 0 {
						time.Sleep(delay)
					}
					if !send([]any{"EVENT", subID, evt}) {
						return
					}
				}
				send([]any{"EOSE", subID})
			}(subID, filters)
		}
	}
}

func (r *FakeRelay) query(filters []nostr.Filter) []*nostr.Event {
	r.mu.Lock()
	all := append([]*nostr.Event(nil), r.events...)
	exclusive, maxLimit, ignore := r.ExclusiveBounds, r.MaxLimit, r.IgnoreFilters
	r.mu.Unlock()

	if ignore {
		filters = []nostr.Filter{{}}
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt > all[j].CreatedAt })

	seen := make(map[string]bool)
	var out []*nostr.Event
	for _, f := range filters {
		limit := maxLimit
		if f.Limit > 0 && f.Limit < limit {
			limit = f.Limit
		}
		n := 0
		for _, evt := range all {
			if n >= limit {
				break
			}
			if !fakeMatch(evt, f, exclusive) {
				continue
			}
			n++
			if !seen[evt.ID] {
				seen[evt.ID] = true
				out = append(out, evt)
			}
		}
	}
	return out
}

func fakeMatch(evt *nostr.Event, f nostr.Filter, exclusive bool) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, evt.ID) {
		return false
	}
	if len(f.Authors) > 0 && !slices.Contains(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, evt.Kind) {
		return false
	}
	if f.Since != nil {
		if evt.CreatedAt < *f.Since || (exclusive && evt.CreatedAt == *f.Since) {
			return false
		}
	}
	if f.Until != nil {
		if evt.CreatedAt > *f.Until || (exclusive && evt.CreatedAt == *f.Until) {
			return false
		}
	}
	for name, values := range f.Tags {
		found := false
		for _, tag := range evt.Tags {
			if len(tag) >= 2 && tag[0] == name && slices.Contains(values, tag[1]) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// DeadRelayURL returns a ws URL nothing listens on.
func DeadRelayURL(t testing.TB) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()
	return url
}
