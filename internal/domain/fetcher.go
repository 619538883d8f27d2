package domain

import (
	"context"

	"github.com/Shugur-Network/relayfetch/internal/channel"
	"github.com/Shugur-Network/relayfetch/internal/fetcher"
	nostr "github.com/nbd-wtf/go-nostr"
)

// Fetcher is the part of the fetch engine driven by the HTTP API and the CLI.
type Fetcher interface {
	// Stream every event in a time range from many relays
	AllEventsIterator(ctx context.Context, relays []string, filters []nostr.Filter, rng fetcher.TimeRange, opts *fetcher.Options) (*channel.Receiver[fetcher.FetchedEvent], error)

	// Newest events, bounded
	FetchLatestEvents(ctx context.Context, relays []string, filters []nostr.Filter, limit int, opts *fetcher.Options) ([]*nostr.Event, error)

	// Newest events for each key, each key asked only of its own relays
	FetchLatestEventsPerKey(ctx context.Context, keyName string, keysToRelays map[string][]string, otherFilter nostr.Filter, limit int, opts *fetcher.Options) (*channel.Receiver[fetcher.KeyResult], error)
}
