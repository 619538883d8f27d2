package fetcher

import (
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
)

// MaxLimitPerReq is the largest per-round limit ever sent to a relay.
const MaxLimitPerReq = 5000

// Options tune one fetch call. A nil *Options means the fetcher defaults.
// In a non-nil value, zero durations and limits fall back to the defaults
// while booleans are taken as given.
type Options struct {
	SkipVerification   bool
	SkipFilterMatching bool
	ConnectTimeout     time.Duration
	// AbortSubBeforeEoseTimeout aborts a subscription after this much
	// inactivity before EOSE.
	AbortSubBeforeEoseTimeout time.Duration
	LimitPerReq               int
	// HighWaterMark makes relay loops wait for the consumer between rounds
	// once this many results are buffered.
	HighWaterMark int
	WithSeenOn    bool
	// ReportEverySighting emits an event once per relay that reports it.
	ReportEverySighting bool
	// ReduceVerification defers signature checks until after the bounded
	// result is sorted. Only bounded fetches honor it.
	ReduceVerification bool
	// Sort orders FetchAllEvents results newest first.
	Sort bool
	// SubscriptionID names the FetchTillEose subscription.
	SubscriptionID string
	// StatsListener is called once per relay when its loop ends.
	StatsListener func(RelayStats)
}

// DefaultOptions are used when the fetcher is built without WithDefaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:            5 * time.Second,
		AbortSubBeforeEoseTimeout: 10 * time.Second,
		LimitPerReq:               MaxLimitPerReq,
	}
}

func (f *Fetcher) resolve(opts *Options) Options {
	if opts == nil {
		return f.defaults
	}
	o := *opts
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = f.defaults.ConnectTimeout
	}
	if o.AbortSubBeforeEoseTimeout <= 0 {
		o.AbortSubBeforeEoseTimeout = f.defaults.AbortSubBeforeEoseTimeout
	}
	if o.LimitPerReq <= 0 {
		o.LimitPerReq = f.defaults.LimitPerReq
	}
	if o.HighWaterMark <= 0 {
		o.HighWaterMark = f.defaults.HighWaterMark
	}
	if o.StatsListener == nil {
		o.StatsListener = f.defaults.StatsListener
	}
	return o
}

// TimeRange bounds an unbounded fetch. Both ends are inclusive.
type TimeRange struct {
	Since *nostr.Timestamp
	Until *nostr.Timestamp
}

// FetchedEvent is one result of AllEventsIterator.
type FetchedEvent struct {
	*nostr.Event
	// SeenOn lists the relays that had reported the event when it was
	// emitted. Set only with WithSeenOn or ReportEverySighting.
	SeenOn []string `json:"seen_on,omitempty"`
}

// KeyResult is the final answer for one key of a per-key fetch.
type KeyResult struct {
	Key    string         `json:"key"`
	Events []*nostr.Event `json:"events"`
}

// Relay loop end states reported to StatsListener.
const (
	StatusExhausted = "exhausted"
	StatusFailed    = "failed"
	StatusAborted   = "aborted"
	StatusQuota     = "quota"
	StatusCanceled  = "canceled"
)

// RelayStats summarises one relay's contribution to a call.
type RelayStats struct {
	URL    string `json:"url"`
	Status string `json:"status"`
	Events int    `json:"events"`
	Rounds int    `json:"rounds"`
}
