// Package nip11 answers whether a relay advertises a set of NIPs, using
// the relay information document served over HTTP.
package nip11

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/Shugur-Network/relayfetch/internal/logger"
	"github.com/Shugur-Network/relayfetch/internal/metrics"
	"github.com/Shugur-Network/relayfetch/internal/relay"
	gonip11 "github.com/nbd-wtf/go-nostr/nip11"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Prober reports whether a relay supports every NIP in required.
type Prober interface {
	SupportsCapabilities(ctx context.Context, url string, required []int) (bool, error)
}

// FetchFunc retrieves a relay information document.
type FetchFunc func(ctx context.Context, url string) (gonip11.RelayInformationDocument, error)

type entry struct {
	nips    map[int]struct{}
	failed  bool
	expires time.Time
}

// Client probes relays and caches what they advertise.
type Client struct {
	fetch      FetchFunc
	timeout    time.Duration
	ttl        time.Duration
	failureTTL time.Duration
	now        func() time.Time
	log        *zap.Logger

	mu    sync.Mutex
	cache map[string]entry
	group singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each HTTP probe.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// WithCacheTTL sets how long a successful answer is reused.
func WithCacheTTL(d time.Duration) Option { return func(c *Client) { c.ttl = d } }

// WithFailureTTL sets how long a failed probe counts as "unsupported".
func WithFailureTTL(d time.Duration) Option { return func(c *Client) { c.failureTTL = d } }

// WithFetchFunc replaces the HTTP fetch.
func WithFetchFunc(fn FetchFunc) Option { return func(c *Client) { c.fetch = fn } }

// NewClient creates a prober with a 4s probe timeout, a 1h cache and a
// 5m failure cache.
func NewClient(opts ...Option) *Client {
	c := &Client{
		fetch:      gonip11.Fetch,
		timeout:    4 * time.Second,
		ttl:        time.Hour,
		failureTTL: 5 * time.Minute,
		now:        time.Now,
		log:        logger.New("nip11"),
		cache:      make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SupportsCapabilities returns true when the relay's information document
// lists every NIP in required. A relay that cannot be probed is reported
// as unsupported; the probe error is returned alongside on the call that
// performed the probe.
func (c *Client) SupportsCapabilities(ctx context.Context, url string, required []int) (bool, error) {
	if len(required) == 0 {
		return true, nil
	}
	normalized, err := relay.NormalizeURL(url)
	if err != nil {
		return false, err
	}

	if e, ok := c.cached(normalized); ok {
		metrics.CapabilityProbes.WithLabelValues("cached").Inc()
		return !e.failed && hasAll(e.nips, required), nil
	}

	ch := c.group.DoChan(normalized, func() (any, error) {
		return c.probe(context.WithoutCancel(ctx), normalized)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return hasAll(res.Val.(entry).nips, required), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *Client) cached(url string) (entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[url]
	if !ok || c.now().After(e.expires) {
		return entry{}, false
	}
	return e, true
}

func (c *Client) probe(ctx context.Context, url string) (entry, error) {
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	doc, err := c.fetch(probeCtx, url)
	if err != nil {
		metrics.CapabilityProbes.WithLabelValues("error").Inc()
		c.log.Debug("Capability probe failed", zap.String("relay", url), zap.Error(err))
		c.store(url, entry{failed: true, expires: c.now().Add(c.failureTTL)})
		return entry{}, err
	}

	metrics.CapabilityProbes.WithLabelValues("ok").Inc()
	e := entry{nips: ParseSupportedNIPs(doc.SupportedNIPs), expires: c.now().Add(c.ttl)}
	c.store(url, e)
	return e, nil
}

func (c *Client) store(url string, e entry) {
	c.mu.Lock()
	c.cache[url] = e
	c.mu.Unlock()
}

// ParseSupportedNIPs reads supported_nips entries written as numbers or as
// numeric strings. Anything else is skipped.
func ParseSupportedNIPs(values []any) map[int]struct{} {
	out := make(map[int]struct{}, len(values))
	for _, v := range values {
		switch n := v.(type) {
		case float64:
			out[int(n)] = struct{}{}
		case int:
			out[n] = struct{}{}
		case json.Number:
			if i, err := n.Int64(); err == nil {
				out[int(i)] = struct{}{}
			}
		case string:
			if i, err := strconv.Atoi(n); err == nil {
				out[i] = struct{}{}
			}
		}
	}
	return out
}

func hasAll(nips map[int]struct{}, required []int) bool {
	for _, n := range required {
		if _, ok := nips[n]; !ok {
			return false
		}
	}
	return true
}
