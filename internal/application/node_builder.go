package application

import (
	"context"
	"fmt"
	"time"

	"github.com/Shugur-Network/relayfetch/internal/config"
	"github.com/Shugur-Network/relayfetch/internal/fetcher"
	"github.com/Shugur-Network/relayfetch/internal/health"
	"github.com/Shugur-Network/relayfetch/internal/limiter"
	"github.com/Shugur-Network/relayfetch/internal/logger"
	"github.com/Shugur-Network/relayfetch/internal/nip11"
	"github.com/Shugur-Network/relayfetch/internal/pool"
	"github.com/Shugur-Network/relayfetch/internal/relay"
	"github.com/Shugur-Network/relayfetch/internal/web"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// NodeBuilder is used to incrementally construct a Node instance.
type NodeBuilder struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config

	pool    *pool.Pool
	prober  nip11.Prober
	fetcher *fetcher.Fetcher
	health  *health.HealthChecker
	server  *web.Server
}

// NewNodeBuilder creates a new NodeBuilder with its own cancelable context.
func NewNodeBuilder(ctx context.Context, cfg *config.Config) *NodeBuilder {
	c, cancel := context.WithCancel(ctx)
	return &NodeBuilder{
		ctx:    c,
		cancel: cancel,
		config: cfg,
	}
}

// BuildPool sets up the relay connection pool with the configured NOTICE
// policy and REQ throttling.
func (b *NodeBuilder) BuildPool() error {
	classifier := relay.DefaultNoticeClassifier()
	if patterns := b.config.Notice.Patterns; len(patterns) > 0 {
		c, err := relay.NewNoticeClassifier(patterns)
		if err != nil {
			b.cancel()
			return fmt.Errorf("notice patterns: %w", err)
		}
		classifier = c
	}

	pc := b.config.Pool
	b.pool = pool.New(
		pool.WithConnectTimeout(b.config.Fetcher.ConnectTimeout),
		pool.WithCooldown(pc.ReconnectCooldown),
		pool.WithNoticeClassifier(classifier),
		pool.WithReqRate(rate.Limit(pc.ReqRate), pc.ReqBurst),
		pool.WithMaxMessageSize(pc.MaxMessageSize),
		pool.WithLogger(logger.New("pool")),
	)
	logger.Debug("Relay pool initialized",
		zap.Duration("cooldown", pc.ReconnectCooldown),
		zap.Float64("req_rate", pc.ReqRate),
		zap.Int("notice_patterns", len(b.config.Notice.Patterns)))
	return nil
}

// BuildProber sets up the NIP-11 capability prober when enabled.
func (b *NodeBuilder) BuildProber() {
	cc := b.config.Capabilities
	if !cc.Enabled {
		logger.Debug("Capability probing disabled, search filters go to every relay")
		return
	}
	b.prober = nip11.NewClient(
		nip11.WithTimeout(cc.ProbeTimeout),
		nip11.WithCacheTTL(cc.CacheTTL),
		nip11.WithFailureTTL(cc.FailureTTL),
	)
}

// BuildFetcher sets up the fetch engine on top of the pool.
func (b *NodeBuilder) BuildFetcher() error {
	if b.pool == nil {
		return fmt.Errorf("pool must be built before the fetcher")
	}
	opts := []fetcher.Option{
		fetcher.WithDefaults(FetcherOptions(b.config.Fetcher)),
		fetcher.WithLastEventAbortTimeout(b.config.Fetcher.LastEventAbortTimeout),
	}
	if b.prober != nil {
		opts = append(opts, fetcher.WithProber(b.prober))
	}
	b.fetcher = fetcher.New(b.pool, opts...)
	return nil
}

// BuildServer sets up the health checker and the HTTP front-end.
func (b *NodeBuilder) BuildServer() error {
	if b.fetcher == nil {
		return fmt.Errorf("fetcher must be built before the server")
	}
	b.health = health.NewHealthChecker(b.pool, logger.New("node"), config.Version)
	api := web.NewHandler(b.fetcher, FetcherOptions(b.config.Fetcher), b.config.Relays.Default,
		b.config.Server.MaxBodyBytes, logger.New("api"))
	b.server = web.NewServer(b.config.Server, b.config.Metrics, api, b.health)
	if rl := b.config.Server.RateLimit; rl.Enabled {
		b.server.WithRateLimiter(limiter.NewRateLimiter(limiter.LimitFromConfig(rl)))
	}
	return nil
}

// Build finalizes the node construction.
func (b *NodeBuilder) Build() (*Node, error) {
	if b.pool == nil {
		return nil, fmt.Errorf("pool must be built before calling Build()")
	}
	if b.fetcher == nil {
		return nil, fmt.Errorf("fetcher must be built before calling Build()")
	}

	node := &Node{
		cancel:    b.cancel,
		config:    b.config,
		pool:      b.pool,
		fetcher:   b.fetcher,
		health:    b.health,
		server:    b.server,
		startTime: time.Now(),
	}

	logger.Debug("Node initialized successfully via builder",
		zap.Bool("capabilities", b.prober != nil),
		zap.Bool("http", b.server != nil))
	return node, nil
}
