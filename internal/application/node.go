package application

import (
	"context"
	"fmt"
	"time"

	"github.com/Shugur-Network/relayfetch/internal/config"
	"github.com/Shugur-Network/relayfetch/internal/domain"
	"github.com/Shugur-Network/relayfetch/internal/fetcher"
	"github.com/Shugur-Network/relayfetch/internal/health"
	"github.com/Shugur-Network/relayfetch/internal/logger"
	"github.com/Shugur-Network/relayfetch/internal/pool"
	"github.com/Shugur-Network/relayfetch/internal/web"
	"go.uber.org/zap"
)

// Node ties together the pool, the fetch engine and the HTTP front-end.
type Node struct {
	cancel context.CancelFunc

	config  *config.Config
	pool    *pool.Pool
	fetcher *fetcher.Fetcher
	health  *health.HealthChecker
	server  *web.Server

	startTime time.Time
}

var (
	_ domain.NodeInterface = (*Node)(nil)
	_ domain.Fetcher       = (*fetcher.Fetcher)(nil)
	_ domain.PoolStatus    = (*pool.Pool)(nil)
)

// New creates and configures a Node using the NodeBuilder pattern.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	builder := NewNodeBuilder(ctx, cfg)

	// 1) Pool first, everything talks to relays through it
	if err := builder.BuildPool(); err != nil {
		return nil, fmt.Errorf("failed building pool: %w", err)
	}

	// 2) Capability prober (optional)
	builder.BuildProber()

	// 3) Fetch engine
	if err := builder.BuildFetcher(); err != nil {
		return nil, fmt.Errorf("failed building fetcher: %w", err)
	}

	// 4) Health checker and HTTP API
	if err := builder.BuildServer(); err != nil {
		return nil, fmt.Errorf("failed building server: %w", err)
	}

	node, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build node: %w", err)
	}
	return node, nil
}

// Serve runs the HTTP API until ctx is canceled. The pool is left open;
// call Shutdown afterwards.
func (n *Node) Serve(ctx context.Context) error {
	if n.server == nil {
		return fmt.Errorf("node was built without an HTTP server")
	}
	err := n.server.ListenAndServe(ctx)
	if err != nil {
		logger.Error("Server error", zap.Error(err))
	}
	return err
}

// Shutdown closes every relay connection. It is safe to call twice.
func (n *Node) Shutdown() {
	logger.Info("Initiating graceful shutdown...")
	start := time.Now()

	n.fetcher.Shutdown()
	if n.cancel != nil {
		n.cancel()
	}

	logger.Info("Node shutdown completed",
		zap.Int("relays", len(n.pool.Records())),
		zap.Duration("took", time.Since(start)))
}
