package application

import (
	"time"

	"github.com/Shugur-Network/relayfetch/internal/config"
	"github.com/Shugur-Network/relayfetch/internal/domain"
	"github.com/Shugur-Network/relayfetch/internal/fetcher"
)

// FetcherOptions turns the fetcher config section into per-call defaults.
func FetcherOptions(fc config.FetcherConfig) fetcher.Options {
	return fetcher.Options{
		SkipVerification:          fc.SkipVerification,
		SkipFilterMatching:        fc.SkipFilterMatching,
		ReduceVerification:        fc.ReduceVerification,
		ConnectTimeout:            fc.ConnectTimeout,
		AbortSubBeforeEoseTimeout: fc.AbortTimeout,
		LimitPerReq:               fc.LimitPerReq,
		HighWaterMark:             fc.HighWaterMark,
	}
}

// Config returns the node's configuration.
func (n *Node) Config() *config.Config {
	return n.config
}

// Fetcher returns the fetch engine.
func (n *Node) Fetcher() domain.Fetcher {
	return n.fetcher
}

// Engine returns the concrete fetch engine, for callers that need the
// calls outside domain.Fetcher.
func (n *Node) Engine() *fetcher.Fetcher {
	return n.fetcher
}

// PoolStatus returns the pool's bookkeeping for health checks.
func (n *Node) PoolStatus() domain.PoolStatus {
	return n.pool
}

// GetStartTime returns when the node was built (for health checks)
func (n *Node) GetStartTime() time.Time {
	return n.startTime
}
