package domain

import (
	"time"

	"github.com/Shugur-Network/relayfetch/internal/config"
)

// NodeInterface defines what the serve-mode front-end needs from the
// assembled application.
type NodeInterface interface {
	// Configuration access
	Config() *config.Config

	// The fetch engine and the pool behind it
	Fetcher() Fetcher
	PoolStatus() PoolStatus

	GetStartTime() time.Time // For health checks
}
