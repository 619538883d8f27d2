package domain

import "github.com/Shugur-Network/relayfetch/internal/pool"

// PoolStatus exposes the connection pool's bookkeeping for health checks.
type PoolStatus interface {
	Records() []pool.RecordStatus
	AliveCount() int
}
