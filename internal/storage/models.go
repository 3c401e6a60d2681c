package storage

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"oracle-price-feeds/internal/oracle"
)

// FeedSnapshot is the persisted public state of one feed: the most recent
// value and timestamp plus the pending-request bookkeeping. No history is
// kept; each feed owns exactly one row.
type FeedSnapshot struct {
	QueryID          common.Hash
	Caption          string
	LastValue        uint64
	LastTimestamp    uint64
	Pending          bool
	PendingRequestID oracle.RequestID
	UpdatedAt        time.Time
}
