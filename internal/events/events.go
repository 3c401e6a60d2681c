package events

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"oracle-price-feeds/internal/oracle"
)

// Kind discriminates feed notifications.
type Kind string

const (
	// KindPriceUpdated is emitted when a completed update produced a value.
	KindPriceUpdated Kind = "price_updated"
	// KindResultError is emitted when a completed update carried an oracle-side
	// error instead of a value.
	KindResultError Kind = "result_error"
)

// Event is a fire-and-forget notification emitted by a feed, ordered with the
// state transition that triggered it.
type Event struct {
	Kind      Kind             `json:"kind"`
	Caption   string           `json:"caption"`
	QueryID   common.Hash      `json:"query_id"`
	RequestID oracle.RequestID `json:"request_id"`
	Value     uint64           `json:"value,omitempty"`
	Price     decimal.Decimal  `json:"price,omitempty"`
	Timestamp uint64           `json:"timestamp,omitempty"`
	Message   string           `json:"message,omitempty"`
	EmittedAt time.Time        `json:"emitted_at"`
}

// Sink consumes feed events. Publish failures are the sink's problem: the
// emitting feed logs them and moves on, they never reach the state machine.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}
