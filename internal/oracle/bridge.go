package oracle

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientReward indicates the bridge rejected a request because the
	// attached rewards do not cover the network fees.
	ErrInsufficientReward = errors.New("oracle: insufficient reward")
	// ErrNotAccepted indicates a result was requested before the oracle network
	// accepted and resolved the request.
	ErrNotAccepted = errors.New("oracle: request not accepted yet")
	// ErrUnknownRequest indicates the bridge has no record of the request id.
	ErrUnknownRequest = errors.New("oracle: unknown request")
)

// RequestID identifies a request submitted to the oracle network.
type RequestID uint64

// Rewards carries the three pass-through payment components attached to a
// request: compensation for relaying the request, for reporting the result,
// and for including the report in a block. Amounts are opaque to this service;
// the bridge enforces sufficiency.
type Rewards struct {
	Request decimal.Decimal
	Result  decimal.Decimal
	Block   decimal.Decimal
}

// Total sums the reward components.
func (r Rewards) Total() decimal.Decimal {
	return r.Request.Add(r.Result).Add(r.Block)
}

// Result is the tagged success/error payload relayed back by the oracle
// network. Payload bytes are CBOR in both branches.
type Result struct {
	OK        bool
	ErrorCode uint8
	Payload   []byte
}

// Bridge is the narrow contract the feed state machine consumes. The bridge
// owns request/result transport and payment enforcement; the feed core only
// submits, polls, and fetches.
type Bridge interface {
	// PostRequest submits an immutable request descriptor with its rewards and
	// returns the network-assigned request id.
	PostRequest(ctx context.Context, descriptor []byte, rewards Rewards) (RequestID, error)
	// IsAccepted reports whether the request has been resolved by the network
	// and its result is available for fetching.
	IsAccepted(ctx context.Context, id RequestID) (bool, error)
	// FetchResult retrieves the result for an accepted request. Calling it for
	// a request that is not accepted yet fails with ErrNotAccepted.
	FetchResult(ctx context.Context, id RequestID) (Result, error)
}
