package feed

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-price-feeds/internal/events"
	"oracle-price-feeds/internal/oracle"
)

var (
	// ErrAlreadyPending rejects a request while one is still outstanding.
	ErrAlreadyPending = errors.New("feed: update already pending")
	// ErrNoPendingUpdate rejects a completion with no outstanding request.
	ErrNoPendingUpdate = errors.New("feed: no pending update")
)

// Status codes of the standardized data-point read contract.
const (
	StatusOK        uint16 = 200
	StatusUnknownID uint16 = 400
	StatusNoValue   uint16 = 404
)

// TimestampMode selects how a successful completion stamps lastTimestamp.
type TimestampMode string

const (
	// TimestampClock stamps the wall clock at completion time.
	TimestampClock TimestampMode = "clock"
	// TimestampStatic keeps the timestamp configured at construction.
	TimestampStatic TimestampMode = "static"
)

// Options parameterise one tracked asset. The two production feeds differ
// only in these values, never in behaviour.
type Options struct {
	// Caption is the standardized data-point name, e.g. "Price-BTC/USD-3".
	// The 32-byte query id is its Keccak-256 hash.
	Caption string
	// Decimals scales the raw integer value into a human-readable price.
	Decimals int32
	// Descriptor is the immutable, opaque request specification submitted to
	// the oracle network on every update.
	Descriptor []byte
	// TimestampMode defaults to TimestampClock.
	TimestampMode TimestampMode
	// StaticTimestamp is the value stamped in TimestampStatic mode.
	StaticTimestamp uint64
	// Now is the clock; defaults to time.Now. Injected for tests.
	Now func() time.Time
}

// Snapshot is the public state of a feed, readable at any time and persisted
// between restarts.
type Snapshot struct {
	QueryID          common.Hash
	Caption          string
	LastValue        uint64
	LastTimestamp    uint64
	Pending          bool
	PendingRequestID oracle.RequestID
}

// Feed owns the request/fulfillment state machine for one tracked asset. The
// pending flag is the only mutual exclusion between updates: preconditions,
// not scheduling, guarantee at most one request in flight.
type Feed struct {
	opts    Options
	queryID common.Hash
	bridge  oracle.Bridge
	sink    events.Sink
	logger  zerolog.Logger

	updateMu sync.Mutex   // serializes RequestUpdate / CompleteUpdate
	stateMu  sync.RWMutex // guards the fields below

	lastValue        uint64
	lastTimestamp    uint64
	pending          bool
	pendingRequestID oracle.RequestID
}

// New constructs a feed instance around an oracle bridge.
func New(opts Options, bridge oracle.Bridge, sink events.Sink, logger zerolog.Logger) (*Feed, error) {
	if opts.Caption == "" {
		return nil, errors.New("feed: caption required")
	}
	if len(opts.Descriptor) == 0 {
		return nil, errors.New("feed: request descriptor required")
	}
	if bridge == nil {
		return nil, errors.New("feed: bridge required")
	}
	if opts.TimestampMode == "" {
		opts.TimestampMode = TimestampClock
	}
	if opts.TimestampMode != TimestampClock && opts.TimestampMode != TimestampStatic {
		return nil, fmt.Errorf("feed: unknown timestamp mode %q", opts.TimestampMode)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	queryID := crypto.Keccak256Hash([]byte(opts.Caption))
	return &Feed{
		opts:    opts,
		queryID: queryID,
		bridge:  bridge,
		sink:    sink,
		logger: logger.With().
			Str("component", "feed").
			Str("caption", opts.Caption).
			Str("query_id", queryID.Hex()).
			Logger(),
	}, nil
}

// Caption returns the feed's data-point name.
func (f *Feed) Caption() string { return f.opts.Caption }

// QueryID returns the 32-byte identifier this feed answers for.
func (f *Feed) QueryID() common.Hash { return f.queryID }

// Decimals returns the price scale of the feed.
func (f *Feed) Decimals() int32 { return f.opts.Decimals }

// RequestUpdate submits the feed's fixed descriptor to the oracle network.
// It fails with ErrAlreadyPending while a request is outstanding and leaves
// all state untouched when the bridge rejects the submission.
func (f *Feed) RequestUpdate(ctx context.Context, rewards oracle.Rewards) error {
	f.updateMu.Lock()
	defer f.updateMu.Unlock()

	if f.isPending() {
		return ErrAlreadyPending
	}

	id, err := f.bridge.PostRequest(ctx, f.opts.Descriptor, rewards)
	if err != nil {
		return fmt.Errorf("post update request: %w", err)
	}

	f.stateMu.Lock()
	f.pending = true
	f.pendingRequestID = id
	f.stateMu.Unlock()

	f.logger.Info().Uint64("request_id", uint64(id)).
		Str("total_reward", rewards.Total().String()).
		Msg("update requested")
	return nil
}

// CompleteUpdate consumes the result of the outstanding request. It fails
// with ErrNoPendingUpdate when nothing is outstanding; a bridge refusal (the
// request is not accepted yet) propagates with no state change so the caller
// can poll again. Whether the decoded outcome is a value or an oracle-side
// failure, the feed returns to idle.
func (f *Feed) CompleteUpdate(ctx context.Context) error {
	f.updateMu.Lock()
	defer f.updateMu.Unlock()

	if !f.isPending() {
		return ErrNoPendingUpdate
	}

	f.stateMu.RLock()
	id := f.pendingRequestID
	f.stateMu.RUnlock()

	res, err := f.bridge.FetchResult(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch result for request %d: %w", id, err)
	}

	outcome, err := oracle.DecodeResult(res)
	if err != nil {
		// Malformed success payload: the update aborts and stays pending.
		return fmt.Errorf("request %d: %w", id, err)
	}

	ev := events.Event{
		Caption:   f.opts.Caption,
		QueryID:   f.queryID,
		RequestID: id,
		EmittedAt: f.opts.Now(),
	}

	f.stateMu.Lock()
	if outcome.OK {
		f.lastValue = outcome.Value
		f.lastTimestamp = f.completionTimestamp()
		ev.Kind = events.KindPriceUpdated
		ev.Value = outcome.Value
		ev.Price = f.renderPrice(outcome.Value)
		ev.Timestamp = f.lastTimestamp
	} else {
		ev.Kind = events.KindResultError
		ev.Message = outcome.Failure
	}
	f.pending = false
	f.pendingRequestID = 0
	f.stateMu.Unlock()

	f.publish(ctx, ev)
	return nil
}

// ValueFor answers the standardized read contract. It never fails: unknown
// identifiers and missing values travel as status codes.
func (f *Feed) ValueFor(id common.Hash) (int64, uint64, uint16) {
	if id != f.queryID {
		return 0, 0, StatusUnknownID
	}

	f.stateMu.RLock()
	defer f.stateMu.RUnlock()

	if f.lastTimestamp == 0 {
		return 0, 0, StatusNoValue
	}
	return int64(f.lastValue), f.lastTimestamp, StatusOK
}

// Snapshot returns the publicly readable state.
func (f *Feed) Snapshot() Snapshot {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()

	return Snapshot{
		QueryID:          f.queryID,
		Caption:          f.opts.Caption,
		LastValue:        f.lastValue,
		LastTimestamp:    f.lastTimestamp,
		Pending:          f.pending,
		PendingRequestID: f.pendingRequestID,
	}
}

// Restore replays persisted state into a freshly constructed feed. Intended
// for startup only, before the update loop runs.
func (f *Feed) Restore(snap Snapshot) error {
	if snap.QueryID != f.queryID {
		return fmt.Errorf("feed: snapshot query id %s does not match %s", snap.QueryID.Hex(), f.queryID.Hex())
	}

	f.stateMu.Lock()
	f.lastValue = snap.LastValue
	f.lastTimestamp = snap.LastTimestamp
	f.pending = snap.Pending
	f.pendingRequestID = snap.PendingRequestID
	f.stateMu.Unlock()
	return nil
}

func (f *Feed) isPending() bool {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	return f.pending
}

func (f *Feed) completionTimestamp() uint64 {
	if f.opts.TimestampMode == TimestampStatic {
		return f.opts.StaticTimestamp
	}
	return uint64(f.opts.Now().Unix())
}

func (f *Feed) renderPrice(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -f.opts.Decimals)
}

func (f *Feed) publish(ctx context.Context, ev events.Event) {
	if f.sink == nil {
		return
	}
	if err := f.sink.Publish(ctx, ev); err != nil {
		f.logger.Error().Err(err).Str("kind", string(ev.Kind)).Msg("failed to publish feed event")
	}
}
