package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-price-feeds/internal/events"
	"oracle-price-feeds/internal/oracle"
)

// fakeBridge scripts the oracle collaborator for state machine tests.
type fakeBridge struct {
	nextID   oracle.RequestID
	postErr  error
	fetchErr error
	result   oracle.Result
	posted   int
}

func (b *fakeBridge) PostRequest(_ context.Context, descriptor []byte, _ oracle.Rewards) (oracle.RequestID, error) {
	if b.postErr != nil {
		return 0, b.postErr
	}
	b.posted++
	b.nextID++
	return b.nextID, nil
}

func (b *fakeBridge) IsAccepted(_ context.Context, _ oracle.RequestID) (bool, error) {
	return b.fetchErr == nil, nil
}

func (b *fakeBridge) FetchResult(_ context.Context, _ oracle.RequestID) (oracle.Result, error) {
	if b.fetchErr != nil {
		return oracle.Result{}, b.fetchErr
	}
	return b.result, nil
}

// recordingSink captures published events in order.
type recordingSink struct {
	published []events.Event
}

func (s *recordingSink) Publish(_ context.Context, ev events.Event) error {
	s.published = append(s.published, ev)
	return nil
}

var testClock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestFeed(t *testing.T, bridge oracle.Bridge, sink events.Sink, opts ...func(*Options)) *Feed {
	t.Helper()
	o := Options{
		Caption:    "Price-BTC/USD-3",
		Decimals:   3,
		Descriptor: []byte{0x0a, 0x0b, 0x0c},
		Now:        func() time.Time { return testClock },
	}
	for _, fn := range opts {
		fn(&o)
	}
	f, err := New(o, bridge, sink, zerolog.Nop())
	if err != nil {
		t.Fatalf("construct feed: %v", err)
	}
	return f
}

func testRewards() oracle.Rewards {
	amt := decimal.NewFromInt(10)
	return oracle.Rewards{Request: amt, Result: amt, Block: amt}
}

func TestFreshFeedAnswersNoValueYet(t *testing.T) {
	f := newTestFeed(t, &fakeBridge{}, nil)

	v, ts, status := f.ValueFor(f.QueryID())
	if v != 0 || ts != 0 || status != StatusNoValue {
		t.Fatalf("fresh feed must answer (0,0,404), got (%d,%d,%d)", v, ts, status)
	}
}

func TestValueForUnknownID(t *testing.T) {
	f := newTestFeed(t, &fakeBridge{}, nil)

	v, ts, status := f.ValueFor(common.HexToHash("0xdeadbeef"))
	if v != 0 || ts != 0 || status != StatusUnknownID {
		t.Fatalf("unknown id must answer (0,0,400), got (%d,%d,%d)", v, ts, status)
	}
}

func TestRequestUpdateRejectsSecondRequest(t *testing.T) {
	bridge := &fakeBridge{}
	f := newTestFeed(t, bridge, nil)

	if err := f.RequestUpdate(context.Background(), testRewards()); err != nil {
		t.Fatalf("first request: %v", err)
	}
	snap := f.Snapshot()
	if !snap.Pending || snap.PendingRequestID != 1 {
		t.Fatalf("expected pending request 1, got %+v", snap)
	}

	err := f.RequestUpdate(context.Background(), testRewards())
	if !errors.Is(err, ErrAlreadyPending) {
		t.Fatalf("expected ErrAlreadyPending, got %v", err)
	}
	after := f.Snapshot()
	if after != snap {
		t.Fatalf("rejected request must not change state: %+v vs %+v", after, snap)
	}
	if bridge.posted != 1 {
		t.Fatalf("rejected request must not reach the bridge, posted=%d", bridge.posted)
	}
}

func TestRequestUpdateBridgeFailureKeepsIdle(t *testing.T) {
	bridge := &fakeBridge{postErr: oracle.ErrInsufficientReward}
	f := newTestFeed(t, bridge, nil)

	err := f.RequestUpdate(context.Background(), testRewards())
	if !errors.Is(err, oracle.ErrInsufficientReward) {
		t.Fatalf("bridge failure must propagate, got %v", err)
	}
	if f.Snapshot().Pending {
		t.Fatal("failed submission must leave the feed idle")
	}

	// Idle again means a retry is allowed.
	bridge.postErr = nil
	if err := f.RequestUpdate(context.Background(), testRewards()); err != nil {
		t.Fatalf("retry after failed submission: %v", err)
	}
}

func TestCompleteUpdateWithoutPending(t *testing.T) {
	f := newTestFeed(t, &fakeBridge{}, nil)

	err := f.CompleteUpdate(context.Background())
	if !errors.Is(err, ErrNoPendingUpdate) {
		t.Fatalf("expected ErrNoPendingUpdate, got %v", err)
	}
}

func TestCompleteUpdateBeforeAcceptanceKeepsPending(t *testing.T) {
	bridge := &fakeBridge{fetchErr: oracle.ErrNotAccepted}
	f := newTestFeed(t, bridge, nil)

	if err := f.RequestUpdate(context.Background(), testRewards()); err != nil {
		t.Fatalf("request: %v", err)
	}

	err := f.CompleteUpdate(context.Background())
	if !errors.Is(err, oracle.ErrNotAccepted) {
		t.Fatalf("bridge refusal must propagate, got %v", err)
	}
	if !f.Snapshot().Pending {
		t.Fatal("refused completion must stay pending for the next poll")
	}
}

func TestCompleteUpdateValue(t *testing.T) {
	bridge := &fakeBridge{result: oracle.Result{OK: true, Payload: oracle.EncodeValue(42)}}
	sink := &recordingSink{}
	f := newTestFeed(t, bridge, sink)

	if err := f.RequestUpdate(context.Background(), testRewards()); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := f.CompleteUpdate(context.Background()); err != nil {
		t.Fatalf("complete: %v", err)
	}

	snap := f.Snapshot()
	if snap.Pending {
		t.Fatal("completion must clear the pending flag")
	}
	if snap.LastValue != 42 {
		t.Fatalf("expected last value 42, got %d", snap.LastValue)
	}

	v, ts, status := f.ValueFor(f.QueryID())
	if v != 42 || ts != uint64(testClock.Unix()) || status != StatusOK {
		t.Fatalf("unexpected read after completion: (%d,%d,%d)", v, ts, status)
	}

	if len(sink.published) != 1 {
		t.Fatalf("expected one event, got %d", len(sink.published))
	}
	ev := sink.published[0]
	if ev.Kind != events.KindPriceUpdated || ev.Value != 42 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Price.String() != "0.042" {
		t.Fatalf("price not scaled by decimals: %s", ev.Price)
	}

	// The consumed request id is gone: a second completion is a misuse.
	err := f.CompleteUpdate(context.Background())
	if !errors.Is(err, ErrNoPendingUpdate) {
		t.Fatalf("second completion must fail with ErrNoPendingUpdate, got %v", err)
	}
}

func TestCompleteUpdateErrorResultFallsBackToRawMessage(t *testing.T) {
	bridge := &fakeBridge{result: oracle.Result{ErrorCode: 2, Payload: []byte("bad source")}}
	sink := &recordingSink{}
	f := newTestFeed(t, bridge, sink)

	if err := f.RequestUpdate(context.Background(), testRewards()); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := f.CompleteUpdate(context.Background()); err != nil {
		t.Fatalf("an oracle-side error is not a completion failure: %v", err)
	}

	snap := f.Snapshot()
	if snap.Pending {
		t.Fatal("error result must still clear the pending flag")
	}
	if snap.LastValue != 0 || snap.LastTimestamp != 0 {
		t.Fatalf("error result must not touch the stored value: %+v", snap)
	}

	if len(sink.published) != 1 {
		t.Fatalf("expected one event, got %d", len(sink.published))
	}
	ev := sink.published[0]
	if ev.Kind != events.KindResultError || ev.Message != "bad source" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestCompleteUpdateErrorResultKeepsPreviousValue(t *testing.T) {
	bridge := &fakeBridge{result: oracle.Result{OK: true, Payload: oracle.EncodeValue(99)}}
	f := newTestFeed(t, bridge, nil)

	if err := f.RequestUpdate(context.Background(), testRewards()); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := f.CompleteUpdate(context.Background()); err != nil {
		t.Fatalf("complete: %v", err)
	}

	bridge.result = oracle.Result{ErrorCode: 5, Payload: oracle.EncodeError(5, "no consensus")}
	if err := f.RequestUpdate(context.Background(), testRewards()); err != nil {
		t.Fatalf("second request: %v", err)
	}
	if err := f.CompleteUpdate(context.Background()); err != nil {
		t.Fatalf("second complete: %v", err)
	}

	v, ts, status := f.ValueFor(f.QueryID())
	if v != 99 || ts != uint64(testClock.Unix()) || status != StatusOK {
		t.Fatalf("previous value must survive an error result: (%d,%d,%d)", v, ts, status)
	}
}

func TestCompleteUpdateMalformedValueAborts(t *testing.T) {
	bridge := &fakeBridge{result: oracle.Result{OK: true, Payload: []byte{0xff, 0xff}}}
	f := newTestFeed(t, bridge, nil)

	if err := f.RequestUpdate(context.Background(), testRewards()); err != nil {
		t.Fatalf("request: %v", err)
	}

	if err := f.CompleteUpdate(context.Background()); err == nil {
		t.Fatal("malformed success payload must abort the completion")
	}
	if !f.Snapshot().Pending {
		t.Fatal("aborted completion must not consume the pending request")
	}
}

func TestStaticTimestampMode(t *testing.T) {
	bridge := &fakeBridge{result: oracle.Result{OK: true, Payload: oracle.EncodeValue(7)}}
	f := newTestFeed(t, bridge, nil, func(o *Options) {
		o.TimestampMode = TimestampStatic
		o.StaticTimestamp = 1700000000
	})

	if err := f.RequestUpdate(context.Background(), testRewards()); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := f.CompleteUpdate(context.Background()); err != nil {
		t.Fatalf("complete: %v", err)
	}

	_, ts, status := f.ValueFor(f.QueryID())
	if status != StatusOK || ts != 1700000000 {
		t.Fatalf("static mode must stamp the configured timestamp, got (%d,%d)", ts, status)
	}
}

func TestSnapshotRestore(t *testing.T) {
	f := newTestFeed(t, &fakeBridge{}, nil)
	restored := newTestFeed(t, &fakeBridge{}, nil)

	snap := Snapshot{
		QueryID:          f.QueryID(),
		Caption:          f.Caption(),
		LastValue:        123,
		LastTimestamp:    456,
		Pending:          true,
		PendingRequestID: 9,
	}
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Snapshot() != snap {
		t.Fatalf("round trip mismatch: %+v", restored.Snapshot())
	}

	// Restored pending state still guards new requests.
	err := restored.RequestUpdate(context.Background(), testRewards())
	if !errors.Is(err, ErrAlreadyPending) {
		t.Fatalf("expected ErrAlreadyPending after restore, got %v", err)
	}

	other := Snapshot{QueryID: common.HexToHash("0x01")}
	if err := restored.Restore(other); err == nil {
		t.Fatal("restore must reject a foreign snapshot")
	}
}
