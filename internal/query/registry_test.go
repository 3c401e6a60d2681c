package query

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-price-feeds/internal/feed"
	"oracle-price-feeds/internal/oracle"
)

type stubBridge struct {
	value uint64
}

func (b *stubBridge) PostRequest(context.Context, []byte, oracle.Rewards) (oracle.RequestID, error) {
	return 1, nil
}

func (b *stubBridge) IsAccepted(context.Context, oracle.RequestID) (bool, error) {
	return true, nil
}

func (b *stubBridge) FetchResult(context.Context, oracle.RequestID) (oracle.Result, error) {
	return oracle.Result{OK: true, Payload: oracle.EncodeValue(b.value)}, nil
}

func newFeed(t *testing.T, caption string, bridge oracle.Bridge) *feed.Feed {
	t.Helper()
	f, err := feed.New(feed.Options{
		Caption:    caption,
		Decimals:   3,
		Descriptor: []byte{0x01},
		Now:        func() time.Time { return time.Unix(1750000000, 0) },
	}, bridge, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("construct feed %s: %v", caption, err)
	}
	return f
}

func completeOnce(t *testing.T, f *feed.Feed) {
	t.Helper()
	amt := decimal.NewFromInt(1)
	if err := f.RequestUpdate(context.Background(), oracle.Rewards{Request: amt, Result: amt, Block: amt}); err != nil {
		t.Fatalf("request update: %v", err)
	}
	if err := f.CompleteUpdate(context.Background()); err != nil {
		t.Fatalf("complete update: %v", err)
	}
}

func TestRegistryRoutesByID(t *testing.T) {
	btc := newFeed(t, "Price-BTC/USD-3", &stubBridge{value: 104_950_000})
	eth := newFeed(t, "Price-ETH/USD-3", &stubBridge{value: 2_514_000})
	completeOnce(t, btc)
	completeOnce(t, eth)

	reg, err := NewRegistry(btc, eth)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}

	v, _, status := reg.ValueFor(btc.QueryID())
	if status != feed.StatusOK || v != 104_950_000 {
		t.Fatalf("btc read: (%d,%d)", v, status)
	}
	v, _, status = reg.ValueFor(eth.QueryID())
	if status != feed.StatusOK || v != 2_514_000 {
		t.Fatalf("eth read: (%d,%d)", v, status)
	}
}

func TestRegistryUnknownID(t *testing.T) {
	reg, err := NewRegistry(newFeed(t, "Price-BTC/USD-3", &stubBridge{}))
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}

	v, ts, status := reg.ValueFor(common.HexToHash("0xabcdef"))
	if v != 0 || ts != 0 || status != feed.StatusUnknownID {
		t.Fatalf("unknown id must answer (0,0,400), got (%d,%d,%d)", v, ts, status)
	}
}

func TestRegistryNoValueYet(t *testing.T) {
	f := newFeed(t, "Price-ETH/USD-3", &stubBridge{})
	reg, err := NewRegistry(f)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}

	v, ts, status := reg.ValueFor(f.QueryID())
	if v != 0 || ts != 0 || status != feed.StatusNoValue {
		t.Fatalf("fresh feed must answer (0,0,404), got (%d,%d,%d)", v, ts, status)
	}
}

func TestRegistryRejectsDuplicateIDs(t *testing.T) {
	a := newFeed(t, "Price-BTC/USD-3", &stubBridge{})
	b := newFeed(t, "Price-BTC/USD-3", &stubBridge{})
	if _, err := NewRegistry(a, b); err == nil {
		t.Fatal("duplicate captions must be rejected")
	}
}
