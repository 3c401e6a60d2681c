package query

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"oracle-price-feeds/internal/feed"
)

// Registry routes standardized data-point reads to the feed owning the
// identifier. Composition is trivial: feeds share nothing, the registry only
// dispatches.
type Registry struct {
	feeds map[common.Hash]*feed.Feed
	order []*feed.Feed
}

// NewRegistry builds a registry over the configured feeds.
func NewRegistry(feeds ...*feed.Feed) (*Registry, error) {
	r := &Registry{feeds: make(map[common.Hash]*feed.Feed, len(feeds))}
	for _, f := range feeds {
		if _, dup := r.feeds[f.QueryID()]; dup {
			return nil, fmt.Errorf("query: duplicate feed id %s (%s)", f.QueryID().Hex(), f.Caption())
		}
		r.feeds[f.QueryID()] = f
		r.order = append(r.order, f)
	}
	return r, nil
}

// ValueFor answers the read contract for any known identifier and
// (0, 0, 400) for identifiers no feed owns. Never fails.
func (r *Registry) ValueFor(id common.Hash) (int64, uint64, uint16) {
	f, ok := r.feeds[id]
	if !ok {
		return 0, 0, feed.StatusUnknownID
	}
	return f.ValueFor(id)
}

// Lookup returns the feed owning the identifier, if any.
func (r *Registry) Lookup(id common.Hash) (*feed.Feed, bool) {
	f, ok := r.feeds[id]
	return f, ok
}

// Feeds lists the registered feeds in configuration order.
func (r *Registry) Feeds() []*feed.Feed {
	return r.order
}
