// Package source defines the capability surface the engine consumes from a
// marketplace data source. One implementation exists per marketplace; the
// engine never branches on which one it holds.
package source

import (
	"context"

	"github.com/shopspring/decimal"
)

// Entry is a single raw listing entry yielded while crawling a topic.
type Entry struct {
	ID    string
	Topic string
}

// Listing is a finite, restartable lazy sequence of listing entries for one
// topic. Next returns the entries produced by one extraction step; an empty
// slice is a valid result (a "quiet" step). Exhaustion is signalled with
// ErrExhausted, after which the listing must not be advanced again.
type Listing interface {
	Next(ctx context.Context) ([]Entry, error)
}

// Detail is the normalized result of one product detail fetch. Absent fields
// are nil.
type Detail struct {
	Title    string
	URL      string
	ImageURL string
	Price    *decimal.Decimal
	OldPrice *decimal.Decimal
	Discount *float64
	Rating   *float64
	InStock  *bool
}

// HasPrice reports whether the payload carried a positive price.
func (d Detail) HasPrice() bool {
	return d.Price != nil && d.Price.IsPositive()
}

// Adapter supplies raw marketplace data to the engine. Implementations own
// their transport/session state; Close must be safe after any error.
type Adapter interface {
	// ListTopic starts a fresh crawl of one topic. Each call re-scans from
	// the beginning.
	ListTopic(ctx context.Context, topic string) (Listing, error)

	// FetchDetail retrieves the detail payload for one identifier. Failures
	// are reported through the error taxonomy in this package.
	FetchDetail(ctx context.Context, id string) (Detail, error)

	// Reconnect resets the underlying transport/session.
	Reconnect(ctx context.Context) error

	// Close releases all adapter resources.
	Close() error
}
