package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// TrackedItem is the persisted monitoring state for one (platform, external
// identifier) pair.
type TrackedItem struct {
	Platform   string
	ExternalID string
	Topic      string
	Title      string
	URL        string

	CurrentPrice  *decimal.Decimal
	PreviousPrice *decimal.Decimal
	OldPrice      *decimal.Decimal

	CurrentDiscount  *float64
	BaselinePrice    *decimal.Decimal
	BaselineDiscount *float64
	BaselineSetAt    *time.Time

	StableCount int
	IsStable    bool

	DeadFailCount    int
	LastDeadReason   *string
	NoImageFailCount int

	Rating  *float64
	InStock *bool

	InsertedAt    time.Time
	LastCheckedAt *time.Time
}

// Observation is one immutable price-history record appended per successful
// detail fetch.
type Observation struct {
	Platform   string
	ExternalID string
	Price      decimal.Decimal
	OldPrice   *decimal.Decimal
	Discount   *float64
	Rating     *float64
	InStock    *bool
	CheckedAt  time.Time
}

// NewItem is an identifier entering the catalog on first sighting.
type NewItem struct {
	ExternalID string
	Topic      string
}
