// Package store provides breakout event sinks and run persistence.
package store

import (
	"context"
	"time"

	"orb-trader/internal/models"
)

// Recorder durably records one breakout event.
type Recorder interface {
	Record(ctx context.Context, event models.BreakoutEvent) error
}

// BreakoutFilter represents filters for querying recorded breakouts.
type BreakoutFilter struct {
	Symbol    string
	StartDate time.Time
	EndDate   time.Time
	Limit     int
}

// RangeFilter represents filters for querying stored opening ranges.
type RangeFilter struct {
	Symbol      string
	SessionDate string // YYYY-MM-DD
	Limit       int
}
