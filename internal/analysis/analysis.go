// Package analysis derives price levels from historical bar series.
package analysis

import (
	"math"

	"orb-trader/internal/errors"
	"orb-trader/internal/models"
	"orb-trader/pkg/utils"
)

// ComputeOpeningRange returns the high/low band of the first windowBars bars
// of series. A series shorter than windowBars uses every bar it has. Bars
// in the window that fail Validate are skipped; if none is usable the
// result is an InvalidBarError for the first one.
func ComputeOpeningRange(series models.BarSeries, windowBars int) (models.OpeningRange, error) {
	if windowBars < 1 {
		return models.OpeningRange{}, errors.NewValidationError("windowBars", windowBars, "must be at least 1")
	}
	if series.IsEmpty() {
		return models.OpeningRange{}, errors.Wrapf(errors.ErrEmptySeries, "opening range for %s", series.Symbol)
	}

	window := series.First(windowBars)
	high := math.Inf(-1)
	low := math.Inf(1)
	var first, last models.Bar
	valid := 0
	for _, b := range window {
		if b.Validate() != "" {
			continue
		}
		if valid == 0 {
			first = b
		}
		last = b
		valid++
		high = math.Max(high, b.High)
		low = math.Min(low, b.Low)
	}
	if valid == 0 {
		return models.OpeningRange{}, errors.NewInvalidBarError(series.Symbol, window[0].Validate(), window[0])
	}

	return models.OpeningRange{
		Symbol:     series.Symbol,
		High:       high,
		Low:        low,
		WindowBars: len(window),
		Start:      first.Timestamp,
		End:        last.Timestamp,
	}, nil
}

// FilterSession keeps only the bars that fall inside regular trading hours.
func FilterSession(series models.BarSeries, session utils.Session) models.BarSeries {
	kept := make([]models.Bar, 0, len(series.Bars))
	for _, b := range series.Bars {
		if session.Contains(b.Timestamp) {
			kept = append(kept, b)
		}
	}
	return models.NewBarSeries(series.Symbol, kept)
}
