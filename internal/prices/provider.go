// Package prices defines the price-slice provider the game engine plays
// against: a contiguous window of daily OHLC bars long enough to cover a
// visible lookback plus the reserved playable turns.
package prices

import (
	"context"
	"errors"

	"github.com/chartgame/game-engine/internal/model"
)

// ErrNoHistory is returned when a symbol has no usable history at all.
var ErrNoHistory = errors.New("prices: no history available for symbol")

// Slice is a fixed window of bars for one game. StartIndex is the offset
// at which play begins; everything before it is historical context.
// StartTs anchors the slice so the identical window can be re-fetched on
// resume.
type Slice struct {
	Bars           []model.PriceBar `json:"bars"`
	StartIndex     int              `json:"start_index"`
	TotalAvailable int              `json:"total_available"`
	StartTs        int64            `json:"start_ts"`
}

// Provider serves price slices. Bars must be duplicate-free and ascending
// by time; calendar gaps are allowed, index gaps are not.
type Provider interface {
	// GetSlice returns a randomly-offset slice for a fresh game.
	GetSlice(ctx context.Context, symbol string, visibleDays, reservedTurns int) (*Slice, error)

	// GetSliceAt returns the slice anchored at startTs — the same window,
	// bar for bar, every time. Used to rebuild a resumed game.
	GetSliceAt(ctx context.Context, symbol string, startTs int64, visibleDays, reservedTurns int) (*Slice, error)
}
