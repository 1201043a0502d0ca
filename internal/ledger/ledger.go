// Package ledger implements the turn-based paper-trading engine: a pure
// state-transition machine over a fixed slice of historical OHLC bars.
//
// A Game holds cash, share count, volume-weighted average cost and fee
// accrual, and applies BUY/SELL/ADVANCE operations against a price cursor.
// Invalid operations never mutate state; they return an explicit Rejection
// so callers and tests can assert on the reason.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Cash and accrued fees are floored to the integer currency unit after
// every mutation. This is a deliberate, reproducible rounding policy that
// keeps replays bit-exact, not a display rounding.
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chartgame/game-engine/internal/model"
)

// Game lifecycle states.
const (
	StatusIdle    = "idle"
	StatusPlaying = "playing"
	StatusEnded   = "ended"
)

// HistoryCap bounds the recent-activity view returned by Recent. The
// underlying trade log is unbounded; the cap is a display concern only.
const HistoryCap = 200

// Rejection explains why a mutating operation was refused. A rejected
// operation is guaranteed not to have mutated any state.
type Rejection int

const (
	// RejectionNone means the operation was applied.
	RejectionNone Rejection = iota

	// RejectionWrongState means the game is not in the playing state.
	RejectionWrongState

	// RejectionBadQuantity means qty was zero or negative.
	RejectionBadQuantity

	// RejectionInsufficientFunds means cash cannot cover notional + fee.
	RejectionInsufficientFunds

	// RejectionNoPosition means a sell was attempted with no shares held.
	RejectionNoPosition
)

func (r Rejection) String() string {
	switch r {
	case RejectionNone:
		return "none"
	case RejectionWrongState:
		return "wrong_state"
	case RejectionBadQuantity:
		return "bad_quantity"
	case RejectionInsufficientFunds:
		return "insufficient_funds"
	case RejectionNoPosition:
		return "no_position"
	default:
		return "unknown"
	}
}

var (
	// ErrEmptySlice is returned when the price slice has no bars.
	ErrEmptySlice = errors.New("ledger: price slice is empty")

	// ErrBadStartIndex is returned when startIndex is outside the slice.
	ErrBadStartIndex = errors.New("ledger: start index outside price slice")

	// ErrBadMaxTurns is returned when maxTurns is not positive.
	ErrBadMaxTurns = errors.New("ledger: max turns must be positive")

	// ErrBadStartCash is returned when startCash is negative.
	ErrBadStartCash = errors.New("ledger: start cash must be non-negative")

	// ErrSnapshotMismatch is returned when a snapshot's timestamp does not
	// map onto any bar in the price slice.
	ErrSnapshotMismatch = errors.New("ledger: snapshot timestamp not in price slice")
)

var bpsScale = decimal.NewFromInt(10000)

// Config carries the immutable parameters of one game.
type Config struct {
	Bars        []model.PriceBar
	StartIndex  int
	MaxTurns    int
	FeeBps      int64
	SlippageBps int64
	StartCash   decimal.Decimal
}

// Game is one playthrough's mutable state. It is an explicit value passed
// by handle — never a package-level singleton — so multiple games can
// coexist in one process.
type Game struct {
	cfg    Config
	status string
	cursor int
	turn   int

	cash       decimal.Decimal
	shares     decimal.Decimal
	avgPrice   decimal.Decimal
	hasAvg     bool
	feeAccrued decimal.Decimal

	// history is the unbounded append-only trade log, oldest first.
	// Recent() derives the bounded reverse-chronological view.
	history []model.Trade

	now func() int64
}

// New starts a game in the playing state with the cursor at StartIndex.
func New(cfg Config) (*Game, error) {
	if len(cfg.Bars) == 0 {
		return nil, ErrEmptySlice
	}
	if cfg.StartIndex < 0 || cfg.StartIndex >= len(cfg.Bars) {
		return nil, ErrBadStartIndex
	}
	if cfg.MaxTurns <= 0 {
		return nil, ErrBadMaxTurns
	}
	if cfg.StartCash.IsNegative() {
		return nil, ErrBadStartCash
	}
	return &Game{
		cfg:    cfg,
		status: StatusPlaying,
		cursor: cfg.StartIndex,
		cash:   cfg.StartCash.Floor(),
		now:    func() int64 { return time.Now().Unix() },
	}, nil
}

// Restore rebuilds a game from a persisted snapshot. The snapshot's
// timestamp locates the cursor within the price slice; if it maps to a
// terminal position the game resumes already ended.
func Restore(cfg Config, snap model.Snapshot) (*Game, error) {
	g, err := New(cfg)
	if err != nil {
		return nil, err
	}

	cursor := -1
	for i, b := range cfg.Bars {
		if b.Time == snap.Ts {
			cursor = i
			break
		}
	}
	if cursor < 0 {
		return nil, ErrSnapshotMismatch
	}

	g.cursor = cursor
	g.turn = snap.Turn
	g.cash = snap.Cash.Floor()
	g.shares = snap.Shares
	g.avgPrice = snap.AvgPrice
	g.hasAvg = snap.HasAvg
	// Stored history is newest-first for display; keep the internal log
	// oldest-first.
	for i := len(snap.History) - 1; i >= 0; i-- {
		g.history = append(g.history, snap.History[i])
	}
	if g.turn >= g.cfg.MaxTurns || g.cursor >= g.lastIndex() {
		g.status = StatusEnded
	}
	return g, nil
}

// --- Read accessors ---

func (g *Game) Status() string          { return g.status }
func (g *Game) Cursor() int             { return g.cursor }
func (g *Game) Turn() int               { return g.turn }
func (g *Game) Cash() decimal.Decimal   { return g.cash }
func (g *Game) Shares() decimal.Decimal { return g.shares }

// AvgPrice returns the volume-weighted average fill price of the open
// position. The second result is false when no position is held.
func (g *Game) AvgPrice() (decimal.Decimal, bool) {
	return g.avgPrice, g.hasAvg
}

// FeeAccrued returns cumulative fees charged so far, floored to the
// integer currency unit.
func (g *Game) FeeAccrued() decimal.Decimal { return g.feeAccrued }

// Bar returns the bar under the cursor.
func (g *Game) Bar() model.PriceBar { return g.cfg.Bars[g.cursor] }

// Close returns the current market price: the close of the cursor bar.
func (g *Game) Close() decimal.Decimal { return g.cfg.Bars[g.cursor].Close }

// Equity returns cash plus the position marked at the current close.
func (g *Game) Equity() decimal.Decimal {
	return g.cash.Add(g.shares.Mul(g.Close()))
}

// ReturnPct returns the percentage return on start cash at current equity.
func (g *Game) ReturnPct() decimal.Decimal {
	if g.cfg.StartCash.IsZero() {
		return decimal.Zero
	}
	hundred := decimal.NewFromInt(100)
	return g.Equity().Sub(g.cfg.StartCash).Div(g.cfg.StartCash).Mul(hundred)
}

// Recent returns up to n most recent trades, newest first, capped at
// HistoryCap regardless of n.
func (g *Game) Recent(n int) []model.Trade {
	if n > HistoryCap {
		n = HistoryCap
	}
	if n > len(g.history) {
		n = len(g.history)
	}
	out := make([]model.Trade, 0, n)
	for i := len(g.history) - 1; i >= len(g.history)-n; i-- {
		out = append(out, g.history[i])
	}
	return out
}

// TradeCount returns the size of the full trade log.
func (g *Game) TradeCount() int { return len(g.history) }

// MaxBuyQty returns the largest quantity affordable at the current price,
// accounting for slippage and the fee on the notional. Callers should use
// this to pre-check affordability since Buy rejects rather than partially
// fills.
func (g *Game) MaxBuyQty() decimal.Decimal {
	fill := g.buyFill()
	if fill.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	denom := fill.Mul(decimal.NewFromInt(1).Add(bps(g.cfg.FeeBps)))
	// Round toward zero so the returned quantity is always affordable.
	return g.cash.Div(denom).RoundDown(8)
}

// --- Mutating operations ---

// Buy purchases qty shares at the slippage-adjusted close. The whole
// order is rejected when cash cannot cover notional plus fee.
func (g *Game) Buy(qty decimal.Decimal) Rejection {
	if g.status != StatusPlaying {
		return RejectionWrongState
	}
	if qty.LessThanOrEqual(decimal.Zero) {
		return RejectionBadQuantity
	}

	fill := g.buyFill()
	notional := fill.Mul(qty)
	fee := notional.Mul(bps(g.cfg.FeeBps))
	if g.cash.LessThan(notional.Add(fee)) {
		return RejectionInsufficientFunds
	}

	if g.hasAvg {
		// Volume-weighted against the post-slippage fill, so repeated
		// partial buys keep a consistent cost basis.
		newShares := g.shares.Add(qty)
		g.avgPrice = g.avgPrice.Mul(g.shares).Add(fill.Mul(qty)).Div(newShares)
	} else {
		g.avgPrice = fill
		g.hasAvg = true
	}
	g.shares = g.shares.Add(qty)
	g.cash = g.cash.Sub(notional.Add(fee)).Floor()
	g.feeAccrued = g.feeAccrued.Add(fee).Floor()
	g.append(model.SideBuy, fill, qty)
	return RejectionNone
}

// Sell liquidates qty shares at the slippage-adjusted close. Oversell is
// clamped to the held quantity rather than rejected.
func (g *Game) Sell(qty decimal.Decimal) Rejection {
	if g.status != StatusPlaying {
		return RejectionWrongState
	}
	if qty.LessThanOrEqual(decimal.Zero) {
		return RejectionBadQuantity
	}
	if g.shares.LessThanOrEqual(decimal.Zero) {
		return RejectionNoPosition
	}
	if qty.GreaterThan(g.shares) {
		qty = g.shares
	}

	fill := g.Close().Mul(decimal.NewFromInt(1).Sub(bps(g.cfg.SlippageBps)))
	proceeds := fill.Mul(qty)
	fee := proceeds.Mul(bps(g.cfg.FeeBps))

	g.cash = g.cash.Add(proceeds.Sub(fee)).Floor()
	g.shares = g.shares.Sub(qty)
	if g.shares.IsZero() {
		g.avgPrice = decimal.Zero
		g.hasAvg = false
	}
	g.feeAccrued = g.feeAccrued.Add(fee).Floor()
	g.append(model.SideSell, fill, qty)
	return RejectionNone
}

// Advance moves to the next bar and burns one turn. The terminal check
// runs after the increment, so the turn that exhausts either budget is
// still played before the game closes. Advance never persists anything;
// snapshotting is a separate, explicit call.
func (g *Game) Advance() Rejection {
	if g.status != StatusPlaying {
		return RejectionWrongState
	}
	if next := g.cursor + 1; next < g.lastIndex() {
		g.cursor = next
	} else {
		g.cursor = g.lastIndex()
	}
	g.turn++
	if g.turn >= g.cfg.MaxTurns || g.cursor >= g.lastIndex() {
		g.status = StatusEnded
	}
	return RejectionNone
}

// Checkpoint captures the current state as a snapshot keyed by the cursor
// bar's timestamp. Recording the same checkpoint twice upserts in the
// store rather than duplicating.
func (g *Game) Checkpoint(sessionID string) model.Snapshot {
	return model.Snapshot{
		SessionID: sessionID,
		Ts:        g.Bar().Time,
		Cash:      g.cash,
		Shares:    g.shares,
		Equity:    g.Equity(),
		Turn:      g.turn,
		AvgPrice:  g.avgPrice,
		HasAvg:    g.hasAvg,
		History:   g.Recent(HistoryCap),
	}
}

// --- internals ---

func (g *Game) lastIndex() int { return len(g.cfg.Bars) - 1 }

func (g *Game) buyFill() decimal.Decimal {
	return g.Close().Mul(decimal.NewFromInt(1).Add(bps(g.cfg.SlippageBps)))
}

func (g *Game) append(side string, fill, qty decimal.Decimal) {
	g.history = append(g.history, model.Trade{
		Side:  side,
		Price: fill,
		Qty:   qty,
		Time:  g.now(),
	})
}

func bps(n int64) decimal.Decimal {
	return decimal.NewFromInt(n).Div(bpsScale)
}
