package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartgame/game-engine/internal/model"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func bars(closes ...float64) []model.PriceBar {
	out := make([]model.PriceBar, len(closes))
	day := int64(86400)
	for i, c := range closes {
		out[i] = model.PriceBar{
			Time:  1700000000 + int64(i)*day,
			Open:  d(c),
			High:  d(c * 1.01),
			Low:   d(c * 0.99),
			Close: d(c),
		}
	}
	return out
}

func newGame(t *testing.T, cfg Config) *Game {
	t.Helper()
	g, err := New(cfg)
	require.NoError(t, err)
	return g
}

func TestNew_Validation(t *testing.T) {
	base := Config{Bars: bars(100, 101), StartIndex: 0, MaxTurns: 1, StartCash: d(1000)}

	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrEmptySlice)

	bad := base
	bad.StartIndex = 2
	_, err = New(bad)
	assert.ErrorIs(t, err, ErrBadStartIndex)

	bad = base
	bad.MaxTurns = 0
	_, err = New(bad)
	assert.ErrorIs(t, err, ErrBadMaxTurns)

	bad = base
	bad.StartCash = d(-1)
	_, err = New(bad)
	assert.ErrorIs(t, err, ErrBadStartCash)

	g := newGame(t, base)
	assert.Equal(t, StatusPlaying, g.Status())
	assert.Equal(t, 0, g.Cursor())
}

// Scenario A: startCash=10,000,000, feeBps=5, slippageBps=0;
// BUY 10 at close=1000 → fee=5, cash=9,989,995, shares=10, avg=1000.
func TestBuy_ScenarioA(t *testing.T) {
	g := newGame(t, Config{
		Bars: bars(1000, 1100), StartIndex: 0, MaxTurns: 1,
		FeeBps: 5, StartCash: d(10_000_000),
	})

	rej := g.Buy(d(10))
	require.Equal(t, RejectionNone, rej)

	assert.True(t, g.Cash().Equal(d(9_989_995)), "cash=%s", g.Cash())
	assert.True(t, g.Shares().Equal(d(10)))
	avg, ok := g.AvgPrice()
	require.True(t, ok)
	assert.True(t, avg.Equal(d(1000)))
	assert.True(t, g.FeeAccrued().Equal(d(5)))
}

// Scenario B: continue A, advance to close=1100, sell all 10.
// cash = floor(9,989,995 + 11,000 − 5.5) = 10,000,989.
func TestSell_ScenarioB(t *testing.T) {
	g := newGame(t, Config{
		Bars: bars(1000, 1100, 1200), StartIndex: 0, MaxTurns: 2,
		FeeBps: 5, StartCash: d(10_000_000),
	})
	require.Equal(t, RejectionNone, g.Buy(d(10)))
	require.Equal(t, RejectionNone, g.Advance())
	require.True(t, g.Close().Equal(d(1100)))

	rej := g.Sell(d(10))
	require.Equal(t, RejectionNone, rej)

	assert.True(t, g.Cash().Equal(d(10_000_989)), "cash=%s", g.Cash())
	assert.True(t, g.Shares().IsZero())
	_, ok := g.AvgPrice()
	assert.False(t, ok, "avg price must reset after full liquidation")
	// 5 from the buy, 5.5 from the sell, floored cumulatively.
	assert.True(t, g.FeeAccrued().Equal(d(10)), "fees=%s", g.FeeAccrued())
}

// Scenario C: maxTurns=3 → after 3 advances the game is ended and a 4th
// advance is a rejected no-op.
func TestAdvance_ScenarioC(t *testing.T) {
	g := newGame(t, Config{
		Bars: bars(100, 101, 102, 103, 104, 105), StartIndex: 0, MaxTurns: 3,
		StartCash: d(1000),
	})

	for i := 0; i < 3; i++ {
		require.Equal(t, RejectionNone, g.Advance(), "advance %d", i)
	}
	assert.Equal(t, StatusEnded, g.Status())
	assert.Equal(t, 3, g.Turn())
	assert.Equal(t, 3, g.Cursor())

	cursor, turn := g.Cursor(), g.Turn()
	assert.Equal(t, RejectionWrongState, g.Advance())
	assert.Equal(t, cursor, g.Cursor())
	assert.Equal(t, turn, g.Turn())
	assert.Equal(t, StatusEnded, g.Status(), "ended is terminal")
}

func TestAdvance_EndsAtSliceEdge(t *testing.T) {
	// Only 3 bars: two advances reach the last index and end the game
	// even though maxTurns allows more.
	g := newGame(t, Config{
		Bars: bars(100, 101, 102), StartIndex: 0, MaxTurns: 10,
		StartCash: d(1000),
	})
	require.Equal(t, RejectionNone, g.Advance())
	assert.Equal(t, StatusPlaying, g.Status())
	require.Equal(t, RejectionNone, g.Advance())
	assert.Equal(t, StatusEnded, g.Status())
	assert.Equal(t, 2, g.Cursor())
}

func TestBuy_InsufficientFundsRejectsWithoutMutation(t *testing.T) {
	g := newGame(t, Config{
		Bars: bars(1000), StartIndex: 0, MaxTurns: 1,
		FeeBps: 5, StartCash: d(500),
	})
	cash := g.Cash()

	assert.Equal(t, RejectionInsufficientFunds, g.Buy(d(1)))
	assert.True(t, g.Cash().Equal(cash))
	assert.True(t, g.Shares().IsZero())
	assert.Zero(t, g.TradeCount())
}

func TestSell_NoPositionAndBadQuantity(t *testing.T) {
	g := newGame(t, Config{
		Bars: bars(1000), StartIndex: 0, MaxTurns: 1,
		StartCash: d(10_000),
	})

	assert.Equal(t, RejectionNoPosition, g.Sell(d(1)))
	assert.Equal(t, RejectionBadQuantity, g.Sell(decimal.Zero))
	assert.Equal(t, RejectionBadQuantity, g.Buy(d(-2)))
}

func TestSell_OversellClampsToHeld(t *testing.T) {
	g := newGame(t, Config{
		Bars: bars(100), StartIndex: 0, MaxTurns: 1,
		StartCash: d(10_000),
	})
	require.Equal(t, RejectionNone, g.Buy(d(5)))

	require.Equal(t, RejectionNone, g.Sell(d(50)))
	assert.True(t, g.Shares().IsZero(), "oversell must clamp to held quantity")
	_, ok := g.AvgPrice()
	assert.False(t, ok)
}

func TestBuy_AverageCostIsVolumeWeighted(t *testing.T) {
	g := newGame(t, Config{
		Bars: bars(100, 200), StartIndex: 0, MaxTurns: 1,
		StartCash: d(100_000),
	})
	require.Equal(t, RejectionNone, g.Buy(d(10))) // 10 @ 100
	require.Equal(t, RejectionNone, g.Advance())
	require.Equal(t, RejectionNone, g.Buy(d(30))) // 30 @ 200

	// (100*10 + 200*30) / 40 = 175
	avg, ok := g.AvgPrice()
	require.True(t, ok)
	assert.True(t, avg.Equal(d(175)), "avg=%s", avg)
}

func TestBuy_SlippageRaisesFillAndAverage(t *testing.T) {
	g := newGame(t, Config{
		Bars: bars(10_000), StartIndex: 0, MaxTurns: 1,
		SlippageBps: 100, StartCash: d(1_000_000),
	})
	require.Equal(t, RejectionNone, g.Buy(d(1)))

	// fill = 10000 * 1.01 = 10100
	avg, ok := g.AvgPrice()
	require.True(t, ok)
	assert.True(t, avg.Equal(d(10_100)), "avg=%s", avg)
	assert.True(t, g.Cash().Equal(d(989_900)))
}

// Conservation: equity drops by exactly the fee on each trade, modulo at
// most one currency unit of floor rounding per operation.
func TestConservation(t *testing.T) {
	g := newGame(t, Config{
		Bars: bars(1000), StartIndex: 0, MaxTurns: 1,
		FeeBps: 25, StartCash: d(1_000_000),
	})

	ops := []struct {
		side string
		qty  decimal.Decimal
	}{
		{model.SideBuy, d(3)},
		{model.SideBuy, d(7.5)},
		{model.SideSell, d(4)},
		{model.SideBuy, d(1.25)},
		{model.SideSell, d(100)}, // clamps
	}

	for _, op := range ops {
		before := g.Equity()
		fees := g.FeeAccrued()
		if op.side == model.SideBuy {
			require.Equal(t, RejectionNone, g.Buy(op.qty))
		} else {
			require.Equal(t, RejectionNone, g.Sell(op.qty))
		}
		feeCharged := g.FeeAccrued().Sub(fees)
		diff := before.Sub(g.Equity()).Sub(feeCharged)
		assert.True(t, diff.Abs().LessThanOrEqual(d(1)),
			"%s %s: equity leak %s beyond fee", op.side, op.qty, diff)
		assert.False(t, g.Cash().IsNegative())
		assert.False(t, g.Shares().IsNegative())
	}
}

func TestMaxBuyQty(t *testing.T) {
	g := newGame(t, Config{
		Bars: bars(1000), StartIndex: 0, MaxTurns: 1,
		FeeBps: 5, StartCash: d(10_000_000),
	})

	max := g.MaxBuyQty()
	assert.Equal(t, RejectionNone, g.Buy(max), "max affordable qty must be accepted")

	g2 := newGame(t, Config{
		Bars: bars(1000), StartIndex: 0, MaxTurns: 1,
		FeeBps: 5, StartCash: d(10_000_000),
	})
	over := max.Mul(d(1.001))
	assert.Equal(t, RejectionInsufficientFunds, g2.Buy(over))
}

func TestRecent_CapsAndOrders(t *testing.T) {
	g := newGame(t, Config{
		Bars: bars(10), StartIndex: 0, MaxTurns: 1,
		StartCash: d(1_000_000_000),
	})

	for i := 0; i < HistoryCap+30; i++ {
		require.Equal(t, RejectionNone, g.Buy(d(1)))
	}

	recent := g.Recent(HistoryCap + 500)
	assert.Len(t, recent, HistoryCap, "recent view is capped")
	assert.Equal(t, HistoryCap+30, g.TradeCount(), "full log is unbounded")

	short := g.Recent(5)
	assert.Len(t, short, 5)
}

func TestCheckpointRestore_Roundtrip(t *testing.T) {
	cfg := Config{
		Bars: bars(1000, 1100, 1200, 1300), StartIndex: 0, MaxTurns: 3,
		FeeBps: 5, StartCash: d(10_000_000),
	}
	g := newGame(t, cfg)
	require.Equal(t, RejectionNone, g.Buy(d(10)))
	require.Equal(t, RejectionNone, g.Advance())
	require.Equal(t, RejectionNone, g.Sell(d(4)))

	snap := g.Checkpoint("game-1")
	assert.Equal(t, g.Bar().Time, snap.Ts, "checkpoint keyed by cursor bar time")

	r, err := Restore(cfg, snap)
	require.NoError(t, err)

	assert.Equal(t, g.Cursor(), r.Cursor())
	assert.Equal(t, g.Turn(), r.Turn())
	assert.True(t, r.Cash().Equal(g.Cash()))
	assert.True(t, r.Shares().Equal(g.Shares()))
	gotAvg, ok := r.AvgPrice()
	require.True(t, ok)
	wantAvg, _ := g.AvgPrice()
	assert.True(t, gotAvg.Equal(wantAvg))
	assert.Equal(t, StatusPlaying, r.Status())
	assert.Equal(t, g.TradeCount(), r.TradeCount())

	// Restored game keeps playing identically.
	require.Equal(t, RejectionNone, r.Advance())
	require.Equal(t, RejectionNone, g.Advance())
	assert.True(t, r.Equity().Equal(g.Equity()))
}

func TestRestore_TerminalSnapshotResumesEnded(t *testing.T) {
	cfg := Config{
		Bars: bars(100, 101, 102), StartIndex: 0, MaxTurns: 2,
		StartCash: d(1000),
	}
	g := newGame(t, cfg)
	require.Equal(t, RejectionNone, g.Advance())
	require.Equal(t, RejectionNone, g.Advance())
	require.Equal(t, StatusEnded, g.Status())

	r, err := Restore(cfg, g.Checkpoint("game-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, r.Status())
	assert.Equal(t, RejectionWrongState, r.Buy(d(1)))
}

func TestRestore_UnknownTimestamp(t *testing.T) {
	cfg := Config{
		Bars: bars(100, 101), StartIndex: 0, MaxTurns: 1, StartCash: d(1000),
	}
	_, err := Restore(cfg, model.Snapshot{Ts: 42})
	assert.ErrorIs(t, err, ErrSnapshotMismatch)
}

func TestReturnPct(t *testing.T) {
	g := newGame(t, Config{
		Bars: bars(100, 110), StartIndex: 0, MaxTurns: 1,
		StartCash: d(10_000),
	})
	require.Equal(t, RejectionNone, g.Buy(d(100))) // all in at 100
	require.Equal(t, RejectionNone, g.Advance())

	// equity = 100 shares * 110 = 11,000 → +10%
	assert.True(t, g.ReturnPct().Equal(d(10)), "return=%s", g.ReturnPct())
}
