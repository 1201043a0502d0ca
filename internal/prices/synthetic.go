package prices

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/chartgame/game-engine/internal/model"
)

const day = int64(86400)

// genesisTs is the first bar of every synthetic series: 2015-01-01 UTC.
const genesisTs = int64(1420070400)

// SyntheticProvider generates deterministic daily OHLC series per symbol
// with a seeded random walk. The same (symbol, startTs) always yields the
// identical slice, which is what ties a resumed game back to its prices
// without an external vendor. Used in development and tests the same way
// the engine falls back to its in-memory store.
type SyntheticProvider struct {
	historyDays int

	mu     sync.Mutex
	offset *rand.Rand // drives fresh-game window placement only
}

// NewSyntheticProvider creates a provider with historyDays of generated
// history per symbol. offsetSeed controls fresh-game window placement;
// bar data itself depends only on the symbol.
func NewSyntheticProvider(historyDays int, offsetSeed int64) *SyntheticProvider {
	if historyDays <= 0 {
		historyDays = 2500
	}
	return &SyntheticProvider{
		historyDays: historyDays,
		offset:      rand.New(rand.NewSource(offsetSeed)),
	}
}

func (p *SyntheticProvider) GetSlice(ctx context.Context, symbol string, visibleDays, reservedTurns int) (*Slice, error) {
	need := visibleDays + reservedTurns
	maxStart := p.historyDays - need
	if maxStart < 0 {
		maxStart = 0
	}

	p.mu.Lock()
	startDay := 0
	if maxStart > 0 {
		startDay = p.offset.Intn(maxStart + 1)
	}
	p.mu.Unlock()

	return p.GetSliceAt(ctx, symbol, genesisTs+int64(startDay)*day, visibleDays, reservedTurns)
}

func (p *SyntheticProvider) GetSliceAt(_ context.Context, symbol string, startTs int64, visibleDays, reservedTurns int) (*Slice, error) {
	if symbol == "" {
		return nil, ErrNoHistory
	}

	startDay := int((startTs - genesisTs) / day)
	if startDay < 0 {
		startDay = 0
	}
	if startDay >= p.historyDays {
		startDay = p.historyDays - 1
	}

	need := visibleDays + reservedTurns
	if startDay+need > p.historyDays {
		need = p.historyDays - startDay
	}
	if need <= 0 {
		return nil, ErrNoHistory
	}

	// Walk the full series from genesis so any window is consistent with
	// every other window of the same symbol.
	rng := rand.New(rand.NewSource(int64(symbolSeed(symbol))))
	price := 500.0 + float64(symbolSeed(symbol)%9000)/10.0

	bars := make([]model.PriceBar, 0, need)
	for i := 0; i < startDay+need; i++ {
		open := price
		drift := rng.NormFloat64() * 0.02
		price = math.Max(1, price*(1+drift))
		high := math.Max(open, price) * (1 + rng.Float64()*0.01)
		low := math.Min(open, price) * (1 - rng.Float64()*0.01)
		vol := 1000 + rng.Float64()*100000

		if i >= startDay {
			bars = append(bars, model.PriceBar{
				Time:   genesisTs + int64(i)*day,
				Open:   round2(open),
				High:   round2(high),
				Low:    round2(low),
				Close:  round2(price),
				Volume: round2(vol),
			})
		}
	}

	startIndex := visibleDays
	if startIndex >= len(bars) {
		// Best effort when history is short: leave at least one playable bar.
		startIndex = len(bars) - 1
	}

	return &Slice{
		Bars:           bars,
		StartIndex:     startIndex,
		TotalAvailable: p.historyDays,
		StartTs:        bars[0].Time,
	}, nil
}

func symbolSeed(symbol string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	return h.Sum64()
}

func round2(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(2)
}
