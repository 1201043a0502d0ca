// Package model defines the core domain types shared across the game engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceBar is one daily OHLC bar. Time is unix seconds at UTC midnight,
// unique and ascending within a slice. Bars are immutable once fetched.
type PriceBar struct {
	Time   int64           `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume,omitempty"`
}

// Session statuses derived from FinishedAt.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusFinished   = "FINISHED"
)

// Session is one playthrough of the chart game. Everything except
// FinishedAt, EndIndex and ReturnPct is immutable after creation.
type Session struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Symbol       string          `json:"symbol"`
	StartIndex   int             `json:"start_index"`
	StartCash    decimal.Decimal `json:"start_cash"`
	FeeBps       int64           `json:"fee_bps"`
	SlippageBps  int64           `json:"slippage_bps"`
	MaxTurns     int             `json:"max_turns"`
	SliceStartTs int64           `json:"slice_start_ts"`
	CreatedAt    time.Time       `json:"created_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	EndIndex     *int            `json:"end_index,omitempty"`
	ReturnPct    decimal.Decimal `json:"return_pct"`
}

// Status derives the lifecycle status from FinishedAt.
func (s *Session) Status() string {
	if s.FinishedAt != nil {
		return StatusFinished
	}
	return StatusInProgress
}

// Trade sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Trade is an immutable record of one fill. Price is the post-slippage
// fill price, not the raw quote.
type Trade struct {
	Side  string          `json:"side"`
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
	Time  int64           `json:"time"`
}

// Snapshot is a persisted checkpoint of ledger state, unique per
// (SessionID, Ts). Ts is the cursor bar's timestamp and doubles as the
// idempotency/versioning key: re-sending the same Ts overwrites.
type Snapshot struct {
	SessionID string          `json:"session_id"`
	Ts        int64           `json:"ts"`
	Cash      decimal.Decimal `json:"cash"`
	Shares    decimal.Decimal `json:"shares"`
	Equity    decimal.Decimal `json:"equity"`
	Turn      int             `json:"turn"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	HasAvg    bool            `json:"has_avg"`
	History   []Trade         `json:"history"`
	CreatedAt time.Time       `json:"created_at"`
}

// Score is one leaderboard record. Exactly one per finished session.
type Score struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Symbol    string          `json:"symbol"`
	Total     decimal.Decimal `json:"total"`
	ReturnPct decimal.Decimal `json:"return_pct"`
	GameID    string          `json:"game_id"`
	CreatedAt time.Time       `json:"created_at"`
}
