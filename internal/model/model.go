// Package model defines the core domain types shared across the game engine.
// All monetary values use shopspring/decimal, never float64.
// Share quantities are whole shares and use int64.
package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether the side is one of the two recognized values.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// ParseSide normalizes and validates a side string.
func ParseSide(raw string) (Side, bool) {
	switch Side(strings.ToLower(strings.TrimSpace(raw))) {
	case SideBuy:
		return SideBuy, true
	case SideSell:
		return SideSell, true
	default:
		return "", false
	}
}

// TeamStatus is the registration state of a team.
type TeamStatus string

const (
	TeamPending  TeamStatus = "pending"
	TeamApproved TeamStatus = "approved"
	TeamRejected TeamStatus = "rejected"
)

// Valid reports whether the status is a recognized value.
func (s TeamStatus) Valid() bool {
	switch s {
	case TeamPending, TeamApproved, TeamRejected:
		return true
	default:
		return false
	}
}

// Team is a competing team. CashBalance is mutated only by the order
// executor; Status only by admin approval transitions.
type Team struct {
	ID          string          `json:"id" db:"id"`
	TeamNumber  int             `json:"team_number" db:"team_number"`
	CashBalance decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	Status      TeamStatus      `json:"status" db:"status"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Instrument is one tradable stock on the fixed roster. Activation state is
// administrative; the engine refuses orders against inactive instruments.
type Instrument struct {
	ID        string    `json:"id" db:"id"`
	Symbol    string    `json:"symbol" db:"symbol"`
	Name      string    `json:"name" db:"name"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// symbolRegex matches ticker-style symbols: uppercase, leading letter,
// optional digits and dots, at most 12 characters. Example: RELIANCE, TCS.
var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.]{0,11}$`)

// NormalizeSymbol uppercases, trims, and validates an instrument symbol.
func NormalizeSymbol(raw string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(raw))
	if !symbolRegex.MatchString(sym) {
		return "", fmt.Errorf("invalid symbol %q (expected 1-12 chars, uppercase letters, digits, dots)", raw)
	}
	return sym, nil
}

// PriceEntry is the administrator-set price for one instrument in one round.
// For a given (instrument, round) the latest write wins; rounds do not
// inherit prices from earlier rounds.
type PriceEntry struct {
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	RoundNumber  int             `json:"round_number" db:"round_number"`
	Price        decimal.Decimal `json:"price" db:"price"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// PortfolioEntry is a team's holding in one instrument. AvgBuyPrice is the
// volume-weighted average purchase price excluding brokerage; partial sells
// leave it unchanged. Entries are removed when quantity reaches zero, so a
// later buy starts a fresh position.
type PortfolioEntry struct {
	TeamID       string          `json:"team_id" db:"team_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	AvgBuyPrice  decimal.Decimal `json:"avg_buy_price" db:"avg_buy_price"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// TradeRecord is an immutable record of a settled order. Once created these
// are never modified or deleted; balances and portfolios are derivable from
// them and must always reconcile with the materialized state.
//
// TotalAmount is the cash actually moved: gross + brokerage for buys
// (debited), gross - brokerage for sells (credited).
type TradeRecord struct {
	ID           string          `json:"id" db:"id"`
	TeamID       string          `json:"team_id" db:"team_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Side         Side            `json:"side" db:"side"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Brokerage    decimal.Decimal `json:"brokerage" db:"brokerage"`
	TotalAmount  decimal.Decimal `json:"total_amount" db:"total_amount"`
	RoundNumber  int             `json:"round_number" db:"round_number"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// CashDelta returns the signed effect of this trade on the team's cash
// balance: negative for buys, positive for sells.
func (t *TradeRecord) CashDelta() decimal.Decimal {
	if t.Side == SideBuy {
		return t.TotalAmount.Neg()
	}
	return t.TotalAmount
}

// GameSettings is the versioned, process-wide game configuration record.
// All mutation goes through the round state machine and an optimistic
// version check in the store; there is no ambient global state.
type GameSettings struct {
	CurrentRound   int             `json:"current_round" db:"current_round"`
	TotalRounds    int             `json:"total_rounds" db:"total_rounds"`
	TradingAllowed bool            `json:"trading_allowed" db:"trading_allowed"`
	ClosingRound   int             `json:"closing_round" db:"closing_round"`
	BrokerageRate  decimal.Decimal `json:"brokerage_rate" db:"brokerage_rate"`
	SellFromRound  int             `json:"sell_from_round" db:"sell_from_round"`
	InitialBalance decimal.Decimal `json:"initial_balance" db:"initial_balance"`
	MaxInstruments int             `json:"max_instruments" db:"max_instruments"`
	Version        int64           `json:"version" db:"version"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// Standing is one leaderboard row: total value marked at the current
// round's prices.
type Standing struct {
	TeamID         string          `json:"team_id"`
	TeamNumber     int             `json:"team_number"`
	CashBalance    decimal.Decimal `json:"cash_balance"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	TotalValue     decimal.Decimal `json:"total_value"`
	Rank           int             `json:"rank"`
}
