// Package rounds implements the round state machine for the trading game.
//
// The game runs over a fixed number of rounds. Trading can be globally
// toggled by the administrator, selling unlocks at a configured round, and
// the designated closing round disables trading regardless of the global
// flag. All functions here are pure: they take a settings snapshot and
// never touch storage, so the executor can evaluate them inside its
// per-team critical section against a fresh read.
package rounds

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockgame/engine/internal/model"
)

var (
	// ErrRoundOutOfRange is returned when a round transition targets a
	// round outside 1..TotalRounds. Advancing beyond the final round is a
	// configuration error, never a silent wrap.
	ErrRoundOutOfRange = errors.New("rounds: target round out of range")

	// ErrInvalidSettings is returned when a settings record fails sanity
	// checks before being persisted.
	ErrInvalidSettings = errors.New("rounds: invalid game settings")
)

// TradingOpen reports whether orders may execute at the settings' current
// round. The closing round is locked out even while the global flag is on.
func TradingOpen(s *model.GameSettings) bool {
	return s.TradingAllowed && s.CurrentRound != s.ClosingRound
}

// SellAllowed reports whether sell orders are permitted at the settings'
// current round.
func SellAllowed(s *model.GameSettings) bool {
	return s.CurrentRound >= s.SellFromRound
}

// Advance returns a copy of s transitioned to newRound. The copy carries an
// incremented version for the store's optimistic write. When newRound is
// the closing round, TradingAllowed is forced off so the lockout survives
// settings reads that do not consult ClosingRound.
func Advance(s *model.GameSettings, newRound int) (*model.GameSettings, error) {
	if newRound < 1 || newRound > s.TotalRounds {
		return nil, fmt.Errorf("%w: %d (game has rounds 1-%d)", ErrRoundOutOfRange, newRound, s.TotalRounds)
	}

	next := *s
	next.CurrentRound = newRound
	if newRound == next.ClosingRound {
		next.TradingAllowed = false
	}
	next.Version = s.Version + 1
	next.UpdatedAt = time.Now().UTC()
	return &next, nil
}

// SetTradingAllowed returns a copy of s with the global trading flag set.
// The closing-round lockout still applies on top of the flag.
func SetTradingAllowed(s *model.GameSettings, allowed bool) *model.GameSettings {
	next := *s
	next.TradingAllowed = allowed
	next.Version = s.Version + 1
	next.UpdatedAt = time.Now().UTC()
	return &next
}

// ValidateSettings sanity-checks a settings record before it is persisted.
func ValidateSettings(s *model.GameSettings) error {
	switch {
	case s.TotalRounds < 1:
		return fmt.Errorf("%w: total_rounds must be >= 1", ErrInvalidSettings)
	case s.CurrentRound < 1 || s.CurrentRound > s.TotalRounds:
		return fmt.Errorf("%w: current_round %d outside 1-%d", ErrInvalidSettings, s.CurrentRound, s.TotalRounds)
	case s.ClosingRound < 1 || s.ClosingRound > s.TotalRounds:
		return fmt.Errorf("%w: closing_round %d outside 1-%d", ErrInvalidSettings, s.ClosingRound, s.TotalRounds)
	case s.SellFromRound < 1:
		return fmt.Errorf("%w: sell_from_round must be >= 1", ErrInvalidSettings)
	case s.BrokerageRate.IsNegative() || s.BrokerageRate.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return fmt.Errorf("%w: brokerage_rate must be in [0, 1)", ErrInvalidSettings)
	case s.InitialBalance.IsNegative():
		return fmt.Errorf("%w: initial_balance must be >= 0", ErrInvalidSettings)
	case s.MaxInstruments < 1:
		return fmt.Errorf("%w: max_instruments must be >= 1", ErrInvalidSettings)
	}
	return nil
}
