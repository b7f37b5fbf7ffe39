// Package store defines the persistence interface for the trading game.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/stockgame/engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned on unique-constraint style violations, such
	// as creating a team or instrument that already exists.
	ErrConflict = errors.New("store: conflict")

	// ErrVersionConflict is returned when an optimistic settings write
	// lost the race against a concurrent update.
	ErrVersionConflict = errors.New("store: settings version conflict")

	// ErrHasTrades is returned when deleting an instrument that is
	// referenced by trade records. Deactivate instead.
	ErrHasTrades = errors.New("store: instrument has recorded trades")
)

// TradeApplication bundles the full effect of one settled order so the
// store can apply it atomically: the team's new balance, the resulting
// portfolio entry, and the immutable trade record. A resulting Entry with
// Quantity of zero removes the (team, instrument) row.
//
// Implementations must apply all three writes or none.
type TradeApplication struct {
	TeamID     string
	NewBalance decimal.Decimal
	Entry      *model.PortfolioEntry
	Record     *model.TradeRecord
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Teams ---

	// CreateTeam persists a new team.
	CreateTeam(ctx context.Context, team *model.Team) error

	// GetTeam retrieves a team by ID.
	GetTeam(ctx context.Context, id string) (*model.Team, error)

	// ListTeams returns all teams ordered by team number.
	ListTeams(ctx context.Context) ([]model.Team, error)

	// UpdateTeamStatus applies an approval transition.
	UpdateTeamStatus(ctx context.Context, id string, status model.TeamStatus) error

	// DeleteTeam removes a team and cascades its portfolio and trade log.
	DeleteTeam(ctx context.Context, id string) error

	// --- Instruments ---

	// CreateInstrument persists a new instrument.
	CreateInstrument(ctx context.Context, in *model.Instrument) error

	// GetInstrument retrieves an instrument by ID.
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)

	// ListInstruments returns the full roster ordered by symbol.
	ListInstruments(ctx context.Context) ([]model.Instrument, error)

	// SetInstrumentActive flips the activation flag.
	SetInstrumentActive(ctx context.Context, id string, active bool) error

	// DeleteInstrument removes an instrument and its prices. Fails with
	// ErrHasTrades while trade records reference it.
	DeleteInstrument(ctx context.Context, id string) error

	// --- Price table ---

	// UpsertPrice writes the price for one (instrument, round); the
	// latest write wins.
	UpsertPrice(ctx context.Context, entry *model.PriceEntry) error

	// GetPrice returns the price for (instrument, round) or ErrNotFound.
	GetPrice(ctx context.Context, instrumentID string, round int) (decimal.Decimal, error)

	// PricesForRound returns the round's full price table keyed by
	// instrument ID. Instruments without a price are absent.
	PricesForRound(ctx context.Context, round int) (map[string]decimal.Decimal, error)

	// --- Portfolio ---

	// GetPortfolio returns all of a team's holdings.
	GetPortfolio(ctx context.Context, teamID string) ([]model.PortfolioEntry, error)

	// GetPosition returns one (team, instrument) holding or ErrNotFound.
	GetPosition(ctx context.Context, teamID, instrumentID string) (*model.PortfolioEntry, error)

	// --- Trade settlement ---

	// ApplyTrade atomically updates the team balance, upserts or removes
	// the portfolio entry, and appends the trade record. On error no
	// partial state is left behind.
	ApplyTrade(ctx context.Context, app *TradeApplication) error

	// ListTradesByTeam returns a team's trade log in execution order.
	ListTradesByTeam(ctx context.Context, teamID string) ([]model.TradeRecord, error)

	// ListTrades returns the full trade log in execution order.
	ListTrades(ctx context.Context) ([]model.TradeRecord, error)

	// --- Game settings ---

	// GetSettings returns the settings singleton or ErrNotFound when the
	// game has not been seeded.
	GetSettings(ctx context.Context) (*model.GameSettings, error)

	// SeedSettings inserts the settings singleton if absent; it never
	// overwrites an existing record.
	SeedSettings(ctx context.Context, s *model.GameSettings) error

	// UpdateSettings writes a new settings record conditioned on the
	// stored version being exactly s.Version-1; otherwise it fails with
	// ErrVersionConflict.
	UpdateSettings(ctx context.Context, s *model.GameSettings) error
}
