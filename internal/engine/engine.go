// Package engine implements the trade settlement core of the game: order
// validation and atomic execution, round transitions, and the leaderboard
// aggregator.
//
// Execution is serialized per team: two orders from the same team (e.g.
// two devices on one login) run one at a time, while different teams trade
// fully in parallel. Prices, brokerage, and totals are always recomputed
// here from the server-held price table; derived values submitted by a
// client are never trusted.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockgame/engine/internal/model"
	"github.com/stockgame/engine/internal/rounds"
	"github.com/stockgame/engine/internal/store"
	"github.com/stockgame/engine/internal/valuation"
)

// advanceRetries bounds the optimistic retry loop for settings writes.
const advanceRetries = 3

// Engine validates and settles orders against a Store.
type Engine struct {
	store store.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex // team ID → execution lock
}

// New creates an engine over the given store.
func New(st store.Store) *Engine {
	return &Engine{
		store: st,
		locks: make(map[string]*sync.Mutex),
	}
}

// teamLock returns the per-team execution lock, creating it on first use.
func (e *Engine) teamLock(teamID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.locks[teamID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[teamID] = l
	}
	return l
}

// ExecuteOrder validates and atomically settles one order, returning the
// appended trade record. Precondition checks run in a fixed order and the
// first failure short-circuits with its distinct kind.
//
// The whole call (settings read, checks, effect application) runs under
// the team's execution lock, so the round state it sees can never be stale
// relative to a completed AdvanceRound, and two orders that individually
// fit the balance but jointly exceed it can never both succeed.
func (e *Engine) ExecuteOrder(ctx context.Context, teamID, instrumentID string, side model.Side, quantity int64) (*model.TradeRecord, error) {
	if !side.Valid() {
		return nil, reject(KindInvalidSide, "side must be %q or %q", model.SideBuy, model.SideSell)
	}

	lock := e.teamLock(teamID)
	lock.Lock()
	defer lock.Unlock()

	if quantity <= 0 {
		return nil, reject(KindInvalidQuantity, "quantity must be positive, got %d", quantity)
	}

	team, err := e.store.GetTeam(ctx, teamID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, reject(KindTeamNotFound, "team %s", teamID)
	}
	if err != nil {
		return nil, storageErr("load team", err)
	}

	instrument, err := e.store.GetInstrument(ctx, instrumentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, reject(KindInstrumentInactive, "unknown instrument %s", instrumentID)
	}
	if err != nil {
		return nil, storageErr("load instrument", err)
	}
	if !instrument.Active {
		return nil, reject(KindInstrumentInactive, "instrument %s is inactive", instrument.Symbol)
	}

	settings, err := e.store.GetSettings(ctx)
	if err != nil {
		return nil, storageErr("load settings", err)
	}
	if !rounds.TradingOpen(settings) {
		return nil, reject(KindTradingClosed, "trading is closed at round %d", settings.CurrentRound)
	}
	if side == model.SideSell && !rounds.SellAllowed(settings) {
		return nil, reject(KindSellingNotYetAllowed, "selling unlocks at round %d, current round is %d",
			settings.SellFromRound, settings.CurrentRound)
	}

	price, err := e.store.GetPrice(ctx, instrumentID, settings.CurrentRound)
	if errors.Is(err, store.ErrNotFound) {
		return nil, reject(KindPriceUnavailable, "no price for %s in round %d", instrument.Symbol, settings.CurrentRound)
	}
	if err != nil {
		return nil, storageErr("load price", err)
	}

	now := time.Now().UTC()
	record := &model.TradeRecord{
		ID:           uuid.New().String(),
		TeamID:       teamID,
		InstrumentID: instrumentID,
		Side:         side,
		Quantity:     quantity,
		Price:        price,
		RoundNumber:  settings.CurrentRound,
		CreatedAt:    now,
	}
	entry := &model.PortfolioEntry{
		TeamID:       teamID,
		InstrumentID: instrumentID,
		UpdatedAt:    now,
	}
	var newBalance decimal.Decimal

	switch side {
	case model.SideBuy:
		_, brokerage, total := valuation.BuyCost(quantity, price, settings.BrokerageRate)
		if total.GreaterThan(team.CashBalance) {
			return nil, reject(KindInsufficientFunds, "need %s, have %s", total, team.CashBalance)
		}

		// A fresh position after full liquidation starts from zero; the
		// old average never leaks back in because zeroed entries are
		// removed on settlement.
		var oldQty int64
		oldAvg := decimal.Zero
		if pos, err := e.store.GetPosition(ctx, teamID, instrumentID); err == nil {
			oldQty, oldAvg = pos.Quantity, pos.AvgBuyPrice
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, storageErr("load position", err)
		}

		entry.Quantity = oldQty + quantity
		entry.AvgBuyPrice = valuation.WeightedAverage(oldQty, oldAvg, quantity, price)
		record.Brokerage = brokerage
		record.TotalAmount = total
		newBalance = team.CashBalance.Sub(total)

	case model.SideSell:
		pos, err := e.store.GetPosition(ctx, teamID, instrumentID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && pos.Quantity < quantity) {
			held := int64(0)
			if pos != nil {
				held = pos.Quantity
			}
			return nil, reject(KindInsufficientHoldings, "want to sell %d, hold %d", quantity, held)
		}
		if err != nil {
			return nil, storageErr("load position", err)
		}

		_, brokerage, net := valuation.SellProceeds(quantity, price, settings.BrokerageRate)

		entry.Quantity = pos.Quantity - quantity
		entry.AvgBuyPrice = pos.AvgBuyPrice // partial sells keep the basis
		if entry.Quantity == 0 {
			entry.AvgBuyPrice = decimal.Zero
		}
		record.Brokerage = brokerage
		record.TotalAmount = net
		newBalance = team.CashBalance.Add(net)
	}

	app := &store.TradeApplication{
		TeamID:     teamID,
		NewBalance: newBalance,
		Entry:      entry,
		Record:     record,
	}
	if err := e.store.ApplyTrade(ctx, app); err != nil {
		return nil, storageErr("settle trade", err)
	}

	slog.Info("trade executed",
		"trade_id", record.ID,
		"team", teamID,
		"instrument", instrument.Symbol,
		"side", side,
		"qty", quantity,
		"price", price.String(),
		"brokerage", record.Brokerage.String(),
		"total", record.TotalAmount.String(),
		"round", record.RoundNumber,
	)
	return record, nil
}

// AdvanceRound transitions the game to newRound. The write is optimistic:
// on a version conflict with a concurrent settings update it re-reads and
// retries a bounded number of times before giving up with
// ConcurrentRoundChange. Round bounds violations surface as
// rounds.ErrRoundOutOfRange.
func (e *Engine) AdvanceRound(ctx context.Context, newRound int) (*model.GameSettings, error) {
	for attempt := 0; attempt < advanceRetries; attempt++ {
		current, err := e.store.GetSettings(ctx)
		if err != nil {
			return nil, storageErr("load settings", err)
		}

		next, err := rounds.Advance(current, newRound)
		if err != nil {
			return nil, err
		}

		err = e.store.UpdateSettings(ctx, next)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, storageErr("write settings", err)
		}

		slog.Info("round advanced",
			"round", next.CurrentRound,
			"total_rounds", next.TotalRounds,
			"trading_allowed", next.TradingAllowed,
		)
		return next, nil
	}
	return nil, reject(KindConcurrentRoundChange, "settings update lost %d races", advanceRetries)
}

// SetTradingAllowed toggles the global trading flag with the same
// optimistic write discipline as AdvanceRound.
func (e *Engine) SetTradingAllowed(ctx context.Context, allowed bool) (*model.GameSettings, error) {
	for attempt := 0; attempt < advanceRetries; attempt++ {
		current, err := e.store.GetSettings(ctx)
		if err != nil {
			return nil, storageErr("load settings", err)
		}

		err = e.store.UpdateSettings(ctx, rounds.SetTradingAllowed(current, allowed))
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, storageErr("write settings", err)
		}

		updated, err := e.store.GetSettings(ctx)
		if err != nil {
			return nil, storageErr("load settings", err)
		}
		slog.Info("trading flag updated", "trading_allowed", allowed)
		return updated, nil
	}
	return nil, reject(KindConcurrentRoundChange, "settings update lost %d races", advanceRetries)
}

// ComputeStandings marks every team to market at the given round's prices
// and returns the leaderboard, ranked descending by total value with ties
// broken by ascending team number. Instruments with no price this round
// contribute zero. Read-only: never mutates ledger state, and a snapshot a
// moment behind an in-flight trade is acceptable.
func (e *Engine) ComputeStandings(ctx context.Context, round int) ([]model.Standing, error) {
	teams, err := e.store.ListTeams(ctx)
	if err != nil {
		return nil, storageErr("list teams", err)
	}
	prices, err := e.store.PricesForRound(ctx, round)
	if err != nil {
		return nil, storageErr("load prices", err)
	}

	standings := make([]model.Standing, 0, len(teams))
	for _, team := range teams {
		entries, err := e.store.GetPortfolio(ctx, team.ID)
		if err != nil {
			return nil, storageErr("load portfolio", err)
		}
		pv := valuation.PortfolioValue(entries, prices)
		standings = append(standings, model.Standing{
			TeamID:         team.ID,
			TeamNumber:     team.TeamNumber,
			CashBalance:    team.CashBalance,
			PortfolioValue: pv,
			TotalValue:     team.CashBalance.Add(pv),
		})
	}

	valuation.RankStandings(standings)
	return standings, nil
}

// Portfolio returns a team's holdings, or TeamNotFound.
func (e *Engine) Portfolio(ctx context.Context, teamID string) ([]model.PortfolioEntry, error) {
	if _, err := e.store.GetTeam(ctx, teamID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, reject(KindTeamNotFound, "team %s", teamID)
		}
		return nil, storageErr("load team", err)
	}
	entries, err := e.store.GetPortfolio(ctx, teamID)
	if err != nil {
		return nil, storageErr("load portfolio", err)
	}
	return entries, nil
}

// Price returns the administrator-set price for (instrument, round) or
// PriceUnavailable.
func (e *Engine) Price(ctx context.Context, instrumentID string, round int) (decimal.Decimal, error) {
	price, err := e.store.GetPrice(ctx, instrumentID, round)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, reject(KindPriceUnavailable, "no price for instrument %s in round %d", instrumentID, round)
	}
	if err != nil {
		return decimal.Zero, storageErr("load price", err)
	}
	return price, nil
}

// Settings returns the current settings snapshot.
func (e *Engine) Settings(ctx context.Context) (*model.GameSettings, error) {
	s, err := e.store.GetSettings(ctx)
	if err != nil {
		return nil, storageErr("load settings", err)
	}
	return s, nil
}
