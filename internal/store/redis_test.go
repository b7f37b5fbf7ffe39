package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/stockgame/engine/internal/engine"
	"github.com/stockgame/engine/internal/model"
	"github.com/stockgame/engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newCachedStore wires a MemoryStore primary behind a CachedStore backed by
// an embedded Redis.
func newCachedStore(t *testing.T) (*store.MemoryStore, *redis.Client, *store.CachedStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	primary := store.NewMemoryStore()
	return primary, rdb, store.NewCachedStore(primary, rdb, 5*time.Second)
}

func seedGame(t *testing.T, st store.Store, balance decimal.Decimal) {
	t.Helper()
	ctx := context.Background()
	if err := st.SeedSettings(ctx, &model.GameSettings{
		CurrentRound:   1,
		TotalRounds:    10,
		TradingAllowed: true,
		ClosingRound:   10,
		BrokerageRate:  d(0.01),
		SellFromRound:  4,
		InitialBalance: balance,
		MaxInstruments: 20,
		Version:        1,
		UpdatedAt:      time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed settings: %v", err)
	}
	now := time.Now().UTC()
	if err := st.CreateTeam(ctx, &model.Team{
		ID: "team1", TeamNumber: 1, CashBalance: balance,
		Status: model.TeamApproved, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed team: %v", err)
	}
	if err := st.CreateInstrument(ctx, &model.Instrument{
		ID: "inst1", Symbol: "TCS", Name: "TCS Ltd", Active: true, CreatedAt: now,
	}); err != nil {
		t.Fatalf("seed instrument: %v", err)
	}
	if err := st.UpsertPrice(ctx, &model.PriceEntry{
		InstrumentID: "inst1", RoundNumber: 1, Price: d(500), UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed price: %v", err)
	}
}

// poisonTeamKey plants a stale team record in Redis, as a racing reader
// would after re-caching a pre-trade snapshot.
func poisonTeamKey(t *testing.T, rdb *redis.Client, team *model.Team) {
	t.Helper()
	data, err := json.Marshal(team)
	if err != nil {
		t.Fatalf("marshal stale team: %v", err)
	}
	if err := rdb.Set(context.Background(), "team:"+team.ID, data, 5*time.Second).Err(); err != nil {
		t.Fatalf("plant stale team: %v", err)
	}
}

func TestCachedStore_TeamBalanceNeverServedFromCache(t *testing.T) {
	_, rdb, cs := newCachedStore(t)
	seedGame(t, cs, d(60000))
	ctx := context.Background()

	// A stale snapshot sits in Redis with the original balance.
	poisonTeamKey(t, rdb, &model.Team{
		ID: "team1", TeamNumber: 1, CashBalance: d(60000), Status: model.TeamApproved,
	})

	// Settle a trade through the cached store; the primary balance drops.
	now := time.Now().UTC()
	err := cs.ApplyTrade(ctx, &store.TradeApplication{
		TeamID:     "team1",
		NewBalance: d(9500),
		Entry: &model.PortfolioEntry{
			TeamID: "team1", InstrumentID: "inst1", Quantity: 100,
			AvgBuyPrice: d(500), UpdatedAt: now,
		},
		Record: &model.TradeRecord{
			ID: "trade1", TeamID: "team1", InstrumentID: "inst1",
			Side: model.SideBuy, Quantity: 100, Price: d(500),
			Brokerage: d(500), TotalAmount: d(50500), RoundNumber: 1, CreatedAt: now,
		},
	})
	if err != nil {
		t.Fatalf("apply trade: %v", err)
	}

	team, err := cs.GetTeam(ctx, "team1")
	if err != nil {
		t.Fatalf("get team: %v", err)
	}
	if !team.CashBalance.Equal(d(9500)) {
		t.Errorf("balance read must come from the primary: expected 9500, got %s", team.CashBalance)
	}
}

func TestExecuteOrder_StaleCachedBalanceCannotDoubleSpend(t *testing.T) {
	_, rdb, cs := newCachedStore(t)
	seedGame(t, cs, d(60000))
	ctx := context.Background()

	eng := engine.New(cs)

	// First buy fits the balance exactly once: 100×500 + 1% = 50,500.
	if _, err := eng.ExecuteOrder(ctx, "team1", "inst1", model.SideBuy, 100); err != nil {
		t.Fatalf("first buy: %v", err)
	}

	// A racing reader re-caches the pre-trade balance after the trade's
	// invalidation. The funds check must still see the settled 9,500.
	poisonTeamKey(t, rdb, &model.Team{
		ID: "team1", TeamNumber: 1, CashBalance: d(60000), Status: model.TeamApproved,
	})

	_, err := eng.ExecuteOrder(ctx, "team1", "inst1", model.SideBuy, 100)
	if engine.KindOf(err) != engine.KindInsufficientFunds {
		t.Fatalf("expected insufficient_funds, got %v", err)
	}

	team, err := cs.GetTeam(ctx, "team1")
	if err != nil {
		t.Fatalf("get team: %v", err)
	}
	if !team.CashBalance.Equal(d(9500)) {
		t.Errorf("expected balance 9500 after one settled buy, got %s", team.CashBalance)
	}
	trades, err := cs.ListTradesByTeam(ctx, "team1")
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 1 {
		t.Errorf("expected exactly one settled trade, got %d", len(trades))
	}
}

func TestCachedStore_ApplyTradeInvalidatesPortfolio(t *testing.T) {
	_, _, cs := newCachedStore(t)
	seedGame(t, cs, d(60000))
	ctx := context.Background()

	// Warm the portfolio cache with the empty portfolio.
	if entries, err := cs.GetPortfolio(ctx, "team1"); err != nil || len(entries) != 0 {
		t.Fatalf("expected empty portfolio, got %d entries, err %v", len(entries), err)
	}

	now := time.Now().UTC()
	err := cs.ApplyTrade(ctx, &store.TradeApplication{
		TeamID:     "team1",
		NewBalance: d(9500),
		Entry: &model.PortfolioEntry{
			TeamID: "team1", InstrumentID: "inst1", Quantity: 100,
			AvgBuyPrice: d(500), UpdatedAt: now,
		},
		Record: &model.TradeRecord{
			ID: "trade1", TeamID: "team1", InstrumentID: "inst1",
			Side: model.SideBuy, Quantity: 100, Price: d(500),
			Brokerage: d(500), TotalAmount: d(50500), RoundNumber: 1, CreatedAt: now,
		},
	})
	if err != nil {
		t.Fatalf("apply trade: %v", err)
	}

	entries, err := cs.GetPortfolio(ctx, "team1")
	if err != nil {
		t.Fatalf("get portfolio: %v", err)
	}
	if len(entries) != 1 || entries[0].Quantity != 100 {
		t.Errorf("expected refreshed portfolio with 100 shares, got %+v", entries)
	}
}

func TestCachedStore_UpsertPriceInvalidatesRound(t *testing.T) {
	_, _, cs := newCachedStore(t)
	seedGame(t, cs, d(60000))
	ctx := context.Background()

	// Warm the round cache.
	prices, err := cs.PricesForRound(ctx, 1)
	if err != nil || !prices["inst1"].Equal(d(500)) {
		t.Fatalf("expected warm price 500, got %v, err %v", prices, err)
	}

	err = cs.UpsertPrice(ctx, &model.PriceEntry{
		InstrumentID: "inst1", RoundNumber: 1, Price: d(550), UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("upsert price: %v", err)
	}

	prices, err = cs.PricesForRound(ctx, 1)
	if err != nil {
		t.Fatalf("prices for round: %v", err)
	}
	if !prices["inst1"].Equal(d(550)) {
		t.Errorf("expected invalidated cache to serve 550, got %s", prices["inst1"])
	}
}
