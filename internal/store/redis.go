package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/stockgame/engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the display read paths: portfolios and the per-round price
// table. Writes go to the primary store and invalidate the affected keys;
// reads check Redis first then fall back to the primary.
//
// Reads that feed settlement decisions (team balances, positions, settings)
// are never cached; see the notes on GetTeam and GetSettings.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Teams ---

func (s *CachedStore) CreateTeam(ctx context.Context, t *model.Team) error {
	return s.primary.CreateTeam(ctx, t)
}

// GetTeam is deliberately NOT cached: the balance it returns is the input
// to the executor's funds check. A read-aside race (reader fetches the
// pre-trade balance, the trade invalidates, the reader re-caches the stale
// value) would let two orders spend the same cash.
func (s *CachedStore) GetTeam(ctx context.Context, id string) (*model.Team, error) {
	return s.primary.GetTeam(ctx, id)
}

func (s *CachedStore) ListTeams(ctx context.Context) ([]model.Team, error) {
	return s.primary.ListTeams(ctx)
}

func (s *CachedStore) UpdateTeamStatus(ctx context.Context, id string, status model.TeamStatus) error {
	return s.primary.UpdateTeamStatus(ctx, id, status)
}

func (s *CachedStore) DeleteTeam(ctx context.Context, id string) error {
	if err := s.primary.DeleteTeam(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, portfolioKey(id))
	return nil
}

// --- Instruments (not cached: small roster, admin-paced writes) ---

func (s *CachedStore) CreateInstrument(ctx context.Context, in *model.Instrument) error {
	return s.primary.CreateInstrument(ctx, in)
}

func (s *CachedStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	return s.primary.GetInstrument(ctx, id)
}

func (s *CachedStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	return s.primary.ListInstruments(ctx)
}

func (s *CachedStore) SetInstrumentActive(ctx context.Context, id string, active bool) error {
	return s.primary.SetInstrumentActive(ctx, id, active)
}

func (s *CachedStore) DeleteInstrument(ctx context.Context, id string) error {
	return s.primary.DeleteInstrument(ctx, id)
}

// --- Price table ---

func (s *CachedStore) UpsertPrice(ctx context.Context, entry *model.PriceEntry) error {
	if err := s.primary.UpsertPrice(ctx, entry); err != nil {
		return err
	}
	// Invalidate the round's table; next read re-populates.
	s.rdb.Del(ctx, pricesKey(entry.RoundNumber))
	return nil
}

func (s *CachedStore) GetPrice(ctx context.Context, instrumentID string, round int) (decimal.Decimal, error) {
	prices, err := s.PricesForRound(ctx, round)
	if err != nil {
		return decimal.Zero, err
	}
	price, ok := prices[instrumentID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: price for instrument %s round %d", ErrNotFound, instrumentID, round)
	}
	return price, nil
}

func (s *CachedStore) PricesForRound(ctx context.Context, round int) (map[string]decimal.Decimal, error) {
	data, err := s.rdb.Get(ctx, pricesKey(round)).Bytes()
	if err == nil {
		var raw map[string]string
		if json.Unmarshal(data, &raw) == nil {
			prices := make(map[string]decimal.Decimal, len(raw))
			for id, p := range raw {
				prices[id], _ = decimal.NewFromString(p)
			}
			return prices, nil
		}
	}

	prices, err := s.primary.PricesForRound(ctx, round)
	if err != nil {
		return nil, err
	}

	raw := make(map[string]string, len(prices))
	for id, p := range prices {
		raw[id] = p.String()
	}
	s.cacheJSON(ctx, pricesKey(round), raw)
	return prices, nil
}

// --- Portfolio ---

func (s *CachedStore) GetPortfolio(ctx context.Context, teamID string) ([]model.PortfolioEntry, error) {
	data, err := s.rdb.Get(ctx, portfolioKey(teamID)).Bytes()
	if err == nil {
		var entries []model.PortfolioEntry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	}

	entries, err := s.primary.GetPortfolio(ctx, teamID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, portfolioKey(teamID), entries)
	return entries, nil
}

// GetPosition feeds the holdings check and reads from the primary for the
// same reason as GetTeam.
func (s *CachedStore) GetPosition(ctx context.Context, teamID, instrumentID string) (*model.PortfolioEntry, error) {
	return s.primary.GetPosition(ctx, teamID, instrumentID)
}

// --- Trade settlement ---

func (s *CachedStore) ApplyTrade(ctx context.Context, app *TradeApplication) error {
	if err := s.primary.ApplyTrade(ctx, app); err != nil {
		return err
	}
	// The trade moved holdings; drop the cached portfolio view.
	s.rdb.Del(ctx, portfolioKey(app.TeamID))
	return nil
}

func (s *CachedStore) ListTradesByTeam(ctx context.Context, teamID string) ([]model.TradeRecord, error) {
	return s.primary.ListTradesByTeam(ctx, teamID)
}

func (s *CachedStore) ListTrades(ctx context.Context) ([]model.TradeRecord, error) {
	return s.primary.ListTrades(ctx)
}

// --- Game settings ---
//
// Settings are deliberately NOT cached: the executor must see a round
// transition immediately, and a TTL-stale snapshot here would let orders
// slip through after the administrator closes trading.

func (s *CachedStore) GetSettings(ctx context.Context) (*model.GameSettings, error) {
	return s.primary.GetSettings(ctx)
}

func (s *CachedStore) SeedSettings(ctx context.Context, gs *model.GameSettings) error {
	return s.primary.SeedSettings(ctx, gs)
}

func (s *CachedStore) UpdateSettings(ctx context.Context, gs *model.GameSettings) error {
	return s.primary.UpdateSettings(ctx, gs)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func portfolioKey(id string) string { return fmt.Sprintf("portfolio:%s", id) }
func pricesKey(round int) string    { return "prices:" + strconv.Itoa(round) }
