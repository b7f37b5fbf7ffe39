package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/stockgame/engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	teams       map[string]*model.Team
	instruments map[string]*model.Instrument
	prices      map[priceKey]decimal.Decimal
	portfolio   map[positionKey]*model.PortfolioEntry
	trades      []model.TradeRecord
	settings    *model.GameSettings
}

type priceKey struct {
	instrumentID string
	round        int
}

type positionKey struct {
	teamID       string
	instrumentID string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		teams:       make(map[string]*model.Team),
		instruments: make(map[string]*model.Instrument),
		prices:      make(map[priceKey]decimal.Decimal),
		portfolio:   make(map[positionKey]*model.PortfolioEntry),
	}
}

// --- Teams ---

func (s *MemoryStore) CreateTeam(_ context.Context, team *model.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.teams[team.ID]; ok {
		return fmt.Errorf("%w: team %s already exists", ErrConflict, team.ID)
	}
	for _, existing := range s.teams {
		if existing.TeamNumber == team.TeamNumber {
			return fmt.Errorf("%w: team number %d already taken", ErrConflict, team.TeamNumber)
		}
	}

	// Store a copy to avoid external mutation.
	cp := *team
	s.teams[team.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTeam(_ context.Context, id string) (*model.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.teams[id]
	if !ok {
		return nil, fmt.Errorf("%w: team %s", ErrNotFound, id)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTeams(_ context.Context) ([]model.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	teams := make([]model.Team, 0, len(s.teams))
	for _, t := range s.teams {
		teams = append(teams, *t)
	}
	sort.Slice(teams, func(i, j int) bool { return teams[i].TeamNumber < teams[j].TeamNumber })
	return teams, nil
}

func (s *MemoryStore) UpdateTeamStatus(_ context.Context, id string, status model.TeamStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.teams[id]
	if !ok {
		return fmt.Errorf("%w: team %s", ErrNotFound, id)
	}
	t.Status = status
	return nil
}

func (s *MemoryStore) DeleteTeam(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.teams[id]; !ok {
		return fmt.Errorf("%w: team %s", ErrNotFound, id)
	}
	delete(s.teams, id)

	for k := range s.portfolio {
		if k.teamID == id {
			delete(s.portfolio, k)
		}
	}
	kept := s.trades[:0]
	for _, tr := range s.trades {
		if tr.TeamID != id {
			kept = append(kept, tr)
		}
	}
	s.trades = kept
	return nil
}

// --- Instruments ---

func (s *MemoryStore) CreateInstrument(_ context.Context, in *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.instruments {
		if existing.Symbol == in.Symbol {
			return fmt.Errorf("%w: instrument %s already exists", ErrConflict, in.Symbol)
		}
	}
	cp := *in
	s.instruments[in.ID] = &cp
	return nil
}

func (s *MemoryStore) GetInstrument(_ context.Context, id string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.instruments[id]
	if !ok {
		return nil, fmt.Errorf("%w: instrument %s", ErrNotFound, id)
	}
	cp := *in
	return &cp, nil
}

func (s *MemoryStore) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instruments := make([]model.Instrument, 0, len(s.instruments))
	for _, in := range s.instruments {
		instruments = append(instruments, *in)
	}
	sort.Slice(instruments, func(i, j int) bool { return instruments[i].Symbol < instruments[j].Symbol })
	return instruments, nil
}

func (s *MemoryStore) SetInstrumentActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.instruments[id]
	if !ok {
		return fmt.Errorf("%w: instrument %s", ErrNotFound, id)
	}
	in.Active = active
	return nil
}

func (s *MemoryStore) DeleteInstrument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instruments[id]; !ok {
		return fmt.Errorf("%w: instrument %s", ErrNotFound, id)
	}
	for _, tr := range s.trades {
		if tr.InstrumentID == id {
			return fmt.Errorf("%w: instrument %s", ErrHasTrades, id)
		}
	}
	delete(s.instruments, id)
	for k := range s.prices {
		if k.instrumentID == id {
			delete(s.prices, k)
		}
	}
	return nil
}

// --- Price table ---

func (s *MemoryStore) UpsertPrice(_ context.Context, entry *model.PriceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prices[priceKey{entry.InstrumentID, entry.RoundNumber}] = entry.Price
	return nil
}

func (s *MemoryStore) GetPrice(_ context.Context, instrumentID string, round int) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	price, ok := s.prices[priceKey{instrumentID, round}]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: price for instrument %s round %d", ErrNotFound, instrumentID, round)
	}
	return price, nil
}

func (s *MemoryStore) PricesForRound(_ context.Context, round int) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prices := make(map[string]decimal.Decimal)
	for k, p := range s.prices {
		if k.round == round {
			prices[k.instrumentID] = p
		}
	}
	return prices, nil
}

// --- Portfolio ---

func (s *MemoryStore) GetPortfolio(_ context.Context, teamID string) ([]model.PortfolioEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []model.PortfolioEntry
	for k, e := range s.portfolio {
		if k.teamID == teamID {
			entries = append(entries, *e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].InstrumentID < entries[j].InstrumentID })
	return entries, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, teamID, instrumentID string) (*model.PortfolioEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.portfolio[positionKey{teamID, instrumentID}]
	if !ok {
		return nil, fmt.Errorf("%w: position %s/%s", ErrNotFound, teamID, instrumentID)
	}
	cp := *e
	return &cp, nil
}

// --- Trade settlement ---

// ApplyTrade applies all three writes under a single lock; map mutations
// cannot fail partway, so the all-or-nothing contract holds trivially.
func (s *MemoryStore) ApplyTrade(_ context.Context, app *TradeApplication) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	team, ok := s.teams[app.TeamID]
	if !ok {
		return fmt.Errorf("%w: team %s", ErrNotFound, app.TeamID)
	}

	team.CashBalance = app.NewBalance
	team.UpdatedAt = app.Record.CreatedAt

	key := positionKey{app.Entry.TeamID, app.Entry.InstrumentID}
	if app.Entry.Quantity == 0 {
		delete(s.portfolio, key)
	} else {
		cp := *app.Entry
		s.portfolio[key] = &cp
	}

	s.trades = append(s.trades, *app.Record)
	return nil
}

func (s *MemoryStore) ListTradesByTeam(_ context.Context, teamID string) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeRecord
	for _, tr := range s.trades {
		if tr.TeamID == teamID {
			result = append(result, tr)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTrades(_ context.Context) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.TradeRecord, len(s.trades))
	copy(result, s.trades)
	return result, nil
}

// --- Game settings ---

func (s *MemoryStore) GetSettings(_ context.Context) (*model.GameSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.settings == nil {
		return nil, fmt.Errorf("%w: game settings", ErrNotFound)
	}
	cp := *s.settings
	return &cp, nil
}

func (s *MemoryStore) SeedSettings(_ context.Context, settings *model.GameSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settings != nil {
		return nil
	}
	cp := *settings
	s.settings = &cp
	return nil
}

func (s *MemoryStore) UpdateSettings(_ context.Context, settings *model.GameSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settings == nil {
		return fmt.Errorf("%w: game settings", ErrNotFound)
	}
	if s.settings.Version != settings.Version-1 {
		return fmt.Errorf("%w: have %d, want %d", ErrVersionConflict, s.settings.Version, settings.Version-1)
	}
	cp := *settings
	s.settings = &cp
	return nil
}
