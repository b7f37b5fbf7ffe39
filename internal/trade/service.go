// Package trade provides the HTTP shell around the settlement engine:
// order submission, the leaderboard, team and instrument administration,
// per-round price setting, and round control.
//
// The shell is deliberately thin. It parses requests, delegates to the
// engine or store, and translates engine failure kinds into HTTP status
// codes; every trade total is recomputed server-side by the engine, never
// taken from the request.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockgame/engine/internal/engine"
	"github.com/stockgame/engine/internal/metrics"
	"github.com/stockgame/engine/internal/model"
	"github.com/stockgame/engine/internal/rounds"
	"github.com/stockgame/engine/internal/store"
	"github.com/stockgame/engine/internal/valuation"
)

// Service handles the game's HTTP API.
type Service struct {
	engine *engine.Engine
	store  store.Store
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(eng *engine.Engine, st store.Store, hub *WSHub) *Service {
	return &Service{engine: eng, store: st, wsHub: hub}
}

// --- Request/Response types ---

// OrderRequest is the JSON body for POST /api/v1/orders. Quantity and side
// are the only trade parameters a client may supply; price and totals are
// authoritative on the server.
type OrderRequest struct {
	TeamID       string `json:"team_id"`
	InstrumentID string `json:"instrument_id"`
	Side         string `json:"side"`     // "buy" or "sell"
	Quantity     int64  `json:"quantity"` // whole shares
}

// RegisterTeamRequest is the JSON body for POST /api/v1/teams.
type RegisterTeamRequest struct {
	TeamNumber int `json:"team_number"` // 0 → next free number
}

// TeamStatusRequest is the JSON body for POST /api/v1/teams/{teamID}/status.
type TeamStatusRequest struct {
	Status string `json:"status"` // "approved" or "rejected"
}

// CreateInstrumentRequest is the JSON body for POST /api/v1/instruments.
type CreateInstrumentRequest struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// InstrumentActiveRequest is the JSON body for POST .../instruments/{id}/active.
type InstrumentActiveRequest struct {
	Active bool `json:"active"`
}

// PriceUpdate is one row of a bulk price upload.
type PriceUpdate struct {
	InstrumentID string          `json:"instrument_id"`
	Price        decimal.Decimal `json:"price"`
}

// SetPricesRequest is the JSON body for PUT /api/v1/prices.
type SetPricesRequest struct {
	RoundNumber int           `json:"round_number"`
	Prices      []PriceUpdate `json:"prices"`
}

// AdvanceRoundRequest is the JSON body for POST /api/v1/rounds/advance.
type AdvanceRoundRequest struct {
	Round int `json:"round"`
}

// TradingFlagRequest is the JSON body for POST /api/v1/trading.
type TradingFlagRequest struct {
	Allowed bool `json:"allowed"`
}

// --- Order execution ---

// ExecuteOrder handles POST /api/v1/orders.
func (s *Service) ExecuteOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TeamID == "" || req.InstrumentID == "" {
		writeError(w, "team_id and instrument_id are required", http.StatusBadRequest)
		return
	}
	side, ok := model.ParseSide(req.Side)
	if !ok {
		writeError(w, "side must be buy or sell", http.StatusBadRequest)
		return
	}

	start := time.Now()
	record, err := s.engine.ExecuteOrder(r.Context(), req.TeamID, req.InstrumentID, side, req.Quantity)
	if err != nil {
		kind := engine.KindOf(err)
		metrics.TradeRejections.WithLabelValues(string(kind)).Inc()
		writeError(w, err.Error(), statusForKind(kind))
		return
	}

	metrics.TradesTotal.WithLabelValues(string(side)).Inc()
	metrics.TradeLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:         EventTradeExecuted,
			Round:        record.RoundNumber,
			InstrumentID: record.InstrumentID,
			Side:         string(record.Side),
			Quantity:     record.Quantity,
		})
	}

	writeJSON(w, http.StatusCreated, record)
}

// --- Leaderboard ---

// Standings handles GET /api/v1/standings.
func (s *Service) Standings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.engine.Settings(r.Context())
	if err != nil {
		writeError(w, "failed to load settings", http.StatusServiceUnavailable)
		return
	}
	standings, err := s.engine.ComputeStandings(r.Context(), settings.CurrentRound)
	if err != nil {
		writeError(w, "failed to compute standings", http.StatusServiceUnavailable)
		return
	}
	if standings == nil {
		standings = []model.Standing{}
	}
	writeJSON(w, http.StatusOK, standings)
}

// --- Teams ---

// RegisterTeam handles POST /api/v1/teams. Teams start pending with the
// configured initial balance; approval is a separate admin transition.
func (s *Service) RegisterTeam(w http.ResponseWriter, r *http.Request) {
	var req RegisterTeamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TeamNumber < 0 {
		writeError(w, "team_number must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		writeError(w, "game not initialized", http.StatusServiceUnavailable)
		return
	}

	number := req.TeamNumber
	if number == 0 {
		teams, err := s.store.ListTeams(ctx)
		if err != nil {
			writeError(w, "failed to list teams", http.StatusServiceUnavailable)
			return
		}
		for _, t := range teams {
			if t.TeamNumber > number {
				number = t.TeamNumber
			}
		}
		number++
	}

	now := time.Now().UTC()
	team := &model.Team{
		ID:          uuid.New().String(),
		TeamNumber:  number,
		CashBalance: settings.InitialBalance,
		Status:      model.TeamPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateTeam(ctx, team); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		writeError(w, "failed to create team", http.StatusServiceUnavailable)
		return
	}

	slog.Info("team registered", "id", team.ID, "number", team.TeamNumber)
	writeJSON(w, http.StatusCreated, team)
}

// ListTeams handles GET /api/v1/teams.
func (s *Service) ListTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := s.store.ListTeams(r.Context())
	if err != nil {
		writeError(w, "failed to list teams", http.StatusServiceUnavailable)
		return
	}
	if teams == nil {
		teams = []model.Team{}
	}
	writeJSON(w, http.StatusOK, teams)
}

// UpdateTeamStatus handles POST /api/v1/teams/{teamID}/status.
func (s *Service) UpdateTeamStatus(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")

	var req TeamStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	status := model.TeamStatus(req.Status)
	if status != model.TeamApproved && status != model.TeamRejected {
		writeError(w, "status must be approved or rejected", http.StatusBadRequest)
		return
	}

	if err := s.store.UpdateTeamStatus(r.Context(), teamID, status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "team not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to update team", http.StatusServiceUnavailable)
		return
	}

	slog.Info("team status changed", "team", teamID, "status", status)
	w.WriteHeader(http.StatusNoContent)
}

// DeleteTeam handles DELETE /api/v1/teams/{teamID}. The cascade removes
// the team's portfolio and trade log in the same transaction.
func (s *Service) DeleteTeam(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")

	if err := s.store.DeleteTeam(r.Context(), teamID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "team not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to delete team", http.StatusServiceUnavailable)
		return
	}

	slog.Info("team deleted", "team", teamID)
	w.WriteHeader(http.StatusNoContent)
}

// PortfolioPosition is one holding marked at the current round's price.
// A missing price contributes zero market value, matching the leaderboard.
type PortfolioPosition struct {
	model.PortfolioEntry
	CurrentPrice  decimal.Decimal `json:"current_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// GetPortfolio handles GET /api/v1/teams/{teamID}/portfolio.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")

	ctx := r.Context()
	entries, err := s.engine.Portfolio(ctx, teamID)
	if err != nil {
		writeError(w, err.Error(), statusForKind(engine.KindOf(err)))
		return
	}

	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		writeError(w, "game not initialized", http.StatusServiceUnavailable)
		return
	}
	prices, err := s.store.PricesForRound(ctx, settings.CurrentRound)
	if err != nil {
		writeError(w, "failed to load prices", http.StatusServiceUnavailable)
		return
	}

	positions := make([]PortfolioPosition, 0, len(entries))
	for _, e := range entries {
		price := prices[e.InstrumentID]
		positions = append(positions, PortfolioPosition{
			PortfolioEntry: e,
			CurrentPrice:   price,
			MarketValue:    price.Mul(decimal.NewFromInt(e.Quantity)),
			UnrealizedPnL:  valuation.UnrealizedPnL(e, price),
		})
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetTeamTrades handles GET /api/v1/teams/{teamID}/trades.
func (s *Service) GetTeamTrades(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")

	trades, err := s.store.ListTradesByTeam(r.Context(), teamID)
	if err != nil {
		writeError(w, "failed to list trades", http.StatusServiceUnavailable)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ListAllTrades handles GET /api/v1/trades: the full ledger in execution
// order, for the admin dashboard and post-game audit.
func (s *Service) ListAllTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.ListTrades(r.Context())
	if err != nil {
		writeError(w, "failed to list trades", http.StatusServiceUnavailable)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Instruments ---

// ListInstruments handles GET /api/v1/instruments.
func (s *Service) ListInstruments(w http.ResponseWriter, r *http.Request) {
	instruments, err := s.store.ListInstruments(r.Context())
	if err != nil {
		writeError(w, "failed to list instruments", http.StatusServiceUnavailable)
		return
	}
	if instruments == nil {
		instruments = []model.Instrument{}
	}
	writeJSON(w, http.StatusOK, instruments)
}

// CreateInstrument handles POST /api/v1/instruments.
func (s *Service) CreateInstrument(w http.ResponseWriter, r *http.Request) {
	var req CreateInstrumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	symbol, err := model.NormalizeSymbol(req.Symbol)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		writeError(w, "game not initialized", http.StatusServiceUnavailable)
		return
	}
	existing, err := s.store.ListInstruments(ctx)
	if err != nil {
		writeError(w, "failed to list instruments", http.StatusServiceUnavailable)
		return
	}
	if len(existing) >= settings.MaxInstruments {
		writeError(w, "instrument roster is full", http.StatusConflict)
		return
	}

	in := &model.Instrument{
		ID:        uuid.New().String(),
		Symbol:    symbol,
		Name:      req.Name,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateInstrument(ctx, in); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		writeError(w, "failed to create instrument", http.StatusServiceUnavailable)
		return
	}

	slog.Info("instrument created", "id", in.ID, "symbol", in.Symbol)
	writeJSON(w, http.StatusCreated, in)
}

// SetInstrumentActive handles POST /api/v1/instruments/{instrumentID}/active.
func (s *Service) SetInstrumentActive(w http.ResponseWriter, r *http.Request) {
	instrumentID := chi.URLParam(r, "instrumentID")

	var req InstrumentActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.store.SetInstrumentActive(r.Context(), instrumentID, req.Active); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "instrument not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to update instrument", http.StatusServiceUnavailable)
		return
	}

	slog.Info("instrument active flag set", "instrument", instrumentID, "active", req.Active)
	w.WriteHeader(http.StatusNoContent)
}

// DeleteInstrument handles DELETE /api/v1/instruments/{instrumentID}.
// Instruments with recorded trades cannot be deleted, only deactivated.
func (s *Service) DeleteInstrument(w http.ResponseWriter, r *http.Request) {
	instrumentID := chi.URLParam(r, "instrumentID")

	err := s.store.DeleteInstrument(r.Context(), instrumentID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "instrument not found", http.StatusNotFound)
	case errors.Is(err, store.ErrHasTrades):
		writeError(w, "instrument has trades; deactivate it instead", http.StatusConflict)
	default:
		writeError(w, "failed to delete instrument", http.StatusServiceUnavailable)
	}
}

// --- Price table ---

// SetPrices handles PUT /api/v1/prices: a bulk upsert of one round's
// prices. Rows are applied individually; latest write wins per
// (instrument, round).
func (s *Service) SetPrices(w http.ResponseWriter, r *http.Request) {
	var req SetPricesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		writeError(w, "game not initialized", http.StatusServiceUnavailable)
		return
	}
	if req.RoundNumber < 1 || req.RoundNumber > settings.TotalRounds {
		writeError(w, "round_number out of range", http.StatusBadRequest)
		return
	}
	if len(req.Prices) == 0 {
		writeError(w, "prices must not be empty", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	for _, p := range req.Prices {
		if p.Price.LessThanOrEqual(decimal.Zero) {
			writeError(w, "prices must be positive", http.StatusBadRequest)
			return
		}
		if _, err := s.store.GetInstrument(ctx, p.InstrumentID); err != nil {
			writeError(w, "unknown instrument "+p.InstrumentID, http.StatusBadRequest)
			return
		}
		entry := &model.PriceEntry{
			InstrumentID: p.InstrumentID,
			RoundNumber:  req.RoundNumber,
			Price:        p.Price,
			UpdatedAt:    now,
		}
		if err := s.store.UpsertPrice(ctx, entry); err != nil {
			writeError(w, "failed to store price", http.StatusServiceUnavailable)
			return
		}
	}

	slog.Info("prices updated", "round", req.RoundNumber, "count", len(req.Prices))
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{Type: EventPricesUpdated, Round: req.RoundNumber})
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetPrice handles GET /api/v1/instruments/{instrumentID}/price?round=N.
// Round defaults to the current round.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	instrumentID := chi.URLParam(r, "instrumentID")

	ctx := r.Context()
	round := 0
	if raw := r.URL.Query().Get("round"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, "invalid round", http.StatusBadRequest)
			return
		}
		round = n
	}
	if round == 0 {
		settings, err := s.store.GetSettings(ctx)
		if err != nil {
			writeError(w, "game not initialized", http.StatusServiceUnavailable)
			return
		}
		round = settings.CurrentRound
	}

	price, err := s.engine.Price(ctx, instrumentID, round)
	if err != nil {
		writeError(w, err.Error(), statusForKind(engine.KindOf(err)))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"instrument_id": instrumentID,
		"round":         round,
		"price":         price,
	})
}

// --- Game control ---

// GetSettings handles GET /api/v1/settings.
func (s *Service) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.engine.Settings(r.Context())
	if err != nil {
		writeError(w, "game not initialized", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// AdvanceRound handles POST /api/v1/rounds/advance.
func (s *Service) AdvanceRound(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRoundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	settings, err := s.engine.AdvanceRound(r.Context(), req.Round)
	if err != nil {
		if errors.Is(err, rounds.ErrRoundOutOfRange) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeError(w, err.Error(), statusForKind(engine.KindOf(err)))
		return
	}

	metrics.CurrentRound.Set(float64(settings.CurrentRound))
	if s.wsHub != nil {
		allowed := settings.TradingAllowed
		s.wsHub.Broadcast(WSMessage{
			Type:           EventRoundChanged,
			Round:          settings.CurrentRound,
			TradingAllowed: &allowed,
		})
	}
	writeJSON(w, http.StatusOK, settings)
}

// SetTrading handles POST /api/v1/trading.
func (s *Service) SetTrading(w http.ResponseWriter, r *http.Request) {
	var req TradingFlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	settings, err := s.engine.SetTradingAllowed(r.Context(), req.Allowed)
	if err != nil {
		writeError(w, err.Error(), statusForKind(engine.KindOf(err)))
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// --- Helpers ---

// statusForKind maps engine failure kinds to HTTP status codes.
func statusForKind(kind engine.Kind) int {
	switch kind {
	case engine.KindInvalidQuantity, engine.KindInvalidSide:
		return http.StatusBadRequest
	case engine.KindTeamNotFound:
		return http.StatusNotFound
	case engine.KindInstrumentInactive,
		engine.KindTradingClosed,
		engine.KindSellingNotYetAllowed,
		engine.KindPriceUnavailable,
		engine.KindInsufficientFunds,
		engine.KindInsufficientHoldings,
		engine.KindConcurrentRoundChange:
		return http.StatusConflict
	case engine.KindStorageFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
