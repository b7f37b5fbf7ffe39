package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stockgame/engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Teams ---

func (s *PostgresStore) CreateTeam(ctx context.Context, t *model.Team) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO teams (id, team_number, cash_balance, status, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6)`,
		t.ID, t.TeamNumber, t.CashBalance.String(), string(t.Status), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create team %d: %w", t.TeamNumber, err)
	}
	return nil
}

func (s *PostgresStore) GetTeam(ctx context.Context, id string) (*model.Team, error) {
	var t model.Team
	var balance, status string

	err := s.pool.QueryRow(ctx,
		`SELECT id, team_number, cash_balance::TEXT, status, created_at, updated_at
		 FROM teams WHERE id = $1`, id).
		Scan(&t.ID, &t.TeamNumber, &balance, &status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: team %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get team %s: %w", id, err)
	}

	t.CashBalance, _ = decimal.NewFromString(balance)
	t.Status = model.TeamStatus(status)
	return &t, nil
}

func (s *PostgresStore) ListTeams(ctx context.Context) ([]model.Team, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, team_number, cash_balance::TEXT, status, created_at, updated_at
		 FROM teams ORDER BY team_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var teams []model.Team
	for rows.Next() {
		var t model.Team
		var balance, status string
		if err := rows.Scan(&t.ID, &t.TeamNumber, &balance, &status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.CashBalance, _ = decimal.NewFromString(balance)
		t.Status = model.TeamStatus(status)
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

func (s *PostgresStore) UpdateTeamStatus(ctx context.Context, id string, status model.TeamStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE teams SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: team %s", ErrNotFound, id)
	}
	return nil
}

// DeleteTeam removes the team together with its portfolio and trade log in
// one transaction, so a failed cascade never orphans ledger rows.
func (s *PostgresStore) DeleteTeam(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM trades WHERE team_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM portfolio WHERE team_id = $1`, id); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM teams WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: team %s", ErrNotFound, id)
	}
	return tx.Commit(ctx)
}

// --- Instruments ---

func (s *PostgresStore) CreateInstrument(ctx context.Context, in *model.Instrument) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instruments (id, symbol, name, active, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		in.ID, in.Symbol, in.Name, in.Active, in.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create instrument %s: %w", in.Symbol, err)
	}
	return nil
}

func (s *PostgresStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	var in model.Instrument
	err := s.pool.QueryRow(ctx,
		`SELECT id, symbol, name, active, created_at FROM instruments WHERE id = $1`, id).
		Scan(&in.ID, &in.Symbol, &in.Name, &in.Active, &in.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: instrument %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get instrument %s: %w", id, err)
	}
	return &in, nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, name, active, created_at FROM instruments ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instruments []model.Instrument
	for rows.Next() {
		var in model.Instrument
		if err := rows.Scan(&in.ID, &in.Symbol, &in.Name, &in.Active, &in.CreatedAt); err != nil {
			return nil, err
		}
		instruments = append(instruments, in)
	}
	return instruments, rows.Err()
}

func (s *PostgresStore) SetInstrumentActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE instruments SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: instrument %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) DeleteInstrument(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var tradeCount int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM trades WHERE instrument_id = $1`, id).Scan(&tradeCount); err != nil {
		return err
	}
	if tradeCount > 0 {
		return fmt.Errorf("%w: instrument %s", ErrHasTrades, id)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM prices WHERE instrument_id = $1`, id); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM instruments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: instrument %s", ErrNotFound, id)
	}
	return tx.Commit(ctx)
}

// --- Price table ---

func (s *PostgresStore) UpsertPrice(ctx context.Context, entry *model.PriceEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO prices (instrument_id, round_number, price, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)
		 ON CONFLICT (instrument_id, round_number)
		 DO UPDATE SET price = EXCLUDED.price, updated_at = EXCLUDED.updated_at`,
		entry.InstrumentID, entry.RoundNumber, entry.Price.String(), entry.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetPrice(ctx context.Context, instrumentID string, round int) (decimal.Decimal, error) {
	var priceS string
	err := s.pool.QueryRow(ctx,
		`SELECT price::TEXT FROM prices WHERE instrument_id = $1 AND round_number = $2`,
		instrumentID, round).Scan(&priceS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: price for instrument %s round %d", ErrNotFound, instrumentID, round)
	}
	if err != nil {
		return decimal.Zero, err
	}
	price, _ := decimal.NewFromString(priceS)
	return price, nil
}

func (s *PostgresStore) PricesForRound(ctx context.Context, round int) (map[string]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT instrument_id, price::TEXT FROM prices WHERE round_number = $1`, round)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	prices := make(map[string]decimal.Decimal)
	for rows.Next() {
		var id, priceS string
		if err := rows.Scan(&id, &priceS); err != nil {
			return nil, err
		}
		prices[id], _ = decimal.NewFromString(priceS)
	}
	return prices, rows.Err()
}

// --- Portfolio ---

func (s *PostgresStore) GetPortfolio(ctx context.Context, teamID string) ([]model.PortfolioEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT team_id, instrument_id, quantity, avg_buy_price::TEXT, updated_at
		 FROM portfolio WHERE team_id = $1 ORDER BY instrument_id`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.PortfolioEntry
	for rows.Next() {
		var e model.PortfolioEntry
		var avgS string
		if err := rows.Scan(&e.TeamID, &e.InstrumentID, &e.Quantity, &avgS, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.AvgBuyPrice, _ = decimal.NewFromString(avgS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, teamID, instrumentID string) (*model.PortfolioEntry, error) {
	var e model.PortfolioEntry
	var avgS string

	err := s.pool.QueryRow(ctx,
		`SELECT team_id, instrument_id, quantity, avg_buy_price::TEXT, updated_at
		 FROM portfolio WHERE team_id = $1 AND instrument_id = $2`,
		teamID, instrumentID).
		Scan(&e.TeamID, &e.InstrumentID, &e.Quantity, &avgS, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: position %s/%s", ErrNotFound, teamID, instrumentID)
	}
	if err != nil {
		return nil, err
	}

	e.AvgBuyPrice, _ = decimal.NewFromString(avgS)
	return &e, nil
}

// --- Trade settlement ---

// ApplyTrade runs the balance update, portfolio upsert/delete, and ledger
// append in one transaction. Rollback on any failure leaves no partial
// state.
func (s *PostgresStore) ApplyTrade(ctx context.Context, app *TradeApplication) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE teams SET cash_balance = $2::NUMERIC, updated_at = $3 WHERE id = $1`,
		app.TeamID, app.NewBalance.String(), app.Record.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: team %s", ErrNotFound, app.TeamID)
	}

	if app.Entry.Quantity == 0 {
		_, err = tx.Exec(ctx,
			`DELETE FROM portfolio WHERE team_id = $1 AND instrument_id = $2`,
			app.Entry.TeamID, app.Entry.InstrumentID)
	} else {
		_, err = tx.Exec(ctx,
			`INSERT INTO portfolio (team_id, instrument_id, quantity, avg_buy_price, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5)
			 ON CONFLICT (team_id, instrument_id)
			 DO UPDATE SET quantity = EXCLUDED.quantity,
			               avg_buy_price = EXCLUDED.avg_buy_price,
			               updated_at = EXCLUDED.updated_at`,
			app.Entry.TeamID, app.Entry.InstrumentID, app.Entry.Quantity,
			app.Entry.AvgBuyPrice.String(), app.Entry.UpdatedAt)
	}
	if err != nil {
		return err
	}

	r := app.Record
	if _, err := tx.Exec(ctx,
		`INSERT INTO trades (id, team_id, instrument_id, side, quantity, price, brokerage, total_amount, round_number, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		r.ID, r.TeamID, r.InstrumentID, string(r.Side), r.Quantity,
		r.Price.String(), r.Brokerage.String(), r.TotalAmount.String(),
		r.RoundNumber, r.CreatedAt); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListTradesByTeam(ctx context.Context, teamID string) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, team_id, instrument_id, side, quantity,
		        price::TEXT, brokerage::TEXT, total_amount::TEXT, round_number, created_at
		 FROM trades WHERE team_id = $1 ORDER BY created_at`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTradeRecords(rows)
}

func (s *PostgresStore) ListTrades(ctx context.Context) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, team_id, instrument_id, side, quantity,
		        price::TEXT, brokerage::TEXT, total_amount::TEXT, round_number, created_at
		 FROM trades ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTradeRecords(rows)
}

// --- Game settings ---

func (s *PostgresStore) GetSettings(ctx context.Context) (*model.GameSettings, error) {
	var gs model.GameSettings
	var rateS, balanceS string

	err := s.pool.QueryRow(ctx,
		`SELECT current_round, total_rounds, trading_allowed, closing_round,
		        brokerage_rate::TEXT, sell_from_round, initial_balance::TEXT,
		        max_instruments, version, updated_at
		 FROM game_settings WHERE id = 1`).
		Scan(&gs.CurrentRound, &gs.TotalRounds, &gs.TradingAllowed, &gs.ClosingRound,
			&rateS, &gs.SellFromRound, &balanceS,
			&gs.MaxInstruments, &gs.Version, &gs.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: game settings", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}

	gs.BrokerageRate, _ = decimal.NewFromString(rateS)
	gs.InitialBalance, _ = decimal.NewFromString(balanceS)
	return &gs, nil
}

func (s *PostgresStore) SeedSettings(ctx context.Context, gs *model.GameSettings) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO game_settings (id, current_round, total_rounds, trading_allowed, closing_round,
		                            brokerage_rate, sell_from_round, initial_balance,
		                            max_instruments, version, updated_at)
		 VALUES (1, $1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		gs.CurrentRound, gs.TotalRounds, gs.TradingAllowed, gs.ClosingRound,
		gs.BrokerageRate.String(), gs.SellFromRound, gs.InitialBalance.String(),
		gs.MaxInstruments, gs.Version, gs.UpdatedAt,
	)
	return err
}

// UpdateSettings is the optimistic write: the row is replaced only when the
// stored version is exactly one behind, so a racing administrator update
// surfaces as ErrVersionConflict instead of a lost write.
func (s *PostgresStore) UpdateSettings(ctx context.Context, gs *model.GameSettings) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE game_settings
		 SET current_round = $1, total_rounds = $2, trading_allowed = $3, closing_round = $4,
		     brokerage_rate = $5::NUMERIC, sell_from_round = $6, initial_balance = $7::NUMERIC,
		     max_instruments = $8, version = $9, updated_at = $10
		 WHERE id = 1 AND version = $11`,
		gs.CurrentRound, gs.TotalRounds, gs.TradingAllowed, gs.ClosingRound,
		gs.BrokerageRate.String(), gs.SellFromRound, gs.InitialBalance.String(),
		gs.MaxInstruments, gs.Version, gs.UpdatedAt, gs.Version-1,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: expected version %d", ErrVersionConflict, gs.Version-1)
	}
	return nil
}

// scanTradeRecords reads pgx rows into TradeRecord slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTradeRecords(rows pgxRows) ([]model.TradeRecord, error) {
	var records []model.TradeRecord
	for rows.Next() {
		var r model.TradeRecord
		var side, priceS, brokerageS, totalS string

		if err := rows.Scan(&r.ID, &r.TeamID, &r.InstrumentID, &side, &r.Quantity,
			&priceS, &brokerageS, &totalS, &r.RoundNumber, &r.CreatedAt); err != nil {
			return nil, err
		}

		r.Side = model.Side(side)
		r.Price, _ = decimal.NewFromString(priceS)
		r.Brokerage, _ = decimal.NewFromString(brokerageS)
		r.TotalAmount, _ = decimal.NewFromString(totalS)

		records = append(records, r)
	}
	return records, rows.Err()
}
