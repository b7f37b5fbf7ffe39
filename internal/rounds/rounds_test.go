package rounds

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/stockgame/engine/internal/model"
)

func testSettings() *model.GameSettings {
	return &model.GameSettings{
		CurrentRound:   1,
		TotalRounds:    10,
		TradingAllowed: true,
		ClosingRound:   10,
		BrokerageRate:  decimal.NewFromFloat(0.01),
		SellFromRound:  4,
		InitialBalance: decimal.NewFromInt(2000000),
		MaxInstruments: 20,
		Version:        1,
	}
}

func TestTradingOpen(t *testing.T) {
	s := testSettings()
	if !TradingOpen(s) {
		t.Error("trading should be open at round 1 with flag on")
	}

	s.TradingAllowed = false
	if TradingOpen(s) {
		t.Error("trading should be closed when flag is off")
	}
}

func TestTradingOpen_ClosingRoundLockout(t *testing.T) {
	s := testSettings()
	s.CurrentRound = s.ClosingRound
	// Flag deliberately left on: the closing round must win.
	if TradingOpen(s) {
		t.Error("trading should be closed at the closing round even with flag on")
	}
}

func TestSellAllowed(t *testing.T) {
	s := testSettings()
	for round := 1; round < s.SellFromRound; round++ {
		s.CurrentRound = round
		if SellAllowed(s) {
			t.Errorf("selling should not be allowed at round %d", round)
		}
	}
	s.CurrentRound = s.SellFromRound
	if !SellAllowed(s) {
		t.Errorf("selling should be allowed from round %d", s.SellFromRound)
	}
}

func TestAdvance(t *testing.T) {
	s := testSettings()
	next, err := Advance(s, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.CurrentRound != 2 {
		t.Errorf("expected round 2, got %d", next.CurrentRound)
	}
	if next.Version != s.Version+1 {
		t.Errorf("expected version bump to %d, got %d", s.Version+1, next.Version)
	}
	if s.CurrentRound != 1 {
		t.Error("Advance must not mutate its input")
	}
}

func TestAdvance_ClosingRoundDisablesTrading(t *testing.T) {
	s := testSettings()
	next, err := Advance(s, s.ClosingRound)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.TradingAllowed {
		t.Error("advancing to closing round must disable trading")
	}
}

func TestAdvance_OutOfRange(t *testing.T) {
	s := testSettings()
	for _, round := range []int{0, -1, 11, 100} {
		if _, err := Advance(s, round); !errors.Is(err, ErrRoundOutOfRange) {
			t.Errorf("round %d: expected ErrRoundOutOfRange, got %v", round, err)
		}
	}
}

func TestValidateSettings(t *testing.T) {
	if err := ValidateSettings(testSettings()); err != nil {
		t.Fatalf("valid settings rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*model.GameSettings)
	}{
		{"zero total rounds", func(s *model.GameSettings) { s.TotalRounds = 0 }},
		{"current round beyond total", func(s *model.GameSettings) { s.CurrentRound = 11 }},
		{"closing round beyond total", func(s *model.GameSettings) { s.ClosingRound = 11 }},
		{"zero sell round", func(s *model.GameSettings) { s.SellFromRound = 0 }},
		{"negative brokerage", func(s *model.GameSettings) { s.BrokerageRate = decimal.NewFromFloat(-0.01) }},
		{"brokerage of one", func(s *model.GameSettings) { s.BrokerageRate = decimal.NewFromInt(1) }},
		{"negative initial balance", func(s *model.GameSettings) { s.InitialBalance = decimal.NewFromInt(-1) }},
		{"zero max instruments", func(s *model.GameSettings) { s.MaxInstruments = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := testSettings()
			tc.mutate(s)
			if err := ValidateSettings(s); !errors.Is(err, ErrInvalidSettings) {
				t.Errorf("expected ErrInvalidSettings, got %v", err)
			}
		})
	}
}
