package valuation

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/stockgame/engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestBuyCost(t *testing.T) {
	// 100 shares at 50 with 1% brokerage debits exactly 5050.
	gross, brokerage, total := BuyCost(100, d(50), d(0.01))
	if !gross.Equal(d(5000)) {
		t.Errorf("expected gross 5000, got %s", gross)
	}
	if !brokerage.Equal(d(50)) {
		t.Errorf("expected brokerage 50, got %s", brokerage)
	}
	if !total.Equal(d(5050)) {
		t.Errorf("expected total 5050, got %s", total)
	}
}

func TestSellProceeds(t *testing.T) {
	// 100 shares at 60 with 1% brokerage credits exactly 5940.
	gross, brokerage, net := SellProceeds(100, d(60), d(0.01))
	if !gross.Equal(d(6000)) {
		t.Errorf("expected gross 6000, got %s", gross)
	}
	if !brokerage.Equal(d(60)) {
		t.Errorf("expected brokerage 60, got %s", brokerage)
	}
	if !net.Equal(d(5940)) {
		t.Errorf("expected net 5940, got %s", net)
	}
}

func TestWeightedAverage(t *testing.T) {
	cases := []struct {
		name   string
		oldQty int64
		oldAvg decimal.Decimal
		addQty int64
		price  decimal.Decimal
		want   decimal.Decimal
	}{
		{"first buy", 0, decimal.Zero, 10, d(100), d(100)},
		{"equal lots", 10, d(100), 10, d(200), d(150)},
		{"uneven lots", 30, d(10), 10, d(50), d(20)},
		{"same price", 5, d(42), 15, d(42), d(42)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := WeightedAverage(tc.oldQty, tc.oldAvg, tc.addQty, tc.price)
			if !got.Equal(tc.want) {
				t.Errorf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestWeightedAverage_RoundsRepeatingFraction(t *testing.T) {
	// (1×100 + 2×50) / 3 = 66.666... must round, not truncate silently.
	got := WeightedAverage(1, d(100), 2, d(50))
	want, _ := decimal.NewFromString("66.66666667")
	if !got.Equal(want) {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestPortfolioValue(t *testing.T) {
	entries := []model.PortfolioEntry{
		{InstrumentID: "a", Quantity: 100, AvgBuyPrice: d(500)},
		{InstrumentID: "b", Quantity: 10, AvgBuyPrice: d(90)},
		{InstrumentID: "c", Quantity: 50, AvgBuyPrice: d(10)},
	}
	prices := map[string]decimal.Decimal{
		"a": d(600),
		"b": d(80),
		// "c" has no price this round and contributes zero.
	}

	got := PortfolioValue(entries, prices)
	if !got.Equal(d(60800)) {
		t.Errorf("expected 60800, got %s", got)
	}
}

func TestPortfolioValue_Empty(t *testing.T) {
	if got := PortfolioValue(nil, nil); !got.Equal(decimal.Zero) {
		t.Errorf("expected zero, got %s", got)
	}
}

func TestUnrealizedPnL(t *testing.T) {
	e := model.PortfolioEntry{Quantity: 100, AvgBuyPrice: d(500)}
	if got := UnrealizedPnL(e, d(600)); !got.Equal(d(10000)) {
		t.Errorf("expected 10000, got %s", got)
	}
	if got := UnrealizedPnL(e, d(450)); !got.Equal(d(-5000)) {
		t.Errorf("expected -5000, got %s", got)
	}
}

func TestRankStandings(t *testing.T) {
	standings := []model.Standing{
		{TeamNumber: 3, TotalValue: d(100)},
		{TeamNumber: 1, TotalValue: d(300)},
		{TeamNumber: 2, TotalValue: d(200)},
	}
	RankStandings(standings)

	for i, wantTeam := range []int{1, 2, 3} {
		if standings[i].TeamNumber != wantTeam {
			t.Errorf("position %d: expected team %d, got %d", i, wantTeam, standings[i].TeamNumber)
		}
		if standings[i].Rank != i+1 {
			t.Errorf("position %d: expected rank %d, got %d", i, i+1, standings[i].Rank)
		}
	}
}

func TestRankStandings_TieBreakByTeamNumber(t *testing.T) {
	standings := []model.Standing{
		{TeamNumber: 7, TotalValue: d(500)},
		{TeamNumber: 2, TotalValue: d(500)},
		{TeamNumber: 5, TotalValue: d(500)},
	}
	RankStandings(standings)

	for i, wantTeam := range []int{2, 5, 7} {
		if standings[i].TeamNumber != wantTeam {
			t.Errorf("position %d: expected team %d, got %d", i, wantTeam, standings[i].TeamNumber)
		}
	}
}
