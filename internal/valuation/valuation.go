// Package valuation implements the money arithmetic of the trading game:
// brokerage, buy cost and sell proceeds, volume-weighted average cost
// basis, mark-to-market portfolio value, and leaderboard ordering.
//
// All monetary values use shopspring/decimal, never float64.
// Functions here are stateless; quantities, prices, and rates are passed
// as arguments so callers can evaluate them against any settings snapshot.
//
// The average buy price excludes brokerage: it reflects only the per-share
// purchase cost. Code comparing cost basis against invested capital must
// re-add brokerage to reconstruct the true outlay.
package valuation

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/stockgame/engine/internal/model"
)

// PriceScale is the number of decimal places average prices are rounded to.
// Trade totals are exact products and are not rounded.
const PriceScale int32 = 8

// Brokerage returns the fee on a gross trade amount: gross × rate.
func Brokerage(gross, rate decimal.Decimal) decimal.Decimal {
	return gross.Mul(rate)
}

// BuyCost returns the gross amount, brokerage, and total cash debit for
// buying quantity shares at price with the given brokerage rate.
// total = quantity × price × (1 + rate).
func BuyCost(quantity int64, price, rate decimal.Decimal) (gross, brokerage, total decimal.Decimal) {
	gross = price.Mul(decimal.NewFromInt(quantity))
	brokerage = Brokerage(gross, rate)
	total = gross.Add(brokerage)
	return gross, brokerage, total
}

// SellProceeds returns the gross amount, brokerage, and net cash credit for
// selling quantity shares at price with the given brokerage rate.
// net = quantity × price × (1 - rate).
func SellProceeds(quantity int64, price, rate decimal.Decimal) (gross, brokerage, net decimal.Decimal) {
	gross = price.Mul(decimal.NewFromInt(quantity))
	brokerage = Brokerage(gross, rate)
	net = gross.Sub(brokerage)
	return gross, brokerage, net
}

// WeightedAverage folds a new purchase into an existing cost basis:
//
//	avg' = (oldQty × oldAvg + addQty × price) / (oldQty + addQty)
//
// With oldQty of zero this degenerates to the purchase price, which is how
// a fresh position after full liquidation resets its basis.
func WeightedAverage(oldQty int64, oldAvg decimal.Decimal, addQty int64, price decimal.Decimal) decimal.Decimal {
	totalQty := oldQty + addQty
	if totalQty == 0 {
		return decimal.Zero
	}
	oldValue := oldAvg.Mul(decimal.NewFromInt(oldQty))
	newValue := price.Mul(decimal.NewFromInt(addQty))
	return oldValue.Add(newValue).DivRound(decimal.NewFromInt(totalQty), PriceScale)
}

// PortfolioValue marks a set of holdings to market against a per-instrument
// price table. Instruments with no price in the table contribute zero; a
// missing price is never an error here.
func PortfolioValue(entries []model.PortfolioEntry, prices map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		price, ok := prices[e.InstrumentID]
		if !ok {
			continue
		}
		total = total.Add(price.Mul(decimal.NewFromInt(e.Quantity)))
	}
	return total
}

// UnrealizedPnL returns the mark-to-market gain or loss on one holding
// relative to its cost basis (brokerage excluded on both sides).
func UnrealizedPnL(e model.PortfolioEntry, currentPrice decimal.Decimal) decimal.Decimal {
	qty := decimal.NewFromInt(e.Quantity)
	return currentPrice.Mul(qty).Sub(e.AvgBuyPrice.Mul(qty))
}

// RankStandings orders standings in place: descending by total value, ties
// broken by ascending team number so the ordering is deterministic. Rank
// fields are assigned 1-based after sorting.
func RankStandings(standings []model.Standing) {
	sort.SliceStable(standings, func(i, j int) bool {
		if !standings[i].TotalValue.Equal(standings[j].TotalValue) {
			return standings[i].TotalValue.GreaterThan(standings[j].TotalValue)
		}
		return standings[i].TeamNumber < standings[j].TeamNumber
	})
	for i := range standings {
		standings[i].Rank = i + 1
	}
}
