// Package util provides common utility functions for option price calculations.
package util

import "github.com/shopspring/decimal"

// ContractMultiplier is the number of underlying units one option contract controls.
const ContractMultiplier = 100

var (
	cent       = decimal.New(1, -2)
	multiplier = decimal.NewFromInt(ContractMultiplier)
	two        = decimal.NewFromInt(2)
)

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
// For example, with tick=0.05, 1.27 becomes 1.25.
func RoundToTick(x, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return x
	}
	return x.Div(tick).Round(0).Mul(tick)
}

// RoundCents rounds x to two decimal places.
func RoundCents(x decimal.Decimal) decimal.Decimal {
	return RoundToTick(x, cent)
}

// Midpoint returns the bid/ask mid rounded to cents.
func Midpoint(bid, ask decimal.Decimal) decimal.Decimal {
	return RoundCents(bid.Add(ask).Div(two))
}

// ContractCost is the premium paid for one contract at price.
func ContractCost(price decimal.Decimal) decimal.Decimal {
	return price.Mul(multiplier)
}

// ContractsWithin returns how many whole contracts at price fit in budget.
// A non-positive price yields zero.
func ContractsWithin(budget, price decimal.Decimal) int64 {
	if !price.IsPositive() {
		return 0
	}
	return budget.Div(ContractCost(price)).Floor().IntPart()
}
