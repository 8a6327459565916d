package risk

import (
	"math"

	"tradecore/internal/strategy"

	"github.com/shopspring/decimal"
)

var decimalZero = decimal.Zero

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimalZero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func decimalCompare(a, b float64) int {
	return decFromFloat(a).Cmp(decFromFloat(b))
}

func decimalLTE(a, b float64) bool { return decimalCompare(a, b) <= 0 }
func decimalGTE(a, b float64) bool { return decimalCompare(a, b) >= 0 }

// hitStopLoss 多头价格 <= 止损、空头价格 >= 止损即触发（含边界）。
func hitStopLoss(dir strategy.Direction, price, stop float64) bool {
	if stop <= 0 || price <= 0 {
		return false
	}
	switch dir {
	case strategy.Short:
		return decimalGTE(price, stop)
	default:
		return decimalLTE(price, stop)
	}
}

// hitTakeProfit 多头价格 >= 目标、空头价格 <= 目标即触发（含边界）。
func hitTakeProfit(dir strategy.Direction, price, target float64) bool {
	if target <= 0 || price <= 0 {
		return false
	}
	switch dir {
	case strategy.Short:
		return decimalLTE(price, target)
	default:
		return decimalGTE(price, target)
	}
}

// pnlFor 计算方向化盈亏：(price-entry) * sign * unitValue * size。
func pnlFor(dir strategy.Direction, entry, price, unitValue, size float64) float64 {
	delta := decFromFloat(price).Sub(decFromFloat(entry))
	if dir == strategy.Short {
		delta = delta.Neg()
	}
	return decToFloat(delta.Mul(decFromFloat(unitValue)).Mul(decFromFloat(size)))
}

// floorToStep 将数量向下取整到 step 的整数倍。
func floorToStep(qty, step float64) float64 {
	if qty <= 0 || step <= 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
		return 0
	}
	s := decFromFloat(step)
	return decToFloat(decFromFloat(qty).Div(s).Floor().Mul(s))
}
