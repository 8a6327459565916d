package levels

import "math"

// Zone places a price inside the dealing range.
type Zone string

const (
	ZoneDiscount    Zone = "discount"
	ZonePremium     Zone = "premium"
	ZoneEquilibrium Zone = "equilibrium"
)

// PricePosition is the zone of a price and how deep inside it the price sits.
type PricePosition struct {
	Zone       Zone    `json:"zone"`
	Percentage float64 `json:"percentage"`
	Strength   float64 `json:"strength"`
}

// Extreme reports whether the position is in the discount or premium zone.
func (p PricePosition) Extreme() bool {
	return p.Zone == ZoneDiscount || p.Zone == ZonePremium
}

// ClassifyPricePosition computes the position of price relative to rng. A zero-width range
// yields a neutral equilibrium position with ok=false.
func ClassifyPricePosition(price float64, rng DealingRange) (PricePosition, bool) {
	width := rng.Width()
	if width <= 0 {
		return PricePosition{Zone: ZoneEquilibrium}, false
	}
	pct := (price - rng.RangeLow) / width
	pos := PricePosition{Percentage: pct}
	switch {
	case pct <= discountFraction:
		pos.Zone = ZoneDiscount
		pos.Strength = (discountFraction - pct) / discountFraction
	case pct >= premiumFraction:
		pos.Zone = ZonePremium
		pos.Strength = (pct - premiumFraction) / (1 - premiumFraction)
	default:
		pos.Zone = ZoneEquilibrium
		pos.Strength = 1 - math.Abs(pct-0.5)/(0.5-discountFraction)
	}
	pos.Strength = clip01(pos.Strength)
	return pos, true
}

func clip01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
