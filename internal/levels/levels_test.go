package levels

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLevelTable(t *testing.T) {
	table := DefaultLevelTable()
	require.NoError(t, table.Validate())
	require.Len(t, table.Levels, 11)
	assert.Equal(t, CategoryOrderBlock, table.Levels[1].Category)
	assert.Equal(t, 0.9, table.Levels[1].Weight)
	assert.Equal(t, CategoryEquilibrium, table.Levels[5].Category)
}

func TestComputeInstitutionalLevels(t *testing.T) {
	rng := DealingRange{RangeLow: 100, RangeHigh: 181}
	lv := ComputeInstitutionalLevels(rng, DefaultLevelTable())
	require.Len(t, lv, 11)
	assert.InDelta(t, 100, lv[0].Price, 1e-9)
	assert.InDelta(t, 108.91, lv[1].Price, 1e-9)
	assert.InDelta(t, 140.5, lv[5].Price, 1e-9)
	assert.InDelta(t, 181, lv[10].Price, 1e-9)
	for i := 1; i < len(lv); i++ {
		assert.Less(t, lv[i-1].Price, lv[i].Price)
	}
}

func TestComputeInstitutionalLevelsUnorderedTable(t *testing.T) {
	table := LevelTable{Name: "shuffled", Levels: []LevelSpec{
		{Percentage: 71, Category: CategoryOrderBlock, Weight: 0.9},
		{Percentage: 0, Category: CategoryBoundary, Weight: 1},
		{Percentage: 50, Category: CategoryEquilibrium, Weight: 1},
		{Percentage: 29, Category: CategoryFairValueGap, Weight: 0.8},
	}}
	lv := ComputeInstitutionalLevels(DealingRange{RangeLow: 100, RangeHigh: 200}, table)
	require.Len(t, lv, 4)
	want := []float64{100, 129, 150, 171}
	for i, l := range lv {
		assert.InDelta(t, want[i], l.Price, 1e-9)
	}
	assert.Equal(t, CategoryFairValueGap, lv[1].Category)
	assert.Equal(t, CategoryOrderBlock, lv[3].Category)
}

func TestNearestLevel(t *testing.T) {
	lv := []Level{
		{Price: 100, Category: CategoryBoundary},
		{Price: 110, Category: CategoryOrderBlock},
		{Price: 120, Category: CategoryFairValueGap},
	}
	n, ok := NearestLevel(112, lv, 0)
	require.True(t, ok)
	assert.Equal(t, CategoryOrderBlock, n.Category)
	assert.InDelta(t, 2, n.Distance, 1e-9)

	n, ok = NearestLevel(115, lv, 0)
	require.True(t, ok)
	assert.Equal(t, 110.0, n.Price, "first level wins ties")

	_, ok = NearestLevel(115, lv, 1)
	assert.False(t, ok)

	_, ok = NearestLevel(115, nil, 0)
	assert.False(t, ok)
}

func TestParseLevelTable(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		table, err := ParseLevelTable([]byte(`
name: quarters
levels:
  - {percentage: 0, category: boundary, weight: 1}
  - {percentage: 25, category: order_block, weight: 0.9}
  - {percentage: 50, category: equilibrium, weight: 0.5}
  - {percentage: 75, category: order_block, weight: 0.9}
  - {percentage: 100, category: boundary, weight: 1}
`))
		require.NoError(t, err)
		assert.Equal(t, "quarters", table.Name)
		assert.Len(t, table.Levels, 5)
	})
	cases := map[string]string{
		"unknown field": `
levels:
  - {percentage: 0, category: boundary, weight: 1, color: red}
`,
		"weight out of range": `
levels:
  - {percentage: 0, category: boundary, weight: 1.5}
`,
		"unknown category": `
levels:
  - {percentage: 10, category: wick, weight: 0.5}
`,
		"not increasing": `
levels:
  - {percentage: 50, category: equilibrium, weight: 0.5}
  - {percentage: 40, category: breaker, weight: 0.6}
`,
		"missing levels": `name: empty`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseLevelTable([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidLevelTable)
		})
	}
}

func TestClassifyPricePosition(t *testing.T) {
	t.Run("discount scenario", func(t *testing.T) {
		rng := DealingRange{RangeLow: 1.0800, RangeHigh: 1.0881}
		pos, ok := ClassifyPricePosition(1.0805, rng)
		require.True(t, ok)
		assert.Equal(t, ZoneDiscount, pos.Zone)
		pct := 0.0005 / 0.0081
		assert.InDelta(t, pct, pos.Percentage, 1e-9)
		assert.InDelta(t, (0.33-pct)/0.33, pos.Strength, 1e-9)
	})
	rng := DealingRange{RangeLow: 0, RangeHigh: 100}
	cases := []struct {
		price    float64
		zone     Zone
		strength float64
	}{
		{90, ZonePremium, (0.9 - 0.67) / 0.33},
		{50, ZoneEquilibrium, 1},
		{40, ZoneEquilibrium, 1 - 0.1/0.17},
		{120, ZonePremium, 1},
		{-5, ZoneDiscount, 1},
		{0, ZoneDiscount, 1},
	}
	for _, tc := range cases {
		pos, ok := ClassifyPricePosition(tc.price, rng)
		require.True(t, ok)
		assert.Equal(t, tc.zone, pos.Zone, "price %.1f", tc.price)
		assert.InDelta(t, tc.strength, pos.Strength, 1e-9, "price %.1f", tc.price)
		assert.GreaterOrEqual(t, pos.Strength, 0.0)
		assert.LessOrEqual(t, pos.Strength, 1.0)
	}

	_, ok := ClassifyPricePosition(10, DealingRange{RangeLow: 5, RangeHigh: 5})
	assert.False(t, ok)
}
