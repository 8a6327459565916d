package market

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Category 是品种大类，用于单位价值换算与同类持仓上限。
type Category string

const (
	CategoryFutures Category = "futures"
	CategoryForex   Category = "forex"
	CategoryCrypto  Category = "crypto"
	CategoryEquity  Category = "equity"
)

// Categories 返回所有已知大类。
func Categories() []Category {
	return []Category{CategoryFutures, CategoryForex, CategoryCrypto, CategoryEquity}
}

// ErrUnknownInstrument 表示 catalog 中没有该品种。
var ErrUnknownInstrument = errors.New("unknown instrument")

const (
	defaultForexLot      = 100000
	defaultForexPipValue = 10
)

// Instrument 描述品种的合约规格。
//
// futures 使用 TickSize/TickValue/Margin（每手保证金）；
// forex 使用 PipSize/PipValue（标准手每点价值）/LotSize，并以 MarginRate 估算保证金。
type Instrument struct {
	Symbol     string   `json:"symbol" toml:"symbol"`
	Category   Category `json:"category" toml:"category"`
	TickSize   float64  `json:"tick_size" toml:"tick_size"`
	TickValue  float64  `json:"tick_value" toml:"tick_value"`
	PipSize    float64  `json:"pip_size" toml:"pip_size"`
	PipValue   float64  `json:"pip_value" toml:"pip_value"`
	LotSize    float64  `json:"lot_size" toml:"lot_size"`
	Margin     float64  `json:"margin" toml:"margin"`
	MarginRate float64  `json:"margin_rate" toml:"margin_rate"`
	QtyStep    float64  `json:"qty_step" toml:"qty_step"`
}

// FractionalQuote 报价以点（pip）为最小变动的品种返回 true。
func (i Instrument) FractionalQuote() bool {
	return i.Category == CategoryForex
}

// UnitValue 返回 1 个单位仓位在价格变动 1.0 时的货币价值。
func (i Instrument) UnitValue() float64 {
	switch i.Category {
	case CategoryFutures:
		if i.TickSize <= 0 {
			return 0
		}
		return i.TickValue / i.TickSize
	case CategoryForex:
		lot := i.LotSize
		if lot <= 0 {
			lot = defaultForexLot
		}
		pipValue := i.PipValue
		if pipValue <= 0 {
			pipValue = defaultForexPipValue
		}
		if i.PipSize <= 0 {
			return 0
		}
		return pipValue / i.PipSize / lot
	default:
		return 1
	}
}

// PriceUnit 返回用于归一化价差的最小报价单位。
func (i Instrument) PriceUnit() float64 {
	switch i.Category {
	case CategoryForex:
		if i.PipSize > 0 {
			return i.PipSize
		}
	case CategoryFutures:
		if i.TickSize > 0 {
			return i.TickSize
		}
	}
	return 1
}

// Step 返回仓位数量步长，默认 1。
func (i Instrument) Step() float64 {
	if i.QtyStep > 0 {
		return i.QtyStep
	}
	return 1
}

// MarginFor 估算 size 单位在 price 下占用的保证金；未配置保证金时按名义价值计算。
func (i Instrument) MarginFor(size, price float64) float64 {
	switch {
	case i.Margin > 0:
		return size * i.Margin
	case i.MarginRate > 0:
		return size * price * i.MarginRate
	default:
		return size * price
	}
}

// Validate 检查规格是否足以进行盈亏换算。
func (i Instrument) Validate() error {
	if strings.TrimSpace(i.Symbol) == "" {
		return fmt.Errorf("instrument symbol is required")
	}
	switch i.Category {
	case CategoryFutures:
		if i.TickSize <= 0 || i.TickValue <= 0 {
			return fmt.Errorf("instrument %s: futures require tick_size and tick_value", i.Symbol)
		}
	case CategoryForex:
		if i.PipSize <= 0 {
			return fmt.Errorf("instrument %s: forex requires pip_size", i.Symbol)
		}
	case CategoryCrypto, CategoryEquity:
	default:
		return fmt.Errorf("instrument %s: unknown category %q", i.Symbol, i.Category)
	}
	if i.QtyStep < 0 || i.Margin < 0 || i.MarginRate < 0 {
		return fmt.Errorf("instrument %s: negative qty_step/margin", i.Symbol)
	}
	return nil
}

// Catalog 按大写 symbol 索引品种规格。
type Catalog map[string]Instrument

// NewCatalog 校验并构建 catalog。
func NewCatalog(list ...Instrument) (Catalog, error) {
	c := make(Catalog, len(list))
	for _, inst := range list {
		inst.Symbol = strings.ToUpper(strings.TrimSpace(inst.Symbol))
		if err := inst.Validate(); err != nil {
			return nil, err
		}
		c[inst.Symbol] = inst
	}
	return c, nil
}

// Lookup 返回 symbol 对应的规格（大小写不敏感）。
func (c Catalog) Lookup(symbol string) (Instrument, error) {
	inst, ok := c[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return Instrument{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, symbol)
	}
	return inst, nil
}

// Symbols 返回排序后的 symbol 列表。
func (c Catalog) Symbols() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DefaultCatalog 返回内置的股指期货与主要货币对规格。
func DefaultCatalog() Catalog {
	c, _ := NewCatalog(
		Instrument{Symbol: "ES", Category: CategoryFutures, TickSize: 0.25, TickValue: 12.50, Margin: 13200},
		Instrument{Symbol: "NQ", Category: CategoryFutures, TickSize: 0.25, TickValue: 5.00, Margin: 17600},
		Instrument{Symbol: "YM", Category: CategoryFutures, TickSize: 1.0, TickValue: 5.00, Margin: 8800},
		Instrument{Symbol: "AUDUSD", Category: CategoryForex, PipSize: 0.0001, PipValue: 10, LotSize: 100000, MarginRate: 0.02},
		Instrument{Symbol: "EURUSD", Category: CategoryForex, PipSize: 0.0001, PipValue: 10, LotSize: 100000, MarginRate: 0.02},
		Instrument{Symbol: "GBPUSD", Category: CategoryForex, PipSize: 0.0001, PipValue: 10, LotSize: 100000, MarginRate: 0.02},
	)
	return c
}
