package levels

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ErrInvalidLevelTable is returned when a level table fails schema or ordering checks.
var ErrInvalidLevelTable = errors.New("invalid level table")

// Category tags an institutional level with the structure it stands for.
type Category string

const (
	CategoryBoundary      Category = "boundary"
	CategoryOrderBlock    Category = "order_block"
	CategoryFairValueGap  Category = "fair_value_gap"
	CategoryLiquidityVoid Category = "liquidity_void"
	CategoryBreaker       Category = "breaker"
	CategoryEquilibrium   Category = "equilibrium"
)

// LevelSpec is one row of a level table: a percentage of the dealing range with its tag.
type LevelSpec struct {
	Percentage float64  `yaml:"percentage" json:"percentage"`
	Category   Category `yaml:"category" json:"category"`
	Weight     float64  `yaml:"weight" json:"weight"`
}

// LevelTable lists level specs in ascending percentage order.
type LevelTable struct {
	Name   string      `yaml:"name" json:"name"`
	Levels []LevelSpec `yaml:"levels" json:"levels"`
}

// DefaultLevelTable returns the built-in 0/11/17/29/41/50/59/71/83/89/100 table.
func DefaultLevelTable() LevelTable {
	return LevelTable{
		Name: "default",
		Levels: []LevelSpec{
			{Percentage: 0, Category: CategoryBoundary, Weight: 1.0},
			{Percentage: 11, Category: CategoryOrderBlock, Weight: 0.9},
			{Percentage: 17, Category: CategoryFairValueGap, Weight: 0.8},
			{Percentage: 29, Category: CategoryLiquidityVoid, Weight: 0.7},
			{Percentage: 41, Category: CategoryBreaker, Weight: 0.6},
			{Percentage: 50, Category: CategoryEquilibrium, Weight: 0.5},
			{Percentage: 59, Category: CategoryBreaker, Weight: 0.6},
			{Percentage: 71, Category: CategoryLiquidityVoid, Weight: 0.7},
			{Percentage: 83, Category: CategoryFairValueGap, Weight: 0.8},
			{Percentage: 89, Category: CategoryOrderBlock, Weight: 0.9},
			{Percentage: 100, Category: CategoryBoundary, Weight: 1.0},
		},
	}
}

// Validate checks ranges and strict ordering of the percentages.
func (t LevelTable) Validate() error {
	if len(t.Levels) == 0 {
		return fmt.Errorf("%w: no levels", ErrInvalidLevelTable)
	}
	prev := -1.0
	for i, l := range t.Levels {
		if l.Percentage < 0 || l.Percentage > 100 {
			return fmt.Errorf("%w: level %d percentage %.2f outside [0,100]", ErrInvalidLevelTable, i, l.Percentage)
		}
		if l.Percentage <= prev {
			return fmt.Errorf("%w: level %d percentage %.2f not increasing", ErrInvalidLevelTable, i, l.Percentage)
		}
		if l.Weight < 0 || l.Weight > 1 {
			return fmt.Errorf("%w: level %d weight %.2f outside [0,1]", ErrInvalidLevelTable, i, l.Weight)
		}
		if !knownCategory(l.Category) {
			return fmt.Errorf("%w: level %d unknown category %q", ErrInvalidLevelTable, i, l.Category)
		}
		prev = l.Percentage
	}
	return nil
}

func knownCategory(c Category) bool {
	switch c {
	case CategoryBoundary, CategoryOrderBlock, CategoryFairValueGap,
		CategoryLiquidityVoid, CategoryBreaker, CategoryEquilibrium:
		return true
	}
	return false
}

const levelTableSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["levels"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string"},
    "levels": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["percentage", "category", "weight"],
        "additionalProperties": false,
        "properties": {
          "percentage": {"type": "number", "minimum": 0, "maximum": 100},
          "category": {"enum": ["boundary", "order_block", "fair_value_gap", "liquidity_void", "breaker", "equilibrium"]},
          "weight": {"type": "number", "minimum": 0, "maximum": 1}
        }
      }
    }
  }
}`

// LoadLevelTable reads a YAML level table from path.
func LoadLevelTable(path string) (LevelTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return LevelTable{}, fmt.Errorf("read level table: %w", err)
	}
	return ParseLevelTable(raw)
}

// ParseLevelTable decodes YAML, validates it against the table schema and checks ordering.
func ParseLevelTable(raw []byte) (LevelTable, error) {
	schema, err := compileSchema()
	if err != nil {
		return LevelTable{}, err
	}
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return LevelTable{}, fmt.Errorf("%w: %v", ErrInvalidLevelTable, err)
	}
	doc, err := json.Marshal(generic)
	if err != nil {
		return LevelTable{}, fmt.Errorf("%w: %v", ErrInvalidLevelTable, err)
	}
	var inst any
	if err := json.Unmarshal(doc, &inst); err != nil {
		return LevelTable{}, fmt.Errorf("%w: %v", ErrInvalidLevelTable, err)
	}
	if err := schema.Validate(inst); err != nil {
		return LevelTable{}, fmt.Errorf("%w: %v", ErrInvalidLevelTable, err)
	}

	var table LevelTable
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&table); err != nil {
		return LevelTable{}, fmt.Errorf("%w: %v", ErrInvalidLevelTable, err)
	}
	if strings.TrimSpace(table.Name) == "" {
		table.Name = "custom"
	}
	if err := table.Validate(); err != nil {
		return LevelTable{}, err
	}
	return table, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("level_table.json", strings.NewReader(levelTableSchema)); err != nil {
		return nil, err
	}
	return compiler.Compile("level_table.json")
}
