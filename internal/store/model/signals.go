package model

import "gorm.io/datatypes"

// SignalDecisionModel maps to 'signal_decisions' table.
type SignalDecisionModel struct {
	ID         int64          `gorm:"column:id;primaryKey"`
	RunID      string         `gorm:"column:run_id;index:idx_signal_run_symbol,priority:1"`
	Strategy   string         `gorm:"column:strategy"`
	Symbol     string         `gorm:"column:symbol;index:idx_signal_run_symbol,priority:2"`
	Direction  string         `gorm:"column:direction"`
	Origin     string         `gorm:"column:origin"`
	Score      float64        `gorm:"column:score"`
	Entry      float64        `gorm:"column:entry"`
	Stop       float64        `gorm:"column:stop"`
	Target     float64        `gorm:"column:target"`
	ATRApplied bool           `gorm:"column:atr_applied"`
	Size       float64        `gorm:"column:size"`
	Accepted   bool           `gorm:"column:accepted"`
	Reason     string         `gorm:"column:reason"`
	Signal     datatypes.JSON `gorm:"column:signal"`
	At         int64          `gorm:"column:at;index"`
}

func (SignalDecisionModel) TableName() string { return "signal_decisions" }
