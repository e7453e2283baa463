package models

import "gorm.io/gorm"

// ClosedPosition is a confirmed close of a (symbol, side) position.
type ClosedPosition struct {
	gorm.Model
	DedupeKey   string   `json:"-" gorm:"uniqueIndex"`
	Symbol      string   `json:"symbol" gorm:"index"`
	Side        string   `json:"side"`
	Status      string   `json:"status"`
	CloseReason string   `json:"close_reason"`
	Intervals   string   `json:"intervals"`
	Indicators  string   `json:"indicators"`
	Legs        int      `json:"legs"`
	Qty         float64  `json:"qty"`
	EntryPrice  *float64 `json:"entry_price"`
	ClosePrice  *float64 `json:"close_price"`
	Leverage    *float64 `json:"leverage"`
	MarginUSDT  *float64 `json:"margin_usdt"`
	PnLValue    *float64 `json:"pnl_value"`
	ROIPercent  *float64 `json:"roi_percent"`
	OpenedAt    int64    `json:"opened_at"`
	ClosedAt    int64    `json:"closed_at" gorm:"index"`
}
