package models

import "gorm.io/gorm"

// TradeEvent is one trade event received from the strategy engine, as ingested.
type TradeEvent struct {
	gorm.Model
	EnvelopeID    string   `json:"envelope_id" gorm:"index"`
	Symbol        string   `json:"symbol" gorm:"index"`
	Side          string   `json:"side"`
	Interval      string   `json:"interval"`
	Event         string   `json:"event"`  // open, close or close_interval
	Status        string   `json:"status"` // as reported by the strategy engine
	OrderID       string   `json:"order_id"`
	ClientOrderID string   `json:"client_order_id"`
	Qty           *float64 `json:"qty"`
	Price         *float64 `json:"price"`
	PnLValue      *float64 `json:"pnl_value"`
	Outcome       string   `json:"outcome"` // applied, duplicate, ignored or failed
	Timestamp     int64    `json:"timestamp"`
	Payload       string   `json:"payload"`
}
