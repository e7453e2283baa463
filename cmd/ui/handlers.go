package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"binance-position-tracker/internal/ledger"
	"binance-position-tracker/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// APIHandler holds dependencies for the API endpoints.
type APIHandler struct {
	log *zap.Logger
	db  *gorm.DB
	now func() time.Time
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(log *zap.Logger, db *gorm.DB) *APIHandler {
	return &APIHandler{log: log, db: db, now: time.Now}
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}

// filtered applies the symbol and limit query parameters.
func filtered(db *gorm.DB, r *http.Request) *gorm.DB {
	q := db
	if s := ledger.NormalizeSymbol(r.URL.Query().Get("symbol")); s != "" {
		q = q.Where("symbol = ?", s)
	}
	limit := defaultLimit
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = min(n, maxLimit)
	}
	return q.Limit(limit)
}

// StatusHandler reports the archive row counts.
func (h *APIHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	var closed, events int64
	if err := h.db.Model(&models.ClosedPosition{}).Count(&closed).Error; err != nil {
		h.log.Error("Failed to count closed positions", zap.Error(err))
		http.Error(w, "Failed to get status", http.StatusInternalServerError)
		return
	}
	if err := h.db.Model(&models.TradeEvent{}).Count(&events).Error; err != nil {
		h.log.Error("Failed to count trade events", zap.Error(err))
		http.Error(w, "Failed to get status", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, map[string]int64{"closed_positions": closed, "trade_events": events})
}

// ClosedHandler returns the archived closed positions, most recent first.
func (h *APIHandler) ClosedHandler(w http.ResponseWriter, r *http.Request) {
	var rows []models.ClosedPosition
	if err := filtered(h.db, r).Order("closed_at desc").Find(&rows).Error; err != nil {
		h.log.Error("Failed to get closed positions from database", zap.Error(err))
		http.Error(w, "Failed to get closed positions", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, rows)
}

// EventsHandler returns the ingested trade events, most recent first.
func (h *APIHandler) EventsHandler(w http.ResponseWriter, r *http.Request) {
	var rows []models.TradeEvent
	q := filtered(h.db, r)
	if o := r.URL.Query().Get("outcome"); o != "" {
		q = q.Where("outcome = ?", o)
	}
	if err := q.Order("id desc").Find(&rows).Error; err != nil {
		h.log.Error("Failed to get trade events from database", zap.Error(err))
		http.Error(w, "Failed to get trade events", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, rows)
}

// StatsDetail holds calculated statistics for a given period.
type StatsDetail struct {
	TotalTrades      int64   `json:"total_trades"`
	ProfitableTrades int64   `json:"profitable_trades"`
	Liquidations     int64   `json:"liquidations"`
	WinRate          float64 `json:"win_rate"`
	TotalProfit      float64 `json:"total_profit"`
}

func (s *StatsDetail) add(p models.ClosedPosition) {
	s.TotalTrades++
	if p.CloseReason == "liquidation" {
		s.Liquidations++
	}
	if p.PnLValue == nil {
		return
	}
	if *p.PnLValue > 0 {
		s.ProfitableTrades++
	}
	s.TotalProfit += *p.PnLValue
}

func (s *StatsDetail) finish() {
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.ProfitableTrades) / float64(s.TotalTrades)
	}
}

// StatisticsResponse is the structure for the /api/statistics endpoint.
type StatisticsResponse struct {
	Since24h StatsDetail `json:"since_24h"`
	AllTime  StatsDetail `json:"all_time"`
}

// StatisticsHandler calculates win rate and realized PnL over the closed positions.
func (h *APIHandler) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	var closed []models.ClosedPosition
	if err := h.db.Find(&closed).Error; err != nil {
		h.log.Error("Failed to get closed positions for statistics", zap.Error(err))
		http.Error(w, "Failed to calculate statistics", http.StatusInternalServerError)
		return
	}

	since24h := h.now().Add(-24 * time.Hour).UnixMilli()
	var resp StatisticsResponse
	for _, p := range closed {
		resp.AllTime.add(p)
		if p.ClosedAt > since24h {
			resp.Since24h.add(p)
		}
	}
	resp.AllTime.finish()
	resp.Since24h.finish()

	h.writeJSON(w, resp)
}
