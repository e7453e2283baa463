package trader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"binance-position-tracker/internal/binance"
	"binance-position-tracker/internal/ledger"
	"binance-position-tracker/internal/view"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxEventBody = 1 << 20

// APIServer provides an HTTP interface for the tracker.
type APIServer struct {
	server  *http.Server
	service *Service
	closer  Closer
	logger  *zap.Logger
}

// NewAPIServer creates a new APIServer. closer may be nil when positions cannot be
// closed from here, as on spot accounts.
func NewAPIServer(port int, service *Service, closer Closer, logger *zap.Logger) *APIServer {
	s := &APIServer{
		service: service,
		closer:  closer,
		logger:  logger.Named("api-server"),
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routes of the server.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.HandleFunc("GET /api/positions/open", s.openHandler)
	mux.HandleFunc("GET /api/positions/closed", s.closedHandler)
	mux.HandleFunc("GET /api/views/cumulative", s.viewHandler(s.service.ProjectCumulative))
	mux.HandleFunc("GET /api/views/per-trade", s.viewHandler(s.service.ProjectPerTrade))
	mux.HandleFunc("GET /api/totals", s.totalsHandler)
	mux.HandleFunc("POST /api/events", s.eventHandler)
	mux.HandleFunc("POST /api/positions/close", s.closeHandler)
	mux.HandleFunc("POST /api/positions/close-leg", s.closeLegHandler)
	mux.HandleFunc("POST /api/state/persist", s.persistHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (s *APIServer) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.service.Snapshot()
	status := struct {
		Mode          string         `json:"mode"`
		StartTime     string         `json:"start_time"`
		Uptime        string         `json:"uptime"`
		OpenCount     int            `json:"open_count"`
		ClosedCount   int            `json:"closed_count"`
		Missing       map[string]int `json:"missing,omitempty"`
		LastReconcile string         `json:"last_reconcile"`
		UpdatedAt     string         `json:"updated_at"`
	}{
		Mode:          s.service.opts.Mode,
		StartTime:     s.service.started.Format(time.RFC3339),
		Uptime:        time.Since(s.service.started).Round(time.Second).String(),
		OpenCount:     len(snap.Open),
		ClosedCount:   len(snap.Closed),
		Missing:       snap.Missing,
		LastReconcile: ledger.FormatTime(snap.LastReconcile),
		UpdatedAt:     ledger.FormatTime(snap.UpdatedAt),
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *APIServer) openHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.OpenRecords())
}

func (s *APIServer) closedHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.ClosedRecords())
}

type viewResponse struct {
	Digest string     `json:"digest"`
	Rows   []view.Row `json:"rows"`
}

func (s *APIServer) viewHandler(project func() []view.Row) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows := project()
		if rows == nil {
			rows = []view.Row{}
		}
		digest := view.Digest(rows)
		if r.URL.Query().Get("digest") == digest {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		s.writeJSON(w, http.StatusOK, viewResponse{Digest: digest, Rows: rows})
	}
}

func (s *APIServer) totalsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.Totals())
}

func (s *APIServer) eventHandler(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody)).Decode(&raw); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}
	outcome, err := s.service.Ingest(r.Context(), raw)
	switch {
	case errors.Is(err, ErrInvalidEvent):
		s.writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

type closeRequest struct {
	Symbol       string  `json:"symbol"`
	Qty          float64 `json:"qty"`
	Side         string  `json:"side"`
	PositionSide string  `json:"position_side"`
}

func (s *APIServer) decodeClose(w http.ResponseWriter, r *http.Request) (closeRequest, bool) {
	var req closeRequest
	if s.closer == nil {
		s.writeError(w, http.StatusNotImplemented, errors.New("closing positions is not available for this account"))
		return req, false
	}
	// an empty body is allowed when the symbol comes in the query
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return req, false
	}
	if req.Symbol == "" {
		req.Symbol = r.URL.Query().Get("symbol")
	}
	req.Symbol = ledger.NormalizeSymbol(req.Symbol)
	if req.Symbol == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("symbol is required"))
		return req, false
	}
	return req, true
}

func (s *APIServer) closeHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeClose(w, r)
	if !ok {
		return
	}
	res, err := s.closer.ClosePosition(r.Context(), req.Symbol)
	if err != nil {
		s.writeCloseError(w, err)
		return
	}
	for _, side := range []ledger.Side{ledger.SideLong, ledger.SideShort} {
		s.expectClose(r.Context(), ledger.NewKey(req.Symbol, side))
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *APIServer) closeLegHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeClose(w, r)
	if !ok {
		return
	}
	if req.Qty <= 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("qty must be positive"))
		return
	}
	res, err := s.closer.CloseLegExact(r.Context(), req.Symbol, req.Qty, req.Side, req.PositionSide)
	if err != nil {
		s.writeCloseError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *APIServer) writeCloseError(w http.ResponseWriter, err error) {
	if errors.Is(err, binance.ErrNothingToClose) {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeError(w, http.StatusBadGateway, err)
}

func (s *APIServer) expectClose(ctx context.Context, key ledger.Key) {
	for _, rec := range s.service.Snapshot().Open {
		if rec.Key() == key {
			if err := s.service.ExpectClose(ctx, key); err != nil {
				s.logger.Warn("Could not mark close as pending", zap.String("key", key.String()), zap.Error(err))
			}
			return
		}
	}
}

func (s *APIServer) persistHandler(w http.ResponseWriter, r *http.Request) {
	if s.service.opts.StatePath == "" {
		s.writeError(w, http.StatusConflict, errors.New("no state path configured"))
		return
	}
	if err := s.service.Persist(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"path": strings.TrimSpace(s.service.opts.StatePath)})
}
