package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"binance-position-tracker/internal/config"
	"binance-position-tracker/internal/database"
	"binance-position-tracker/internal/logger"

	"go.uber.org/zap"
)

func newMux(h *APIHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", h.StatusHandler)
	mux.HandleFunc("GET /api/closed", h.ClosedHandler)
	mux.HandleFunc("GET /api/events", h.EventsHandler)
	mux.HandleFunc("GET /api/statistics", h.StatisticsHandler)
	return mux
}

func main() {
	// Load configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger("ui", cfg.Logger.Level, cfg.Logger.Format, cfg.Logger.OutputPaths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Connect to the archive the tracker writes
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           newMux(NewAPIHandler(log.Logger, db)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("Starting archive server", zap.String("address", addr))

	if err := server.ListenAndServe(); err != nil {
		log.Fatal("Archive server failed", zap.Error(err))
	}
}
