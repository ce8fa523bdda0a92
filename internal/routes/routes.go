package routes

import (
	"net/http"

	"gatewatch/internal/handlers"
	"gatewatch/internal/logger"
	"gatewatch/internal/middleware"
	"gatewatch/internal/repository"
	"gatewatch/internal/services/stream"
	hub "gatewatch/internal/services/websocket"
)

// Dependencies are the services the HTTP surface reads from.
type Dependencies struct {
	APIToken string
	Events   repository.EventRepository
	Detector handlers.Detector
	Ledger   handlers.LedgerLister
	Stats    func() map[string]any
	Hub      *hub.HubService
	Streams  *stream.Registry // nil disables /stream
	Logger   *logger.Logger
}

// SetupRoutes registers the API, stream, log and auth endpoints and wraps the mux with
// the authentication middleware.
func SetupRoutes(deps Dependencies) http.Handler {
	mux := http.NewServeMux()
	log := deps.Logger

	// API endpoints
	mux.HandleFunc("/api/detect", handlers.DetectHandler(deps.Detector, log))
	mux.HandleFunc("/api/events", handlers.GetEventsHandler(deps.Events, log))
	mux.HandleFunc("/api/events/image", handlers.ViewEventImageHandler(deps.Events, log))
	mux.HandleFunc("/api/ledger", handlers.LedgerHandler(deps.Ledger, log))
	mux.HandleFunc("/api/stats", handlers.StatsHandler(deps.Stats, log))
	if deps.Hub != nil {
		mux.HandleFunc("/api/events/live", handlers.LiveEventsHandler(deps.Hub, log))
	}
	if deps.Streams != nil {
		mux.HandleFunc("GET /stream/{lane}", handlers.StreamHandler(deps.Streams))
	}

	// Log endpoints
	mux.HandleFunc("/logs/info", handlers.ShowInfoLogsHandler(log))
	mux.HandleFunc("/logs/warning", handlers.ShowWarningLogsHandler(log))
	mux.HandleFunc("/logs/error", handlers.ShowErrorLogsHandler(log))

	mux.HandleFunc("/logs/info/clear", handlers.ClearInfoLogsHandler(log))
	mux.HandleFunc("/logs/warning/clear", handlers.ClearWarningLogsHandler(log))
	mux.HandleFunc("/logs/error/clear", handlers.ClearErrorLogsHandler(log))

	// Auth endpoints
	mux.HandleFunc("/auth/login", handlers.LoginHandler(deps.APIToken, log))
	mux.HandleFunc("/auth/logout", handlers.LogoutHandler)

	return middleware.AuthMiddleware(deps.APIToken, mux)
}
