// Package router assembles the HTTP surface: webhook endpoints for the
// telephony platform, the media stream WebSockets, health, and metrics.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/allballa/call-scheduler/internal/api/handlers"
	"github.com/allballa/call-scheduler/internal/session"
	"github.com/allballa/call-scheduler/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger         *logging.Logger
	Calls          *handlers.CallsHandler
	MetricsHandler http.Handler
}

// New creates the Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(requestLogger(cfg.Logger))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	if cfg.Calls != nil {
		r.Post("/incoming-call", cfg.Calls.IncomingCall)
		r.Get("/make-call", cfg.Calls.MakeCall)
		r.Post("/make-call", cfg.Calls.MakeCall)
		r.Get("/outbound-call-twiml", cfg.Calls.OutboundTwiML)
		r.Post("/outbound-call-twiml", cfg.Calls.OutboundTwiML)
		r.Get("/media-stream-inbound", cfg.Calls.MediaStream(session.DirectionInbound))
		r.Get("/media-stream-outbound", cfg.Calls.MediaStream(session.DirectionOutbound))
	}

	return r
}
