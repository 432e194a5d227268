package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/upb/llm-relay/app"
	"github.com/upb/llm-relay/handlers"
	relaymw "github.com/upb/llm-relay/middleware"
	"github.com/upb/llm-relay/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	requests := relaymw.NewRequestMiddleware(deps.Logger)

	// Core middleware. No global timeout: streamed completions stay open
	// for as long as the upstream keeps sending.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requests.Identify)
	r.Use(requests.Log)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: deps.Config.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type",
			relaymw.HeaderRequestID, relaymw.HeaderUserID},
		ExposedHeaders: []string{relaymw.HeaderRequestID,
			handlers.HeaderChannel, handlers.HeaderAttempts},
		MaxAge: 300,
	}))

	health := handlers.NewHealthHandler(deps.SQLDB(), deps.Relay, deps.Logger)
	chat := handlers.NewChatHandler(handlers.RelayAdapter{Service: deps.Relay}, deps.Logger)
	channels := handlers.NewChannelHandler(deps.Relay, deps.Usage, deps.Logger)

	// Health check endpoints
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	// OpenAI-compatible relay
	r.Post("/v1/chat/completions", chat.HandleChatCompletion)

	// Operator API
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/channels/stats", channels.HandleStats)
		r.Post("/channels/reload", channels.HandleReload)
		r.Get("/usage", channels.HandleUsage)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	})

	return r
}
