package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/relay-chat/relay/internal/auth"
	"github.com/relay-chat/relay/internal/events"
	"github.com/relay-chat/relay/internal/repositories"
	"github.com/relay-chat/relay/internal/websocket"
)

// RouterConfig holds every dependency of the HTTP router. It is populated in
// main after all components are initialized.
type RouterConfig struct {
	AuthService *auth.AuthService
	Hub         *websocket.Hub
	Events      *events.Router
	Logger      *zap.Logger

	Users    repositories.UserRepository
	Rooms    repositories.RoomRepository
	Messages repositories.MessageRepository

	// Webhook receives committed message writes. Optional.
	Webhook MessageHook

	// WebSocket tuning handed to every admitted session.
	WebSocket websocket.Config

	// Ping reports database health for /healthz. Optional.
	Ping func(ctx context.Context) error

	// Secure sets the Secure flag on auth cookies. True behind HTTPS.
	Secure bool
}

// NewRouter builds the fully configured Chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger.Named("http")))
	r.Use(middleware.Recoverer)

	authHandler := NewAuthHandler(cfg.AuthService, cfg.Logger, cfg.Secure)
	userHandler := NewUserHandler(cfg.Users, cfg.Logger)
	roomHandler := NewRoomHandler(cfg.Rooms, cfg.Events, cfg.Hub, cfg.Logger)
	messageHandler := NewMessageHandler(cfg.Messages, cfg.Rooms, cfg.Events, cfg.Webhook, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.Events, cfg.AuthService, cfg.WebSocket, cfg.Logger)

	r.Get("/healthz", healthz(cfg.Ping))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {

		// --- Public routes ---
		r.Group(func(r chi.Router) {
			r.Post("/auth/register", authHandler.Register)
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/refresh", authHandler.Refresh)
			r.Post("/auth/logout", authHandler.Logout)

			// Authenticates itself from the query string.
			r.Get("/ws", wsHandler.ServeWS)
		})

		// --- Authenticated routes ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.AuthService))

			r.Get("/users/me", userHandler.GetMe)

			// Rooms
			r.Get("/rooms", roomHandler.List)
			r.Post("/rooms", roomHandler.Create)
			r.Get("/rooms/{id}", roomHandler.GetByID)
			r.Delete("/rooms/{id}", roomHandler.Delete)
			r.Get("/rooms/{id}/online", roomHandler.Online)

			// Members
			r.Post("/rooms/{id}/members", roomHandler.AddMember)
			r.Delete("/rooms/{id}/members/{userID}", roomHandler.RemoveMember)

			// Messages
			r.Get("/rooms/{id}/messages", messageHandler.List)
			r.Post("/rooms/{id}/messages", messageHandler.Create)
			r.Patch("/messages/{id}", messageHandler.Update)
			r.Delete("/messages/{id}", messageHandler.Delete)
		})
	})

	return r
}

// healthz answers 200 while the database responds and 503 otherwise.
func healthz(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				errJSON(w, http.StatusServiceUnavailable, "database unavailable", "unavailable")
				return
			}
		}
		Ok(w, map[string]string{"status": "ok"})
	}
}
