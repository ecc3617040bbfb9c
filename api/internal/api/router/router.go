// api/internal/api/router/router.go
package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/forgebridge/runner-broker/api/internal/api/handlers"
	auth_middleware "github.com/forgebridge/runner-broker/api/internal/api/middleware"
	httpdelivery "github.com/forgebridge/runner-broker/api/internal/delivery/http"
)

// RouterConfig defines the strict dependencies required to build the API routing tree.
type RouterConfig struct {
	AllowedOrigins []string

	// EnableWSProxy mounts the HTTP-over-WebSocket proxy routes
	// (USE_WS_PROXY); deployments where the browser can reach the
	// runner's dev server directly leave it off.
	EnableWSProxy bool

	RunnerWS  *handlers.RunnerWebSocketHandler
	BrowserWS *handlers.BrowserWebSocketHandler
	HMRWS     *handlers.HMRWebSocketHandler
	Proxy     *handlers.ProxyHandler
	Commands  *handlers.CommandHandler
	Broadcast *handlers.BroadcastHandler
	Tunables  *handlers.TunablesHandler
	Audit     *handlers.AuditHandler
	Health    *httpdelivery.HealthHandler

	AuthMiddleware *auth_middleware.AuthMiddleware
	Logger         *slog.Logger
}

// NewRouter constructs the Chi multiplexer, attaches global middleware, and wires all endpoints.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// =========================================================================
	// 1. Global Gateway Middleware Pipeline
	// =========================================================================

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(auth_middleware.StructuredLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(auth_middleware.MaxBytes(1_048_576))
	r.Use(auth_middleware.RateLimitMiddleware)
	r.Use(auth_middleware.EnforceTLS)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// =========================================================================
	// 2. Unauthenticated Surface: WebSocket upgrades, proxy, and liveness
	// =========================================================================

	// One dispatcher owns every upgrade path, so two socket servers can
	// never race for the same port.
	wsDispatch := handlers.NewWSDispatcher(cfg.RunnerWS, cfg.BrowserWS, cfg.HMRWS, cfg.Logger)
	r.Handle("/ws", wsDispatch)
	r.Handle("/ws/*", wsDispatch)

	r.Get("/healthz", cfg.Health.Check)
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	})

	if cfg.EnableWSProxy {
		r.Route("/proxy/{runnerId}/{port}", func(r chi.Router) {
			r.Handle("/*", http.HandlerFunc(cfg.Proxy.Forward))
		})
	}

	// =========================================================================
	// 3. Admin API (Requires a Valid Admin Token)
	// =========================================================================

	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(cfg.AuthMiddleware.RequireAdminAuth())

		r.Get("/status", cfg.Commands.Status)
		r.Get("/runners", cfg.Commands.ListRunners)
		r.Get("/runners/{runnerId}", cfg.Commands.GetRunner)

		r.Route("/runners/{runnerId}/commands", func(r chi.Router) {
			r.Post("/start-build", cfg.Commands.StartBuild)
			r.Post("/start-dev-server", cfg.Commands.StartDevServer)
			r.Post("/stop-dev-server", cfg.Commands.StopDevServer)
		})

		r.Post("/projects/{projectId}/broadcast/{kind}", cfg.Broadcast.Broadcast)

		r.Get("/tunables", cfg.Tunables.GetTunables)
		r.Put("/tunables", cfg.Tunables.UpdateTunables)

		r.Get("/audit", cfg.Audit.List)
		r.Post("/audit/{id}/acknowledge", cfg.Audit.Acknowledge)
	})

	return r
}
