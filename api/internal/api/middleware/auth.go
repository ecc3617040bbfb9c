// api/internal/api/middleware/auth.go
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/forgebridge/runner-broker/api/internal/core/domain"
	"github.com/forgebridge/runner-broker/api/internal/core/services"
)

// ==============================================================================
// 1. Dependency Injection Struct
// ==============================================================================

type AuthMiddleware struct {
	TokenService *services.AdminTokenService
	Logger       *slog.Logger
}

func NewAuthMiddleware(tokenService *services.AdminTokenService, logger *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		TokenService: tokenService,
		Logger:       logger,
	}
}

// ==============================================================================
// 2. Security & Protocol Enforcers (Platform Agnostic)
// ==============================================================================

// EnforceTLS ensures no plaintext traffic interacts with the API.
// It detects 'X-Forwarded-Proto' to remain compatible with Nginx, Caddy, or Cloudflare proxies.
func EnforceTLS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isHTTPS := r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"

		// Allow localhost DX bypass for development
		if !isHTTPS && !strings.HasPrefix(r.Host, "localhost:") && !strings.HasPrefix(r.Host, "127.0.0.1:") {
			target := "https://" + r.Host + r.URL.RequestURI()
			http.Redirect(w, r, target, http.StatusMovedPermanently)
			return
		}

		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")

		next.ServeHTTP(w, r)
	})
}

// MaxBytes protects against memory-exhaustion attacks by capping the request size.
func MaxBytes(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// ==============================================================================
// 3. Admin Authentication
// ==============================================================================

// RequireAdminAuth verifies the Authorization: Bearer <admin token> header
// against the AdminTokenService and injects the claims into the request
// context. There is no RBAC layer: possession of a valid admin token
// grants the full admin surface; the broker has no end-user permission
// model of its own.
func (m *AuthMiddleware) RequireAdminAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				m.Logger.Debug("admin auth failed: missing bearer token")
				http.Error(w, `{"message": "Unauthorized: missing token"}`, http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")

			claims, err := m.TokenService.VerifyAdminToken(tokenString)
			if err != nil {
				m.Logger.Warn("admin auth failed", slog.String("error", err.Error()))
				http.Error(w, `{"message": "Unauthorized: invalid or expired token"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), domain.AdminContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ==============================================================================
// 4. In-Memory Rate Limiting (DoS Protection)
// ==============================================================================

var (
	visitors = make(map[string]*visitor)
	mu       sync.Mutex
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func init() {
	go func() {
		for {
			time.Sleep(time.Minute)
			mu.Lock()
			for ip, v := range visitors {
				if time.Since(v.lastSeen) > 3*time.Minute {
					delete(visitors, ip)
				}
			}
			mu.Unlock()
		}
	}()
}

func RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr

		mu.Lock()
		v, exists := visitors[ip]
		if !exists {
			v = &visitor{limiter: rate.NewLimiter(10, 30)}
			visitors[ip] = v
		}
		v.lastSeen = time.Now()
		limiter := v.limiter
		mu.Unlock()

		if !limiter.Allow() {
			http.Error(w, `{"message": "Too many requests"}`, http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ==============================================================================
// 5. Observability (Structured Logging)
// ==============================================================================

func StructuredLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP Access",
				slog.String("trace_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("latency", time.Since(start)),
				slog.String("ip", r.RemoteAddr),
			)
		})
	}
}
