// api/internal/core/domain/admin_auth.go
package domain

import "github.com/golang-jwt/jwt/v5"

// contextKey is a private type so AdminContextKey cannot collide with keys
// set by other packages using context.WithValue.
type contextKey string

// AdminContextKey is where RequireAdminAuth stores the verified *AdminClaims
// for downstream admin handlers to read.
const AdminContextKey contextKey = "admin_claims"

// AdminClaims identifies the operator who authenticated to the admin API.
// The broker never issues end-user tokens (that is the application's job);
// this token exists solely to gate the broker's own admin surface.
type AdminClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}
