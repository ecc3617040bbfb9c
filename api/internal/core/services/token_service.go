// api/internal/core/services/token_service.go
package services

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/forgebridge/runner-broker/api/internal/core/domain"
)

// AdminTokenService mints and verifies the single-purpose token that gates
// the broker's admin API. The broker never issues end-user auth tokens;
// this is strictly an operator credential for the admin surface, separate
// from whatever auth the app itself uses for its users.
type AdminTokenService struct {
	secret []byte
}

func NewAdminTokenService(secret string) *AdminTokenService {
	return &AdminTokenService{secret: []byte(secret)}
}

// GenerateAdminToken mints a 12-hour admin token. Production operators are
// expected to generate these with the broker-audit CLI or an equivalent
// offline tool, not through a live HTTP endpoint.
func (s *AdminTokenService) GenerateAdminToken(email string) (string, error) {
	claims := domain.AdminClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(12 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "runner-broker",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

// VerifyAdminToken validates the signature, expiry, and signing method of
// an admin token and returns its claims.
func (s *AdminTokenService) VerifyAdminToken(tokenString string) (*domain.AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &domain.AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token signature or expired: %w", err)
	}

	claims, ok := token.Claims.(*domain.AdminClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}
