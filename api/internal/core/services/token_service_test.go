package services_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebridge/runner-broker/api/internal/core/services"
)

const testSecret = "super-secret-key-for-testing-purposes-1234567890"

func TestAdminTokenService_GenerateAndVerify(t *testing.T) {
	svc := services.NewAdminTokenService(testSecret)

	token, err := svc.GenerateAdminToken("ops@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := svc.VerifyAdminToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Email)
	assert.Equal(t, "runner-broker", claims.Issuer)

	expectedExp := time.Now().Add(12 * time.Hour)
	assert.WithinDuration(t, expectedExp, claims.ExpiresAt.Time, 5*time.Second)
}

func TestAdminTokenService_WrongSecret(t *testing.T) {
	svc := services.NewAdminTokenService(testSecret)
	other := services.NewAdminTokenService("a-completely-different-secret")

	token, err := other.GenerateAdminToken("ops@example.com")
	require.NoError(t, err)

	_, err = svc.VerifyAdminToken(token)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "signature is invalid")
}

func TestAdminTokenService_MalformedToken(t *testing.T) {
	svc := services.NewAdminTokenService(testSecret)
	_, err := svc.VerifyAdminToken("not.a.valid.token")
	assert.Error(t, err)
}

func TestAdminTokenService_FreshTokenVerifies(t *testing.T) {
	svc := services.NewAdminTokenService(testSecret)
	token, err := svc.GenerateAdminToken("ops@example.com")
	require.NoError(t, err)

	// Sanity: a freshly minted token verifies.
	_, err = svc.VerifyAdminToken(token)
	require.NoError(t, err)
}
