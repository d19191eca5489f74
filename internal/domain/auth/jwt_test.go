package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appctx "consecutive/internal/core/context"
)

func TestJWTService_RoundTrip(t *testing.T) {
	svc := NewJWTService(DefaultJWTConfig("secret"))

	token, expiresAt, err := svc.GenerateAccessToken(appctx.ActorContext{
		ActorID:    "svc-billing",
		Name:       "Billing",
		EntityType: "company",
		EntityID:   "acme",
		IsAdmin:    true,
	})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), expiresAt, time.Minute)

	actor, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "svc-billing", actor.ActorID)
	assert.Equal(t, "acme", actor.EntityID)
	assert.True(t, actor.IsAdmin)
}

func TestJWTService_Rejects(t *testing.T) {
	svc := NewJWTService(DefaultJWTConfig("secret"))
	valid, _, err := svc.GenerateAccessToken(appctx.ActorContext{ActorID: "a"})
	require.NoError(t, err)

	other := NewJWTService(DefaultJWTConfig("other"))

	expired := NewJWTService(DefaultJWTConfig("secret"))
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, _, err := expired.GenerateAccessToken(appctx.ActorContext{ActorID: "a"})
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "consecutive"},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "consecutive", Subject: "a"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		svc   *JWTService
		token string
	}{
		{name: "garbage", svc: svc, token: "not-a-token"},
		{name: "wrong secret", svc: other, token: valid},
		{name: "expired", svc: svc, token: old},
		{name: "missing subject", svc: svc, token: noSubject},
		{name: "unsigned", svc: svc, token: none},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.svc.ValidateToken(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}
