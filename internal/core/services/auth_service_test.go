package services

import (
	"context"
	"testing"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/infrastructure/repositories/memory"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newAuthFixture(t *testing.T, ttl time.Duration) AuthService {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)
	users := memory.NewMemoryUserDirectory([]*domain.User{
		{ID: "owner-1", Username: "owner", Role: domain.RoleOwner, PasswordHash: string(hash)},
		{ID: "nopass", Username: "nopass", Role: domain.RoleViewer},
	})
	return NewAuthService(users, "test-secret", ttl)
}

func TestAuthService_Login(t *testing.T) {
	auth := newAuthFixture(t, time.Hour)
	ctx := context.Background()

	token, user, err := auth.Login(ctx, "owner", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("owner-1"), user.ID)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("owner-1"), claims.UserID)
	assert.Equal(t, domain.RoleOwner, claims.Role)

	tests := []struct {
		name, username, password string
	}{
		{"wrong password", "owner", "battery staple"},
		{"unknown user", "ghost", "correct horse"},
		{"user without password", "nopass", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := auth.Login(ctx, tt.username, tt.password)
			assert.ErrorIs(t, err, ErrInvalidCredentials)
		})
	}
}

func TestAuthService_ValidateToken(t *testing.T) {
	expired := newAuthFixture(t, -time.Minute)
	token, err := expired.GenerateToken(&domain.User{ID: "u1", Username: "u1", Role: domain.RoleViewer})
	require.NoError(t, err)
	_, err = expired.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)

	auth := newAuthFixture(t, time.Hour)
	_, err = auth.ValidateToken("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: "u1",
		Role:   domain.RoleOwner,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := forged.SignedString([]byte("other-secret"))
	require.NoError(t, err)
	_, err = auth.ValidateToken(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
