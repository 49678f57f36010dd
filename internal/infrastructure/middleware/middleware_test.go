package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/services"
	"camrelay/internal/infrastructure/repositories/memory"
	apperrors "camrelay/pkg/errors"
	"camrelay/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func newAuth(t *testing.T) (services.AuthService, map[domain.UserRole]string) {
	t.Helper()
	users := []*domain.User{
		{ID: "owner-1", Username: "owner", Role: domain.RoleOwner},
		{ID: "viewer-1", Username: "viewer", Role: domain.RoleViewer},
	}
	auth := services.NewAuthService(memory.NewMemoryUserDirectory(users), "test-secret", time.Hour)
	tokens := make(map[domain.UserRole]string)
	for _, u := range users {
		tok, err := auth.GenerateToken(u)
		require.NoError(t, err)
		tokens[u.Role] = tok
	}
	return auth, tokens
}

func TestAuthMiddleware_RoleGate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth, tokens := newAuth(t)

	router := gin.New()
	router.GET("/admin", AuthMiddleware(auth), RequireRole(domain.RoleOwner, domain.RoleAdmin), func(c *gin.Context) {
		id, _ := UserID(c)
		c.String(http.StatusOK, string(id))
	})

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"malformed header", "Token abc", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"viewer", "Bearer " + tokens[domain.RoleViewer], http.StatusForbidden},
		{"owner", "Bearer " + tokens[domain.RoleOwner], http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
		})
	}
}

func TestOptionalAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth, tokens := newAuth(t)

	router := gin.New()
	router.GET("/maybe", OptionalAuthMiddleware(auth), func(c *gin.Context) {
		id, ok := UserID(c)
		c.JSON(http.StatusOK, gin.H{"user": id, "authenticated": ok})
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/maybe", nil))
	assert.Contains(t, w.Body.String(), `"authenticated":false`)

	req := httptest.NewRequest(http.MethodGet, "/maybe", nil)
	req.Header.Set("Authorization", "Bearer "+tokens[domain.RoleViewer])
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Contains(t, w.Body.String(), `"user":"viewer-1"`)
}

func TestFromDomainError_KeepsCause(t *testing.T) {
	cause := fmt.Errorf("%w: grant g-1", domain.ErrGrantRevoked)
	appErr := FromDomainError(cause)
	assert.Equal(t, apperrors.ErrCodeRevoked, appErr.Code)
	assert.Equal(t, "grant revoked", appErr.Message)
	assert.ErrorIs(t, appErr, domain.ErrGrantRevoked)
}

func TestErrorHandlerMiddleware_MapsDomainErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		err    error
		status int
		code   apperrors.ErrorCode
	}{
		{fmt.Errorf("%w: bad duration", domain.ErrValidation), http.StatusBadRequest, apperrors.ErrCodeInvalidInput},
		{domain.ErrGrantNotFound, http.StatusNotFound, apperrors.ErrCodeNotFound},
		{fmt.Errorf("%w: at noon", domain.ErrGrantExpired), http.StatusGone, apperrors.ErrCodeExpired},
		{domain.ErrGrantRevoked, http.StatusGone, apperrors.ErrCodeRevoked},
		{domain.ErrForbiddenSource, http.StatusForbidden, apperrors.ErrCodeForbiddenSource},
		{domain.ErrForbidden, http.StatusForbidden, apperrors.ErrCodeForbidden},
		{domain.ErrUpstreamUnavailable, http.StatusBadGateway, apperrors.ErrCodeUpstreamUnavailable},
		{domain.ErrCapacityReached, http.StatusConflict, apperrors.ErrCodeCapacity},
		{fmt.Errorf("%w: redis down", domain.ErrStore), http.StatusServiceUnavailable, apperrors.ErrCodeServiceUnavailable},
		{apperrors.NewUnauthorizedError("who are you"), http.StatusUnauthorized, apperrors.ErrCodeUnauthorized},
		{context.Canceled, http.StatusInternalServerError, apperrors.ErrCodeInternal},
	}

	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			router := gin.New()
			router.Use(ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
			router.GET("/fail", func(c *gin.Context) { _ = c.Error(tc.err) })

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fail", nil))
			assert.Equal(t, tc.status, w.Code)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, string(tc.code), body["error"])
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(zaptest.NewLogger(t).Sugar()))
	router.GET("/panic", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRequestLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)
	router := gin.New()
	router.Use(RequestLoggerMiddleware(logger.NewContextLogger(zap.New(core))))
	router.GET("/ping/:id", func(c *gin.Context) { c.Status(http.StatusTeapot) })

	req := httptest.NewRequest(http.MethodGet, "/ping/7", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-42", fields["request_id"])
	assert.Equal(t, "/ping/:id", fields["path"])
	assert.EqualValues(t, http.StatusTeapot, fields["status_code"])

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping/8", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
