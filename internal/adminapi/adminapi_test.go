package adminapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret, role string, expired bool) string {
	t.Helper()
	exp := time.Now().Add(time.Hour)
	if expired {
		exp = time.Now().Add(-time.Hour)
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)},
		Role:             role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestHealthzNeverRequiresAuth(t *testing.T) {
	server := NewServer("shared-secret", &Controls{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminPauseRequiresAdminRoleToken(t *testing.T) {
	controls := &Controls{}
	server := NewServer("shared-secret", controls)

	req := httptest.NewRequest(http.MethodPost, "/admin/pause", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "shared-secret", "admin", false))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	require.True(t, controls.Paused())
}

func TestAdminPauseRejectsNonAdminRole(t *testing.T) {
	controls := &Controls{}
	server := NewServer("shared-secret", controls)

	req := httptest.NewRequest(http.MethodPost, "/admin/pause", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "shared-secret", "teller", false))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.False(t, controls.Paused())
}

func TestAdminPauseRejectsExpiredToken(t *testing.T) {
	server := NewServer("shared-secret", &Controls{})

	req := httptest.NewRequest(http.MethodPost, "/admin/pause", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "shared-secret", "admin", true))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminPauseRejectsWrongSigningSecret(t *testing.T) {
	server := NewServer("shared-secret", &Controls{})

	req := httptest.NewRequest(http.MethodPost, "/admin/pause", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "wrong-secret", "admin", false))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminResumeAndStatusRoundTrip(t *testing.T) {
	controls := &Controls{}
	controls.Pause()
	server := NewServer("shared-secret", controls)
	auth := "Bearer " + signToken(t, "shared-secret", "admin", false)

	resumeReq := httptest.NewRequest(http.MethodPost, "/admin/resume", nil)
	resumeReq.Header.Set("Authorization", auth)
	resumeRec := httptest.NewRecorder()
	server.ServeHTTP(resumeRec, resumeReq)
	require.Equal(t, http.StatusNoContent, resumeRec.Code)

	statusReq := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	statusReq.Header.Set("Authorization", auth)
	statusRec := httptest.NewRecorder()
	server.ServeHTTP(statusRec, statusReq)
	require.Equal(t, http.StatusOK, statusRec.Code)
	require.JSONEq(t, `{"paused":false}`, statusRec.Body.String())
}
