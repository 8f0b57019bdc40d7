package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestAuthSkipper(t *testing.T) {
	paths := map[string]bool{
		"/health":              true,
		"/health/db":           true,
		"/health/extra":        false,
		"/":                    false,
		"/ws":                  false,
		"/api/v1/appointments": false,
		"/api/v1/availability": false,
	}
	e := echo.New()
	for path, public := range paths {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, path, nil), httptest.NewRecorder())
		c.SetPath(path)
		if got := AuthSkipper(c); got != public {
			t.Errorf("AuthSkipper(%s) = %v, want %v", path, got, public)
		}
		if got := IsPublicPath(path); got != public {
			t.Errorf("IsPublicPath(%s) = %v, want %v", path, got, public)
		}
	}
}

func TestJWTMiddleware_SkipsPublicPaths(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), httptest.NewRecorder())
	c.SetPath("/health")

	cfg := JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper}
	if err := JWTMiddleware(cfg)(okHandler)(c); err != nil {
		t.Fatalf("expected health check to skip auth, got %v", err)
	}
}

func TestJWTMiddleware_DoesNotSkipProtectedPaths(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/appointments", nil), httptest.NewRecorder())
	c.SetPath("/api/v1/appointments")

	cfg := JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper}
	err := JWTMiddleware(cfg)(okHandler)(c)
	if err == nil {
		t.Fatal("expected 401 for protected path without token")
	}
	if httpErr, ok := err.(*echo.HTTPError); !ok || httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", err)
	}
}

func TestJWTMiddleware_AuthStillWorksWithSkipper(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("patient-1", "patient"), testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/api/v1/appointments")

	cfg := JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper}
	err := JWTMiddleware(cfg)(func(c echo.Context) error {
		if uid := UserIDFromContext(c.Request().Context()); uid != "patient-1" {
			t.Errorf("expected patient-1, got %s", uid)
		}
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
