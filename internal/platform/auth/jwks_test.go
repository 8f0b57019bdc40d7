package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

func newJWKSServer(t *testing.T, kid string, pub *rsa.PublicKey) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		json.NewEncoder(w).Encode(JWKSResponse{Keys: []JWKSKey{{
			Kty: "RSA",
			Kid: kid,
			Alg: "RS256",
			Use: "sig",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}}})
	})
	srv := httptest.NewServer(mux)
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"issuer": srv.URL, "jwks_uri": srv.URL + "/jwks"})
	})
	t.Cleanup(srv.Close)
	return srv, &hits
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestJWKSCache_GetKeyCachesWithinTTL(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv, hits := newJWKSServer(t, "k1", &key.PublicKey)

	cache := NewJWKSCache(srv.URL+"/jwks", time.Minute)
	for i := 0; i < 3; i++ {
		pub, err := cache.GetKey("k1")
		if err != nil {
			t.Fatalf("GetKey: %v", err)
		}
		if pub.N.Cmp(key.PublicKey.N) != 0 || pub.E != key.PublicKey.E {
			t.Fatal("returned key does not match")
		}
	}
	if got := atomic.LoadInt32(hits); got != 1 {
		t.Errorf("expected 1 fetch, got %d", got)
	}

	if _, err := cache.GetKey("unknown"); err == nil {
		t.Error("expected error for unknown kid")
	}
}

func TestJWTMiddleware_RS256ViaDiscovery(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv, _ := newJWKSServer(t, "k1", &key.PublicKey)

	claims := validClaims("therapist-1", "therapist")
	claims.Issuer = srv.URL
	tokenStr := signRS256(t, key, "k1", claims)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	err = JWTMiddleware(JWTConfig{Issuer: srv.URL})(func(c echo.Context) error {
		if uid := UserIDFromContext(c.Request().Context()); uid != "therapist-1" {
			t.Errorf("expected therapist-1, got %s", uid)
		}
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestJWTMiddleware_RejectsHS256WhenUsingJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv, _ := newJWKSServer(t, "k1", &key.PublicKey)

	tokenStr := createTestToken(t, validClaims("patient-1", "patient"), testSigningKey)
	err = runJWT(t, JWTConfig{JWKSURL: srv.URL + "/jwks"}, "Bearer "+tokenStr, nil)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestDiscoverJWKSURL(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv, _ := newJWKSServer(t, "k1", &key.PublicKey)

	got, err := DiscoverJWKSURL(srv.URL + "/")
	if err != nil {
		t.Fatalf("DiscoverJWKSURL: %v", err)
	}
	if got != srv.URL+"/jwks" {
		t.Errorf("unexpected jwks_uri %q", got)
	}

	if _, err := DiscoverJWKSURL(srv.URL + "/missing"); err == nil {
		t.Error("expected error for missing discovery document")
	}
}
