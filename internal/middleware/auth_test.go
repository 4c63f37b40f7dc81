package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"wa-session-server/internal/auth"
)

func authRouter(a Authenticator, extra ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers := append([]gin.HandlerFunc{RequireAuth(a)}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		uid, _ := UserIDFromContext(c)
		c.String(http.StatusOK, uid)
	})
	r.GET("/", handlers...)
	return r
}

func TestRequireAuth_SetsUserID(t *testing.T) {
	cfg := auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := auth.CreateToken("user-1", cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	r := authRouter(Authenticator{Tokens: cfg})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "user-1" {
		t.Fatalf("expected 200 user-1, got %d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/?token="+tok, nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("query token on a plain route: expected 401, got %d", w.Code)
	}
}

func TestRequireSocketAuth_AcceptsQueryToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := auth.CreateToken("user-1", cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	r := gin.New()
	r.GET("/ws", RequireSocketAuth(Authenticator{Tokens: cfg}), func(c *gin.Context) {
		uid, _ := UserIDFromContext(c)
		c.String(http.StatusOK, uid)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil))
	if w.Code != http.StatusOK || w.Body.String() != "user-1" {
		t.Fatalf("expected 200 user-1, got %d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?token=bogus.jwt.value", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad query token: expected 401, got %d", w.Code)
	}
}

func TestRequireAuth_Rejects(t *testing.T) {
	cfg := auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	r := authRouter(Authenticator{Tokens: cfg})

	for _, header := range []string{"", "Bearer", "Basic abc", "Bearer not-a-jwt"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%q: expected 401, got %d", header, w.Code)
		}
	}
}

func TestRequireAuth_RawTokenMode(t *testing.T) {
	r := authRouter(Authenticator{Tokens: auth.TokenConfig{Secret: "secret"}, AllowRaw: true})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer doctor-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "doctor-42" {
		t.Fatalf("expected raw user id, got %d %q", w.Code, w.Body.String())
	}
}

func TestRequireAdmin(t *testing.T) {
	a := Authenticator{Tokens: auth.TokenConfig{Secret: "secret"}, AllowRaw: true}
	r := authRouter(a, RequireAdmin([]string{"root"}))

	for user, want := range map[string]int{"root": http.StatusOK, "doctor-42": http.StatusForbidden} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != want {
			t.Fatalf("%s: expected %d, got %d", user, want, w.Code)
		}
	}

	open := authRouter(a, RequireAdmin(nil))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer anyone")
	w := httptest.NewRecorder()
	open.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("empty admin list should allow, got %d", w.Code)
	}
}
