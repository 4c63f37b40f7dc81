package auth

import (
	"errors"
	"testing"
	"time"
)

func TestCreateAndVerifyToken(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := CreateToken("user-1", cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	claims, err := VerifyToken(tok, cfg)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("expected user-1, got %q", claims.UserID)
	}
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := CreateToken("user-1", cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	_, err = VerifyToken(tok, TokenConfig{Secret: "wrong", Expiry: time.Hour, Issuer: "test"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: -time.Second, Issuer: "test"}
	_, err := CreateToken("user-1", cfg)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestResolveUserID(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := CreateToken("user-1", cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	uid, err := ResolveUserID(tok, cfg, false)
	if err != nil || uid != "user-1" {
		t.Fatalf("ResolveUserID = %q, %v", uid, err)
	}

	if _, err := ResolveUserID(tok, TokenConfig{Secret: "other"}, true); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("forged jwt must be rejected even in raw mode, got %v", err)
	}
	if _, err := ResolveUserID("doctor-42", cfg, false); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("raw token accepted without raw mode")
	}
	uid, err = ResolveUserID("doctor-42", cfg, true)
	if err != nil || uid != "doctor-42" {
		t.Fatalf("raw mode = %q, %v", uid, err)
	}
	if _, err := ResolveUserID("../etc/passwd", cfg, true); err == nil {
		t.Fatalf("expected rejection of unsafe raw token")
	}
	if _, err := ResolveUserID("  ", cfg, true); err == nil {
		t.Fatalf("expected rejection of empty token")
	}
}

func TestDefaultTokenConfig(t *testing.T) {
	cfg := DefaultTokenConfig("secret")
	if cfg.Issuer != "wa-session-server" || cfg.Expiry != 7*24*time.Hour {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	tok, err := CreateToken("user-1", cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	claims, err := VerifyToken(tok, cfg)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.Issuer != "wa-session-server" {
		t.Fatalf("unexpected issuer %q", claims.Issuer)
	}
}
