package service

import (
	"errors"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	auth := NewAuthService("test-secret", time.Hour)

	token, err := auth.GenerateToken(42, TokenTypeParticipant)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := auth.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != 42 || claims.TokenType != TokenTypeParticipant {
		t.Errorf("claims mismatch: %+v", claims)
	}
}

func TestTokenRejectsWrongSecret(t *testing.T) {
	token, err := NewAuthService("secret-a", time.Hour).GenerateToken(1, TokenTypeMonitor)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	_, err = NewAuthService("secret-b", time.Hour).ValidateToken(token)
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestTokenRejectsExpired(t *testing.T) {
	auth := NewAuthService("test-secret", -time.Minute)

	token, err := auth.GenerateToken(1, TokenTypeParticipant)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := auth.ValidateToken(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestTokenRejectsUnknownType(t *testing.T) {
	if _, err := NewAuthService("s", time.Hour).GenerateToken(1, "admin"); err == nil {
		t.Fatal("expected error for unknown token type")
	}
}
