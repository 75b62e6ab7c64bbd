package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/stemsi/pengawas-backend/internal/config"
	"github.com/stemsi/pengawas-backend/internal/service"
)

// issue-token mints a JWT for local development and operational tooling.
// Production tokens come from the identity provider, not from this binary.
func main() {
	var (
		userID    int
		tokenType string
	)
	flag.IntVar(&userID, "user", 0, "User ID to embed in the token")
	flag.StringVar(&tokenType, "type", service.TokenTypeParticipant, "Token type: participant or monitor")
	flag.Parse()

	if userID <= 0 {
		log.Fatal("user is required and must be positive (use -user)")
	}

	cfg := config.Load()
	auth := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry)

	token, err := auth.GenerateToken(userID, tokenType)
	if err != nil {
		log.Fatalf("Failed to generate token: %v", err)
	}

	fmt.Println(token)
}
