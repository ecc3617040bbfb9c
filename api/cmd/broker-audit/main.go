package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/forgebridge/runner-broker/api/internal/core/services"
)

// broker-audit mints admin tokens offline, the way GenerateAdminToken's own
// doc comment says operators are expected to: a live "mint me a token"
// HTTP endpoint would mean the broker itself can escalate a caller to
// admin, which defeats the point of a separate operator credential.
func main() {
	email := flag.String("email", "", "admin email to embed in the token subject claim")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		fmt.Println("⚠️  no .env file found, checking system env vars...")
	}

	if *email == "" {
		log.Fatal("❌ CRITICAL: -email is required")
	}

	secret := os.Getenv("JWT_ADMIN_SECRET")
	if len(secret) < 32 {
		log.Fatalf("❌ CRITICAL: JWT_ADMIN_SECRET must be set to at least 32 characters (current: %d)", len(secret))
	}

	tokenService := services.NewAdminTokenService(secret)
	token, err := tokenService.GenerateAdminToken(*email)
	if err != nil {
		log.Fatalf("❌ CRITICAL: failed to mint admin token: %v", err)
	}

	fmt.Println("--------------------------------------------------")
	fmt.Printf("🔑 admin token minted for %s (expires in 12h, issued %s)\n", *email, time.Now().UTC().Format(time.RFC3339))
	fmt.Println(token)
	fmt.Println("--------------------------------------------------")
	fmt.Println("🚀 VERDICT: pass this token as `Authorization: Bearer <token>` on the admin API.")
}
