// Command devtoken prints a bearer token signed with AUTH_SECRET for local
// testing against the API. Production tokens come from the identity provider.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"apotek/backend/internal/config"
	"apotek/backend/internal/domain"
	"apotek/backend/internal/httpapi"
)

func main() {
	username := flag.String("user", "admin", "token subject")
	role := flag.String("role", domain.RoleAdmin, "admin, pharmacist or cashier")
	ttl := flag.Duration("ttl", 8*time.Hour, "token lifetime")
	flag.Parse()

	cfg := config.Load()
	if len(cfg.AuthSecret) < 32 {
		log.Fatal("AUTH_SECRET must be set and at least 32 characters")
	}

	auth := httpapi.NewAuthManager(cfg.AuthSecret, *ttl, "")
	token, expiresAt, err := auth.IssueToken(domain.Actor{Username: *username, Role: *role})
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}
	if _, err := auth.ParseToken(token); err != nil {
		log.Fatalf("token rejected: %v", err)
	}

	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.Format(time.RFC3339))
	fmt.Println(token)
}
