package httpapi

import (
	"strings"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"apotek/backend/internal/domain"
)

func TestIssueAndParseTokenRoundTrip(t *testing.T) {
	auth := NewAuthManager(testSecret, time.Hour, testPIN)

	token, expiresAt, err := auth.IssueToken(domain.Actor{Username: "apt-1", Role: domain.RolePharmacist})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if !expiresAt.After(time.Now()) {
		t.Fatalf("expected expiry in the future, got %v", expiresAt)
	}

	actor, err := auth.ParseToken(token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "apt-1" || actor.Role != domain.RolePharmacist {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	issuer := NewAuthManager("another-secret-key-with-at-least-32-chars", time.Hour, testPIN)
	verifier := NewAuthManager(testSecret, time.Hour, testPIN)

	token, _, err := issuer.IssueToken(domain.Actor{Username: "admin", Role: domain.RoleAdmin})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, err := verifier.ParseToken(token); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestParseTokenRejectsUnknownRoleAndExpiry(t *testing.T) {
	auth := NewAuthManager(testSecret, time.Hour, testPIN)

	unknown, err := auth.sign("mallory", "superuser", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ParseToken(unknown); err == nil || !strings.Contains(err.Error(), "role") {
		t.Fatalf("expected unknown role to be rejected, got %v", err)
	}

	expired, err := auth.sign("admin", domain.RoleAdmin, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ParseToken(expired); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestParseTokenRejectsNoneAlgorithm(t *testing.T) {
	auth := NewAuthManager(testSecret, time.Hour, testPIN)
	claims := actorClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   "admin",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: domain.RoleAdmin,
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, claims).SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := auth.ParseToken(token); err == nil {
		t.Fatalf("expected alg=none token to be rejected")
	}
}

func TestValidateManagerPIN(t *testing.T) {
	auth := NewAuthManager(testSecret, time.Hour, testPIN)
	if !isPasswordHash(auth.managerPIN) {
		t.Fatalf("expected manager pin to be stored as bcrypt hash")
	}
	if !auth.ValidateManagerPIN(" " + testPIN + " ") {
		t.Fatalf("expected correct pin to validate")
	}
	if auth.ValidateManagerPIN("111111") || auth.ValidateManagerPIN("") {
		t.Fatalf("expected wrong or empty pin to fail")
	}
}
