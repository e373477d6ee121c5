package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

func TestAdminTokenRoundTrip(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 6, 15, 9, 0, 0, 0, time.UTC))
	m := NewManager("test-secret", time.Hour, clock)

	raw, expiresAt, err := m.GenerateAdminToken()
	if err != nil {
		t.Fatalf("GenerateAdminToken: %v", err)
	}
	if want := clock.Now().Add(time.Hour); !expiresAt.Equal(want) {
		t.Errorf("expiresAt = %v, want %v", expiresAt, want)
	}

	claims, err := m.VerifyAdminToken(raw)
	if err != nil {
		t.Fatalf("VerifyAdminToken: %v", err)
	}
	if claims.Role != "admin" || claims.TokenType != "admin" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.JTI == "" {
		t.Error("jti missing")
	}
}

func TestAdminTokenExpires(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 6, 15, 9, 0, 0, 0, time.UTC))
	m := NewManager("test-secret", 15*time.Minute, clock)

	raw, _, err := m.GenerateAdminToken()
	if err != nil {
		t.Fatalf("GenerateAdminToken: %v", err)
	}

	clock.Advance(16 * time.Minute)
	if _, err := m.VerifyAdminToken(raw); err == nil {
		t.Fatal("expired token verified")
	}
}

func TestAdminTokenWrongSecret(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 6, 15, 9, 0, 0, 0, time.UTC))
	raw, _, err := NewManager("secret-a", time.Hour, clock).GenerateAdminToken()
	if err != nil {
		t.Fatalf("GenerateAdminToken: %v", err)
	}

	if _, err := NewManager("secret-b", time.Hour, clock).VerifyAdminToken(raw); err == nil {
		t.Fatal("token verified with the wrong secret")
	}
}

func TestAdminTokenRejectsForeignType(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 6, 15, 9, 0, 0, 0, time.UTC))
	m := NewManager("test-secret", time.Hour, clock)

	claims := Claims{
		Role:      "admin",
		TokenType: "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(clock.Now()),
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := m.VerifyAdminToken(raw); err == nil {
		t.Fatal("non-admin token type verified")
	}
}

func TestAdminTokenRejectsUnsignedAlg(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 6, 15, 9, 0, 0, 0, time.UTC))
	m := NewManager("test-secret", time.Hour, clock)

	claims := Claims{
		Role:      "admin",
		TokenType: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := m.VerifyAdminToken(raw); err == nil {
		t.Fatal("alg=none token verified")
	}
}
