package serviceauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return key
}

func TestGenerateTokenCarriesServiceClaims(t *testing.T) {
	key := testKey(t)
	gen := NewServiceTokenGenerator(key, "rotationd", time.Hour)

	tokenStr, err := gen.GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	claims := &ServiceClaims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	})
	if err != nil || !parsed.Valid {
		t.Fatalf("parse token: err=%v valid=%v", err, parsed != nil && parsed.Valid)
	}
	if claims.ServiceID != "rotationd" {
		t.Errorf("ServiceID = %q, want rotationd", claims.ServiceID)
	}
	if claims.Subject != "rotationd" {
		t.Errorf("Subject = %q, want rotationd", claims.Subject)
	}
	if claims.Issuer != "vaultcore" {
		t.Errorf("Issuer = %q, want vaultcore", claims.Issuer)
	}
	if claims.ExpiresAt == nil || !claims.ExpiresAt.After(time.Now()) {
		t.Error("token should expire in the future")
	}
}

func TestGenerateTokenRejectsWrongKey(t *testing.T) {
	gen := NewServiceTokenGenerator(testKey(t), "rotationd", time.Hour)
	other := testKey(t)

	tokenStr, err := gen.GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	_, err = jwt.ParseWithClaims(tokenStr, &ServiceClaims{}, func(token *jwt.Token) (interface{}, error) {
		return &other.PublicKey, nil
	})
	if err == nil {
		t.Fatal("parse with wrong public key should fail")
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestRoundTripperInjectsServiceToken(t *testing.T) {
	gen := NewServiceTokenGenerator(testKey(t), "rotationd", time.Hour)

	var captured *http.Request
	rt := NewServiceTokenRoundTripper(roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		captured = req
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
	}), gen)

	ctx := WithUserID(context.Background(), "operator-7")
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, "https://webhook.internal/rotate", nil)
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	defer resp.Body.Close()

	if captured.Header.Get(ServiceTokenHeader) == "" {
		t.Error("X-Service-Token header should be set")
	}
	if got := captured.Header.Get(UserIDHeader); got != "operator-7" {
		t.Errorf("X-User-ID = %q, want operator-7", got)
	}
	// The original request must not be mutated.
	if req.Header.Get(ServiceTokenHeader) != "" {
		t.Error("original request header should be untouched")
	}
}

func TestRoundTripperWithoutGeneratorPassesThrough(t *testing.T) {
	base := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
	})
	if rt := NewServiceTokenRoundTripper(base, nil); rt == nil {
		t.Fatal("NewServiceTokenRoundTripper(nil generator) should return the base transport")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if GetServiceID(ctx) != "" || GetUserID(ctx) != "" {
		t.Fatal("empty context should yield empty IDs")
	}

	ctx = WithServiceID(ctx, "vaultd")
	ctx = WithUserID(ctx, "operator-7")
	if got := GetServiceID(ctx); got != "vaultd" {
		t.Errorf("GetServiceID() = %q, want vaultd", got)
	}
	if got := GetUserID(ctx); got != "operator-7" {
		t.Errorf("GetUserID() = %q, want operator-7", got)
	}
}

func TestParseRSAKeysFromPEMRoundTrip(t *testing.T) {
	key := testKey(t)

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	parsedPriv, err := ParseRSAPrivateKeyFromPEM(privPEM)
	if err != nil {
		t.Fatalf("ParseRSAPrivateKeyFromPEM() error = %v", err)
	}
	if parsedPriv.N.Cmp(key.N) != 0 {
		t.Error("parsed private key does not match original")
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	parsedPub, err := ParseRSAPublicKeyFromPEM(pubPEM)
	if err != nil {
		t.Fatalf("ParseRSAPublicKeyFromPEM() error = %v", err)
	}
	if parsedPub.N.Cmp(key.PublicKey.N) != 0 {
		t.Error("parsed public key does not match original")
	}
}

func TestParseRSAKeysFromPEMRejectsGarbage(t *testing.T) {
	if _, err := ParseRSAPrivateKeyFromPEM([]byte("not pem")); err == nil {
		t.Error("ParseRSAPrivateKeyFromPEM should reject non-PEM input")
	}
	if _, err := ParseRSAPublicKeyFromPEM([]byte("not pem")); err == nil {
		t.Error("ParseRSAPublicKeyFromPEM should reject non-PEM input")
	}
}
