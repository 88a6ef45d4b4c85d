package accesstoken

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func newPair(t *testing.T, prefix string) (*Signer, *Verifier, string) {
	t.Helper()
	privatePath, publicPath := writeRSAKeyPairFiles(t, prefix)
	signer, err := NewSigner(SignerOptions{
		PrivateKeyPath: privatePath,
		Issuer:         "docflow-admin",
		TTL:            time.Minute,
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier, err := NewVerifier(VerifierOptions{
		PublicKeyPath:  publicPath,
		AllowedIssuers: []string{"docflow-admin"},
		Leeway:         time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return signer, verifier, privatePath
}

func TestSignAndVerifyScope(t *testing.T) {
	signer, verifier, _ := newPair(t, "ok")
	token, err := signer.Sign("ops-user", "", ScopeRead, ScopeWrite)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := verifier.VerifyScope(token, ScopeWrite)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "ops-user" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
	if _, err := verifier.VerifyScope(token, ScopeBatch); !errors.Is(err, ErrScope) {
		t.Fatalf("expected ErrScope, got %v", err)
	}
}

func TestVerifierRejectsAudienceMismatch(t *testing.T) {
	signer, verifier, _ := newPair(t, "aud")
	token, _ := signer.Sign("ops-user", "other-service", ScopeRead)
	if _, err := verifier.Verify(token); err == nil {
		t.Fatalf("expected audience mismatch")
	}
}

func TestVerifierRejectsUnknownIssuer(t *testing.T) {
	privatePath, publicPath := writeRSAKeyPairFiles(t, "iss")
	signer, _ := NewSigner(SignerOptions{PrivateKeyPath: privatePath, Issuer: "stranger"})
	verifier, _ := NewVerifier(VerifierOptions{PublicKeyPath: publicPath, AllowedIssuers: []string{"docflow-admin"}})
	token, _ := signer.Sign("ops-user", "")
	if _, err := verifier.Verify(token); err == nil {
		t.Fatalf("expected issuer rejection")
	}
}

func TestVerifierRejectsUnknownKid(t *testing.T) {
	privatePath, publicPath := writeRSAKeyPairFiles(t, "kid")
	signer, _ := NewSigner(SignerOptions{PrivateKeyPath: privatePath, KeyID: "kid-1", Issuer: "docflow-admin"})
	verifier, _ := NewVerifier(VerifierOptions{PublicKeyPath: publicPath, KeyID: "kid-2", AllowedIssuers: []string{"docflow-admin"}})
	token, _ := signer.Sign("ops-user", "")
	if _, err := verifier.Verify(token); err == nil {
		t.Fatalf("expected unknown kid to fail")
	}
}

func TestVerifierRejectsExpiredToken(t *testing.T) {
	_, verifier, privatePath := newPair(t, "exp")
	key, err := loadRSAPrivateKeyFromPEMFile(privatePath)
	if err != nil {
		t.Fatalf("load private key: %v", err)
	}
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		Scope: ScopeRead,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "docflow-admin",
			Subject:   "ops-user",
			Audience:  jwt.ClaimStrings{DefaultAudience},
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
		},
	})
	token.Header["kid"] = DefaultKeyID
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := verifier.Verify(signed); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func TestNewVerifierRequiresIssuer(t *testing.T) {
	_, publicPath := writeRSAKeyPairFiles(t, "noiss")
	if _, err := NewVerifier(VerifierOptions{PublicKeyPath: publicPath}); err == nil {
		t.Fatalf("expected missing issuer error")
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "bearer abc")
	token, ok := BearerToken(req)
	if !ok || token != "abc" {
		t.Fatalf("expected bearer token")
	}
	req.Header.Set("Authorization", "Basic abc")
	if _, ok := BearerToken(req); ok {
		t.Fatalf("expected basic auth to be ignored")
	}
}

func writeRSAKeyPairFiles(t *testing.T, prefix string) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dir := t.TempDir()
	privatePath := filepath.Join(dir, prefix+"-private.pem")
	publicPath := filepath.Join(dir, prefix+"-public.pem")
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		t.Fatalf("write private: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public: %v", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	if err := os.WriteFile(publicPath, publicPEM, 0o644); err != nil {
		t.Fatalf("write public: %v", err)
	}
	return privatePath, publicPath
}
