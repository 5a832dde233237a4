package security

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTokenProvider_IssueAndValidate(t *testing.T) {
	p, err := NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	token, exp, err := p.IssueAccess("u1", "o1")
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if token == "" || exp.Before(time.Now()) {
		t.Fatalf("token = %q, exp = %v", token, exp)
	}
	got, err := p.ValidateAccess(token)
	if err != nil {
		t.Fatalf("ValidateAccess: %v", err)
	}
	if got.UserID != "u1" || got.OrgID != "o1" {
		t.Errorf("principal = %+v", got)
	}
}

func TestTokenProvider_ValidateRejects(t *testing.T) {
	p, _ := NewTestTokenProvider()
	other, _ := NewTestTokenProvider()
	otherToken, _, _ := other.IssueAccess("u1", "o1")

	wrongAudience := NewTokenProvider(p.privateKey, nil, "test-issuer", "elsewhere", time.Minute)
	audToken, _, _ := wrongAudience.IssueAccess("u1", "o1")

	expired := NewTokenProvider(p.privateKey, nil, "test-issuer", "test-audience", -time.Minute)
	expiredToken, _, _ := expired.IssueAccess("u1", "o1")

	anonymous, _, _ := p.IssueAccess("", "o1")

	testCases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"foreign key", otherToken},
		{"wrong audience", audToken},
		{"expired", expiredToken},
		{"no subject", anonymous},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := p.ValidateAccess(tc.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("ValidateAccess = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestTokenProvider_ValidateOnly(t *testing.T) {
	p, _ := NewTestTokenProvider()
	verifier := NewTokenProvider(nil, p.publicKey, "test-issuer", "test-audience", 0)
	if _, _, err := verifier.IssueAccess("u1", ""); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("IssueAccess without key = %v, want ErrInvalidKey", err)
	}
	token, _, _ := p.IssueAccess("u1", "")
	if _, err := verifier.ValidateAccess(token); err != nil {
		t.Errorf("ValidateAccess: %v", err)
	}
}

func TestIssuingTokenSource_Reuses(t *testing.T) {
	p, _ := NewTestTokenProvider()
	src := p.TokenSource("u1", "o1")
	first, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	second, _ := src.Token(context.Background())
	if first != second {
		t.Error("token should be reused until near expiry")
	}

	short := NewTokenProvider(p.privateKey, nil, "test-issuer", "test-audience", 30*time.Second).TokenSource("u1", "")
	a, _ := short.Token(context.Background())
	time.Sleep(1100 * time.Millisecond)
	b, _ := short.Token(context.Background())
	if a == b {
		t.Error("token within a minute of expiry should be reissued")
	}
}

func TestParseKeys(t *testing.T) {
	ecKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	rsaKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	ecDER, _ := x509.MarshalECPrivateKey(ecKey)
	pkcs8, _ := x509.MarshalPKCS8PrivateKey(rsaKey)
	pubDER, _ := x509.MarshalPKIXPublicKey(&ecKey.PublicKey)

	encode := func(typ string, der []byte) string {
		return string(pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}))
	}

	if _, err := ParsePrivateKey(encode("EC PRIVATE KEY", ecDER)); err != nil {
		t.Errorf("EC private key: %v", err)
	}
	if _, err := ParsePrivateKey(encode("PRIVATE KEY", pkcs8)); err != nil {
		t.Errorf("PKCS8 private key: %v", err)
	}
	if _, err := ParsePrivateKey(encode("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(rsaKey))); err != nil {
		t.Errorf("PKCS1 private key: %v", err)
	}
	if _, err := ParsePrivateKey(encode("CERTIFICATE", ecDER)); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("wrong block type = %v, want ErrInvalidKey", err)
	}

	path := filepath.Join(t.TempDir(), "pub.pem")
	if err := os.WriteFile(path, []byte(encode("PUBLIC KEY", pubDER)), 0o600); err != nil {
		t.Fatal(err)
	}
	pub, err := ParsePublicKey(path)
	if err != nil {
		t.Fatalf("ParsePublicKey(file): %v", err)
	}
	if signingMethod(pub).Alg() != "ES256" {
		t.Errorf("alg = %s, want ES256", signingMethod(pub).Alg())
	}
	for _, in := range []string{"", "   ", "/nonexistent/key.pem", "-----BEGIN PUBLIC KEY-----\ninvalid\n-----END PUBLIC KEY-----"} {
		if _, err := ParsePublicKey(in); err == nil {
			t.Errorf("ParsePublicKey(%q) should fail", in)
		}
	}
}
