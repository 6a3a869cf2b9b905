package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-32-chars-min!!!"

func newIssuer(t *testing.T, expiry time.Duration) *Issuer {
	t.Helper()
	i, err := NewIssuer(testSecret, expiry)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return i
}

// ===== BCRYPT =====

func TestHashPassword(t *testing.T) {
	t.Parallel()

	hash, err := HashPassword("MySecurePassword123!")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if !strings.HasPrefix(hash, "$2a$") && !strings.HasPrefix(hash, "$2b$") {
		t.Errorf("hash format is invalid: %s", hash)
	}
	if !VerifyPassword(hash, "MySecurePassword123!") {
		t.Error("VerifyPassword rejected the correct password")
	}
}

func TestVerifyPassword_Mismatch(t *testing.T) {
	t.Parallel()

	hash, err := HashPassword("Secret")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	for _, pw := range []string{"secret", "Secret ", ""} {
		if VerifyPassword(hash, pw) {
			t.Errorf("VerifyPassword(%q) = true; want false", pw)
		}
	}
	if VerifyPassword("not-a-bcrypt-hash", "Secret") {
		t.Error("VerifyPassword accepted a malformed hash")
	}
}

func TestHashPassword_Salted(t *testing.T) {
	t.Parallel()

	h1, _ := HashPassword("same")
	h2, _ := HashPassword("same")
	if h1 == h2 {
		t.Error("two hashes of the same password are identical")
	}
}

// ===== JWT =====

func TestNewIssuer_RequiresSecret(t *testing.T) {
	if _, err := NewIssuer("", time.Hour); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("err = %v; want ErrNoSecret", err)
	}
	i := newIssuer(t, 0)
	if i.expiry != DefaultExpiry {
		t.Errorf("expiry = %v; want %v", i.expiry, DefaultExpiry)
	}
}

func TestIssueAndParse(t *testing.T) {
	i := newIssuer(t, time.Hour)

	token, expiresAt, err := i.Issue("admin")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if got := strings.Count(token, "."); got != 2 {
		t.Fatalf("token has %d dots; want 2", got)
	}
	if d := time.Until(expiresAt); d < 59*time.Minute || d > time.Hour {
		t.Errorf("expiresAt in %v; want ~1h", d)
	}

	claims, err := i.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Operator != "admin" || claims.Subject != "admin" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestParse_Rejects(t *testing.T) {
	i := newIssuer(t, time.Hour)
	other, err := NewIssuer("another-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	foreign, _, err := other.Issue("admin")
	if err != nil {
		t.Fatal(err)
	}

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{Operator: "admin"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string]string{
		"empty":          "",
		"malformed":      "not.a.jwt",
		"wrong secret":   foreign,
		"alg none":       none,
		"garbage base64": "eyJ.eyJ.sig",
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := i.Parse(tok); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("err = %v; want ErrInvalidToken", err)
			}
		})
	}
}

func TestParse_Expired(t *testing.T) {
	i := newIssuer(t, time.Minute)
	past := time.Now().Add(-time.Hour)
	i.now = func() time.Time { return past }
	token, _, err := i.Issue("admin")
	if err != nil {
		t.Fatal(err)
	}

	i.now = time.Now
	if _, err := i.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v; want ErrInvalidToken", err)
	}
}
