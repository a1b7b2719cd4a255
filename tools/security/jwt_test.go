package security

import (
	"testing"
	"time"
)

func TestGenerateVerifyRoundTrip(t *testing.T) {
	opts := DefaultOptions([]byte("test-secret"))
	token, exp, err := Generate(opts, "alice")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !exp.After(time.Now()) {
		t.Fatalf("expiry in the past: %v", exp)
	}
	sub, err := VerifySubject(opts, token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if sub != "alice" {
		t.Fatalf("want subject alice, got %q", sub)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, _, err := Generate(DefaultOptions([]byte("secret-a")), "alice")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := VerifySubject(DefaultOptions([]byte("secret-b")), token); err == nil {
		t.Fatal("wrong secret must fail verification")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	opts := DefaultOptions([]byte("test-secret"))
	opts.TTL = time.Nanosecond // exp claim truncates to the current second
	token, _, err := Generate(opts, "alice")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	time.Sleep(1100 * time.Millisecond)
	if _, err := VerifySubject(opts, token); err == nil {
		t.Fatal("expired token must fail verification")
	}
}

func TestUnsupportedAlgRejected(t *testing.T) {
	opts := DefaultOptions([]byte("test-secret"))
	opts.Alg = "RS256"
	if _, _, err := Generate(opts, "alice"); err == nil {
		t.Fatal("asymmetric alg must be rejected")
	}
}
