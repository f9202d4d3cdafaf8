package dkim

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

// testKeyBits keeps key generation fast in tests.
const testKeyBits = 1024

func newTestSigner(t *testing.T, domain, selector string) *Signer {
	t.Helper()
	kp, err := GenerateKey(domain, selector, testKeyBits)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	return NewSigner(kp.PrivateKey, domain, selector)
}

func TestSignAddsSignatureHeader(t *testing.T) {
	signer := newTestSigner(t, "example.com", "mail")

	message := []byte("From: news@example.com\r\n" +
		"To: ada@example.org\r\n" +
		"Subject: Hello\r\n" +
		"\r\n" +
		"Campaign body.\r\n")

	signed, err := signer.Sign(message)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if !bytes.Contains(signed, []byte("DKIM-Signature:")) {
		t.Error("signed message is missing the DKIM-Signature header")
	}
	if !bytes.Contains(signed, []byte("Campaign body.")) {
		t.Error("signed message lost the original body")
	}

	s := string(signed)
	if !strings.Contains(s, "d=example.com") {
		t.Error("signature is missing the domain tag")
	}
	if !strings.Contains(s, "s=mail") {
		t.Error("signature is missing the selector tag")
	}
}

func TestSignerFromFileRoundTrip(t *testing.T) {
	kp, err := GenerateKey("example.com", "mail", testKeyBits)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "dkim.key")
	if err := kp.SavePrivateKey(keyPath); err != nil {
		t.Fatalf("SavePrivateKey failed: %v", err)
	}

	signer, err := NewSignerFromFile(keyPath, "example.com", "mail")
	if err != nil {
		t.Fatalf("NewSignerFromFile failed: %v", err)
	}
	if signer.Domain() != "example.com" || signer.Selector() != "mail" {
		t.Errorf("signer identity = %s/%s, want example.com/mail",
			signer.Domain(), signer.Selector())
	}

	message := []byte("From: news@example.com\r\nTo: ada@example.org\r\nSubject: x\r\n\r\nbody\r\n")
	if _, err := signer.Sign(message); err != nil {
		t.Fatalf("Sign with loaded key failed: %v", err)
	}
}

func TestSignerFromMissingFile(t *testing.T) {
	if _, err := NewSignerFromFile("/nonexistent/dkim.key", "example.com", "mail"); err == nil {
		t.Error("expected error for a missing key file")
	}
}
