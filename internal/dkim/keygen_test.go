package dkim

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateKeyDefaultsTo2048(t *testing.T) {
	kp, err := GenerateKey("example.com", "mail", 0)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if kp.PrivateKey.N.BitLen() < DefaultKeyBits {
		t.Errorf("key size = %d bits, want >= %d", kp.PrivateKey.N.BitLen(), DefaultKeyBits)
	}
	if kp.Domain != "example.com" || kp.Selector != "mail" {
		t.Errorf("identity = %s/%s, want example.com/mail", kp.Domain, kp.Selector)
	}
}

func TestDNSPublication(t *testing.T) {
	kp, err := GenerateKey("example.com", "mail", testKeyBits)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if got, want := kp.DNSName(), "mail._domainkey.example.com"; got != want {
		t.Errorf("DNSName() = %q, want %q", got, want)
	}
	if record := kp.DNSRecord(); !strings.HasPrefix(record, "v=DKIM1; k=rsa; p=") {
		t.Errorf("DNSRecord() = %q, want v=DKIM1 prefix", record)
	}
}

func TestSaveAndLoadPrivateKey(t *testing.T) {
	kp, err := GenerateKey("example.com", "mail", testKeyBits)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	keyPath := filepath.Join(t.TempDir(), "keys", "dkim.key")
	if err := kp.SavePrivateKey(keyPath); err != nil {
		t.Fatalf("SavePrivateKey failed: %v", err)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("key file not created: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("file permissions = %o, want 0600", info.Mode().Perm())
	}

	loaded, err := LoadPrivateKey(keyPath)
	if err != nil {
		t.Fatalf("LoadPrivateKey failed: %v", err)
	}
	if loaded.N.Cmp(kp.PrivateKey.N) != 0 {
		t.Error("loaded key does not match the generated one")
	}
}

func TestLoadPrivateKeyRejectsGarbage(t *testing.T) {
	if _, err := LoadPrivateKey("/nonexistent/key.pem"); err == nil {
		t.Error("expected error for a missing file")
	}

	badFile := filepath.Join(t.TempDir(), "bad.pem")
	if err := os.WriteFile(badFile, []byte("not a pem"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPrivateKey(badFile); err == nil {
		t.Error("expected error for invalid PEM")
	}
}
