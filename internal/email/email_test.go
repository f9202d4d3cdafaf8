package email

import "testing"

func TestExtractDomain(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{"user@example.com", "example.com"},
		{"Ada Lovelace <ada@Example.COM>", "example.com"},
		{"user@mail.example.com", "mail.example.com"},
		{"user@a", "a"},
		{"no-at-sign", ""},
		{"@example.com", ""},
		{"user@", ""},
		{"", ""},
	}

	for _, tc := range tests {
		if got := ExtractDomain(tc.address); got != tc.want {
			t.Errorf("ExtractDomain(%q) = %q, want %q", tc.address, got, tc.want)
		}
	}
}

func TestExtractDomainOrDefault(t *testing.T) {
	if got := ExtractDomainOrDefault("user@example.com", "localhost"); got != "example.com" {
		t.Errorf("got %q, want example.com", got)
	}
	if got := ExtractDomainOrDefault("broken", "localhost"); got != "localhost" {
		t.Errorf("got %q, want the fallback", got)
	}
}
