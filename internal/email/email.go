// Package email holds small address helpers shared by the scheduler,
// dispatcher and mailer.
package email

import (
	"net/mail"
	"strings"
)

// domainPart returns the part after the last "@", lowercased, or "" when the
// string has no usable domain.
func domainPart(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}

// ExtractDomain returns the domain of an email address, lowercased. It
// prefers RFC 5322 parsing and falls back to a raw split so throttling keys
// still work for slightly malformed addresses.
func ExtractDomain(address string) string {
	if parsed, err := mail.ParseAddress(address); err == nil {
		return domainPart(parsed.Address)
	}
	return domainPart(address)
}

// ExtractDomainOrDefault is ExtractDomain with a fallback for invalid input.
func ExtractDomainOrDefault(address, fallback string) string {
	if d := ExtractDomain(address); d != "" {
		return d
	}
	return fallback
}
