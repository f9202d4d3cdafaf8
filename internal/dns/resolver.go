// Package dns resolves and caches the MX records used for direct delivery.
package dns

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

// MXRecord is one mail exchanger for a domain.
type MXRecord struct {
	Host     string
	Priority uint16
}

// Resolver looks up MX records and caches them for a fixed TTL. Campaign
// sends hit the same handful of recipient domains over and over, so even a
// short cache removes most lookups.
type Resolver struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	records []MXRecord
	until   time.Time
}

// NewResolver creates a resolver with the given cache TTL.
func NewResolver(ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
	}
}

// LookupMX returns the domain's MX hosts sorted by priority. A domain with
// no MX records falls back to the domain itself, per RFC 5321.
func (r *Resolver) LookupMX(ctx context.Context, domain string) ([]MXRecord, error) {
	domain = strings.ToLower(domain)

	r.mu.RLock()
	entry, ok := r.entries[domain]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.until) {
		return entry.records, nil
	}

	mxs, err := net.DefaultResolver.LookupMX(ctx, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return []MXRecord{{Host: domain}}, nil
		}
		return nil, err
	}

	records := make([]MXRecord, 0, len(mxs))
	for _, mx := range mxs {
		records = append(records, MXRecord{
			Host:     strings.TrimSuffix(mx.Host, "."),
			Priority: mx.Pref,
		})
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Priority < records[j].Priority
	})

	r.mu.Lock()
	r.entries[domain] = cacheEntry{records: records, until: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return records, nil
}

// Flush drops all cached entries.
func (r *Resolver) Flush() {
	r.mu.Lock()
	r.entries = make(map[string]cacheEntry)
	r.mu.Unlock()
}
