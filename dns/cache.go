package dns

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
)

// CacheFile is the JSON representation of a DNS fixture file, as loaded by
// the CLI's --dns-cache flag. Keys are FQDNs with trailing dot, except for
// ptr, which is keyed by the IP address in its string form.
//
// Example:
//
//	{
//	  "txt": {"example.com.": ["v=spf1 mx -all"]},
//	  "a":   {"mail.example.com.": ["192.0.2.1"]},
//	  "mx":  {"example.com.": [{"host": "mail.example.com.", "pref": 10}]}
//	}
type CacheFile struct {
	TXT  map[string][]string `json:"txt,omitempty"`
	A    map[string][]string `json:"a,omitempty"`
	AAAA map[string][]string `json:"aaaa,omitempty"`
	MX   map[string][]MXEntry `json:"mx,omitempty"`
	PTR  map[string][]string `json:"ptr,omitempty"`
}

// MXEntry is a single MX record in a cache file.
type MXEntry struct {
	Host string `json:"host"`
	Pref uint16 `json:"pref"`
}

// CacheResolver answers from a fixed record set and falls back to an
// optional upstream resolver for names it does not know. Results fetched
// from the upstream are memoized for the lifetime of the resolver.
type CacheResolver struct {
	// Upstream is queried for names not present in the cache.
	// If nil, unknown names return ErrDNSNotFound.
	Upstream Resolver

	mu   sync.Mutex
	data CacheFile
}

var _ Resolver = (*CacheResolver)(nil)

// NewCacheResolver creates a resolver answering from the given fixtures.
func NewCacheResolver(data CacheFile, upstream Resolver) *CacheResolver {
	return &CacheResolver{Upstream: upstream, data: data}
}

// LoadCacheFile reads a JSON DNS fixture file.
func LoadCacheFile(path string) (CacheFile, error) {
	var data CacheFile
	buf, err := os.ReadFile(path)
	if err != nil {
		return data, fmt.Errorf("reading dns cache: %w", err)
	}
	if err := json.Unmarshal(buf, &data); err != nil {
		return data, fmt.Errorf("parsing dns cache: %w", err)
	}
	return data, nil
}

// LookupTXT answers TXT queries from the cache, then the upstream.
func (r *CacheResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	fqdn := ensureAbsolute(name)

	r.mu.Lock()
	records, ok := r.data.TXT[fqdn]
	r.mu.Unlock()
	if ok {
		if len(records) == 0 {
			return Result[string]{}, ErrDNSNotFound
		}
		return Result[string]{Records: records}, nil
	}

	if r.Upstream == nil {
		return Result[string]{}, ErrDNSNotFound
	}
	result, err := r.Upstream.LookupTXT(ctx, name)
	if err == nil {
		r.mu.Lock()
		if r.data.TXT == nil {
			r.data.TXT = map[string][]string{}
		}
		r.data.TXT[fqdn] = result.Records
		r.mu.Unlock()
	}
	return result, err
}

// LookupIP answers A/AAAA queries from the cache, then the upstream.
func (r *CacheResolver) LookupIP(ctx context.Context, domain string) (Result[net.IP], error) {
	fqdn := ensureAbsolute(domain)

	r.mu.Lock()
	a, okA := r.data.A[fqdn]
	aaaa, okAAAA := r.data.AAAA[fqdn]
	r.mu.Unlock()

	if okA || okAAAA {
		var ips []net.IP
		for _, s := range a {
			if ip := net.ParseIP(s); ip != nil {
				ips = append(ips, ip)
			}
		}
		for _, s := range aaaa {
			if ip := net.ParseIP(s); ip != nil {
				ips = append(ips, ip)
			}
		}
		if len(ips) == 0 {
			return Result[net.IP]{}, ErrDNSNotFound
		}
		return Result[net.IP]{Records: ips}, nil
	}

	if r.Upstream == nil {
		return Result[net.IP]{}, ErrDNSNotFound
	}
	result, err := r.Upstream.LookupIP(ctx, domain)
	if err == nil {
		r.mu.Lock()
		if r.data.A == nil {
			r.data.A = map[string][]string{}
		}
		var strs []string
		for _, ip := range result.Records {
			strs = append(strs, ip.String())
		}
		r.data.A[fqdn] = strs
		r.mu.Unlock()
	}
	return result, err
}

// LookupMX answers MX queries from the cache, then the upstream.
func (r *CacheResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	fqdn := ensureAbsolute(name)

	r.mu.Lock()
	entries, ok := r.data.MX[fqdn]
	r.mu.Unlock()
	if ok {
		if len(entries) == 0 {
			return Result[*net.MX]{}, ErrDNSNotFound
		}
		var records []*net.MX
		for _, e := range entries {
			records = append(records, &net.MX{Host: e.Host, Pref: e.Pref})
		}
		return Result[*net.MX]{Records: records}, nil
	}

	if r.Upstream == nil {
		return Result[*net.MX]{}, ErrDNSNotFound
	}
	result, err := r.Upstream.LookupMX(ctx, name)
	if err == nil {
		r.mu.Lock()
		if r.data.MX == nil {
			r.data.MX = map[string][]MXEntry{}
		}
		var entries []MXEntry
		for _, mx := range result.Records {
			entries = append(entries, MXEntry{Host: mx.Host, Pref: mx.Pref})
		}
		r.data.MX[fqdn] = entries
		r.mu.Unlock()
	}
	return result, err
}

// LookupAddr answers PTR queries from the cache, then the upstream.
func (r *CacheResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	key := ip.String()

	r.mu.Lock()
	records, ok := r.data.PTR[key]
	r.mu.Unlock()
	if ok {
		if len(records) == 0 {
			return Result[string]{}, ErrDNSNotFound
		}
		return Result[string]{Records: records}, nil
	}

	if r.Upstream == nil {
		return Result[string]{}, ErrDNSNotFound
	}
	return r.Upstream.LookupAddr(ctx, ip)
}
