package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// StdResolver implements the Resolver interface using the standard library
// net package. The stdlib performs no DNSSEC validation, so Authentic is
// always false; use DNSResolver for DNSSEC support.
type StdResolver struct {
	resolver *net.Resolver
}

var _ Resolver = (*StdResolver)(nil)

// NewStdResolver creates a resolver using the standard library.
func NewStdResolver() *StdResolver {
	return &StdResolver{
		resolver: net.DefaultResolver,
	}
}

// NewStdResolverWithDialer creates a resolver using a custom dialer,
// allowing custom DNS servers while using the stdlib interface.
func NewStdResolverWithDialer(dial func(ctx context.Context, network, address string) (net.Conn, error)) *StdResolver {
	return &StdResolver{
		resolver: &net.Resolver{
			PreferGo: true,
			Dial:     dial,
		},
	}
}

// finish converts a stdlib lookup outcome into a Result, mapping stdlib
// DNS errors onto the package sentinels and treating an empty answer as
// not found.
func finish[T any](records []T, err error) (Result[T], error) {
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			switch {
			case dnsErr.IsNotFound:
				return Result[T]{}, ErrDNSNotFound
			case dnsErr.IsTimeout:
				return Result[T]{}, ErrDNSTimeout
			case dnsErr.IsTemporary:
				return Result[T]{}, ErrDNSServFail
			}
		}
		return Result[T]{}, fmt.Errorf("dns lookup failed: %w", err)
	}
	if len(records) == 0 {
		return Result[T]{}, ErrDNSNotFound
	}
	return Result[T]{Records: records}, nil
}

// relative strips the trailing dot for the stdlib, which wants relative
// names.
func relative(name string) string {
	return strings.TrimSuffix(name, ".")
}

// LookupTXT retrieves TXT records using the standard library.
func (r *StdResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	return finish(r.resolver.LookupTXT(ctx, relative(name)))
}

// LookupIP retrieves A and AAAA records using the standard library.
func (r *StdResolver) LookupIP(ctx context.Context, domain string) (Result[net.IP], error) {
	return finish(r.resolver.LookupIP(ctx, "ip", relative(domain)))
}

// LookupMX retrieves MX records using the standard library.
func (r *StdResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	return finish(r.resolver.LookupMX(ctx, relative(name)))
}

// LookupAddr performs a reverse DNS lookup using the standard library.
func (r *StdResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	if ip == nil {
		return Result[string]{}, fmt.Errorf("dns: nil IP address")
	}

	names, err := r.resolver.LookupAddr(ctx, ip.String())
	for i, name := range names {
		names[i] = ensureAbsolute(name)
	}
	return finish(names, err)
}
