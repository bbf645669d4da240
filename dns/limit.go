package dns

import (
	"context"
	"net"
	"sync/atomic"
)

// DefaultMaxLookups is the default per-evaluation DNS lookup budget.
const DefaultMaxLookups = 50

// LimitResolver wraps a Resolver and enforces a lookup budget shared by all
// queries made through it. Once the budget is exhausted every further lookup
// returns ErrTooManyLookups. The counter is atomic, so concurrent lookups
// (e.g. parallel SPF include evaluations) share one budget.
//
// A LimitResolver is scoped to a single evaluation. Create a fresh one per
// authentication call.
type LimitResolver struct {
	resolver Resolver
	max      int64
	count    atomic.Int64
}

var _ Resolver = (*LimitResolver)(nil)

// NewLimitResolver wraps resolver with a lookup budget. A max of zero or
// less selects DefaultMaxLookups.
func NewLimitResolver(resolver Resolver, max int) *LimitResolver {
	if max <= 0 {
		max = DefaultMaxLookups
	}
	return &LimitResolver{resolver: resolver, max: int64(max)}
}

// Count returns the number of lookups performed so far.
func (r *LimitResolver) Count() int {
	return int(r.count.Load())
}

// take consumes one lookup from the budget.
func (r *LimitResolver) take() error {
	if r.count.Add(1) > r.max {
		return ErrTooManyLookups
	}
	return nil
}

// LookupTXT retrieves TXT records, counting against the budget.
func (r *LimitResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	if err := r.take(); err != nil {
		return Result[string]{}, err
	}
	return r.resolver.LookupTXT(ctx, name)
}

// LookupIP retrieves A and AAAA records, counting against the budget.
func (r *LimitResolver) LookupIP(ctx context.Context, domain string) (Result[net.IP], error) {
	if err := r.take(); err != nil {
		return Result[net.IP]{}, err
	}
	return r.resolver.LookupIP(ctx, domain)
}

// LookupMX retrieves MX records, counting against the budget.
func (r *LimitResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	if err := r.take(); err != nil {
		return Result[*net.MX]{}, err
	}
	return r.resolver.LookupMX(ctx, name)
}

// LookupAddr performs a reverse lookup, counting against the budget.
func (r *LimitResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	if err := r.take(); err != nil {
		return Result[string]{}, err
	}
	return r.resolver.LookupAddr(ctx, ip)
}
