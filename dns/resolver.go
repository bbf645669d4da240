package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// ResolverConfig contains configuration for the DNS resolver.
type ResolverConfig struct {
	// Nameservers is a list of DNS servers to query (e.g., "8.8.8.8:53").
	// If empty, system resolvers from /etc/resolv.conf are used,
	// falling back to public DNS (8.8.8.8, 1.1.1.1).
	Nameservers []string

	// DNSSEC enables DNSSEC validation for queries.
	// Requires DNSSEC-validating upstream resolvers.
	// When enabled, the Authentic field in Result indicates validation status.
	DNSSEC bool

	// Timeout is the timeout for individual DNS queries. Default is 5 seconds.
	Timeout time.Duration

	// Retries is the number of retries for failed queries. Default is 2.
	Retries int
}

// DNSResolver implements the Resolver interface using github.com/miekg/dns.
// It provides DNSSEC validation support and configurable query behavior.
type DNSResolver struct {
	config ResolverConfig
	client *mdns.Client
}

var _ Resolver = (*DNSResolver)(nil)

// NewResolver creates a new DNS resolver with optional DNSSEC support.
func NewResolver(config ResolverConfig) *DNSResolver {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Retries == 0 {
		config.Retries = 2
	}
	if len(config.Nameservers) == 0 {
		config.Nameservers = systemNameservers()
	}

	return &DNSResolver{
		config: config,
		client: &mdns.Client{
			Timeout: config.Timeout,
		},
	}
}

// systemNameservers reads the system DNS servers from resolv.conf.
func systemNameservers() []string {
	config, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(config.Servers) == 0 {
		// Fallback to common public DNS servers
		return []string{"8.8.8.8:53", "1.1.1.1:53"}
	}

	servers := make([]string, 0, len(config.Servers))
	for _, s := range config.Servers {
		if !strings.Contains(s, ":") {
			s = net.JoinHostPort(s, config.Port)
		}
		servers = append(servers, s)
	}
	return servers
}

// rcodeError maps a response code to a package error, nil on success.
// SERVFAIL from a validating resolver may mean a DNSSEC failure.
func (r *DNSResolver) rcodeError(rcode int) error {
	switch rcode {
	case mdns.RcodeSuccess:
		return nil
	case mdns.RcodeNameError:
		return ErrDNSNotFound
	case mdns.RcodeServerFailure:
		if r.config.DNSSEC {
			return ErrDNSBogus
		}
		return ErrDNSServFail
	case mdns.RcodeRefused:
		return ErrDNSRefused
	default:
		return fmt.Errorf("%w: unexpected rcode %d", ErrDNSServFail, rcode)
	}
}

// exchange queries the configured nameservers in order, retrying transient
// failures, and returns the answer section plus the DNSSEC status.
// NXDOMAIN is authoritative and stops the retry loop.
func (r *DNSResolver) exchange(ctx context.Context, name string, qtype uint16) ([]mdns.RR, bool, error) {
	m := new(mdns.Msg)
	m.SetQuestion(ensureAbsolute(name), qtype)
	m.RecursionDesired = true
	if r.config.DNSSEC {
		m.SetEdns0(4096, true) // EDNS0 with the DO bit
	}

	authentic := false
	var lastErr error = ErrDNSServFail

	for attempt := 0; attempt <= r.config.Retries; attempt++ {
		for _, server := range r.config.Nameservers {
			if cerr := ctx.Err(); cerr != nil {
				return nil, false, cerr
			}

			resp, _, err := r.client.ExchangeContext(ctx, m, server)
			if err != nil {
				if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
					lastErr = fmt.Errorf("%w: %v", ErrDNSTimeout, err)
				} else {
					lastErr = fmt.Errorf("%w: %v", ErrDNSServFail, err)
				}
				continue
			}

			if r.config.DNSSEC && resp.AuthenticatedData {
				authentic = true
			}

			rerr := r.rcodeError(resp.Rcode)
			switch {
			case rerr == nil:
				return resp.Answer, authentic, nil
			case errors.Is(rerr, ErrDNSNotFound):
				return nil, authentic, rerr
			default:
				lastErr = rerr
			}
		}
	}

	return nil, authentic, lastErr
}

// LookupTXT retrieves TXT records for the given domain.
func (r *DNSResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	answers, authentic, err := r.exchange(ctx, name, mdns.TypeTXT)
	result := Result[string]{Authentic: authentic}
	if err != nil {
		return result, err
	}

	for _, rr := range answers {
		if txt, ok := rr.(*mdns.TXT); ok {
			// Character strings of one TXT record are concatenated
			// without separators, per RFC 7208 Section 3.3.
			result.Records = append(result.Records, strings.Join(txt.Txt, ""))
		}
	}

	if len(result.Records) == 0 {
		return result, ErrDNSNotFound
	}
	return result, nil
}

// LookupIP retrieves A and AAAA records for the given domain. The result
// is Authentic only when every answered query was DNSSEC-validated.
func (r *DNSResolver) LookupIP(ctx context.Context, domain string) (Result[net.IP], error) {
	result := Result[net.IP]{Authentic: true}
	var lastErr error

	for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
		answers, authentic, err := r.exchange(ctx, domain, qtype)
		if err != nil {
			if !errors.Is(err, ErrDNSNotFound) && lastErr == nil {
				lastErr = err
			}
			continue
		}
		result.Authentic = result.Authentic && authentic
		for _, rr := range answers {
			switch a := rr.(type) {
			case *mdns.A:
				result.Records = append(result.Records, a.A)
			case *mdns.AAAA:
				result.Records = append(result.Records, a.AAAA)
			}
		}
	}

	if len(result.Records) == 0 {
		result.Authentic = false
		if lastErr != nil {
			return result, lastErr
		}
		return result, ErrDNSNotFound
	}
	return result, nil
}

// LookupMX retrieves MX records for the given domain.
func (r *DNSResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	answers, authentic, err := r.exchange(ctx, name, mdns.TypeMX)
	result := Result[*net.MX]{Authentic: authentic}
	if err != nil {
		return result, err
	}

	for _, rr := range answers {
		if mx, ok := rr.(*mdns.MX); ok {
			result.Records = append(result.Records, &net.MX{
				Host: mx.Mx,
				Pref: mx.Preference,
			})
		}
	}

	if len(result.Records) == 0 {
		return result, ErrDNSNotFound
	}
	return result, nil
}

// LookupAddr performs a reverse DNS lookup for the given IP address.
func (r *DNSResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	if ip == nil {
		return Result[string]{}, fmt.Errorf("dns: nil IP address")
	}

	arpa, err := mdns.ReverseAddr(ip.String())
	if err != nil {
		return Result[string]{}, fmt.Errorf("%w: %v", ErrInvalidDomain, err)
	}

	answers, authentic, err := r.exchange(ctx, arpa, mdns.TypePTR)
	result := Result[string]{Authentic: authentic}
	if err != nil {
		return result, err
	}

	for _, rr := range answers {
		if ptr, ok := rr.(*mdns.PTR); ok {
			result.Records = append(result.Records, ptr.Ptr)
		}
	}

	if len(result.Records) == 0 {
		return result, ErrDNSNotFound
	}
	return result, nil
}

// Config returns the resolver's current configuration.
func (r *DNSResolver) Config() ResolverConfig {
	return r.config
}
