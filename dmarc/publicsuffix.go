package dmarc

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

// OrganizationalDomain returns the organizational domain for the given
// domain: the label directly under the public suffix.
//
// For example:
//   - example.com -> example.com
//   - sub.example.com -> example.com
//   - sub.example.co.uk -> example.co.uk
//
// This uses the Public Suffix List, as required by RFC 7489 for DMARC
// alignment checks.
func OrganizationalDomain(domain string) string {
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")
	if domain == "" {
		return ""
	}

	etld1, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		// E.g. "localhost", or the domain is itself a public suffix.
		return domain
	}
	return etld1
}

// DomainsAligned checks if two domains are aligned under the given mode:
// identical in strict mode, sharing the organizational domain in relaxed
// mode.
func DomainsAligned(domain1, domain2 string, alignment Align) bool {
	d1 := strings.TrimSuffix(strings.ToLower(domain1), ".")
	d2 := strings.TrimSuffix(strings.ToLower(domain2), ".")

	if alignment == AlignStrict {
		return d1 == d2
	}
	return OrganizationalDomain(d1) == OrganizationalDomain(d2)
}

// IsSubdomain returns true if domain equals parent or is below it.
func IsSubdomain(domain, parent string) bool {
	d := strings.TrimSuffix(strings.ToLower(domain), ".")
	p := strings.TrimSuffix(strings.ToLower(parent), ".")

	return d == p || strings.HasSuffix(d, "."+p)
}

// IsOrganizationalDomain returns true if the domain is directly below the
// public suffix.
func IsOrganizationalDomain(domain string) bool {
	d := strings.TrimSuffix(strings.ToLower(domain), ".")
	return OrganizationalDomain(d) == d
}

// PublicSuffix returns the public suffix of the domain, e.g. "co.uk" for
// "example.co.uk".
func PublicSuffix(domain string) string {
	d := strings.TrimSuffix(strings.ToLower(domain), ".")
	suffix, _ := publicsuffix.PublicSuffix(d)
	return suffix
}
