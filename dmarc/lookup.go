package dmarc

import (
	"context"
	"fmt"

	"golang.org/x/net/idna"

	"github.com/augjoh/mailauth/dns"
)

// aLabel converts a domain to its ASCII (A-label) form for DNS queries.
// Invalid input is passed through; the query will fail on its own terms.
func aLabel(domain string) string {
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return domain
	}
	return ascii
}

// Lookup looks up the DMARC TXT record for the given domain.
//
// It first queries "_dmarc.<domain>". If no record is found, it falls back
// to the organizational domain (determined using the Public Suffix List)
// and queries "_dmarc.<orgdomain>".
//
// Returns the lookup status, the domain where the record was found, the
// parsed record (nil if not found or invalid), the raw TXT text, whether
// the DNS response was DNSSEC-validated, and any error.
func Lookup(ctx context.Context, resolver dns.Resolver, domain string) (status Status, dmarcDomain string, record *Record, txt string, authentic bool, err error) {
	dmarcDomain = domain
	status, record, txt, authentic, err = lookupRecord(ctx, resolver, dmarcDomain)
	if status != StatusNone || record != nil {
		return status, dmarcDomain, record, txt, authentic, err
	}

	orgDomain := OrganizationalDomain(domain)
	if orgDomain == domain {
		// Already at the organizational domain, no fallback.
		return StatusNone, domain, nil, txt, authentic, err
	}

	dmarcDomain = orgDomain
	var orgAuthentic bool
	status, record, txt, orgAuthentic, err = lookupRecord(ctx, resolver, dmarcDomain)
	authentic = authentic && orgAuthentic

	return status, dmarcDomain, record, txt, authentic, err
}

// lookupRecord performs the DNS lookup for a single _dmarc name.
func lookupRecord(ctx context.Context, resolver dns.Resolver, domain string) (Status, *Record, string, bool, error) {
	name := "_dmarc." + aLabel(domain)

	result, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		if dns.IsNotFound(err) {
			return StatusNone, nil, "", result.Authentic, ErrNoRecord
		}
		return StatusTemperror, nil, "", result.Authentic, fmt.Errorf("%w: %v", ErrDNS, err)
	}

	var record *Record
	var text string
	var rerr error = ErrNoRecord

	for _, txt := range result.Records {
		r, isDMARC, parseErr := ParseRecord(txt)
		if !isDMARC {
			continue
		}
		if parseErr != nil {
			return StatusPermerror, nil, text, result.Authentic, parseErr
		}
		if record != nil {
			// Multiple DMARC records: treated as no policy per RFC 7489
			// Section 6.6.3.
			return StatusNone, nil, "", result.Authentic, ErrMultipleRecords
		}
		text = txt
		record = r
		rerr = nil
	}

	return StatusNone, record, text, result.Authentic, rerr
}

// LookupExternalReportsAccepted checks whether an external domain has opted
// in to receiving DMARC reports for another domain, via
// "<dmarc-domain>._report._dmarc.<external-domain>" (RFC 7489 Section 7.1).
func LookupExternalReportsAccepted(ctx context.Context, resolver dns.Resolver, dmarcDomain, extDestDomain string) (accepts bool, status Status, records []*Record, txts []string, authentic bool, err error) {
	name := aLabel(dmarcDomain) + "._report._dmarc." + aLabel(extDestDomain)

	result, lerr := resolver.LookupTXT(ctx, name)
	if lerr != nil {
		if dns.IsNotFound(lerr) {
			return false, StatusNone, nil, nil, result.Authentic, ErrNoRecord
		}
		return false, StatusTemperror, nil, nil, result.Authentic, fmt.Errorf("%w: %v", ErrDNS, lerr)
	}

	rerr := ErrNoRecord
	for _, txt := range result.Records {
		// A bare "v=DMARC1" suffices to accept reports, which is why the
		// required-tag check is skipped here.
		r, isDMARC, parseErr := ParseRecordNoRequired(txt)
		if !isDMARC {
			continue
		}

		txts = append(txts, txt)
		records = append(records, r)

		if parseErr != nil {
			return false, StatusPermerror, records, txts, result.Authentic, parseErr
		}

		// Unlike policy records, multiple _report records are allowed.
		rerr = nil
	}

	return rerr == nil, StatusNone, records, txts, result.Authentic, rerr
}
