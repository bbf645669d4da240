// Package bimi implements Brand Indicators for Message Identification
// (BIMI) record resolution.
//
// BIMI lets a domain publish a brand indicator (an SVG logo) that mail
// clients may display next to authenticated mail. Eligibility is strictly
// gated on DMARC: the message must pass DMARC and the published policy must
// be enforcing (quarantine or reject). This package resolves and parses the
// BIMI assertion record; it does not fetch or validate indicator content.
package bimi

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/idna"

	"github.com/augjoh/mailauth/dkim"
	"github.com/augjoh/mailauth/dmarc"
	"github.com/augjoh/mailauth/dns"
	"github.com/augjoh/mailauth/message"
)

// aLabel converts a domain to its ASCII (A-label) form for DNS queries.
func aLabel(domain string) string {
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return domain
	}
	return ascii
}

// Status is the result of BIMI evaluation per RFC 8601 extensions.
type Status string

const (
	// StatusNone indicates no BIMI record was found.
	StatusNone Status = "none"

	// StatusPass indicates a valid BIMI record was found and the message
	// qualifies.
	StatusPass Status = "pass"

	// StatusFail indicates the record was invalid.
	StatusFail Status = "fail"

	// StatusSkipped indicates the message did not qualify for BIMI,
	// typically because DMARC did not pass with an enforcing policy.
	StatusSkipped Status = "skipped"

	// StatusDeclined indicates the domain published an empty record to
	// explicitly decline participation.
	StatusDeclined Status = "declined"

	// StatusTemperror indicates a temporary DNS error.
	StatusTemperror Status = "temperror"

	// StatusPermerror indicates a malformed record.
	StatusPermerror Status = "permerror"
)

// DefaultSelector is used when the message carries no BIMI-Selector header.
const DefaultSelector = "default"

// BIMI errors.
var (
	ErrNoRecord        = errors.New("bimi: no BIMI DNS record found")
	ErrMultipleRecords = errors.New("bimi: multiple BIMI DNS records found")
	ErrSyntax          = errors.New("bimi: malformed BIMI record")
	ErrDNS             = errors.New("bimi: DNS lookup error")
	ErrNotQualified    = errors.New("bimi: message does not qualify for BIMI")
)

// Record is a parsed BIMI assertion record.
//
// Example record:
//
//	v=BIMI1; l=https://example.com/logo.svg; a=https://example.com/vmc.pem
type Record struct {
	// Version must be "BIMI1".
	Version string

	// Location is the indicator URI (l= tag). An empty value together
	// with an empty Authority declines BIMI participation.
	Location string

	// Authority is the authority evidence URI (a= tag), typically a
	// Verified Mark Certificate.
	Authority string
}

// Declined reports whether the record declines BIMI participation.
func (r *Record) Declined() bool {
	return r.Location == "" && r.Authority == ""
}

// ParseRecord parses a BIMI assertion record.
// Returns the parsed record and whether it looks like a BIMI record.
func ParseRecord(txt string) (*Record, bool, error) {
	tags, err := dkim.ParseTagList(txt)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	// v= must be present and first.
	if len(tags.Tags) == 0 || tags.Tags[0].Name != "v" || tags.Tags[0].Value != "BIMI1" {
		return nil, false, fmt.Errorf("%w: not a BIMI1 record", ErrSyntax)
	}

	record := &Record{Version: "BIMI1"}

	for _, tag := range tags.Tags[1:] {
		switch tag.Name {
		case "l":
			if tag.Value != "" && !strings.HasPrefix(strings.ToLower(tag.Value), "https://") {
				return nil, true, fmt.Errorf("%w: indicator URI must be https", ErrSyntax)
			}
			record.Location = tag.Value
		case "a":
			if tag.Value != "" && !strings.HasPrefix(strings.ToLower(tag.Value), "https://") {
				return nil, true, fmt.Errorf("%w: authority URI must be https", ErrSyntax)
			}
			record.Authority = tag.Value
		}
	}

	return record, true, nil
}

// SelectorFromHeaders returns the selector from the message's BIMI-Selector
// header, or DefaultSelector. A malformed header falls back to the default.
func SelectorFromHeaders(headers message.Headers) string {
	hdr := headers.Last("BIMI-Selector")
	if hdr == nil {
		return DefaultSelector
	}

	tags, err := dkim.ParseTagList(message.Unfold(hdr.Value))
	if err != nil {
		return DefaultSelector
	}
	if v, ok := tags.Get("v"); !ok || v != "BIMI1" {
		return DefaultSelector
	}
	if s, ok := tags.Get("s"); ok && s != "" {
		return strings.ToLower(s)
	}
	return DefaultSelector
}

// Lookup fetches the BIMI assertion record at <selector>._bimi.<domain>.
// When no record exists at the domain, the organizational domain is tried
// with the default selector, per the BIMI draft's fallback rule.
func Lookup(ctx context.Context, resolver dns.Resolver, selector, domain string) (status Status, record *Record, lookupDomain, lookupSelector string, err error) {
	if selector == "" {
		selector = DefaultSelector
	}

	status, record, err = lookupRecord(ctx, resolver, selector, domain)
	if record != nil || status == StatusTemperror || status == StatusPermerror {
		return status, record, domain, selector, err
	}

	orgDomain := dmarc.OrganizationalDomain(domain)
	if orgDomain == domain {
		return status, record, domain, selector, err
	}

	status, record, err = lookupRecord(ctx, resolver, DefaultSelector, orgDomain)
	return status, record, orgDomain, DefaultSelector, err
}

// lookupRecord queries a single _bimi name.
func lookupRecord(ctx context.Context, resolver dns.Resolver, selector, domain string) (Status, *Record, error) {
	name := selector + "._bimi." + aLabel(domain)

	result, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		if dns.IsNotFound(err) {
			return StatusNone, nil, ErrNoRecord
		}
		return StatusTemperror, nil, fmt.Errorf("%w: %v", ErrDNS, err)
	}

	var record *Record
	for _, txt := range result.Records {
		r, isBIMI, parseErr := ParseRecord(txt)
		if !isBIMI {
			continue
		}
		if parseErr != nil {
			return StatusPermerror, nil, parseErr
		}
		if record != nil {
			return StatusPermerror, nil, ErrMultipleRecords
		}
		record = r
	}

	if record == nil {
		return StatusNone, nil, ErrNoRecord
	}
	return StatusNone, record, nil
}

// Result is the outcome of BIMI evaluation.
type Result struct {
	// Status is the BIMI status for Authentication-Results.
	Status Status

	// Domain and Selector identify the record that was used.
	Domain   string
	Selector string

	// Indicator is the l= URI of the brand indicator.
	Indicator string

	// Authority is the a= URI of the authority evidence (VMC).
	Authority string

	// Record is the parsed assertion record, nil unless found.
	Record *Record

	// Err describes a failure or disqualification.
	Err error
}

// Verify resolves BIMI for a message that has been authenticated. The
// DMARC result gates everything: DMARC must be pass and the effective
// policy must not be none. The pct tag does not affect eligibility.
func Verify(ctx context.Context, resolver dns.Resolver, headers message.Headers, dmarcResult dmarc.Result) Result {
	fromDomain := dmarcResult.FromDomain
	selector := SelectorFromHeaders(headers)

	if dmarcResult.Status != dmarc.StatusPass || dmarcResult.Record == nil {
		return Result{
			Status:   StatusSkipped,
			Domain:   fromDomain,
			Selector: selector,
			Err:      fmt.Errorf("%w: dmarc=%s", ErrNotQualified, dmarcResult.Status),
		}
	}

	isSubdomain := dmarcResult.Domain != fromDomain
	if dmarcResult.Record.EffectivePolicy(isSubdomain) == dmarc.PolicyNone {
		return Result{
			Status:   StatusSkipped,
			Domain:   fromDomain,
			Selector: selector,
			Err:      fmt.Errorf("%w: policy is none", ErrNotQualified),
		}
	}

	status, record, lookupDomain, lookupSelector, err := Lookup(ctx, resolver, selector, fromDomain)
	result := Result{
		Status:   status,
		Domain:   lookupDomain,
		Selector: lookupSelector,
		Record:   record,
		Err:      err,
	}
	if record == nil {
		return result
	}

	if record.Declined() {
		result.Status = StatusDeclined
		return result
	}

	result.Status = StatusPass
	result.Indicator = record.Location
	result.Authority = record.Authority
	result.Err = nil
	return result
}
