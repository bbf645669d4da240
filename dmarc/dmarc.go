// Package dmarc implements Domain-based Message Authentication, Reporting,
// and Conformance (DMARC) policy evaluation per RFC 7489.
//
// DMARC ties SPF and DKIM results to the RFC5322.From domain: a message
// passes when at least one of the two mechanisms passed with an identifier
// aligned to the From domain. The published policy tells receivers what the
// domain owner requests for failing mail; this package only evaluates and
// reports, it does not enforce.
package dmarc

import (
	"errors"
)

// DMARC lookup and verification errors.
var (
	// ErrNoRecord indicates no DMARC DNS record was found.
	ErrNoRecord = errors.New("dmarc: no DMARC DNS record found")

	// ErrMultipleRecords indicates multiple DMARC DNS records were found.
	// Per RFC 7489, this must be treated as if the domain has no policy.
	ErrMultipleRecords = errors.New("dmarc: multiple DMARC DNS records found")

	// ErrSyntax indicates the DMARC record has invalid syntax.
	ErrSyntax = errors.New("dmarc: malformed DMARC DNS record")

	// ErrDNS indicates a DNS lookup error occurred.
	ErrDNS = errors.New("dmarc: DNS lookup error")

	// ErrNoFromHeader indicates the message has no From header.
	ErrNoFromHeader = errors.New("dmarc: no From header in message")

	// ErrInvalidFromHeader indicates the From header could not be parsed.
	ErrInvalidFromHeader = errors.New("dmarc: invalid From header")
)

// Status is the result of DMARC policy evaluation, for use in an
// Authentication-Results header per RFC 8601.
type Status string

const (
	// StatusNone indicates no DMARC TXT DNS record was found.
	StatusNone Status = "none"

	// StatusPass indicates SPF and/or DKIM passed with identifier alignment.
	StatusPass Status = "pass"

	// StatusFail indicates both mechanisms failed or no identifier aligned.
	StatusFail Status = "fail"

	// StatusTemperror indicates a temporary error, typically a DNS failure.
	StatusTemperror Status = "temperror"

	// StatusPermerror indicates a permanent error, typically a malformed
	// DMARC record.
	StatusPermerror Status = "permerror"
)

// Policy determines how receivers should handle messages that fail DMARC.
type Policy string

const (
	// PolicyEmpty is only for the optional SubdomainPolicy field.
	PolicyEmpty Policy = ""

	// PolicyNone requests no specific action, typically used while
	// monitoring during initial deployment.
	PolicyNone Policy = "none"

	// PolicyQuarantine requests that failing messages be treated as
	// suspicious.
	PolicyQuarantine Policy = "quarantine"

	// PolicyReject requests that failing messages be rejected.
	PolicyReject Policy = "reject"
)

// Align specifies the alignment mode for identifier comparison.
type Align string

const (
	// AlignRelaxed requires the organizational domains to match.
	// This is the default mode.
	AlignRelaxed Align = "r"

	// AlignStrict requires exact domain matches.
	AlignStrict Align = "s"
)

// Result is the result of DMARC policy evaluation.
type Result struct {
	// Reject indicates the published policy asks for the message to be
	// rejected or quarantined. Even when false the message is not
	// necessarily acceptable; other checks may still reject it.
	Reject bool

	// Status is the result of DMARC validation.
	Status Status

	// AlignedSPFPass indicates SPF passed with proper alignment.
	AlignedSPFPass bool

	// AlignedDKIMPass indicates at least one DKIM signature passed with
	// proper alignment.
	AlignedDKIMPass bool

	// Method names the mechanism that produced the aligned pass:
	// "dkim", "spf", or "" when none aligned.
	Method string

	// FromDomain is the RFC5322.From domain that was evaluated.
	FromDomain string

	// Domain is the domain where the DMARC record was found; this may be
	// the organizational domain rather than the From domain.
	Domain string

	// Record is the parsed DMARC record, nil if not found or invalid.
	Record *Record

	// RecordAuthentic indicates the DMARC DNS response was DNSSEC-signed.
	RecordAuthentic bool

	// Err contains details about any error condition.
	Err error
}
