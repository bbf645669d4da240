package dmarc

import (
	"context"
	"math/rand/v2"
	"net/mail"
	"strings"

	"github.com/augjoh/mailauth/dkim"
	"github.com/augjoh/mailauth/dns"
	"github.com/augjoh/mailauth/spf"
)

// VerifyArgs contains the parameters for DMARC verification.
type VerifyArgs struct {
	// FromDomain is the domain from the RFC5322.From header.
	// This is the domain that DMARC authenticates.
	FromDomain string

	// SPFResult is the result of SPF verification.
	SPFResult spf.Status

	// SPFDomain is the domain that SPF checked (MAIL FROM, or HELO for
	// the null reverse-path), needed for alignment.
	SPFDomain string

	// DKIMResults contains the results of DKIM verification.
	DKIMResults []dkim.Result
}

// Verify evaluates the DMARC policy for the given message parameters:
// it resolves the policy for the From domain, checks SPF and DKIM
// alignment, and derives the overall result. DMARC passes when at least
// one mechanism passed with an aligned identifier.
//
// applyRandomPercentage determines whether the record's "pct" tag is
// honored; it should be true during normal processing. The returned
// useResult reports whether the policy applies to this message under pct
// sampling.
func Verify(ctx context.Context, resolver dns.Resolver, args VerifyArgs, applyRandomPercentage bool) (useResult bool, result Result) {
	status, recordDomain, record, _, authentic, err := Lookup(ctx, resolver, args.FromDomain)
	if record == nil {
		// DMARC fails open: an unresolvable policy yields "none".
		return false, Result{
			Status:          status,
			FromDomain:      args.FromDomain,
			Domain:          recordDomain,
			RecordAuthentic: authentic,
			Err:             err,
		}
	}

	result.FromDomain = args.FromDomain
	result.Domain = recordDomain
	result.Record = record
	result.RecordAuthentic = authentic

	useResult = !applyRandomPercentage || record.Percentage == 100 || rand.IntN(100) < record.Percentage

	isSubdomain := recordDomain != args.FromDomain
	effectivePolicy := record.EffectivePolicy(isSubdomain)
	result.Reject = effectivePolicy != PolicyNone

	result.Status = StatusFail

	if args.SPFResult == spf.StatusTemperror {
		result.Status = StatusTemperror
		result.Reject = false
	}

	// SPF alignment
	if args.SPFResult == spf.StatusPass && args.SPFDomain != "" {
		if DomainsAligned(args.FromDomain, args.SPFDomain, record.ASPF) {
			result.AlignedSPFPass = true
		}
	}

	// DKIM alignment
	fromOrgDomain := OrganizationalDomain(args.FromDomain)
	for _, dkimResult := range args.DKIMResults {
		if dkimResult.Status == dkim.StatusTemperror {
			result.Reject = false
			result.Status = StatusTemperror
			continue
		}

		if dkimResult.Status == dkim.StatusPass && dkimResult.Signature != nil {
			sigDomain := dkimResult.Signature.Domain

			if DomainsAligned(args.FromDomain, sigDomain, record.ADKIM) {
				// A signature above the organizational domain must not
				// produce a pass.
				if OrganizationalDomain(sigDomain) == fromOrgDomain {
					result.AlignedDKIMPass = true
					break
				}
			}
		}
	}

	if result.AlignedSPFPass || result.AlignedDKIMPass {
		result.Reject = false
		result.Status = StatusPass
		if result.AlignedDKIMPass {
			result.Method = "dkim"
		} else {
			result.Method = "spf"
		}
	}

	return useResult, result
}

// ExtractFromDomain extracts the domain from a From header value.
// Returns an error if the header is missing or cannot be parsed.
func ExtractFromDomain(fromHeader string) (string, error) {
	if fromHeader == "" {
		return "", ErrNoFromHeader
	}

	addrs, err := mail.ParseAddressList(fromHeader)
	if err != nil {
		return "", ErrInvalidFromHeader
	}
	if len(addrs) == 0 {
		return "", ErrNoFromHeader
	}

	// With multiple From addresses DMARC is ambiguous; the first address
	// is used.
	addr := addrs[0].Address
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return "", ErrInvalidFromHeader
	}

	return strings.ToLower(addr[at+1:]), nil
}
