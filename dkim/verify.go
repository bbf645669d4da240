package dkim

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/augjoh/mailauth/dns"
	"github.com/augjoh/mailauth/message"
)

// Verifier provides DKIM signature verification.
type Verifier struct {
	// Resolver is the DNS resolver to use.
	Resolver dns.Resolver

	// IgnoreTestMode ignores the t=y flag in DKIM records.
	// When false (default), signatures from domains in test mode
	// that fail verification return StatusNone instead of StatusFail.
	IgnoreTestMode bool

	// Policy is a function that can reject signatures based on policy.
	// Return an error to reject the signature with StatusPolicy.
	// If nil, all signatures are accepted.
	Policy func(*Signature) error

	// MinRSAKeyBits is the minimum RSA key size below which keys are
	// treated per the weak-key rule. Default is 1024 (RFC 8301).
	MinRSAKeyBits int

	// Strict rejects weak keys outright instead of degrading them to
	// StatusPolicy, and rejects sha1 signatures, which are otherwise
	// accepted.
	Strict bool
}

// Verify verifies all DKIM-Signature headers in the message.
// Returns a result for each signature found, in header order.
func (v *Verifier) Verify(ctx context.Context, msg []byte) ([]Result, error) {
	headers, bodyOffset, err := message.Split(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHeaderMalformed, err)
	}
	return v.VerifyParsed(ctx, headers, msg[bodyOffset:])
}

// VerifyParsed verifies DKIM signatures against already-parsed headers and
// the raw body. Used by the aggregator to avoid re-splitting the message.
func (v *Verifier) VerifyParsed(ctx context.Context, headers message.Headers, body []byte) ([]Result, error) {
	var results []Result

	for _, hdr := range headers {
		if hdr.LKey != "dkim-signature" {
			continue
		}

		sig, verifyInput, err := ParseSignature(string(hdr.Raw))
		if err != nil {
			results = append(results, Result{
				Status: StatusPermerror,
				Err:    fmt.Errorf("parsing signature: %w", err),
			})
			continue
		}

		hashFunc, headerCanon, bodyCanon, err := v.checkSignatureParams(sig)
		if err != nil {
			results = append(results, Result{
				Status:    StatusPermerror,
				Signature: sig,
				Err:       err,
			})
			continue
		}

		if v.Policy != nil {
			if err := v.Policy(sig); err != nil {
				results = append(results, Result{
					Status:    StatusPolicy,
					Signature: sig,
					Err:       fmt.Errorf("%w: %v", ErrPolicy, err),
				})
				continue
			}
		}

		result := v.verifySignature(ctx, sig, hashFunc, headerCanon, bodyCanon, headers, verifyInput, body)
		results = append(results, result)
	}

	return results, nil
}

// checkSignatureParams validates signature parameters.
func (v *Verifier) checkSignatureParams(sig *Signature) (crypto.Hash, Canonicalization, Canonicalization, error) {
	// From header must be signed
	hasFrom := false
	for _, h := range sig.SignedHeaders {
		if strings.EqualFold(h, "from") {
			hasFrom = true
			break
		}
	}
	if !hasFrom {
		return 0, "", "", fmt.Errorf("%w: From header must be signed", ErrFromRequired)
	}

	if sig.ExpireTime >= 0 && sig.ExpireTime < timeNow().Unix() {
		return 0, "", "", fmt.Errorf("%w: expired at %d", ErrSigExpired, sig.ExpireTime)
	}

	// Signing as a bare public suffix is not acceptable.
	if isTLD(sig.Domain) {
		return 0, "", "", fmt.Errorf("%w: %s", ErrTLD, sig.Domain)
	}

	hashAlg := sig.AlgorithmHash()
	h, ok := getHash(hashAlg)
	if !ok {
		return 0, "", "", fmt.Errorf("%w: %s", ErrHashAlgorithmUnknown, hashAlg)
	}
	if v.Strict && hashAlg == "sha1" {
		return 0, "", "", fmt.Errorf("%w: sha1 not allowed in strict mode", ErrHashAlgNotAllowed)
	}

	switch sig.AlgorithmSign() {
	case "rsa", "ed25519":
	default:
		return 0, "", "", fmt.Errorf("%w: %s", ErrSigAlgorithmUnknown, sig.AlgorithmSign())
	}

	headerCanon := sig.HeaderCanon()
	bodyCanon := sig.BodyCanon()

	// Only dns/txt is supported
	if len(sig.QueryMethods) > 0 {
		hasDNS := false
		for _, m := range sig.QueryMethods {
			if strings.EqualFold(m, "dns/txt") {
				hasDNS = true
				break
			}
		}
		if !hasDNS {
			return 0, "", "", fmt.Errorf("%w: only dns/txt supported", ErrQueryMethod)
		}
	}

	return h, headerCanon, bodyCanon, nil
}

// verifySignature performs key lookup and the actual signature verification.
func (v *Verifier) verifySignature(
	ctx context.Context,
	sig *Signature,
	hashFunc crypto.Hash,
	headerCanon, bodyCanon Canonicalization,
	headers message.Headers,
	verifyInput []byte,
	body []byte,
) Result {
	record, authentic, err := v.lookup(ctx, sig.Selector, sig.Domain)
	if err != nil {
		status := StatusPermerror
		if IsTemporaryError(err) {
			status = StatusTemperror
		}
		return Result{Status: status, Signature: sig, RecordAuthentic: authentic, Err: err}
	}

	result := Result{Signature: sig, Record: record, RecordAuthentic: authentic}

	// Weak RSA keys are a policy matter, not a broken signature, unless
	// strict mode is on.
	minBits := v.MinRSAKeyBits
	if minBits == 0 {
		minBits = 1024 // RFC 8301 minimum
	}
	if rsaKey, ok := record.PublicKey.(*rsa.PublicKey); ok && rsaKey.N.BitLen() < minBits {
		err := fmt.Errorf("%w: %d bits, minimum %d", ErrWeakKey, rsaKey.N.BitLen(), minBits)
		if v.Strict {
			result.Status = StatusPermerror
			result.Err = err
			return result
		}
		result.Status = StatusPolicy
		result.PolicyRule = "weak-key"
		result.Err = err
		return result
	}

	status, err := v.verifyWithRecord(record, sig, hashFunc, headerCanon, bodyCanon, headers, verifyInput, body)
	result.Status = status
	result.Err = err

	// Test mode (t=y) downgrades failures to none.
	if !v.IgnoreTestMode && record.IsTesting() && status == StatusFail {
		result.Status = StatusNone
		result.Err = nil
	}

	return result
}

// verifyWithRecord verifies the signature against a DKIM record.
func (v *Verifier) verifyWithRecord(
	record *Record,
	sig *Signature,
	hashFunc crypto.Hash,
	headerCanon, bodyCanon Canonicalization,
	headers message.Headers,
	verifyInput []byte,
	body []byte,
) (Status, error) {
	if record.PublicKey == nil {
		return StatusPermerror, ErrKeyRevoked
	}

	if !record.HashAllowed(sig.AlgorithmHash()) {
		return StatusPermerror, fmt.Errorf("%w: record allows %v, signature uses %s",
			ErrHashAlgNotAllowed, record.Hashes, sig.AlgorithmHash())
	}

	if !strings.EqualFold(record.Key, sig.AlgorithmSign()) {
		return StatusPermerror, fmt.Errorf("%w: record specifies %s, signature uses %s",
			ErrSigAlgMismatch, record.Key, sig.AlgorithmSign())
	}

	if !record.ServiceAllowed("email") {
		return StatusPermerror, ErrKeyNotForEmail
	}

	// t=s requires the identity domain to equal the signing domain.
	if record.RequireStrictAlignment() && sig.Identity != "" {
		if at := strings.LastIndexByte(sig.Identity, '@'); at >= 0 {
			identityDomain := strings.ToLower(sig.Identity[at+1:])
			if identityDomain != sig.Domain {
				return StatusPermerror, fmt.Errorf("%w: strict alignment required", ErrDomainIdentityMismatch)
			}
		}
	}

	// Body hash under the signature's canonicalization and length limit.
	bodyHash, total, err := computeBodyHash(hashFunc.New(), bodyCanon, body, sig.Length)
	if err != nil {
		return StatusPermerror, fmt.Errorf("computing body hash: %w", err)
	}

	// An l= beyond the canonicalized body length is a permanent failure.
	if sig.Length >= 0 && total < sig.Length {
		return StatusPermerror, fmt.Errorf("%w: l=%d, body is %d octets", ErrBodyLengthMismatch, sig.Length, total)
	}

	if !bytes.Equal(sig.BodyHash, bodyHash) {
		return StatusFail, fmt.Errorf("%w: expected %x, got %x", ErrBodyHashMismatch, sig.BodyHash, bodyHash)
	}

	dataHash, err := computeDataHash(hashFunc.New(), headerCanon, headers, sig.SignedHeaders, verifyInput)
	if err != nil {
		return StatusPermerror, fmt.Errorf("computing data hash: %w", err)
	}

	if err := verifyWithKey(record.PublicKey, hashFunc, dataHash, sig.Signature); err != nil {
		return StatusFail, fmt.Errorf("%w: %v", ErrSigVerify, err)
	}

	return StatusPass, nil
}

// lookup retrieves and parses the DKIM record from DNS. Multi-string TXT
// fragments are concatenated verbatim by the resolver.
func (v *Verifier) lookup(ctx context.Context, selector, domain string) (*Record, bool, error) {
	name := aLabel(selector) + "._domainkey." + aLabel(domain)
	if err := dns.ValidateDomain(name); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	result, err := v.Resolver.LookupTXT(ctx, name)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, result.Authentic, fmt.Errorf("%w: %s", ErrNoRecord, name)
		}
		return nil, result.Authentic, fmt.Errorf("%w: %v", ErrDNS, err)
	}

	var dkimRecord *Record
	for _, txt := range result.Records {
		record, isDKIM, err := ParseRecord(txt)
		if err != nil && isDKIM {
			// Looks like a DKIM record but is invalid; the parse error
			// already carries ErrSyntax or ErrKeyMissing.
			return nil, result.Authentic, err
		}
		if err != nil || !isDKIM {
			continue
		}
		if dkimRecord != nil {
			return nil, result.Authentic, fmt.Errorf("%w: %s", ErrMultipleRecords, name)
		}
		dkimRecord = record
	}

	if dkimRecord == nil {
		return nil, result.Authentic, fmt.Errorf("%w: %s", ErrNoRecord, name)
	}

	return dkimRecord, result.Authentic, nil
}

// LookupRecord fetches and parses the DKIM key record published at
// <selector>._domainkey.<domain>. Shared with ARC key resolution.
func LookupRecord(ctx context.Context, resolver dns.Resolver, selector, domain string) (*Record, bool, error) {
	v := &Verifier{Resolver: resolver}
	return v.lookup(ctx, selector, domain)
}

// IsTemporaryError returns true if the error is temporary.
func IsTemporaryError(err error) bool {
	if err == nil {
		return false
	}
	if dns.IsTemporary(err) {
		return true
	}
	if errors.Is(err, ErrDNS) {
		var unwrapped = err
		for unwrapped != nil {
			if dns.IsTemporary(unwrapped) {
				return true
			}
			unwrapped = errors.Unwrap(unwrapped)
		}
		// DNS errors are generally temporary unless we got NXDOMAIN.
		return true
	}
	return false
}

// Verify is a convenience function to verify DKIM signatures.
func Verify(ctx context.Context, resolver dns.Resolver, msg []byte) ([]Result, error) {
	v := &Verifier{Resolver: resolver}
	return v.Verify(ctx, msg)
}

// isTLD reports whether a domain is empty, invalid, or itself a public
// suffix (above the organizational domain level), using the Public Suffix
// List.
func isTLD(domain string) bool {
	if domain == "" {
		return true
	}
	domain = strings.TrimSuffix(domain, ".")

	etld1, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		// Domain is a public suffix itself, or invalid.
		return true
	}
	return !strings.EqualFold(domain, etld1) && !strings.HasSuffix(strings.ToLower(domain), "."+strings.ToLower(etld1))
}
