package arc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/augjoh/mailauth/dkim"
	"github.com/augjoh/mailauth/dns"
	"github.com/augjoh/mailauth/message"
)

// Verifier provides ARC chain verification.
type Verifier struct {
	// Resolver is the DNS resolver for key lookups.
	Resolver dns.Resolver

	// MinRSAKeyBits is the minimum RSA key size to accept. Default is 1024.
	MinRSAKeyBits int

	// IgnoreExpired allows verification of expired message signatures.
	IgnoreExpired bool

	// Clock is used for timestamp verification. If nil, time.Now is used.
	Clock func() time.Time
}

// Verify verifies the ARC chain in a message.
func (v *Verifier) Verify(ctx context.Context, msg []byte) (*Result, error) {
	headers, bodyOffset, err := message.Split(msg)
	if err != nil {
		return &Result{
			Status: StatusFail,
			Err:    fmt.Errorf("parsing headers: %w", err),
		}, nil
	}
	return v.VerifyParsed(ctx, headers, msg[bodyOffset:])
}

// VerifyParsed verifies the ARC chain against already-parsed headers and the
// raw body.
func (v *Verifier) VerifyParsed(ctx context.Context, headers message.Headers, body []byte) (*Result, error) {
	sets, raw, err := extractSets(headers)
	if err != nil {
		if errors.Is(err, ErrNoARCHeaders) {
			return &Result{Status: StatusNone}, nil
		}
		return &Result{
			Status:       StatusFail,
			FailedReason: err.Error(),
			Err:          err,
		}, nil
	}

	return v.verifyChain(ctx, sets, raw, headers, body), nil
}

// rawSets maps instance numbers to the raw header entries of each set.
type rawSets struct {
	aar map[int]*message.Header
	ams map[int]*message.Header
	as  map[int]*message.Header
}

// ExtractSets extracts and structurally validates the ARC sets from the
// headers, ordered by instance 1..N. Gaps, duplicates, and incomplete
// triples are errors; ErrNoARCHeaders means the message carries no chain.
func ExtractSets(headers message.Headers) ([]*Set, error) {
	sets, _, err := extractSets(headers)
	return sets, err
}

// extractSets additionally returns the raw header entries per instance.
func extractSets(headers message.Headers) ([]*Set, *rawSets, error) {
	sets := make(map[int]*Set)
	raw := &rawSets{
		aar: make(map[int]*message.Header),
		ams: make(map[int]*message.Header),
		as:  make(map[int]*message.Header),
	}
	found := false

	for i := range headers {
		hdr := &headers[i]
		value := message.Unfold(hdr.Value)

		switch hdr.LKey {
		case "arc-authentication-results":
			found = true
			aar, err := ParseAuthenticationResults(value)
			if err != nil {
				return nil, nil, fmt.Errorf("parsing ARC-Authentication-Results: %w", err)
			}
			set := getSet(sets, aar.Instance)
			if set.AuthenticationResults != nil {
				return nil, nil, fmt.Errorf("%w: ARC-Authentication-Results i=%d", ErrDuplicateSet, aar.Instance)
			}
			set.AuthenticationResults = aar
			raw.aar[aar.Instance] = hdr

		case "arc-message-signature":
			found = true
			ms, err := ParseMessageSignature(value)
			if err != nil {
				return nil, nil, fmt.Errorf("parsing ARC-Message-Signature: %w", err)
			}
			set := getSet(sets, ms.Instance)
			if set.MessageSignature != nil {
				return nil, nil, fmt.Errorf("%w: ARC-Message-Signature i=%d", ErrDuplicateSet, ms.Instance)
			}
			set.MessageSignature = ms
			raw.ams[ms.Instance] = hdr

		case "arc-seal":
			found = true
			seal, err := ParseSeal(value)
			if err != nil {
				return nil, nil, fmt.Errorf("parsing ARC-Seal: %w", err)
			}
			set := getSet(sets, seal.Instance)
			if set.Seal != nil {
				return nil, nil, fmt.Errorf("%w: ARC-Seal i=%d", ErrDuplicateSet, seal.Instance)
			}
			set.Seal = seal
			raw.as[seal.Instance] = hdr
		}
	}

	if !found {
		return nil, nil, ErrNoARCHeaders
	}

	// Instances must be 1..n without gaps, each with a complete triple.
	n := len(sets)
	result := make([]*Set, n)
	for i := 1; i <= n; i++ {
		set := sets[i]
		if set == nil {
			return nil, nil, fmt.Errorf("%w: instance %d", ErrGapInChain, i)
		}
		if set.AuthenticationResults == nil {
			return nil, nil, fmt.Errorf("%w: missing ARC-Authentication-Results for instance %d", ErrMissingSet, i)
		}
		if set.MessageSignature == nil {
			return nil, nil, fmt.Errorf("%w: missing ARC-Message-Signature for instance %d", ErrMissingSet, i)
		}
		if set.Seal == nil {
			return nil, nil, fmt.Errorf("%w: missing ARC-Seal for instance %d", ErrMissingSet, i)
		}
		result[i-1] = set
	}
	for instance := range sets {
		if instance < 1 || instance > n {
			return nil, nil, fmt.Errorf("%w: stray instance %d", ErrGapInChain, instance)
		}
	}

	return result, raw, nil
}

func getSet(sets map[int]*Set, instance int) *Set {
	if sets[instance] == nil {
		sets[instance] = &Set{Instance: instance}
	}
	return sets[instance]
}

// verifyChain verifies the complete ARC chain.
func (v *Verifier) verifyChain(ctx context.Context, sets []*Set, raw *rawSets, headers message.Headers, body []byte) *Result {
	result := &Result{
		Sets:     sets,
		Status:   StatusPass,
		Instance: len(sets),
	}

	fail := func(instance int, reason string, err error) *Result {
		result.Status = StatusFail
		result.FailedInstance = instance
		result.FailedReason = reason
		result.Err = err
		return result
	}

	// Declared cv values: none only at i=1, pass after that. A declared
	// cv=fail permanently fails the chain.
	if sets[0].Seal.ChainValidation != ChainValidationNone {
		return fail(1, "first ARC set must have cv=none", ErrChainValidationMismatch)
	}
	for i := 1; i < len(sets); i++ {
		switch cv := sets[i].Seal.ChainValidation; cv {
		case ChainValidationPass:
		case ChainValidationFail:
			return fail(i+1, "chain declared as failed (cv=fail)", nil)
		default:
			return fail(i+1, fmt.Sprintf("expected cv=pass for instance %d, got %s", i+1, cv), ErrChainValidationMismatch)
		}
	}

	// Verify each set from oldest to newest: the message signature over the
	// message, then the seal over the chain so far.
	for i, set := range sets {
		if err := v.verifyMessageSignature(ctx, set.MessageSignature, headers, raw.ams[set.Instance], body); err != nil {
			return fail(i+1, fmt.Sprintf("ARC-Message-Signature did not verify: %v", err), err)
		}

		if err := v.verifySeal(ctx, sets[:i+1], raw); err != nil {
			return fail(i+1, fmt.Sprintf("ARC-Seal did not verify: %v", err), err)
		}

		if result.OldestPass == 0 {
			result.OldestPass = i + 1
		}
	}

	return result
}

// verifyMessageSignature verifies an ARC-Message-Signature as a DKIM-style
// signature over the message.
func (v *Verifier) verifyMessageSignature(ctx context.Context, ms *MessageSignature, headers message.Headers, amsHeader *message.Header, body []byte) error {
	hashFunc, ok := dkim.HashFunc(ms.AlgorithmHash())
	if !ok {
		return fmt.Errorf("%w: %s", ErrHashUnknown, ms.AlgorithmHash())
	}

	if !v.IgnoreExpired && ms.Expiration >= 0 && ms.Expiration < v.now().Unix() {
		return fmt.Errorf("%w: expired at %d", ErrExpired, ms.Expiration)
	}

	hasFrom := false
	for _, h := range ms.SignedHeaders {
		if strings.EqualFold(h, "from") {
			hasFrom = true
			break
		}
	}
	if !hasFrom {
		return ErrFromRequired
	}

	record, err := v.lookupKey(ctx, ms.Selector, ms.Domain)
	if err != nil {
		return err
	}

	bh, err := dkim.NewBodyHasher(hashFunc.New(), ms.BodyCanon(), ms.Length)
	if err != nil {
		return err
	}
	if _, err := bh.Write(body); err != nil {
		return err
	}
	bodyHash, total := bh.Sum()
	if ms.Length >= 0 && total < ms.Length {
		return fmt.Errorf("%w: l=%d, body is %d octets", ErrBodyHashMismatch, ms.Length, total)
	}
	if !bytes.Equal(bodyHash, ms.BodyHash) {
		return ErrBodyHashMismatch
	}

	if amsHeader == nil {
		return ErrInvalidChain
	}
	verifyInput := dkim.RemoveBValue(amsHeader.Raw)

	dataHash, err := dkim.DataHash(hashFunc.New(), ms.HeaderCanon(), headers, ms.SignedHeaders, verifyInput)
	if err != nil {
		return fmt.Errorf("computing data hash: %w", err)
	}

	if err := dkim.VerifyData(record.PublicKey, hashFunc, dataHash, ms.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrMessageSignatureFailed, err)
	}

	return nil
}

// verifySeal verifies the seal of the newest set in sets over the chain so
// far. The seal input is, per RFC 8617 Section 5.1.1.2, the concatenation of
// AAR(i), AMS(i), AS(i) for each instance in order, with the final seal's b=
// value removed, all under relaxed canonicalization.
func (v *Verifier) verifySeal(ctx context.Context, sets []*Set, raw *rawSets) error {
	seal := sets[len(sets)-1].Seal

	hashFunc, ok := dkim.HashFunc(seal.AlgorithmHash())
	if !ok {
		return fmt.Errorf("%w: %s", ErrHashUnknown, seal.AlgorithmHash())
	}

	record, err := v.lookupKey(ctx, seal.Selector, seal.Domain)
	if err != nil {
		return err
	}

	h := hashFunc.New()
	n := len(sets)
	for i := 1; i <= n; i++ {
		aar, ams, as := raw.aar[i], raw.ams[i], raw.as[i]
		if aar == nil || ams == nil || as == nil {
			return ErrInvalidChain
		}

		for _, part := range []*message.Header{aar, ams} {
			canonical, err := dkim.CanonicalizeHeader(part.Raw, dkim.CanonRelaxed)
			if err != nil {
				return err
			}
			h.Write([]byte(canonical))
		}

		sealRaw := as.Raw
		if i == n {
			sealRaw = dkim.RemoveBValue(sealRaw)
		}
		canonical, err := dkim.CanonicalizeHeader(sealRaw, dkim.CanonRelaxed)
		if err != nil {
			return err
		}
		if i == n {
			// The final seal is hashed without its trailing CRLF.
			canonical = strings.TrimSuffix(canonical, "\r\n")
		}
		h.Write([]byte(canonical))
	}

	if err := dkim.VerifyData(record.PublicKey, hashFunc, h.Sum(nil), seal.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrSealFailed, err)
	}

	return nil
}

// lookupKey retrieves a DKIM public key record for an ARC signature.
func (v *Verifier) lookupKey(ctx context.Context, selector, domain string) (*dkim.Record, error) {
	record, _, err := dkim.LookupRecord(ctx, v.Resolver, selector, domain)
	if err != nil {
		return nil, err
	}
	if record.PublicKey == nil {
		return nil, dkim.ErrKeyRevoked
	}
	minBits := v.MinRSAKeyBits
	if minBits == 0 {
		minBits = 1024
	}
	if record.Bits > 0 && record.Bits < minBits {
		return nil, fmt.Errorf("%w: %d bits", dkim.ErrWeakKey, record.Bits)
	}
	return record, nil
}

// now returns the current time.
func (v *Verifier) now() time.Time {
	if v.Clock != nil {
		return v.Clock()
	}
	return time.Now()
}

// Verify is a convenience function to verify an ARC chain.
func Verify(ctx context.Context, resolver dns.Resolver, msg []byte) (*Result, error) {
	v := &Verifier{Resolver: resolver}
	return v.Verify(ctx, msg)
}
