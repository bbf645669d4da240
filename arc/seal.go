package arc

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/augjoh/mailauth/dkim"
	"github.com/augjoh/mailauth/message"
)

// Sealer adds an ARC set to a message.
type Sealer struct {
	// Domain is the sealing domain (d= tag).
	Domain string

	// Selector is the selector for the sealing key (s= tag).
	Selector string

	// PrivateKey is the sealing key.
	// Supported types: *rsa.PrivateKey, ed25519.PrivateKey
	PrivateKey crypto.Signer

	// Headers is the list of headers to sign in the ARC-Message-Signature.
	// If empty, dkim.DefaultSignedHeaders is used. ARC headers are never
	// included in the signed set.
	Headers []string

	// HeaderCanonicalization for the AMS. Default is relaxed.
	HeaderCanonicalization dkim.Canonicalization

	// BodyCanonicalization for the AMS. Default is relaxed.
	BodyCanonicalization dkim.Canonicalization

	// SealTime overrides the t= timestamp. If zero, the current time is used.
	SealTime time.Time
}

// SealResult holds the three headers of a freshly produced ARC set, without
// trailing CRLF, in the order they must be prepended to the message:
// ARC-Seal first, then ARC-Message-Signature, then
// ARC-Authentication-Results.
type SealResult struct {
	// Instance is the i= value of the new set.
	Instance int

	// ChainValidation is the cv= value recorded in the seal.
	ChainValidation ChainValidation

	// Seal is the complete ARC-Seal header.
	Seal string

	// MessageSignature is the complete ARC-Message-Signature header.
	MessageSignature string

	// AuthenticationResults is the complete ARC-Authentication-Results header.
	AuthenticationResults string
}

// Headers returns the three headers concatenated with CRLF terminators, in
// prepend order.
func (r *SealResult) Headers() string {
	return r.Seal + "\r\n" + r.MessageSignature + "\r\n" + r.AuthenticationResults + "\r\n"
}

// Seal produces a new ARC set over the message. authServID is the
// authentication service identifier recorded in the AAR (typically the MTA
// hostname), authResults is the formatted method results string, and cv is
// the validation status of the existing chain as determined by the caller
// (ChainValidationNone when the message carries no chain).
//
// The message's existing chain must be structurally valid or absent.
func (s *Sealer) Seal(msg []byte, authServID, authResults string, cv ChainValidation) (*SealResult, error) {
	headers, bodyOffset, err := message.Split(msg)
	if err != nil {
		return nil, fmt.Errorf("parsing message headers: %w", err)
	}
	return s.SealParsed(headers, msg[bodyOffset:], authServID, authResults, cv)
}

// SealParsed is Seal over already-parsed headers and the raw body.
func (s *Sealer) SealParsed(headers message.Headers, body []byte, authServID, authResults string, cv ChainValidation) (*SealResult, error) {
	sets, raw, err := extractSets(headers)
	if err != nil && !errors.Is(err, ErrNoARCHeaders) {
		return nil, fmt.Errorf("existing chain: %w", err)
	}

	instance := len(sets) + 1
	if instance > MaxInstance {
		return nil, ErrChainTooLong
	}
	if instance == 1 && cv != ChainValidationNone {
		return nil, fmt.Errorf("%w: cv=%s with no prior chain", ErrChainValidationMismatch, cv)
	}

	algorithm, hashFunc, err := s.algorithm()
	if err != nil {
		return nil, err
	}

	sealTime := s.SealTime
	if sealTime.IsZero() {
		sealTime = time.Now()
	}

	// ARC-Authentication-Results
	aar := &AuthenticationResults{
		Instance:   instance,
		AuthServID: authServID,
		Results:    authResults,
	}
	aarHeader := aar.Header()

	// ARC-Message-Signature over the message, excluding ARC headers.
	amsHeader, err := s.messageSignature(headers, body, instance, algorithm, hashFunc, sealTime)
	if err != nil {
		return nil, fmt.Errorf("message signature: %w", err)
	}

	// ARC-Seal over the prior chain plus the new AAR and AMS.
	seal := &Seal{
		Instance:        instance,
		Algorithm:       string(algorithm),
		Domain:          s.Domain,
		Selector:        s.Selector,
		ChainValidation: cv,
		Timestamp:       sealTime.Unix(),
	}

	h := hashFunc.New()
	for i := 1; i < instance; i++ {
		for _, part := range []*message.Header{raw.aar[i], raw.ams[i], raw.as[i]} {
			if part == nil {
				return nil, ErrInvalidChain
			}
			canonical, err := dkim.CanonicalizeHeader(part.Raw, dkim.CanonRelaxed)
			if err != nil {
				return nil, err
			}
			h.Write([]byte(canonical))
		}
	}
	for _, generated := range []string{aarHeader, amsHeader} {
		canonical, err := dkim.CanonicalizeHeader([]byte(generated), dkim.CanonRelaxed)
		if err != nil {
			return nil, err
		}
		h.Write([]byte(canonical))
	}
	unsignedSeal, err := dkim.CanonicalizeHeader([]byte(seal.Header(false)), dkim.CanonRelaxed)
	if err != nil {
		return nil, err
	}
	h.Write([]byte(strings.TrimSuffix(unsignedSeal, "\r\n")))

	signature, err := dkim.SignData(s.PrivateKey, hashFunc, h.Sum(nil))
	if err != nil {
		return nil, fmt.Errorf("sealing: %w", err)
	}
	seal.Signature = signature

	return &SealResult{
		Instance:              instance,
		ChainValidation:       cv,
		Seal:                  seal.Header(true),
		MessageSignature:      amsHeader,
		AuthenticationResults: aarHeader,
	}, nil
}

// messageSignature builds and signs the ARC-Message-Signature.
func (s *Sealer) messageSignature(headers message.Headers, body []byte, instance int, algorithm dkim.Algorithm, hashFunc crypto.Hash, sealTime time.Time) (string, error) {
	headerCanon := s.HeaderCanonicalization
	if headerCanon == "" {
		headerCanon = dkim.CanonRelaxed
	}
	bodyCanon := s.BodyCanonicalization
	if bodyCanon == "" {
		bodyCanon = dkim.CanonRelaxed
	}

	signedHeaders := s.Headers
	if len(signedHeaders) == 0 {
		signedHeaders = dkim.DefaultSignedHeaders
	}

	present := make(map[string]int)
	for _, h := range headers {
		present[h.LKey]++
	}

	var finalSigned []string
	for _, h := range signedHeaders {
		lh := strings.ToLower(h)
		// The sealing headers themselves are never part of the AMS input.
		if strings.HasPrefix(lh, "arc-") {
			continue
		}
		if present[lh] > 0 {
			finalSigned = append(finalSigned, h)
		}
	}
	hasFrom := false
	for _, h := range finalSigned {
		if strings.EqualFold(h, "from") {
			hasFrom = true
			break
		}
	}
	if !hasFrom {
		return "", ErrFromRequired
	}

	bh, err := dkim.NewBodyHasher(hashFunc.New(), bodyCanon, -1)
	if err != nil {
		return "", err
	}
	if _, err := bh.Write(body); err != nil {
		return "", err
	}
	bodyHash, _ := bh.Sum()

	ms := &MessageSignature{
		Instance:         instance,
		Version:          1,
		Algorithm:        string(algorithm),
		Canonicalization: string(headerCanon) + "/" + string(bodyCanon),
		Domain:           s.Domain,
		Selector:         s.Selector,
		SignedHeaders:    finalSigned,
		BodyHash:         bodyHash,
		Length:           -1,
		Timestamp:        sealTime.Unix(),
		Expiration:       -1,
	}

	dataHash, err := dkim.DataHash(hashFunc.New(), headerCanon, headers, finalSigned, []byte(ms.Header(false)))
	if err != nil {
		return "", err
	}

	signature, err := dkim.SignData(s.PrivateKey, hashFunc, dataHash)
	if err != nil {
		return "", err
	}
	ms.Signature = signature

	return ms.Header(true), nil
}

// algorithm selects the a= value and hash for the configured key.
func (s *Sealer) algorithm() (dkim.Algorithm, crypto.Hash, error) {
	switch s.PrivateKey.(type) {
	case *rsa.PrivateKey:
		return dkim.AlgRSASHA256, crypto.SHA256, nil
	case ed25519.PrivateKey:
		return dkim.AlgEd25519SHA256, crypto.SHA256, nil
	default:
		return "", 0, fmt.Errorf("arc: unsupported key type %T", s.PrivateKey)
	}
}
