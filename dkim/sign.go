package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"strings"
	"time"

	"github.com/augjoh/mailauth/message"
)

// Signer provides DKIM message signing.
type Signer struct {
	// Domain is the signing domain (d= tag).
	Domain string

	// Selector is the selector for the signing key (s= tag).
	Selector string

	// PrivateKey is the signing key.
	// Supported types: *rsa.PrivateKey, ed25519.PrivateKey
	PrivateKey crypto.Signer

	// Headers is the list of headers to sign.
	// If empty, DefaultSignedHeaders is used.
	Headers []string

	// HeaderCanonicalization is the header canonicalization algorithm.
	// Default is CanonRelaxed.
	HeaderCanonicalization Canonicalization

	// BodyCanonicalization is the body canonicalization algorithm.
	// Default is CanonRelaxed.
	BodyCanonicalization Canonicalization

	// Hash is the hash algorithm name (e.g., "sha256").
	// Default is "sha256".
	Hash string

	// Identity is the signing identity (i= tag).
	// If empty, no i= tag is emitted.
	Identity string

	// BodyLengthLimit is the l= value. It takes effect only when
	// HasBodyLengthLimit is set and the value is non-negative: an l= tag is
	// then emitted and only that many octets of the canonicalized body are
	// hashed. Without HasBodyLengthLimit the field is ignored;
	// SetBodyLengthLimit sets both.
	BodyLengthLimit int64

	// HasBodyLengthLimit enables BodyLengthLimit, allowing an explicit l=0.
	HasBodyLengthLimit bool

	// SignTime overrides the signature timestamp. If zero, the current
	// time is used.
	SignTime time.Time

	// Expiration is the signature validity period.
	// If zero, no expiration is set.
	Expiration time.Duration

	// OversignHeaders causes header names to be repeated to prevent header
	// addition. When enabled, each signed header name that is present in the
	// message is signed one more time than it appears, so a header with the
	// same name added later invalidates the signature. Names absent from the
	// message are not signed at all.
	OversignHeaders bool
}

// SetBodyLengthLimit configures an explicit l= value.
func (s *Signer) SetBodyLengthLimit(n int64) {
	s.BodyLengthLimit = n
	s.HasBodyLengthLimit = true
}

// Sign signs the message and returns the DKIM-Signature header including
// the trailing CRLF. The message is the complete RFC 5322 message.
func (s *Signer) Sign(msg []byte) (string, error) {
	headers, bodyOffset, err := message.Split(msg)
	if err != nil {
		return "", fmt.Errorf("parsing message headers: %w", err)
	}
	if err := requireSingleFrom(headers); err != nil {
		return "", err
	}
	return s.sign(headers, msg[bodyOffset:], make(map[bodyHashKey]bodyHashEntry))
}

// getAlgorithm determines the signing algorithm based on the private key type.
func (s *Signer) getAlgorithm() (Algorithm, string, error) {
	hashAlg := strings.ToLower(s.Hash)
	if hashAlg == "" {
		hashAlg = "sha256"
	}

	switch s.PrivateKey.(type) {
	case *rsa.PrivateKey:
		switch hashAlg {
		case "sha256":
			return AlgRSASHA256, "sha256", nil
		case "sha1":
			return AlgRSASHA1, "sha1", nil
		default:
			return "", "", fmt.Errorf("%w: %s", ErrHashAlgorithmUnknown, hashAlg)
		}

	case ed25519.PrivateKey:
		// Ed25519 always uses SHA256
		return AlgEd25519SHA256, "sha256", nil

	default:
		return "", "", fmt.Errorf("%w: %T", ErrSigAlgorithmUnknown, s.PrivateKey)
	}
}

// bodyHashKey identifies a cached body hash by canonicalization, hash
// algorithm, and length limit.
type bodyHashKey struct {
	simple bool
	hash   string
	limit  int64
}

type bodyHashEntry struct {
	digest []byte
	total  int64
}

// SignMultiple signs the message with multiple signers and returns their
// DKIM-Signature headers concatenated. Body hashes are computed once per
// distinct (canonicalization, hash, length-limit) tuple.
func SignMultiple(msg []byte, signers []Signer) (string, error) {
	if len(signers) == 0 {
		return "", nil
	}

	headers, bodyOffset, err := message.Split(msg)
	if err != nil {
		return "", fmt.Errorf("parsing message headers: %w", err)
	}
	if err := requireSingleFrom(headers); err != nil {
		return "", err
	}

	body := msg[bodyOffset:]
	bodyHashes := make(map[bodyHashKey]bodyHashEntry)

	var result strings.Builder
	for i := range signers {
		sig, err := signers[i].sign(headers, body, bodyHashes)
		if err != nil {
			return "", fmt.Errorf("signer %d: %w", i, err)
		}
		result.WriteString(sig)
	}

	return result.String(), nil
}

// requireSingleFrom verifies exactly one From header exists (RFC 6376).
func requireSingleFrom(headers message.Headers) error {
	fromCount := 0
	for _, h := range headers {
		if h.LKey == "from" {
			fromCount++
		}
	}
	if fromCount == 0 {
		return ErrFromRequired
	}
	if fromCount > 1 {
		return fmt.Errorf("%w: message has %d From headers, need exactly 1", ErrFromRequired, fromCount)
	}
	return nil
}

// sign builds and signs a DKIM-Signature over the parsed message, using
// cached body hashes where available.
func (s *Signer) sign(headers message.Headers, body []byte, bodyHashes map[bodyHashKey]bodyHashEntry) (string, error) {
	sig := NewSignature()
	sig.Domain = s.Domain
	sig.Selector = s.Selector

	alg, hashAlg, err := s.getAlgorithm()
	if err != nil {
		return "", err
	}
	sig.Algorithm = string(alg)

	headerCanon := s.HeaderCanonicalization
	if headerCanon == "" {
		headerCanon = CanonRelaxed
	}
	bodyCanon := s.BodyCanonicalization
	if bodyCanon == "" {
		bodyCanon = CanonRelaxed
	}
	sig.Canonicalization = string(headerCanon) + "/" + string(bodyCanon)

	signedHeaders := s.Headers
	if len(signedHeaders) == 0 {
		signedHeaders = DefaultSignedHeaders
	}

	// Ensure "from" is included
	hasFrom := false
	for _, h := range signedHeaders {
		if strings.EqualFold(h, "from") {
			hasFrom = true
			break
		}
	}
	if !hasFrom {
		signedHeaders = append([]string{"From"}, signedHeaders...)
	}

	// Filter to headers present in the message
	present := make(map[string]int)
	for _, h := range headers {
		present[h.LKey]++
	}

	var finalSignedHeaders []string
	for _, h := range signedHeaders {
		if present[strings.ToLower(h)] > 0 {
			finalSignedHeaders = append(finalSignedHeaders, h)
		}
	}

	// Oversign: repeat each name once more than it appears.
	if s.OversignHeaders {
		counts := make(map[string]int)
		for _, h := range finalSignedHeaders {
			counts[strings.ToLower(h)]++
		}
		for _, h := range finalSignedHeaders {
			lh := strings.ToLower(h)
			for counts[lh] < present[lh]+1 {
				finalSignedHeaders = append(finalSignedHeaders, h)
				counts[lh]++
			}
		}
	}

	sig.SignedHeaders = finalSignedHeaders

	if s.Identity != "" {
		sig.Identity = s.Identity
	}

	signTime := s.SignTime
	if signTime.IsZero() {
		signTime = timeNow()
	}
	sig.SignTime = signTime.Unix()

	if s.Expiration > 0 {
		sig.ExpireTime = sig.SignTime + int64(s.Expiration.Seconds())
	}

	limit := int64(-1)
	if s.HasBodyLengthLimit && s.BodyLengthLimit >= 0 {
		limit = s.BodyLengthLimit
	}

	h, ok := getHash(hashAlg)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrHashAlgorithmUnknown, hashAlg)
	}

	// Body hash, from cache when another signer used the same tuple.
	hk := bodyHashKey{
		simple: bodyCanon == CanonSimple,
		hash:   hashAlg,
		limit:  limit,
	}
	entry, ok := bodyHashes[hk]
	if !ok {
		digest, total, err := computeBodyHash(h.New(), bodyCanon, body, limit)
		if err != nil {
			return "", fmt.Errorf("computing body hash: %w", err)
		}
		entry = bodyHashEntry{digest: digest, total: total}
		bodyHashes[hk] = entry
	}
	sig.BodyHash = entry.digest

	if limit >= 0 {
		if entry.total < limit {
			return "", fmt.Errorf("%w: l=%d but canonicalized body is %d octets", ErrBodyLengthMismatch, limit, entry.total)
		}
		sig.Length = limit
	}

	// Emit the header with an empty b= so it can be included in its own
	// signed input.
	sigHeader, err := sig.Header(false)
	if err != nil {
		return "", fmt.Errorf("generating signature header: %w", err)
	}

	dataHash, err := computeDataHash(h.New(), headerCanon, headers, finalSignedHeaders, []byte(sigHeader))
	if err != nil {
		return "", fmt.Errorf("computing data hash: %w", err)
	}

	signature, err := signWithKey(s.PrivateKey, h, dataHash)
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}
	sig.Signature = signature

	finalHeader, err := sig.Header(true)
	if err != nil {
		return "", fmt.Errorf("generating final signature header: %w", err)
	}

	return finalHeader + "\r\n", nil
}
