// Package arc implements the Authenticated Received Chain (ARC) protocol
// per RFC 8617.
//
// ARC preserves email authentication results across intermediaries that may
// modify a message (mailing lists, forwarders). Each intermediary adds an
// ARC set of three headers: ARC-Authentication-Results captures the results
// it observed, ARC-Message-Signature signs the message like DKIM, and
// ARC-Seal signs the entire chain so far.
//
// The Verifier reconstructs and validates the chain; the Sealer appends a
// new instance. Both reuse the DKIM canonicalization and key machinery.
package arc

import (
	"errors"
)

// Status represents the result of ARC chain validation per RFC 8617.
type Status string

const (
	// StatusNone indicates no ARC headers are present.
	StatusNone Status = "none"

	// StatusPass indicates all ARC sets validated successfully.
	StatusPass Status = "pass"

	// StatusFail indicates ARC validation failed.
	StatusFail Status = "fail"
)

// ChainValidation represents the chain validation status (cv= tag).
type ChainValidation string

const (
	// ChainValidationNone indicates no prior ARC chain. Only valid at i=1.
	ChainValidationNone ChainValidation = "none"

	// ChainValidationPass indicates the prior ARC chain validated.
	ChainValidationPass ChainValidation = "pass"

	// ChainValidationFail indicates the prior ARC chain failed validation.
	// A chain carrying cv=fail stays failed no matter what follows.
	ChainValidationFail ChainValidation = "fail"
)

// MaxInstance is the maximum allowed ARC instance number per RFC 8617.
const MaxInstance = 50

// Common errors for ARC processing.
var (
	// ErrNoARCHeaders indicates no ARC headers were found in the message.
	ErrNoARCHeaders = errors.New("arc: no ARC headers found")

	// ErrInvalidChain indicates the ARC chain is structurally invalid.
	ErrInvalidChain = errors.New("arc: invalid ARC chain structure")

	// ErrMissingSet indicates an instance is missing one of its three headers.
	ErrMissingSet = errors.New("arc: incomplete ARC set")

	// ErrDuplicateSet indicates duplicate ARC headers for one instance.
	ErrDuplicateSet = errors.New("arc: duplicate ARC set instance")

	// ErrGapInChain indicates a gap in the ARC chain instance numbers.
	ErrGapInChain = errors.New("arc: gap in ARC chain instance numbers")

	// ErrInvalidInstance indicates an instance number out of range.
	ErrInvalidInstance = errors.New("arc: invalid instance number")

	// ErrSealFailed indicates the ARC-Seal verification failed.
	ErrSealFailed = errors.New("arc: seal verification failed")

	// ErrMessageSignatureFailed indicates AMS verification failed.
	ErrMessageSignatureFailed = errors.New("arc: message signature verification failed")

	// ErrChainValidationMismatch indicates a cv= tag inconsistent with the
	// chain position.
	ErrChainValidationMismatch = errors.New("arc: chain validation status mismatch")

	// ErrSyntax indicates a syntax error in an ARC header.
	ErrSyntax = errors.New("arc: syntax error")

	// ErrMissingTag indicates a required tag is missing.
	ErrMissingTag = errors.New("arc: missing required tag")

	// ErrInvalidVersion indicates an invalid version tag.
	ErrInvalidVersion = errors.New("arc: invalid version")

	// ErrHashUnknown indicates an unknown hash algorithm.
	ErrHashUnknown = errors.New("arc: unknown hash algorithm")

	// ErrExpired indicates the message signature has expired.
	ErrExpired = errors.New("arc: signature expired")

	// ErrBodyHashMismatch indicates the AMS body hash doesn't match.
	ErrBodyHashMismatch = errors.New("arc: body hash mismatch")

	// ErrFromRequired indicates the AMS must sign the From header.
	ErrFromRequired = errors.New("arc: From header must be signed")

	// ErrChainTooLong indicates sealing would exceed MaxInstance.
	ErrChainTooLong = errors.New("arc: chain exceeds maximum instance count")
)

// Result represents the result of ARC chain validation.
type Result struct {
	// Status is the overall chain validation status.
	Status Status

	// Instance is the newest instance number, zero when no chain exists.
	Instance int

	// OldestPass is the instance number of the oldest passing ARC set,
	// zero if no sets passed.
	OldestPass int

	// Sets contains the parsed ARC sets, ordered by instance number.
	Sets []*Set

	// FailedInstance is the instance where validation failed, zero on pass.
	FailedInstance int

	// FailedReason describes why validation failed.
	FailedReason string

	// Err contains any error that occurred during validation.
	Err error
}

// SealDomain returns the sealing domain of the newest instance, or "".
func (r *Result) SealDomain() string {
	if len(r.Sets) == 0 {
		return ""
	}
	newest := r.Sets[len(r.Sets)-1]
	if newest.Seal == nil {
		return ""
	}
	return newest.Seal.Domain
}

// TrustedSealer reports whether the chain passed and its newest seal domain
// is in the given list, for DMARC override decisions.
func (r *Result) TrustedSealer(domains []string) bool {
	if r == nil || r.Status != StatusPass {
		return false
	}
	seal := r.SealDomain()
	for _, d := range domains {
		if d == seal {
			return true
		}
	}
	return false
}
