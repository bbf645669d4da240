// Package mailauth is an email authentication engine: it signs, seals, and
// verifies messages according to the DKIM, SPF, DMARC, ARC and BIMI
// protocol families.
//
// Authenticate takes an RFC 5322 message, optionally accompanied by SMTP
// envelope data (client IP, EHLO name, MAIL FROM), and produces a
// structured verdict plus the wire-format headers downstream MTAs expect:
// Received-SPF, Authentication-Results, and on request an ARC set and
// DKIM-Signature headers.
//
//	resolver := dns.NewResolver(dns.ResolverConfig{})
//	result, err := mailauth.Authenticate(ctx, msg, mailauth.Options{
//	    IP:       net.ParseIP("192.0.2.1"),
//	    Helo:     "mail.example.org",
//	    Sender:   "bounce@example.org",
//	    Resolver: resolver,
//	})
//	fmt.Print(result.Headers)
package mailauth

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/augjoh/mailauth/arc"
	"github.com/augjoh/mailauth/bimi"
	"github.com/augjoh/mailauth/dkim"
	"github.com/augjoh/mailauth/dmarc"
	"github.com/augjoh/mailauth/dns"
	"github.com/augjoh/mailauth/message"
	"github.com/augjoh/mailauth/spf"
)

// ErrMalformedMessage indicates the input could not be split into headers
// and body. It is the only verdict-independent failure Authenticate
// returns besides context cancellation.
var ErrMalformedMessage = message.ErrMalformedMessage

// SealOptions configures ARC sealing during authentication.
type SealOptions struct {
	// Domain is the sealing domain.
	Domain string

	// Selector is the selector for the sealing key.
	Selector string

	// PrivateKey is the sealing key (*rsa.PrivateKey or ed25519.PrivateKey).
	PrivateKey crypto.Signer
}

// Options configures a single Authenticate call.
type Options struct {
	// IP is the SMTP client IP. Required for SPF unless TrustReceived is
	// set and a Received header carries the address.
	IP net.IP

	// Helo is the EHLO/HELO hostname of the SMTP client.
	Helo string

	// Sender is the MAIL FROM address. Empty means the null reverse-path.
	Sender string

	// MTA is the authentication service identifier used in emitted
	// headers. Defaults to the local hostname.
	MTA string

	// TrustReceived fills missing SMTP context from the latest Received
	// and Return-Path headers of the message itself.
	TrustReceived bool

	// Resolver performs all DNS lookups. Defaults to dns.NewStdResolver().
	Resolver dns.Resolver

	// MinBitLength is the minimum RSA key size for DKIM/ARC keys.
	// Default 1024.
	MinBitLength int

	// MaxResolveCount caps DNS lookups for the whole call.
	// Default dns.DefaultMaxLookups.
	MaxResolveCount int

	// Seal, when set, produces an ARC set over the message.
	Seal *SealOptions

	// Signers, when set, produce DKIM-Signature headers over the message.
	Signers []dkim.Signer

	// DisableArc skips ARC chain validation.
	DisableArc bool

	// DisableDmarc skips DMARC policy evaluation (and BIMI).
	DisableDmarc bool

	// DisableBimi skips BIMI resolution.
	DisableBimi bool

	// Logger receives per-phase debug logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// Result is the outcome of one Authenticate call. The wire-format headers
// are concatenated in Headers in the fixed emission order: the ARC set
// (ARC-Seal, ARC-Message-Signature, ARC-Authentication-Results), then
// Received-SPF, then Authentication-Results, then DKIM-Signature(s).
type Result struct {
	// ID is a ULID identifying this authentication call in logs.
	ID string

	// SPF is the SPF verdict; zero-valued when no SMTP context was
	// available.
	SPF spf.Received

	// DKIM holds one result per DKIM-Signature header found.
	DKIM []dkim.Result

	// ARC is the chain validation result, nil when disabled.
	ARC *arc.Result

	// DMARC is the policy evaluation result, nil when disabled.
	DMARC *dmarc.Result

	// BIMI is the indicator resolution result, nil when disabled or not
	// evaluated.
	BIMI *bimi.Result

	// Seal is the freshly produced ARC set, nil unless requested.
	Seal *arc.SealResult

	// ReceivedSPF is the formatted Received-SPF header, without CRLF.
	ReceivedSPF string

	// AuthenticationResults is the formatted Authentication-Results
	// header, without trailing CRLF.
	AuthenticationResults string

	// Signatures holds the requested DKIM-Signature headers, CRLF
	// terminated.
	Signatures string

	// Headers is everything above concatenated with CRLF terminators,
	// ready to prepend to the message.
	Headers string

	// Lookups is the number of DNS queries the call performed.
	Lookups int
}

// Authenticate runs the authentication pipeline over one message.
//
// DKIM, SPF, ARC, DMARC and BIMI problems degrade the corresponding
// verdicts; only an unparseable message or a cancelled context produce an
// error. No partial output is returned on error.
func Authenticate(ctx context.Context, msg []byte, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Resolver == nil {
		opts.Resolver = dns.NewStdResolver()
	}
	if opts.MTA == "" {
		if hostname, err := os.Hostname(); err == nil {
			opts.MTA = hostname
		} else {
			opts.MTA = "localhost"
		}
	}

	resolver := dns.NewLimitResolver(opts.Resolver, opts.MaxResolveCount)

	result := &Result{ID: ulid.Make().String()}
	logger = logger.With(slog.String("auth_id", result.ID))

	headers, bodyOffset, err := message.Split(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	body := msg[bodyOffset:]

	// Fill missing SMTP context from the message when trusted.
	ip := opts.IP
	sender := opts.Sender
	if opts.TrustReceived {
		if ip == nil {
			ip = message.ReceivedClientIP(headers)
		}
		if sender == "" {
			sender = message.ReturnPathAddress(headers)
		}
	}

	// SPF and DKIM run concurrently; both only read the message and share
	// the counting resolver.
	var wg sync.WaitGroup
	var spfReceived spf.Received
	var spfDomain string
	var dkimResults []dkim.Result

	haveSMTP := ip != nil
	if haveSMTP {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local, domain := splitAddress(sender)
			args := spf.Args{
				RemoteIP:       ip,
				MailFromLocal:  local,
				MailFromDomain: domain,
				HelloDomain:    opts.Helo,
				HelloIsIP:      net.ParseIP(opts.Helo) != nil,
				LocalHostname:  opts.MTA,
				MaxLookups:     opts.MaxResolveCount,
			}
			var err error
			spfReceived, spfDomain, _, _, err = spf.Verify(ctx, resolver, args)
			if err != nil {
				logger.Debug("spf evaluation degraded", slog.String("status", string(spfReceived.Result)), slog.Any("error", err))
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		verifier := &dkim.Verifier{
			Resolver:      resolver,
			MinRSAKeyBits: opts.MinBitLength,
		}
		var err error
		dkimResults, err = verifier.VerifyParsed(ctx, headers, body)
		if err != nil {
			logger.Debug("dkim verification degraded", slog.Any("error", err))
		}
	}()

	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result.SPF = spfReceived
	result.DKIM = dkimResults

	var methods []methodResult
	methods = append(methods, dkimMethods(dkimResults)...)
	if haveSMTP {
		methods = append(methods, spfMethod(spfReceived))
	}

	// ARC chain validation reuses the DKIM machinery.
	if !opts.DisableArc {
		arcVerifier := &arc.Verifier{
			Resolver:      resolver,
			MinRSAKeyBits: opts.MinBitLength,
		}
		arcResult, err := arcVerifier.VerifyParsed(ctx, headers, body)
		if err != nil {
			logger.Debug("arc validation degraded", slog.Any("error", err))
		}
		result.ARC = arcResult
		if arcResult != nil && arcResult.Status != arc.StatusNone {
			methods = append(methods, arcMethod(arcResult))
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// DMARC aligns the DKIM and SPF identifiers with the From domain.
	if !opts.DisableDmarc {
		from, err := fromDomain(headers)
		if err != nil {
			logger.Debug("dmarc skipped", slog.Any("error", err))
		} else {
			_, dmarcResult := dmarc.Verify(ctx, resolver, dmarc.VerifyArgs{
				FromDomain:  from,
				SPFResult:   spfReceived.Result,
				SPFDomain:   spfDomain,
				DKIMResults: dkimResults,
			}, true)
			result.DMARC = &dmarcResult
			methods = append(methods, dmarcMethod(dmarcResult))

			// BIMI only ever surfaces on an enforcing DMARC pass.
			if !opts.DisableBimi {
				bimiResult := bimi.Verify(ctx, resolver, headers, dmarcResult)
				result.BIMI = &bimiResult
				if bimiResult.Status != bimi.StatusSkipped && bimiResult.Status != bimi.StatusNone {
					methods = append(methods, bimiMethod(bimiResult))
				}
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Produce the new ARC set last: its AAR records the verdicts above.
	if opts.Seal != nil {
		sealer := &arc.Sealer{
			Domain:     opts.Seal.Domain,
			Selector:   opts.Seal.Selector,
			PrivateKey: opts.Seal.PrivateKey,
		}
		cv := arc.ChainValidationNone
		if result.ARC != nil && result.ARC.Status != arc.StatusNone {
			if result.ARC.Status == arc.StatusPass {
				cv = arc.ChainValidationPass
			} else {
				cv = arc.ChainValidationFail
			}
		}
		sealResult, err := sealer.SealParsed(headers, body, opts.MTA, methodsValue(methods), cv)
		if err != nil {
			logger.Error("arc sealing failed", slog.Any("error", err))
		} else {
			result.Seal = sealResult
		}
	}

	// DKIM signing, if requested.
	if len(opts.Signers) > 0 {
		signatures, err := dkim.SignMultiple(msg, opts.Signers)
		if err != nil {
			logger.Error("dkim signing failed", slog.Any("error", err))
		} else {
			result.Signatures = signatures
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if haveSMTP {
		result.ReceivedSPF = spfReceived.Header()
	}
	result.AuthenticationResults = formatAuthResults(opts.MTA, methods)
	result.Lookups = resolver.Count()

	// Fixed emission order: ARC set, Received-SPF, Authentication-Results,
	// DKIM-Signature(s).
	var out strings.Builder
	if result.Seal != nil {
		out.WriteString(result.Seal.Headers())
	}
	if result.ReceivedSPF != "" {
		out.WriteString(result.ReceivedSPF)
		out.WriteString("\r\n")
	}
	out.WriteString(result.AuthenticationResults)
	out.WriteString("\r\n")
	out.WriteString(result.Signatures)
	result.Headers = out.String()

	logger.Info("authentication complete",
		slog.String("spf", string(spfReceived.Result)),
		slog.Int("dkim_signatures", len(dkimResults)),
		slog.Int("lookups", result.Lookups),
	)

	return result, nil
}

// Sign produces DKIM-Signature headers for a message without running
// verification.
func Sign(msg []byte, signers []dkim.Signer) (string, error) {
	return dkim.SignMultiple(msg, signers)
}

// Seal verifies the existing ARC chain and appends a new ARC set whose AAR
// records the given results string.
func Seal(ctx context.Context, resolver dns.Resolver, msg []byte, opts SealOptions, mta, authResults string) (*arc.SealResult, error) {
	verifier := &arc.Verifier{Resolver: resolver}
	chain, err := verifier.Verify(ctx, msg)
	if err != nil {
		return nil, err
	}

	cv := arc.ChainValidationNone
	switch chain.Status {
	case arc.StatusPass:
		cv = arc.ChainValidationPass
	case arc.StatusFail:
		cv = arc.ChainValidationFail
	}

	sealer := &arc.Sealer{
		Domain:     opts.Domain,
		Selector:   opts.Selector,
		PrivateKey: opts.PrivateKey,
	}
	return sealer.Seal(msg, mta, authResults, cv)
}

// splitAddress splits an address into local part and domain.
// An address without a local part gets "postmaster".
func splitAddress(addr string) (local, domain string) {
	if addr == "" {
		return "", ""
	}
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return "postmaster", strings.ToLower(addr)
	}
	local = addr[:at]
	if local == "" {
		local = "postmaster"
	}
	return local, strings.ToLower(addr[at+1:])
}

// fromDomain extracts the RFC5322.From domain for DMARC.
func fromDomain(headers message.Headers) (string, error) {
	from := headers.Last("From")
	if from == nil {
		return "", errors.New("mailauth: no From header")
	}
	return dmarc.ExtractFromDomain(strings.TrimSpace(message.Unfold(from.Value)))
}
