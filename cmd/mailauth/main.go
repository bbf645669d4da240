// Command mailauth authenticates, signs, and seals email messages.
//
// Usage:
//
//	mailauth report [flags] [message.eml]
//	mailauth sign   [flags] [message.eml]
//	mailauth seal   [flags] [message.eml]
//	mailauth spf    [flags]
//
// The message is read from the file argument or stdin. Authentication
// failures are reported in the output and are not process errors; the exit
// code is non-zero only for I/O and parse errors.
package main

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/augjoh/mailauth"
	"github.com/augjoh/mailauth/dkim"
	"github.com/augjoh/mailauth/dns"
	"github.com/augjoh/mailauth/spf"
)

func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "report":
		err = cmdReport(args)
	case "sign":
		err = cmdSign(args)
	case "seal":
		err = cmdSeal(args)
	case "spf":
		err = cmdSPF(args)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatalf("mailauth %s: %v", cmd, err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: mailauth <report|sign|seal|spf> [flags] [message.eml]")
}

// commonFlags holds flags shared by the subcommands.
type commonFlags struct {
	clientIP   string
	sender     string
	helo       string
	mta        string
	dnsCache   string
	maxLookups int
	verbose    bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.clientIP, "client-ip", "", "SMTP client IP address")
	fs.StringVar(&c.sender, "sender", "", "MAIL FROM address")
	fs.StringVar(&c.helo, "helo", "", "EHLO/HELO hostname")
	fs.StringVar(&c.mta, "mta", "", "authentication service identifier (default: hostname)")
	fs.StringVar(&c.dnsCache, "dns-cache", "", "path to a JSON DNS fixture file")
	fs.IntVar(&c.maxLookups, "max-lookups", 0, "maximum DNS lookups per evaluation")
	fs.BoolVar(&c.verbose, "verbose", false, "enable debug logging")
}

func (c *commonFlags) logger() *slog.Logger {
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// resolver builds the DNS resolver, wrapping a cache file when configured.
func (c *commonFlags) resolver() (dns.Resolver, error) {
	base := dns.NewResolver(dns.ResolverConfig{})
	if c.dnsCache == "" {
		return base, nil
	}
	data, err := dns.LoadCacheFile(c.dnsCache)
	if err != nil {
		return nil, err
	}
	return dns.NewCacheResolver(data, base), nil
}

// readMessage reads the message from the first positional argument or stdin.
func readMessage(fs *flag.FlagSet) ([]byte, error) {
	if fs.NArg() > 0 {
		return os.ReadFile(fs.Arg(0))
	}
	return io.ReadAll(os.Stdin)
}

// loadPrivateKey reads a PEM private key (PKCS#8, PKCS#1, or Ed25519).
func loadPrivateKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %T", key)
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if len(block.Bytes) == ed25519.SeedSize {
		return ed25519.NewKeyFromSeed(block.Bytes), nil
	}
	return nil, fmt.Errorf("unrecognized private key format in %s", path)
}

func cmdReport(args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	headersOnly := fs.Bool("headers-only", false, "print only the generated headers")
	fs.Parse(args)

	msg, err := readMessage(fs)
	if err != nil {
		return err
	}
	resolver, err := common.resolver()
	if err != nil {
		return err
	}

	opts := mailauth.Options{
		Helo:            common.helo,
		Sender:          common.sender,
		MTA:             common.mta,
		Resolver:        resolver,
		MaxResolveCount: common.maxLookups,
		TrustReceived:   common.clientIP == "",
		Logger:          common.logger(),
	}
	if common.clientIP != "" {
		opts.IP = net.ParseIP(common.clientIP)
		if opts.IP == nil {
			return fmt.Errorf("invalid --client-ip %q", common.clientIP)
		}
	}

	result, err := mailauth.Authenticate(context.Background(), msg, opts)
	if err != nil {
		return err
	}

	if *headersOnly {
		fmt.Print(result.Headers)
		return nil
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(reportOf(result))
}

// report is the JSON shape of an authentication verdict.
type report struct {
	ID                    string            `json:"id"`
	SPF                   *spfReport        `json:"spf,omitempty"`
	DKIM                  []dkimReport      `json:"dkim"`
	ARC                   map[string]any    `json:"arc,omitempty"`
	DMARC                 map[string]any    `json:"dmarc,omitempty"`
	BIMI                  map[string]any    `json:"bimi,omitempty"`
	ReceivedSPF           string            `json:"receivedSpf,omitempty"`
	AuthenticationResults string            `json:"authenticationResults"`
	Lookups               int               `json:"lookups"`
}

type spfReport struct {
	Status    string `json:"status"`
	Domain    string `json:"domain,omitempty"`
	Mechanism string `json:"mechanism,omitempty"`
	Lookups   int    `json:"lookups"`
	Problem   string `json:"problem,omitempty"`
}

type dkimReport struct {
	Status   string `json:"status"`
	Domain   string `json:"domain,omitempty"`
	Selector string `json:"selector,omitempty"`
	Error    string `json:"error,omitempty"`
}

func reportOf(result *mailauth.Result) report {
	r := report{
		ID:                    result.ID,
		ReceivedSPF:           result.ReceivedSPF,
		AuthenticationResults: result.AuthenticationResults,
		Lookups:               result.Lookups,
		DKIM:                  []dkimReport{},
	}

	if result.SPF.Result != "" {
		r.SPF = &spfReport{
			Status:    string(result.SPF.Result),
			Domain:    result.SPF.EnvelopeFrom,
			Mechanism: result.SPF.Mechanism,
			Lookups:   result.SPF.Lookups,
			Problem:   result.SPF.Problem,
		}
	}

	for _, d := range result.DKIM {
		dr := dkimReport{Status: string(d.Status)}
		if d.Signature != nil {
			dr.Domain = d.Signature.Domain
			dr.Selector = d.Signature.Selector
		}
		if d.Err != nil {
			dr.Error = d.Err.Error()
		}
		r.DKIM = append(r.DKIM, dr)
	}

	if result.ARC != nil {
		r.ARC = map[string]any{"status": string(result.ARC.Status)}
		if result.ARC.Instance > 0 {
			r.ARC["instance"] = result.ARC.Instance
		}
		if result.ARC.FailedReason != "" {
			r.ARC["reason"] = result.ARC.FailedReason
		}
	}
	if result.DMARC != nil {
		r.DMARC = map[string]any{
			"status":     string(result.DMARC.Status),
			"headerFrom": result.DMARC.FromDomain,
		}
		if result.DMARC.Record != nil {
			r.DMARC["policy"] = string(result.DMARC.Record.Policy)
		}
	}
	if result.BIMI != nil {
		r.BIMI = map[string]any{"status": string(result.BIMI.Status)}
		if result.BIMI.Indicator != "" {
			r.BIMI["indicator"] = result.BIMI.Indicator
		}
		if result.BIMI.Authority != "" {
			r.BIMI["authority"] = result.BIMI.Authority
		}
	}

	return r
}

func cmdSign(args []string) error {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	keyPath := fs.String("private-key", "", "path to the PEM signing key (required)")
	domain := fs.String("domain", "", "signing domain (required)")
	selector := fs.String("selector", "", "signing selector (required)")
	algo := fs.String("algo", "", "hash algorithm: sha256 (default) or sha1")
	canon := fs.String("canonicalization", "relaxed/relaxed", "header/body canonicalization")
	signTime := fs.String("time", "", "signature timestamp (RFC 3339 or unix seconds)")
	headerFields := fs.String("header-fields", "", "colon-separated header names to sign")
	bodyLength := fs.Int64("body-length", -1, "l= body length limit")
	fs.Parse(args)

	if *keyPath == "" || *domain == "" || *selector == "" {
		return fmt.Errorf("--private-key, --domain and --selector are required")
	}

	msg, err := readMessage(fs)
	if err != nil {
		return err
	}
	key, err := loadPrivateKey(*keyPath)
	if err != nil {
		return err
	}

	// --algo accepts both "sha256" and full "rsa-sha256" forms.
	hashName := *algo
	if _, h, ok := strings.Cut(hashName, "-"); ok {
		hashName = h
	}

	headerCanon, bodyCanon := splitCanonicalization(*canon)
	signer := dkim.Signer{
		Domain:                 *domain,
		Selector:               *selector,
		PrivateKey:             key,
		Hash:                   hashName,
		HeaderCanonicalization: headerCanon,
		BodyCanonicalization:   bodyCanon,
	}
	if *headerFields != "" {
		signer.Headers = strings.Split(*headerFields, ":")
	}
	if *bodyLength >= 0 {
		signer.SetBodyLengthLimit(*bodyLength)
	}
	if *signTime != "" {
		t, err := parseTime(*signTime)
		if err != nil {
			return err
		}
		signer.SignTime = t
	}

	header, err := signer.Sign(msg)
	if err != nil {
		return err
	}

	fmt.Print(header)
	return nil
}

func cmdSeal(args []string) error {
	fs := flag.NewFlagSet("seal", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	keyPath := fs.String("private-key", "", "path to the PEM sealing key (required)")
	domain := fs.String("domain", "", "sealing domain (required)")
	selector := fs.String("selector", "", "sealing selector (required)")
	fs.Parse(args)

	if *keyPath == "" || *domain == "" || *selector == "" {
		return fmt.Errorf("--private-key, --domain and --selector are required")
	}

	msg, err := readMessage(fs)
	if err != nil {
		return err
	}
	key, err := loadPrivateKey(*keyPath)
	if err != nil {
		return err
	}
	resolver, err := common.resolver()
	if err != nil {
		return err
	}

	opts := mailauth.Options{
		Helo:            common.helo,
		Sender:          common.sender,
		MTA:             common.mta,
		Resolver:        resolver,
		MaxResolveCount: common.maxLookups,
		TrustReceived:   common.clientIP == "",
		Logger:          common.logger(),
		Seal: &mailauth.SealOptions{
			Domain:     *domain,
			Selector:   *selector,
			PrivateKey: key,
		},
	}
	if common.clientIP != "" {
		opts.IP = net.ParseIP(common.clientIP)
		if opts.IP == nil {
			return fmt.Errorf("invalid --client-ip %q", common.clientIP)
		}
	}

	result, err := mailauth.Authenticate(context.Background(), msg, opts)
	if err != nil {
		return err
	}
	if result.Seal == nil {
		return fmt.Errorf("sealing produced no ARC set")
	}

	fmt.Print(result.Seal.Headers())
	return nil
}

func cmdSPF(args []string) error {
	fs := flag.NewFlagSet("spf", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	fs.Parse(args)

	if common.clientIP == "" {
		return fmt.Errorf("--client-ip is required")
	}
	ip := net.ParseIP(common.clientIP)
	if ip == nil {
		return fmt.Errorf("invalid --client-ip %q", common.clientIP)
	}

	resolver, err := common.resolver()
	if err != nil {
		return err
	}

	local, domain := "", common.sender
	if at := strings.LastIndexByte(common.sender, '@'); at >= 0 {
		local, domain = common.sender[:at], common.sender[at+1:]
	}

	received, _, _, _, _ := spf.Verify(context.Background(), dns.NewLimitResolver(resolver, common.maxLookups), spf.Args{
		RemoteIP:       ip,
		MailFromLocal:  local,
		MailFromDomain: domain,
		HelloDomain:    common.helo,
		HelloIsIP:      net.ParseIP(common.helo) != nil,
		LocalHostname:  common.mta,
		MaxLookups:     common.maxLookups,
	})

	fmt.Println(received.Header())
	return nil
}

// splitCanonicalization parses a "header/body" canonicalization flag.
func splitCanonicalization(s string) (dkim.Canonicalization, dkim.Canonicalization) {
	head, body, ok := strings.Cut(s, "/")
	headerCanon := dkim.Canonicalization(strings.ToLower(head))
	if headerCanon != dkim.CanonSimple {
		headerCanon = dkim.CanonRelaxed
	}
	bodyCanon := dkim.CanonRelaxed
	if ok && strings.EqualFold(body, string(dkim.CanonSimple)) {
		bodyCanon = dkim.CanonSimple
	}
	return headerCanon, bodyCanon
}

// parseTime accepts RFC 3339 or unix seconds.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	var unix int64
	if _, err := fmt.Sscanf(s, "%d", &unix); err == nil {
		return time.Unix(unix, 0), nil
	}
	return time.Time{}, fmt.Errorf("invalid --time %q", s)
}
