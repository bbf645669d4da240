// Package spf implements Sender Policy Framework evaluation per RFC 7208.
//
// SPF lets a domain owner publish, in DNS, which hosts may send mail for
// the domain. Verify runs the check_host algorithm for an SMTP transaction
// (remote IP, HELO name, MAIL FROM) and produces a Received-SPF header.
package spf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/idna"

	"github.com/augjoh/mailauth/dns"
)

// SPF evaluation errors.
var (
	ErrNoRecord           = errors.New("spf: no SPF record found")
	ErrMultipleRecords    = errors.New("spf: multiple SPF records found")
	ErrTooManyDNSRequests = errors.New("spf: too many DNS lookups")
	ErrTooManyVoidLookups = errors.New("spf: exceeded maximum void lookups")
	ErrMacroSyntax        = errors.New("spf: macro syntax error")
	ErrInvalidDomain      = errors.New("spf: invalid domain name")
)

// SPF evaluation limits.
const (
	// DefaultMaxLookups is the default budget of DNS queries per
	// evaluation: the TXT query of every checked domain (include and
	// redirect targets too) and each query made by a, mx, ptr and exists
	// all count.
	DefaultMaxLookups = 50

	// voidLookupsMax is the number of consecutive lookups returning no
	// records after which any further lookup aborts the evaluation, an
	// anti-abuse measure.
	voidLookupsMax = 2

	// mxPtrLimit is the maximum number of MX or PTR records processed per
	// mechanism.
	mxPtrLimit = 10
)

// Status is the result of SPF verification.
type Status string

const (
	// StatusNone indicates no SPF record was found or no domain to check.
	StatusNone Status = "none"

	// StatusNeutral indicates the domain owner states nothing about the IP.
	StatusNeutral Status = "neutral"

	// StatusPass indicates the IP is authorized to send for the domain.
	StatusPass Status = "pass"

	// StatusFail indicates the IP is explicitly not authorized.
	StatusFail Status = "fail"

	// StatusSoftfail indicates the IP is probably not authorized.
	StatusSoftfail Status = "softfail"

	// StatusTemperror indicates a temporary error (e.g., DNS timeout).
	StatusTemperror Status = "temperror"

	// StatusPermerror indicates a permanent error (e.g., invalid record).
	StatusPermerror Status = "permerror"
)

// counters is the lookup accounting shared across an evaluation, including
// parallel include evaluations. Every DNS query consumes one unit of the
// budget; after two consecutive void lookups, the next lookup aborts the
// evaluation.
type counters struct {
	max     int64
	lookups atomic.Int64
	voids   atomic.Int64
}

// take consumes one unit of the DNS lookup budget.
func (c *counters) take() error {
	if c.voids.Load() >= voidLookupsMax {
		return ErrTooManyVoidLookups
	}
	if c.lookups.Add(1) > c.max {
		return fmt.Errorf("%w (max %d)", ErrTooManyDNSRequests, c.max)
	}
	return nil
}

// statusForLookupErr maps a lookup error to an SPF status: exhausted budgets
// are permanent errors, everything else is temporary.
func statusForLookupErr(err error) Status {
	if errors.Is(err, ErrTooManyDNSRequests) || errors.Is(err, ErrTooManyVoidLookups) {
		return StatusPermerror
	}
	return StatusTemperror
}

// Args are the parameters for SPF verification.
type Args struct {
	// RemoteIP is the IP address of the sending server to check.
	// IPv6-mapped IPv4 addresses are evaluated as IPv4.
	RemoteIP net.IP

	// MailFromDomain is the domain from SMTP MAIL FROM.
	// Empty for null reverse-path (bounces).
	MailFromDomain string

	// MailFromLocal is the local-part from SMTP MAIL FROM.
	// Defaults to "postmaster" for macro expansion.
	MailFromLocal string

	// HelloDomain is the domain or IP from the SMTP EHLO/HELO command.
	HelloDomain string

	// HelloIsIP indicates HelloDomain is an IP literal.
	HelloIsIP bool

	// LocalIP is the receiving server's IP address, for the "c" macro.
	LocalIP net.IP

	// LocalHostname is the receiving server's hostname, for the "r" macro.
	LocalHostname string

	// MaxLookups overrides the DNS lookup budget. Zero means
	// DefaultMaxLookups.
	MaxLookups int

	// Logger for debug output. Nil disables logging.
	Logger *slog.Logger

	// Internal fields threaded through recursive evaluation.
	domain       string    // Current domain being checked
	senderLocal  string    // Effective sender local-part
	senderDomain string    // Effective sender domain
	explanation  *string   // Explanation from the including record
	counters     *counters // Shared lookup accounting
}

// Received contains the SPF verification result for header generation.
type Received struct {
	// Result is the SPF status.
	Result Status

	// Comment provides context about the result, shown parenthesized.
	Comment string

	// ClientIP is the remote IP that was checked.
	ClientIP net.IP

	// EnvelopeFrom is the sender mailbox checked.
	EnvelopeFrom string

	// Helo is the EHLO/HELO domain or IP.
	Helo string

	// Record is the SPF TXT record of the checked domain, for the rr= field.
	Record string

	// Receiver is the hostname of the receiving server.
	Receiver string

	// Identity indicates what was checked: "mailfrom" or "helo".
	Identity string

	// Mechanism is the SPF term that caused the result.
	Mechanism string

	// Explanation is the expanded exp= text on fail.
	Explanation string

	// Lookups is the number of counted DNS lookups.
	Lookups int

	// Problem describes any error that occurred.
	Problem string

	// Authentic indicates if DNS responses were DNSSEC-validated.
	Authentic bool
}

// Header generates the Received-SPF header, folded at 160 columns:
//
//	Received-SPF: <status> (<comment>) client-ip=<ip>;
//	  envelope-from="<sender>"; helo=<helo>; rr=<record>
func (r Received) Header() string {
	var fields []string
	if r.ClientIP != nil {
		fields = append(fields, "client-ip="+r.ClientIP.String()+";")
	}
	fields = append(fields, `envelope-from="`+r.EnvelopeFrom+`";`)
	if r.Helo != "" {
		fields = append(fields, "helo="+r.Helo+";")
	}
	if r.Record != "" {
		fields = append(fields, "rr="+r.Record)
	}

	var b strings.Builder
	b.WriteString("Received-SPF: ")
	b.WriteString(string(r.Result))
	lineLen := b.Len()

	if r.Comment != "" {
		comment := " (" + r.Comment + ")"
		b.WriteString(comment)
		lineLen += len(comment)
	}

	const maxLine = 160
	for _, f := range fields {
		if lineLen+1+len(f) > maxLine {
			b.WriteString("\r\n ")
			lineLen = 1
		} else {
			b.WriteString(" ")
			lineLen++
		}
		b.WriteString(f)
		lineLen += len(f)
	}

	return b.String()
}

// Mocked for testing the "t" macro.
var timeNow = time.Now

// Lookup looks up and parses the SPF TXT record for a domain. Exactly one
// record starting with v=spf1 is permitted; multiple yield a permerror,
// none yields StatusNone.
func Lookup(ctx context.Context, resolver dns.Resolver, domain string) (status Status, txt string, record *Record, authentic bool, err error) {
	// IDN domains are queried in A-label form.
	if ascii, aerr := idna.Lookup.ToASCII(strings.TrimSuffix(domain, ".")); aerr == nil {
		domain = ascii
	}
	if err := dns.ValidateDomain(domain); err != nil {
		return StatusPermerror, "", nil, false, fmt.Errorf("%w: %v", ErrInvalidDomain, err)
	}

	result, err := resolver.LookupTXT(ctx, domain+".")
	if dns.IsNotFound(err) {
		return StatusNone, "", nil, result.Authentic, ErrNoRecord
	}
	if err != nil {
		return StatusTemperror, "", nil, result.Authentic, fmt.Errorf("DNS lookup failed: %w", err)
	}

	var spfRecord *Record
	var spfTxt string
	for _, txt := range result.Records {
		r, isSPF, parseErr := ParseRecord(txt)
		if !isSPF {
			continue
		}
		if parseErr != nil {
			return StatusPermerror, txt, nil, result.Authentic, parseErr
		}
		if spfRecord != nil {
			return StatusPermerror, "", nil, result.Authentic, ErrMultipleRecords
		}
		spfRecord = r
		spfTxt = txt
	}

	if spfRecord == nil {
		return StatusNone, "", nil, result.Authentic, ErrNoRecord
	}

	return StatusNone, spfTxt, spfRecord, result.Authentic, nil
}

// Verify checks if a remote IP is authorized to send email for a domain.
//
// The MAIL FROM domain is the primary identity. If it is empty (null
// reverse-path), the HELO domain is checked instead, with sender
// postmaster@helo.
func Verify(ctx context.Context, resolver dns.Resolver, args Args) (received Received, domain string, explanation string, authentic bool, err error) {
	isHelo, ok := prepareArgs(&args)
	if !ok {
		received = Received{
			Result:       StatusNone,
			Comment:      "no domain to check (HELO is IP literal and MAIL FROM is empty)",
			ClientIP:     args.RemoteIP,
			EnvelopeFrom: args.senderLocal + "@" + args.HelloDomain,
			Helo:         args.HelloDomain,
			Receiver:     args.LocalHostname,
			Identity:     "helo",
		}
		return received, "", "", false, nil
	}

	status, txt, mechanism, expl, authentic, err := checkHost(ctx, resolver, args)

	comment := fmt.Sprintf("%s: domain of %s", args.LocalHostname, args.senderDomain)
	switch status {
	case StatusPass:
		comment += " designates " + args.RemoteIP.String() + " as permitted sender"
	case StatusFail:
		comment += " does not designate " + args.RemoteIP.String() + " as permitted sender"
	}
	if isHelo {
		comment += " (from HELO because MAIL FROM is empty)"
	}

	received = Received{
		Result:       status,
		Comment:      comment,
		ClientIP:     args.RemoteIP,
		EnvelopeFrom: args.senderLocal + "@" + args.senderDomain,
		Helo:         args.HelloDomain,
		Record:       txt,
		Receiver:     args.LocalHostname,
		Mechanism:    mechanism,
		Explanation:  expl,
		Lookups:      int(args.counters.lookups.Load()),
		Authentic:    authentic,
	}

	if isHelo {
		received.Identity = "helo"
	} else {
		received.Identity = "mailfrom"
	}

	if err != nil {
		received.Problem = err.Error()
	}

	return received, args.domain, expl, authentic, err
}

// Evaluate evaluates an IP against a pre-parsed SPF record. This is useful
// when the record has been looked up and cached separately.
func Evaluate(ctx context.Context, resolver dns.Resolver, record *Record, args Args) (status Status, mechanism string, explanation string, authentic bool, err error) {
	if _, ok := prepareArgs(&args); !ok {
		return StatusNone, "default", "", false, fmt.Errorf("no domain name to validate")
	}
	return evaluate(ctx, resolver, record, args)
}

// prepareArgs sets up the internal fields for SPF verification.
// Returns isHelo (whether the HELO domain is checked) and ok (whether there
// is a domain to check at all).
func prepareArgs(args *Args) (isHelo bool, ok bool) {
	max := int64(args.MaxLookups)
	if max <= 0 {
		max = DefaultMaxLookups
	}
	args.counters = &counters{max: max}
	args.explanation = nil

	if args.MailFromDomain == "" {
		// Null reverse-path: check the HELO identity instead.
		if args.HelloIsIP || args.HelloDomain == "" {
			args.senderLocal = "postmaster"
			return false, false
		}
		args.senderLocal = "postmaster"
		args.senderDomain = args.HelloDomain
		isHelo = true
	} else {
		args.senderLocal = args.MailFromLocal
		if args.senderLocal == "" {
			args.senderLocal = "postmaster"
		}
		args.senderDomain = args.MailFromDomain
	}

	args.domain = args.senderDomain
	return isHelo, true
}

// checkHost performs the SPF check_host algorithm for args.domain.
// The TXT query counts against the lookup budget like any other query.
func checkHost(ctx context.Context, resolver dns.Resolver, args Args) (status Status, txt string, mechanism string, explanation string, authentic bool, err error) {
	if err := args.counters.take(); err != nil {
		return StatusPermerror, "", "", "", true, err
	}

	status, txt, record, authentic, err := Lookup(ctx, resolver, args.domain)
	if err != nil {
		return status, txt, "", "", authentic, err
	}

	status, mechanism, explanation, evalAuthentic, err := evaluate(ctx, resolver, record, args)
	authentic = authentic && evalAuthentic
	return status, txt, mechanism, explanation, authentic, err
}

// evaluate evaluates the SPF record against the args. The first matching
// term wins and its qualifier decides the result.
func evaluate(ctx context.Context, resolver dns.Resolver, record *Record, args Args) (status Status, mechanism string, explanation string, authentic bool, err error) {
	if args.counters == nil {
		args.counters = &counters{max: DefaultMaxLookups}
	}

	authentic = true

	// IPv6-mapped IPv4 normalizes to IPv4 before matching.
	var remote6 net.IP
	remote4 := args.RemoteIP.To4()
	if remote4 == nil {
		remote6 = args.RemoteIP.To16()
	}

	// checkIP checks if an IP matches the remote IP under CIDR masking.
	checkIP := func(ip net.IP, d Directive) bool {
		if remote4 != nil {
			ip4 := ip.To4()
			if ip4 == nil {
				return false
			}
			ones := 32
			if d.IP4CIDRLen != nil {
				ones = *d.IP4CIDRLen
			}
			mask := net.CIDRMask(ones, 32)
			return ip4.Mask(mask).Equal(remote4.Mask(mask))
		}

		ip6 := ip.To16()
		if ip6 == nil {
			return false
		}
		ones := 128
		if d.IP6CIDRLen != nil {
			ones = *d.IP6CIDRLen
		}
		mask := net.CIDRMask(ones, 128)
		return ip6.Mask(mask).Equal(remote6.Mask(mask))
	}

	// lookupIPNet fetches A/AAAA records, filtered by network kind.
	lookupIPNet := func(network, domain string) ([]net.IP, error) {
		if err := args.counters.take(); err != nil {
			return nil, err
		}
		result, err := resolver.LookupIP(ctx, domain)
		authentic = authentic && result.Authentic
		trackVoidLookup(err, &args)
		if err != nil {
			return nil, err
		}
		if network == "ip" {
			return result.Records, nil
		}
		var filtered []net.IP
		for _, ip := range result.Records {
			is4 := ip.To4() != nil
			if network == "ip4" && is4 || network == "ip6" && !is4 {
				filtered = append(filtered, ip)
			}
		}
		if len(filtered) == 0 {
			return nil, dns.ErrDNSNotFound
		}
		return filtered, nil
	}

	// checkHostIP checks if any A/AAAA record for a domain matches.
	checkHostIP := func(domain string, d Directive) (bool, Status, error) {
		ips, err := lookupIPNet("ip", ensureAbsDNS(domain))
		if err != nil && !dns.IsNotFound(err) {
			return false, statusForLookupErr(err), err
		}
		for _, ip := range ips {
			if checkIP(ip, d) {
				return true, StatusPass, nil
			}
		}
		return false, StatusNone, nil
	}

	for _, d := range record.Directives {
		var match bool

		switch d.Mechanism {
		case "all":
			match = true

		case "include":
			name, expAuthentic, err := expandDomainSpec(ctx, resolver, d.DomainSpec, args, true)
			authentic = authentic && expAuthentic
			if err != nil {
				return StatusPermerror, d.String(), "", authentic, fmt.Errorf("expanding include domain: %w", err)
			}

			nargs := args
			nargs.domain = strings.TrimSuffix(name, ".")
			nargs.explanation = &record.Explanation

			includeStatus, _, _, _, incAuthentic, err := checkHost(ctx, resolver, nargs)
			authentic = authentic && incAuthentic

			// Only pass matches at the including record; none and
			// permerror poison the evaluation, temperror propagates.
			switch includeStatus {
			case StatusPass:
				match = true
			case StatusTemperror:
				return StatusTemperror, d.String(), "", authentic, fmt.Errorf("include %q: %w", name, err)
			case StatusPermerror, StatusNone:
				return StatusPermerror, d.String(), "", authentic, fmt.Errorf("include %q resulted in %s: %w", name, includeStatus, err)
			}

		case "a":
			host := args.domain
			if d.DomainSpec != "" {
				h, expAuthentic, err := expandDomainSpec(ctx, resolver, d.DomainSpec, args, true)
				authentic = authentic && expAuthentic
				if err != nil {
					return StatusPermerror, d.String(), "", authentic, err
				}
				host = strings.TrimSuffix(h, ".")
			}

			hmatch, status, err := checkHostIP(host, d)
			if err != nil {
				return status, d.String(), "", authentic, err
			}
			match = hmatch

		case "mx":
			host := args.domain
			if d.DomainSpec != "" {
				h, expAuthentic, err := expandDomainSpec(ctx, resolver, d.DomainSpec, args, true)
				authentic = authentic && expAuthentic
				if err != nil {
					return StatusPermerror, d.String(), "", authentic, err
				}
				host = strings.TrimSuffix(h, ".")
			}

			if err := args.counters.take(); err != nil {
				return StatusPermerror, d.String(), "", authentic, err
			}
			result, err := resolver.LookupMX(ctx, ensureAbsDNS(host))
			authentic = authentic && result.Authentic
			trackVoidLookup(err, &args)
			if err != nil && !dns.IsNotFound(err) {
				return StatusTemperror, d.String(), "", authentic, err
			}
			mxs := result.Records

			// A single "." MX is an explicit null MX.
			if err == nil && len(mxs) == 1 && mxs[0].Host == "." {
				continue
			}

			for i, mx := range mxs {
				if i >= mxPtrLimit {
					return StatusPermerror, d.String(), "", authentic, ErrTooManyDNSRequests
				}
				mxHost := strings.TrimSuffix(mx.Host, ".")
				if mxHost == "" {
					continue
				}

				hmatch, status, err := checkHostIP(mxHost, d)
				if err != nil {
					return status, d.String(), "", authentic, err
				}
				if hmatch {
					match = true
					break
				}
			}

		case "ptr":
			host := args.domain
			if d.DomainSpec != "" {
				h, expAuthentic, err := expandDomainSpec(ctx, resolver, d.DomainSpec, args, true)
				authentic = authentic && expAuthentic
				if err != nil {
					return StatusPermerror, d.String(), "", authentic, err
				}
				host = strings.TrimSuffix(h, ".")
			}

			if err := args.counters.take(); err != nil {
				return StatusPermerror, d.String(), "", authentic, err
			}
			result, err := resolver.LookupAddr(ctx, args.RemoteIP)
			authentic = authentic && result.Authentic
			trackVoidLookup(err, &args)
			if err != nil && !dns.IsNotFound(err) {
				return StatusTemperror, d.String(), "", authentic, err
			}

			lookups := 0
		ptrLoop:
			for _, rname := range result.Records {
				rname = strings.TrimSuffix(rname, ".")
				if rname == "" {
					continue
				}

				if !strings.EqualFold(rname, host) && !strings.HasSuffix(strings.ToLower(rname), "."+strings.ToLower(host)) {
					continue
				}

				if lookups >= mxPtrLimit {
					break
				}
				lookups++

				ips, _ := lookupIPNet("ip", ensureAbsDNS(rname))
				for _, ip := range ips {
					if checkIP(ip, d) {
						match = true
						break ptrLoop
					}
				}
			}

		case "ip4":
			if remote4 != nil {
				match = checkIP(d.IP, d)
			}

		case "ip6":
			if remote6 != nil {
				match = checkIP(d.IP, d)
			}

		case "exists":
			name, expAuthentic, err := expandDomainSpec(ctx, resolver, d.DomainSpec, args, true)
			authentic = authentic && expAuthentic
			if err != nil {
				return StatusPermerror, d.String(), "", authentic, fmt.Errorf("expanding exists domain: %w", err)
			}

			ips, err := lookupIPNet("ip4", ensureAbsDNS(name))
			if err != nil && !dns.IsNotFound(err) {
				return statusForLookupErr(err), d.String(), "", authentic, err
			}
			match = len(ips) > 0

		default:
			return StatusPermerror, d.String(), "", authentic, fmt.Errorf("%w: %s", ErrInvalidMechanism, d.Mechanism)
		}

		if !match {
			continue
		}

		if args.Logger != nil {
			args.Logger.Debug("spf term matched",
				slog.String("domain", args.domain),
				slog.String("term", d.String()))
		}

		switch d.Qualifier {
		case "", "+":
			return StatusPass, d.String(), "", authentic, nil
		case "?":
			return StatusNeutral, d.String(), "", authentic, nil
		case "-":
			expl, expAuthentic := getExplanation(ctx, resolver, record, args)
			authentic = authentic && expAuthentic
			return StatusFail, d.String(), expl, authentic, nil
		case "~":
			return StatusSoftfail, d.String(), "", authentic, nil
		}
	}

	// No mechanism matched and no explicit all: consult redirect.
	if record.Redirect != "" {
		name, expAuthentic, err := expandDomainSpec(ctx, resolver, record.Redirect, args, true)
		authentic = authentic && expAuthentic
		if err != nil {
			return StatusPermerror, "", "", authentic, fmt.Errorf("expanding redirect domain: %w", err)
		}

		nargs := args
		nargs.domain = strings.TrimSuffix(name, ".")
		nargs.explanation = nil // Redirect clears the explanation

		status, _, mechanism, expl, redAuthentic, err := checkHost(ctx, resolver, nargs)
		authentic = authentic && redAuthentic

		if status == StatusNone {
			return StatusPermerror, mechanism, "", authentic, err
		}
		return status, mechanism, expl, authentic, err
	}

	return StatusNeutral, "default", "", authentic, nil
}

// getExplanation fetches and expands the exp= text for a fail result.
// exp= is informational; any error just yields an empty explanation.
func getExplanation(ctx context.Context, resolver dns.Resolver, record *Record, args Args) (string, bool) {
	expl := record.Explanation
	if args.explanation != nil {
		expl = *args.explanation
	}

	if expl == "" {
		return "", true
	}

	// The explanation gets its own lookup accounting.
	args.counters = &counters{max: DefaultMaxLookups}

	name, authentic, err := expandDomainSpec(ctx, resolver, expl, args, true)
	if err != nil || name == "" {
		return "", authentic
	}

	result, err := resolver.LookupTXT(ctx, ensureAbsDNS(name))
	authentic = authentic && result.Authentic
	if err != nil || len(result.Records) == 0 {
		return "", authentic
	}

	txt := strings.Join(result.Records, "")
	s, expAuthentic, err := expandDomainSpec(ctx, resolver, txt, args, false)
	authentic = authentic && expAuthentic
	if err != nil {
		return "", authentic
	}

	return s, authentic
}

// expandDomainSpec expands macros in a domain-spec. isDNS selects the
// domain-spec rules: the c, r and t macros are only allowed in exp= text,
// and DNS names are validated and truncated to 253 octets.
func expandDomainSpec(ctx context.Context, resolver dns.Resolver, spec string, args Args, isDNS bool) (string, bool, error) {
	authentic := true

	var b strings.Builder
	i := 0
	n := len(spec)

	for i < n {
		c := spec[i]
		i++

		if c != '%' {
			b.WriteByte(c)
			continue
		}

		if i >= n {
			return "", authentic, fmt.Errorf("%w: trailing %%", ErrMacroSyntax)
		}
		c = spec[i]
		i++

		switch c {
		case '%':
			b.WriteByte('%')
			continue
		case '_':
			b.WriteByte(' ')
			continue
		case '-':
			b.WriteString("%20")
			continue
		case '{':
			// Macro follows
		default:
			return "", authentic, fmt.Errorf("%w: invalid macro %%%c", ErrMacroSyntax, c)
		}

		if i >= n {
			return "", authentic, fmt.Errorf("%w: incomplete macro", ErrMacroSyntax)
		}
		c = spec[i]
		i++

		upper := false
		if c >= 'A' && c <= 'Z' {
			upper = true
			c += 'a' - 'A'
		}

		var v string
		switch c {
		case 's':
			v = args.senderLocal + "@" + args.senderDomain
		case 'l':
			v = args.senderLocal
		case 'o':
			v = args.senderDomain
		case 'd':
			v = args.domain
		case 'i':
			v = expandIP(args.RemoteIP)
		case 'p':
			// Validated PTR name; expensive and discouraged, but counted.
			if err := args.counters.take(); err != nil {
				return "", authentic, err
			}
			result, err := resolver.LookupAddr(ctx, args.RemoteIP)
			authentic = authentic && result.Authentic
			trackVoidLookup(err, &args)
			if err != nil || len(result.Records) == 0 {
				v = "unknown"
				break
			}
			v = findValidatedPTR(ctx, resolver, result.Records, args, &authentic)
		case 'v':
			if args.RemoteIP.To4() != nil {
				v = "in-addr"
			} else {
				v = "ip6"
			}
		case 'h':
			v = args.HelloDomain
		case 'c':
			if isDNS {
				return "", authentic, fmt.Errorf("%w: macro %%{c} only allowed in exp", ErrMacroSyntax)
			}
			if args.LocalIP != nil {
				v = args.LocalIP.String()
			}
		case 'r':
			if isDNS {
				return "", authentic, fmt.Errorf("%w: macro %%{r} only allowed in exp", ErrMacroSyntax)
			}
			v = args.LocalHostname
		case 't':
			if isDNS {
				return "", authentic, fmt.Errorf("%w: macro %%{t} only allowed in exp", ErrMacroSyntax)
			}
			v = strconv.FormatInt(timeNow().Unix(), 10)
		default:
			return "", authentic, fmt.Errorf("%w: unknown macro letter %c", ErrMacroSyntax, c)
		}

		// Optional digit transformer: keep only the last N labels.
		digits := ""
		for i < n && spec[i] >= '0' && spec[i] <= '9' {
			digits += string(spec[i])
			i++
		}
		nlabels := -1
		if digits != "" {
			nv, err := strconv.Atoi(digits)
			if err != nil {
				return "", authentic, fmt.Errorf("%w: invalid digits %q", ErrMacroSyntax, digits)
			}
			if nv == 0 {
				return "", authentic, fmt.Errorf("%w: zero labels not allowed", ErrMacroSyntax)
			}
			nlabels = nv
		}

		// Optional reverse
		reverse := false
		if i < n && (spec[i] == 'r' || spec[i] == 'R') {
			reverse = true
			i++
		}

		// Optional delimiters
		delim := ""
	delimLoop:
		for i < n {
			switch spec[i] {
			case '.', '-', '+', ',', '/', '_', '=':
				delim += string(spec[i])
				i++
			default:
				break delimLoop
			}
		}

		if i >= n || spec[i] != '}' {
			return "", authentic, fmt.Errorf("%w: missing closing }", ErrMacroSyntax)
		}
		i++

		if nlabels >= 0 || reverse || delim != "" {
			if delim == "" {
				delim = "."
			}
			t := splitByDelim(v, delim)
			if reverse {
				reverseSlice(t)
			}
			if nlabels > 0 && nlabels < len(t) {
				t = t[len(t)-nlabels:]
			}
			v = strings.Join(t, ".")
		}

		if upper {
			v = url.QueryEscape(v)
		}

		b.WriteString(v)
	}

	result := b.String()

	if isDNS {
		isAbs := strings.HasSuffix(result, ".")
		if !isAbs {
			result += "."
		}

		if err := dns.ValidateDomain(strings.TrimSuffix(result, ".")); err != nil {
			return "", authentic, fmt.Errorf("%w: %v", ErrInvalidDomain, err)
		}

		// Truncate to 253 octets by removing labels from the left.
		if len(result) > 254 {
			labels := strings.Split(result, ".")
			for i := range labels {
				if i == len(labels)-1 {
					return "", authentic, fmt.Errorf("%w: expanded domain too long", ErrInvalidDomain)
				}
				s := strings.Join(labels[i+1:], ".")
				if len(s) <= 254 {
					result = s
					break
				}
			}
		}

		if !isAbs {
			result = strings.TrimSuffix(result, ".")
		}
	}

	return result, authentic, nil
}

// findValidatedPTR finds a PTR name that resolves back to the remote IP,
// preferring an exact domain match, then a subdomain, then anything.
func findValidatedPTR(ctx context.Context, resolver dns.Resolver, names []string, args Args, authentic *bool) string {
	domain := strings.ToLower(args.domain) + "."
	dotDomain := "." + domain

	validate := func(name string) bool {
		result, err := resolver.LookupIP(ctx, name)
		*authentic = *authentic && result.Authentic
		trackVoidLookup(err, &args)
		for _, ip := range result.Records {
			if ip.Equal(args.RemoteIP) {
				return true
			}
		}
		return false
	}

	for _, name := range names {
		if strings.EqualFold(name, domain) && validate(name) {
			return strings.TrimSuffix(name, ".")
		}
	}
	for _, name := range names {
		if strings.HasSuffix(strings.ToLower(name), dotDomain) && validate(name) {
			return strings.TrimSuffix(name, ".")
		}
	}
	for _, name := range names {
		lower := strings.ToLower(name)
		if lower != domain && !strings.HasSuffix(lower, dotDomain) && validate(name) {
			return strings.TrimSuffix(name, ".")
		}
	}

	return "unknown"
}

// expandIP expands an IP address for the "i" macro.
func expandIP(ip net.IP) string {
	ip4 := ip.To4()
	if ip4 != nil {
		return ip4.String()
	}
	// IPv6 expands to dotted nibble format.
	ip6 := ip.To16()
	var b strings.Builder
	for i, by := range ip6 {
		if i > 0 {
			b.WriteByte('.')
		}
		fmt.Fprintf(&b, "%x.%x", by>>4, by&0xf)
	}
	return b.String()
}

// ensureAbsDNS ensures a DNS name has a trailing dot.
func ensureAbsDNS(s string) string {
	if !strings.HasSuffix(s, ".") {
		return s + "."
	}
	return s
}

// splitByDelim splits a string by any character in delim.
func splitByDelim(s, delim string) []string {
	isDelim := func(c rune) bool {
		return strings.ContainsRune(delim, c)
	}

	var result []string
	start := 0
	for i, c := range s {
		if isDelim(c) {
			result = append(result, s[start:i])
			start = i + 1
		}
	}
	result = append(result, s[start:])
	return result
}

// reverseSlice reverses a slice in place.
func reverseSlice(s []string) {
	n := len(s)
	for i := range n / 2 {
		s[i], s[n-1-i] = s[n-1-i], s[i]
	}
}

// trackVoidLookup counts lookups that produced no records; useful answers
// reset the run.
func trackVoidLookup(err error, args *Args) {
	if dns.IsNotFound(err) {
		args.counters.voids.Add(1)
	} else if err == nil {
		args.counters.voids.Store(0)
	}
}
