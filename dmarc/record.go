package dmarc

import (
	"strconv"
	"strings"
)

// uriEscaper escapes the two characters that have meaning inside rua=/ruf=
// values: the list separator and the size separator.
var uriEscaper = strings.NewReplacer(",", "%2C", "!", "%21")

// URI is a destination address for DMARC aggregate or failure reports,
// with an optional maximum report size.
type URI struct {
	// Address is the full URI, typically a mailto: address.
	Address string

	// MaxSize is the maximum report size, zero for no limit.
	MaxSize uint64

	// Unit scales MaxSize: "" (bytes), "k", "m", "g", or "t",
	// in powers of two.
	Unit string
}

// String renders the URI for use inside a DMARC record, escaping the
// characters that would terminate the value.
func (u URI) String() string {
	s := uriEscaper.Replace(u.Address)
	if u.MaxSize > 0 {
		s += "!" + strconv.FormatUint(u.MaxSize, 10) + u.Unit
	}
	return s
}

// Record is a parsed DMARC DNS TXT record.
//
// Example record:
//
//	v=DMARC1; p=reject; rua=mailto:dmarc@example.com
type Record struct {
	// Version must be "DMARC1".
	Version string

	// Policy is the action the domain owner requests for mail that fails
	// DMARC. Required in published records.
	Policy Policy

	// SubdomainPolicy overrides Policy for mail from subdomains.
	// PolicyEmpty means Policy applies everywhere.
	SubdomainPolicy Policy

	// ADKIM and ASPF select strict or relaxed identifier alignment for
	// the two mechanisms. Both default to relaxed.
	ADKIM Align
	ASPF  Align

	// AggregateReportAddresses receive rua aggregate reports.
	AggregateReportAddresses []URI

	// FailureReportAddresses receive ruf per-message failure reports.
	FailureReportAddresses []URI

	// AggregateReportingInterval is the requested seconds between
	// aggregate reports, 86400 by default.
	AggregateReportingInterval int

	// FailureReportingOptions are the fo= conditions under which failure
	// reports are requested: "0" all mechanisms fail (default), "1" any
	// mechanism fails, "d" DKIM failure, "s" SPF failure.
	FailureReportingOptions []string

	// ReportingFormat lists the accepted failure report formats,
	// "afrf" by default.
	ReportingFormat []string

	// Percentage samples how many failing messages the policy applies
	// to, 0-100 with a default of 100.
	Percentage int
}

// DefaultRecord holds the RFC 7489 default values for a DMARC record.
var DefaultRecord = Record{
	Version:                    "DMARC1",
	ADKIM:                      AlignRelaxed,
	ASPF:                       AlignRelaxed,
	AggregateReportingInterval: 86400,
	FailureReportingOptions:    []string{"0"},
	ReportingFormat:            []string{"afrf"},
	Percentage:                 100,
}

// String renders the record for DNS TXT publication. Tags whose value
// equals the RFC default are omitted.
func (r Record) String() string {
	tags := []string{"v=" + r.Version}
	add := func(name, value string) {
		tags = append(tags, name+"="+value)
	}

	if r.Policy != PolicyEmpty {
		add("p", string(r.Policy))
	}
	if r.SubdomainPolicy != PolicyEmpty {
		add("sp", string(r.SubdomainPolicy))
	}
	if len(r.AggregateReportAddresses) > 0 {
		add("rua", joinURIs(r.AggregateReportAddresses))
	}
	if len(r.FailureReportAddresses) > 0 {
		add("ruf", joinURIs(r.FailureReportAddresses))
	}
	if r.ADKIM != AlignRelaxed {
		add("adkim", string(r.ADKIM))
	}
	if r.ASPF != AlignRelaxed {
		add("aspf", string(r.ASPF))
	}
	if r.AggregateReportingInterval != 86400 {
		add("ri", strconv.Itoa(r.AggregateReportingInterval))
	}
	if opts := strings.Join(r.FailureReportingOptions, ":"); opts != "" && opts != "0" {
		add("fo", opts)
	}
	if formats := strings.Join(r.ReportingFormat, ":"); formats != "" && formats != "afrf" {
		add("rf", formats)
	}
	if r.Percentage != 100 {
		add("pct", strconv.Itoa(r.Percentage))
	}

	return strings.Join(tags, "; ")
}

// joinURIs renders a rua=/ruf= address list.
func joinURIs(uris []URI) string {
	parts := make([]string, len(uris))
	for i, u := range uris {
		parts[i] = u.String()
	}
	return strings.Join(parts, ",")
}

// EffectivePolicy returns the policy that applies to mail from the given
// origin: the subdomain policy when one is published and the mail came
// from a subdomain, the main policy otherwise.
func (r *Record) EffectivePolicy(isSubdomain bool) Policy {
	if !isSubdomain || r.SubdomainPolicy == PolicyEmpty {
		return r.Policy
	}
	return r.SubdomainPolicy
}
