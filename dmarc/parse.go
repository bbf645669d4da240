package dmarc

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/augjoh/mailauth/dkim"
)

// ParseRecord parses a DMARC TXT record string.
//
// DMARC records are DKIM-style tag lists, so the shared tag-list parser
// does the splitting; this function interprets the tags. Values that are
// case-insensitive in DMARC are returned in lower case for easy comparison.
//
// Returns the parsed record, whether the string looks like a DMARC record
// (starts with "v=DMARC1"), and any parsing error.
func ParseRecord(s string) (record *Record, isDMARC bool, err error) {
	return parseRecord(s, true)
}

// ParseRecordNoRequired is like ParseRecord but doesn't check for required
// fields. This is used for parsing _report._dmarc records published to opt
// in to receiving reports for other domains, which may be as small as
// "v=DMARC1".
func ParseRecordNoRequired(s string) (record *Record, isDMARC bool, err error) {
	return parseRecord(s, false)
}

// looksLikeDMARC reports whether the record opens with a v=DMARC1 tag,
// tolerating whitespace around the '=' but requiring the exact version
// case, per RFC 7489 Section 6.3.
func looksLikeDMARC(s string) bool {
	rest := strings.TrimLeft(s, " \t")
	if !strings.HasPrefix(rest, "v") {
		return false
	}
	rest = strings.TrimLeft(rest[1:], " \t")
	if !strings.HasPrefix(rest, "=") {
		return false
	}
	return strings.HasPrefix(strings.TrimLeft(rest[1:], " \t"), "DMARC1")
}

func parseRecord(s string, checkRequired bool) (*Record, bool, error) {
	isDMARC := looksLikeDMARC(s)

	tags, err := dkim.ParseTagList(s)
	if err != nil {
		return nil, isDMARC, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	if !isDMARC || len(tags.Tags) == 0 || tags.Tags[0].Name != "v" {
		return nil, false, fmt.Errorf("%w: not a DMARC1 record", ErrSyntax)
	}
	if tags.Tags[0].Value != "DMARC1" {
		return nil, isDMARC, fmt.Errorf("%w: bad version %q", ErrSyntax, tags.Tags[0].Value)
	}

	r := DefaultRecord

	position := 0 // tags handled after v=, ignoring empty segments
	for _, tag := range tags.Tags[1:] {
		if tag.Name == "" {
			continue
		}
		position++

		var err error
		switch tag.Name {
		case "p":
			// The policy must directly follow the version tag.
			if position != 1 {
				err = fmt.Errorf("policy must be the first tag after v=")
				break
			}
			r.Policy, err = parsePolicy(tag.Value)

		case "sp":
			// Validated together with p= after the loop.
			r.SubdomainPolicy = Policy(strings.ToLower(tag.Value))

		case "rua":
			r.AggregateReportAddresses, err = parseURIList(tag.Value)

		case "ruf":
			r.FailureReportAddresses, err = parseURIList(tag.Value)

		case "adkim":
			r.ADKIM, err = parseAlign(tag.Value)

		case "aspf":
			r.ASPF, err = parseAlign(tag.Value)

		case "ri":
			r.AggregateReportingInterval, err = parseNonNegative(tag.Value)

		case "fo":
			r.FailureReportingOptions, err = parseOptionList(tag.Value, "0", "1", "d", "s")

		case "rf":
			r.ReportingFormat, err = parseKeywordList(tag.Value)

		case "pct":
			r.Percentage, err = parseNonNegative(tag.Value)
			if err == nil && r.Percentage > 100 {
				err = fmt.Errorf("percentage %d out of range", r.Percentage)
			}

		default:
			// Unknown tags are ignored per RFC 7489 Section 6.3.
		}
		if err != nil {
			return nil, true, fmt.Errorf("%w: %s=: %v", ErrSyntax, tag.Name, err)
		}
	}

	// p= is required, and sp= must name a real policy when present. An
	// unusable policy with a usable rua= degrades to p=none per RFC 7489
	// Section 6.6.3.
	if checkRequired && (!tags.Has("p") || !validSubdomainPolicy(r.SubdomainPolicy)) {
		if len(r.AggregateReportAddresses) > 0 {
			r.Policy = PolicyNone
			r.SubdomainPolicy = PolicyEmpty
		} else {
			return nil, true, fmt.Errorf("%w: no usable policy and no aggregate report address", ErrSyntax)
		}
	}

	return &r, true, nil
}

// parsePolicy parses a p= value.
func parsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "none":
		return PolicyNone, nil
	case "quarantine":
		return PolicyQuarantine, nil
	case "reject":
		return PolicyReject, nil
	}
	return "", fmt.Errorf("unknown policy %q", s)
}

// validSubdomainPolicy reports whether an sp= value (possibly absent) is
// usable.
func validSubdomainPolicy(p Policy) bool {
	switch p {
	case PolicyEmpty, PolicyNone, PolicyQuarantine, PolicyReject:
		return true
	}
	return false
}

// parseAlign parses an adkim=/aspf= value.
func parseAlign(s string) (Align, error) {
	switch strings.ToLower(s) {
	case "r":
		return AlignRelaxed, nil
	case "s":
		return AlignStrict, nil
	}
	return "", fmt.Errorf("unknown alignment mode %q", s)
}

// parseNonNegative parses a decimal number.
func parseNonNegative(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return n, nil
}

// parseOptionList parses a colon-separated list whose elements must come
// from the allowed set, e.g. fo=0:1:d:s.
func parseOptionList(s string, allowed ...string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(s, ":") {
		part = strings.ToLower(strings.TrimSpace(part))
		if !slices.Contains(allowed, part) {
			return nil, fmt.Errorf("unknown option %q", part)
		}
		out = append(out, part)
	}
	return out, nil
}

// parseKeywordList parses a colon-separated list of SMTP-style keywords,
// e.g. rf=afrf.
func parseKeywordList(s string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(s, ":") {
		part = strings.TrimSpace(part)
		if !isKeyword(part) {
			return nil, fmt.Errorf("invalid keyword %q", part)
		}
		out = append(out, part)
	}
	return out, nil
}

// isKeyword reports whether s is alphanumeric with interior dashes.
func isKeyword(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		alnum := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
		if !alnum && !(c == '-' && i > 0 && i < len(s)-1) {
			return false
		}
	}
	return true
}

// parseURIList parses a comma-separated rua=/ruf= value.
func parseURIList(s string) ([]URI, error) {
	var uris []URI
	for _, part := range strings.Split(s, ",") {
		uri, err := parseURI(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		uris = append(uris, uri)
	}
	return uris, nil
}

// parseURI parses a single report URI with an optional "!size[unit]"
// suffix; units k/m/g/t are powers of two.
func parseURI(s string) (URI, error) {
	if s == "" {
		return URI{}, fmt.Errorf("empty report URI")
	}

	address, size, hasSize := strings.Cut(s, "!")

	u, err := url.Parse(address)
	if err != nil {
		return URI{}, fmt.Errorf("parsing uri %q: %v", address, err)
	}
	if u.Scheme == "" {
		return URI{}, fmt.Errorf("missing scheme in uri %q", address)
	}

	uri := URI{Address: address}
	if hasSize {
		if size == "" {
			return URI{}, fmt.Errorf("empty size in uri %q", s)
		}
		switch size[len(size)-1] {
		case 'k', 'K', 'm', 'M', 'g', 'G', 't', 'T':
			uri.Unit = strings.ToLower(size[len(size)-1:])
			size = size[:len(size)-1]
		}
		uri.MaxSize, err = strconv.ParseUint(size, 10, 64)
		if err != nil {
			return URI{}, fmt.Errorf("invalid size in uri %q: %v", s, err)
		}
	}

	return uri, nil
}
