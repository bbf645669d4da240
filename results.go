package mailauth

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/augjoh/mailauth/arc"
	"github.com/augjoh/mailauth/bimi"
	"github.com/augjoh/mailauth/dkim"
	"github.com/augjoh/mailauth/dmarc"
	"github.com/augjoh/mailauth/spf"
)

// methodResult is one method section of an Authentication-Results header.
type methodResult struct {
	method string
	status string
	// comment is rendered parenthesized after the status.
	comment string
	// props are key=value pairs like "header.d=example.com".
	props []string
}

func (m methodResult) String() string {
	var b strings.Builder
	b.WriteString(m.method)
	b.WriteByte('=')
	b.WriteString(m.status)
	if m.comment != "" {
		b.WriteString(" (")
		b.WriteString(m.comment)
		b.WriteString(")")
	}
	for _, p := range m.props {
		b.WriteByte(' ')
		b.WriteString(p)
	}
	return b.String()
}

// formatAuthResults renders an Authentication-Results header: the MTA
// identifier followed by one folded section per method.
func formatAuthResults(mta string, methods []methodResult) string {
	var b strings.Builder
	b.WriteString("Authentication-Results: ")
	b.WriteString(mta)
	if len(methods) == 0 {
		b.WriteString("; none")
		return b.String()
	}
	for _, m := range methods {
		b.WriteString(";\r\n ")
		b.WriteString(m.String())
	}
	return b.String()
}

// methodsValue renders the method sections without the leading MTA, as
// recorded inside an ARC-Authentication-Results instance.
func methodsValue(methods []methodResult) string {
	parts := make([]string, len(methods))
	for i, m := range methods {
		parts[i] = m.String()
	}
	return strings.Join(parts, ";\r\n ")
}

// bPrefix returns the first 8 characters of the base64 b= value, used in
// header.b to disambiguate multiple signatures from one domain.
func bPrefix(sig []byte) string {
	b64 := base64.StdEncoding.EncodeToString(sig)
	if len(b64) > 8 {
		b64 = b64[:8]
	}
	return b64
}

// dkimMethods renders one method section per verified signature.
func dkimMethods(results []dkim.Result) []methodResult {
	var methods []methodResult
	for _, r := range results {
		m := methodResult{method: "dkim", status: string(r.Status)}
		if r.Err != nil && r.Status != dkim.StatusPass {
			m.comment = compactError(r.Err)
		}
		if sig := r.Signature; sig != nil {
			identity := sig.Identity
			if identity == "" {
				identity = "@" + sig.Domain
			}
			m.props = append(m.props,
				"header.i="+identity,
				"header.s="+sig.Selector,
				"header.a="+sig.Algorithm,
				`header.b="`+bPrefix(sig.Signature)+`"`,
			)
		}
		if r.Status == dkim.StatusPolicy && r.PolicyRule != "" {
			m.props = append(m.props, "policy.dkim-rules="+r.PolicyRule)
		}
		methods = append(methods, m)
	}
	return methods
}

// spfMethod renders the spf method section.
func spfMethod(received spf.Received) methodResult {
	m := methodResult{
		method:  "spf",
		status:  string(received.Result),
		comment: received.Comment,
	}
	if received.EnvelopeFrom != "" {
		m.props = append(m.props, "smtp.mailfrom="+received.EnvelopeFrom)
	}
	if received.Helo != "" {
		m.props = append(m.props, "smtp.helo="+received.Helo)
	}
	return m
}

// dmarcMethod renders the dmarc method section.
func dmarcMethod(result dmarc.Result) methodResult {
	m := methodResult{
		method: "dmarc",
		status: string(result.Status),
		props:  []string{"header.from=" + result.FromDomain},
	}
	if result.Record != nil {
		m.props = append(m.props, "policy.published-domain-policy="+string(result.Record.Policy))
	}
	return m
}

// arcMethod renders the arc method section.
func arcMethod(result *arc.Result) methodResult {
	m := methodResult{method: "arc", status: string(result.Status)}
	switch result.Status {
	case arc.StatusPass:
		var parts []string
		if result.Instance > 0 {
			parts = append(parts, "i="+strconv.Itoa(result.Instance))
		}
		if d := result.SealDomain(); d != "" {
			parts = append(parts, "d="+d)
		}
		m.comment = strings.Join(parts, " ")
	case arc.StatusFail:
		var parts []string
		if result.FailedInstance > 0 {
			parts = append(parts, "i="+strconv.Itoa(result.FailedInstance))
		}
		if result.FailedReason != "" {
			parts = append(parts, compactError(errorString(result.FailedReason)))
		}
		m.comment = strings.Join(parts, " ")
	}
	return m
}

// errorString adapts a plain string to the error interface for compactError.
type errorString string

func (e errorString) Error() string { return string(e) }

// bimiMethod renders the bimi method section.
func bimiMethod(result bimi.Result) methodResult {
	m := methodResult{method: "bimi", status: string(result.Status)}
	if result.Status == bimi.StatusPass || result.Status == bimi.StatusDeclined {
		m.props = append(m.props,
			"header.d="+result.Domain,
			"header.selector="+result.Selector,
		)
	}
	return m
}

// compactError flattens an error for use inside a header comment.
func compactError(err error) string {
	s := err.Error()
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "(", "[")
	s = strings.ReplaceAll(s, ")", "]")
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

