package dkim

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/idna"

	"github.com/augjoh/mailauth/message"
)

// Signature represents a parsed DKIM-Signature header (RFC 6376 Section 3.5).
type Signature struct {
	// Required fields
	Version       int      // v= Version, must be 1
	Algorithm     string   // a= Algorithm (e.g., "rsa-sha256")
	Signature     []byte   // b= Signature data
	BodyHash      []byte   // bh= Body hash
	Domain        string   // d= Signing domain
	SignedHeaders []string // h= Signed header fields
	Selector      string   // s= Selector

	// Optional fields
	Canonicalization string   // c= Canonicalization (e.g., "relaxed/simple")
	Identity         string   // i= Agent or User Identifier (AUID)
	Length           int64    // l= Body length limit (-1 if not set)
	QueryMethods     []string // q= Query methods
	SignTime         int64    // t= Signature timestamp (-1 if not set)
	ExpireTime       int64    // x= Signature expiration (-1 if not set)
	CopiedHeaders    []string // z= Copied header fields
}

// NewSignature creates a new Signature with default values.
func NewSignature() *Signature {
	return &Signature{
		Version:          1,
		Canonicalization: "simple/simple",
		Length:           -1,
		SignTime:         -1,
		ExpireTime:       -1,
	}
}

// AlgorithmSign returns the signing algorithm part (e.g., "rsa" from "rsa-sha256").
func (s *Signature) AlgorithmSign() string {
	sign, _, _ := strings.Cut(s.Algorithm, "-")
	return sign
}

// AlgorithmHash returns the hash algorithm part (e.g., "sha256" from "rsa-sha256").
func (s *Signature) AlgorithmHash() string {
	_, hash, _ := strings.Cut(s.Algorithm, "-")
	return hash
}

// HeaderCanon returns the header canonicalization algorithm.
func (s *Signature) HeaderCanon() Canonicalization {
	head, _, _ := strings.Cut(s.Canonicalization, "/")
	if strings.EqualFold(head, string(CanonRelaxed)) {
		return CanonRelaxed
	}
	return CanonSimple
}

// BodyCanon returns the body canonicalization algorithm.
// The default body canonicalization is "simple".
func (s *Signature) BodyCanon() Canonicalization {
	_, body, ok := strings.Cut(s.Canonicalization, "/")
	if ok && strings.EqualFold(body, string(CanonRelaxed)) {
		return CanonRelaxed
	}
	return CanonSimple
}

// IsExpired returns true if the signature has expired.
func (s *Signature) IsExpired() bool {
	if s.ExpireTime < 0 {
		return false
	}
	return timeNow().Unix() > s.ExpireTime
}

// headerWriter helps create DKIM-Signature headers with proper folding.
// Lines are folded at 76 columns with a CRLF-SP continuation (RFC 5322).
type headerWriter struct {
	b        strings.Builder
	lineLen  int
	nonfirst bool
}

// add adds text, folding to a new line if it would exceed the limit.
func (w *headerWriter) add(sep, text string) {
	const maxLen = 76

	n := len(text)
	if w.nonfirst && w.lineLen > 1 && w.lineLen+len(sep)+n > maxLen {
		w.b.WriteString("\r\n ")
		w.lineLen = 1
	} else if w.nonfirst && sep != "" {
		w.b.WriteString(sep)
		w.lineLen += len(sep)
	}
	w.b.WriteString(text)
	w.lineLen += len(text)
	w.nonfirst = true
}

// addf formats and adds text.
func (w *headerWriter) addf(sep, format string, args ...any) {
	w.add(sep, fmt.Sprintf(format, args...))
}

// addWrap adds data that can be wrapped at any position (like base64),
// in segments of at most 75 characters.
func (w *headerWriter) addWrap(data []byte) {
	const maxSegment = 75

	for len(data) > 0 {
		n := maxSegment - w.lineLen
		if n <= 0 {
			w.b.WriteString("\r\n ")
			w.lineLen = 1
			n = maxSegment - 1
		}
		if n > len(data) {
			n = len(data)
		}
		w.b.Write(data[:n])
		w.lineLen += n
		data = data[n:]
	}
}

// String returns the header content (without trailing CRLF).
func (w *headerWriter) String() string {
	return w.b.String()
}

// aLabel converts a domain to its A-label (ASCII) form for DNS and header
// emission. Invalid input is returned unchanged; verification against DNS
// will fail on its own terms.
func aLabel(domain string) string {
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return domain
	}
	return ascii
}

// aLabelIdentity converts the domain part of an i= identity to A-labels.
func aLabelIdentity(identity string) string {
	at := strings.LastIndexByte(identity, '@')
	if at < 0 {
		return identity
	}
	return identity[:at+1] + aLabel(identity[at+1:])
}

// Header generates the DKIM-Signature header string without trailing CRLF.
// Tags are emitted in the canonical order v,a,c,d,h,i,l,q,s,t,x,z,bh,b with
// absent optional tags omitted. If includeSignature is false, the b= value
// is left empty: the initial emission with an empty b= lets the header be
// included in its own signed input.
func (s *Signature) Header(includeSignature bool) (string, error) {
	w := &headerWriter{}

	w.addf("", "DKIM-Signature: v=%d;", s.Version)
	w.addf(" ", "a=%s;", s.Algorithm)

	if s.Canonicalization != "" {
		w.addf(" ", "c=%s;", s.Canonicalization)
	}

	w.addf(" ", "d=%s;", aLabel(s.Domain))

	// Signed headers (required)
	for i, h := range s.SignedHeaders {
		sep := ""
		if i == 0 {
			h = "h=" + h
			sep = " "
		}
		if i < len(s.SignedHeaders)-1 {
			h += ":"
		} else {
			h += ";"
		}
		w.add(sep, h)
	}

	if s.Identity != "" {
		w.addf(" ", "i=%s;", aLabelIdentity(s.Identity))
	}

	if s.Length >= 0 {
		w.addf(" ", "l=%d;", s.Length)
	}

	// Query methods (only if not default dns/txt)
	if len(s.QueryMethods) > 0 && !(len(s.QueryMethods) == 1 && strings.EqualFold(s.QueryMethods[0], "dns/txt")) {
		w.addf(" ", "q=%s;", strings.Join(s.QueryMethods, ":"))
	}

	w.addf(" ", "s=%s;", aLabel(s.Selector))

	if s.SignTime >= 0 {
		w.addf(" ", "t=%d;", s.SignTime)
	}

	if s.ExpireTime >= 0 {
		w.addf(" ", "x=%d;", s.ExpireTime)
	}

	// Copied headers (optional)
	for i, h := range s.CopiedHeaders {
		name, value, ok := strings.Cut(h, ":")
		var encoded string
		if ok {
			encoded = name + ":" + encodeCopiedHeader(value)
		} else {
			encoded = encodeCopiedHeader(h)
		}

		sep := ""
		if i == 0 {
			encoded = "z=" + encoded
			sep = " "
		}
		if i < len(s.CopiedHeaders)-1 {
			encoded += "|"
		} else {
			encoded += ";"
		}
		w.add(sep, encoded)
	}

	// Body hash (required)
	w.add(" ", "bh=")
	w.addWrap([]byte(base64.StdEncoding.EncodeToString(s.BodyHash)))
	w.add("", ";")

	// Signature, always last so the unsigned emission ends with "b="
	w.add(" ", "b=")
	if includeSignature && len(s.Signature) > 0 {
		w.addWrap([]byte(base64.StdEncoding.EncodeToString(s.Signature)))
	}

	header := w.String()
	if err := message.CheckEmission(header); err != nil {
		return "", err
	}
	return header, nil
}

// encodeCopiedHeader encodes a header value for the z= tag using DKIM quoted-printable.
func encodeCopiedHeader(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for _, c := range []byte(s) {
		// DKIM-safe-char: printable ASCII except ; = | :
		if c > ' ' && c < 0x7f && c != ';' && c != '=' && c != '|' && c != ':' {
			b.WriteByte(c)
		} else {
			b.WriteByte('=')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}

// RemoveBValue returns the raw header bytes with the b= tag's value removed
// (the "b=" itself is retained), as required when reconstructing the signed
// input of a signature header. All other bytes, including folding
// whitespace, are preserved exactly.
func RemoveBValue(raw []byte) []byte {
	for i := 0; i+1 < len(raw); i++ {
		if raw[i] != 'b' && raw[i] != 'B' {
			continue
		}

		// A tag name is preceded, ignoring FWS, by ';' or the header colon.
		// Checking the non-FWS byte avoids matching a 'b' inside a folded
		// base64 value.
		k := i - 1
		for k >= 0 && (raw[k] == ' ' || raw[k] == '\t' || raw[k] == '\r' || raw[k] == '\n') {
			k--
		}
		if k >= 0 && raw[k] != ';' && raw[k] != ':' {
			continue
		}

		// Skip FWS between the name and '='.
		j := i + 1
		for j < len(raw) && (raw[j] == ' ' || raw[j] == '\t' || raw[j] == '\r' || raw[j] == '\n') {
			j++
		}
		if j >= len(raw) || raw[j] != '=' {
			continue
		}

		// Value runs to the next ';' or end of header.
		end := j + 1
		for end < len(raw) && raw[end] != ';' {
			end++
		}

		out := make([]byte, 0, len(raw))
		out = append(out, raw[:j+1]...)
		out = append(out, raw[end:]...)
		return out
	}
	return raw
}

// ParseSignature parses a DKIM-Signature header. The input must include the
// header name. Returns the parsed signature and the original header bytes
// with the b= value removed, for signature verification.
func ParseSignature(header string) (*Signature, []byte, error) {
	raw := []byte(strings.TrimSuffix(header, "\r\n"))

	colon := bytes.IndexByte(raw, ':')
	if colon < 0 {
		return nil, nil, fmt.Errorf("%w: missing colon", ErrHeaderMalformed)
	}
	name := strings.ToLower(strings.TrimSpace(string(raw[:colon])))
	if name != "dkim-signature" {
		return nil, nil, fmt.Errorf("%w: not a DKIM-Signature header", ErrHeaderMalformed)
	}

	value := message.Unfold(string(raw[colon+1:]))

	sig, err := parseSignatureTags(value)
	if err != nil {
		return nil, nil, err
	}

	return sig, RemoveBValue(raw), nil
}

// parseSignatureTags parses the tag list of a DKIM-Signature value.
func parseSignatureTags(value string) (*Signature, error) {
	tags, err := ParseTagList(value)
	if err != nil {
		return nil, err
	}

	sig := NewSignature()

	for _, tag := range tags.Tags {
		switch tag.Name {
		case "":
			// Empty tag, preserved by the parser but meaningless here.

		case "v":
			v, err := strconv.Atoi(tag.Value)
			if err != nil || v != 1 {
				return nil, fmt.Errorf("%w: %s", ErrInvalidVersion, tag.Value)
			}
			sig.Version = v

		case "a":
			sig.Algorithm = strings.ToLower(tag.Value)

		case "b":
			decoded, err := base64.StdEncoding.DecodeString(stripWhitespace(tag.Value))
			if err != nil {
				return nil, fmt.Errorf("%w: invalid b= encoding: %v", ErrHeaderMalformed, err)
			}
			sig.Signature = decoded

		case "bh":
			decoded, err := base64.StdEncoding.DecodeString(stripWhitespace(tag.Value))
			if err != nil {
				return nil, fmt.Errorf("%w: invalid bh= encoding: %v", ErrHeaderMalformed, err)
			}
			sig.BodyHash = decoded

		case "c":
			sig.Canonicalization = strings.ToLower(tag.Value)

		case "d":
			sig.Domain = strings.ToLower(tag.Value)

		case "h":
			for _, h := range strings.Split(tag.Value, ":") {
				h = strings.TrimSpace(h)
				if h != "" {
					sig.SignedHeaders = append(sig.SignedHeaders, h)
				}
			}

		case "i":
			sig.Identity = tag.Value

		case "l":
			l, err := strconv.ParseInt(tag.Value, 10, 64)
			if err != nil || l < 0 {
				return nil, fmt.Errorf("%w: invalid l= value %q", ErrHeaderMalformed, tag.Value)
			}
			sig.Length = l

		case "q":
			for _, m := range strings.Split(tag.Value, ":") {
				m = strings.TrimSpace(m)
				if m != "" {
					sig.QueryMethods = append(sig.QueryMethods, m)
				}
			}

		case "s":
			sig.Selector = strings.ToLower(tag.Value)

		case "t":
			t, err := strconv.ParseInt(tag.Value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid t= value %q", ErrHeaderMalformed, tag.Value)
			}
			sig.SignTime = t

		case "x":
			x, err := strconv.ParseInt(tag.Value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid x= value %q", ErrHeaderMalformed, tag.Value)
			}
			sig.ExpireTime = x

		case "z":
			for _, h := range strings.Split(tag.Value, "|") {
				sig.CopiedHeaders = append(sig.CopiedHeaders, decodeCopiedHeader(h))
			}
		}
	}

	// Validate required tags
	for _, tag := range []string{"v", "a", "b", "bh", "d", "h", "s"} {
		if !tags.Has(tag) {
			return nil, fmt.Errorf("%w: %s", ErrMissingTag, tag)
		}
	}

	// Body hash length must match the hash algorithm (RFC 6376)
	switch sig.AlgorithmHash() {
	case "sha1":
		if len(sig.BodyHash) != 20 {
			return nil, fmt.Errorf("%w: bh= is %d bytes, want 20 for sha1", ErrHeaderMalformed, len(sig.BodyHash))
		}
	case "sha256":
		if len(sig.BodyHash) != 32 {
			return nil, fmt.Errorf("%w: bh= is %d bytes, want 32 for sha256", ErrHeaderMalformed, len(sig.BodyHash))
		}
	}

	if sig.SignTime >= 0 && sig.ExpireTime >= 0 && sig.SignTime >= sig.ExpireTime {
		return nil, fmt.Errorf("%w: sign time >= expire time", ErrSigExpired)
	}

	// Identity domain must be the signing domain or a subdomain of it.
	if sig.Identity != "" {
		if at := strings.LastIndexByte(sig.Identity, '@'); at >= 0 {
			identityDomain := strings.ToLower(sig.Identity[at+1:])
			if identityDomain != sig.Domain && !strings.HasSuffix(identityDomain, "."+sig.Domain) {
				return nil, fmt.Errorf("%w: identity domain %s not under signing domain %s",
					ErrDomainIdentityMismatch, identityDomain, sig.Domain)
			}
		}
	}

	return sig, nil
}

// decodeCopiedHeader decodes a DKIM quoted-printable encoded header.
func decodeCopiedHeader(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '=' && i+2 < len(s) {
			hi := hexVal(s[i+1])
			lo := hexVal(s[i+2])
			if hi >= 0 && lo >= 0 {
				b.WriteByte(byte(hi<<4 | lo))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'F':
		return int(c - 'A' + 10)
	case c >= 'a' && c <= 'f':
		return int(c - 'a' + 10)
	}
	return -1
}
