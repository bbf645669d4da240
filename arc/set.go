package arc

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/augjoh/mailauth/dkim"
)

// Set represents a complete ARC set for a single instance.
// Each set contains exactly one of each header type with matching instance
// numbers.
type Set struct {
	// Instance is the ARC set instance number (i= tag), 1..MaxInstance.
	Instance int

	// AuthenticationResults is the parsed ARC-Authentication-Results header.
	AuthenticationResults *AuthenticationResults

	// MessageSignature is the parsed ARC-Message-Signature header.
	MessageSignature *MessageSignature

	// Seal is the parsed ARC-Seal header.
	Seal *Seal
}

// AuthenticationResults represents a parsed ARC-Authentication-Results
// header. Per RFC 8617, this header preserves the authentication results
// observed by an intermediary.
type AuthenticationResults struct {
	// Instance is the ARC set instance number (i= tag).
	Instance int

	// AuthServID is the authentication service identifier (required).
	AuthServID string

	// Results contains the authentication results string as received.
	Results string

	// Raw is the complete raw header value.
	Raw string
}

// MessageSignature represents a parsed ARC-Message-Signature header.
// This is a DKIM-style signature with an instance number.
type MessageSignature struct {
	Instance      int      // i= Required
	Version       int      // v= Must be 1 when present
	Algorithm     string   // a= Required
	Signature     []byte   // b= Required
	BodyHash      []byte   // bh= Required
	Domain        string   // d= Required
	SignedHeaders []string // h= Required
	Selector      string   // s= Required

	// Canonicalization is "header/body"; ARC defaults to relaxed/relaxed.
	Canonicalization string

	Length     int64 // l= -1 if not set
	Timestamp  int64 // t= -1 if not set
	Expiration int64 // x= -1 if not set

	// Raw is the complete raw header value.
	Raw string
}

// Seal represents a parsed ARC-Seal header, which signs the chain.
type Seal struct {
	Instance        int             // i= Required
	Version         int             // v= Must be 1 when present
	Algorithm       string          // a= Required
	Signature       []byte          // b= Required
	Domain          string          // d= Required
	Selector        string          // s= Required
	ChainValidation ChainValidation // cv= Required
	Timestamp       int64           // t= -1 if not set

	// Raw is the complete raw header value.
	Raw string
}

// HeaderCanon returns the AMS header canonicalization algorithm.
func (ms *MessageSignature) HeaderCanon() dkim.Canonicalization {
	head, _, _ := strings.Cut(ms.Canonicalization, "/")
	if strings.EqualFold(strings.TrimSpace(head), "simple") {
		return dkim.CanonSimple
	}
	return dkim.CanonRelaxed
}

// BodyCanon returns the AMS body canonicalization algorithm.
func (ms *MessageSignature) BodyCanon() dkim.Canonicalization {
	_, body, ok := strings.Cut(ms.Canonicalization, "/")
	if ok && strings.EqualFold(strings.TrimSpace(body), "simple") {
		return dkim.CanonSimple
	}
	return dkim.CanonRelaxed
}

// AlgorithmHash returns the hash algorithm part (e.g., "sha256").
func (ms *MessageSignature) AlgorithmHash() string {
	_, hash, _ := strings.Cut(ms.Algorithm, "-")
	return strings.ToLower(hash)
}

// AlgorithmSign returns the signing algorithm part (e.g., "rsa").
func (ms *MessageSignature) AlgorithmSign() string {
	sign, _, _ := strings.Cut(ms.Algorithm, "-")
	return strings.ToLower(sign)
}

// AlgorithmHash returns the hash algorithm part for the seal.
func (s *Seal) AlgorithmHash() string {
	_, hash, _ := strings.Cut(s.Algorithm, "-")
	return strings.ToLower(hash)
}

// AlgorithmSign returns the signing algorithm part for the seal.
func (s *Seal) AlgorithmSign() string {
	sign, _, _ := strings.Cut(s.Algorithm, "-")
	return strings.ToLower(sign)
}

// parseInstance parses and range-checks an i= value.
func parseInstance(val string) (int, error) {
	instance, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid i= tag: %v", ErrSyntax, err)
	}
	if instance < 1 || instance > MaxInstance {
		return 0, fmt.Errorf("%w: instance %d out of range", ErrInvalidInstance, instance)
	}
	return instance, nil
}

// ParseAuthenticationResults parses an ARC-Authentication-Results header
// value of the form "i=N; authserv-id; results...".
func ParseAuthenticationResults(value string) (*AuthenticationResults, error) {
	aar := &AuthenticationResults{
		Raw:      value,
		Instance: -1,
	}

	value = strings.TrimSpace(value)

	if !strings.HasPrefix(strings.ToLower(value), "i=") {
		return nil, fmt.Errorf("%w: missing i= tag in ARC-Authentication-Results", ErrSyntax)
	}

	idx := strings.IndexByte(value, ';')
	if idx == -1 {
		return nil, fmt.Errorf("%w: missing semicolon in ARC-Authentication-Results", ErrSyntax)
	}

	instance, err := parseInstance(strings.TrimSpace(value[2:idx]))
	if err != nil {
		return nil, err
	}
	aar.Instance = instance

	rest := strings.TrimSpace(value[idx+1:])

	// authserv-id runs to the next semicolon or whitespace.
	authIdx := strings.IndexAny(rest, "; ")
	if authIdx == -1 {
		aar.AuthServID = rest
	} else {
		aar.AuthServID = strings.TrimSpace(rest[:authIdx])
		remaining := strings.TrimSpace(rest[authIdx:])
		remaining = strings.TrimPrefix(remaining, ";")
		aar.Results = strings.TrimSpace(remaining)
	}

	if aar.AuthServID == "" {
		return nil, fmt.Errorf("%w: missing authserv-id", ErrSyntax)
	}

	return aar, nil
}

// ParseMessageSignature parses an ARC-Message-Signature header value.
func ParseMessageSignature(value string) (*MessageSignature, error) {
	ms := &MessageSignature{
		Raw:        value,
		Instance:   -1,
		Version:    -1,
		Length:     -1,
		Timestamp:  -1,
		Expiration: -1,
	}

	tags, err := dkim.ParseTagList(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	for _, tag := range tags.Tags {
		switch tag.Name {
		case "i":
			instance, err := parseInstance(tag.Value)
			if err != nil {
				return nil, err
			}
			ms.Instance = instance

		case "v":
			version, err := strconv.Atoi(tag.Value)
			if err != nil || version != 1 {
				return nil, fmt.Errorf("%w: v= must be 1", ErrInvalidVersion)
			}
			ms.Version = version

		case "a":
			ms.Algorithm = strings.ToLower(tag.Value)

		case "b":
			decoded, err := base64.StdEncoding.DecodeString(stripWhitespace(tag.Value))
			if err != nil {
				return nil, fmt.Errorf("%w: invalid b= tag: %v", ErrSyntax, err)
			}
			ms.Signature = decoded

		case "bh":
			decoded, err := base64.StdEncoding.DecodeString(stripWhitespace(tag.Value))
			if err != nil {
				return nil, fmt.Errorf("%w: invalid bh= tag: %v", ErrSyntax, err)
			}
			ms.BodyHash = decoded

		case "d":
			ms.Domain = strings.ToLower(tag.Value)

		case "h":
			for _, h := range strings.Split(tag.Value, ":") {
				h = strings.TrimSpace(h)
				if h != "" {
					ms.SignedHeaders = append(ms.SignedHeaders, h)
				}
			}

		case "s":
			ms.Selector = tag.Value

		case "c":
			ms.Canonicalization = strings.ToLower(tag.Value)

		case "l":
			length, err := strconv.ParseInt(tag.Value, 10, 64)
			if err != nil || length < 0 {
				return nil, fmt.Errorf("%w: invalid l= tag %q", ErrSyntax, tag.Value)
			}
			ms.Length = length

		case "t":
			timestamp, err := strconv.ParseInt(tag.Value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid t= tag: %v", ErrSyntax, err)
			}
			ms.Timestamp = timestamp

		case "x":
			expiration, err := strconv.ParseInt(tag.Value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid x= tag: %v", ErrSyntax, err)
			}
			ms.Expiration = expiration
		}
	}

	for _, tag := range []string{"i", "a", "b", "bh", "d", "h", "s"} {
		if !tags.Has(tag) {
			return nil, fmt.Errorf("%w: %s= tag", ErrMissingTag, tag)
		}
	}

	if ms.Version == -1 {
		ms.Version = 1
	}
	if ms.Canonicalization == "" {
		ms.Canonicalization = "relaxed/relaxed"
	}

	return ms, nil
}

// ParseSeal parses an ARC-Seal header value.
func ParseSeal(value string) (*Seal, error) {
	seal := &Seal{
		Raw:       value,
		Instance:  -1,
		Version:   -1,
		Timestamp: -1,
	}

	tags, err := dkim.ParseTagList(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	for _, tag := range tags.Tags {
		switch tag.Name {
		case "i":
			instance, err := parseInstance(tag.Value)
			if err != nil {
				return nil, err
			}
			seal.Instance = instance

		case "v":
			version, err := strconv.Atoi(tag.Value)
			if err != nil || version != 1 {
				return nil, fmt.Errorf("%w: v= must be 1", ErrInvalidVersion)
			}
			seal.Version = version

		case "a":
			seal.Algorithm = strings.ToLower(tag.Value)

		case "b":
			decoded, err := base64.StdEncoding.DecodeString(stripWhitespace(tag.Value))
			if err != nil {
				return nil, fmt.Errorf("%w: invalid b= tag: %v", ErrSyntax, err)
			}
			seal.Signature = decoded

		case "cv":
			switch strings.ToLower(tag.Value) {
			case "none":
				seal.ChainValidation = ChainValidationNone
			case "pass":
				seal.ChainValidation = ChainValidationPass
			case "fail":
				seal.ChainValidation = ChainValidationFail
			default:
				return nil, fmt.Errorf("%w: invalid cv= value: %s", ErrSyntax, tag.Value)
			}

		case "d":
			seal.Domain = strings.ToLower(tag.Value)

		case "s":
			seal.Selector = tag.Value

		case "t":
			timestamp, err := strconv.ParseInt(tag.Value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid t= tag: %v", ErrSyntax, err)
			}
			seal.Timestamp = timestamp
		}
	}

	for _, tag := range []string{"i", "a", "b", "cv", "d", "s"} {
		if !tags.Has(tag) {
			return nil, fmt.Errorf("%w: %s= tag", ErrMissingTag, tag)
		}
	}

	if seal.Version == -1 {
		seal.Version = 1
	}

	return seal, nil
}

// stripWhitespace removes all whitespace from a string.
func stripWhitespace(s string) string {
	var result strings.Builder
	result.Grow(len(s))
	for _, c := range s {
		if c != ' ' && c != '\t' && c != '\r' && c != '\n' {
			result.WriteRune(c)
		}
	}
	return result.String()
}

// Header generates the ARC-Authentication-Results header, without trailing
// CRLF. The value begins "i=<n>; <authserv-id>" followed by method fields.
func (aar *AuthenticationResults) Header() string {
	var b strings.Builder
	b.WriteString("ARC-Authentication-Results: i=")
	b.WriteString(strconv.Itoa(aar.Instance))
	b.WriteString("; ")
	b.WriteString(aar.AuthServID)
	if aar.Results != "" {
		b.WriteString(";\r\n ")
		b.WriteString(aar.Results)
	}
	return b.String()
}

// Header generates the ARC-Message-Signature header, without trailing CRLF.
// Tags are emitted in the order i,a,c,d,h,l,q,s,t,x,z,bh,b. If
// includeSignature is false, the b= value is left empty for signing.
func (ms *MessageSignature) Header(includeSignature bool) string {
	w := &headerWriter{}

	w.add("", "ARC-Message-Signature: i="+strconv.Itoa(ms.Instance)+";")
	w.add(" ", "a="+ms.Algorithm+";")

	if ms.Canonicalization != "" {
		w.add(" ", "c="+ms.Canonicalization+";")
	}

	w.add(" ", "d="+ms.Domain+";")

	// Signed headers
	for i, h := range ms.SignedHeaders {
		sep := ""
		if i == 0 {
			h = "h=" + h
			sep = " "
		}
		if i < len(ms.SignedHeaders)-1 {
			h += ":"
		} else {
			h += ";"
		}
		w.add(sep, h)
	}

	if ms.Length >= 0 {
		w.add(" ", "l="+strconv.FormatInt(ms.Length, 10)+";")
	}

	w.add(" ", "s="+ms.Selector+";")

	if ms.Timestamp >= 0 {
		w.add(" ", "t="+strconv.FormatInt(ms.Timestamp, 10)+";")
	}

	if ms.Expiration >= 0 {
		w.add(" ", "x="+strconv.FormatInt(ms.Expiration, 10)+";")
	}

	// Body hash
	w.add(" ", "bh=")
	w.addWrap([]byte(base64.StdEncoding.EncodeToString(ms.BodyHash)))
	w.add("", ";")

	// Signature, always last
	w.add(" ", "b=")
	if includeSignature && len(ms.Signature) > 0 {
		w.addWrap([]byte(base64.StdEncoding.EncodeToString(ms.Signature)))
	}

	return w.String()
}

// Header generates the ARC-Seal header, without trailing CRLF. Tags are
// emitted in the order i,a,t,cv,d,s,b. If includeSignature is false, the
// b= value is left empty for signing.
func (s *Seal) Header(includeSignature bool) string {
	w := &headerWriter{}

	w.add("", "ARC-Seal: i="+strconv.Itoa(s.Instance)+";")
	w.add(" ", "a="+s.Algorithm+";")

	if s.Timestamp >= 0 {
		w.add(" ", "t="+strconv.FormatInt(s.Timestamp, 10)+";")
	}

	w.add(" ", "cv="+string(s.ChainValidation)+";")
	w.add(" ", "d="+s.Domain+";")
	w.add(" ", "s="+s.Selector+";")

	w.add(" ", "b=")
	if includeSignature && len(s.Signature) > 0 {
		w.addWrap([]byte(base64.StdEncoding.EncodeToString(s.Signature)))
	}

	return w.String()
}

// headerWriter folds ARC headers at 76 columns with CRLF-SP continuations.
type headerWriter struct {
	b        strings.Builder
	lineLen  int
	nonfirst bool
}

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

func (w *headerWriter) addWrap(data []byte) {
	const maxLen = 75

	for len(data) > 0 {
		n := maxLen - w.lineLen
		if n <= 0 {
			w.b.WriteString("\r\n ")
			w.lineLen = 1
			n = maxLen - 1
		}
		if n > len(data) {
			n = len(data)
		}
		w.b.Write(data[:n])
		w.lineLen += n
		data = data[n:]
	}
}

func (w *headerWriter) String() string {
	return w.b.String()
}
