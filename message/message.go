// Package message provides RFC 5322 message splitting for the
// authentication engine: the header block is parsed into entries that
// preserve the original bytes exactly (casing, folding and line endings
// included), and the body offset is reported so canonicalizers can stream
// the body without copying it.
package message

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
)

var (
	// ErrMalformedMessage indicates the message has no header/body separator
	// or a header line that cannot be parsed.
	ErrMalformedMessage = errors.New("message: malformed message")

	// ErrLineTooLong indicates a header line exceeds the emission limit.
	ErrLineTooLong = errors.New("message: header line longer than 998 octets")
)

// MaxLineLength is the maximum header line length on emission, per RFC 5322.
// It is not enforced when parsing, to tolerate non-compliant mail.
const MaxLineLength = 998

// Header is a single logical header entry.
type Header struct {
	// Key is the header name with original casing.
	Key string

	// LKey is the lowercased header name, for lookups.
	LKey string

	// Value is everything after the colon with continuation lines joined:
	// their line breaks are removed, the whitespace that opens each
	// continuation line is kept, and there is no final CRLF.
	Value string

	// Raw is the complete header bytes including name, colon, folded
	// continuation lines, and the terminating line ending.
	Raw []byte
}

// Headers is an ordered list of header entries in message order.
type Headers []Header

// Last returns the last (most recently added, i.e. topmost when headers are
// prepended) header with the given name, or nil.
func (hs Headers) Last(name string) *Header {
	lname := strings.ToLower(name)
	for i := range hs {
		if hs[i].LKey == lname {
			return &hs[i]
		}
	}
	return nil
}

// Values returns the unfolded values of all headers with the given name,
// in message order.
func (hs Headers) Values(name string) []string {
	lname := strings.ToLower(name)
	var values []string
	for i := range hs {
		if hs[i].LKey == lname {
			values = append(values, strings.TrimSpace(Unfold(hs[i].Value)))
		}
	}
	return values
}

// Split parses the message into its header list and the offset where the
// body starts. The body begins at the byte after the blank separator line.
// Returns ErrMalformedMessage if no separator exists.
func Split(msg []byte) (Headers, int, error) {
	return Parse(bufio.NewReader(bytes.NewReader(msg)))
}

// Parse reads headers from a stream until the blank separator line.
// The returned offset is the number of bytes consumed, i.e. the body offset
// when the reader started at the beginning of the message.
func Parse(br *bufio.Reader) (Headers, int, error) {
	var headers Headers
	var current *Header
	offset := 0
	sawSeparator := false

	flush := func() {
		if current != nil {
			headers = append(headers, *current)
			current = nil
		}
	}

	for {
		line, err := readLine(br)
		if len(line) == 0 && err != nil {
			if err == io.EOF {
				break
			}
			return nil, 0, err
		}
		offset += len(line)

		// Blank line separates headers from body.
		if isBlank(line) {
			sawSeparator = true
			break
		}

		// Continuation of a folded header.
		if line[0] == ' ' || line[0] == '\t' {
			if current == nil {
				return nil, 0, errors.New("message: continuation line before first header")
			}
			current.Raw = append(current.Raw, line...)
			current.Value += string(trimEOL(line))
			continue
		}

		flush()

		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			return nil, 0, errors.New("message: header line without colon")
		}

		key := strings.TrimRight(string(line[:colon]), " \t")
		for i := 0; i < len(key); i++ {
			if key[i] <= ' ' || key[i] >= 0x7f {
				return nil, 0, errors.New("message: invalid header name")
			}
		}

		current = &Header{
			Key:   key,
			LKey:  strings.ToLower(key),
			Value: string(trimEOL(line[colon+1:])),
			Raw:   bytes.Clone(line),
		}

		if err == io.EOF {
			break
		}
	}

	flush()

	if !sawSeparator {
		return nil, 0, ErrMalformedMessage
	}

	return headers, offset, nil
}

// readLine reads one physical line including its terminator. Both CRLF and
// bare LF terminated lines are accepted; the terminator is preserved in the
// returned bytes.
func readLine(br *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		part, err := br.ReadSlice('\n')
		buf = append(buf, part...)
		if err == bufio.ErrBufferFull {
			continue
		}
		return buf, err
	}
}

// isBlank reports whether the line is the header/body separator.
func isBlank(line []byte) bool {
	return bytes.Equal(line, []byte("\r\n")) || bytes.Equal(line, []byte("\n"))
}

// trimEOL removes the trailing CRLF or LF.
func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}

// Unfold removes line breaks followed by whitespace from a header value.
func Unfold(s string) string {
	s = strings.ReplaceAll(s, "\r\n\t", " ")
	s = strings.ReplaceAll(s, "\r\n ", " ")
	s = strings.ReplaceAll(s, "\n\t", " ")
	s = strings.ReplaceAll(s, "\n ", " ")
	return s
}

// CheckEmission validates that every physical line of a header to be emitted
// stays within MaxLineLength octets.
func CheckEmission(header string) error {
	for _, line := range strings.Split(header, "\r\n") {
		if len(line) > MaxLineLength {
			return ErrLineTooLong
		}
	}
	return nil
}

// FromDomain extracts the domain of the single address in the From header.
func FromDomain(hs Headers) (string, error) {
	from := hs.Last("From")
	if from == nil {
		return "", errors.New("message: no From header")
	}
	addr := strings.TrimSpace(Unfold(from.Value))

	// Strip a trailing display-name form: Name <local@domain>
	if i := strings.LastIndexByte(addr, '<'); i >= 0 {
		end := strings.IndexByte(addr[i:], '>')
		if end < 0 {
			return "", errors.New("message: unterminated angle address in From")
		}
		addr = addr[i+1 : i+end]
	}

	at := strings.LastIndexByte(addr, '@')
	if at < 0 || at == len(addr)-1 {
		return "", errors.New("message: no domain in From address")
	}
	return strings.ToLower(strings.TrimSpace(addr[at+1:])), nil
}

// ReceivedClientIP extracts the client IP from the latest Received header,
// looking for the "from host ([ip])" or "from host (helo [ip])" clause.
func ReceivedClientIP(hs Headers) net.IP {
	received := hs.Last("Received")
	if received == nil {
		return nil
	}
	value := Unfold(received.Value)

	for start := 0; ; {
		open := strings.IndexByte(value[start:], '[')
		if open < 0 {
			return nil
		}
		open += start
		end := strings.IndexByte(value[open:], ']')
		if end < 0 {
			return nil
		}
		candidate := value[open+1 : open+end]
		candidate = strings.TrimPrefix(candidate, "IPv6:")
		if ip := net.ParseIP(candidate); ip != nil {
			return ip
		}
		start = open + end + 1
	}
}

// ReturnPathAddress extracts the address from the latest Return-Path header.
// Returns the empty string for a null return path (<>) or a missing header.
func ReturnPathAddress(hs Headers) string {
	rp := hs.Last("Return-Path")
	if rp == nil {
		return ""
	}
	value := strings.TrimSpace(Unfold(rp.Value))
	value = strings.TrimPrefix(value, "<")
	value = strings.TrimSuffix(value, ">")
	return strings.TrimSpace(value)
}
