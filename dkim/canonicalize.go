package dkim

import (
	"bytes"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/augjoh/mailauth/message"
)

var crlf = []byte("\r\n")

// BodyHasher canonicalizes a message body under simple or relaxed rules and
// feeds the result into a hash, honoring an optional l= length limit.
//
// Bytes may be written in arbitrary chunks; the digest is identical however
// the input is split. Internal state is limited to a small trailing
// whitespace/newline buffer. Line endings are normalized to CRLF.
type BodyHasher struct {
	h       hash.Hash
	relaxed bool
	limit   int64 // octets fed to the hash, -1 for unlimited

	hashed int64 // canonical octets fed to the hash so far
	total  int64 // canonical octets produced so far (ignoring the limit)

	sawCR        bool  // pending CR that may start a CRLF
	pendingLines int64 // buffered empty-line CRLFs
	pendingSpace bool  // buffered whitespace run in the current line
	lineContent  bool  // current line has content emitted

	done bool
}

// NewBodyHasher creates a body hasher for the given canonicalization.
// A negative limit disables the length limit.
func NewBodyHasher(h hash.Hash, canon Canonicalization, limit int64) (*BodyHasher, error) {
	switch canon {
	case CanonSimple, CanonRelaxed:
	default:
		return nil, fmt.Errorf("%w: body %s", ErrCanonicalizationUnknown, canon)
	}
	return &BodyHasher{h: h, relaxed: canon == CanonRelaxed, limit: limit}, nil
}

// emit feeds canonical octets to the hash, honoring the length limit.
func (b *BodyHasher) emit(p []byte) {
	b.total += int64(len(p))
	if b.limit >= 0 {
		remain := b.limit - b.hashed
		if remain <= 0 {
			return
		}
		if int64(len(p)) > remain {
			p = p[:remain]
		}
	}
	b.h.Write(p)
	b.hashed += int64(len(p))
}

// flushLines emits buffered empty lines; called when line content appears.
func (b *BodyHasher) flushLines() {
	for ; b.pendingLines > 0; b.pendingLines-- {
		b.emit(crlf)
	}
}

// content emits a single content byte with any buffered line/whitespace state.
func (b *BodyHasher) content(c byte) {
	b.flushLines()
	if b.pendingSpace {
		b.emit([]byte{' '})
		b.pendingSpace = false
	}
	b.emit([]byte{c})
	b.lineContent = true
}

// Write streams body bytes into the canonicalizer.
func (b *BodyHasher) Write(p []byte) (int, error) {
	if b.done {
		return 0, io.ErrClosedPipe
	}

	for _, c := range p {
		if b.sawCR {
			b.sawCR = false
			if c != '\n' {
				// Lone CR is content.
				b.content('\r')
			} else {
				b.newline()
				continue
			}
			if c == '\r' {
				b.sawCR = true
				continue
			}
		}

		switch c {
		case '\r':
			b.sawCR = true
		case '\n':
			// Bare LF is normalized to CRLF.
			b.newline()
		case ' ', '\t':
			if b.relaxed {
				b.pendingSpace = true
			} else {
				b.content(c)
			}
		default:
			b.content(c)
		}
	}

	return len(p), nil
}

// newline terminates the current line.
func (b *BodyHasher) newline() {
	// Trailing whitespace of the line is dropped in relaxed mode; in simple
	// mode whitespace was emitted as content already.
	b.pendingSpace = false
	if b.lineContent {
		b.emit(crlf)
		b.lineContent = false
	} else {
		b.pendingLines++
	}
}

// Sum finalizes the canonical body and returns the digest along with the
// total canonical body length (before any l= truncation).
func (b *BodyHasher) Sum() ([]byte, int64) {
	if !b.done {
		b.done = true
		if b.sawCR {
			b.sawCR = false
			b.content('\r')
		}
		if b.lineContent {
			// Unterminated final line gets a CRLF.
			b.pendingSpace = false
			b.emit(crlf)
			b.lineContent = false
		} else if !b.relaxed && b.total == 0 {
			// Simple: an empty body (or one of only blank lines)
			// canonicalizes to a single CRLF.
			b.emit(crlf)
		}
		// Trailing empty lines are dropped in both modes; relaxed leaves an
		// empty body as the empty string.
	}
	return b.h.Sum(nil), b.total
}

// computeBodyHash canonicalizes and hashes body in one call.
func computeBodyHash(h hash.Hash, canon Canonicalization, body []byte, limit int64) ([]byte, int64, error) {
	bh, err := NewBodyHasher(h, canon, limit)
	if err != nil {
		return nil, 0, err
	}
	if _, err := bh.Write(body); err != nil {
		return nil, 0, err
	}
	digest, total := bh.Sum()
	return digest, total, nil
}

// canonicalizeHeaderSimple returns the header in simple canonicalization:
// the original bytes with the line ending normalized to a single CRLF.
func canonicalizeHeaderSimple(raw []byte) string {
	s := string(raw)
	s = strings.TrimRight(s, "\r\n")
	return s + "\r\n"
}

// canonicalizeHeaderRelaxed returns the header in relaxed canonicalization:
//   - Convert header name to lowercase
//   - Unfold header lines (remove CRLF before WSP)
//   - Compress WSP runs to a single space
//   - Remove whitespace around the colon and at the end of the value
func canonicalizeHeaderRelaxed(raw []byte) (string, error) {
	idx := bytes.IndexByte(raw, ':')
	if idx == -1 {
		return "", ErrHeaderMalformed
	}

	name := strings.ToLower(strings.TrimRight(string(raw[:idx]), " \t"))
	value := message.Unfold(strings.TrimRight(string(raw[idx+1:]), "\r\n"))

	var b strings.Builder
	prevWS := false
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c == ' ' || c == '\t' {
			if !prevWS {
				b.WriteByte(' ')
				prevWS = true
			}
		} else {
			b.WriteByte(c)
			prevWS = false
		}
	}

	return name + ":" + strings.TrimSpace(b.String()) + "\r\n", nil
}

// canonicalHeader canonicalizes one header under the given mode, including
// the trailing CRLF.
func canonicalHeader(raw []byte, canon Canonicalization) (string, error) {
	if canon == CanonRelaxed {
		return canonicalizeHeaderRelaxed(raw)
	}
	return canonicalizeHeaderSimple(raw), nil
}

// CanonicalizeHeader canonicalizes one raw header under the given mode,
// including the trailing CRLF. ARC seal construction uses this to hash the
// prior chain headers.
func CanonicalizeHeader(raw []byte, canon Canonicalization) (string, error) {
	return canonicalHeader(raw, canon)
}

// DataHash computes the canonical signed-header hash for a DKIM-style
// signature: the named headers followed by the signature header itself with
// its b= value removed. Shared with ARC message signature processing.
func DataHash(h hash.Hash, canon Canonicalization, headers message.Headers, signedHeaders []string, sigHeader []byte) ([]byte, error) {
	return computeDataHash(h, canon, headers, signedHeaders, sigHeader)
}

// computeDataHash hashes the canonical signed-header input: the headers named
// in signedHeaders (last instance first, scanning from the bottom of the
// header block; names with no remaining instance contribute one empty
// canonical line), followed by the signature header itself with its b= value
// removed and without a trailing CRLF.
func computeDataHash(h hash.Hash, canon Canonicalization, headers message.Headers, signedHeaders []string, sigHeader []byte) ([]byte, error) {
	// Index header occurrences bottom-up per name.
	remaining := make(map[string][]int)
	for i := len(headers) - 1; i >= 0; i-- {
		lkey := headers[i].LKey
		remaining[lkey] = append(remaining[lkey], i)
	}

	for _, name := range signedHeaders {
		lname := strings.ToLower(name)
		idxs := remaining[lname]
		if len(idxs) == 0 {
			// Oversigned or absent header: one empty canonical line.
			h.Write(crlf)
			continue
		}
		idx := idxs[0]
		remaining[lname] = idxs[1:]

		canonical, err := canonicalHeader(headers[idx].Raw, canon)
		if err != nil {
			return nil, err
		}
		h.Write([]byte(canonical))
	}

	// The signature header itself, b= already stripped, no trailing CRLF.
	canonical, err := canonicalHeader(sigHeader, canon)
	if err != nil {
		return nil, err
	}
	h.Write([]byte(strings.TrimSuffix(canonical, "\r\n")))

	return h.Sum(nil), nil
}
