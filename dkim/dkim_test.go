package dkim

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"hash"
	"testing"
)

func bodyHashBase64(t *testing.T, h hash.Hash, canon Canonicalization, body []byte, limit int64) string {
	t.Helper()
	digest, _, err := computeBodyHash(h, canon, body, limit)
	if err != nil {
		t.Fatalf("computeBodyHash() error = %v", err)
	}
	return base64.StdEncoding.EncodeToString(digest)
}

func TestBodyHashEmptyBody(t *testing.T) {
	// Relaxed canonicalization of an empty body is the empty string.
	if got := bodyHashBase64(t, sha256.New(), CanonRelaxed, nil, -1); got != "47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=" {
		t.Errorf("relaxed sha256 empty body = %s", got)
	}
	if got := bodyHashBase64(t, sha1.New(), CanonRelaxed, nil, -1); got != "2jmj7l5rSw0yVb/vlWAYkK/YBwk=" {
		t.Errorf("relaxed sha1 empty body = %s", got)
	}

	// Simple canonicalization of an empty body is a single CRLF.
	want := base64.StdEncoding.EncodeToString(func() []byte {
		h := sha256.New()
		h.Write([]byte("\r\n"))
		return h.Sum(nil)
	}())
	if got := bodyHashBase64(t, sha256.New(), CanonSimple, nil, -1); got != want {
		t.Errorf("simple sha256 empty body = %s, want %s", got, want)
	}
}

func TestBodyHashBlankLinesOnly(t *testing.T) {
	// A body of only blank lines canonicalizes identically to an empty body.
	blanks := []byte("\r\n\r\n\n\r\n\r\n")
	for _, canon := range []Canonicalization{CanonSimple, CanonRelaxed} {
		empty := bodyHashBase64(t, sha256.New(), canon, nil, -1)
		got := bodyHashBase64(t, sha256.New(), canon, blanks, -1)
		if got != empty {
			t.Errorf("%s: blank-lines body hash %s != empty body hash %s", canon, got, empty)
		}
	}
}

func TestBodyHashChunkingIndependence(t *testing.T) {
	body := []byte("line one  with   spaces\t\r\nline two\r\n\r\n\r\ntail without newline")
	for _, canon := range []Canonicalization{CanonSimple, CanonRelaxed} {
		whole := bodyHashBase64(t, sha256.New(), canon, body, -1)

		bh, err := NewBodyHasher(sha256.New(), canon, -1)
		if err != nil {
			t.Fatal(err)
		}
		for _, c := range body {
			if _, err := bh.Write([]byte{c}); err != nil {
				t.Fatal(err)
			}
		}
		digest, _ := bh.Sum()
		bytewise := base64.StdEncoding.EncodeToString(digest)

		if whole != bytewise {
			t.Errorf("%s: one-chunk hash %s != byte-by-byte hash %s", canon, whole, bytewise)
		}
	}
}

func TestBodyHashRelaxedRules(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string // expected canonical form
	}{
		{"collapse interior wsp", "a  \t b\r\n", "a b\r\n"},
		{"strip trailing wsp", "a   \r\n", "a\r\n"},
		{"leading wsp collapses", "  a\r\n", " a\r\n"},
		{"drop trailing empty lines", "a\r\n\r\n\r\n", "a\r\n"},
		{"add missing final crlf", "a", "a\r\n"},
		{"bare lf normalized", "a\nb\n", "a\r\nb\r\n"},
	}
	for _, tt := range tests {
		want := base64.StdEncoding.EncodeToString(func() []byte {
			h := sha256.New()
			h.Write([]byte(tt.want))
			return h.Sum(nil)
		}())
		got := bodyHashBase64(t, sha256.New(), CanonRelaxed, []byte(tt.body), -1)
		if got != want {
			t.Errorf("%s: hash mismatch for body %q (want canonical %q)", tt.name, tt.body, tt.want)
		}
	}
}

func TestBodyHashIdempotent(t *testing.T) {
	// Canonicalizing an already-canonical body changes nothing.
	canonical := []byte("a b\r\nsecond line\r\n")
	want := base64.StdEncoding.EncodeToString(func() []byte {
		h := sha256.New()
		h.Write(canonical)
		return h.Sum(nil)
	}())
	for _, canon := range []Canonicalization{CanonSimple, CanonRelaxed} {
		if got := bodyHashBase64(t, sha256.New(), canon, canonical, -1); got != want {
			t.Errorf("%s: canon(canon(x)) != canon(x)", canon)
		}
	}
}

func TestBodyHashLengthLimit(t *testing.T) {
	body := []byte("hello world\r\n")

	// l=0 forces the hash of the empty string, whatever the body.
	if got := bodyHashBase64(t, sha256.New(), CanonRelaxed, body, 0); got != "47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=" {
		t.Errorf("l=0 hash = %s, want empty-string hash", got)
	}

	// l=5 hashes the first five canonical octets.
	want := base64.StdEncoding.EncodeToString(func() []byte {
		h := sha256.New()
		h.Write([]byte("hello"))
		return h.Sum(nil)
	}())
	if got := bodyHashBase64(t, sha256.New(), CanonRelaxed, body, 5); got != want {
		t.Errorf("l=5 hash = %s, want %s", got, want)
	}

	// The reported total is the full canonical length regardless of l=.
	bh, _ := NewBodyHasher(sha256.New(), CanonRelaxed, 5)
	bh.Write(body)
	_, total := bh.Sum()
	if total != int64(len(body)) {
		t.Errorf("total = %d, want %d", total, len(body))
	}
}

func TestParseTagList(t *testing.T) {
	tl, err := ParseTagList("v=1; a=rsa-sha256 ;; d=example.com; h=from : to;b=")
	if err != nil {
		t.Fatalf("ParseTagList() error = %v", err)
	}

	if v, _ := tl.Get("v"); v != "1" {
		t.Errorf("v = %q", v)
	}
	if a, _ := tl.Get("A"); a != "rsa-sha256" {
		t.Errorf("a (case-insensitive) = %q", a)
	}
	if b, ok := tl.Get("b"); !ok || b != "" {
		t.Errorf("b = %q, ok=%v; want empty present", b, ok)
	}

	// Order and raw bytes are preserved, including the empty tag.
	if len(tl.Tags) != 6 {
		t.Fatalf("got %d tags, want 6", len(tl.Tags))
	}
	if tl.Tags[1].Raw != " a=rsa-sha256 " {
		t.Errorf("raw = %q", tl.Tags[1].Raw)
	}
	if tl.Tags[2].Name != "" {
		t.Errorf("empty tag not preserved: %+v", tl.Tags[2])
	}

	if _, err := ParseTagList("a=1; a=2"); !errors.Is(err, ErrDuplicateTag) {
		t.Errorf("duplicate tag: got %v", err)
	}
	if _, err := ParseTagList("1a=x"); err == nil {
		t.Error("invalid tag name accepted")
	}
}

func TestRemoveBValue(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"simple",
			"DKIM-Signature: v=1; b=abc123; d=example.com",
			"DKIM-Signature: v=1; b=; d=example.com",
		},
		{
			"b last",
			"DKIM-Signature: v=1; d=example.com; b=abc123",
			"DKIM-Signature: v=1; d=example.com; b=",
		},
		{
			"bh not touched, folded b value removed",
			"DKIM-Signature: v=1; bh=AAA=;\r\n b=abc\r\n def",
			"DKIM-Signature: v=1; bh=AAA=;\r\n b=",
		},
		{
			"b-like bytes inside bh value survive",
			"DKIM-Signature: bh=xy\r\n b==; s=sel; b=zz",
			"DKIM-Signature: bh=xy\r\n b==; s=sel; b=",
		},
	}
	for _, tt := range tests {
		got := string(RemoveBValue([]byte(tt.in)))
		if tt.name == "b-like bytes inside bh value survive" {
			// The folded "b==" inside bh= must not be treated as the b tag;
			// only the trailing real b= is stripped.
			want := "DKIM-Signature: bh=xy\r\n b==; s=sel; b="
			if got != want {
				t.Errorf("%s: got %q, want %q", tt.name, got, want)
			}
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestParseSignature(t *testing.T) {
	header := "DKIM-Signature: v=1; a=rsa-sha256; c=relaxed/relaxed; d=example.com;\r\n" +
		" s=sel; h=from:to:subject;\r\n" +
		" bh=47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=;\r\n" +
		" b=dGVzdA==\r\n"

	sig, verifyInput, err := ParseSignature(header)
	if err != nil {
		t.Fatalf("ParseSignature() error = %v", err)
	}
	if sig.Domain != "example.com" || sig.Selector != "sel" {
		t.Errorf("d/s = %q/%q", sig.Domain, sig.Selector)
	}
	if sig.HeaderCanon() != CanonRelaxed || sig.BodyCanon() != CanonRelaxed {
		t.Errorf("canonicalization = %v/%v", sig.HeaderCanon(), sig.BodyCanon())
	}
	if len(sig.SignedHeaders) != 3 {
		t.Errorf("signed headers = %v", sig.SignedHeaders)
	}
	if string(sig.Signature) != "test" {
		t.Errorf("signature = %q", sig.Signature)
	}
	wantInput := "DKIM-Signature: v=1; a=rsa-sha256; c=relaxed/relaxed; d=example.com;\r\n" +
		" s=sel; h=from:to:subject;\r\n" +
		" bh=47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=;\r\n" +
		" b="
	if string(verifyInput) != wantInput {
		t.Errorf("verify input = %q", verifyInput)
	}
}

func TestParseSignatureMissingTags(t *testing.T) {
	_, _, err := ParseSignature("DKIM-Signature: v=1; a=rsa-sha256; d=example.com")
	if !errors.Is(err, ErrMissingTag) {
		t.Errorf("got %v, want ErrMissingTag", err)
	}
}

func TestParseSignatureDefaultBodyCanon(t *testing.T) {
	header := "DKIM-Signature: v=1; a=rsa-sha256; c=relaxed; d=example.com; s=sel;\r\n" +
		" h=from; bh=47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=; b=dGVzdA=="
	sig, _, err := ParseSignature(header)
	if err != nil {
		t.Fatal(err)
	}
	if sig.HeaderCanon() != CanonRelaxed || sig.BodyCanon() != CanonSimple {
		t.Errorf("c=relaxed should mean relaxed/simple, got %v/%v", sig.HeaderCanon(), sig.BodyCanon())
	}
}
