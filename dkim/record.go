package dkim

import (
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
)

// Record represents a DKIM DNS TXT record (RFC 6376 Section 3.6.1).
// The record is retrieved from <selector>._domainkey.<domain>.
type Record struct {
	// Version is the record version, must be "DKIM1".
	Version string

	// Hashes is the list of acceptable hash algorithms (e.g., "sha256").
	// Empty means all algorithms are acceptable.
	Hashes []string

	// Key is the key type: "rsa" (default) or "ed25519".
	Key string

	// Notes contains optional human-readable notes.
	Notes string

	// Pubkey is the raw public key data (base64-decoded).
	// Empty means the key has been revoked.
	Pubkey []byte

	// Services lists acceptable service types.
	// Empty or containing "*" means all services.
	Services []string

	// Flags contains key flags:
	//   "y" - Domain is testing DKIM
	//   "s" - i= domain must exactly match d= domain
	Flags []string

	// PublicKey is the parsed public key.
	// This is *rsa.PublicKey or ed25519.PublicKey.
	PublicKey any

	// Bits is the RSA modulus size in bits, zero for non-RSA keys.
	Bits int

	// Raw is the TXT record text the record was parsed from.
	Raw string
}

// ServiceAllowed returns true if the given service is allowed by this key.
func (r *Record) ServiceAllowed(service string) bool {
	if len(r.Services) == 0 {
		return true
	}
	for _, s := range r.Services {
		if s == "*" || strings.EqualFold(s, service) {
			return true
		}
	}
	return false
}

// IsTesting returns true if the key is marked for testing (t=y).
func (r *Record) IsTesting() bool {
	for _, f := range r.Flags {
		if strings.EqualFold(f, "y") {
			return true
		}
	}
	return false
}

// RequireStrictAlignment returns true if strict alignment is required (t=s).
func (r *Record) RequireStrictAlignment() bool {
	for _, f := range r.Flags {
		if strings.EqualFold(f, "s") {
			return true
		}
	}
	return false
}

// HashAllowed returns true if the given hash algorithm is allowed.
func (r *Record) HashAllowed(hash string) bool {
	if len(r.Hashes) == 0 {
		return true
	}
	for _, h := range r.Hashes {
		if strings.EqualFold(h, hash) {
			return true
		}
	}
	return false
}

// ToTXT generates a DNS TXT record string from this Record.
func (r *Record) ToTXT() (string, error) {
	var parts []string

	if r.Version != "DKIM1" {
		return "", fmt.Errorf("%w: invalid version %q", ErrSyntax, r.Version)
	}
	parts = append(parts, "v=DKIM1")

	if len(r.Hashes) > 0 {
		parts = append(parts, "h="+strings.Join(r.Hashes, ":"))
	}

	if r.Key != "" && !strings.EqualFold(r.Key, "rsa") {
		parts = append(parts, "k="+r.Key)
	}

	if r.Notes != "" {
		parts = append(parts, "n="+encodeQPSection(r.Notes))
	}

	if len(r.Services) > 0 && !(len(r.Services) == 1 && r.Services[0] == "*") {
		parts = append(parts, "s="+strings.Join(r.Services, ":"))
	}

	if len(r.Flags) > 0 {
		parts = append(parts, "t="+strings.Join(r.Flags, ":"))
	}

	// Public key (required, empty means revoked)
	pk := r.Pubkey
	if len(pk) == 0 && r.PublicKey != nil {
		var err error
		pk, err = marshalPublicKey(r.PublicKey)
		if err != nil {
			return "", err
		}
	}
	parts = append(parts, "p="+base64.StdEncoding.EncodeToString(pk))

	return strings.Join(parts, "; "), nil
}

// marshalPublicKey converts a public key to bytes for the p= tag.
func marshalPublicKey(key any) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PublicKey:
		return x509.MarshalPKIXPublicKey(k)
	case ed25519.PublicKey:
		return []byte(k), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrSigAlgorithmUnknown, key)
	}
}

// encodeQPSection encodes a string for use in DKIM record notes.
func encodeQPSection(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i, c := range []byte(s) {
		// First character cannot be whitespace
		if (i > 0 && (c == ' ' || c == '\t')) || c > ' ' && c < 0x7f && c != '=' {
			b.WriteByte(c)
		} else {
			b.WriteByte('=')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}

// ParseRecord parses a DKIM DNS TXT record.
// Returns the parsed record and a boolean indicating if it's a DKIM record.
//
// A record with an empty p= tag is valid but revoked: it parses without
// error and has a nil PublicKey. A record without p= returns ErrKeyMissing.
func ParseRecord(txt string) (*Record, bool, error) {
	record := &Record{
		Version:  "DKIM1",
		Key:      "rsa",
		Services: []string{"*"},
		Raw:      txt,
	}

	tags, err := ParseTagList(txt)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	isDKIM := false

	for _, tag := range tags.Tags {
		switch tag.Name {
		case "v":
			// v, when present, must equal DKIM1; its position is not checked.
			if tag.Value != "DKIM1" {
				return nil, false, fmt.Errorf("%w: not a DKIM1 record", ErrSyntax)
			}
			record.Version = tag.Value
			isDKIM = true

		case "h":
			for _, h := range strings.Split(tag.Value, ":") {
				h = strings.TrimSpace(h)
				if h != "" {
					record.Hashes = append(record.Hashes, strings.ToLower(h))
				}
			}
			isDKIM = true

		case "k":
			record.Key = strings.ToLower(tag.Value)
			isDKIM = true

		case "n":
			record.Notes = decodeQPSection(tag.Value)
			isDKIM = true

		case "p":
			cleaned := stripWhitespace(tag.Value)
			if cleaned != "" {
				decoded, err := base64.StdEncoding.DecodeString(cleaned)
				if err != nil {
					return nil, isDKIM, fmt.Errorf("%w: invalid public key encoding: %v", ErrSyntax, err)
				}
				record.Pubkey = decoded
			}
			isDKIM = true

		case "s":
			record.Services = nil
			for _, s := range strings.Split(tag.Value, ":") {
				s = strings.TrimSpace(s)
				if s != "" {
					record.Services = append(record.Services, s)
				}
			}
			isDKIM = true

		case "t":
			for _, f := range strings.Split(tag.Value, ":") {
				f = strings.TrimSpace(f)
				if f != "" {
					record.Flags = append(record.Flags, f)
				}
			}
			isDKIM = true
		}
	}

	if !isDKIM {
		return nil, false, fmt.Errorf("%w: not a DKIM record", ErrSyntax)
	}

	if !tags.Has("p") {
		return nil, true, ErrKeyMissing
	}

	// Empty p= means the key has been revoked; PublicKey stays nil.
	if len(record.Pubkey) > 0 {
		pk, bits, err := parsePublicKey(record.Key, record.Pubkey)
		if err != nil {
			return nil, true, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		record.PublicKey = pk
		record.Bits = bits
	}

	return record, true, nil
}

// parsePublicKey parses a public key based on the key type, returning the
// key and its bit size (RSA only).
func parsePublicKey(keyType string, data []byte) (any, int, error) {
	switch strings.ToLower(keyType) {
	case "", "rsa":
		pk, err := x509.ParsePKIXPublicKey(data)
		if err != nil {
			// Some signers publish PKCS#1 instead of PKIX.
			rsaPK, err1 := x509.ParsePKCS1PublicKey(data)
			if err1 != nil {
				return nil, 0, fmt.Errorf("invalid RSA public key: %v", err)
			}
			return rsaPK, rsaPK.N.BitLen(), nil
		}
		rsaPK, ok := pk.(*rsa.PublicKey)
		if !ok {
			return nil, 0, fmt.Errorf("expected RSA public key, got %T", pk)
		}
		return rsaPK, rsaPK.N.BitLen(), nil

	case "ed25519":
		if len(data) != ed25519.PublicKeySize {
			return nil, 0, fmt.Errorf("invalid Ed25519 public key size: %d", len(data))
		}
		return ed25519.PublicKey(data), 0, nil

	default:
		return nil, 0, fmt.Errorf("unsupported key type: %s", keyType)
	}
}

// decodeQPSection decodes a quoted-printable encoded section.
func decodeQPSection(s string) string {
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
