// Package vmc extracts brand indicators from Verified Mark Certificates.
//
// A VMC is an X.509 certificate carrying the brand's SVG logo in the
// id-pe-logotype extension (RFC 3709), embedded as a gzipped data: URI.
// This package parses the certificate, collects the subjectAltName
// dNSNames, and decodes the SVG. It performs no trust chain validation.
package vmc

import (
	"bytes"
	"compress/gzip"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
)

// Errors returned when no indicator can be extracted.
var (
	ErrNoCertificate = errors.New("vmc: no certificate found in PEM input")
	ErrNoLogotype    = errors.New("vmc: certificate has no logotype extension")
	ErrNoIndicator   = errors.New("vmc: no embedded indicator data found")
	ErrBadIndicator  = errors.New("vmc: indicator data is malformed")
)

// oidLogotype is id-pe-logotype, 1.3.6.1.5.5.7.1.12.
var oidLogotype = []int{1, 3, 6, 1, 5, 5, 7, 1, 12}

// Indicator is the result of parsing a VMC.
type Indicator struct {
	// AltNames are the subjectAltName dNSNames the mark is asserted for.
	AltNames []string

	// SVG is the decoded, decompressed brand indicator.
	SVG []byte

	// Certificate is the parsed certificate, for callers that want to
	// inspect further fields. The chain is NOT validated.
	Certificate *x509.Certificate
}

// Parse extracts the indicator from a PEM-encoded certificate. When the
// input holds multiple PEM blocks, the first CERTIFICATE block is used.
func Parse(pemData []byte) (*Indicator, error) {
	var block *pem.Block
	rest := pemData
	for {
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, ErrNoCertificate
		}
		if block.Type == "CERTIFICATE" {
			break
		}
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("vmc: parsing certificate: %w", err)
	}

	return FromCertificate(cert)
}

// FromCertificate extracts the indicator from an already-parsed
// certificate.
func FromCertificate(cert *x509.Certificate) (*Indicator, error) {
	indicator := &Indicator{
		AltNames:    cert.DNSNames,
		Certificate: cert,
	}

	var logotype []byte
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidLogotype) {
			logotype = ext.Value
			break
		}
	}
	if logotype == nil {
		return nil, ErrNoLogotype
	}

	svg, err := extractSVG(logotype)
	if err != nil {
		return nil, err
	}
	indicator.SVG = svg

	return indicator, nil
}

// extractSVG locates the first "data:...;base64," URI inside the logotype
// extension value, decodes it, and gunzips the payload.
//
// The LogotypeExtn structure nests the URI several SEQUENCEs deep; since
// the URI is an IA5String, scanning the raw DER for the data: scheme is
// robust against the structural variations seen in issued certificates.
func extractSVG(der []byte) ([]byte, error) {
	idx := bytes.Index(der, []byte("data:"))
	if idx < 0 {
		return nil, ErrNoIndicator
	}

	marker := []byte(";base64,")
	b64Start := bytes.Index(der[idx:], marker)
	if b64Start < 0 {
		return nil, ErrNoIndicator
	}
	b64Start += idx + len(marker)

	end := b64Start
	for end < len(der) && isBase64Char(der[end]) {
		end++
	}
	if end == b64Start {
		return nil, ErrNoIndicator
	}

	decoded, err := base64.StdEncoding.DecodeString(string(der[b64Start:end]))
	if err != nil {
		// Some encoders omit the padding.
		decoded, err = base64.RawStdEncoding.DecodeString(string(der[b64Start:end]))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadIndicator, err)
		}
	}

	gz, err := gzip.NewReader(bytes.NewReader(decoded))
	if err != nil {
		// Not gzipped: some certificates embed the SVG directly.
		if bytes.Contains(decoded, []byte("<svg")) || bytes.HasPrefix(bytes.TrimSpace(decoded), []byte("<?xml")) {
			return decoded, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrBadIndicator, err)
	}
	defer gz.Close()

	svg, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadIndicator, err)
	}

	return svg, nil
}

// isBase64Char reports whether c can appear in standard base64 data.
func isBase64Char(c byte) bool {
	return c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' ||
		c == '+' || c == '/' || c == '='
}
