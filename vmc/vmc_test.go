package vmc

import (
	"bytes"
	"compress/gzip"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"math/big"
	"testing"
	"time"
)

const testSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 10 10"><circle cx="5" cy="5" r="4"/></svg>`

// buildCert creates a self-signed certificate with a logotype extension
// embedding the given payload as a data: URI.
func buildCert(t *testing.T, dataURI string, altNames []string) []byte {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	// The real LogotypeExtn is a deep SEQUENCE; for extraction purposes a
	// single ASN.1 string wrapping (asn1.Marshal emits a UTF8String here)
	// is structurally equivalent.
	extValue, err := asn1.Marshal(dataURI)
	if err != nil {
		t.Fatal(err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "Example Brand"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     altNames,
		ExtraExtensions: []pkix.Extension{
			{
				Id:    asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 12},
				Value: extValue,
			},
		},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		t.Fatal(err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// gzipBase64 compresses data and returns its base64 encoding.
func gzipBase64(t *testing.T, data []byte) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestParse(t *testing.T) {
	uri := "data:image/svg+xml;base64," + gzipBase64(t, []byte(testSVG))
	pemData := buildCert(t, uri, []string{"example.com", "mail.example.com"})

	indicator, err := Parse(pemData)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if string(indicator.SVG) != testSVG {
		t.Errorf("SVG = %q", indicator.SVG)
	}
	if len(indicator.AltNames) != 2 || indicator.AltNames[0] != "example.com" {
		t.Errorf("altNames = %v", indicator.AltNames)
	}
	if indicator.Certificate == nil {
		t.Error("certificate not exposed")
	}
}

func TestParseUncompressedSVG(t *testing.T) {
	uri := "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(testSVG))
	pemData := buildCert(t, uri, []string{"example.com"})

	indicator, err := Parse(pemData)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if string(indicator.SVG) != testSVG {
		t.Errorf("SVG = %q", indicator.SVG)
	}
}

func TestParseNoLogotype(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Plain"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		t.Fatal(err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	if _, err := Parse(pemData); !errors.Is(err, ErrNoLogotype) {
		t.Errorf("err = %v, want ErrNoLogotype", err)
	}
}

func TestParseNoCertificate(t *testing.T) {
	if _, err := Parse([]byte("not pem at all")); !errors.Is(err, ErrNoCertificate) {
		t.Errorf("err = %v, want ErrNoCertificate", err)
	}
}

func TestParseNoIndicatorData(t *testing.T) {
	pemData := buildCert(t, "https://example.com/logo.svg", nil)
	if _, err := Parse(pemData); !errors.Is(err, ErrNoIndicator) {
		t.Errorf("err = %v, want ErrNoIndicator", err)
	}
}
