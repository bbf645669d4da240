package bimi

import (
	"context"
	"errors"
	"testing"

	"github.com/augjoh/mailauth/dmarc"
	"github.com/augjoh/mailauth/dns"
	"github.com/augjoh/mailauth/message"
)

func headersOf(t *testing.T, raw string) message.Headers {
	t.Helper()
	headers, _, err := message.Split([]byte(raw + "\r\n\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	return headers
}

func passDMARC(from string, policy dmarc.Policy) dmarc.Result {
	return dmarc.Result{
		Status:     dmarc.StatusPass,
		FromDomain: from,
		Domain:     from,
		Record: &dmarc.Record{
			Version: "DMARC1",
			Policy:  policy,
		},
	}
}

func TestParseRecord(t *testing.T) {
	record, isBIMI, err := ParseRecord("v=BIMI1; l=https://example.com/logo.svg; a=https://example.com/vmc.pem")
	if err != nil || !isBIMI {
		t.Fatalf("ParseRecord() = %v, %v", isBIMI, err)
	}
	if record.Location != "https://example.com/logo.svg" || record.Authority != "https://example.com/vmc.pem" {
		t.Errorf("record = %+v", record)
	}

	if _, isBIMI, _ := ParseRecord("v=spf1 -all"); isBIMI {
		t.Error("SPF record accepted as BIMI")
	}

	if _, _, err := ParseRecord("v=BIMI1; l=http://insecure.example/logo.svg"); !errors.Is(err, ErrSyntax) {
		t.Errorf("http URI: err = %v", err)
	}

	declined, _, err := ParseRecord("v=BIMI1; l=; a=")
	if err != nil {
		t.Fatal(err)
	}
	if !declined.Declined() {
		t.Error("empty l= and a= must decline")
	}
}

func TestSelectorFromHeaders(t *testing.T) {
	headers := headersOf(t, "BIMI-Selector: v=BIMI1; s=brand\r\nFrom: a@b.c")
	if got := SelectorFromHeaders(headers); got != "brand" {
		t.Errorf("selector = %q", got)
	}

	headers = headersOf(t, "From: a@b.c")
	if got := SelectorFromHeaders(headers); got != DefaultSelector {
		t.Errorf("selector = %q, want default", got)
	}

	// Wrong version falls back to the default selector.
	headers = headersOf(t, "BIMI-Selector: v=BIMI2; s=brand")
	if got := SelectorFromHeaders(headers); got != DefaultSelector {
		t.Errorf("selector = %q, want default", got)
	}
}

func TestVerifyPass(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"default._bimi.example.com.": {"v=BIMI1; l=https://example.com/logo.svg; a=https://example.com/vmc.pem"},
		},
	}

	result := Verify(context.Background(), resolver, headersOf(t, "From: a@example.com"), passDMARC("example.com", dmarc.PolicyQuarantine))
	if result.Status != StatusPass {
		t.Fatalf("status = %s, err = %v", result.Status, result.Err)
	}
	if result.Indicator != "https://example.com/logo.svg" {
		t.Errorf("indicator = %q", result.Indicator)
	}
	if result.Authority != "https://example.com/vmc.pem" {
		t.Errorf("authority = %q", result.Authority)
	}
}

func TestVerifyGatedOnDMARC(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"default._bimi.example.com.": {"v=BIMI1; l=https://example.com/logo.svg"},
		},
	}

	// DMARC fail: skipped.
	result := Verify(context.Background(), resolver, headersOf(t, "From: a@example.com"), dmarc.Result{
		Status:     dmarc.StatusFail,
		FromDomain: "example.com",
	})
	if result.Status != StatusSkipped {
		t.Errorf("dmarc fail: status = %s, want skipped", result.Status)
	}

	// DMARC pass with p=none: still skipped.
	result = Verify(context.Background(), resolver, headersOf(t, "From: a@example.com"), passDMARC("example.com", dmarc.PolicyNone))
	if result.Status != StatusSkipped {
		t.Errorf("p=none: status = %s, want skipped", result.Status)
	}
}

func TestVerifySubdomainPolicyGate(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"default._bimi.example.com.": {"v=BIMI1; l=https://example.com/logo.svg"},
		},
	}

	// Subdomain mail with sp=none is not eligible even though p=reject.
	dmarcResult := dmarc.Result{
		Status:     dmarc.StatusPass,
		FromDomain: "sub.example.com",
		Domain:     "example.com",
		Record: &dmarc.Record{
			Version:         "DMARC1",
			Policy:          dmarc.PolicyReject,
			SubdomainPolicy: dmarc.PolicyNone,
		},
	}
	result := Verify(context.Background(), resolver, headersOf(t, "From: a@sub.example.com"), dmarcResult)
	if result.Status != StatusSkipped {
		t.Errorf("sp=none: status = %s, want skipped", result.Status)
	}
}

func TestVerifySelectorAndFallback(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"brand._bimi.example.com.": {"v=BIMI1; l=https://example.com/brand.svg"},
		},
	}

	headers := headersOf(t, "From: a@example.com\r\nBIMI-Selector: v=BIMI1; s=brand")
	result := Verify(context.Background(), resolver, headers, passDMARC("example.com", dmarc.PolicyReject))
	if result.Status != StatusPass || result.Selector != "brand" {
		t.Fatalf("result = %+v", result)
	}

	// Subdomain without own record falls back to the organizational
	// domain's default selector.
	fallback := dns.MockResolver{
		TXT: map[string][]string{
			"default._bimi.example.com.": {"v=BIMI1; l=https://example.com/logo.svg"},
		},
	}
	dmarcResult := passDMARC("mail.example.com", dmarc.PolicyQuarantine)
	result = Verify(context.Background(), fallback, headersOf(t, "From: a@mail.example.com"), dmarcResult)
	if result.Status != StatusPass {
		t.Fatalf("fallback status = %s, err = %v", result.Status, result.Err)
	}
	if result.Domain != "example.com" || result.Selector != DefaultSelector {
		t.Errorf("fallback domain/selector = %s/%s", result.Domain, result.Selector)
	}
}

func TestVerifyDeclined(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"default._bimi.example.com.": {"v=BIMI1; l=; a="},
		},
	}

	result := Verify(context.Background(), resolver, headersOf(t, "From: a@example.com"), passDMARC("example.com", dmarc.PolicyReject))
	if result.Status != StatusDeclined {
		t.Errorf("status = %s, want declined", result.Status)
	}
}

func TestVerifyNoRecord(t *testing.T) {
	result := Verify(context.Background(), dns.MockResolver{}, headersOf(t, "From: a@example.com"), passDMARC("example.com", dmarc.PolicyReject))
	if result.Status != StatusNone {
		t.Errorf("status = %s, want none", result.Status)
	}
}

func TestVerifyTemperror(t *testing.T) {
	resolver := dns.MockResolver{
		Fail: []string{"txt default._bimi.example.com."},
	}
	result := Verify(context.Background(), resolver, headersOf(t, "From: a@example.com"), passDMARC("example.com", dmarc.PolicyReject))
	if result.Status != StatusTemperror {
		t.Errorf("status = %s, want temperror", result.Status)
	}
}
