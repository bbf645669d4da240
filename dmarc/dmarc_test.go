package dmarc

import (
	"context"
	"errors"
	"testing"

	"github.com/augjoh/mailauth/dkim"
	"github.com/augjoh/mailauth/dns"
	"github.com/augjoh/mailauth/spf"
)

func TestParseRecord(t *testing.T) {
	tests := []struct {
		txt     string
		isDMARC bool
		wantErr bool
		check   func(*Record) error
	}{
		{
			txt:     "v=DMARC1; p=reject; rua=mailto:dmarc@example.com",
			isDMARC: true,
			check: func(r *Record) error {
				if r.Policy != PolicyReject {
					return errors.New("policy not reject")
				}
				if len(r.AggregateReportAddresses) != 1 || r.AggregateReportAddresses[0].Address != "mailto:dmarc@example.com" {
					return errors.New("rua not parsed")
				}
				return nil
			},
		},
		{
			txt:     "v=DMARC1; p=quarantine; sp=none; adkim=s; aspf=s; pct=42",
			isDMARC: true,
			check: func(r *Record) error {
				if r.SubdomainPolicy != PolicyNone || r.ADKIM != AlignStrict || r.ASPF != AlignStrict || r.Percentage != 42 {
					return errors.New("tags not parsed")
				}
				return nil
			},
		},
		{
			txt:     "v=DMARC1; p=none; rua=mailto:a@x.example!10m,mailto:b@x.example",
			isDMARC: true,
			check: func(r *Record) error {
				if len(r.AggregateReportAddresses) != 2 {
					return errors.New("expected two rua addresses")
				}
				if r.AggregateReportAddresses[0].MaxSize != 10 || r.AggregateReportAddresses[0].Unit != "m" {
					return errors.New("rua size not parsed")
				}
				return nil
			},
		},
		{txt: "v=spf1 -all", isDMARC: false, wantErr: true},
		{txt: "v=DMARC1; p=bogus", isDMARC: true, wantErr: true},
		{txt: "v=DMARC1; pct=142; p=none", isDMARC: true, wantErr: true},
	}

	for _, tt := range tests {
		r, isDMARC, err := ParseRecord(tt.txt)
		if isDMARC != tt.isDMARC {
			t.Errorf("ParseRecord(%q) isDMARC = %v, want %v", tt.txt, isDMARC, tt.isDMARC)
			continue
		}
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRecord(%q) err = %v, wantErr %v", tt.txt, err, tt.wantErr)
			continue
		}
		if err == nil && tt.check != nil {
			if cerr := tt.check(r); cerr != nil {
				t.Errorf("ParseRecord(%q): %v", tt.txt, cerr)
			}
		}
	}
}

func TestParseRecordDefaults(t *testing.T) {
	r, _, err := ParseRecord("v=DMARC1; p=none")
	if err != nil {
		t.Fatal(err)
	}
	if r.ADKIM != AlignRelaxed || r.ASPF != AlignRelaxed {
		t.Error("default alignment must be relaxed")
	}
	if r.Percentage != 100 {
		t.Errorf("default pct = %d", r.Percentage)
	}
	if r.AggregateReportingInterval != 86400 {
		t.Errorf("default ri = %d", r.AggregateReportingInterval)
	}
}

func TestOrganizationalDomain(t *testing.T) {
	tests := []struct{ in, want string }{
		{"example.com", "example.com"},
		{"sub.example.com", "example.com"},
		{"a.b.example.co.uk", "example.co.uk"},
		{"example.co.uk", "example.co.uk"},
	}
	for _, tt := range tests {
		if got := OrganizationalDomain(tt.in); got != tt.want {
			t.Errorf("OrganizationalDomain(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDomainsAligned(t *testing.T) {
	if !DomainsAligned("example.com", "example.com", AlignStrict) {
		t.Error("identical domains must align strictly")
	}
	if DomainsAligned("mail.example.com", "example.com", AlignStrict) {
		t.Error("subdomain must not align strictly")
	}
	if !DomainsAligned("mail.example.com", "example.com", AlignRelaxed) {
		t.Error("subdomain must align relaxed")
	}
	if DomainsAligned("example.com", "example.org", AlignRelaxed) {
		t.Error("unrelated domains must not align")
	}
}

func TestLookupOrganizationalFallback(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"_dmarc.example.com.": {"v=DMARC1; p=reject"},
		},
	}

	_, domain, record, _, _, err := Lookup(context.Background(), resolver, "mail.sub.example.com")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if record == nil || record.Policy != PolicyReject {
		t.Fatalf("record = %+v", record)
	}
	if domain != "example.com" {
		t.Errorf("domain = %q, want example.com", domain)
	}
}

func TestLookupMultipleRecords(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"_dmarc.example.com.": {"v=DMARC1; p=reject", "v=DMARC1; p=none"},
		},
	}

	_, _, record, _, _, err := Lookup(context.Background(), resolver, "example.com")
	if record != nil || !errors.Is(err, ErrMultipleRecords) {
		t.Errorf("record = %v, err = %v", record, err)
	}
}

func TestVerifyAlignedDKIM(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"_dmarc.example.com.": {"v=DMARC1; p=reject"},
		},
	}

	_, result := Verify(context.Background(), resolver, VerifyArgs{
		FromDomain: "example.com",
		SPFResult:  spf.StatusFail,
		SPFDomain:  "other.example.org",
		DKIMResults: []dkim.Result{
			{Status: dkim.StatusPass, Signature: &dkim.Signature{Domain: "mail.example.com"}},
		},
	}, false)

	if result.Status != StatusPass {
		t.Fatalf("status = %s", result.Status)
	}
	if !result.AlignedDKIMPass || result.Method != "dkim" {
		t.Errorf("aligned dkim = %v, method = %q", result.AlignedDKIMPass, result.Method)
	}
	if result.Reject {
		t.Error("passing message must not be rejected")
	}
}

func TestVerifyAlignedSPF(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"_dmarc.example.com.": {"v=DMARC1; p=quarantine"},
		},
	}

	_, result := Verify(context.Background(), resolver, VerifyArgs{
		FromDomain: "example.com",
		SPFResult:  spf.StatusPass,
		SPFDomain:  "bounce.example.com",
	}, false)

	if result.Status != StatusPass || !result.AlignedSPFPass || result.Method != "spf" {
		t.Errorf("result = %+v", result)
	}
}

func TestVerifyStrictAlignmentFails(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"_dmarc.example.com.": {"v=DMARC1; p=reject; adkim=s; aspf=s"},
		},
	}

	_, result := Verify(context.Background(), resolver, VerifyArgs{
		FromDomain: "example.com",
		SPFResult:  spf.StatusPass,
		SPFDomain:  "bounce.example.com",
		DKIMResults: []dkim.Result{
			{Status: dkim.StatusPass, Signature: &dkim.Signature{Domain: "mail.example.com"}},
		},
	}, false)

	if result.Status != StatusFail {
		t.Fatalf("status = %s, want fail under strict alignment", result.Status)
	}
	if !result.Reject {
		t.Error("p=reject failing message must be marked for rejection")
	}
}

func TestVerifyNoPolicy(t *testing.T) {
	useResult, result := Verify(context.Background(), dns.MockResolver{}, VerifyArgs{
		FromDomain: "example.com",
	}, false)

	if useResult {
		t.Error("useResult must be false without a record")
	}
	if result.Status != StatusNone {
		t.Errorf("status = %s, want none (fails open)", result.Status)
	}
}

func TestVerifySubdomainPolicy(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"_dmarc.example.com.": {"v=DMARC1; p=reject; sp=none"},
		},
	}

	_, result := Verify(context.Background(), resolver, VerifyArgs{
		FromDomain: "sub.example.com",
		SPFResult:  spf.StatusFail,
	}, false)

	if result.Status != StatusFail {
		t.Fatalf("status = %s", result.Status)
	}
	if result.Reject {
		t.Error("sp=none must not request rejection for subdomain mail")
	}
}

func TestExtractFromDomain(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"alice@example.com", "example.com", false},
		{"Alice <alice@Example.COM>", "example.com", false},
		{"", "", true},
		{"not an address", "", true},
	}
	for _, tt := range tests {
		got, err := ExtractFromDomain(tt.header)
		if (err != nil) != tt.wantErr {
			t.Errorf("ExtractFromDomain(%q) err = %v", tt.header, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ExtractFromDomain(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestLookupExternalReportsAccepted(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"example.com._report._dmarc.thirdparty.example.": {"v=DMARC1"},
		},
	}

	accepts, _, _, _, _, err := LookupExternalReportsAccepted(context.Background(), resolver, "example.com", "thirdparty.example")
	if err != nil || !accepts {
		t.Errorf("accepts = %v, err = %v", accepts, err)
	}

	accepts, _, _, _, _, _ = LookupExternalReportsAccepted(context.Background(), resolver, "example.com", "other.example")
	if accepts {
		t.Error("missing record must not accept")
	}
}
