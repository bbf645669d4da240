package spf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/augjoh/mailauth/dns"
)

func TestVerify(t *testing.T) {
	tests := []struct {
		name       string
		resolver   dns.MockResolver
		args       Args
		wantStatus Status
	}{
		{
			name: "pass with ip4 match",
			resolver: dns.MockResolver{
				TXT: map[string][]string{
					"example.com.": {"v=spf1 ip4:192.0.2.0/24 -all"},
				},
			},
			args: Args{
				RemoteIP:       net.ParseIP("192.0.2.1"),
				MailFromDomain: "example.com",
				MailFromLocal:  "user",
			},
			wantStatus: StatusPass,
		},
		{
			name: "fail with ip4 no match",
			resolver: dns.MockResolver{
				TXT: map[string][]string{
					"example.com.": {"v=spf1 ip4:192.0.2.0/24 -all"},
				},
			},
			args: Args{
				RemoteIP:       net.ParseIP("10.0.0.1"),
				MailFromDomain: "example.com",
				MailFromLocal:  "user",
			},
			wantStatus: StatusFail,
		},
		{
			name: "ipv6-mapped ipv4 normalized",
			resolver: dns.MockResolver{
				TXT: map[string][]string{
					"example.com.": {"v=spf1 ip4:192.0.2.0/24 -all"},
				},
			},
			args: Args{
				RemoteIP:       net.ParseIP("::ffff:192.0.2.7"),
				MailFromDomain: "example.com",
			},
			wantStatus: StatusPass,
		},
		{
			name: "pass with a mechanism",
			resolver: dns.MockResolver{
				TXT: map[string][]string{
					"example.com.": {"v=spf1 a -all"},
				},
				A: map[string][]string{
					"example.com.": {"192.0.2.1"},
				},
			},
			args: Args{
				RemoteIP:       net.ParseIP("192.0.2.1"),
				MailFromDomain: "example.com",
			},
			wantStatus: StatusPass,
		},
		{
			name: "pass with mx mechanism",
			resolver: dns.MockResolver{
				TXT: map[string][]string{
					"wildduck.email.": {"v=spf1 mx a -all"},
				},
				MX: map[string][]*net.MX{
					"wildduck.email.": {{Host: "mail.wildduck.email.", Pref: 10}},
				},
				A: map[string][]string{
					"mail.wildduck.email.": {"217.146.76.20"},
				},
			},
			args: Args{
				RemoteIP:       net.ParseIP("217.146.76.20"),
				MailFromDomain: "wildduck.email",
				MailFromLocal:  "andris",
			},
			wantStatus: StatusPass,
		},
		{
			name: "softfail qualifier",
			resolver: dns.MockResolver{
				TXT: map[string][]string{
					"example.com.": {"v=spf1 ~all"},
				},
			},
			args: Args{
				RemoteIP:       net.ParseIP("192.0.2.1"),
				MailFromDomain: "example.com",
			},
			wantStatus: StatusSoftfail,
		},
		{
			name: "neutral qualifier",
			resolver: dns.MockResolver{
				TXT: map[string][]string{
					"example.com.": {"v=spf1 ?all"},
				},
			},
			args: Args{
				RemoteIP:       net.ParseIP("192.0.2.1"),
				MailFromDomain: "example.com",
			},
			wantStatus: StatusNeutral,
		},
		{
			name: "no record",
			resolver: dns.MockResolver{
				TXT: map[string][]string{},
			},
			args: Args{
				RemoteIP:       net.ParseIP("192.0.2.1"),
				MailFromDomain: "example.com",
			},
			wantStatus: StatusNone,
		},
		{
			name: "multiple records permerror",
			resolver: dns.MockResolver{
				TXT: map[string][]string{
					"example.com.": {"v=spf1 -all", "v=spf1 +all"},
				},
			},
			args: Args{
				RemoteIP:       net.ParseIP("192.0.2.1"),
				MailFromDomain: "example.com",
			},
			wantStatus: StatusPermerror,
		},
		{
			name: "include pass",
			resolver: dns.MockResolver{
				TXT: map[string][]string{
					"example.com.": {"v=spf1 include:_spf.example.net -all"},
					"_spf.example.net.": {"v=spf1 ip4:192.0.2.0/24 -all"},
				},
			},
			args: Args{
				RemoteIP:       net.ParseIP("192.0.2.1"),
				MailFromDomain: "example.com",
			},
			wantStatus: StatusPass,
		},
		{
			name: "include fail does not match",
			resolver: dns.MockResolver{
				TXT: map[string][]string{
					"example.com.": {"v=spf1 include:_spf.example.net ~all"},
					"_spf.example.net.": {"v=spf1 -all"},
				},
			},
			args: Args{
				RemoteIP:       net.ParseIP("192.0.2.1"),
				MailFromDomain: "example.com",
			},
			wantStatus: StatusSoftfail,
		},
		{
			name: "include without record is permerror",
			resolver: dns.MockResolver{
				TXT: map[string][]string{
					"example.com.": {"v=spf1 include:missing.example.net -all"},
				},
			},
			args: Args{
				RemoteIP:       net.ParseIP("192.0.2.1"),
				MailFromDomain: "example.com",
			},
			wantStatus: StatusPermerror,
		},
		{
			name: "redirect",
			resolver: dns.MockResolver{
				TXT: map[string][]string{
					"example.com.": {"v=spf1 redirect=_spf.example.com"},
					"_spf.example.com.": {"v=spf1 ip4:192.0.2.0/24 -all"},
				},
			},
			args: Args{
				RemoteIP:       net.ParseIP("192.0.2.1"),
				MailFromDomain: "example.com",
			},
			wantStatus: StatusPass,
		},
		{
			name: "temperror on dns failure",
			resolver: dns.MockResolver{
				Fail: []string{"txt example.com."},
			},
			args: Args{
				RemoteIP:       net.ParseIP("192.0.2.1"),
				MailFromDomain: "example.com",
			},
			wantStatus: StatusTemperror,
		},
		{
			name: "helo identity for null reverse-path",
			resolver: dns.MockResolver{
				TXT: map[string][]string{
					"mail.example.org.": {"v=spf1 ip4:192.0.2.0/24 -all"},
				},
			},
			args: Args{
				RemoteIP:    net.ParseIP("192.0.2.1"),
				HelloDomain: "mail.example.org",
			},
			wantStatus: StatusPass,
		},
		{
			name:     "no identity at all",
			resolver: dns.MockResolver{},
			args: Args{
				RemoteIP:    net.ParseIP("192.0.2.1"),
				HelloDomain: "192.0.2.1",
				HelloIsIP:   true,
			},
			wantStatus: StatusNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			received, _, _, _, _ := Verify(context.Background(), tt.resolver, tt.args)
			if received.Result != tt.wantStatus {
				t.Errorf("Verify() = %s (%s), want %s", received.Result, received.Problem, tt.wantStatus)
			}
		})
	}
}

func TestVerifyLookupCount(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"wildduck.email.": {"v=spf1 mx a -all"},
		},
		MX: map[string][]*net.MX{
			"wildduck.email.": {{Host: "mail.wildduck.email.", Pref: 10}},
		},
		A: map[string][]string{
			"mail.wildduck.email.": {"217.146.76.20"},
		},
	}

	received, _, _, _, err := Verify(context.Background(), resolver, Args{
		RemoteIP:       net.ParseIP("217.146.76.20"),
		MailFromDomain: "wildduck.email",
		MailFromLocal:  "andris",
	})
	if err != nil {
		t.Fatal(err)
	}
	if received.Result != StatusPass {
		t.Fatalf("result = %s", received.Result)
	}
	if received.Lookups != 3 {
		t.Errorf("lookups = %d, want 3 (TXT, MX, A)", received.Lookups)
	}
}

func TestVerifyLookupLimit(t *testing.T) {
	// A chain of 51 includes exhausts the default budget of 50 lookups.
	txt := map[string][]string{}
	for i := 0; i < 51; i++ {
		txt[fmt.Sprintf("d%d.example.", i)] = []string{fmt.Sprintf("v=spf1 include:d%d.example -all", i+1)}
	}
	txt["d51.example."] = []string{"v=spf1 +all"}

	received, _, _, _, err := Verify(context.Background(), dns.MockResolver{TXT: txt}, Args{
		RemoteIP:       net.ParseIP("192.0.2.1"),
		MailFromDomain: "d0.example",
	})
	if received.Result != StatusPermerror {
		t.Fatalf("result = %s, want permerror", received.Result)
	}
	if !errors.Is(err, ErrTooManyDNSRequests) {
		t.Errorf("err = %v", err)
	}
	if !strings.Contains(received.Problem, "too many DNS lookups") {
		t.Errorf("problem = %q", received.Problem)
	}
}

func TestVerifyCustomLookupLimit(t *testing.T) {
	txt := map[string][]string{
		"a.example.": {"v=spf1 include:b.example -all"},
		"b.example.": {"v=spf1 include:c.example -all"},
		"c.example.": {"v=spf1 +all"},
	}

	received, _, _, _, _ := Verify(context.Background(), dns.MockResolver{TXT: txt}, Args{
		RemoteIP:       net.ParseIP("192.0.2.1"),
		MailFromDomain: "a.example",
		MaxLookups:     2,
	})
	if received.Result != StatusPermerror {
		t.Errorf("result = %s, want permerror with MaxLookups=2", received.Result)
	}
}

func TestVerifyVoidLookups(t *testing.T) {
	// A lookup after two consecutive void lookups aborts the evaluation.
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"example.com.": {"v=spf1 a:void1.example a:void2.example a:void3.example +all"},
		},
	}

	received, _, _, _, err := Verify(context.Background(), resolver, Args{
		RemoteIP:       net.ParseIP("192.0.2.1"),
		MailFromDomain: "example.com",
	})
	if received.Result != StatusPermerror {
		t.Fatalf("result = %s, want permerror", received.Result)
	}
	if !errors.Is(err, ErrTooManyVoidLookups) {
		t.Errorf("err = %v", err)
	}
}

func TestReceivedHeader(t *testing.T) {
	received := Received{
		Result:       StatusPass,
		Comment:      "mx.local: domain of example.com designates 192.0.2.1 as permitted sender",
		ClientIP:     net.ParseIP("192.0.2.1"),
		EnvelopeFrom: "user@example.com",
		Helo:         "mail.example.com",
		Record:       "v=spf1 mx -all",
	}

	header := received.Header()
	if !strings.HasPrefix(header, "Received-SPF: pass (") {
		t.Errorf("header = %q", header)
	}
	for _, want := range []string{
		"client-ip=192.0.2.1;",
		`envelope-from="user@example.com";`,
		"helo=mail.example.com;",
		"rr=v=spf1 mx -all",
	} {
		if !strings.Contains(header, want) {
			t.Errorf("header missing %q:\n%s", want, header)
		}
	}

	// Folded lines stay within 160 columns.
	for _, line := range strings.Split(header, "\r\n") {
		if len(line) > 160 {
			t.Errorf("line longer than 160 columns: %q", line)
		}
	}
}

func TestMacroExpansion(t *testing.T) {
	args := Args{
		RemoteIP:       net.ParseIP("192.0.2.3"),
		MailFromDomain: "email.example.com",
		MailFromLocal:  "strong-bad",
		HelloDomain:    "mail.example.org",
	}
	if _, ok := prepareArgs(&args); !ok {
		t.Fatal("prepareArgs failed")
	}

	tests := []struct {
		spec string
		want string
	}{
		{"%{s}", "strong-bad@email.example.com"},
		{"%{o}", "email.example.com"},
		{"%{d}", "email.example.com"},
		{"%{d4}", "email.example.com"},
		{"%{d2}", "example.com"},
		{"%{l}", "strong-bad"},
		{"%{i}", "192.0.2.3"},
		{"%{h}", "mail.example.org"},
		{"%{v}", "in-addr"},
		{"%{ir}", "3.2.0.192"},
		{"%{l-}", "strong.bad"},
		{"%{lr-}", "bad.strong"},
		{"%{l1r-}", "strong"},
		{"%{ir}.%{v}._spf.%{d2}", "3.2.0.192.in-addr._spf.example.com"},
		{"%{d2}.trusted-domains.example.net", "example.com.trusted-domains.example.net"},
	}

	for _, tt := range tests {
		got, _, err := expandDomainSpec(context.Background(), dns.MockResolver{}, tt.spec, args, true)
		if err != nil {
			t.Errorf("expand(%q) error = %v", tt.spec, err)
			continue
		}
		if got != tt.want {
			t.Errorf("expand(%q) = %q, want %q", tt.spec, got, tt.want)
		}
	}
}

func TestMacroExpansionIPv6(t *testing.T) {
	args := Args{
		RemoteIP:       net.ParseIP("2001:db8::cb01"),
		MailFromDomain: "example.com",
	}
	if _, ok := prepareArgs(&args); !ok {
		t.Fatal("prepareArgs failed")
	}

	got, _, err := expandDomainSpec(context.Background(), dns.MockResolver{}, "%{i}", args, false)
	if err != nil {
		t.Fatal(err)
	}
	want := "2.0.0.1.0.d.b.8.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.c.b.0.1"
	if got != want {
		t.Errorf("%%{i} = %q, want %q", got, want)
	}
}

func TestMacroUppercaseURLEncodes(t *testing.T) {
	args := Args{
		RemoteIP:       net.ParseIP("192.0.2.3"),
		MailFromDomain: "example.com",
		MailFromLocal:  "strong bad",
	}
	if _, ok := prepareArgs(&args); !ok {
		t.Fatal("prepareArgs failed")
	}

	got, _, err := expandDomainSpec(context.Background(), dns.MockResolver{}, "%{L}", args, false)
	if err != nil {
		t.Fatal(err)
	}
	if got != "strong+bad" && got != "strong%20bad" {
		t.Errorf("%%{L} = %q", got)
	}
}

func TestMacroExpOnly(t *testing.T) {
	args := Args{
		RemoteIP:       net.ParseIP("192.0.2.3"),
		MailFromDomain: "example.com",
	}
	if _, ok := prepareArgs(&args); !ok {
		t.Fatal("prepareArgs failed")
	}

	for _, spec := range []string{"%{c}", "%{r}", "%{t}"} {
		if _, _, err := expandDomainSpec(context.Background(), dns.MockResolver{}, spec, args, true); !errors.Is(err, ErrMacroSyntax) {
			t.Errorf("%s in domain-spec: err = %v, want macro syntax error", spec, err)
		}
	}
}

func TestExplanation(t *testing.T) {
	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"example.com.":     {"v=spf1 -all exp=explain._spf.%{d}"},
			"explain._spf.example.com.": {"%{i} is not one of %{d}'s designated mail servers."},
		},
	}

	received, _, explanation, _, _ := Verify(context.Background(), resolver, Args{
		RemoteIP:       net.ParseIP("192.0.2.1"),
		MailFromDomain: "example.com",
	})
	if received.Result != StatusFail {
		t.Fatalf("result = %s", received.Result)
	}
	want := "192.0.2.1 is not one of example.com's designated mail servers."
	if explanation != want {
		t.Errorf("explanation = %q, want %q", explanation, want)
	}
}

func TestParseRecord(t *testing.T) {
	tests := []struct {
		txt     string
		isSPF   bool
		wantErr bool
	}{
		{"v=spf1 -all", true, false},
		{"v=spf1 ip4:192.0.2.0/24 ~all", true, false},
		{"v=spf1 include:_spf.example.com redirect=other.example", true, false},
		{"v=spf1 a:mail.example.com/28 mx/24 exists:%{ir}.sbl.example.org -all", true, false},
		{"v=spf1 ip6:2001:db8::/32 -all", true, false},
		{"v=spf10 -all", false, false},
		{"not an spf record", false, false},
		{"v=spf1 ip4:999.0.2.0/24", true, true},
		{"v=spf1 ip4:192.0.2.0/99", true, true},
		{"v=spf1 bogus:x", true, true},
	}

	for _, tt := range tests {
		r, isSPF, err := ParseRecord(tt.txt)
		if isSPF != tt.isSPF {
			t.Errorf("ParseRecord(%q) isSPF = %v, want %v", tt.txt, isSPF, tt.isSPF)
			continue
		}
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRecord(%q) err = %v, wantErr %v", tt.txt, err, tt.wantErr)
			continue
		}
		if err == nil && isSPF {
			// Round-trip through String keeps the record parseable.
			if _, isSPF2, err2 := ParseRecord(r.String()); !isSPF2 || err2 != nil {
				t.Errorf("round-trip of %q failed: %v", tt.txt, err2)
			}
		}
	}
}

func TestParseRecordQualifiers(t *testing.T) {
	r, isSPF, err := ParseRecord("v=spf1 +mx -ip4:192.0.2.1 ~a ?exists:%{d} -all")
	if !isSPF || err != nil {
		t.Fatalf("ParseRecord() = %v, %v", isSPF, err)
	}
	want := []string{"+", "-", "~", "?", "-"}
	if len(r.Directives) != len(want) {
		t.Fatalf("got %d directives", len(r.Directives))
	}
	for i, q := range want {
		if r.Directives[i].Qualifier != q {
			t.Errorf("directive %d qualifier = %q, want %q", i, r.Directives[i].Qualifier, q)
		}
	}
}
