package arc

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"strings"
	"testing"

	"github.com/augjoh/mailauth/dkim"
	"github.com/augjoh/mailauth/dns"
	"github.com/augjoh/mailauth/message"
)

// splitForTest parses a message string into its header list.
func splitForTest(msg string) (message.Headers, int, error) {
	return message.Split([]byte(msg))
}

const testMessage = "From: alice@example.com\r\n" +
	"To: bob@example.org\r\n" +
	"Subject: greetings\r\n" +
	"Date: Mon, 5 Aug 2024 10:00:00 +0000\r\n" +
	"Message-ID: <123@example.com>\r\n" +
	"\r\n" +
	"Hello Bob,\r\n" +
	"\r\n" +
	"have a nice day.\r\n"

// newSealer returns a sealer with a fresh RSA key and a resolver serving
// the matching key record.
func newSealer(t *testing.T, domain, selector string) (*Sealer, dns.MockResolver) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	sealer := &Sealer{
		Domain:     domain,
		Selector:   selector,
		PrivateKey: key,
	}

	record := &dkim.Record{Version: "DKIM1", PublicKey: key.Public()}
	txt, err := record.ToTXT()
	if err != nil {
		t.Fatal(err)
	}

	resolver := dns.MockResolver{
		TXT: map[string][]string{
			selector + "._domainkey." + domain + ".": {txt},
		},
	}

	return sealer, resolver
}

// mergeResolvers combines the TXT tables of multiple mock resolvers.
func mergeResolvers(resolvers ...dns.MockResolver) dns.MockResolver {
	merged := dns.MockResolver{TXT: map[string][]string{}}
	for _, r := range resolvers {
		for name, records := range r.TXT {
			merged.TXT[name] = records
		}
	}
	return merged
}

func TestVerifyNoChain(t *testing.T) {
	result, err := Verify(context.Background(), dns.MockResolver{}, []byte(testMessage))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusNone {
		t.Errorf("status = %s, want none", result.Status)
	}
}

func TestSealAndVerifySingleInstance(t *testing.T) {
	sealer, resolver := newSealer(t, "relay.example", "arc1")

	sealed, err := sealer.Seal([]byte(testMessage), "relay.example", "spf=pass smtp.mailfrom=alice@example.com", ChainValidationNone)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if sealed.Instance != 1 {
		t.Fatalf("instance = %d, want 1", sealed.Instance)
	}
	if !strings.HasPrefix(sealed.Seal, "ARC-Seal: i=1;") {
		t.Errorf("seal header = %q", sealed.Seal)
	}
	if !strings.Contains(sealed.Seal, "cv=none;") {
		t.Errorf("seal must carry cv=none: %q", sealed.Seal)
	}

	msg := sealed.Headers() + testMessage
	result, err := Verify(context.Background(), resolver, []byte(msg))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusPass {
		t.Fatalf("status = %s (%s), err = %v", result.Status, result.FailedReason, result.Err)
	}
	if result.Instance != 1 || result.OldestPass != 1 {
		t.Errorf("instance/oldest = %d/%d", result.Instance, result.OldestPass)
	}
}

func TestSealAndVerifyTwoInstances(t *testing.T) {
	sealer1, resolver1 := newSealer(t, "first.example", "arc1")
	sealer2, resolver2 := newSealer(t, "second.example", "arc2")
	resolver := mergeResolvers(resolver1, resolver2)

	sealed1, err := sealer1.Seal([]byte(testMessage), "first.example", "spf=pass smtp.mailfrom=alice@example.com", ChainValidationNone)
	if err != nil {
		t.Fatal(err)
	}
	msg1 := sealed1.Headers() + testMessage

	// The second hop verifies the chain before sealing.
	result, err := Verify(context.Background(), resolver, []byte(msg1))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusPass {
		t.Fatalf("first hop chain: %s (%s) %v", result.Status, result.FailedReason, result.Err)
	}

	sealed2, err := sealer2.Seal([]byte(msg1), "second.example", "arc=pass; spf=fail", ChainValidationPass)
	if err != nil {
		t.Fatal(err)
	}
	if sealed2.Instance != 2 {
		t.Fatalf("instance = %d, want 2", sealed2.Instance)
	}

	msg2 := sealed2.Headers() + msg1
	result, err = Verify(context.Background(), resolver, []byte(msg2))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusPass {
		t.Fatalf("status = %s (%s), err = %v", result.Status, result.FailedReason, result.Err)
	}
	if result.Instance != 2 {
		t.Errorf("instance = %d, want 2", result.Instance)
	}
}

func TestVerifyTamperedPriorAAR(t *testing.T) {
	sealer1, resolver1 := newSealer(t, "first.example", "arc1")
	sealer2, resolver2 := newSealer(t, "second.example", "arc2")
	resolver := mergeResolvers(resolver1, resolver2)

	sealed1, err := sealer1.Seal([]byte(testMessage), "first.example", "spf=pass", ChainValidationNone)
	if err != nil {
		t.Fatal(err)
	}
	msg1 := sealed1.Headers() + testMessage

	sealed2, err := sealer2.Seal([]byte(msg1), "second.example", "arc=pass", ChainValidationPass)
	if err != nil {
		t.Fatal(err)
	}
	msg2 := sealed2.Headers() + msg1

	// Tamper with the first instance's AAR after the second seal was made.
	tampered := strings.Replace(msg2, "i=1; first.example", "i=1; evil.example", 1)
	if tampered == msg2 {
		t.Fatal("tampering had no effect; fixture mismatch")
	}

	result, err := Verify(context.Background(), resolver, []byte(tampered))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusFail {
		t.Fatalf("status = %s, want fail", result.Status)
	}
	if result.FailedInstance == 0 {
		t.Error("failed instance not identified")
	}
	if !errors.Is(result.Err, ErrSealFailed) {
		t.Errorf("err = %v, want seal failure", result.Err)
	}
}

func TestVerifyTamperedBody(t *testing.T) {
	sealer, resolver := newSealer(t, "relay.example", "arc1")

	sealed, err := sealer.Seal([]byte(testMessage), "relay.example", "spf=pass", ChainValidationNone)
	if err != nil {
		t.Fatal(err)
	}
	msg := sealed.Headers() + strings.Replace(testMessage, "nice day", "bad day", 1)

	result, err := Verify(context.Background(), resolver, []byte(msg))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusFail || !errors.Is(result.Err, ErrBodyHashMismatch) {
		t.Errorf("status = %s, err = %v", result.Status, result.Err)
	}
}

func TestVerifyChainStructure(t *testing.T) {
	sealer, resolver := newSealer(t, "relay.example", "arc1")

	sealed, err := sealer.Seal([]byte(testMessage), "relay.example", "spf=pass", ChainValidationNone)
	if err != nil {
		t.Fatal(err)
	}

	// Remove the AMS: the set triple is incomplete.
	withoutAMS := sealed.Seal + "\r\n" + sealed.AuthenticationResults + "\r\n" + testMessage
	result, err := Verify(context.Background(), resolver, []byte(withoutAMS))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusFail {
		t.Errorf("incomplete set: status = %s, want fail", result.Status)
	}
}

func TestVerifyInstanceGap(t *testing.T) {
	sealer2, resolver := newSealer(t, "second.example", "arc2")

	// Seal a first instance, then renumber it to i=2 with no i=1.
	sealed, err := sealer2.Seal([]byte(testMessage), "second.example", "spf=pass", ChainValidationNone)
	if err != nil {
		t.Fatal(err)
	}
	shifted := strings.ReplaceAll(sealed.Headers(), "i=1;", "i=2;")
	shifted = strings.ReplaceAll(shifted, "cv=none;", "cv=pass;")

	result, err := Verify(context.Background(), resolver, []byte(shifted+testMessage))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusFail || !errors.Is(result.Err, ErrGapInChain) {
		t.Errorf("status = %s, err = %v", result.Status, result.Err)
	}
}

func TestVerifyIntermediateCvNone(t *testing.T) {
	sealer1, resolver1 := newSealer(t, "first.example", "arc1")
	sealer2, resolver2 := newSealer(t, "second.example", "arc2")
	resolver := mergeResolvers(resolver1, resolver2)

	sealed1, err := sealer1.Seal([]byte(testMessage), "first.example", "spf=pass", ChainValidationNone)
	if err != nil {
		t.Fatal(err)
	}
	msg1 := sealed1.Headers() + testMessage

	sealed2, err := sealer2.Seal([]byte(msg1), "second.example", "arc=pass", ChainValidationPass)
	if err != nil {
		t.Fatal(err)
	}

	// Declare cv=none at i=2: the chain must fail regardless of signatures.
	headers2 := strings.Replace(sealed2.Headers(), "cv=pass;", "cv=none;", 1)
	result, err := Verify(context.Background(), resolver, []byte(headers2+msg1))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusFail || result.FailedInstance != 2 {
		t.Errorf("status = %s, failed instance = %d", result.Status, result.FailedInstance)
	}
}

func TestVerifyDeclaredCvFail(t *testing.T) {
	sealer1, resolver1 := newSealer(t, "first.example", "arc1")
	sealer2, resolver2 := newSealer(t, "second.example", "arc2")
	resolver := mergeResolvers(resolver1, resolver2)

	sealed1, err := sealer1.Seal([]byte(testMessage), "first.example", "spf=pass", ChainValidationNone)
	if err != nil {
		t.Fatal(err)
	}
	msg1 := sealed1.Headers() + testMessage

	sealed2, err := sealer2.Seal([]byte(msg1), "second.example", "arc=fail", ChainValidationFail)
	if err != nil {
		t.Fatal(err)
	}

	result, err := Verify(context.Background(), resolver, []byte(sealed2.Headers()+msg1))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusFail {
		t.Errorf("declared cv=fail: status = %s, want fail", result.Status)
	}
}

func TestSealEd25519(t *testing.T) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	sealer := &Sealer{
		Domain:     "relay.example",
		Selector:   "ed",
		PrivateKey: key,
	}

	record := &dkim.Record{Version: "DKIM1", Key: "ed25519", PublicKey: key.Public()}
	txt, err := record.ToTXT()
	if err != nil {
		t.Fatal(err)
	}
	resolver := dns.MockResolver{
		TXT: map[string][]string{"ed._domainkey.relay.example.": {txt}},
	}

	sealed, err := sealer.Seal([]byte(testMessage), "relay.example", "spf=pass", ChainValidationNone)
	if err != nil {
		t.Fatal(err)
	}

	result, err := Verify(context.Background(), resolver, []byte(sealed.Headers()+testMessage))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusPass {
		t.Fatalf("status = %s (%s), err = %v", result.Status, result.FailedReason, result.Err)
	}
}

func TestSealCvNoneRequiredForFirstInstance(t *testing.T) {
	sealer, _ := newSealer(t, "relay.example", "arc1")
	_, err := sealer.Seal([]byte(testMessage), "relay.example", "spf=pass", ChainValidationPass)
	if !errors.Is(err, ErrChainValidationMismatch) {
		t.Errorf("err = %v, want chain validation mismatch", err)
	}
}

func TestParseSealRequiredTags(t *testing.T) {
	_, err := ParseSeal("i=1; a=rsa-sha256; d=example.com; s=sel; b=dGVzdA==")
	if !errors.Is(err, ErrMissingTag) {
		t.Errorf("missing cv: err = %v", err)
	}

	seal, err := ParseSeal("i=1; a=rsa-sha256; cv=none; d=Example.COM; s=sel; t=1234; b=dGVzdA==")
	if err != nil {
		t.Fatal(err)
	}
	if seal.Domain != "example.com" || seal.ChainValidation != ChainValidationNone || seal.Timestamp != 1234 {
		t.Errorf("seal = %+v", seal)
	}
}

func TestParseAuthenticationResults(t *testing.T) {
	aar, err := ParseAuthenticationResults("i=2; mx.example.com; spf=pass smtp.mailfrom=a@b.c; dkim=fail")
	if err != nil {
		t.Fatal(err)
	}
	if aar.Instance != 2 || aar.AuthServID != "mx.example.com" {
		t.Errorf("aar = %+v", aar)
	}
	if !strings.HasPrefix(aar.Results, "spf=pass") {
		t.Errorf("results = %q", aar.Results)
	}

	if _, err := ParseAuthenticationResults("mx.example.com; spf=pass"); !errors.Is(err, ErrSyntax) {
		t.Errorf("missing i=: err = %v", err)
	}
	if _, err := ParseAuthenticationResults("i=99; mx.example.com; spf=pass"); !errors.Is(err, ErrInvalidInstance) {
		t.Errorf("out of range instance: err = %v", err)
	}
}

func TestExtractSets(t *testing.T) {
	sealer, _ := newSealer(t, "relay.example", "arc1")
	sealed, err := sealer.Seal([]byte(testMessage), "relay.example", "spf=pass", ChainValidationNone)
	if err != nil {
		t.Fatal(err)
	}

	headers, _, err := splitForTest(sealed.Headers() + testMessage)
	if err != nil {
		t.Fatal(err)
	}
	sets, err := ExtractSets(headers)
	if err != nil {
		t.Fatal(err)
	}
	if len(sets) != 1 || sets[0].Instance != 1 {
		t.Errorf("sets = %+v", sets)
	}
}
