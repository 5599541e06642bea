package compliance

import (
	"testing"
	"time"

	"github.com/call-voice-lab/internal/config"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	p := config.DefaultPolicy()
	return NewGate(&p, nil)
}

func torontoAt(t *testing.T, hour, minute int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/Toronto")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return time.Date(2025, time.March, 12, hour, minute, 0, 0, loc)
}

func TestQuietHoursWindow(t *testing.T) {
	g := newTestGate(t)
	cases := []struct {
		hour, minute int
		quiet        bool
	}{
		{7, 59, true},
		{8, 0, false},
		{12, 30, false},
		{20, 59, false},
		{21, 0, true},
		{23, 15, true},
		{2, 0, true},
	}
	for _, c := range cases {
		now := torontoAt(t, c.hour, c.minute)
		if got := g.QuietHoursActive("America/Toronto", now); got != c.quiet {
			t.Fatalf("%02d:%02d quiet=%v, want %v", c.hour, c.minute, got, c.quiet)
		}
	}
}

func TestQuietHoursUsesCallerZoneNotUTC(t *testing.T) {
	g := newTestGate(t)
	// 14:00 UTC is 09:00 or 10:00 in Toronto depending on DST: allowed.
	now := time.Date(2025, time.March, 12, 14, 0, 0, 0, time.UTC)
	if g.QuietHoursActive("America/Toronto", now) {
		t.Fatalf("expected calling window open in Toronto at %s", now)
	}
	// Same instant is 23:00 in Tokyo: quiet.
	if !g.QuietHoursActive("Asia/Tokyo", now) {
		t.Fatalf("expected quiet hours in Tokyo at %s", now)
	}
}

func TestUnknownJurisdictionCountsAsQuiet(t *testing.T) {
	g := newTestGate(t)
	if !g.QuietHoursActive("Nowhere/Unknown", torontoAt(t, 12, 0)) {
		t.Fatal("unresolvable jurisdiction must be treated as quiet")
	}
}

func TestEvaluateOrder(t *testing.T) {
	g := newTestGate(t)
	night := torontoAt(t, 23, 0)
	day := torontoAt(t, 11, 0)

	cases := []struct {
		name   string
		view   View
		action Action
		want   Decision
	}{
		{"speak in window", View{Consent: ConsentGranted, Jurisdiction: "America/Toronto", Now: day}, ActionSpeak, Decision{Allowed: true}},
		{"speak with unknown consent", View{Consent: ConsentUnknown, Jurisdiction: "America/Toronto", Now: day}, ActionSpeak, Decision{Allowed: true}},
		{"speak at night", View{Consent: ConsentGranted, Jurisdiction: "America/Toronto", Now: night}, ActionSpeak, Decision{Reason: QuietHoursActive}},
		{"speak after refusal beats quiet hours", View{Consent: ConsentDenied, Jurisdiction: "America/Toronto", Now: night}, ActionSpeak, Decision{Reason: ConsentRequired, Hard: true}},
		{"persist without consent", View{Consent: ConsentUnknown, Now: day, TurnText: "hello"}, ActionPersist, Decision{Reason: ConsentRequired}},
		{"persist with pii", View{Consent: ConsentGranted, Now: day, TurnText: "my ssn is 123-45-6789"}, ActionPersist, Decision{Reason: RedactionRequired}},
		{"persist redacted", View{Consent: ConsentGranted, Now: day, TurnText: "my ssn is XXX-XX-XXXX"}, ActionPersist, Decision{Allowed: true}},
		{"persist ignores quiet hours", View{Consent: ConsentGranted, Jurisdiction: "America/Toronto", Now: night, TurnText: "ok"}, ActionPersist, Decision{Allowed: true}},
		{"retrieve always allowed", View{Consent: ConsentDenied, Now: night}, ActionRetrieve, Decision{Allowed: true}},
	}
	for _, c := range cases {
		got := g.Evaluate(c.view, c.action)
		if got != c.want {
			t.Fatalf("%s: got %+v, want %+v", c.name, got, c.want)
		}
	}
}

func TestEvaluateIsPure(t *testing.T) {
	g := newTestGate(t)
	v := View{Consent: ConsentGranted, Jurisdiction: "America/Toronto", Now: torontoAt(t, 22, 0)}
	first := g.Evaluate(v, ActionSpeak)
	for i := 0; i < 5; i++ {
		if got := g.Evaluate(v, ActionSpeak); got != first {
			t.Fatalf("evaluation %d differs: %+v vs %+v", i, got, first)
		}
	}
}

func TestParseConsentDigits(t *testing.T) {
	cases := map[string]Consent{
		"1":   ConsentGranted,
		" 1 ": ConsentGranted,
		"2":   ConsentDenied,
		"":    ConsentDenied,
		"11":  ConsentDenied,
		"#":   ConsentDenied,
	}
	for in, want := range cases {
		if got := ParseConsentDigits(in); got != want {
			t.Fatalf("ParseConsentDigits(%q)=%s want %s", in, got, want)
		}
	}
}

func TestPolicyJurisdictionOverride(t *testing.T) {
	p, err := config.ParsePolicy([]byte(`{
		"jurisdictions": {"ca-qc": {"timezone": "America/Montreal", "quiet_hours": [{"start": "20:00", "end": "09:00"}]}}
	}`))
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	g := NewGate(&p, nil)
	loc, _ := time.LoadLocation("America/Montreal")
	if !g.QuietHoursActive("CA-QC", time.Date(2025, 6, 2, 20, 30, 0, 0, loc)) {
		t.Fatal("expected 20:30 quiet under the CA-QC override")
	}
	if g.QuietHoursActive("CA-QC", time.Date(2025, 6, 2, 9, 0, 0, 0, loc)) {
		t.Fatal("expected 09:00 open under the CA-QC override")
	}
}
