package auth

import (
	"net"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

func newTestSession(t *testing.T) (*Session, net.Conn, func()) {
	t.Helper()
	c1, c2 := net.Pipe()
	client := imapclient.New(c1, nil)
	s := NewSession(client, false, nil)
	return s, c2, func() { client.Close(); c1.Close(); c2.Close() }
}

func writeLine(t *testing.T, w net.Conn, s string) {
	t.Helper()
	if _, err := w.Write([]byte(s + "\r\n")); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func capSet(names ...string) imap.CapSet {
	cs := imap.CapSet{}
	for _, n := range names {
		cs[imap.Cap(n)] = struct{}{}
	}
	return cs
}

func TestCandidatesRespectsPreferenceOrder(t *testing.T) {
	s, _, cleanup := newTestSession(t)
	defer cleanup()

	s.setCapabilities(capSet("IMAP4rev1", "AUTH=PLAIN", "AUTH=LOGIN", "AUTH=CRAM-MD5"))
	cands := s.candidates(PrefAny)
	if len(cands) == 0 || cands[0] != MethodCRAMMD5 {
		t.Fatalf("expected CRAM-MD5 first, got %v", cands)
	}
	// Legacy LOGIN should always be last resort.
	if cands[len(cands)-1] != MethodLegacyLogin {
		t.Errorf("expected legacy LOGIN last, got %v", cands)
	}
}

func TestCandidatesSkipsFailedMethods(t *testing.T) {
	s, _, cleanup := newTestSession(t)
	defer cleanup()

	s.setCapabilities(capSet("AUTH=PLAIN", "AUTH=CRAM-MD5"))
	s.markFailed(MethodCRAMMD5)
	cands := s.candidates(PrefAny)
	for _, m := range cands {
		if m == MethodCRAMMD5 {
			t.Errorf("failed method CRAM-MD5 should not be a candidate: %v", cands)
		}
	}
}

func TestCandidatesHonorsSecurePreference(t *testing.T) {
	s, _, cleanup := newTestSession(t)
	defer cleanup()

	s.setCapabilities(capSet("AUTH=PLAIN", "AUTH=LOGIN", "AUTH=CRAM-MD5"))
	cands := s.candidates(PrefSecure)
	for _, m := range cands {
		if m == MethodPlain || m == MethodLogin || m == MethodLegacyLogin {
			t.Errorf("PrefSecure should exclude cleartext methods, got %v", cands)
		}
	}
}

func TestCRAMMD5KnownVector(t *testing.T) {
	// RFC 2195 §3 worked example.
	c := newCRAMMD5Client("tim", "tanstaaftanstaaf")
	resp, err := c.Next([]byte("<1896.697170952@postoffice.reston.mci.net>"))
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	want := "tim b913a602c7eda7a495b4e6e7334d3890"
	if string(resp) != want {
		t.Errorf("CRAM-MD5 response = %q, want %q", resp, want)
	}
}

func TestGreetingPreAuthWithStartTLSRequiredIsConfigMismatch(t *testing.T) {
	s, server, cleanup := newTestSession(t)
	defer cleanup()
	s.StartTLSRequired = true

	go func() {
		writeLine(t, server, "* PREAUTH already authenticated as root")
	}()

	_, _, err := s.ReadGreeting()
	if err == nil {
		t.Fatal("expected ConfigMismatchError")
	}
	if _, ok := err.(*ConfigMismatchError); !ok {
		t.Errorf("expected *ConfigMismatchError, got %T: %v", err, err)
	}
}

func TestGreetingOK(t *testing.T) {
	s, server, cleanup := newTestSession(t)
	defer cleanup()

	go func() {
		writeLine(t, server, "* OK [CAPABILITY IMAP4rev1 IDLE] ready")
	}()

	kind, _, err := s.ReadGreeting()
	if err != nil {
		t.Fatalf("ReadGreeting error: %v", err)
	}
	if kind != GreetingOK {
		t.Errorf("kind = %v, want GreetingOK", kind)
	}
	if !s.hasCap("IDLE") {
		t.Errorf("expected IDLE capability to be recorded from greeting")
	}
}
