// Package auth implements capability-driven SASL mechanism selection,
// STARTTLS negotiation, and the post-authentication feature-enable sequence
// (spec §4.4) on top of imapclient.Client.
package auth

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/hkdb/imapengine/internal/logging"
	"github.com/rs/zerolog"
)

// Method is one SASL or legacy login mechanism, in the engine's fixed
// preference order (spec §4.4).
type Method int

const (
	MethodExternal Method = iota
	MethodGSSAPI
	MethodCRAMMD5
	MethodNTLM
	MethodMSN
	MethodOAuth2
	MethodPlain
	MethodLogin
	MethodLegacyLogin // bare LOGIN command, no SASL
)

func (m Method) String() string {
	switch m {
	case MethodExternal:
		return "EXTERNAL"
	case MethodGSSAPI:
		return "GSSAPI"
	case MethodCRAMMD5:
		return "CRAM-MD5"
	case MethodNTLM:
		return "NTLM"
	case MethodMSN:
		return "MSN"
	case MethodOAuth2:
		return "XOAUTH2"
	case MethodPlain:
		return "PLAIN"
	case MethodLogin:
		return "LOGIN"
	case MethodLegacyLogin:
		return "LOGIN (legacy)"
	default:
		return "?"
	}
}

// preferenceOrder is the fixed selection order from spec §4.4.
var preferenceOrder = []Method{
	MethodExternal, MethodGSSAPI, MethodCRAMMD5, MethodNTLM, MethodMSN,
	MethodOAuth2, MethodPlain, MethodLogin, MethodLegacyLogin,
}

// Preference is the user-configured auth preference (spec §4.4, §6.2).
type Preference int

const (
	PrefAny Preference = iota
	PrefPasswordCleartext
	PrefPasswordEncrypted
	PrefNTLM
	PrefGSSAPI
	PrefExternal
	PrefSecure
	PrefOAuth2
	PrefNone
	PrefOld
)

// allowed reports whether method may be attempted under preference pref.
func allowed(pref Preference, m Method) bool {
	switch pref {
	case PrefAny:
		return true
	case PrefPasswordCleartext:
		return m == MethodPlain || m == MethodLogin || m == MethodLegacyLogin
	case PrefPasswordEncrypted:
		return m == MethodCRAMMD5
	case PrefNTLM:
		return m == MethodNTLM
	case PrefGSSAPI:
		return m == MethodGSSAPI
	case PrefExternal:
		return m == MethodExternal
	case PrefSecure:
		return m != MethodPlain && m != MethodLogin && m != MethodLegacyLogin
	case PrefOAuth2:
		return m == MethodOAuth2
	case PrefNone:
		return false
	case PrefOld:
		return m == MethodLegacyLogin
	default:
		return true
	}
}

// capabilityName returns the IMAP AUTH= capability token for m, or "" if m
// has no SASL mechanism (legacy LOGIN).
func capabilityName(m Method) string {
	switch m {
	case MethodExternal:
		return "AUTH=EXTERNAL"
	case MethodGSSAPI:
		return "AUTH=GSSAPI"
	case MethodCRAMMD5:
		return "AUTH=CRAM-MD5"
	case MethodNTLM:
		return "AUTH=NTLM"
	case MethodMSN:
		return "AUTH=MSN"
	case MethodOAuth2:
		return "AUTH=XOAUTH2"
	case MethodPlain:
		return "AUTH=PLAIN"
	case MethodLogin:
		return "AUTH=LOGIN"
	default:
		return ""
	}
}

// Session drives the login handshake: greeting classification, optional
// STARTTLS, mechanism selection with per-connection failed-method tracking,
// and the post-auth feature-enable sequence, all over a shared
// imapclient.Client.
type Session struct {
	client *imapclient.Client
	log    zerolog.Logger

	Capabilities map[string]bool
	failed       map[Method]bool

	StartTLSRequired bool
	startTLSSeenEver bool
	tlsConfig        *tls.Config
}

// NewSession creates an auth session bound to client.
func NewSession(client *imapclient.Client, startTLSRequired bool, tlsConfig *tls.Config) *Session {
	return &Session{
		client:           client,
		log:              logging.WithComponent("auth"),
		Capabilities:     map[string]bool{},
		failed:           map[Method]bool{},
		StartTLSRequired: startTLSRequired,
		tlsConfig:        tlsConfig,
	}
}

func (s *Session) setCapabilities(caps imap.CapSet) {
	for c := range caps {
		s.Capabilities[strings.ToUpper(string(c))] = true
	}
	if s.Capabilities["STARTTLS"] {
		s.startTLSSeenEver = true
	}
}

func (s *Session) hasCap(name string) bool { return s.Capabilities[strings.ToUpper(name)] }

// GreetingKind classifies the server's initial response (spec §4.4 step 1).
type GreetingKind int

const (
	GreetingOK GreetingKind = iota
	GreetingPreAuth
	GreetingBye
)

// ConfigMismatchError reports a PREAUTH greeting when STARTTLS was required,
// which proves a MITM opportunity window existed (spec §4.4 step 1).
type ConfigMismatchError struct{ Reason string }

func (e *ConfigMismatchError) Error() string { return "imap: configuration mismatch: " + e.Reason }

// ReadGreeting waits for the server's initial response and classifies it by
// the connection state imapclient settled into: NotAuthenticated for a plain
// OK greeting, Authenticated for PREAUTH, Logout for BYE.
func (s *Session) ReadGreeting() (GreetingKind, string, error) {
	if err := s.client.WaitGreeting(); err != nil {
		return 0, "", fmt.Errorf("auth: waiting for greeting: %w", err)
	}
	s.setCapabilities(s.client.Caps())

	switch s.client.State() {
	case imap.ConnStateAuthenticated:
		if s.StartTLSRequired {
			return GreetingPreAuth, "PREAUTH", &ConfigMismatchError{Reason: "server sent PREAUTH but STARTTLS is required"}
		}
		return GreetingPreAuth, "PREAUTH", nil
	case imap.ConnStateLogout:
		return GreetingBye, "BYE", nil
	default:
		return GreetingOK, "OK", nil
	}
}

// RefreshCapabilities issues CAPABILITY and updates the session's set.
func (s *Session) RefreshCapabilities() error {
	caps, err := s.client.Capability().Wait()
	if err != nil {
		return fmt.Errorf("auth: CAPABILITY failed: %w", err)
	}
	s.setCapabilities(caps)
	return nil
}

// StartTLS issues STARTTLS, performs the handshake, and re-issues CAPABILITY
// (spec §4.4 step 2). The STARTTLS capability is remembered even if the
// post-handshake capability response omits it, since RFC 3501 forbids
// advertising it once TLS is up.
func (s *Session) StartTLS(serverName string) error {
	cfg := s.tlsConfig
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg = cfg.Clone()
		cfg.ServerName = serverName
	}
	if err := s.client.StartTLS(cfg); err != nil {
		return fmt.Errorf("auth: STARTTLS failed: %w", err)
	}
	return s.RefreshCapabilities()
}

// candidates returns methods usable given pref, capabilities and failures,
// in the fixed preference order.
func (s *Session) candidates(pref Preference) []Method {
	var out []Method
	for _, m := range preferenceOrder {
		if s.failed[m] {
			continue
		}
		if !allowed(pref, m) {
			continue
		}
		if m == MethodLegacyLogin {
			out = append(out, m)
			continue
		}
		if capName := capabilityName(m); capName != "" && s.hasCap(capName) {
			out = append(out, m)
		}
	}
	return out
}

func (s *Session) markFailed(m Method) { s.failed[m] = true }
