package auth

import (
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
)

// WrongPasswordError is returned when the server rejected a password-based
// mechanism with NO and the mechanism was not already marked broken (spec
// §4.4 step 4): the caller should offer Retry/NewPassword/Cancel.
type WrongPasswordError struct {
	Method Method
	Text   string
}

func (e *WrongPasswordError) Error() string {
	return fmt.Sprintf("auth: %s rejected: %s", e.Method, e.Text)
}

// UnavailableError wraps a NO response carrying [UNAVAILABLE], which the
// engine must stop on immediately and surface verbatim (provider throttling).
type UnavailableError struct{ Text string }

func (e *UnavailableError) Error() string { return "auth: temporarily unavailable: " + e.Text }

// OAuth2TokenSource supplies bearer tokens for XOAUTH2.
type OAuth2TokenSource interface {
	Token() (string, error)
}

// LoginResult records which mechanism ultimately succeeded.
type LoginResult struct {
	Method Method
}

// isUnavailable reports whether err wraps a [UNAVAILABLE] response code.
// imapclient folds response codes into the command error's text rather than
// exposing a typed field, so detection is by substring match (same approach
// as mailbox.isTryCreate).
func isUnavailable(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNAVAILABLE")
}

// isBadResponse reports whether err looks like a BAD (syntax/protocol
// error) rather than a NO (credentials rejected) response.
func isBadResponse(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "BAD")
}

// Login runs the full authentication loop of spec §4.4 step 4: selecting
// the next allowed mechanism, running it, marking failures, and handling
// the UNAVAILABLE/cancel/wrong-password outcomes.
func (s *Session) Login(pref Preference, pw PasswordSource, oauth OAuth2TokenSource) (*LoginResult, error) {
	retried := map[Method]bool{}
	for {
		cands := s.candidates(pref)
		if len(cands) == 0 {
			return nil, fmt.Errorf("auth: no usable authentication method (capabilities=%v)", s.Capabilities)
		}
		m := cands[0]

		username, err := pw.Username()
		if err != nil {
			return nil, err
		}

		var saslClient sasl.Client
		var legacy bool
		var password string
		switch m {
		case MethodExternal:
			saslClient = sasl.NewExternalClient(username)
		case MethodCRAMMD5:
			password, err = pw.AskPassword(false)
			if err != nil {
				return nil, err
			}
			saslClient = newCRAMMD5Client(username, password)
		case MethodOAuth2:
			if oauth == nil {
				s.markFailed(m)
				continue
			}
			token, err := oauth.Token()
			if err != nil {
				return nil, err
			}
			saslClient = sasl.NewXoauth2Client(username, token)
		case MethodPlain:
			password, err = pw.AskPassword(false)
			if err != nil {
				return nil, err
			}
			saslClient = sasl.NewPlainClient("", username, password)
		case MethodLogin:
			password, err = pw.AskPassword(false)
			if err != nil {
				return nil, err
			}
			saslClient = sasl.NewLoginClient(username, password)
		case MethodLegacyLogin:
			legacy = true
			password, err = pw.AskPassword(false)
			if err != nil {
				return nil, err
			}
		case MethodGSSAPI, MethodNTLM, MethodMSN:
			// No third-party GSSAPI/NTLM SASL implementation is wired into
			// this build (spec §B, dropped-dependency note); these
			// mechanisms are recognized in capability negotiation but
			// cannot be attempted, so they are skipped without counting as
			// a server rejection.
			s.markFailed(m)
			continue
		}

		var authErr error
		if legacy {
			authErr = s.client.Login(username, password).Wait()
		} else {
			authErr = s.client.Authenticate(saslClient)
		}

		if authErr == nil {
			_ = s.RefreshCapabilities()
			return &LoginResult{Method: m}, nil
		}

		if isUnavailable(authErr) {
			return nil, &UnavailableError{Text: authErr.Error()}
		}

		if !isBadResponse(authErr) && (m == MethodPlain || m == MethodLogin || m == MethodLegacyLogin || m == MethodCRAMMD5) {
			if retried[m] {
				return nil, &WrongPasswordError{Method: m, Text: authErr.Error()}
			}
			retried[m] = true
			decision, err := offerRetry(pw, m, authErr.Error())
			if err != nil {
				return nil, err
			}
			switch decision {
			case RetryCancel:
				return nil, ErrUserCancelled
			case RetryWithNewPassword:
				if _, err := pw.AskPassword(true); err != nil {
					return nil, err
				}
				continue
			case RetryWithSamePassword:
				continue
			}
		}
		s.markFailed(m)
		continue
	}
}

// offerRetry is the default Retry/NewPassword/Cancel policy hook; callers
// embedding this package in a UI replace it by wrapping PasswordSource with
// their own prompt and never hitting the NO branch twice, but a headless
// default must resolve deterministically, so it retries with the same
// password once (AskPassword callers typically cache); a second rejection of
// the same mechanism makes Login give up with a *WrongPasswordError.
var offerRetry = func(pw PasswordSource, m Method, serverText string) (RetryDecision, error) {
	return RetryWithSamePassword, nil
}
