package auth

import "errors"

// ErrUserCancelled is returned by a PasswordSource when the user dismisses
// the password prompt (spec §4.4).
var ErrUserCancelled = errors.New("auth: user cancelled password prompt")

// ErrNoWindow is returned by a PasswordSource when no UI is available to
// prompt the user; the engine falls back to the secret store and fails if
// nothing is stored there (spec §4.4).
var ErrNoWindow = errors.New("auth: no window available for password prompt")

// PasswordSource abstracts asking the user for credentials, decoupling the
// auth flow from any particular UI toolkit.
type PasswordSource interface {
	// Username returns the account's username, prompting once if needed.
	Username() (string, error)
	// AskPassword returns the current or a freshly entered password.
	// newPrompt requests re-entry (e.g. after a wrong-password NO).
	AskPassword(newPrompt bool) (string, error)
}

// RetryDecision is the user's choice after a wrong-password failure.
type RetryDecision int

const (
	RetryWithSamePassword RetryDecision = iota
	RetryWithNewPassword
	RetryCancel
)
