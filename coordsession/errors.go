package coordsession

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for malformed constructor or method
	// input, e.g. a non-positive fee rate or amount.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState is returned when an operation is attempted in a
	// session state that forbids it, including all locked-session cases
	// and "not ready to finalize".
	ErrInvalidState = errors.New("invalid session state")

	// ErrDuplicateParticipant is returned when a participant identity is
	// already present in the session.
	ErrDuplicateParticipant = errors.New("duplicate participant")

	// ErrDuplicateOutput is returned when an output's destination address
	// is already reserved by an accepted output.
	ErrDuplicateOutput = errors.New("duplicate output")

	// ErrNetworkMismatch is returned when an address or wallet belongs to
	// a different network than the session.
	ErrNetworkMismatch = errors.New("network mismatch")

	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInsufficientFunds is returned when PSBT assembly finds zero
	// usable inputs in the local wallet.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// errorf wraps a sentinel with detail so callers can match with errors.Is.
func errorf(sentinel error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// IsDuplicateFact reports whether err represents an expected transport
// redelivery rather than a genuine conflict. The registry's replay path
// absorbs these instead of surfacing them.
func IsDuplicateFact(err error) bool {
	return errors.Is(err, ErrDuplicateParticipant) ||
		errors.Is(err, ErrDuplicateOutput)
}
