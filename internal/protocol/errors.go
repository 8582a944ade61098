package protocol

import "errors"

const (
	// Request/payload validation.
	ErrBadRequest = "E_BAD_REQUEST"
	ErrBadPayload = "E_BAD_PAYLOAD"
	ErrNotFound   = "E_NOT_FOUND"

	// Tick control.
	ErrFrozen       = "E_FROZEN"
	ErrNoCandidates = "E_NO_CANDIDATES"

	// Generation outcomes.
	ErrGuardrail = "E_GUARDRAIL"
	ErrQuota     = "E_QUOTA"
	ErrOffline   = "E_COMPLETION_OFFLINE"
	ErrDuplicate = "E_DUPLICATE"
	ErrEmpty     = "E_EMPTY"

	ErrForbidden = "E_FORBIDDEN"
	ErrInternal  = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrBadRequest:   {},
	ErrBadPayload:   {},
	ErrNotFound:     {},
	ErrFrozen:       {},
	ErrNoCandidates: {},
	ErrGuardrail:    {},
	ErrQuota:        {},
	ErrOffline:      {},
	ErrDuplicate:    {},
	ErrEmpty:        {},
	ErrForbidden:    {},
	ErrInternal:     {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Error attaches a code to an underlying error.
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Code + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the code carried by err, or ErrInternal for any other
// non-nil error.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrInternal
}

// ErrorBody is the JSON shape of an HTTP error response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
