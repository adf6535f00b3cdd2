package model

import "errors"

var (
	ErrLaunchFailed    = errors.New("launch failed")
	ErrTimeout         = errors.New("timeout")
	ErrStateNotFound   = errors.New("state not found")
	ErrAmbiguousState  = errors.New("ambiguous state")
	ErrNoActiveSession = errors.New("no active session")
	ErrUnitNotFound    = errors.New("unit not found")
	ErrRelaunchFailed  = errors.New("relaunch failed")
)

// Error codes defined by API contract.
const (
	ErrRefInvalid        = "E_REF_INVALID"
	ErrRefNotFound       = "E_REF_NOT_FOUND"
	ErrCodeUnitNotFound  = "E_UNIT_NOT_FOUND"
	ErrCodeStateNotFound = "E_STATE_NOT_FOUND"
	ErrCodeAmbiguous     = "E_STATE_AMBIGUOUS"
	ErrCodeNoSession     = "E_NO_ACTIVE_SESSION"
	ErrCodeLaunchFailed  = "E_LAUNCH_FAILED"
	ErrCodeTimeout       = "E_TIMEOUT"
	ErrCodeRelaunch      = "E_RELAUNCH_FAILED"
	ErrCodeProtocol      = "E_PROTOCOL_INVALID_FRAME"
	ErrCodeUnsupported   = "E_PROTOCOL_UNSUPPORTED_VERSION"
	ErrCodeInternal      = "E_INTERNAL"
)

// ErrorCode maps a wrapped sentinel to its wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnitNotFound):
		return ErrCodeUnitNotFound
	case errors.Is(err, ErrStateNotFound):
		return ErrCodeStateNotFound
	case errors.Is(err, ErrAmbiguousState):
		return ErrCodeAmbiguous
	case errors.Is(err, ErrNoActiveSession):
		return ErrCodeNoSession
	case errors.Is(err, ErrTimeout):
		return ErrCodeTimeout
	case errors.Is(err, ErrLaunchFailed):
		return ErrCodeLaunchFailed
	case errors.Is(err, ErrRelaunchFailed):
		return ErrCodeRelaunch
	default:
		return ErrCodeInternal
	}
}
