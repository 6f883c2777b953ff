package errs

// Error codes, grouped by kind. Realtime paths never tear a connection down
// for anything below CodeFatal; durability paths retry only on CodeTransient.
const (
	CodeAuth      = 1101 // missing/invalid/expired token
	CodeProtocol  = 1102 // unknown type, missing field, out-of-state frame
	CodeRateLimit = 1103 // limiter rejected

	CodeAccess   = 1201 // not a collaborator / not owner
	CodeNotFound = 1202 // document or job id unknown

	CodeTransient = 1301 // cache store or data gateway I/O failure
	CodeInternal  = 1302

	CodeFatal = 1401 // invalid config, bus unreachable at startup
)

var (
	ErrAuth         = NewCodeError(CodeAuth, "authentication failed")
	ErrTokenExpired = NewCodeError(CodeAuth, "token expired")
	ErrProtocol     = NewCodeError(CodeProtocol, "protocol error")
	ErrRateLimited  = NewCodeError(CodeRateLimit, "rate limit exceeded")
	ErrAccessDenied = NewCodeError(CodeAccess, "access denied")
	ErrNotFound     = NewCodeError(CodeNotFound, "not found")
	ErrTransient    = NewCodeError(CodeTransient, "transient error")
	ErrFatal        = NewCodeError(CodeFatal, "fatal error")
)

func IsAuth(err error) bool         { return ErrAuth.Is(err) }
func IsNotFound(err error) bool     { return ErrNotFound.Is(err) }
func IsAccessDenied(err error) bool { return ErrAccessDenied.Is(err) }
func IsTransient(err error) bool    { return ErrTransient.Is(err) }
func IsRateLimited(err error) bool  { return ErrRateLimited.Is(err) }
