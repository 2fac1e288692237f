package engine

import "fmt"

// Kind is one of the semantic error kinds the HTTP layer maps to a status
// code. The governance engine itself never deals in status codes — only
// the gateway package consults HTTPStatus.
type Kind string

const (
	KindAuth       Kind = "AUTH"
	KindForbidden  Kind = "FORBIDDEN"
	KindValidation Kind = "VALIDATION"
	KindNotFound   Kind = "NOT_FOUND"
	KindConflict   Kind = "CONFLICT"
	KindPolicyDeny Kind = "POLICY_DENY"
	KindCapacity   Kind = "CAPACITY"
	KindUpstream   Kind = "UPSTREAM"
	KindInternal   Kind = "INTERNAL"
)

// Error is the uniform shape every command returns on failure. Code is a
// short machine-readable reason (often the kernel's reason constant);
// Message is the human string the HTTP layer echoes back as `error`.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func authError(message string) *Error {
	return newError(KindAuth, "", message)
}

func forbiddenError(code, message string) *Error {
	return newError(KindForbidden, code, message)
}

func validationError(message string) *Error {
	return newError(KindValidation, "", message)
}

func notFoundError(message string) *Error {
	return newError(KindNotFound, "", message)
}

func conflictError(code, message string) *Error {
	return newError(KindConflict, code, message)
}

func policyDenyError(code string) *Error {
	return newError(KindPolicyDeny, code, code)
}

func capacityError(message string) *Error {
	return newError(KindCapacity, "BACKPRESSURE", message)
}

func upstreamError(message string) *Error {
	return newError(KindUpstream, "", message)
}

// PolicyDenyError lets other packages that sit downstream of a policy
// decision (the broker's capability/allowed-actions checks) raise the same
// kind of error the governance engine raises for a kernel-denied transition,
// without duplicating the kind taxonomy per package.
func PolicyDenyError(code, message string) *Error {
	return newError(KindPolicyDeny, code, message)
}

// CapacityError is the exported form of capacityError for callers outside
// this package (the broker's backpressure check).
func CapacityError(message string) *Error {
	return capacityError(message)
}

// InternalError is the exported form of internalError for callers outside
// this package that wrap an unexpected failure (a DB write that should have
// succeeded) rather than a semantic policy decision.
func InternalError(err error) *Error {
	return internalError(err)
}

// HTTPStatus maps a Kind to the status code §7 of the contract assigns it.
// Retriable reports whether a client may usefully retry without changing
// its request.
func HTTPStatus(kind Kind) (status int, retriable bool) {
	switch kind {
	case KindAuth:
		return 401, false
	case KindForbidden:
		return 403, false
	case KindValidation:
		return 400, false
	case KindNotFound:
		return 404, false
	case KindConflict:
		return 409, true
	case KindPolicyDeny:
		return 400, true
	case KindCapacity:
		return 429, true
	case KindUpstream:
		return 502, true
	default:
		return 500, false
	}
}
