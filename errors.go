package process

import (
	stderrors "errors"

	"github.com/goliatone/go-errors"
)

const (
	ErrCodeValidation        = "PROC_MODEL_INVALID"
	ErrCodeInvalidTransition = "PROC_INVALID_TRANSITION"
	ErrCodeInvalidInput      = "PROC_INVALID_INPUT"
	ErrCodeDuplicateOutput   = "PROC_DUPLICATE_OUTPUT"
	ErrCodeForbidden         = "PROC_FORBIDDEN"
	ErrCodeConflict          = "PROC_CONCURRENCY_CONFLICT"
	ErrCodeNotFound          = "PROC_NOT_FOUND"
	ErrCodeDispatch          = "PROC_DISPATCH_FAILED"
)

var (
	// ErrValidation reports a malformed model graph at publish time.
	ErrValidation = errors.New("invalid process model", errors.CategoryValidation).
			WithTextCode(ErrCodeValidation)
	// ErrInvalidTransition reports an illegal node state machine edge.
	ErrInvalidTransition = errors.New("invalid node transition", errors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidTransition)
	// ErrInvalidInput reports a required import that could not be resolved.
	ErrInvalidInput = errors.New("unresolved required input", errors.CategoryBadInput).
			WithTextCode(ErrCodeInvalidInput)
	// ErrDuplicateOutput reports an export name collision on merge.
	ErrDuplicateOutput = errors.New("duplicate output name", errors.CategoryConflict).
				WithTextCode(ErrCodeDuplicateOutput)
	// ErrForbidden reports a security provider denial.
	ErrForbidden = errors.New("operation not permitted", errors.CategoryBadInput).
			WithTextCode(ErrCodeForbidden)
	// ErrConcurrencyConflict reports a commit that lost its race after the
	// engine exhausted its internal retries.
	ErrConcurrencyConflict = errors.New("concurrent update conflict", errors.CategoryConflict).
				WithTextCode(ErrCodeConflict)
	// ErrNotFound reports a handle that does not resolve.
	ErrNotFound = errors.New("entity not found", errors.CategoryBadInput).
			WithTextCode(ErrCodeNotFound)
	// ErrDispatchFailure reports a message service that rejected a send. The
	// node instance stays Pending; the caller decides whether to retry.
	ErrDispatchFailure = errors.New("external dispatch rejected", errors.CategoryExternal).
				WithTextCode(ErrCodeDispatch)
)

// ErrorCode extracts the taxonomy text code from err, or "".
func ErrorCode(err error) string {
	var ge *errors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// IsCode reports whether err carries the given taxonomy text code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}
