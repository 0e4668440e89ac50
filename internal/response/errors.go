package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired      ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"
	ErrSessionInvalidated ErrCode = "SESSION_INVALIDATED"

	// ─── Backend ───────────────────────────────────────────────────────
	ErrNotLoggedIn         ErrCode = "NOT_LOGGED_IN"
	ErrBackendTokenExpired ErrCode = "BACKEND_TOKEN_EXPIRED"
	ErrBackendUnauthorized ErrCode = "BACKEND_UNAUTHORIZED"
	ErrBackendUnavailable  ErrCode = "BACKEND_UNAVAILABLE"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Exam session ──────────────────────────────────────────────────
	ErrNoSession         ErrCode = "NO_SESSION"
	ErrSessionInProgress ErrCode = "SESSION_IN_PROGRESS"
	ErrSessionNotActive  ErrCode = "SESSION_NOT_ACTIVE"
	ErrAttemptConflict   ErrCode = "ATTEMPT_CONFLICT"
	ErrInvalidExam       ErrCode = "INVALID_EXAM"
	ErrUnknownQuestion   ErrCode = "UNKNOWN_QUESTION"
	ErrOptionOutOfRange  ErrCode = "OPTION_OUT_OF_RANGE"
	ErrSubmitInProgress  ErrCode = "SUBMIT_IN_PROGRESS"
	ErrAlreadySubmitted  ErrCode = "ALREADY_SUBMITTED"
	ErrSubmissionFailed  ErrCode = "SUBMISSION_FAILED"
	ErrNotSubmitted      ErrCode = "NOT_SUBMITTED"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "An agent token is required."
	case ErrTokenInvalid:
		return "The agent token is invalid."
	case ErrSessionInvalidated:
		return "This token was replaced by a newer shell session."

	// ─── Backend ───────────────────────────────────────────────────────
	case ErrNotLoggedIn:
		return "The agent is not logged in to the exam server."
	case ErrBackendTokenExpired:
		return "The exam server login has expired. Please log in again."
	case ErrBackendUnauthorized:
		return "The exam server rejected the agent's credentials."
	case ErrBackendUnavailable:
		return "The exam server is unavailable. Please try again."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request payload."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Resource not found."

	// ─── Exam session ──────────────────────────────────────────────────
	case ErrNoSession:
		return "No exam session is running."
	case ErrSessionInProgress:
		return "An exam session is already running."
	case ErrSessionNotActive:
		return "The exam session no longer accepts answers."
	case ErrAttemptConflict:
		return "This exam is already in progress elsewhere and cannot be resumed here."
	case ErrInvalidExam:
		return "The exam cannot be started."
	case ErrUnknownQuestion:
		return "The question does not belong to this exam."
	case ErrOptionOutOfRange:
		return "The option does not belong to this question."
	case ErrSubmitInProgress:
		return "The exam is being submitted."
	case ErrAlreadySubmitted:
		return "The exam has already been submitted."
	case ErrSubmissionFailed:
		return "Submitting the exam failed. Your answers are kept; please retry."
	case ErrNotSubmitted:
		return "The exam has not been submitted yet."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Internal server error."
	default:
		return "An unexpected error occurred."
	}
}
