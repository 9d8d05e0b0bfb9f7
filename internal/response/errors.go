package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden           ErrCode = "FORBIDDEN"
	ErrCandidateAccessOnly ErrCode = "CANDIDATE_ACCESS_ONLY"
	ErrProctorAccessOnly   ErrCode = "PROCTOR_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"
	ErrUnknownAction  ErrCode = "UNKNOWN_ACTION"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Session ───────────────────────────────────────────────────────
	ErrSessionActive       ErrCode = "SESSION_ALREADY_ACTIVE"
	ErrSessionClosed       ErrCode = "SESSION_CLOSED"
	ErrExamNotStarted      ErrCode = "EXAM_NOT_STARTED"
	ErrExamStarting        ErrCode = "EXAM_STARTING"
	ErrExamStarted         ErrCode = "EXAM_ALREADY_STARTED"
	ErrWrongSection        ErrCode = "WRONG_SECTION"
	ErrUnknownQuestion     ErrCode = "UNKNOWN_QUESTION"
	ErrInvalidOption       ErrCode = "INVALID_OPTION"
	ErrUnsupportedLanguage ErrCode = "UNSUPPORTED_LANGUAGE"
	ErrBlankCode           ErrCode = "BLANK_CODE"
	ErrSubmitInFlight      ErrCode = "SUBMISSION_IN_FLIGHT"
	ErrFinalizeInFlight    ErrCode = "FINALIZE_IN_FLIGHT"
	ErrAlreadyFinalized    ErrCode = "ALREADY_FINALIZED"
	ErrNotFinished         ErrCode = "SESSION_NOT_FINISHED"
	ErrUnknownSignal       ErrCode = "UNKNOWN_SIGNAL"
	ErrBackendUnavailable  ErrCode = "BACKEND_UNAVAILABLE"

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
		return "Authentication token is required."
	case ErrTokenInvalid:
		return "Authentication token is invalid."
	case ErrTokenExpired:
		return "Authentication token has expired."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "You are not allowed to access this resource."
	case ErrCandidateAccessOnly:
		return "This resource is limited to candidates."
	case ErrProctorAccessOnly:
		return "This resource is limited to proctors."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request payload."
	case ErrUnknownAction:
		return "Unknown action."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Resource not found."

	// ─── Session ───────────────────────────────────────────────────────
	case ErrSessionActive:
		return "You already have an exam open in another tab or device."
	case ErrSessionClosed:
		return "The exam has been submitted. No further changes are accepted."
	case ErrExamNotStarted:
		return "The exam has not started yet."
	case ErrExamStarting:
		return "The exam is loading."
	case ErrExamStarted:
		return "The exam has already started."
	case ErrWrongSection:
		return "This action is not available in the current section."
	case ErrUnknownQuestion:
		return "Unknown question or problem."
	case ErrInvalidOption:
		return "Option must be one of A, B, C or D."
	case ErrUnsupportedLanguage:
		return "Unsupported programming language."
	case ErrBlankCode:
		return "Please write some code before submitting."
	case ErrSubmitInFlight:
		return "Your previous submission for this problem is still being evaluated."
	case ErrFinalizeInFlight:
		return "Your exam submission is being sent."
	case ErrAlreadyFinalized:
		return "Your exam submission was already received."
	case ErrNotFinished:
		return "The exam has not been submitted yet."
	case ErrUnknownSignal:
		return "Unknown integrity signal."
	case ErrBackendUnavailable:
		return "The session service is unavailable. Please try again."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "An internal server error occurred."
	default:
		return "An unexpected error occurred."
	}
}
