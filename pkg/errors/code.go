package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 12000-12999: Competition module errors
// 13000-13999: Submission & Evaluation module errors
// 14000-14999: Job module errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError     ErrorCode = 10100
	RecordNotFound    ErrorCode = 10101
	TransactionFailed ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	LockFailed ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed ErrorCode = 10300
	InvalidFormat    ErrorCode = 10301
	InvalidValue     ErrorCode = 10302

	// Storage & queue errors (10400-10499)
	StorageError ErrorCode = 10400
	QueueError   ErrorCode = 10401

	// ========== Competition Module Errors (12000-12999) ==========

	CompetitionNotFound ErrorCode = 12000
	PhaseNotFound       ErrorCode = 12001
	NotificationFailed  ErrorCode = 12100

	// ========== Submission & Evaluation Errors (13000-13999) ==========

	// Submission (13000-13099)
	SubmissionNotFound ErrorCode = 13000
	SubmissionFinal    ErrorCode = 13001

	// Bundle assembly (13100-13199)
	MissingInput   ErrorCode = 13100
	MissingResults ErrorCode = 13101
	BundleFailed   ErrorCode = 13102

	// Evaluation workflow (13200-13299)
	DispatchFailed          ErrorCode = 13200
	InvalidStatusTransition ErrorCode = 13201
	ChainFailed             ErrorCode = 13202

	// Result reconciliation (13300-13399)
	ScoreExtractionFailed ErrorCode = 13300
	ScoreParseFailed      ErrorCode = 13301

	// ========== Job Module Errors (14000-14999) ==========

	JobNotFound     ErrorCode = 14000
	InvalidTaskType ErrorCode = 14001
	JobCreateFailed ErrorCode = 14002
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:     "Database operation failed",
	RecordNotFound:    "Record not found in database",
	TransactionFailed: "Database transaction failed",

	// Cache
	CacheError: "Cache operation failed",
	LockFailed: "Failed to acquire lock",

	// Validation
	ValidationFailed: "Validation failed",
	InvalidFormat:    "Invalid format",
	InvalidValue:     "Invalid value",

	// Storage & queue
	StorageError: "Object storage operation failed",
	QueueError:   "Message queue operation failed",

	// Competition
	CompetitionNotFound: "Competition not found",
	PhaseNotFound:       "Phase not found",
	NotificationFailed:  "Failed to send notification",

	// Submission
	SubmissionNotFound: "Submission not found",
	SubmissionFinal:    "Submission is already in a final state",

	// Bundle assembly
	MissingInput:   "Program is missing",
	MissingResults: "Results are missing",
	BundleFailed:   "Failed to assemble bundle",

	// Evaluation workflow
	DispatchFailed:          "Failed to dispatch evaluation stage",
	InvalidStatusTransition: "Invalid status transition",
	ChainFailed:             "Failed to enter scoring stage",

	// Result reconciliation
	ScoreExtractionFailed: "Unable to extract scores from result archive",
	ScoreParseFailed:      "Unable to parse score value",

	// Jobs
	JobNotFound:     "Job not found",
	InvalidTaskType: "Job has incorrect task type",
	JobCreateFailed: "Failed to create job",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized:
		return 401
	case c == Forbidden:
		return 403
	case c == NotFound, c == RecordNotFound, c == SubmissionNotFound, c == JobNotFound,
		c == CompetitionNotFound, c == PhaseNotFound:
		return 404
	case c == SubmissionFinal, c == LockFailed:
		return 409
	case c == ServiceUnavailable:
		return 503
	case c == Timeout:
		return 504
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == InvalidTaskType, c == MissingInput, c == MissingResults:
		return 400
	default:
		return 500
	}
}
