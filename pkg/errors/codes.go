package errors

type Code string

const (
	CodeUnknown            Code = "UNKNOWN"
	CodeBadPayload         Code = "BAD_PAYLOAD"
	CodeAlreadyInCall      Code = "ALREADY_IN_CALL"
	CodeTargetUnreachable  Code = "TARGET_UNREACHABLE"
	CodeInvalidTransition  Code = "INVALID_TRANSITION"
	CodeMediaUnavailable   Code = "MEDIA_UNAVAILABLE"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeBackpressure       Code = "BACKPRESSURE"
	CodeNotConnected       Code = "NOT_CONNECTED"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
)
