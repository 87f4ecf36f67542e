package errors

// ErrorCode identifies a class of failure. Codes are plain strings so they
// survive logging and can be matched after wrapping.
type ErrorCode string

func (c ErrorCode) String() string {
	return string(c)
}

// Message returns the registered text for c, or the code itself.
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}

	return string(c)
}

// Error is a coded error with an optional cause and context value.
type Error interface {
	error
	Code() ErrorCode
	WithMessage(msg string) Error
	WithData(data any) Error
	Data() any
	Unwrap() error
}

// Factory builds coded errors.
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
