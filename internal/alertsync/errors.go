package alertsync

import "errors"

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrUnauthorized   = errors.New("credential rejected")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrFeedEnded      = errors.New("location feed ended")
	ErrNotImplemented = errors.New("not implemented")
)

type Logger interface {
	Printf(format string, args ...any)
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
