package usp

import "fmt"

// ErrorCode код ошибки протокола
type ErrorCode string

const (
	CodeAuthFailed         ErrorCode = "AUTH_FAILED"
	CodeVersionMismatch    ErrorCode = "VERSION_MISMATCH"
	CodeInvalidMessage     ErrorCode = "INVALID_MESSAGE"
	CodeCollectionNotFound ErrorCode = "COLLECTION_NOT_FOUND"
	CodeConflict           ErrorCode = "CONFLICT"
	CodeQuotaExceeded      ErrorCode = "QUOTA_EXCEEDED"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeInternalError      ErrorCode = "INTERNAL_ERROR"
	CodeSessionExpired     ErrorCode = "SESSION_EXPIRED"
	CodeUnsupported        ErrorCode = "UNSUPPORTED"
)

// Retryable сообщает, имеет ли смысл слепо повторять операцию с тем же
// содержимым после этой ошибки. SESSION_EXPIRED и AUTH_FAILED не
// retryable в этом смысле: им нужен новый handshake, см. NeedsHandshake.
// CONFLICT идет в резолвер, а не в ретрай.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeRateLimited, CodeInternalError:
		return true
	default:
		return false
	}
}

// NeedsHandshake сообщает, требует ли ошибка нового handshake
// перед повтором.
func (c ErrorCode) NeedsHandshake() bool {
	return c == CodeSessionExpired || c == CodeAuthFailed
}

// WireError ошибка уровня протокола. Передается через error payload
// и возвращается Decode/DecodePayload при нарушении схемы.
type WireError struct {
	Code    ErrorCode
	Message string
}

func (e *WireError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Retryable делегирует классификацию коду
func (e *WireError) Retryable() bool { return e.Code.Retryable() }

// Payload конвертирует ошибку в wire-форму
func (e *WireError) Payload() ErrorPayload {
	return ErrorPayload{
		Code:      e.Code,
		Message:   e.Message,
		Retryable: e.Code.Retryable(),
	}
}

// invalidMessage конструирует INVALID_MESSAGE ошибку
func invalidMessage(format string, args ...any) *WireError {
	return &WireError{
		Code:    CodeInvalidMessage,
		Message: fmt.Sprintf(format, args...),
	}
}
