package usp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCode_Retryable(t *testing.T) {
	retryable := []ErrorCode{CodeRateLimited, CodeInternalError}
	for _, code := range retryable {
		assert.True(t, code.Retryable(), "%s must be retryable", code)
	}

	terminal := []ErrorCode{
		CodeAuthFailed,
		CodeVersionMismatch,
		CodeInvalidMessage,
		CodeCollectionNotFound,
		CodeConflict,
		CodeQuotaExceeded,
		CodeSessionExpired,
		CodeUnsupported,
	}
	for _, code := range terminal {
		assert.False(t, code.Retryable(), "%s must not be retryable", code)
	}

	assert.False(t, ErrorCode("SOMETHING_NEW").Retryable(), "unknown codes default to terminal")
}

func TestErrorCode_NeedsHandshake(t *testing.T) {
	assert.True(t, CodeSessionExpired.NeedsHandshake())
	assert.True(t, CodeAuthFailed.NeedsHandshake())
	assert.False(t, CodeRateLimited.NeedsHandshake())
	assert.False(t, CodeInternalError.NeedsHandshake())
}

func TestErrorCode_WireValues(t *testing.T) {
	assert.Equal(t, "INTERNAL_ERROR", string(CodeInternalError))
	assert.Equal(t, "COLLECTION_NOT_FOUND", string(CodeCollectionNotFound))
	assert.Equal(t, "QUOTA_EXCEEDED", string(CodeQuotaExceeded))
}

func TestWireError_PayloadRoundTrip(t *testing.T) {
	wireErr := &WireError{Code: CodeRateLimited, Message: "too many pushes"}

	payload := wireErr.Payload()

	assert.Equal(t, CodeRateLimited, payload.Code)
	assert.True(t, payload.Retryable)
	assert.Equal(t, wireErr.Error(), payload.Err().Error())
}

func TestIntersectCapabilities(t *testing.T) {
	got := IntersectCapabilities(
		[]string{CapPull, CapPush, CapStreaming},
		[]string{CapPush, CapPull, CapPush},
	)

	assert.Equal(t, []string{CapPull, CapPush}, got)
	assert.Empty(t, IntersectCapabilities([]string{CapPush}, []string{CapStreaming}))
	assert.True(t, HasCapability(got, CapPush))
	assert.False(t, HasCapability(got, CapStreaming))
}

func TestCheckVersion(t *testing.T) {
	assert.NoError(t, CheckVersion("1.0.0"))
	assert.NoError(t, CheckVersion("1.4.2"))

	err := CheckVersion("2.0.0")
	var wireErr *WireError
	assert.ErrorAs(t, err, &wireErr)
	assert.Equal(t, CodeVersionMismatch, wireErr.Code)
}
