package service

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeInvalidRecipient   = "INVALID_RECIPIENT"
	CodeMissingBatchID     = "MISSING_BATCH_ID"
	CodeBatchNotFound      = "BATCH_NOT_FOUND"
	CodeBatchExists        = "BATCH_EXISTS"
	CodeOTPNotIssued       = "OTP_NOT_ISSUED"
	CodeOTPExpired         = "OTP_EXPIRED"
	CodeOTPMismatch        = "OTP_MISMATCH"
	CodeOTPExhausted       = "OTP_ATTEMPTS_EXHAUSTED"
	CodeTransferInProgress = "TRANSFER_IN_PROGRESS"
	CodeRateLimited        = "RATE_LIMITED"
	CodeLedgerRejected     = "LEDGER_REJECTED"
	CodeLedgerUnavailable  = "LEDGER_UNAVAILABLE"
	CodeStoreUnavailable   = "STORE_UNAVAILABLE"
	CodeProjectionFailed   = "PROJECTION_WRITE_FAILED"
	CodeInternal           = "INTERNAL_ERROR"
)

type AppError struct {
	HTTPStatus int
	Code       string
	Message    string
	Retryable  bool
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func NewAppError(status int, code, msg string, retryable bool, cause error) *AppError {
	return &AppError{
		HTTPStatus: status,
		Code:       code,
		Message:    msg,
		Retryable:  retryable,
		Cause:      cause,
	}
}

func IsCode(err error, code string) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}

func Internal(msg string, cause error) *AppError {
	return NewAppError(http.StatusInternalServerError, CodeInternal, msg, true, cause)
}

func validation(msg string) *AppError {
	return NewAppError(http.StatusBadRequest, CodeValidation, msg, false, nil)
}

func storeUnavailable(msg string, cause error) *AppError {
	return NewAppError(http.StatusServiceUnavailable, CodeStoreUnavailable, msg, true, cause)
}

func ledgerUnavailable(msg string, cause error) *AppError {
	return NewAppError(http.StatusServiceUnavailable, CodeLedgerUnavailable, msg, true, cause)
}

func ledgerRejected(msg string, cause error) *AppError {
	return NewAppError(http.StatusUnprocessableEntity, CodeLedgerRejected, msg, false, cause)
}
