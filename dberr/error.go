package dberr

import (
	"errors"
	"fmt"
	"log/slog"
)

type Code string

const (
	CodeTransactionLockWaitAbort Code = "TRANSACTION_LOCK_WAIT_ABORT"
	CodeTransactionDeadlockAbort Code = "TRANSACTION_DEADLOCK_ABORT"
	CodeTransactionNotActive     Code = "TRANSACTION_NOT_ACTIVE"
	CodeBufferWaitAbort          Code = "BUFFER_WAIT_ABORT"
	CodeSyntaxError              Code = "SYNTAX_ERROR"
)

type DBError struct {
	Code    Code
	Message string
	Err     error
}

func (e *DBError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *DBError) Unwrap() error {
	return e.Err
}

func New(code Code, message string, err error) error {
	return &DBError{Code: code, Message: message, Err: err}
}

// HasCode reports whether any DBError in err's chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var dbErr *DBError
		if !errors.As(err, &dbErr) {
			return false
		}
		if dbErr.Code == code {
			return true
		}
		err = dbErr.Err
	}
	return false
}

// IsAbort reports whether err requires the caller to abort its transaction.
func IsAbort(err error) bool {
	return HasCode(err, CodeTransactionDeadlockAbort) || HasCode(err, CodeTransactionLockWaitAbort)
}

func HandleErrorLog(logger *slog.Logger, err error) {
	var dbErr *DBError
	if errors.As(err, &dbErr) {
		logger.Error("DB Error", slog.String("code", string(dbErr.Code)), slog.String("message", dbErr.Message), slog.Any("error", dbErr.Err))
	} else {
		logger.Error("Unexpected Error", slog.Any("error", err))
	}
}
