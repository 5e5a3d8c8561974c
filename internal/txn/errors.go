package txn

import (
	"errors"
	"fmt"

	"github.com/roach88/txlog/internal/record"
)

// Error is the typed error returned by Builder, Process, UndoLast and
// RedoLast.
//
// Permission denial and cancellation are policy outcomes rather than
// failures: they never leave partial writes behind. EXPIRED means undo or
// redo was refused because another transaction changed a target document.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// TransactionID identifies the affected transaction, when known.
	TransactionID string

	// Reason carries the cancellation reason for TRANSACTION_CANCELLED.
	Reason Reason

	// Err is the underlying store or log error, if any.
	Err error
}

// ErrorCode categorizes transaction errors.
type ErrorCode string

const (
	// ErrCodeNoTransactionOpen indicates Commit or Cancel without Start.
	ErrCodeNoTransactionOpen ErrorCode = "NO_TRANSACTION_OPEN"

	// ErrCodeMultipleTransactionsOpen indicates a commit for a transaction id
	// other than the open one.
	ErrCodeMultipleTransactionsOpen ErrorCode = "MULTIPLE_TRANSACTIONS_OPEN"

	// ErrCodePermissionDenied indicates the permission predicate refused an
	// action, or identity is required and missing.
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// ErrCodeCancelled indicates the open transaction was cancelled.
	ErrCodeCancelled ErrorCode = "TRANSACTION_CANCELLED"

	// ErrCodeInsert, ErrCodeUpdate and ErrCodeRemove indicate an action was
	// rejected when queued, or an instant action failed against the store.
	ErrCodeInsert ErrorCode = "INSERT_ERROR"
	ErrCodeUpdate ErrorCode = "UPDATE_ERROR"
	ErrCodeRemove ErrorCode = "REMOVE_ERROR"

	// ErrCodeCommitFailed indicates the store rejected a write during commit
	// and the transaction was rolled back.
	ErrCodeCommitFailed ErrorCode = "COMMIT_FAILED"

	// ErrCodeExpired indicates undo or redo was refused due to staleness.
	ErrCodeExpired ErrorCode = "EXPIRED"
)

// Reason explains why a transaction was cancelled.
type Reason string

const (
	ReasonPermissionDenied Reason = "permission-denied"
	ReasonIdleTimeout      Reason = "idle-timeout"
	ReasonCancelled        Reason = "cancelled"
	ReasonInsertError      Reason = "insert-error"
	ReasonUpdateError      Reason = "update-error"
	ReasonRemoveError      Reason = "remove-error"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.TransactionID != "" {
		msg += fmt.Sprintf(" (transaction=%s)", e.TransactionID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the ErrorCode of err, or "" if err is not an *Error.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) ErrorCode {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// IsExpired returns true if undo or redo was refused due to staleness.
func IsExpired(err error) bool {
	return CodeOf(err) == ErrCodeExpired
}

// IsCancelled returns true if the transaction was cancelled.
func IsCancelled(err error) bool {
	return CodeOf(err) == ErrCodeCancelled
}

// IsPermissionDenied returns true if a permission check failed.
func IsPermissionDenied(err error) bool {
	return CodeOf(err) == ErrCodePermissionDenied
}

// ReasonOf returns the cancellation reason carried by err, if any.
func ReasonOf(err error) Reason {
	var te *Error
	if errors.As(err, &te) {
		return te.Reason
	}
	return ""
}

func newError(code ErrorCode, txnID, format string, args ...any) *Error {
	return &Error{Code: code, TransactionID: txnID, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code ErrorCode, txnID string, err error, format string, args ...any) *Error {
	return &Error{Code: code, TransactionID: txnID, Message: fmt.Sprintf(format, args...), Err: err}
}

func cancelledError(txnID string, reason Reason) *Error {
	return &Error{
		Code:          ErrCodeCancelled,
		TransactionID: txnID,
		Reason:        reason,
		Message:       fmt.Sprintf("transaction cancelled (%s)", reason),
	}
}

// kindError maps an action kind to its error code and cancellation reason.
func kindError(kind record.Kind) (ErrorCode, Reason) {
	switch kind {
	case record.KindInsert:
		return ErrCodeInsert, ReasonInsertError
	case record.KindUpdate:
		return ErrCodeUpdate, ReasonUpdateError
	default:
		return ErrCodeRemove, ReasonRemoveError
	}
}
