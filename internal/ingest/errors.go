package ingest

import (
	"errors"
	"fmt"
)

// RecoverableError は再試行で回復が見込めるエラー。
// AMQPのメッセージは再キューされる。
type RecoverableError struct {
	message string
	cause   error
}

// Error はエラーメッセージを返す。
func (e RecoverableError) Error() string {
	return e.message
}

// Unwrap は原因となったエラーを返す。
func (e RecoverableError) Unwrap() error {
	return e.cause
}

// NewRecoverableError は回復可能なエラーを生成する。
func NewRecoverableError(cause error, format string, a ...any) RecoverableError {
	return RecoverableError{message: fmt.Sprintf(format, a...), cause: cause}
}

// UnrecoverableError は再試行しても回復しないエラー。
// AMQPのメッセージは再キューせずに破棄する。
type UnrecoverableError struct {
	message string
	cause   error
}

// Error はエラーメッセージを返す。
func (e UnrecoverableError) Error() string {
	return e.message
}

// Unwrap は原因となったエラーを返す。
func (e UnrecoverableError) Unwrap() error {
	return e.cause
}

// NewUnrecoverableError は回復不能なエラーを生成する。
func NewUnrecoverableError(cause error, format string, a ...any) UnrecoverableError {
	return UnrecoverableError{message: fmt.Sprintf(format, a...), cause: cause}
}

// IsRecoverable はerrが回復可能なエラーかどうかを返す。
// 分類されていないエラーは回復可能として扱う。
func IsRecoverable(err error) bool {
	var unrecoverable UnrecoverableError
	return !errors.As(err, &unrecoverable)
}
