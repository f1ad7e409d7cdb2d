package session

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// ErrorCode 错误码
type ErrorCode string

const (
	ErrCodeContextNotSet     ErrorCode = "CONTEXT_NOT_SET"
	ErrCodeSessionRemoved    ErrorCode = "SESSION_REMOVED"
	ErrCodeTransaction       ErrorCode = "TRANSACTION"
	ErrCodeTransactionActive ErrorCode = "TRANSACTION_ACTIVE"
	ErrCodeEngine            ErrorCode = "ENGINE"
	ErrCodeInvalidParam      ErrorCode = "INVALID_PARAM"
)

// 哨兵错误，配合 errors.Is 按错误码匹配
var (
	ErrContextNotSet     = &Error{Code: ErrCodeContextNotSet, Message: "session context is not set"}
	ErrSessionRemoved    = &Error{Code: ErrCodeSessionRemoved, Message: "session has been removed"}
	ErrTransactionActive = &Error{Code: ErrCodeTransactionActive, Message: "a transaction is already active"}
)

// Error 错误类型（带堆栈）
type Error struct {
	Code    ErrorCode
	Message string
	Stack   []string // 调用堆栈
	Cause   error    // 原始错误
}

// Error 接口实现
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 返回原始错误
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// StackTrace 返回调用堆栈
func (e *Error) StackTrace() []string {
	return e.Stack
}

// NewError 创建错误
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Stack:   captureStackTrace(),
		Cause:   cause,
	}
}

// WrapError 包装错误
func WrapError(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}

	// 如果已经是我们的错误类型，保留原有堆栈
	var sessErr *Error
	if errors.As(err, &sessErr) && len(sessErr.Stack) > 0 {
		return &Error{
			Code:    code,
			Message: message,
			Stack:   sessErr.Stack,
			Cause:   err,
		}
	}

	return &Error{
		Code:    code,
		Message: message,
		Stack:   captureStackTrace(),
		Cause:   err,
	}
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// captureStackTrace 捕获调用堆栈，跳过 captureStackTrace 和 NewError/WrapError 两层
func captureStackTrace() []string {
	st, ok := pkgerrors.New("").(stackTracer)
	if !ok {
		return nil
	}

	frames := st.StackTrace()
	if len(frames) <= 2 {
		return []string{}
	}
	frames = frames[2:]

	stack := make([]string, 0, len(frames))
	for _, f := range frames {
		stack = append(stack, fmt.Sprintf("  at %n (%s:%d)", f, f, f))
	}
	return stack
}

// IsErrorCode 检查错误链中是否存在指定错误码
func IsErrorCode(err error, code ErrorCode) bool {
	var sessErr *Error
	for err != nil {
		if !errors.As(err, &sessErr) {
			return false
		}
		if sessErr.Code == code {
			return true
		}
		err = sessErr.Cause
	}
	return false
}

// GetErrorCode 获取最外层错误码
func GetErrorCode(err error) ErrorCode {
	var sessErr *Error
	if errors.As(err, &sessErr) {
		return sessErr.Code
	}
	return ""
}
