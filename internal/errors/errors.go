// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	// 通用错误类型
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeError      ErrorType = "processing_error"
	ErrorTypeTimeout    ErrorType = "timeout"

	// 编排错误类型
	ErrorTypeParseFailure    ErrorType = "parse_failure"    // 生成输出无法解析，可恢复（触发策略回退）
	ErrorTypeStrategyFailure ErrorType = "strategy_failure" // 单一策略执行失败，可恢复一次
	ErrorTypeTotalFailure    ErrorType = "total_failure"    // 两种策略均失败，对本回合致命
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string // 用户友好的错误代码
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

// NewValidationError 创建验证错误
func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewProcessingError 创建处理错误
func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

// NewParseFailureError 创建解析失败错误
func NewParseFailureError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeParseFailure, message, originalError)
}

// NewStrategyFailureError 创建策略失败错误
func NewStrategyFailureError(mode string, originalError error) *AppError {
	return NewAppError(ErrorTypeStrategyFailure,
		fmt.Sprintf("策略 %s 执行失败", mode), originalError)
}

// NewTotalFailureError 创建双重失败错误
// 主策略和回退策略都失败时，将两个底层错误合并为一个对外错误
func NewTotalFailureError(primaryMode string, primaryErr error, fallbackMode string, fallbackErr error) *AppError {
	return &AppError{
		Type: ErrorTypeTotalFailure,
		Message: fmt.Sprintf("两种生成策略均失败 [%s: %v] [%s: %v]",
			primaryMode, primaryErr, fallbackMode, fallbackErr),
		Err:  errors.Join(primaryErr, fallbackErr),
		Code: generateErrorCode(ErrorTypeTotalFailure),
	}
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsParseFailure 检查是否为解析失败
func IsParseFailure(err error) bool {
	return hasType(err, ErrorTypeParseFailure)
}

// IsStrategyFailure 检查是否为策略失败
func IsStrategyFailure(err error) bool {
	return hasType(err, ErrorTypeStrategyFailure)
}

// IsTotalFailure 检查是否为双重失败
func IsTotalFailure(err error) bool {
	return hasType(err, ErrorTypeTotalFailure)
}

func hasType(err error, errType ErrorType) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == errType
	}
	return false
}

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeError:
		return "PROCESSING_ERROR"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeParseFailure:
		return "PARSE_FAILURE"
	case ErrorTypeStrategyFailure:
		return "STRATEGY_FAILURE"
	case ErrorTypeTotalFailure:
		return "TOTAL_FAILURE"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError 包装现有错误
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		// 如果已经是 AppError，只更新消息
		return &AppError{
			Type:    appError.Type,
			Message: fmt.Sprintf("%s: %s", message, appError.Message),
			Err:     appError,
			Code:    appError.Code,
		}
	}

	return NewAppError(errType, message, err)
}
