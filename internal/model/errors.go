package model

import (
	"errors"

	"mailpilot/pkg/util"
)

var (
	// ErrMalformedInput 邮件本身不合法（如缺少发件人），永不重试
	ErrMalformedInput = errors.New("malformed input")
	// ErrValidation 存储边界上的字段缺失
	ErrValidation = errors.New("validation failure")
	// ErrDuplicate 幂等键冲突，视为已处理
	ErrDuplicate = errors.New("already processed")
	// ErrPermanent 例如账号不存在
	ErrPermanent = errors.New("permanent failure")
	// ErrNoPersonEmail 关系解析没有得到 person_email
	ErrNoPersonEmail = errors.New("relationship resolver returned no person email")
	// ErrDestinationMismatch 记录的目标文件夹与实际不一致
	ErrDestinationMismatch = errors.New("destination mismatch")
)

// ErrorKind 错误分类
type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindMalformedInput ErrorKind = "malformed_input"
	KindValidation     ErrorKind = "validation"
	KindDuplicate      ErrorKind = "duplicate"
	KindTransient      ErrorKind = "transient"
	KindPermanent      ErrorKind = "permanent"
)

// ClassifyError 返回错误类别以及调用方是否应该重试
func ClassifyError(err error) (ErrorKind, bool) {
	switch {
	case err == nil:
		return KindNone, false
	case errors.Is(err, ErrDuplicate):
		return KindDuplicate, false
	case errors.Is(err, ErrMalformedInput):
		return KindMalformedInput, false
	case errors.Is(err, ErrValidation):
		return KindValidation, false
	case errors.Is(err, ErrPermanent):
		return KindPermanent, false
	case util.IsUniqueViolation(err):
		return KindDuplicate, false
	}

	retryable, reason := util.IsRetryableError(err)
	if retryable {
		return KindTransient, true
	}
	switch reason {
	case "json_decode_error":
		return KindMalformedInput, false
	case "constraint_violation", "not_found", "upstream_rejected":
		return KindPermanent, false
	case "duplicate_key":
		return KindDuplicate, false
	}
	// 未知错误按瞬时处理，由队列的重试上限兜底
	return KindTransient, true
}
