package errs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	pkgerr "github.com/pkg/errors"
)

// 投递协议错误码（客户端侧闭集）
const (
	CodeSendRejected      = 1101 // 服务端显式拒绝，不重试
	CodeDuplicateSend     = 1102 // 指纹窗口内的重复发送，静默抑制
	CodeRetryLater        = 1103 // 服务端要求稍后重试，不消耗 attempt
	CodeReadGtDelivered   = 1201 // read 超过 delivered，本地纠正一次
	CodeRecoveryExhausted = 1301 // 恢复预算耗尽，回显被丢弃
	CodeResyncFailed      = 1302 // 增量补流失败（checkpoint 过旧/断流）
	CodeSnapshotFailed    = 1303 // 全量快照失败
	CodeSchemaGap         = 1401 // 幂等列缺失（灰度 schema），转近似匹配
	CodeMalformedRow      = 1501 // 非法行，合并时跳过
)

var (
	ErrSendRejected      = NewCodeError(CodeSendRejected, "send rejected")
	ErrDuplicateSend     = NewCodeError(CodeDuplicateSend, "duplicate send suppressed")
	ErrRetryLater        = NewCodeError(CodeRetryLater, "retry later")
	ErrReadGtDelivered   = NewCodeError(CodeReadGtDelivered, "read_gt_delivered")
	ErrRecoveryExhausted = NewCodeError(CodeRecoveryExhausted, "recovery attempts exhausted")
	ErrResyncFailed      = NewCodeError(CodeResyncFailed, "resync failed")
	ErrSnapshotFailed    = NewCodeError(CodeSnapshotFailed, "full snapshot failed")
	ErrSchemaGap         = NewCodeError(CodeSchemaGap, "idempotency columns unavailable")
	ErrMalformedRow      = NewCodeError(CodeMalformedRow, "malformed row")
)

type CodeErrorI interface {
	ECode() int
	EMsg() string
	DDetail() string
	WithDetail(detail string) CodeError
	error
}

func NewCodeError(code int, msg string) CodeError {
	return CodeError{
		Code: code,
		Msg:  msg,
	}
}

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func (e CodeError) ECode() int      { return e.Code }
func (e CodeError) EMsg() string    { return e.Msg }
func (e CodeError) DDetail() string { return e.Detail }

func (e CodeError) WithDetail(detail string) CodeError {
	var d string
	if e.Detail == "" {
		d = detail
	} else {
		d = e.Detail + ", " + detail
	}
	return CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: d,
	}
}

func (e CodeError) Wrap() error {
	return pkgerr.WithStack(e)
}

func (e CodeError) WrapMsg(msg string, kv ...any) error {
	retErr := e
	if msg != "" || len(kv) > 0 {
		detail := toString(msg, kv)
		if retErr.Detail == "" {
			retErr.Detail = detail
		} else {
			retErr.Detail += ", " + detail
		}
	}
	return pkgerr.WithStack(retErr)
}

// Is 按 code 对齐，detail 不参与比较
func (e CodeError) Is(err error) bool {
	var codeErr CodeError
	if !errors.As(err, &codeErr) {
		return false
	}
	return e.Code == codeErr.Code
}

const initialCapacity = 3

func (e CodeError) Error() string {
	v := make([]string, 0, initialCapacity)
	v = append(v, strconv.Itoa(e.Code), e.Msg)

	if e.Detail != "" {
		v = append(v, e.Detail)
	}

	return strings.Join(v, " ")
}

func toString(msg string, kv []any) string {
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(toStr(kv[i]))
		sb.WriteString("=")
		sb.WriteString(toStr(kv[i+1]))
	}
	return sb.String()
}

func toStr(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case error:
		return t.Error()
	default:
		return fmt.Sprint(t)
	}
}

// CodeOf 提取错误里的协议码，没有则返回 0
func CodeOf(err error) int {
	var codeErr CodeError
	if errors.As(err, &codeErr) {
		return codeErr.Code
	}
	return 0
}

// IsCode 判断 err 是否携带指定协议码
func IsCode(err error, code int) bool { return CodeOf(err) == code }

// RetryLaterError 服务端显式退避信号，携带建议延迟
type RetryLaterError struct {
	CodeError
	After time.Duration
}

func NewRetryLater(after time.Duration) error {
	return &RetryLaterError{
		CodeError: ErrRetryLater,
		After:     after,
	}
}

func (e *RetryLaterError) Unwrap() error { return e.CodeError }

// RetryAfter 从错误链里取出 retry_later 的建议延迟
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RetryLaterError
	if errors.As(err, &rl) {
		return rl.After, true
	}
	if IsCode(err, CodeRetryLater) {
		return 0, true
	}
	return 0, false
}
