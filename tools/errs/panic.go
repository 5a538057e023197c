package errs

import (
	"fmt"

	pkgerr "github.com/pkg/errors"
)

const CodeInternal = 1000

func ErrPanic(r any) error {
	return ErrPanicMsg(r, CodeInternal, "panic error")
}

func ErrPanicMsg(r any, code int, msg string) error {
	if r == nil {
		return nil
	}
	err := CodeError{
		Code:   code,
		Msg:    msg,
		Detail: fmt.Sprint(r),
	}
	return pkgerr.WithStack(err)
}
