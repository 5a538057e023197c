package safe

import (
	"fmt"
	"reflect"

	"PPClient/logger"
	"PPClient/tools/errs"
)

// MustNotNil panics if the given value is nil.
// Useful for enforcing required fields during struct initialization.
func MustNotNil(v any, name string) {
	if v == nil || (reflect.ValueOf(v).Kind() == reflect.Ptr && reflect.ValueOf(v).IsNil()) {
		panic(fmt.Sprintf("%s must not be nil", name))
	}
}

// DefaultDuration returns the value of d, or the fallback if d is zero.
func DefaultDuration[T ~int64](d T, fallback T) T {
	if d == 0 {
		return fallback
	}
	return d
}

// SafeGo starts a new goroutine that recovers from panic,
// so that panics don't crash the entire program.
func SafeGo(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[SafeGo] recovered: %v", errs.ErrPanic(r))
			}
		}()
		f()
	}()
}
