package observability

import (
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// RecoverPanic recovers from a panic and logs it with its stack. Call it in
// a defer statement. The panic is not re-raised.
func RecoverPanic(log *logrus.Logger, context string) {
	if r := recover(); r != nil {
		log.WithFields(logrus.Fields{
			"panic":   r,
			"stack":   string(debug.Stack()),
			"context": context,
		}).Error("PANIC recovered")
	}
}

// PanicError is a recovered panic turned into an error
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes a panicked error value to errors.Is and errors.As
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// RecoveredError converts a recovered value into a *PanicError, or nil when
// nothing panicked. The stack is captured at the call site, so call it
// directly inside the deferred function:
//
//	defer func() {
//	    if err := observability.RecoveredError(recover()); err != nil {
//	        ...
//	    }
//	}()
func RecoveredError(r any) error {
	if r == nil {
		return nil
	}
	return &PanicError{Value: r, Stack: debug.Stack()}
}
