package helper

import (
	"fmt"
	"runtime/debug"

	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

// PanicError is a recovered panic turned into an error.
type PanicError struct {
	Name  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Name, e.Value)
}

// RecoverPanic recovers from panics in goroutines and callbacks and logs the stack trace.
// Usage: defer helper.RecoverPanic(logger, "goroutine-name")
func RecoverPanic(log *logger.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(log, &PanicError{Name: name, Value: r, Stack: debug.Stack()})
	}
}

// RecoverError is RecoverPanic for functions with a named error result: the
// panic is logged and stored in *errp as a *PanicError.
// Usage: defer helper.RecoverError(logger, "handler", &err)
func RecoverError(log *logger.Logger, name string, errp *error) {
	if r := recover(); r != nil {
		perr := &PanicError{Name: name, Value: r, Stack: debug.Stack()}
		logPanic(log, perr)
		if errp != nil {
			*errp = perr
		}
	}
}

func logPanic(log *logger.Logger, perr *PanicError) {
	log.WithFields(logger.Fields{
		"where": perr.Name,
		"panic": fmt.Sprint(perr.Value),
		"stack": string(perr.Stack),
	}).Error("panic recovered")
}
