package vm

import (
	"errors"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Recoverable errors
// ---------------------------------------------------------------------------

var (
	// ErrGeneratorRunning is returned when next() is called on a generator
	// whose frame is already executing.
	ErrGeneratorRunning = errors.New("generator already executing")

	// ErrOutOfMemory is wrapped in a FatalError when the heap cell limit is hit.
	ErrOutOfMemory = errors.New("heap cell limit exceeded")
)

// TypeError reports a wrong dynamic type at a native boundary or during
// magic-method dispatch.
type TypeError struct {
	Op       string
	Expected string
	Got      string
}

func (e *TypeError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("TypeError: %s: unsupported type '%s'", e.Op, e.Got)
	}
	return fmt.Sprintf("TypeError: %s: expected '%s', got '%s'", e.Op, e.Expected, e.Got)
}

// ArityError reports a call with an unexpected argument count.
type ArityError struct {
	Name     string
	Expected int
	Got      int
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("TypeError: %s expected %d arguments, got %d", e.Name, e.Expected, e.Got)
}

// LookupError reports a missing name: a global, a module attribute, a
// reflected type, or a reflected field.
type LookupError struct {
	Kind string
	Name string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("LookupError: %s '%s' not found", e.Kind, e.Name)
}

// RecursionError is returned when the call stack exceeds its limit.
type RecursionError struct {
	Depth int
}

func (e *RecursionError) Error() string {
	return fmt.Sprintf("RecursionError: maximum call depth %d exceeded", e.Depth)
}

// ScriptError is an uncaught error raised by script code. It carries the
// raised Value and the code names of the frames it unwound.
type ScriptError struct {
	Value     Value
	Message   string
	Traceback []string
	Err       error // underlying kernel error, if the raise came from one
}

func (e *ScriptError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if len(e.Traceback) > 0 {
		b.WriteString(" (in ")
		b.WriteString(strings.Join(e.Traceback, " <- "))
		b.WriteString(")")
	}
	return b.String()
}

func (e *ScriptError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// Fatal errors
// ---------------------------------------------------------------------------

// FatalError is raised with panic when a kernel invariant is violated or
// the heap limit is exceeded. The kernel does not continue past one.
type FatalError struct {
	Msg string
	Err error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Msg, e.Err)
	}
	return "fatal: " + e.Msg
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatalf(format string, args ...any) {
	panic(&FatalError{Msg: fmt.Sprintf(format, args...)})
}
