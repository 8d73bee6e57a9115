// Package invariant provides contract assertions for the task processor.
//
// The dataflow core leans on these at the handful of spots where a
// violated assumption must fail loudly rather than silently corrupt
// state: the submit loop's fingerprint collision-streak ceiling, the
// emission sequencer's buffer indexing, and the operator's pipeline
// configuration. MonotonicIndex and BoundedForks are not called by the
// core. These are programming errors, not user errors, so every check
// here panics.
package invariant

import (
	"fmt"
	"reflect"
	"runtime"
)

// Require panics with a PRECONDITION violation if condition is false.
func Require(condition bool, format string, args ...interface{}) {
	if !condition {
		fail("PRECONDITION", format, args...)
	}
}

// Ensure panics with a POSTCONDITION violation if condition is false.
func Ensure(condition bool, format string, args ...interface{}) {
	if !condition {
		fail("POSTCONDITION", format, args...)
	}
}

// Hold panics with an INVARIANT violation if condition is false.
// Use for internal consistency checks: loop progress, counter ordering,
// buffer indexing.
func Hold(condition bool, format string, args ...interface{}) {
	if !condition {
		fail("INVARIANT", format, args...)
	}
}

// NotNil panics if value is nil, including a typed nil pointer/interface.
func NotNil(value interface{}, name string) {
	if value == nil || isNilValue(value) {
		fail("PRECONDITION", "%s must not be nil", name)
	}
}

// MonotonicIndex panics unless next > prev. Used to guard tuple-index and
// task-id assignment, which must be strictly increasing.
func MonotonicIndex(prev, next int64, name string) {
	if next <= prev {
		fail("INVARIANT", "%s must strictly increase: prev=%d next=%d", name, prev, next)
	}
}

// BoundedForks panics if in-flight work exceeds the configured ceiling.
// maxForks <= 0 means unbounded and is always satisfied.
func BoundedForks(submitted, completed int64, maxForks int) {
	if maxForks <= 0 {
		return
	}
	inFlight := submitted - completed
	if inFlight < 0 || inFlight > int64(maxForks) {
		fail("INVARIANT", "in-flight count %d out of bounds [0, %d] (submitted=%d completed=%d)",
			inFlight, maxForks, submitted, completed)
	}
}

func isNilValue(value interface{}) bool {
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Chan, reflect.Func:
		return v.IsNil()
	default:
		return false
	}
}

func fail(kind, format string, args ...interface{}) {
	pc := make([]uintptr, 10)
	n := runtime.Callers(3, pc)
	frames := runtime.CallersFrames(pc[:n])

	msg := fmt.Sprintf("%s VIOLATION: "+format, append([]interface{}{kind}, args...)...)
	if frame, ok := frames.Next(); ok {
		msg += fmt.Sprintf("\n  at %s:%d", frame.File, frame.Line)
	}
	panic(msg)
}
