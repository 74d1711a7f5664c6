package errors

import "fmt"

// AssertMode selects what happens when a programming error is detected
// (invalid call transition, underivable message state, missing required
// argument). Development builds run strict and crash; production builds log
// and continue. The policy is injected, never hardcoded at the check site.
type AssertMode int

const (
	// AssertLog logs the failure and carries on.
	AssertLog AssertMode = iota
	// AssertPanic makes the failure fatal.
	AssertPanic
)

// Asserter applies the configured assertion policy to programming errors.
type Asserter struct {
	mode   AssertMode
	logger *Logger
}

// NewAsserter creates an asserter with the given mode and logger.
func NewAsserter(mode AssertMode, logger *Logger) *Asserter {
	if logger == nil {
		logger = NewLogger()
	}
	return &Asserter{mode: mode, logger: logger}
}

// Fail reports a programming error. Under AssertPanic it panics with the
// error; under AssertLog it logs at error level and returns the error so the
// caller can surface it as a normal failure.
func (a *Asserter) Fail(err *AppError) error {
	if a.mode == AssertPanic {
		panic(err)
	}
	a.logger.LogError(err, "assertion failed")
	return err
}

// Failf is Fail with a fresh error built from a format string.
func (a *Asserter) Failf(code ErrorCode, format string, args ...interface{}) error {
	return a.Fail(New(code, fmt.Sprintf(format, args...)))
}
