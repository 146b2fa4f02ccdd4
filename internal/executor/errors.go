package executor

import "fmt"

// TestSetupError corresponds to §7's ExecutorSetup kind: a prepare/install
// step failed before the test itself ever ran.
type TestSetupError struct{ Msg string }

func (e *TestSetupError) Error() string { return fmt.Sprintf("executor: test setup: %s", e.Msg) }

// BadControlError is a control-protocol violation by the test (malformed
// frame, short data-channel read).
type BadControlError struct{ Msg string }

func (e *BadControlError) Error() string { return e.Msg }

// BadReportJSONError is a malformed or disallowed `report` frame.
type BadReportJSONError struct{ Msg string }

func (e *BadReportJSONError) Error() string { return e.Msg }

// TestAbortedError means infrastructure violated a test invariant
// (deadline exceeded, unexpected disconnect). It always implies
// destructive classification downstream (§4.9).
type TestAbortedError struct{ Msg string }

func (e *TestAbortedError) Error() string { return fmt.Sprintf("executor: test aborted: %s", e.Msg) }
