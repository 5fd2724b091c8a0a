package api

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrWorkflowNotFound is returned when a workflow definition is not found.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrActivityNotFound is returned when an activity is not registered.
	ErrActivityNotFound = errors.New("activity not found")

	// ErrInstanceNotFound is returned when a workflow instance is not found.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceExists is returned when starting an instance whose ID is taken.
	ErrInstanceExists = errors.New("instance already exists")

	// ErrSignalTimeout is returned by AwaitSignal when the wait timer fires
	// before a matching signal arrives.
	ErrSignalTimeout = errors.New("signal wait timed out")

	// ErrNondeterminism means replaying the workflow issued different
	// commands than the recorded history.
	ErrNondeterminism = errors.New("nondeterministic workflow")

	ErrCaseExists   = errors.New("case already exists")
	ErrCaseNotFound = errors.New("case not found")
	// ErrCaseConflict means a writer tried to overwrite a field owned by
	// another stage.
	ErrCaseConflict = errors.New("case field owned by another stage")
)

// ValidationError reports bad start input or a malformed signal payload.
// It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError returns a *ValidationError for field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return "validation failed: " + e.Field + ": " + e.Message
}

// IsValidationError reports whether err is a *ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// ActivityErrorKind classifies activity failures.
type ActivityErrorKind string

const (
	// ActivityTransient failures are retried per the activity's policy.
	ActivityTransient ActivityErrorKind = "transient"
	// ActivityFatal failures are non-retryable.
	ActivityFatal ActivityErrorKind = "fatal"
	// ActivityTimeout marks an attempt that exceeded its timeout.
	ActivityTimeout ActivityErrorKind = "timeout"
	// ActivityExhausted means every allowed attempt failed.
	ActivityExhausted ActivityErrorKind = "exhausted"
)

// ActivityError is the terminal failure of an activity invocation as seen by
// the workflow.
type ActivityError struct {
	Activity string
	Kind     ActivityErrorKind
	Attempt  int
	Message  string

	// Cause is the registered failure kind of the error the activity
	// returned, such as "case_conflict". Empty when none matched.
	Cause string
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s failed (%s after %d attempt(s)): %s", e.Activity, e.Kind, e.Attempt, e.Message)
}

// Is matches the sentinel registered for Cause.
func (e *ActivityError) Is(target error) bool {
	sentinel, ok := sentinelFor(e.Cause)
	return ok && sentinel == target
}

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks err so that the activity fails without further attempts.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err was wrapped by NonRetryable.
func IsNonRetryable(err error) bool {
	var n *nonRetryableError
	return errors.As(err, &n)
}

// StageError aborts a workflow stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return "stage " + e.Stage + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// SignalTimeoutError is returned when a workflow gives up waiting for a signal.
type SignalTimeoutError struct {
	Signal string
	Waits  int
}

func (e *SignalTimeoutError) Error() string {
	return fmt.Sprintf("signal %s not received after %d wait(s)", e.Signal, e.Waits)
}

func (e *SignalTimeoutError) Is(target error) bool { return target == ErrSignalTimeout }

// CaseConflictError reports a write to a field owned by another stage.
type CaseConflictError struct {
	CaseID string
	Field  string
	Owner  string
	Writer string
}

func (e *CaseConflictError) Error() string {
	return fmt.Sprintf("case %s: field %q is owned by stage %q, write from stage %q rejected", e.CaseID, e.Field, e.Owner, e.Writer)
}

func (e *CaseConflictError) Is(target error) bool { return target == ErrCaseConflict }

// SuspendError is returned through workflow code when the instance cannot
// make progress until an activity result, signal or timer is recorded.
// Workflow functions must propagate it unchanged.
type SuspendError struct {
	Reason SuspendReason
}

// SuspendReason says what a suspended workflow is waiting for.
type SuspendReason string

const (
	SuspendActivity SuspendReason = "activity"
	SuspendSignal   SuspendReason = "signal"
)

func (e *SuspendError) Error() string { return "workflow suspended waiting for " + string(e.Reason) }

// IsSuspended reports whether err is a suspension rather than a failure.
func IsSuspended(err error) bool {
	var s *SuspendError
	return errors.As(err, &s)
}

// Failure is an error restored from persisted history. It matches the
// sentinel registered for its kind with errors.Is.
type Failure struct {
	Kind    string
	Message string
}

func (f *Failure) Error() string { return f.Message }

func (f *Failure) Is(target error) bool {
	kind := f.Kind
	if rest, ok := strings.CutPrefix(kind, "activity."); ok {
		_, kind, _ = strings.Cut(rest, "/")
	}
	sentinel, ok := sentinelFor(kind)
	return ok && sentinel == target
}

var (
	failureKindsMu sync.RWMutex
	failureKinds   = map[string]error{
		"signal_timeout":   ErrSignalTimeout,
		"case_conflict":    ErrCaseConflict,
		"case_exists":      ErrCaseExists,
		"case_not_found":   ErrCaseNotFound,
		"nondeterminism":   ErrNondeterminism,
		"activity_unknown": ErrActivityNotFound,
	}
)

// RegisterFailureKind lets a package make its own sentinel survive a
// round trip through persisted history.
func RegisterFailureKind(kind string, sentinel error) {
	failureKindsMu.Lock()
	defer failureKindsMu.Unlock()
	failureKinds[kind] = sentinel
}

func sentinelFor(kind string) (error, bool) {
	if kind == "" {
		return nil, false
	}
	failureKindsMu.RLock()
	defer failureKindsMu.RUnlock()
	sentinel, ok := failureKinds[kind]
	return sentinel, ok
}

// CauseKind returns the registered failure kind whose sentinel err matches,
// or "" when there is none.
func CauseKind(err error) string {
	if err == nil {
		return ""
	}
	// errors.Is may call back into sentinelFor, so match outside the lock.
	failureKindsMu.RLock()
	kinds := make(map[string]error, len(failureKinds))
	for kind, sentinel := range failureKinds {
		kinds[kind] = sentinel
	}
	failureKindsMu.RUnlock()
	for kind, sentinel := range kinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}

// FailureKind classifies err for persistence. Activity failures are encoded
// as "activity.<kind>" with "/<cause>" appended when the cause is known.
func FailureKind(err error) string {
	if err == nil {
		return ""
	}
	var ae *ActivityError
	if errors.As(err, &ae) {
		kind := "activity." + string(ae.Kind)
		if ae.Cause != "" {
			kind += "/" + ae.Cause
		}
		return kind
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return "validation"
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	if kind := CauseKind(err); kind != "" {
		return kind
	}
	return "error"
}

// RestoreFailure rebuilds an error from its persisted kind and message.
func RestoreFailure(kind, message string) error {
	if kind == "" && message == "" {
		return nil
	}
	return &Failure{Kind: kind, Message: message}
}

// ActivityErrorKindOf returns the activity failure kind carried by err,
// including errors restored from history.
func ActivityErrorKindOf(err error) (ActivityErrorKind, bool) {
	var ae *ActivityError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	var f *Failure
	if errors.As(err, &f) {
		if rest, ok := strings.CutPrefix(f.Kind, "activity."); ok {
			kind, _, _ := strings.Cut(rest, "/")
			return ActivityErrorKind(kind), true
		}
	}
	return "", false
}
