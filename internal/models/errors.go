package models

import "fmt"

// RecoverableError is implemented by enriched errors that carry structured
// context and remediation hints. Both the store and output packages use this
// interface to avoid an import cycle.
type RecoverableError interface {
	error
	ErrorCode() string
	Context() map[string]string
	SuggestedAction() string
}

// RetryableConflictError signals a unique-constraint violation on a source
// slot or document pair — a concurrent writer won the race. The IRE retry
// loop handles this internally; it is only surfaced after the retry cap.
type RetryableConflictError struct {
	HISNumber string
	Source    Source
	Cause     error
}

func (e *RetryableConflictError) Error() string {
	return fmt.Sprintf("retryable conflict reconciling %s/%s: %v", e.Source, e.HISNumber, e.Cause)
}
func (e *RetryableConflictError) Unwrap() error     { return e.Cause }
func (e *RetryableConflictError) ErrorCode() string { return "RETRYABLE_CONFLICT" }
func (e *RetryableConflictError) Context() map[string]string {
	return map[string]string{"his_number": e.HISNumber, "source": string(e.Source)}
}
func (e *RetryableConflictError) SuggestedAction() string {
	return "retry handled internally by the reconciliation engine; surfaced only after the retry cap was exhausted"
}

// LockTimeoutError signals that the identity-lock set could not be acquired
// within the configured timeout. Surfaced to the caller as retryable.
type LockTimeoutError struct {
	Keys    []string
	Timeout string
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s acquiring identity locks %v", e.Timeout, e.Keys)
}
func (e *LockTimeoutError) ErrorCode() string { return "LOCK_TIMEOUT" }
func (e *LockTimeoutError) Context() map[string]string {
	return map[string]string{"keys": fmt.Sprint(e.Keys), "timeout": e.Timeout}
}
func (e *LockTimeoutError) SuggestedAction() string {
	return "requeue the event with backoff; a concurrent reconciliation is holding one of these identity keys"
}

// InvalidRawError signals that a raw record violates a schema invariant.
// Fatal for this event: the raw record remains unstamped for human triage.
type InvalidRawError struct {
	RawID  string
	Reason string
}

func (e *InvalidRawError) Error() string {
	return fmt.Sprintf("invalid raw record %s: %s", e.RawID, e.Reason)
}
func (e *InvalidRawError) ErrorCode() string { return "INVALID_RAW" }
func (e *InvalidRawError) Context() map[string]string {
	return map[string]string{"raw_id": e.RawID, "reason": e.Reason}
}
func (e *InvalidRawError) SuggestedAction() string {
	return "dead-letter this raw record for human triage; do not requeue"
}

// StorageFailureError wraps any other DB error encountered while applying a
// decision. Fatal for this event: transaction rolled back, surfaced to the
// caller.
type StorageFailureError struct {
	Op    string
	Cause error
}

func (e *StorageFailureError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Cause)
}
func (e *StorageFailureError) Unwrap() error     { return e.Cause }
func (e *StorageFailureError) ErrorCode() string { return "STORAGE_FAILURE" }
func (e *StorageFailureError) Context() map[string]string {
	return map[string]string{"op": e.Op}
}
func (e *StorageFailureError) SuggestedAction() string {
	return "stop the worker and alert; this indicates a non-transient database error"
}
