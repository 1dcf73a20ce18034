package models

import (
	"errors"
	"fmt"
)

// Error taxonomy for the workflow. The split matters operationally: config
// and credential problems abort the whole invocation, storage problems are
// fatal or swallowed depending on the call site, and classification problems
// always downgrade to manual review instead of failing the scan run.

// ConfigError means a required setting is missing. Fatal, never retried.
type ConfigError struct {
	Setting string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s must be set", e.Setting)
}

// CredentialError means token issuance failed for a backend identity.
type CredentialError struct {
	Identity string
	Cause    error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential error for %s: %v", e.Identity, e.Cause)
}

func (e *CredentialError) Unwrap() error { return e.Cause }

// StorageError is a non-2xx answer from the Drive API.
type StorageError struct {
	Code int
	Body string
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error %d: %s", e.Code, e.Body)
}

// ClassificationFailure covers every shape of AI-side problem: transport
// errors, malformed model output, unknown categories, empty names. The
// scanner maps all of them to the manual-review terminal state.
type ClassificationFailure struct {
	Reason string
	Cause  error
}

func (e *ClassificationFailure) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("classification failed (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("classification failed (%s)", e.Reason)
}

func (e *ClassificationFailure) Unwrap() error { return e.Cause }

// ErrInvalidRequest marks a malformed inbound payload. Handlers answer 4xx
// and perform no side effects.
var ErrInvalidRequest = errors.New("invalid request")

// CommitFailure means the relocate step failed; its message is surfaced
// verbatim (truncated) to the human who approved.
type CommitFailure struct {
	FileID string
	Cause  error
}

func (e *CommitFailure) Error() string {
	return fmt.Sprintf("commit failed for file %s: %v", e.FileID, e.Cause)
}

func (e *CommitFailure) Unwrap() error { return e.Cause }
