// Package errors defines the typed failures the ingestion pipeline
// distinguishes between when deciding whether to retry, fail a file, or
// surface a configuration problem to operators.
package errors

import (
	goerrors "errors"
	"fmt"

	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/constants"
)

// AuthError indicates missing or undecryptable facility credentials. It is a
// configuration problem and is never retried automatically.
type AuthError struct {
	FacilityID string
	Err        error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("credentials unavailable for facility %s: %s", e.FacilityID, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientNetworkError wraps SOAP or database connectivity failures that are
// expected to succeed on retry.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient failure during %s: %s", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// MalformedDocumentError is a structural parse failure. The whole file is
// rejected; there is no per-claim recovery.
type MalformedDocumentError struct {
	FileID string
	Msg    string
}

func (e *MalformedDocumentError) Error() string {
	return fmt.Sprintf("malformed document %s: %s", e.FileID, e.Msg)
}

// Violation is a single business-rule failure, keyed by claim index and field.
type Violation struct {
	ClaimIndex int
	ClaimID    string
	Field      string
	Code       string
	Message    string
}

func (v Violation) String() string {
	return fmt.Sprintf("claim[%d] %s %s: %s", v.ClaimIndex, v.Field, v.Code, v.Message)
}

// ValidationViolation carries every rule violation found in one file.
type ValidationViolation struct {
	FileID     string
	Violations []Violation
}

func (e *ValidationViolation) Error() string {
	return fmt.Sprintf("file %s failed validation with %d violations", e.FileID, len(e.Violations))
}

// PersistenceConflict reports a uniqueness or referential constraint
// violation. It indicates a genuine duplicate or data problem and is not
// retried.
type PersistenceConflict struct {
	FileID string
	Err    error
}

func (e *PersistenceConflict) Error() string {
	return fmt.Sprintf("persistence conflict for file %s: %s", e.FileID, e.Err)
}

func (e *PersistenceConflict) Unwrap() error { return e.Err }

// VerificationMismatch reports parsed-versus-persisted count drift after a
// commit. Data is committed but unconfirmed, so this carries the highest
// severity and is never auto-retried.
type VerificationMismatch struct {
	FileID string
	Detail string
}

func (e *VerificationMismatch) Error() string {
	return fmt.Sprintf("verification mismatch for file %s: %s", e.FileID, e.Detail)
}

// Classify maps an error to its audit classification string, unwrapping as
// needed.
func Classify(err error) string {
	var (
		authErr      *AuthError
		transientErr *TransientNetworkError
		malformedErr *MalformedDocumentError
		violationErr *ValidationViolation
		conflictErr  *PersistenceConflict
		mismatchErr  *VerificationMismatch
	)
	switch {
	case goerrors.As(err, &authErr):
		return constants.ClassAuth
	case goerrors.As(err, &transientErr):
		return constants.ClassTransient
	case goerrors.As(err, &malformedErr):
		return constants.ClassMalformed
	case goerrors.As(err, &violationErr):
		return constants.ClassValidation
	case goerrors.As(err, &conflictErr):
		return constants.ClassConflict
	case goerrors.As(err, &mismatchErr):
		return constants.ClassVerification
	default:
		return constants.ClassUnexpected
	}
}
