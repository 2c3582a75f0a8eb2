package workflow

import (
	"errors"
	"fmt"
)

// Class groups workflow errors by how callers should react.
type Class string

const (
	// ClassPrecondition: the request is not valid in the current state.
	ClassPrecondition Class = "precondition"
	// ClassProvider: the remote signing provider failed.
	ClassProvider Class = "provider"
	// ClassReconciliation: local state needs attention, by retry or by an
	// operator.
	ClassReconciliation Class = "reconciliation"
	// ClassOrdering: a signer acted out of turn.
	ClassOrdering Class = "ordering"
	// ClassInternal: storage or processing failed.
	ClassInternal Class = "internal"
)

// Reasons are stable, machine-readable error codes.
const (
	ReasonNotFound            = "not_found"
	ReasonNotSigningDocument  = "not_signing_document"
	ReasonSignatureFileCount  = "signature_file_count"
	ReasonSignatureFileExists = "signature_file_exists"
	ReasonNotInProgress       = "not_in_progress"
	ReasonNotASigner          = "not_a_signer"
	ReasonAlreadySigned       = "already_signed"
	ReasonAlreadyPending      = "already_pending"
	ReasonAlreadyRejected     = "already_rejected"
	ReasonPreviousIncomplete  = "previous_signer_incomplete"
	ReasonNoCertificate       = "no_certificate"
	ReasonCertificateRevoked  = "certificate_revoked"
	ReasonFlowLocked          = "flow_locked"
	ReasonInvalidFlow         = "invalid_flow"
	ReasonInvalidAsset        = "invalid_asset"
	ReasonProviderError       = "provider_error"
	ReasonUnknownTransaction  = "unknown_transaction"
	ReasonNoPreparedContext   = "no_prepared_context"
	ReasonFinalizeFailed      = "finalize_failed"
	ReasonInternal            = "internal"
)

// Error is the error type returned by Orchestrator operations.
type Error struct {
	Class   Class
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Reason
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func preconditionErr(reason, msg string) *Error {
	return &Error{Class: ClassPrecondition, Reason: reason, Message: msg}
}

func orderingErr(msg string) *Error {
	return &Error{Class: ClassOrdering, Reason: ReasonPreviousIncomplete, Message: msg}
}

func providerErr(msg string, err error) *Error {
	return &Error{Class: ClassProvider, Reason: ReasonProviderError, Message: msg, Err: err}
}

func reconciliationErr(reason, msg string, err error) *Error {
	return &Error{Class: ClassReconciliation, Reason: reason, Message: msg, Err: err}
}

func internalErr(msg string, err error) *Error {
	return &Error{Class: ClassInternal, Reason: ReasonInternal, Message: msg, Err: err}
}

func notFoundErr(what string, err error) *Error {
	return &Error{Class: ClassPrecondition, Reason: ReasonNotFound, Message: what + " not found", Err: err}
}

// lookupErr maps a store lookup failure to a not_found or internal error.
func lookupErr(what string, err error) *Error {
	if errors.Is(err, ErrNotFound) {
		return notFoundErr(what, err)
	}
	return internalErr(fmt.Sprintf("failed to load %s", what), err)
}

// asError returns err as an *Error. Foreign errors become not_found when
// they wrap ErrNotFound and internal otherwise.
func asError(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, ErrNotFound) {
		return notFoundErr("document", err)
	}
	return internalErr("", err)
}

// ReasonOf returns the reason of the first *Error in err's chain, or the
// empty string.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// ClassOf returns the class of the first *Error in err's chain, or the
// empty string.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}
