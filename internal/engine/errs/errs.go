// Package errs implements the error taxonomy from spec §7: soft errors,
// action errors, iteration-fatal errors, and session-fatal errors. Every
// type here is a plain Go value (never panics across a component boundary,
// per §7's propagation policy) that also knows how to render itself as an
// event payload, so the event emitter never has to re-parse a string to
// tell the consumer what went wrong.
//
// Grounded on the teacher's ToolRegistryError (tools/registry.go): a
// structured error type with named fields rather than a bare string,
// generalized to the four-tier taxonomy the spec defines.
package errs

import "fmt"

// SoftErrorCode is a stable identifier for a soft error's cause, so
// consumers and the next iteration's injected prompt can render it without
// string-matching a message (see SPEC_FULL.md's "structured soft-error
// catalog").
type SoftErrorCode string

const (
	CodeUnresolvedVariable  SoftErrorCode = "unresolved_variable"
	CodeDuplicateOutputKey  SoftErrorCode = "duplicate_output_key"
	CodeMalformedActionJSON SoftErrorCode = "malformed_action_json"
	CodeUnknownMetaField    SoftErrorCode = "unknown_metadata_field"
	CodeInvalidMetaValue    SoftErrorCode = "invalid_metadata_value"
	CodeFeedSizeCap         SoftErrorCode = "feed_size_cap"
	CodeDAGCycle            SoftErrorCode = "dag_cycle"
	CodeMalformedTag        SoftErrorCode = "malformed_tag"
	CodeUnknownTag          SoftErrorCode = "unknown_tag"
	CodeNestedDisallowedTag SoftErrorCode = "nested_disallowed_tag"
	CodeOutsideTagContent   SoftErrorCode = "outside_tag_content"
	CodeIterationCapReached SoftErrorCode = "iteration_cap_exceeded"
	CodeDuplicateFinal      SoftErrorCode = "duplicate_final_response"
	CodeInternalActionDenied SoftErrorCode = "internal_action_denied"
	CodeMalformedMetadataPayload SoftErrorCode = "malformed_metadata_payload"
)

// SoftError is a non-fatal condition surfaced to the event stream and to
// the next iteration's prompt context (§7). Soft errors never terminate a
// session.
type SoftError struct {
	Code    SoftErrorCode
	Message string
	// Detail carries structured context (e.g. the unresolved variable name,
	// the offending field name) for prompt injection and UI rendering.
	Detail map[string]any
}

func (e *SoftError) Error() string {
	return fmt.Sprintf("soft error [%s]: %s", e.Code, e.Message)
}

// New builds a SoftError.
func New(code SoftErrorCode, message string, detail map[string]any) *SoftError {
	return &SoftError{Code: code, Message: message, Detail: detail}
}

// ActionErrorKind classifies how an action terminated (§3, Action Result).
type ActionErrorKind string

const (
	ActionStatusError     ActionErrorKind = "error"
	ActionStatusTimeout   ActionErrorKind = "timeout"
	ActionStatusCancelled ActionErrorKind = "cancelled"
)

// ActionError represents a terminal, non-ok action outcome (§7, "Action
// errors").
type ActionError struct {
	ActionID string
	Kind     ActionErrorKind
	Message  string
	// Transient indicates the adapter reported this failure as retryable.
	Transient bool
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %q %s: %s", e.ActionID, e.Kind, e.Message)
}

// IterationFatalError ends the current iteration but not the session (§7).
type IterationFatalError struct {
	Reason string
}

func (e *IterationFatalError) Error() string {
	return fmt.Sprintf("iteration-fatal: %s", e.Reason)
}

// SessionFatalError terminates the session cleanly, cancelling all
// in-flight actions (§7).
type SessionFatalError struct {
	Reason string
	Err    error
}

func (e *SessionFatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session-fatal: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("session-fatal: %s", e.Reason)
}

func (e *SessionFatalError) Unwrap() error {
	return e.Err
}
