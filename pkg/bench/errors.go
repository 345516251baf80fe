package bench

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// ErrorKind classifies an error into the taxonomy from the error handling
// design: each kind has its own fatality and propagation rule, enforced by
// the Run Lifecycle and Worker, not by the error's concrete Go type.
type ErrorKind int

const (
	KindConfiguration ErrorKind = iota
	KindCapability
	KindTransientBackend
	KindProfile
	KindGuardrailBreach
	KindCancellationRequested
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration_error"
	case KindCapability:
		return "capability_error"
	case KindTransientBackend:
		return "transient_backend_error"
	case KindProfile:
		return "profile_error"
	case KindGuardrailBreach:
		return "guardrail_breach"
	case KindCancellationRequested:
		return "cancellation_requested"
	default:
		return "unknown_error"
	}
}

// TaxonomyError wraps an underlying cause with a classification, keeping
// the pkg/errors stack trace attached at the point of origin.
type TaxonomyError struct {
	kind  ErrorKind
	cause error
}

func (e *TaxonomyError) Error() string { return e.kind.String() + ": " + e.cause.Error() }
func (e *TaxonomyError) Unwrap() error { return e.cause }
func (e *TaxonomyError) Kind() ErrorKind { return e.kind }

func newTaxonomyError(kind ErrorKind, msg string, args ...any) *TaxonomyError {
	cause := errors.Errorf(msg, args...)
	return &TaxonomyError{kind: kind, cause: cause}
}

func wrapTaxonomyError(kind ErrorKind, cause error, msg string) *TaxonomyError {
	return &TaxonomyError{kind: kind, cause: errors.Wrap(cause, msg)}
}

// ConfigurationErrorf raises a setup-time error that prevents transition out
// of PREPARED: invalid weights, missing SQL for a non-zero kind, identifier
// regex violation, concurrency above the hard ceiling.
func ConfigurationErrorf(msg string, args ...any) error {
	return newTaxonomyError(KindConfiguration, msg, args...)
}

// CapabilityErrorf raises a setup-time error for an enabled kind (weight>0)
// whose required profile data is missing.
func CapabilityErrorf(msg string, args ...any) error {
	return newTaxonomyError(KindCapability, msg, args...)
}

// TransientBackendError wraps a per-operation failure (connection acquire,
// query execute, network reset). It never fails the run by itself.
func TransientBackendError(cause error) error {
	return wrapTaxonomyError(KindTransientBackend, cause, "transient backend error")
}

// ProfileError wraps a describe/minmax failure. The run degrades rather
// than failing outright, unless no kind can execute as a result.
func ProfileError(cause error) error {
	return wrapTaxonomyError(KindProfile, cause, "table profiling failed")
}

// GuardrailBreachf raises a resource-ceiling breach that forces the run to
// STOPPING with terminal status FAILED.
func GuardrailBreachf(msg string, args ...any) error {
	return newTaxonomyError(KindGuardrailBreach, msg, args...)
}

// ErrCancellationRequested marks an external stop request; the run
// transitions to STOPPING with terminal status CANCELLED.
var ErrCancellationRequested = &TaxonomyError{
	kind:  KindCancellationRequested,
	cause: errors.New("cancellation requested"),
}

// KindOf extracts the ErrorKind from err if it (or something it wraps) is a
// *TaxonomyError, and reports whether one was found.
func KindOf(err error) (ErrorKind, bool) {
	var te *TaxonomyError
	if stderrors.As(err, &te) {
		return te.kind, true
	}
	return 0, false
}
