package collection

import (
	"errors"
	"fmt"
)

var ErrMissingIdentity = errors.New("descriptor has no identity")
var ErrUnknownCorrelation = errors.New("no pending entity for correlation token")
var ErrDuplicateIdentity = errors.New("identity already present in collection")
var ErrNotConfirmed = errors.New("entity is not confirmed")
var ErrDecode = errors.New("cannot decode body")
var ErrSelectorKey = errors.New("selector key required")

type DiagnosticKind string

const (
	DiagnosticUnknownCorrelation DiagnosticKind = "unknown_correlation"
	DiagnosticDuplicateIdentity  DiagnosticKind = "duplicate_identity"
	DiagnosticMissingIdentity    DiagnosticKind = "missing_identity"
	DiagnosticInstantiation      DiagnosticKind = "instantiation_failed"
	DiagnosticResponseError      DiagnosticKind = "response_error"
	DiagnosticDecode             DiagnosticKind = "decode_failed"
	DiagnosticUnknownPush        DiagnosticKind = "unknown_push"
	DiagnosticReduction          DiagnosticKind = "reduction_failed"
)

// a condition the collection recovered from by leaving its state unchanged.
// `Fatal` marks conditions that halted the operation that caused them
type Diagnostic struct {
	Kind     DiagnosticKind
	Identity Identity
	Err      error
	Fatal    bool
}

func (self *Diagnostic) Error() string {
	if self.Identity.IsZero() {
		return fmt.Sprintf("%s: %s", self.Kind, self.Err)
	}
	return fmt.Sprintf("%s %s: %s", self.Kind, self.Identity, self.Err)
}

func (self *Diagnostic) Unwrap() error {
	return self.Err
}
