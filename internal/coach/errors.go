package coach

import (
	"errors"

	"github.com/hydroac/aicoach/internal/provider"
)

// FaultKind categorizes why a turn or lookup did not complete normally.
type FaultKind string

const (
	FaultBudgetExhausted    FaultKind = "budget_exhausted"    // conversation used its turns
	FaultCredentialsMissing FaultKind = "credentials_missing" // system settings lack key/url/model
	FaultProviderError      FaultKind = "provider_error"      // provider answered non-2xx or garbage
	FaultProviderTimeout    FaultKind = "provider_timeout"
	FaultStorage            FaultKind = "storage_error"
	FaultNotFound           FaultKind = "not_found"
	FaultInvalidRequest     FaultKind = "invalid_request"
)

// Fault is a turn failure carrying the message shown to the user.
type Fault struct {
	Kind    FaultKind
	Message string
	Err     error
}

func (f *Fault) Error() string { return f.Message }

func (f *Fault) Unwrap() error { return f.Err }

func storageFault(msg string, err error) *Fault {
	return &Fault{Kind: FaultStorage, Message: msg + ": " + err.Error(), Err: err}
}

func invalidRequest(msg string) *Fault {
	return &Fault{Kind: FaultInvalidRequest, Message: msg}
}

// providerFault wraps a completion error in the message format the judge
// frontend expects.
func providerFault(err error) *Fault {
	kind := FaultProviderError
	if errors.Is(err, provider.ErrTimeout) {
		kind = FaultProviderTimeout
	}
	return &Fault{Kind: kind, Message: "Failed to get AI response: " + err.Error(), Err: err}
}

// KindOf returns the fault kind of err, or FaultStorage for unclassified errors.
func KindOf(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return FaultStorage
}
