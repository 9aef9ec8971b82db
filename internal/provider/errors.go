package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors for construction and resolution failures. Wrap with
// fmt.Errorf("%w: detail") so callers can errors.Is them.
var (
	// ErrCredentialRequired means a hosted provider was configured
	// without a credential. Fatal to that provider's registration,
	// not to the service.
	ErrCredentialRequired = errors.New("credential required")

	// ErrUnknownProvider means the caller named a provider that is
	// not registered.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrUnknownModel means the caller named a model absent from the
	// provider's model list.
	ErrUnknownModel = errors.New("unknown model")

	// ErrNoProvider means neither the caller nor the configuration
	// selected a provider.
	ErrNoProvider = errors.New("no provider specified and no default configured")

	// ErrNoModel means the provider exposes no models to default to.
	ErrNoModel = errors.New("provider exposes no models")
)

// Failure categories carried by ProviderError so callers can tell an
// auth problem from quota exhaustion from a transient fault.
const (
	CategoryAuth           = "auth"
	CategoryRateLimit      = "rate_limit"
	CategoryInvalidRequest = "invalid_request"
	CategoryUpstream       = "upstream"
	CategoryNetwork        = "network"
	CategoryMalformed      = "malformed"
)

// ProviderError is any failure during an actual generation call:
// transport failure, upstream auth failure, quota exhaustion, or a
// malformed upstream payload.
type ProviderError struct {
	Provider string
	Status   int // upstream HTTP status, 0 when none was received
	Category string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s api error (status %d, %s): %s", e.Provider, e.Status, e.Category, e.Message)
	}
	return fmt.Sprintf("%s error (%s): %s", e.Provider, e.Category, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure class could clear on its own.
// Informational only; nothing in this layer retries.
func (e *ProviderError) Transient() bool {
	switch e.Category {
	case CategoryRateLimit, CategoryUpstream, CategoryNetwork:
		return true
	}
	return false
}

// StatusError builds a ProviderError from a non-200 upstream reply.
func StatusError(providerName string, status int, body []byte) *ProviderError {
	return &ProviderError{
		Provider: providerName,
		Status:   status,
		Category: categoryForStatus(status),
		Message:  strings.TrimSpace(string(body)),
	}
}

// NetworkError builds a ProviderError for a failed transport attempt.
func NetworkError(providerName string, err error) *ProviderError {
	return &ProviderError{
		Provider: providerName,
		Category: CategoryNetwork,
		Message:  err.Error(),
		Err:      err,
	}
}

// MalformedError builds a ProviderError for an upstream payload this
// layer could not interpret.
func MalformedError(providerName string, err error) *ProviderError {
	return &ProviderError{
		Provider: providerName,
		Category: CategoryMalformed,
		Message:  err.Error(),
		Err:      err,
	}
}

func categoryForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CategoryAuth
	case status == http.StatusTooManyRequests || status == http.StatusPaymentRequired:
		return CategoryRateLimit
	case status >= 500:
		return CategoryUpstream
	case status >= 400:
		return CategoryInvalidRequest
	}
	return CategoryUpstream
}

// Attempt is one tried provider inside a fallback chain.
type Attempt struct {
	Provider string
	Err      error
}

// FallbackError reports that every provider in a fallback chain
// failed. The full attempt list is preserved for diagnostics; Unwrap
// surfaces the last error, the one most relevant to the caller that
// ordered the chain.
type FallbackError struct {
	Attempts []Attempt
}

func (e *FallbackError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "all %d providers failed", len(e.Attempts))
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; %s: %v", a.Provider, a.Err)
	}
	return b.String()
}

func (e *FallbackError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}
