package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const defaultErrorMessage = "Server error"

// ProviderError is the normalized failure of a remote model call.
type ProviderError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("provider: status %d: %s", e.StatusCode, e.Message)
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *ProviderError) HTTPStatusCode() int {
	return e.StatusCode
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// providerMessager is implemented by errors that carry the provider's own
// error message (for example a decoded error envelope).
type providerMessager interface {
	ProviderMessage() string
}

// WrapError normalizes any adapter failure into a *ProviderError.
//
// The status comes from an HTTPStatusCode() on the error or anywhere in its
// chain, then from a "429" prefix in the message text, else 500. The message
// comes from a ProviderMessage() in the chain, else the error text, else a
// generic "Server error". A *ProviderError in the chain is returned as is.
func WrapError(err error) *ProviderError {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) && pe != nil {
		return pe
	}
	return &ProviderError{
		StatusCode: statusOf(err),
		Message:    messageOf(err),
		Err:        err,
	}
}

func statusOf(err error) int {
	var sc httpStatusCoder
	if errors.As(err, &sc) {
		if code := sc.HTTPStatusCode(); isErrorStatus(code) {
			return code
		}
	}
	// Some providers only embed the rate-limit signal in free text.
	if strings.HasPrefix(strings.TrimSpace(err.Error()), "429") {
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func messageOf(err error) string {
	var pm providerMessager
	if errors.As(err, &pm) {
		if msg := strings.TrimSpace(pm.ProviderMessage()); msg != "" {
			return msg
		}
	}
	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return defaultErrorMessage
}

func isErrorStatus(code int) bool {
	return code >= 400 && code <= 599
}
