package nightscout

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigMissing reports that no address or token is configured. No
	// request is attempted in that case.
	ErrConfigMissing = errors.New("nightscout address and/or token not configured")
	// ErrNetwork covers timeouts, connection failures, non-2xx responses and
	// an open circuit breaker.
	ErrNetwork = errors.New("nightscout unreachable")
	// ErrParse reports a response body that is not a JSON array of entries.
	ErrParse = errors.New("malformed nightscout response")
)

// FetchError ties a failure to one of the sentinel kinds above.
type FetchError struct {
	Kind error
	Err  error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func networkError(err error) error {
	return &FetchError{Kind: ErrNetwork, Err: err}
}

func parseError(err error) error {
	return &FetchError{Kind: ErrParse, Err: err}
}
