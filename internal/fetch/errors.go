package fetch

import "fmt"

// ValidationError marks input rejected before any network activity: a bad
// scheme, an unparsable URL, a missing hostname.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid fetch target: " + e.Reason
}

// TooManyRedirectsError marks a redirect chain that exceeded the hop budget.
type TooManyRedirectsError struct {
	Redirects int
}

func (e *TooManyRedirectsError) Error() string {
	return fmt.Sprintf("too many redirects (%d)", e.Redirects)
}

// PayloadTooLargeError marks a response whose declared or actual size
// exceeded the body ceiling.
type PayloadTooLargeError struct {
	Limit    int64
	Declared int64
}

func (e *PayloadTooLargeError) Error() string {
	if e.Declared > 0 {
		return fmt.Sprintf("payload of %d bytes exceeds limit of %d", e.Declared, e.Limit)
	}
	return fmt.Sprintf("payload exceeds limit of %d bytes", e.Limit)
}

// NetworkError wraps transport-level failures: timeouts, refused
// connections, malformed upstream responses, redirects without a usable
// Location, non-2xx terminal statuses.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
