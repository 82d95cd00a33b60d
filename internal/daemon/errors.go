package daemon

// tooBusyError signals queue overflow for 429 mapping.
type tooBusyError struct{ modelID string }

func (e tooBusyError) Error() string { return "too busy: " + e.modelID }

// ErrTooBusy constructs a tooBusyError.
func ErrTooBusy(modelID string) error { return tooBusyError{modelID: modelID} }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	_, ok := err.(tooBusyError)
	return ok
}

// notFoundError signals an unknown model or request id.
type notFoundError struct{ what, id string }

func (e notFoundError) Error() string { return e.what + " not found: " + e.id }

// ErrModelNotFound returns an error for a model id the daemon does not serve.
func ErrModelNotFound(id string) error { return notFoundError{what: "model", id: id} }

// ErrRequestNotFound returns an error for an unknown request id.
func ErrRequestNotFound(id string) error { return notFoundError{what: "request", id: id} }

// IsNotFound reports whether the error indicates a missing model or request.
func IsNotFound(err error) bool {
	_, ok := err.(notFoundError)
	return ok
}

// timeoutError signals that a generation exceeded its deadline; the request
// has already been cancelled when this is returned.
type timeoutError struct{ id string }

func (e timeoutError) Error() string { return "generation timed out: " + e.id }

// ErrTimeout constructs a timeoutError.
func ErrTimeout(id string) error { return timeoutError{id: id} }

// IsTimeout reports whether err indicates a generation deadline (return 504).
func IsTimeout(err error) bool {
	_, ok := err.(timeoutError)
	return ok
}
