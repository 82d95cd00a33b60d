package engine

// unavailableError signals a missing runtime dependency (llama.cpp not
// compiled in, model not loadable) so the HTTP layer can answer 503
// instead of 500.
type unavailableError struct{ msg string }

func (e unavailableError) Error() string { return e.msg }

// ErrUnavailable constructs an unavailableError.
func ErrUnavailable(msg string) error { return unavailableError{msg: msg} }

// IsUnavailable reports whether err indicates a missing/failed runtime
// dependency.
func IsUnavailable(err error) bool {
	_, ok := err.(unavailableError)
	return ok
}
