package ollama

import "fmt"

// StatusError is a non-2xx response from the Ollama API, carrying the
// backend's own status code and error message so handlers can relay
// them verbatim.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ollama: %s (status %d)", e.Message, e.StatusCode)
}
