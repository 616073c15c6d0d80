package gateway

import "fmt"

// CallError is a transport-level failure of the external text-generation
// call: network errors, timeouts and non-2xx responses.
type CallError struct {
	Template TemplateID
	KeyID    string
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s call with %s failed: %v", e.Template, e.KeyID, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// ParseError means the model answered but the answer held no usable JSON
// or missed required fields. Raw carries the response for diagnostics.
type ParseError struct {
	Template TemplateID
	Raw      string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s response could not be parsed: %v", e.Template, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Snippet returns a bounded prefix of the raw response for logging.
func (e *ParseError) Snippet() string {
	const max = 500
	if len(e.Raw) <= max {
		return e.Raw
	}
	return e.Raw[:max] + "..."
}
