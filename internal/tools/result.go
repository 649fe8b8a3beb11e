package tools

import "errors"

// Result is the unified return type from tool execution.
type Result struct {
	Value   interface{} // JSON-serializable payload recorded in the conversation
	IsError bool        // marks a failed execution
	Err     error       // underlying cause; set whenever IsError is
}

func NewResult(value interface{}) *Result {
	return &Result{Value: value}
}

func ErrorResult(message string) *Result {
	return &Result{IsError: true, Err: errors.New(message)}
}

func (r *Result) WithError(err error) *Result {
	r.IsError = true
	r.Err = err
	return r
}
