package tool

import (
	"fmt"
	"time"
)

// Status is the outcome of a single invocation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ResultError describes a failed invocation.
type ResultError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Result is what the Gate hands back to the loop. Output is the serialized,
// bounded form of Value and is what the model sees on success.
type Result struct {
	Status    Status        `json:"status"`
	Value     any           `json:"-"`
	Output    string        `json:"output,omitempty"`
	Error     *ResultError  `json:"error,omitempty"`
	Stop      bool          `json:"stop,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"-"`
}

// ErrorResult builds a failed result with the given code.
func ErrorResult(code, message string) Result {
	return Result{
		Status: StatusError,
		Error:  &ResultError{Message: message, Code: code},
	}
}

// IsError reports whether the invocation failed.
func (r Result) IsError() bool { return r.Status == StatusError }

// Content renders the result as the text stored in a tool_result block.
func (r Result) Content() string {
	if r.IsError() && r.Error != nil {
		return fmt.Sprintf("Error [%s]: %s", r.Error.Code, r.Error.Message)
	}
	return r.Output
}
