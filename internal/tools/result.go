package tools

import (
	"errors"

	"github.com/haasonsaas/datachat/internal/platform"
)

// ErrorRecord is the model-readable form of a failed tool call. It is
// returned as data, never as an error, so the model can explain the failure.
type ErrorRecord struct {
	IsError    bool   `json:"isError"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode,omitempty"`
	Details    any    `json:"details,omitempty"`
}

// NewErrorRecord converts a Resource Client error into an ErrorRecord.
func NewErrorRecord(err error) *ErrorRecord {
	rec := &ErrorRecord{IsError: true, Message: err.Error()}

	var apiErr *platform.APIError
	var parseErr *platform.ParseError
	switch {
	case errors.As(err, &apiErr):
		rec.StatusCode = apiErr.StatusCode
		rec.Details = apiErr.Body
	case errors.As(err, &parseErr):
		rec.StatusCode = parseErr.StatusCode
	}
	return rec
}
