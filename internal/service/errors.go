package service

import (
	"fmt"
	"strings"

	"salesdash/backend/internal/store"
)

// FieldError describes one rejected input field. Item is the 1-based position
// in the batch, or 0 for request-level problems.
type FieldError struct {
	Item    int    `json:"item,omitempty"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		if f.Item > 0 {
			parts = append(parts, fmt.Sprintf("item %d: %s %s", f.Item, f.Field, f.Message))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %s", f.Field, f.Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return store.ErrInvalidInput
}

func invalidField(field string, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}
