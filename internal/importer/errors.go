package importer

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseError reports input that could not be read as CSV text
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse CSV: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// StructuralError describes a malformed or incomplete CSV shape.
// Line 0 refers to the file as a whole or its header row.
type StructuralError struct {
	Line    int
	Field   string
	Message string
	Missing []string
}

func (e *StructuralError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	}
	return e.Message
}

// MarshalJSON renders the error as {line, details: {field: [messages]}}
func (e *StructuralError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Line    int                 `json:"line"`
		Details map[string][]string `json:"details"`
	}{
		Line:    e.Line,
		Details: map[string][]string{e.Field: {e.Message}},
	})
}

// FieldViolation is one failed rule on one field of a row
type FieldViolation struct {
	Field   string
	Message string
}

// RowValidationError lists every rule a single row failed
type RowValidationError struct {
	Line       int
	Violations []FieldViolation
}

func (e *RowValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s: %s", v.Field, v.Message))
	}
	return fmt.Sprintf("row %d: %s", e.Line, strings.Join(parts, ", "))
}

// AllRowsInvalidError is returned when no row of a chunk passed validation
type AllRowsInvalidError struct {
	Messages []string
}

func (e *AllRowsInvalidError) Error() string {
	return "All rows failed validation: " + strings.Join(e.Messages, "; ")
}
