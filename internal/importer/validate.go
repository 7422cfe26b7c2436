package importer

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var violationMessages = map[string]string{
	"required":           "Required field cannot be empty",
	"email":              "Invalid email address",
	"positive_number":    "Must be a positive number",
	"nonnegative_number": "Cannot be negative",
	"gt":                 "Quantity must be at least 1",
}

// RowValidator applies per-field semantic rules to transformed rows
type RowValidator struct {
	validate *validator.Validate
}

// NewRowValidator creates a validator with the numeric rules registered
func NewRowValidator() *RowValidator {
	v := validator.New()

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// Registration only fails on an empty tag or nil func.
	_ = v.RegisterValidation("positive_number", func(fl validator.FieldLevel) bool {
		return ParseNumber(fl.Field().String()) > 0
	})
	_ = v.RegisterValidation("nonnegative_number", func(fl validator.FieldLevel) bool {
		return ParseNumber(fl.Field().String()) >= 0
	})

	return &RowValidator{validate: v}
}

// Validate returns nil when the row passes every rule
func (rv *RowValidator) Validate(row Row) *RowValidationError {
	err := rv.validate.Struct(row)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &RowValidationError{
			Line:       row.Line,
			Violations: []FieldViolation{{Field: "row", Message: err.Error()}},
		}
	}

	rowErr := &RowValidationError{Line: row.Line}
	for _, fe := range verrs {
		rowErr.Violations = append(rowErr.Violations, FieldViolation{
			Field:   fieldPath(fe),
			Message: violationMessage(fe),
		})
	}
	return rowErr
}

// Filter splits rows into the valid subset and the rejected ones.
// It fails with *AllRowsInvalidError when nothing is left to persist.
func (rv *RowValidator) Filter(rows []Row) ([]Row, []*RowValidationError, error) {
	valid := make([]Row, 0, len(rows))
	var rejected []*RowValidationError

	for _, row := range rows {
		if rowErr := rv.Validate(row); rowErr != nil {
			rejected = append(rejected, rowErr)
			continue
		}
		valid = append(valid, row)
	}

	if len(valid) == 0 {
		return nil, rejected, &AllRowsInvalidError{Messages: Messages(rejected)}
	}
	return valid, rejected, nil
}

// Messages renders row errors as strings
func Messages(errs []*RowValidationError) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Error())
	}
	return out
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func violationMessage(fe validator.FieldError) string {
	if msg, ok := violationMessages[fe.Tag()]; ok {
		return msg
	}
	return "failed " + fe.Tag() + " check"
}
