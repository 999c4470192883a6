package errs

import "strings"

// FieldError is one violation found while validating a typed config struct.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError batches every FieldError found during one Validate() pass,
// rather than returning on the first violation, so a caller sees every
// problem with a config in one report instead of fixing it one field at a
// time.
type ValidationError struct {
	Errors []FieldError
}

// Add appends a field violation and returns ve for chaining.
func (ve *ValidationError) Add(field, message string) *ValidationError {
	ve.Errors = append(ve.Errors, FieldError{Field: field, Message: message})
	return ve
}

// HasErrors reports whether any violation was recorded.
func (ve *ValidationError) HasErrors() bool {
	return ve != nil && len(ve.Errors) > 0
}

// OrNil returns ve as an error if it has violations, otherwise nil. This
// lets Validate() methods build a ValidationError unconditionally and return
// ve.OrNil() at the end without an extra branch at every call site.
func (ve *ValidationError) OrNil() error {
	if !ve.HasErrors() {
		return nil
	}
	return ve
}

func (ve *ValidationError) Error() string {
	parts := make([]string, 0, len(ve.Errors))
	for _, fe := range ve.Errors {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return strings.Join(parts, "; ")
}

// AsValidationError reports whether err is a *ValidationError.
func AsValidationError(err error) (*ValidationError, bool) {
	ve, ok := err.(*ValidationError)
	return ve, ok
}
