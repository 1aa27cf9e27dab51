package validation

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var (
	validate *validator.Validate

	// Resource names (lock keys, topics, job names): lowercase words joined by - . : or _
	resourceNamePattern = regexp.MustCompile(`^[a-z0-9]+([-.:_][a-z0-9]+)*$`)
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	_ = validate.RegisterValidation("resource", func(fl validator.FieldLevel) bool {
		return ValidateResourceName(fl.Field().String()) == nil
	})
}

// ValidateStruct runs struct-tag validation and returns the first failure in
// a readable form.
func ValidateStruct(v any) error {
	if v == nil {
		return errors.New("value cannot be nil")
	}
	if err := validate.Struct(v); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// ValidateResourceName validates a lock key, topic, or job name.
func ValidateResourceName(name string) error {
	if name == "" {
		return errors.New("resource name cannot be empty")
	}
	if len(name) > 128 {
		return fmt.Errorf("resource name %q exceeds 128 characters", name)
	}
	if !resourceNamePattern.MatchString(name) {
		return fmt.Errorf("resource name %q is invalid (lowercase alphanumerics separated by - . : or _)", name)
	}
	return nil
}

// formatValidationError converts validator errors to a user-friendly message
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	for _, e := range validationErrs {
		field := e.Namespace()
		param := e.Param()

		switch e.Tag() {
		case "required":
			return fmt.Errorf("%s: field is required", field)
		case "min", "gte":
			return fmt.Errorf("%s: must be at least %s", field, param)
		case "max", "lte":
			return fmt.Errorf("%s: must not exceed %s", field, param)
		case "gt":
			return fmt.Errorf("%s: must be greater than %s", field, param)
		case "oneof":
			return fmt.Errorf("%s: must be one of [%s]", field, param)
		case "hostname_port":
			return fmt.Errorf("%s: must be host:port", field)
		case "url":
			return fmt.Errorf("%s: must be a URL", field)
		case "ltfield":
			return fmt.Errorf("%s: must be less than %s", field, param)
		case "resource":
			return fmt.Errorf("%s: invalid resource name %q", field, e.Value())
		case "dive":
			return fmt.Errorf("%s: invalid element", field)
		default:
			return fmt.Errorf("%s: validation failed (%s)", field, e.Tag())
		}
	}

	return err
}
