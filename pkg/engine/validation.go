package engine

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var dnsLabel = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("dnslabel", func(fl validator.FieldLevel) bool {
		return dnsLabel.MatchString(fl.Field().String())
	})
	return v
}

// validateStruct checks the `validate` tags of an input struct and reports
// every failing field in one ValidationError.
func validateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return NewValidationError(err.Error())
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describeFieldError(fe))
	}
	return NewValidationError(strings.Join(msgs, "; "))
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "dnslabel":
		return field + " must be a lowercase DNS label"
	case "fqdn":
		return field + " must be a fully qualified domain name"
	case "oneof":
		return fmt.Sprintf("%s must be one of %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// validateHostname checks a normalized certificate hostname.
func validateHostname(hostname string) error {
	if err := validate.Var(hostname, "required,max=253,fqdn"); err != nil {
		return NewValidationError(fmt.Sprintf("invalid hostname %q", hostname))
	}
	return nil
}
