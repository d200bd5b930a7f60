// Package validation adapts go-playground/validator to echo and registers the
// dental-specific rules used by request bodies.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/dental/backoffice/internal/platform/apperr"
)

// Validator implements echo.Validator.
type Validator struct {
	v *validator.Validate
}

// New builds a validator with the custom rules registered. It panics when a
// rule cannot be registered since the server must not start without them.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report JSON field names instead of Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	if err := registerRules(v); err != nil {
		panic("register validation rules: " + err.Error())
	}
	return &Validator{v: v}
}

// Validate checks i against its struct tags and converts failures into a
// validation error naming the first offending field.
func (cv *Validator) Validate(i interface{}) error {
	err := cv.v.Struct(i)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return apperr.Validation("%s", describe(verrs[0]))
	}
	return apperr.Validation("%s", err.Error())
}

func describe(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "fdi_tooth":
		return fmt.Sprintf("%s contains an invalid tooth identifier", field)
	case "urgency":
		return fmt.Sprintf("%s must be one of normal, urgent, emergency", field)
	case "piece_kind":
		return fmt.Sprintf("%s must be temporary or definitive", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
