package validation

import (
	"fmt"
	"html"
	"reflect"
	"strings"

	"github.com/Aidin1998/benchsync/pkg/errors"
	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Validator validates request structs and strips markup from free-text fields
type Validator struct {
	validator *validator.Validate
	logger    *zap.Logger
	sanitizer *bluemonday.Policy
}

// NewValidator creates a validator with the custom rules registered
func NewValidator(logger *zap.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their JSON names so problem details match the request body.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})

	// Decimals compare as numbers for gte/lte style tags.
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	val := &Validator{
		validator: v,
		logger:    logger,
		sanitizer: bluemonday.StrictPolicy(),
	}
	val.registerCustomValidators()
	return val
}

// ValidateStruct validates a struct using struct tags. Failures come back as an
// errors.Invalid carrying one FieldError per violated rule.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validator.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return errors.Invalid.Wrap(err)
	}

	v.logger.Debug("Validation failed", zap.Int("violations", len(fieldErrs)))
	out := errors.Invalid.Explain("validation failed")
	for _, fe := range fieldErrs {
		out = out.WithField(fe.Tag(), fieldPath(fe), v.getErrorMessage(fe))
	}
	return out
}

// SanitizeInput strips every HTML element from input
func (v *Validator) SanitizeInput(input string) string {
	if input == "" {
		return input
	}
	return strings.TrimSpace(html.UnescapeString(v.sanitizer.Sanitize(input)))
}

func (v *Validator) registerCustomValidators() {
	// no_markup rejects values the strict policy would change
	_ = v.validator.RegisterValidation("no_markup", func(fl validator.FieldLevel) bool {
		value := fl.Field().String()
		return html.UnescapeString(v.sanitizer.Sanitize(value)) == value
	})

	// javascript_type accepts the runtimes a benchmark can be written for
	_ = v.validator.RegisterValidation("javascript_type", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "JavaScript", "TypeScript", "React", "Vue", "Angular":
			return true
		}
		return false
	})
}

// fieldPath drops the root struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// getErrorMessage returns a human-readable error message for validation errors
func (v *Validator) getErrorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		switch fe.Kind() {
		case reflect.Slice, reflect.Map:
			return fmt.Sprintf("%s must contain at least %s item(s)", fe.Field(), fe.Param())
		case reflect.String:
			return fmt.Sprintf("%s must be at least %s characters long", fe.Field(), fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s must not be negative", fe.Field())
	case "no_markup":
		return fmt.Sprintf("%s must not contain markup", fe.Field())
	case "javascript_type":
		return fmt.Sprintf("%s must be one of JavaScript, TypeScript, React, Vue, Angular", fe.Field())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
