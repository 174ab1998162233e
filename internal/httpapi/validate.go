package httpapi

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// validateStruct runs v's struct tags and, on failure, surfaces the first
// violation as a model.APIError field error (spec.md §7 validation shape).
func validateStruct(v any) error {
	if err := structValidator.Struct(v); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			field := strings.ToLower(fe.Field())
			return validationError(field, validationMessage(fe))
		}
		return validationError("body", "invalid request")
	}
	return nil
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "gte":
		return "must be >= " + fe.Param()
	case "gtefield":
		return "must be >= " + strings.ToLower(fe.Param())
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "invalid value"
	}
}
