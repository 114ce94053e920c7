package models

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/pkg/errors"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report wire names, so errors match what clients sent
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic("models: " + err.Error())
	}
	return v
}

// validateStruct checks s against its validate tags and reports the first
// violation
func validateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return errors.Wrap(err, "validation failed")
	}

	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required", "notblank":
		return errors.Errorf("%s is required", fe.Field())
	case "gt":
		return errors.Errorf("%s must be greater than %s", fe.Field(), fe.Param())
	default:
		return errors.Errorf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
