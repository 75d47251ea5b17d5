// Package validation checks decoded request bodies against their
// `validate` struct tags and renders failures as one readable sentence.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"bookshare/pkg/domain"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"json", "form"} {
			name, _, _ := strings.Cut(f.Tag.Get(tag), ",")
			if name != "" && name != "-" {
				return name
			}
		}
		return f.Name
	})
	_ = v.RegisterValidation("condition", func(fl validator.FieldLevel) bool {
		_, err := domain.ParseCondition(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("requesttype", func(fl validator.FieldLevel) bool {
		_, err := domain.ParseRequestType(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("requeststatus", func(fl validator.FieldLevel) bool {
		_, err := domain.ParseRequestStatus(fl.Field().String())
		return err == nil
	})
	return v
}

// Struct validates v. The returned error message names the first failing field.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	return errors.New(describe(verrs[0]))
}

func describe(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
		}
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must have at least %s items", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
		}
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must have at most %s items", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be %s or more", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be %s or less", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "email":
		return field + " must be a valid email address"
	case "url", "http_url":
		return field + " must be a valid URL"
	case "condition":
		return field + " must be one of: New, Like New, Good, Fair, Poor"
	case "requesttype":
		return field + " must be one of: Borrow, Exchange, Donation"
	case "requeststatus":
		return field + " must be one of: Accepted, Rejected, Canceled, Completed"
	}
	return fmt.Sprintf("%s is invalid (%s)", field, fe.Tag())
}
