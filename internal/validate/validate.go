package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"coupon-ledger/internal/apperror"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator называет поля по json-тегам, чтобы ошибки совпадали с телом запроса.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Struct проверяет структуру по тегам validate. Ошибка возвращается как
// apperror.Validation со списком полей вида "field tag; field tag".
func Struct(s interface{}) error {
	if s == nil {
		return apperror.Validation("request is nil", nil)
	}
	if !isStruct(s) {
		return apperror.Validation("request is not a struct", nil)
	}

	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	var invalidValidationError *validator.InvalidValidationError
	switch {
	case errors.As(err, &validationErrors):
		parts := make([]string, 0, len(validationErrors))
		for _, fieldErr := range validationErrors {
			parts = append(parts, fmt.Sprintf("%s %s", fieldErr.Field(), fieldErr.Tag()))
		}
		return apperror.Validation(strings.Join(parts, "; "), err)
	case errors.As(err, &invalidValidationError):
		return fmt.Errorf("invalid validation error: %w", err)
	default:
		return fmt.Errorf("unknown validation error: %w", err)
	}
}

func isStruct(s interface{}) bool {
	r := reflect.TypeOf(s)
	if r.Kind() == reflect.Ptr {
		r = r.Elem()
	}
	return r.Kind() == reflect.Struct
}
