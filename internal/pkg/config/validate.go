package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

var validate = newValidator()

// newValidator создает валидатор, который называет поля по ключам YAML.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	return v
}

// validateSection проверяет раздел конфигурации и возвращает первую ошибку
// в виде "<раздел>.<поле> <описание>".
func validateSection(section string, s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%s: %w", section, err)
	}

	fe := verrs[0]
	field := section
	if _, rest, ok := strings.Cut(fe.Namespace(), "."); ok {
		field += "." + rest
	}
	return fmt.Errorf("%s %s", field, describe(fe))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank":
		return "must not be empty"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must not be negative"
	case "min":
		return "must contain at least " + fe.Param() + " item(s)"
	case "unique":
		return "must have unique " + strings.ToLower(fe.Param()) + "s"
	case "contains":
		return "must contain " + fe.Param()
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
