// Package validator checks configuration structs against their validate
// tags. Field names in failures resolve from the mapstructure tags the
// config loader binds, and the result is a single parameter-kind error
// naming every offending field.
package validator

import (
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/charlesng35/sshkit/pkg/errors"
)

var (
	once     sync.Once
	validate *validator.Validate
)

// FieldError describes one failed constraint on a configuration field.
type FieldError struct {
	Field string
	Rule  string
	Param string
}

func (f FieldError) String() string {
	if f.Param != "" {
		return f.Field + " violates " + f.Rule + "=" + f.Param
	}
	return f.Field + " violates " + f.Rule
}

// FieldErrors collects every failed constraint of one validation pass.
type FieldErrors []FieldError

func (fs FieldErrors) Error() string {
	if len(fs) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = f.String()
	}
	return strings.Join(parts, "; ")
}

// ValidateStruct checks s against its validate tags. Failures surface as a
// parameter-kind error wrapping a FieldErrors list.
func ValidateStruct(s any) error {
	err := getValidator().Struct(s)
	if err == nil {
		return nil
	}

	ve, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.Wrap(errors.KindParameter, "validate configuration", err)
	}
	failures := make(FieldErrors, 0, len(ve))
	for _, fe := range ve {
		failures = append(failures, FieldError{
			Field: fe.Field(),
			Rule:  fe.Tag(),
			Param: fe.Param(),
		})
	}
	return errors.Wrap(errors.KindParameter, failures.Error(), failures)
}

func getValidator() *validator.Validate {
	once.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := fld.Tag.Get("mapstructure")
			if comma := strings.Index(name, ","); comma != -1 {
				name = name[:comma]
			}
			if name == "" || name == "-" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}
