package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json field names so errors match the persisted document.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the struct tags of an entity and returns the first failure
// as a *ValidationError naming the entity and field.
func Validate(kind Kind, id string, entity any) error {
	err := validate.Struct(entity)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return NewValidationError(kind, id, "", "", fmt.Errorf("%w: %v", ErrValidation, err))
	}
	fe := verrs[0]
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	return NewValidationError(kind, id, field, fmt.Sprint(fe.Value()),
		fmt.Errorf("%w: failed %q", ErrValidation, fe.Tag()))
}

// ValidateRisk checks a severity/controllability/exposure triple.
func ValidateRisk(severity, controllability, exposure int) error {
	switch {
	case severity < 1 || severity > 3:
		return NewValidationError(KindHaraRow, "", "severity", fmt.Sprint(severity), nil)
	case controllability < 1 || controllability > 3:
		return NewValidationError(KindHaraRow, "", "controllability", fmt.Sprint(controllability), nil)
	case exposure < 1 || exposure > 4:
		return NewValidationError(KindHaraRow, "", "exposure", fmt.Sprint(exposure), nil)
	}
	return nil
}

// NewID returns a fresh identifier of the form "kind:uuid".
func NewID(kind Kind) string {
	return string(kind) + ":" + uuid.NewString()
}
