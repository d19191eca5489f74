package sequence

import (
	"errors"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"consecutive/internal/core/apperror"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks field constraints and the relations between bounds.
func (d *Definition) Validate() error {
	if err := validationError(structValidator().Struct(d)); err != nil {
		return err
	}

	if strings.TrimSpace(d.Name) == "" {
		return apperror.NewInvalidArgument("name is required").WithDetail("field", "name")
	}
	if d.MinValue > d.MaxValue {
		return apperror.NewInvalidArgument("minValue must not exceed maxValue").
			WithDetail("minValue", d.MinValue).
			WithDetail("maxValue", d.MaxValue)
	}
	if d.InitialValue < d.MinValue || d.InitialValue > d.MaxValue {
		return apperror.NewInvalidArgument("initialValue must lie within [minValue, maxValue]").
			WithDetail("initialValue", d.InitialValue)
	}
	if d.Segmentation.KeyField != "" && !d.Segmentation.Enabled {
		return apperror.NewInvalidArgument("keyField requires segmentation").WithDetail("field", "segmentation.keyField")
	}
	return nil
}

// Validate checks an assignment before it is stored.
func (a Assignment) Validate() error {
	if err := validationError(structValidator().Struct(a)); err != nil {
		return err
	}
	return validationError(structValidator().Struct(a.Limits))
}

// validationError converts validator output into an INVALID_ARGUMENT error
// listing every offending field.
func validationError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperror.NewInvalidArgument("invalid definition").WithCause(err)
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Namespace()] = fe.Tag()
	}
	return apperror.NewInvalidArgument("validation failed").WithDetail("fields", fields)
}
