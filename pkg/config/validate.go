package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

var validate = validator.New()

// Validate checks the configuration for structural correctness.
func Validate(c *Config) []error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []error{err}
		}
		for _, fe := range verrs {
			errs = append(errs, fieldError(fe))
		}
	}

	names := lo.Keys(c.Workers)
	slices.Sort(names)
	for _, name := range names {
		errs = append(errs, ValidateWorker(name, c.Workers[name])...)
	}
	return errs
}

// ValidateWorker checks one worker definition, including the ones sent by
// clients at run time.
func ValidateWorker(name string, w WorkerSpec) []error {
	var errs []error
	switch {
	case name == "":
		errs = append(errs, fmt.Errorf("worker name is required"))
	case strings.ContainsAny(name, ". \t\n/"):
		errs = append(errs, fmt.Errorf("worker %q: name must not contain dots, slashes or spaces", name))
	}
	if raw, coop := w.Channels(); raw == coop {
		errs = append(errs, fmt.Errorf("worker %q: raw and cooperative channel are both %d", name, raw))
	}
	return errs
}

// ValidateSpec runs the struct rules on a single worker definition.
func ValidateSpec(name string, w WorkerSpec) []error {
	var errs []error
	if err := validate.Struct(w); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []error{err}
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("worker %q: %w", name, fieldError(fe)))
		}
	}
	return append(errs, ValidateWorker(name, w)...)
}

func fieldError(fe validator.FieldError) error {
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", field)
	case "oneof":
		return fmt.Errorf("%s must be one of %s; got %q", field, fe.Param(), fmt.Sprint(fe.Value()))
	case "eq":
		return fmt.Errorf("%s must be %s, got %v", field, fe.Param(), fe.Value())
	case "gte":
		return fmt.Errorf("%s must not be negative", field)
	default:
		return fmt.Errorf("%s failed %q validation", field, fe.Tag())
	}
}
