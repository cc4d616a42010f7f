package validator

import (
	"reflect"
	"strings"

	"roombooking/internal/application/ics"

	"github.com/go-playground/validator/v10"
)

var (
	// Validate is shared; validator.Validate caches struct metadata and is safe for concurrent use.
	Validate *validator.Validate
)

func init() {
	Validate = validator.New(validator.WithRequiredStructEnabled())

	// report fields by their JSON names
	Validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})

	_ = Validate.RegisterValidation("nocontrol", validateNoControl)
	_ = Validate.RegisterValidation("nocontrol_multiline", validateNoControlMultiline)
	_ = Validate.RegisterValidation("mailto", validateMailto)
}

// validateNoControl rejects control characters, line breaks included. Such values end up in
// single-line calendar properties.
func validateNoControl(fl validator.FieldLevel) bool {
	return !ics.HasControl(fl.Field().String(), false)
}

// validateNoControlMultiline is validateNoControl that lets LF and CRLF through.
func validateNoControlMultiline(fl validator.FieldLevel) bool {
	return !ics.HasControl(fl.Field().String(), true)
}

// validateMailto accepts a bare address usable as a calendar ORGANIZER or ATTENDEE, so
// display-name forms like "Rooms <rooms@example.com>" fail.
func validateMailto(fl validator.FieldLevel) bool {
	addr := fl.Field().String()
	return addr != "" && !ics.HasSeparator(addr) && !ics.HasControl(addr, false)
}
