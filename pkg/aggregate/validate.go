package aggregate

import (
	"fmt"

	"github.com/asaskevich/govalidator"

	"libranexus/pkg/errs"
)

// RequireNonEmpty checks a required string command field, returning the
// uniform *errs.Error{Kind: Validation} shape command handlers across
// bounded contexts surface to callers.
func RequireNonEmpty(field, value string) error {
	if govalidator.IsNull(value) {
		return errs.New(errs.KindValidation, "field_required", fmt.Sprintf("%s is required", field))
	}
	return nil
}

// RequireInRange validates an int field against an inclusive bound, used by
// Book.publicationYear and similar numeric command fields.
func RequireInRange(field string, value, min, max int) error {
	if value < min || value > max {
		return errs.New(errs.KindValidation, "field_out_of_range", fmt.Sprintf("%s must be between %d and %d", field, min, max))
	}
	return nil
}

// RequirePositive validates a money.Minor-compatible int64 field is > 0.
func RequirePositive(field string, value int64) error {
	if value <= 0 {
		return errs.New(errs.KindValidation, "field_not_positive", fmt.Sprintf("%s must be positive", field))
	}
	return nil
}

// RequireUUID validates a string field is a well-formed UUID. No command
// handler in this module calls it.
func RequireUUID(field, value string) error {
	if !govalidator.IsUUID(value) {
		return errs.New(errs.KindValidation, "field_invalid_uuid", fmt.Sprintf("%s must be a valid uuid", field))
	}
	return nil
}
