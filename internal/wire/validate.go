package wire

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrMalformed is returned for payloads that cannot be coerced into domain records.
var ErrMalformed = errors.New("malformed payload")

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// check validates v and reports the first failing field.
func check(v any) error {
	if err := validate.Struct(v); err != nil {
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) {
			first := vErrs[0]
			return fmt.Errorf("%w: field [%s] failed rule [%s]", ErrMalformed, first.Namespace(), first.Tag())
		}
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
