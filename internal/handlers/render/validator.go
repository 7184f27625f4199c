package render

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nkiryanov/paygate/internal/signature"
)

func configureValidator(validate *validator.Validate) {
	_ = validate.RegisterValidation("sigalg", validateSignatureAlgorithm)
	validate.RegisterTagNameFunc(useJSONTagNames)
}

func useJSONTagNames(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	// skip if tag key says it should be ignored
	if name == "-" {
		return ""
	}
	return name
}

// Empty value means provider default
func validateSignatureAlgorithm(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	_, err := signature.ParseAlgorithm(value)
	return err == nil
}
