package api

import (
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

const notBlankTag = "notblank"

type appValidator struct {
	validate   *validator.Validate
	translator ut.Translator
}

func newValidator() *appValidator {
	v := validator.New()

	// Register the english error messages for validation errors.
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(v, translator)

	// Use JSON tag names for errors instead of Go struct names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation(notBlankTag, func(fl validator.FieldLevel) bool {
		if str, ok := fl.Field().Interface().(string); ok {
			return strings.TrimSpace(str) != ""
		}
		return false
	})
	_ = v.RegisterTranslation(notBlankTag, translator,
		func(ut.Translator) error { return nil },
		func(_ ut.Translator, fe validator.FieldError) string { return fe.Field() + " cannot be blank" },
	)

	return &appValidator{validate: v, translator: translator}
}

func (v *appValidator) Validate(i any) error {
	return v.validate.Struct(i)
}

// fieldErrors renders validation errors keyed by JSON field name.
func (v *appValidator) fieldErrors(errs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(errs))
	for _, fe := range errs {
		out[fe.Field()] = fe.Translate(v.translator)
	}
	return out
}
