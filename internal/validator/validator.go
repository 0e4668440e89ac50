package validator

import (
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	govalidator "github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/google/uuid"
)

// TagEntityID validates an exam or question identifier: a UUID other than
// the nil UUID.
const TagEntityID = "entity_id"

var (
	trans ut.Translator
	once  sync.Once
)

// Setup installs the control API rules on Gin's binding engine. Only the
// first call has any effect.
func Setup() {
	once.Do(func() {
		v, ok := binding.Validator.Engine().(*govalidator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(jsonName)

		locale := en.New()
		trans, _ = ut.New(locale, locale).GetTranslator("en")
		_ = en_translations.RegisterDefaultTranslations(v, trans)

		_ = v.RegisterValidation(TagEntityID, validEntityID)
		_ = v.RegisterTranslation(TagEntityID, trans,
			func(ut ut.Translator) error {
				return ut.Add(TagEntityID, "{0} must be a non-nil UUID", true)
			},
			func(ut ut.Translator, fe govalidator.FieldError) string {
				msg, _ := ut.T(TagEntityID, fe.Field())
				return msg
			})
	})
}

func jsonName(fld reflect.StructField) string {
	name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	return name
}

func validEntityID(fl govalidator.FieldLevel) bool {
	id, err := uuid.Parse(fl.Field().String())
	return err == nil && id != uuid.Nil
}

// TranslateErrors maps a binding error to field name and message. Errors
// that cannot be tied to a field are reported under "detail".
func TranslateErrors(err error) map[string]string {
	var ve govalidator.ValidationErrors
	if errors.As(err, &ve) {
		fields := make(map[string]string, len(ve))
		for _, fe := range ve {
			if trans == nil {
				fields[fe.Field()] = fe.Error()
				continue
			}
			fields[fe.Field()] = fe.Translate(trans)
		}
		return fields
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return map[string]string{typeErr.Field: typeErr.Field + " must be a " + typeErr.Type.String()}
	}
	if errors.Is(err, io.EOF) {
		return map[string]string{"detail": "request body is required"}
	}
	return map[string]string{"detail": err.Error()}
}

// Bind decodes and validates a JSON body into dst. It returns nil on success.
func Bind(c *gin.Context, dst any) map[string]string {
	if err := c.ShouldBindJSON(dst); err != nil {
		return TranslateErrors(err)
	}
	return nil
}

// BindQuery is Bind for query parameters. Query structs carry both form and
// json tags so errors name the same field either way.
func BindQuery(c *gin.Context, dst any) map[string]string {
	if err := c.ShouldBindQuery(dst); err != nil {
		return TranslateErrors(err)
	}
	return nil
}
