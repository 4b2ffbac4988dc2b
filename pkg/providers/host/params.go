package host

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/storyplayer/storyplayer/pkg/engine"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

// decodeParams decodes params into out and checks its validate tags.
// A missing required field fails with MissingParameter naming the config key.
func decodeParams(params map[string]interface{}, out interface{}, operation, resource string) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return engine.NewInvalidConfigError("cannot decode host parameters", err).
			WithResource(resource).
			WithOperation(operation)
	}

	if err := validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			if strings.HasPrefix(fe.Tag(), "required") {
				return engine.NewMissingParameterError(fe.Field(), operation).WithResource(resource)
			}
			return engine.NewInvalidConfigError(
				fmt.Sprintf("parameter '%s' failed '%s' check", fe.Field(), fe.Tag()), err).
				WithResource(resource).
				WithOperation(operation)
		}
		return err
	}
	return nil
}
