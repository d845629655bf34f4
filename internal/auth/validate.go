package auth

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// RegisterRequest carries registration input. Json tags name the fields in validation errors.
type RegisterRequest struct {
	Username    string `json:"username" validate:"required,min=2,max=32,username"`
	Password    string `json:"password" validate:"required,min=4,max=72"`
	AvatarColor string `json:"avatarColor" validate:"omitempty,hexcolor"`
	Theme       string `json:"theme" validate:"omitempty,oneof=light dark classic"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// usernames are display names: any letters, but no whitespace or control characters
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		for _, r := range fl.Field().String() {
			if unicode.IsSpace(r) || unicode.IsControl(r) {
				return false
			}
		}
		return true
	})
	return v
}

func (s *Service) validateRegister(req RegisterRequest) error {
	if err := s.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return invalidField(fieldErrs[0])
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	// bcrypt only looks at the first 72 bytes
	if len(req.Password) > 72 {
		return fmt.Errorf("%w: field \"password\" is longer than 72 bytes", ErrInvalidInput)
	}
	return nil
}

func invalidField(fe validator.FieldError) error {
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%w: missing field %q", ErrInvalidInput, fe.Field())
	case "min", "max":
		return fmt.Errorf("%w: field %q must have length %s %s", ErrInvalidInput, fe.Field(), boundWord(fe.Tag()), fe.Param())
	default:
		return fmt.Errorf("%w: field %q is not a valid %s", ErrInvalidInput, fe.Field(), fe.Tag())
	}
}

func boundWord(tag string) string {
	if tag == "min" {
		return "at least"
	}
	return "at most"
}
