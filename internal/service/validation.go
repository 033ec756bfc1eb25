package service

import (
	"errors"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/traffic-tacos/profile-api/internal/models"
	apperrors "github.com/traffic-tacos/profile-api/pkg/errors"
)

const (
	msgInvalidUsername = "Invalid username. Use 3-32 letters, numbers, dot, dash or underscore."
	msgInvalidEmail    = "Invalid email address."
	msgShortPassword   = "Password must be at least 8 characters."
	msgLongPassword    = "Password must be at most 72 bytes."
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]{3,32}$`)

// registration mirrors models.RegisterRequest with the rules attached
type registration struct {
	Username string `validate:"required,username"`
	Email    string `validate:"required,max=254,email"`
	Password string `validate:"required,min=8"`
}

var fieldMessages = map[string]string{
	"Username": msgInvalidUsername,
	"Email":    msgInvalidEmail,
	"Password": msgShortPassword,
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Length is bytes, not runes: the charset is ASCII only
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	return v
}

// validateRegistration reports the first violated rule in field order
func validateRegistration(v *validator.Validate, req models.RegisterRequest) error {
	err := v.Struct(registration{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err == nil {
		if len(req.Password) > 72 {
			return apperrors.Validation(msgLongPassword)
		}
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		if msg, ok := fieldMessages[fieldErrs[0].StructField()]; ok {
			return apperrors.Validation(msg)
		}
	}
	return apperrors.Validation("Invalid registration data.")
}
