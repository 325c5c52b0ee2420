package httpapi

import (
	"errors"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

// RegisterPayload is the self service sign up body.
type RegisterPayload struct {
	FirstName       string `json:"first_name" form:"first_name"`
	LastName        string `json:"last_name" form:"last_name"`
	Email           string `json:"email" form:"email"`
	Password        string `json:"password" form:"password"`
	ConfirmPassword string `json:"confirm_password" form:"confirm_password"`
}

func (r RegisterPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required),
		validation.Field(&r.ConfirmPassword,
			validation.Required,
			validation.By(ValidateStringEquals(r.Password)),
		),
	)
}

type LoginPayload struct {
	Email      string `json:"email" form:"email"`
	Password   string `json:"password" form:"password"`
	DeviceInfo string `json:"device_info,omitempty" form:"device_info"`
}

func (r LoginPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required),
		validation.Field(&r.DeviceInfo, validation.Length(0, 255)),
	)
}

// RefreshPayload carries the refresh token for clients that cannot use
// the cookie.
type RefreshPayload struct {
	RefreshToken string `json:"refresh_token,omitempty" form:"refresh_token"`
}

type LogoutPayload struct {
	RefreshToken string `json:"refresh_token,omitempty" form:"refresh_token"`
	All          bool   `json:"all,omitempty" form:"all"`
}

type CodePayload struct {
	Code string `json:"code" form:"code"`
}

func (r CodePayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Code, validation.Required, validation.Length(1, 512)),
	)
}

type EmailPayload struct {
	Email string `json:"email" form:"email"`
}

func (r EmailPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
	)
}

type ResetPasswordPayload struct {
	Code            string `json:"code" form:"code"`
	Password        string `json:"password" form:"password"`
	ConfirmPassword string `json:"confirm_password" form:"confirm_password"`
}

func (r ResetPasswordPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Code, validation.Required),
		validation.Field(&r.Password, validation.Required),
		validation.Field(&r.ConfirmPassword,
			validation.Required,
			validation.By(ValidateStringEquals(r.Password)),
		),
	)
}

type RoleCreatePayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (r RoleCreatePayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.Description, validation.Length(0, 255)),
	)
}

type StatusPayload struct {
	Active *bool `json:"active"`
}

func (r StatusPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Active, validation.NotNil),
	)
}

// ValidateStringEquals will check that both values match
func ValidateStringEquals(str string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if s != str {
			return errors.New("values must match")
		}
		return nil
	}
}
