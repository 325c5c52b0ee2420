package auth

import (
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/nyaruka/phonenumbers"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 72
)

var passwordRules = []validation.Rule{
	validation.Required,
	validation.Length(minPasswordLength, maxPasswordLength),
}

type RegisterUserMessage struct {
	FirstName string   `json:"first_name"`
	LastName  string   `json:"last_name"`
	Email     string   `json:"email"`
	Password  string   `json:"password"`
	Roles     []string `json:"roles,omitempty"`
	// OnResponse receives the created account once the handler succeeds.
	OnResponse func(res *RegisterResult) `json:"-"`
}

func (e RegisterUserMessage) Type() string { return "user.register" }

// Validate will validate the message
func (e RegisterUserMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.FirstName, validation.Required, validation.Length(1, 200)),
		validation.Field(&e.LastName, validation.Required, validation.Length(1, 200)),
		validation.Field(&e.Email, validation.Required, validation.Length(3, 254), is.Email),
		validation.Field(&e.Password, passwordRules...),
	)
}

type LoginMessage struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Metadata SessionMetadata
}

func (e LoginMessage) Type() string { return "auth.login" }

type RefreshMessage struct {
	RefreshToken string
}

func (e RefreshMessage) Type() string { return "auth.refresh" }

type LogoutMessage struct {
	RefreshToken string
	// All revokes every session of the token's owner.
	All bool
}

func (e LogoutMessage) Type() string { return "auth.logout" }

type VerifyAccountMessage struct {
	Code string `json:"code"`
}

func (e VerifyAccountMessage) Type() string { return "user.verify" }

type InitializePasswordResetMessage struct {
	Email string `json:"email"`
}

func (e InitializePasswordResetMessage) Type() string { return "user.password_reset" }

type ResetPasswordMessage struct {
	Code     string `json:"code"`
	Password string `json:"password"`
}

func (e ResetPasswordMessage) Type() string { return "auth.password.reset" }

func (e ResetPasswordMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Code, validation.Required),
		validation.Field(&e.Password, passwordRules...),
	)
}

type ChangePasswordMessage struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	// RevokeOtherSessions closes every session except the caller's.
	RevokeOtherSessions bool  `json:"revoke_other_sessions"`
	Actor               Actor `json:"-"`
}

func (e ChangePasswordMessage) Type() string { return "auth.password.change" }

func (e ChangePasswordMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.CurrentPassword, validation.Required),
		validation.Field(&e.NewPassword, passwordRules...),
	)
}

type EmailChangeMessage struct {
	CurrentPassword string `json:"current_password"`
	NewEmail        string `json:"new_email"`
	Actor           Actor  `json:"-"`
}

func (e EmailChangeMessage) Type() string { return "auth.email.change" }

func (e EmailChangeMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.CurrentPassword, validation.Required),
		validation.Field(&e.NewEmail, validation.Required, validation.Length(3, 254), is.Email),
	)
}

type CreateUserMessage struct {
	FirstName string   `json:"first_name"`
	LastName  string   `json:"last_name"`
	Email     string   `json:"email"`
	Password  string   `json:"password"`
	Roles     []string `json:"roles,omitempty"`
	Employee  bool     `json:"is_employee"`
}

func (e CreateUserMessage) Type() string { return "user.create" }

func (e CreateUserMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.FirstName, validation.Required, validation.Length(1, 200)),
		validation.Field(&e.LastName, validation.Required, validation.Length(1, 200)),
		validation.Field(&e.Email, validation.Required, validation.Length(3, 254), is.Email),
		validation.Field(&e.Password, passwordRules...),
	)
}

// UpdateUserMessage is a partial update; nil fields are left untouched.
type UpdateUserMessage struct {
	FirstName *string  `json:"first_name,omitempty"`
	LastName  *string  `json:"last_name,omitempty"`
	Email     *string  `json:"email,omitempty"`
	Password  *string  `json:"password,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	Employee  *bool    `json:"is_employee,omitempty"`
}

func (e UpdateUserMessage) Type() string { return "user.update" }

func (e UpdateUserMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.FirstName, validation.NilOrNotEmpty, validation.Length(1, 200)),
		validation.Field(&e.LastName, validation.NilOrNotEmpty, validation.Length(1, 200)),
		validation.Field(&e.Email, validation.NilOrNotEmpty, is.Email),
		validation.Field(&e.Password, validation.NilOrNotEmpty, validation.Length(minPasswordLength, maxPasswordLength)),
	)
}

type UpdateProfileMessage struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone_number"`
	// Region is the default region used to parse national phone numbers.
	Region string `json:"region,omitempty"`
}

func (e UpdateProfileMessage) Type() string { return "user.profile.update" }

func (e UpdateProfileMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.FirstName, validation.Required, validation.Length(1, 200)),
		validation.Field(&e.LastName, validation.Required, validation.Length(1, 200)),
		validation.Field(&e.Phone, validation.By(validPhone(e.Region))),
	)
}

func validPhone(region string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if strings.TrimSpace(s) == "" {
			return nil
		}
		if _, err := NormalizePhone(s, region); err != nil {
			return err
		}
		return nil
	}
}

// NormalizePhone parses a phone number and formats it as E.164. Empty
// input yields an empty result.
func NormalizePhone(phone, region string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", nil
	}
	if region == "" {
		region = "US"
	}
	num, err := phonenumbers.Parse(phone, strings.ToUpper(region))
	if err != nil {
		return "", errors.New("invalid phone number")
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", errors.New("invalid phone number")
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
