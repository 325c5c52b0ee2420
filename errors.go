package auth

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
)

const (
	TextCodeInvalidCredentials     = "INVALID_CREDENTIALS"
	TextCodeAccountDisabled        = "ACCOUNT_DISABLED"
	TextCodeAccountUnverified      = "ACCOUNT_UNVERIFIED"
	TextCodeAccountVerified        = "ACCOUNT_ALREADY_VERIFIED"
	TextCodeSessionExpired         = "SESSION_EXPIRED"
	TextCodeInvalidRefreshToken    = "INVALID_REFRESH_TOKEN"
	TextCodeInvalidOrExpiredCode   = "INVALID_OR_EXPIRED_CODE"
	TextCodeEmailTaken             = "EMAIL_TAKEN"
	TextCodeRoleExists             = "ROLE_EXISTS"
	TextCodeRoleNotFound           = "ROLE_NOT_FOUND"
	TextCodeUserNotFound           = "USER_NOT_FOUND"
	TextCodeSessionNotFound        = "SESSION_NOT_FOUND"
	TextCodeTransientStoreFailure  = "TRANSIENT_STORE_FAILURE"
	TextCodeTemplateOrDelivery     = "TEMPLATE_OR_DELIVERY_FAILURE"
	TextCodeForbidden              = "FORBIDDEN"
	TextCodeUnauthenticated        = "UNAUTHENTICATED"
	TextCodeTokenExpired           = "TOKEN_EXPIRED"
	TextCodeTokenMalformed         = "TOKEN_MALFORMED"
	TextCodeTooManyAttempts        = "TOO_MANY_ATTEMPTS"
	TextCodeEmptyPassword          = "EMPTY_PASSWORD"
	TextCodeValidationFailed       = "VALIDATION_FAILED"
	TextCodeUnsupportedHashAlgo    = "UNSUPPORTED_HASH_ALGORITHM"
	TextCodeAccountNotChangeable   = "EMAIL_UNCHANGED"
	TextCodeRateLimited            = "RATE_LIMITED"
	TextCodeInternal               = "INTERNAL_ERROR"
	TextCodeImmutableClaim         = "IMMUTABLE_CLAIM_MUTATION"
	TextCodeMissingOrMalformedAuth = "MISSING_OR_MALFORMED_TOKEN"
)

var (
	ErrInvalidCredentials = goerrors.New("invalid credentials", goerrors.CategoryAuth).
				WithCode(goerrors.CodeUnauthorized).
				WithTextCode(TextCodeInvalidCredentials)

	ErrAccountDisabled = goerrors.New("account is disabled", goerrors.CategoryAuthz).
				WithCode(goerrors.CodeForbidden).
				WithTextCode(TextCodeAccountDisabled)

	ErrAccountUnverified = goerrors.New("account email has not been verified", goerrors.CategoryAuthz).
				WithCode(goerrors.CodeForbidden).
				WithTextCode(TextCodeAccountUnverified)

	ErrAccountAlreadyVerified = goerrors.New("account already verified", goerrors.CategoryConflict).
					WithCode(goerrors.CodeConflict).
					WithTextCode(TextCodeAccountVerified)

	ErrSessionExpired = goerrors.New("session expired or invalid", goerrors.CategoryAuth).
				WithCode(goerrors.CodeUnauthorized).
				WithTextCode(TextCodeSessionExpired)

	// ErrRefreshTokenInvalid is returned by the refresh token store when a
	// token is unknown, revoked or past its expiry.
	ErrRefreshTokenInvalid = goerrors.New("refresh token is invalid", goerrors.CategoryAuth).
				WithCode(goerrors.CodeUnauthorized).
				WithTextCode(TextCodeInvalidRefreshToken)

	ErrInvalidOrExpiredCode = goerrors.New("invalid or expired code", goerrors.CategoryValidation).
				WithCode(goerrors.CodeBadRequest).
				WithTextCode(TextCodeInvalidOrExpiredCode)

	ErrEmailTaken = goerrors.New("email already in use", goerrors.CategoryConflict).
			WithCode(goerrors.CodeConflict).
			WithTextCode(TextCodeEmailTaken)

	ErrEmailUnchanged = goerrors.New("new email matches the current one", goerrors.CategoryBadInput).
				WithCode(goerrors.CodeBadRequest).
				WithTextCode(TextCodeAccountNotChangeable)

	ErrRoleExists = goerrors.New("role already exists", goerrors.CategoryConflict).
			WithCode(goerrors.CodeConflict).
			WithTextCode(TextCodeRoleExists)

	ErrRoleNotFound = goerrors.New("role not found", goerrors.CategoryNotFound).
			WithCode(goerrors.CodeNotFound).
			WithTextCode(TextCodeRoleNotFound)

	ErrUserNotFound = goerrors.New("user not found", goerrors.CategoryNotFound).
			WithCode(goerrors.CodeNotFound).
			WithTextCode(TextCodeUserNotFound)

	ErrSessionNotFound = goerrors.New("session not found", goerrors.CategoryNotFound).
				WithCode(goerrors.CodeNotFound).
				WithTextCode(TextCodeSessionNotFound)

	ErrForbidden = goerrors.New("access denied", goerrors.CategoryAuthz).
			WithCode(goerrors.CodeForbidden).
			WithTextCode(TextCodeForbidden)

	ErrUnauthenticated = goerrors.New("authentication required", goerrors.CategoryAuth).
				WithCode(goerrors.CodeUnauthorized).
				WithTextCode(TextCodeUnauthenticated)

	ErrTokenExpired = goerrors.New("token is expired", goerrors.CategoryAuth).
			WithCode(goerrors.CodeUnauthorized).
			WithTextCode(TextCodeTokenExpired)

	ErrTokenMalformed = goerrors.New("token is malformed", goerrors.CategoryAuth).
				WithCode(goerrors.CodeUnauthorized).
				WithTextCode(TextCodeTokenMalformed)

	ErrTooManyAttempts = goerrors.New("too many login attempts", goerrors.CategoryRateLimit).
				WithCode(http.StatusTooManyRequests).
				WithTextCode(TextCodeTooManyAttempts)

	ErrNoEmptyString = goerrors.New("password can't be an empty string", goerrors.CategoryValidation).
				WithCode(goerrors.CodeBadRequest).
				WithTextCode(TextCodeEmptyPassword)

	ErrImmutableClaimMutation = goerrors.New("claims decorator mutated an immutable claim", goerrors.CategoryInternal).
					WithTextCode(TextCodeImmutableClaim)

	ErrUnsupportedHashAlgorithm = goerrors.New("unsupported token hash algorithm", goerrors.CategoryInternal).
					WithTextCode(TextCodeUnsupportedHashAlgo)

	// ErrMismatchedHashAndPassword is returned by password comparison on a
	// wrong password. Callers translate it to ErrInvalidCredentials.
	ErrMismatchedHashAndPassword = errors.New("password mismatch")
)

var domainTextCodes = map[string]struct{}{
	TextCodeInvalidCredentials:    {},
	TextCodeAccountDisabled:       {},
	TextCodeAccountUnverified:     {},
	TextCodeAccountVerified:       {},
	TextCodeSessionExpired:        {},
	TextCodeInvalidRefreshToken:   {},
	TextCodeInvalidOrExpiredCode:  {},
	TextCodeEmailTaken:            {},
	TextCodeAccountNotChangeable:  {},
	TextCodeRoleExists:            {},
	TextCodeRoleNotFound:          {},
	TextCodeUserNotFound:          {},
	TextCodeSessionNotFound:       {},
	TextCodeTransientStoreFailure: {},
	TextCodeTemplateOrDelivery:    {},
	TextCodeForbidden:             {},
	TextCodeUnauthenticated:       {},
	TextCodeTokenExpired:          {},
	TextCodeTokenMalformed:        {},
	TextCodeTooManyAttempts:       {},
	TextCodeEmptyPassword:         {},
	TextCodeValidationFailed:      {},
}

// HasTextCode reports whether err carries the given text code.
func HasTextCode(err error, textCode string) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.TextCode == textCode
	}
	return false
}

// IsDomainError reports whether err is one of the package's taxonomy errors.
func IsDomainError(err error) bool {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	_, ok := domainTextCodes[richErr.TextCode]
	return ok
}

// IsTransientFailure reports whether the caller may retry the operation.
func IsTransientFailure(err error) bool {
	return HasTextCode(err, TextCodeTransientStoreFailure)
}

// IsTokenExpiredError will check for expired tokens
func IsTokenExpiredError(err error) bool {
	if err == nil {
		return false
	}
	if HasTextCode(err, TextCodeTokenExpired) {
		return true
	}
	return strings.Contains(err.Error(), "token is expired")
}

// IsMalformedError will check for error message
func IsMalformedError(err error) bool {
	if err == nil {
		return false
	}
	if HasTextCode(err, TextCodeTokenMalformed) || HasTextCode(err, TextCodeMissingOrMalformedAuth) {
		return true
	}
	return strings.Contains(err.Error(), "token is malformed") ||
		strings.Contains(err.Error(), "missing or malformed JWT")
}

// transientFailure wraps a datastore error so callers see a retryable
// failure. Domain errors pass through untouched.
func transientFailure(err error, msg string) error {
	if err == nil {
		return nil
	}
	if IsDomainError(err) {
		return err
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, msg).
		WithCode(http.StatusServiceUnavailable).
		WithTextCode(TextCodeTransientStoreFailure)
}

func deliveryFailure(err error, template TemplateID) error {
	return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to deliver email").
		WithCode(http.StatusBadGateway).
		WithTextCode(TextCodeTemplateOrDelivery).
		WithMetadata(map[string]any{
			"template": string(template),
		})
}

func validationFailure(err error) error {
	return ValidationError(err)
}

// ValidationError wraps a payload validation error. Per field messages
// are kept under the "fields" metadata key.
func ValidationError(err error) error {
	richErr := goerrors.Wrap(err, goerrors.CategoryValidation, "validation failed").
		WithCode(goerrors.CodeBadRequest).
		WithTextCode(TextCodeValidationFailed)

	var verrs validation.Errors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for field, fieldErr := range verrs {
			fields[field] = fieldErr.Error()
		}
		richErr = richErr.WithMetadata(map[string]any{"fields": fields})
	}
	return richErr
}

func cancelled(ctx context.Context, op string) error {
	return goerrors.Wrap(
		ctx.Err(),
		goerrors.CategoryOperation,
		"context cancelled during "+op,
	).WithCode(http.StatusServiceUnavailable).
		WithTextCode(TextCodeTransientStoreFailure)
}

func isNotFound(err error) bool {
	return repository.IsRecordNotFound(err) || errors.Is(err, sql.ErrNoRows)
}
