package httpapi

import (
	stderrors "errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"

	auth "github.com/goliatone/go-auth-lifecycle"
)

const (
	internalMessage  = "internal server error"
	transientMessage = "service temporarily unavailable, retry later"
)

// ErrorBody is the payload under the "error" key of every failed response.
type ErrorBody struct {
	Code     int               `json:"code"`
	TextCode string            `json:"text_code"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// ErrorEnvelope is the uniform error response.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// NewErrorHandler returns the fiber error handler behind NewServer. It
// renders every error as an ErrorEnvelope. Unexpected errors are masked and logged with their
// cause.
func NewErrorHandler(logger auth.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		body := toErrorBody(err)

		if body.Code >= http.StatusInternalServerError {
			logger.Error("request failed",
				"path", c.Path(),
				"method", c.Method(),
				"status", body.Code,
				"text_code", body.TextCode,
				"error", err,
				"details", print.MaybePrettyJSON(errorMetadata(err)),
			)
		} else {
			logger.Debug("request rejected",
				"path", c.Path(),
				"status", body.Code,
				"text_code", body.TextCode,
			)
		}

		return c.Status(body.Code).JSON(ErrorEnvelope{Error: body})
	}
}

func badRequest(msg string) error {
	return errors.New(msg, errors.CategoryBadInput).
		WithCode(http.StatusBadRequest).
		WithTextCode(auth.TextCodeValidationFailed)
}

func toErrorBody(err error) ErrorBody {
	var fe *fiber.Error
	if stderrors.As(err, &fe) {
		return ErrorBody{
			Code:     fe.Code,
			TextCode: statusTextCode(fe.Code),
			Message:  fe.Message,
		}
	}

	var richErr *errors.Error
	if !errors.As(err, &richErr) {
		return ErrorBody{
			Code:     http.StatusInternalServerError,
			TextCode: auth.TextCodeInternal,
			Message:  internalMessage,
		}
	}

	body := ErrorBody{
		Code:     richErr.Code,
		TextCode: richErr.TextCode,
		Message:  richErr.Message,
	}
	if body.Code == 0 {
		body.Code = http.StatusInternalServerError
	}

	switch {
	case auth.IsTransientFailure(err):
		body.Message = transientMessage
	case body.Code >= http.StatusInternalServerError && !auth.IsDomainError(err):
		body.TextCode = auth.TextCodeInternal
		body.Message = internalMessage
	}

	if body.TextCode == "" {
		body.TextCode = statusTextCode(body.Code)
	}

	if fields, ok := richErr.Metadata["fields"].(map[string]string); ok {
		body.Fields = fields
	}

	return body
}

func errorMetadata(err error) map[string]any {
	var richErr *errors.Error
	if errors.As(err, &richErr) {
		return richErr.Metadata
	}
	return nil
}

func statusTextCode(code int) string {
	switch code {
	case http.StatusBadRequest:
		return auth.TextCodeValidationFailed
	case http.StatusUnauthorized:
		return auth.TextCodeUnauthenticated
	case http.StatusForbidden:
		return auth.TextCodeForbidden
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusTooManyRequests:
		return auth.TextCodeRateLimited
	case http.StatusServiceUnavailable:
		return auth.TextCodeTransientStoreFailure
	}
	return auth.TextCodeInternal
}
