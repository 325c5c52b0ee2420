package auth

import (
	"context"
	"time"
)

const mailTimeout = 30 * time.Second

func (e *Engine) mailVars(user *User, code string, expiresIn time.Duration) map[string]any {
	vars := map[string]any{
		"code":       code,
		"expires_in": expiresIn.String(),
	}
	if user != nil {
		vars["email"] = user.Email
		vars["first_name"] = user.FirstName
		vars["last_name"] = user.LastName
	}
	return vars
}

// sendNow delivers inline and reports a delivery failure to the caller.
func (e *Engine) sendNow(ctx context.Context, userID, to string, template TemplateID, vars map[string]any) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mailTimeout)
	defer cancel()

	if err := e.mailer.Send(ctx, to, template, vars); err != nil {
		e.logger.Error("email delivery failed", "template", string(template), "user_id", userID, "error", err)
		e.record(ctx, ActivityEventEmailDeliveryFailure, userID, userID, map[string]any{
			"template": string(template),
		})
		return deliveryFailure(err, template)
	}
	return nil
}

// sendAsync delivers in the background. Failures are logged and never
// reach the flow that triggered the email.
func (e *Engine) sendAsync(ctx context.Context, userID, to string, template TemplateID, vars map[string]any) {
	detached := context.WithoutCancel(ctx)
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		_ = e.sendNow(detached, userID, to, template, vars)
	}()
}
