package auth_test

import (
	"context"
	"testing"

	command "github.com/goliatone/go-command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "github.com/goliatone/go-auth-lifecycle"
)

func TestCommandHandlersRunAccountLifecycle(t *testing.T) {
	f := newFixture(t, testConfig{requireVerified: true})
	ctx := context.Background()

	var register command.Commander[auth.RegisterUserMessage] = auth.NewRegisterUserHandler(f.engine)
	var created *auth.RegisterResult
	require.NoError(t, register.Execute(ctx, auth.RegisterUserMessage{
		FirstName:  "Cmd",
		LastName:   "Runner",
		Email:      "cmd@example.com",
		Password:   testPassword,
		OnResponse: func(res *auth.RegisterResult) { created = res },
	}))
	require.NotNil(t, created)
	assert.Equal(t, "cmd@example.com", created.User.Email)

	var verify command.Commander[auth.VerifyAccountMessage] = auth.NewVerifyAccountHandler(f.engine)
	require.NoError(t, verify.Execute(ctx, auth.VerifyAccountMessage{
		Code: f.mailer.code(t, auth.TemplateActivateAccount),
	}))

	var initialize command.Commander[auth.InitializePasswordResetMessage] = auth.NewInitializePasswordResetHandler(f.engine)
	require.NoError(t, initialize.Execute(ctx, auth.InitializePasswordResetMessage{Email: "cmd@example.com"}))
	f.flush(t)

	var finalize command.Commander[auth.ResetPasswordMessage] = auth.NewFinalizePasswordResetHandler(f.engine)
	require.NoError(t, finalize.Execute(ctx, auth.ResetPasswordMessage{
		Code:     f.mailer.code(t, auth.TemplateResetPassword),
		Password: "brand-new-secret",
	}))

	pair := f.login(t, "cmd@example.com", "brand-new-secret")

	var change command.Commander[auth.ChangePasswordMessage] = auth.NewChangePasswordHandler(f.engine)
	require.NoError(t, change.Execute(ctx, auth.ChangePasswordMessage{
		CurrentPassword: "brand-new-secret",
		NewPassword:     "yet-another-secret",
		Actor:           actorFor(t, f, pair),
	}))
	f.login(t, "cmd@example.com", "yet-another-secret")
}

func TestCommandHandlersHonorCancelledContext(t *testing.T) {
	f := newFixture(t, testConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := auth.NewRegisterUserHandler(f.engine).Execute(ctx, auth.RegisterUserMessage{
		FirstName: "Too",
		LastName:  "Late",
		Email:     "late@example.com",
		Password:  testPassword,
	})
	require.Error(t, err)
	assert.True(t, auth.HasTextCode(err, auth.TextCodeTransientStoreFailure))

	err = auth.NewRequestEmailChangeHandler(f.engine).Execute(ctx, auth.EmailChangeMessage{})
	assert.True(t, auth.HasTextCode(err, auth.TextCodeTransientStoreFailure))

	_, err = f.repo.Users().FindByEmailTx(context.Background(), f.db, "late@example.com")
	assert.ErrorIs(t, err, auth.ErrUserNotFound)
}
