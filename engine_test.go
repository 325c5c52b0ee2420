package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	auth "github.com/goliatone/go-auth-lifecycle"
)

func TestEngineRegisterVerifyLogin(t *testing.T) {
	f := newFixture(t, testConfig{requireVerified: true})
	ctx := context.Background()

	user := f.register(t, "Jane@example.com")
	assert.Equal(t, "jane@example.com", user.Email)
	assert.False(t, user.Verified)
	assert.Equal(t, []string{auth.DefaultRole.String()}, user.RoleNames())

	mail := f.mailer.last(t, auth.TemplateActivateAccount)
	assert.Equal(t, "jane@example.com", mail.To)
	assert.Equal(t, "Jane", mail.Vars["first_name"])

	_, err := f.engine.Authenticate(ctx, auth.LoginMessage{Email: "jane@example.com", Password: testPassword})
	assert.ErrorIs(t, err, auth.ErrAccountUnverified)

	code := f.mailer.code(t, auth.TemplateActivateAccount)
	require.NoError(t, f.engine.VerifyAccount(ctx, code))
	assert.ErrorIs(t, f.engine.VerifyAccount(ctx, code), auth.ErrInvalidOrExpiredCode)

	pair := f.login(t, "JANE@example.com", testPassword)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, int64(15*60), pair.ExpiresIn)

	actor := actorFor(t, f, pair)
	assert.Equal(t, user.ID, actor.UserID)
	assert.Equal(t, pair.SessionID, actor.SessionID)
	assert.Equal(t, []string{"USER"}, actor.Roles)

	event, ok := f.sink.find(auth.ActivityEventLoginSuccess)
	require.True(t, ok)
	assert.Equal(t, pair.SessionID.String(), event.Metadata["session_id"])
}

func TestEngineRegisterDuplicateEmail(t *testing.T) {
	f := newFixture(t, testConfig{})
	f.register(t, "dup@example.com")

	_, err := f.engine.Register(context.Background(), auth.RegisterUserMessage{
		FirstName: "Other",
		LastName:  "Person",
		Email:     "DUP@example.com",
		Password:  testPassword,
	})
	assert.ErrorIs(t, err, auth.ErrEmailTaken)
}

func TestEngineRegisterValidation(t *testing.T) {
	f := newFixture(t, testConfig{})

	_, err := f.engine.Register(context.Background(), auth.RegisterUserMessage{
		FirstName: "Jane",
		LastName:  "Doe",
		Email:     "jane@example.com",
		Password:  "short",
	})
	require.Error(t, err)
	assert.False(t, auth.IsTransientFailure(err))
	assert.Empty(t, f.mailer.sent)
}

func TestEngineRegisterReportsDeliveryFailure(t *testing.T) {
	f := newFixture(t, testConfig{})
	f.mailer.err = errors.New("smtp down")

	res, err := f.engine.Register(context.Background(), auth.RegisterUserMessage{
		FirstName: "Jane",
		LastName:  "Doe",
		Email:     "nomail@example.com",
		Password:  testPassword,
	})
	require.NoError(t, err)
	require.NotNil(t, res.User)
	assert.Error(t, res.Warning)

	_, ok := f.sink.find(auth.ActivityEventEmailDeliveryFailure)
	assert.True(t, ok)
}

func TestEngineLoginFailures(t *testing.T) {
	f := newFixture(t, testConfig{})
	ctx := context.Background()
	f.register(t, "login@example.com")

	_, err := f.engine.Authenticate(ctx, auth.LoginMessage{Email: "login@example.com", Password: "wrong-password"})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	_, err = f.engine.Authenticate(ctx, auth.LoginMessage{Email: "ghost@example.com", Password: testPassword})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	event, ok := f.sink.find(auth.ActivityEventLoginFailure)
	require.True(t, ok)
	assert.Equal(t, "unknown_email", event.Metadata["reason"])
}

func TestEngineLoginLockout(t *testing.T) {
	f := newFixture(t, testConfig{maxAttempts: 2, cooldown: time.Minute})
	ctx := context.Background()
	f.register(t, "locked@example.com")

	for i := 0; i < 2; i++ {
		_, err := f.engine.Authenticate(ctx, auth.LoginMessage{Email: "locked@example.com", Password: "wrong-password"})
		require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	}

	_, err := f.engine.Authenticate(ctx, auth.LoginMessage{Email: "locked@example.com", Password: testPassword})
	assert.ErrorIs(t, err, auth.ErrTooManyAttempts)

	f.clock.Advance(2 * time.Minute)
	f.login(t, "locked@example.com", testPassword)
}

func TestEngineRefreshRotatesSession(t *testing.T) {
	f := newFixture(t, testConfig{})
	ctx := context.Background()
	f.registerVerified(t, "refresh@example.com")
	pair := f.login(t, "refresh@example.com", testPassword)

	next, err := f.engine.RefreshAccessToken(ctx, auth.RefreshMessage{RefreshToken: pair.RefreshToken})
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)
	assert.NotEqual(t, pair.SessionID, next.SessionID)

	_, err = f.engine.RefreshAccessToken(ctx, auth.RefreshMessage{RefreshToken: pair.RefreshToken})
	assert.ErrorIs(t, err, auth.ErrSessionExpired)

	_, err = f.engine.RefreshAccessToken(ctx, auth.RefreshMessage{})
	assert.ErrorIs(t, err, auth.ErrSessionExpired)

	active, err := f.engine.IsSessionActive(ctx, actorFor(t, f, next).UserID, pair.SessionID)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestEngineRefreshAfterExpiry(t *testing.T) {
	f := newFixture(t, testConfig{refreshTTL: time.Hour})
	f.registerVerified(t, "stale@example.com")
	pair := f.login(t, "stale@example.com", testPassword)

	f.clock.Advance(time.Hour + time.Second)

	_, err := f.engine.RefreshAccessToken(context.Background(), auth.RefreshMessage{RefreshToken: pair.RefreshToken})
	assert.ErrorIs(t, err, auth.ErrSessionExpired)

	_, ok := f.sink.find(auth.ActivityEventTokenRefreshFailure)
	assert.True(t, ok)
}

func TestEngineLogout(t *testing.T) {
	f := newFixture(t, testConfig{})
	ctx := context.Background()
	f.registerVerified(t, "logout@example.com")
	first := f.login(t, "logout@example.com", testPassword)
	second := f.login(t, "logout@example.com", testPassword)

	require.NoError(t, f.engine.Logout(ctx, auth.LogoutMessage{RefreshToken: first.RefreshToken}))
	require.NoError(t, f.engine.Logout(ctx, auth.LogoutMessage{RefreshToken: first.RefreshToken}))

	_, err := f.engine.RefreshAccessToken(ctx, auth.RefreshMessage{RefreshToken: first.RefreshToken})
	assert.ErrorIs(t, err, auth.ErrSessionExpired)

	sessions, err := f.engine.ListSessions(ctx, actorFor(t, f, second))
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Current)
	assert.Equal(t, "Firefox", sessions[0].Browser)
}

func TestEngineLogoutAll(t *testing.T) {
	f := newFixture(t, testConfig{})
	ctx := context.Background()
	user := f.registerVerified(t, "everywhere@example.com")
	var last *auth.TokenPair
	for i := 0; i < 3; i++ {
		last = f.login(t, "everywhere@example.com", testPassword)
	}

	require.NoError(t, f.engine.Logout(ctx, auth.LogoutMessage{RefreshToken: last.RefreshToken, All: true}))

	count, err := f.engine.CountSessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Zero(t, count)

	event, ok := f.sink.find(auth.ActivityEventLogoutAll)
	require.True(t, ok)
	assert.Equal(t, int64(3), event.Metadata["sessions_revoked"])

	assert.ErrorIs(t, f.engine.Logout(ctx, auth.LogoutMessage{RefreshToken: last.RefreshToken, All: true}), auth.ErrSessionExpired)
	assert.ErrorIs(t, f.engine.LogoutAll(ctx, auth.Actor{}), auth.ErrUnauthenticated)
}

func TestEngineRevokeSession(t *testing.T) {
	f := newFixture(t, testConfig{})
	ctx := context.Background()
	f.registerVerified(t, "sessions@example.com")
	keep := f.login(t, "sessions@example.com", testPassword)
	drop := f.login(t, "sessions@example.com", testPassword)

	actor := actorFor(t, f, keep)
	require.NoError(t, f.engine.RevokeSession(ctx, actor, drop.SessionID))

	sessions, err := f.engine.ListSessions(ctx, actor)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, keep.SessionID, sessions[0].ID)

	other := f.registerVerified(t, "other@example.com")
	assert.ErrorIs(t, f.engine.RevokeSession(ctx, auth.Actor{UserID: other.ID}, keep.SessionID), auth.ErrSessionNotFound)
}

func TestEnginePasswordResetRevokesSessions(t *testing.T) {
	f := newFixture(t, testConfig{})
	ctx := context.Background()
	user := f.registerVerified(t, "reset@example.com")
	pair := f.login(t, "reset@example.com", testPassword)

	require.NoError(t, f.engine.RequestPasswordReset(ctx, "reset@example.com"))
	require.NoError(t, f.engine.RequestPasswordReset(ctx, "nobody@example.com"))
	f.flush(t)

	code := f.mailer.code(t, auth.TemplateResetPassword)
	require.NoError(t, f.engine.ResetPassword(ctx, auth.ResetPasswordMessage{Code: code, Password: "brand-new-secret"}))

	assert.ErrorIs(t,
		f.engine.ResetPassword(ctx, auth.ResetPasswordMessage{Code: code, Password: "another-secret"}),
		auth.ErrInvalidOrExpiredCode)

	_, err := f.engine.RefreshAccessToken(ctx, auth.RefreshMessage{RefreshToken: pair.RefreshToken})
	assert.ErrorIs(t, err, auth.ErrSessionExpired)

	_, err = f.engine.Authenticate(ctx, auth.LoginMessage{Email: "reset@example.com", Password: testPassword})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	f.login(t, "reset@example.com", "brand-new-secret")

	event, ok := f.sink.find(auth.ActivityEventPasswordResetSuccess)
	require.True(t, ok)
	assert.Equal(t, user.ID.String(), event.UserID)
	assert.Equal(t, int64(1), event.Metadata["sessions_revoked"])
}

func TestEnginePasswordResetLatestCodeWins(t *testing.T) {
	f := newFixture(t, testConfig{})
	ctx := context.Background()
	f.registerVerified(t, "twice@example.com")

	require.NoError(t, f.engine.RequestPasswordReset(ctx, "twice@example.com"))
	f.flush(t)
	first := f.mailer.code(t, auth.TemplateResetPassword)

	require.NoError(t, f.engine.RequestPasswordReset(ctx, "twice@example.com"))
	f.flush(t)
	second := f.mailer.code(t, auth.TemplateResetPassword)
	require.NotEqual(t, first, second)

	assert.ErrorIs(t,
		f.engine.ResetPassword(ctx, auth.ResetPasswordMessage{Code: first, Password: "brand-new-secret"}),
		auth.ErrInvalidOrExpiredCode)
	assert.NoError(t, f.engine.ResetPassword(ctx, auth.ResetPasswordMessage{Code: second, Password: "brand-new-secret"}))
}

func TestEngineExpiredCode(t *testing.T) {
	f := newFixture(t, testConfig{codeTTL: 10 * time.Minute})
	f.register(t, "slow@example.com")
	code := f.mailer.code(t, auth.TemplateActivateAccount)

	f.clock.Advance(11 * time.Minute)

	assert.ErrorIs(t, f.engine.VerifyAccount(context.Background(), code), auth.ErrInvalidOrExpiredCode)
}

func TestEngineResendVerification(t *testing.T) {
	f := newFixture(t, testConfig{})
	ctx := context.Background()
	f.register(t, "resend@example.com")
	original := f.mailer.code(t, auth.TemplateActivateAccount)

	require.NoError(t, f.engine.ResendVerification(ctx, "resend@example.com"))
	require.NoError(t, f.engine.ResendVerification(ctx, "unknown@example.com"))
	f.flush(t)

	fresh := f.mailer.code(t, auth.TemplateActivateAccount)
	require.NotEqual(t, original, fresh)
	assert.ErrorIs(t, f.engine.VerifyAccount(ctx, original), auth.ErrInvalidOrExpiredCode)
	require.NoError(t, f.engine.VerifyAccount(ctx, fresh))

	assert.ErrorIs(t, f.engine.ResendVerification(ctx, "resend@example.com"), auth.ErrAccountAlreadyVerified)
}

func TestEngineEmailChange(t *testing.T) {
	f := newFixture(t, testConfig{})
	ctx := context.Background()
	f.registerVerified(t, "old@example.com")
	f.registerVerified(t, "taken@example.com")
	pair := f.login(t, "old@example.com", testPassword)
	actor := actorFor(t, f, pair)

	err := f.engine.RequestEmailChange(ctx, actor, auth.EmailChangeMessage{CurrentPassword: "wrong-password", NewEmail: "new@example.com"})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	err = f.engine.RequestEmailChange(ctx, actor, auth.EmailChangeMessage{CurrentPassword: testPassword, NewEmail: "OLD@example.com"})
	assert.ErrorIs(t, err, auth.ErrEmailUnchanged)

	err = f.engine.RequestEmailChange(ctx, actor, auth.EmailChangeMessage{CurrentPassword: testPassword, NewEmail: "taken@example.com"})
	assert.ErrorIs(t, err, auth.ErrEmailTaken)

	require.NoError(t, f.engine.RequestEmailChange(ctx, actor, auth.EmailChangeMessage{CurrentPassword: testPassword, NewEmail: "new@example.com"}))
	f.flush(t)

	mail := f.mailer.last(t, auth.TemplateChangeEmail)
	assert.Equal(t, "new@example.com", mail.To)

	next, err := f.engine.ConfirmEmailChange(ctx, f.mailer.code(t, auth.TemplateChangeEmail), auth.SessionMetadata{IPAddress: "192.0.2.44"})
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", actorFor(t, f, next).Email)

	_, err = f.engine.RefreshAccessToken(ctx, auth.RefreshMessage{RefreshToken: pair.RefreshToken})
	assert.ErrorIs(t, err, auth.ErrSessionExpired)

	_, err = f.engine.Authenticate(ctx, auth.LoginMessage{Email: "old@example.com", Password: testPassword})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	f.login(t, "new@example.com", testPassword)

	event, ok := f.sink.find(auth.ActivityEventEmailChanged)
	require.True(t, ok)
	assert.Equal(t, "old@example.com", event.Metadata["previous_email"])
}

func TestEngineChangePasswordKeepsCurrentSession(t *testing.T) {
	f := newFixture(t, testConfig{})
	ctx := context.Background()
	f.registerVerified(t, "change@example.com")
	current := f.login(t, "change@example.com", testPassword)
	other := f.login(t, "change@example.com", testPassword)
	actor := actorFor(t, f, current)

	err := f.engine.ChangePassword(ctx, actor, auth.ChangePasswordMessage{CurrentPassword: "wrong-password", NewPassword: "changed-secret"})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	require.NoError(t, f.engine.ChangePassword(ctx, actor, auth.ChangePasswordMessage{
		CurrentPassword:     testPassword,
		NewPassword:         "changed-secret",
		RevokeOtherSessions: true,
	}))

	_, err = f.engine.RefreshAccessToken(ctx, auth.RefreshMessage{RefreshToken: other.RefreshToken})
	assert.ErrorIs(t, err, auth.ErrSessionExpired)

	_, err = f.engine.RefreshAccessToken(ctx, auth.RefreshMessage{RefreshToken: current.RefreshToken})
	assert.NoError(t, err)

	f.login(t, "change@example.com", "changed-secret")
}

func TestEngineConfirmedPasswordChange(t *testing.T) {
	f := newFixture(t, testConfig{})
	ctx := context.Background()
	f.registerVerified(t, "confirm@example.com")
	pair := f.login(t, "confirm@example.com", testPassword)

	require.NoError(t, f.engine.RequestPasswordChange(ctx, actorFor(t, f, pair), auth.ChangePasswordMessage{
		CurrentPassword: testPassword,
		NewPassword:     "confirmed-secret",
	}))
	f.flush(t)

	f.login(t, "confirm@example.com", testPassword)

	require.NoError(t, f.engine.ConfirmPasswordChange(ctx, f.mailer.code(t, auth.TemplateChangePassword)))

	_, err := f.engine.RefreshAccessToken(ctx, auth.RefreshMessage{RefreshToken: pair.RefreshToken})
	assert.ErrorIs(t, err, auth.ErrSessionExpired)
	f.login(t, "confirm@example.com", "confirmed-secret")
}

func TestEngineCancelledContext(t *testing.T) {
	f := newFixture(t, testConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Authenticate(ctx, auth.LoginMessage{Email: "x@example.com", Password: testPassword})
	require.Error(t, err)
	assert.NotErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestSessionBoundValidatorRecordsLastUse(t *testing.T) {
	f := newFixture(t, testConfig{})
	ctx := context.Background()
	f.registerVerified(t, "touch@example.com")
	pair := f.login(t, "touch@example.com", testPassword)
	actor := actorFor(t, f, pair)

	f.clock.Advance(2 * time.Hour)

	validator := auth.NewSessionBoundValidator(f.tokens, f.engine)
	_, err := validator.Validate(pair.AccessToken)
	require.NoError(t, err)

	sessions, err := f.engine.ListSessions(ctx, actor)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.NotNil(t, sessions[0].LastUsedAt)
	assert.True(t, sessions[0].LastUsedAt.After(sessions[0].CreatedAt))
	assert.True(t, sessions[0].LastUsedAt.Equal(f.clock.Now()))

	require.NoError(t, f.engine.Logout(ctx, auth.LogoutMessage{RefreshToken: pair.RefreshToken}))
	_, err = validator.Validate(pair.AccessToken)
	assert.ErrorIs(t, err, auth.ErrSessionExpired)
}

type countingPasswords struct {
	*auth.BcryptHasher
	mu       sync.Mutex
	compares int
}

func (c *countingPasswords) ComparePasswordAndHash(password, hash string) error {
	c.mu.Lock()
	c.compares++
	c.mu.Unlock()
	return c.BcryptHasher.ComparePasswordAndHash(password, hash)
}

func (c *countingPasswords) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compares
}

func TestEngineLockoutStillComparesPassword(t *testing.T) {
	cfg := testConfig{maxAttempts: 1, cooldown: time.Minute}
	f := newFixture(t, cfg)
	ctx := context.Background()
	f.register(t, "timing@example.com")

	passwords := &countingPasswords{BcryptHasher: auth.NewBcryptHasher(bcrypt.MinCost)}
	engine := auth.NewEngine(f.repo, f.tokens, passwords, cfg).WithClock(f.clock.Now)

	_, err := engine.Authenticate(ctx, auth.LoginMessage{Email: "timing@example.com", Password: "wrong-password"})
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	require.Equal(t, 1, passwords.count())

	_, err = engine.Authenticate(ctx, auth.LoginMessage{Email: "timing@example.com", Password: "wrong-password"})
	assert.ErrorIs(t, err, auth.ErrTooManyAttempts)
	assert.Equal(t, 2, passwords.count())
}
