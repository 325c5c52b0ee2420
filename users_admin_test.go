package auth_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "github.com/goliatone/go-auth-lifecycle"
)

func TestEngineCreateUser(t *testing.T) {
	f := newFixture(t, testConfig{requireVerified: true})
	ctx := context.Background()

	user, err := f.engine.CreateUser(ctx, auth.Actor{}, auth.CreateUserMessage{
		FirstName: "Ada",
		LastName:  "Admin",
		Email:     "ada@example.com",
		Password:  testPassword,
		Roles:     []string{"admin", "manager"},
	})
	require.NoError(t, err)
	assert.True(t, user.Verified)
	assert.True(t, user.Active)
	assert.ElementsMatch(t, []string{"ADMIN", "MANAGER"}, user.RoleNames())

	pair := f.login(t, "ada@example.com", testPassword)
	actor := actorFor(t, f, pair)
	assert.NoError(t, auth.AuthorizeActor(actor, auth.HasRole("admin")))

	_, err = f.engine.CreateUser(ctx, auth.Actor{}, auth.CreateUserMessage{
		FirstName: "Ada",
		LastName:  "Again",
		Email:     "ada@example.com",
		Password:  testPassword,
	})
	assert.ErrorIs(t, err, auth.ErrEmailTaken)

	_, ok := f.sink.find(auth.ActivityEventUserCreated)
	assert.True(t, ok)
}

func TestEngineCreateUserDefaultsToUserRole(t *testing.T) {
	f := newFixture(t, testConfig{})

	user, err := f.engine.CreateUser(context.Background(), auth.Actor{}, auth.CreateUserMessage{
		FirstName: "Bob",
		LastName:  "Builder",
		Email:     "bob@example.com",
		Password:  testPassword,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"USER"}, user.RoleNames())
}

func TestEngineUpdateUser(t *testing.T) {
	f := newFixture(t, testConfig{})
	ctx := context.Background()
	target := f.registerVerified(t, "target@example.com")
	other := f.registerVerified(t, "other@example.com")
	pair := f.login(t, "target@example.com", testPassword)

	first := "Janet"
	newPassword := "another-long-password"
	user, err := f.engine.UpdateUser(ctx, auth.Actor{}, target.ID, auth.UpdateUserMessage{
		FirstName: &first,
		Password:  &newPassword,
		Roles:     []string{"employee"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Janet", user.FirstName)
	assert.Equal(t, []string{"EMPLOYEE"}, user.RoleNames())

	_, err = f.engine.RefreshAccessToken(ctx, auth.RefreshMessage{RefreshToken: pair.RefreshToken})
	assert.ErrorIs(t, err, auth.ErrSessionExpired)
	f.login(t, "target@example.com", newPassword)

	taken := other.Email
	_, err = f.engine.UpdateUser(ctx, auth.Actor{}, target.ID, auth.UpdateUserMessage{Email: &taken})
	assert.ErrorIs(t, err, auth.ErrEmailTaken)

	_, err = f.engine.UpdateUser(ctx, auth.Actor{}, uuid.New(), auth.UpdateUserMessage{FirstName: &first})
	assert.ErrorIs(t, err, auth.ErrUserNotFound)
}

func TestEngineSetUserActive(t *testing.T) {
	f := newFixture(t, testConfig{})
	ctx := context.Background()
	user := f.registerVerified(t, "disabled@example.com")
	pair := f.login(t, "disabled@example.com", testPassword)

	require.NoError(t, f.engine.SetUserActive(ctx, auth.Actor{}, user.ID, false))

	_, err := f.engine.RefreshAccessToken(ctx, auth.RefreshMessage{RefreshToken: pair.RefreshToken})
	assert.ErrorIs(t, err, auth.ErrSessionExpired)

	_, err = f.engine.Authenticate(ctx, auth.LoginMessage{Email: "disabled@example.com", Password: testPassword})
	assert.ErrorIs(t, err, auth.ErrAccountDisabled)

	event, ok := f.sink.find(auth.ActivityEventUserStatusChanged)
	require.True(t, ok)
	assert.Equal(t, false, event.Metadata["active"])
	assert.Equal(t, int64(1), event.Metadata["sessions_revoked"])

	require.NoError(t, f.engine.SetUserActive(ctx, auth.Actor{}, user.ID, true))
	f.login(t, "disabled@example.com", testPassword)
}

func TestEngineProfileAndCurrentUser(t *testing.T) {
	f := newFixture(t, testConfig{})
	ctx := context.Background()
	f.registerVerified(t, "profile@example.com")
	actor := actorFor(t, f, f.login(t, "profile@example.com", testPassword))

	_, err := f.engine.CurrentUser(ctx, auth.Actor{})
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	user, err := f.engine.UpdateProfile(ctx, actor, auth.UpdateProfileMessage{
		FirstName: "Jo",
		LastName:  "March",
		Phone:     "(650) 253-0000",
	})
	require.NoError(t, err)
	assert.Equal(t, "+16502530000", user.Phone)

	current, err := f.engine.CurrentUser(ctx, actor)
	require.NoError(t, err)
	assert.Equal(t, "Jo", current.FirstName)
	assert.Equal(t, "March", current.LastName)

	_, err = f.engine.UpdateProfile(ctx, actor, auth.UpdateProfileMessage{
		FirstName: "Jo",
		LastName:  "March",
		Phone:     "12",
	})
	assert.Error(t, err)
}

func TestEngineRoleAdministration(t *testing.T) {
	f := newFixture(t, testConfig{})
	ctx := context.Background()

	auditor, err := f.engine.CreateRole(ctx, "auditor", "Reads audit logs")
	require.NoError(t, err)
	assert.Equal(t, "AUDITOR", auditor.Name)

	_, err = f.engine.CreateRole(ctx, "AUDITOR", "again")
	assert.ErrorIs(t, err, auth.ErrRoleExists)

	seeded, err := f.engine.SeedRoles(ctx)
	require.NoError(t, err)
	require.Len(t, seeded, len(auth.BuiltinRoles))

	again, err := f.engine.SeedRoles(ctx)
	require.NoError(t, err)
	for i := range seeded {
		assert.Equal(t, seeded[i].ID, again[i].ID)
	}

	_, err = f.engine.UpdateRole(ctx, auditor.ID, "admin", "clash")
	assert.ErrorIs(t, err, auth.ErrRoleExists)

	renamed, err := f.engine.UpdateRole(ctx, auditor.ID, "reviewer", "Reviews changes")
	require.NoError(t, err)
	assert.Equal(t, "REVIEWER", renamed.Name)

	loaded, err := f.engine.GetRole(ctx, auditor.ID)
	require.NoError(t, err)
	assert.Equal(t, "Reviews changes", loaded.Description)

	_, err = f.engine.GetRole(ctx, uuid.New())
	assert.ErrorIs(t, err, auth.ErrRoleNotFound)

	_, err = f.engine.UpdateRole(ctx, uuid.New(), "ghost", "")
	assert.ErrorIs(t, err, auth.ErrRoleNotFound)

	roles, err := f.engine.ListRoles(ctx)
	require.NoError(t, err)
	assert.Len(t, roles, len(auth.BuiltinRoles)+1)
}
