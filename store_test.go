package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "github.com/goliatone/go-auth-lifecycle"
)

func TestRefreshTokenStoreStoresOnlyDigests(t *testing.T) {
	f := newFixture(t, testConfig{})
	user := f.register(t, "digest@example.com")
	ctx := context.Background()

	raw, record, err := f.repo.RefreshTokens().Issue(ctx, user.ID, auth.SessionMetadata{IPAddress: "198.51.100.1"}, time.Hour)
	require.NoError(t, err)
	assert.Len(t, raw, 43)
	assert.Equal(t, auth.HashToken(raw), record.TokenHash)
	assert.NotEqual(t, raw, record.TokenHash)

	var stored auth.RefreshToken
	require.NoError(t, f.db.NewSelect().Model(&stored).Where("id = ?", record.ID).Scan(ctx))
	assert.Equal(t, auth.HashToken(raw), stored.TokenHash)
	assert.Equal(t, "198.51.100.1", stored.IPAddress)
}

func TestRefreshTokenStoreRotate(t *testing.T) {
	f := newFixture(t, testConfig{})
	user := f.register(t, "rotate@example.com")
	ctx := context.Background()
	store := f.repo.RefreshTokens()

	raw, first, err := store.Issue(ctx, user.ID, auth.SessionMetadata{DeviceInfo: "laptop"}, time.Hour)
	require.NoError(t, err)

	next, second, err := store.Rotate(ctx, raw, time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, raw, next)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "laptop", second.DeviceInfo)

	_, _, err = store.Rotate(ctx, raw, time.Hour)
	assert.ErrorIs(t, err, auth.ErrRefreshTokenInvalid)

	active, err := store.IsSessionActive(ctx, user.ID, first.ID)
	require.NoError(t, err)
	assert.False(t, active)

	active, err = store.IsSessionActive(ctx, user.ID, second.ID)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestRefreshTokenStoreConcurrentRotateHasOneWinner(t *testing.T) {
	f := newFixture(t, testConfig{})
	user := f.register(t, "race@example.com")
	ctx := context.Background()
	store := f.repo.RefreshTokens()

	raw, _, err := store.Issue(ctx, user.ID, auth.SessionMetadata{}, time.Hour)
	require.NoError(t, err)

	const workers = 4
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := store.Rotate(ctx, raw, time.Hour)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	require.Len(t, failures, workers-1)
	for _, err := range failures {
		assert.ErrorIs(t, err, auth.ErrRefreshTokenInvalid)
	}

	count, err := store.CountActive(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRefreshTokenStoreExpiry(t *testing.T) {
	f := newFixture(t, testConfig{})
	user := f.register(t, "expiry@example.com")
	ctx := context.Background()
	store := f.repo.RefreshTokens()

	raw, _, err := store.Issue(ctx, user.ID, auth.SessionMetadata{}, time.Hour)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)

	_, _, err = store.Rotate(ctx, raw, time.Hour)
	assert.ErrorIs(t, err, auth.ErrRefreshTokenInvalid)
	assert.ErrorIs(t, store.Touch(ctx, raw), auth.ErrRefreshTokenInvalid)
}

func TestRefreshTokenStoreRevokeAllExcept(t *testing.T) {
	f := newFixture(t, testConfig{})
	user := f.register(t, "revoke@example.com")
	other := f.register(t, "bystander@example.com")
	ctx := context.Background()
	store := f.repo.RefreshTokens()

	_, keep, err := store.Issue(ctx, user.ID, auth.SessionMetadata{}, time.Hour)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, _, err := store.Issue(ctx, user.ID, auth.SessionMetadata{}, time.Hour)
		require.NoError(t, err)
	}
	_, _, err = store.Issue(ctx, other.ID, auth.SessionMetadata{}, time.Hour)
	require.NoError(t, err)

	n, err := store.RevokeAllTx(ctx, f.repo.DB(), user.ID, keep.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	sessions, err := store.ListActiveSessions(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, keep.ID, sessions[0].ID)

	count, err := store.CountActive(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRefreshTokenStoreRevokeSessionScopedToOwner(t *testing.T) {
	f := newFixture(t, testConfig{})
	owner := f.register(t, "owner@example.com")
	intruder := f.register(t, "intruder@example.com")
	ctx := context.Background()
	store := f.repo.RefreshTokens()

	_, session, err := store.Issue(ctx, owner.ID, auth.SessionMetadata{}, time.Hour)
	require.NoError(t, err)

	assert.ErrorIs(t, store.RevokeSession(ctx, intruder.ID, session.ID), auth.ErrSessionNotFound)
	assert.ErrorIs(t, store.RevokeSession(ctx, owner.ID, uuid.New()), auth.ErrSessionNotFound)

	require.NoError(t, store.RevokeSession(ctx, owner.ID, session.ID))
	active, err := store.IsSessionActive(ctx, owner.ID, session.ID)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestRefreshTokenStoreSessionsByIP(t *testing.T) {
	f := newFixture(t, testConfig{})
	user := f.register(t, "ip@example.com")
	ctx := context.Background()
	store := f.repo.RefreshTokens()

	for _, ip := range []string{"192.0.2.1", "192.0.2.1", "192.0.2.2"} {
		_, _, err := store.Issue(ctx, user.ID, auth.SessionMetadata{IPAddress: ip}, time.Hour)
		require.NoError(t, err)
	}

	sessions, err := store.ActiveSessionsByIP(ctx, user.ID, "192.0.2.1")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestRefreshTokenStoreActiveViewsAgree(t *testing.T) {
	f := newFixture(t, testConfig{})
	user := f.register(t, "views@example.com")
	ctx := context.Background()
	store := f.repo.RefreshTokens()

	issue := func(ip string, ttl time.Duration) (string, *auth.RefreshToken) {
		raw, token, err := store.Issue(ctx, user.ID, auth.SessionMetadata{IPAddress: ip}, ttl)
		require.NoError(t, err)
		return raw, token
	}

	_, kept := issue("192.0.2.1", time.Hour)
	revokedRaw, _ := issue("192.0.2.1", time.Hour)
	_, expiring := issue("192.0.2.1", 30*time.Minute)
	issue("192.0.2.2", time.Hour)

	require.NoError(t, store.Revoke(ctx, revokedRaw))
	f.clock.Advance(45 * time.Minute)

	listed, err := store.ListActiveSessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	count, err := store.CountActive(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, len(listed), count)

	byIP, err := store.ActiveSessionsByIP(ctx, user.ID, "192.0.2.1")
	require.NoError(t, err)
	require.Len(t, byIP, 1)
	assert.Equal(t, kept.ID, byIP[0].ID)

	active, err := store.IsSessionActive(ctx, user.ID, expiring.ID)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestVerificationTokenStoreConsume(t *testing.T) {
	f := newFixture(t, testConfig{})
	user := f.register(t, "consume@example.com")
	ctx := context.Background()
	store := f.repo.VerificationTokens()

	raw, err := store.Create(ctx, &user.ID, auth.TokenTypeResetPassword, time.Hour, "")
	require.NoError(t, err)

	mismatch, err := store.Consume(ctx, raw, auth.TokenTypeActivateAccount)
	require.NoError(t, err)
	assert.Equal(t, auth.ConsumeTypeMismatch, mismatch.Status)

	res, err := store.Consume(ctx, raw, auth.TokenTypeResetPassword)
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, user.ID, *res.Token.UserID)

	again, err := store.Consume(ctx, raw, auth.TokenTypeResetPassword)
	require.NoError(t, err)
	assert.Equal(t, auth.ConsumeAlreadyUsed, again.Status)

	missing, err := store.Consume(ctx, "not-a-token", auth.TokenTypeResetPassword)
	require.NoError(t, err)
	assert.Equal(t, auth.ConsumeNotFound, missing.Status)
	assert.Equal(t, "not_found", missing.Status.String())
}

func TestVerificationTokenStoreExpiredCode(t *testing.T) {
	f := newFixture(t, testConfig{})
	user := f.register(t, "late@example.com")
	ctx := context.Background()
	store := f.repo.VerificationTokens()

	raw, err := store.Create(ctx, &user.ID, auth.TokenTypeChangeEmail, time.Minute, "new@example.com")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)

	res, err := store.Consume(ctx, raw, auth.TokenTypeChangeEmail)
	require.NoError(t, err)
	assert.Equal(t, auth.ConsumeExpired, res.Status)
	assert.False(t, res.OK())
}

func TestVerificationTokenStoreConcurrentConsume(t *testing.T) {
	f := newFixture(t, testConfig{})
	user := f.register(t, "twice@example.com")
	ctx := context.Background()
	store := f.repo.VerificationTokens()

	raw, err := store.Create(ctx, &user.ID, auth.TokenTypeActivateAccount, time.Hour, "")
	require.NoError(t, err)

	results := make([]auth.ConsumeResult, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := store.Consume(ctx, raw, auth.TokenTypeActivateAccount)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	statuses := []auth.ConsumeStatus{results[0].Status, results[1].Status}
	assert.ElementsMatch(t, []auth.ConsumeStatus{auth.ConsumeOK, auth.ConsumeAlreadyUsed}, statuses)
}

func TestVerificationTokenStoreInvalidatePending(t *testing.T) {
	f := newFixture(t, testConfig{})
	user := f.register(t, "pending@example.com")
	ctx := context.Background()
	store := f.repo.VerificationTokens()

	older, err := store.Create(ctx, &user.ID, auth.TokenTypeResetPassword, time.Hour, "")
	require.NoError(t, err)

	n, err := store.InvalidatePendingTx(ctx, f.repo.DB(), user.ID, auth.TokenTypeResetPassword)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	res, err := store.Consume(ctx, older, auth.TokenTypeResetPassword)
	require.NoError(t, err)
	assert.Equal(t, auth.ConsumeAlreadyUsed, res.Status)
}

func TestRoleDirectoryGetOrCreate(t *testing.T) {
	f := newFixture(t, testConfig{})
	ctx := context.Background()
	roles := f.repo.Roles()

	created, err := roles.GetOrCreate(ctx, "manager")
	require.NoError(t, err)
	assert.Equal(t, "MANAGER", created.Name)
	assert.True(t, created.Active)

	again, err := roles.GetOrCreate(ctx, " Manager ")
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)

	_, err = roles.GetOrCreate(ctx, "   ")
	assert.Error(t, err)
}

func TestRoleDirectoryConcurrentGetOrCreate(t *testing.T) {
	f := newFixture(t, testConfig{})
	ctx := context.Background()

	ids := make([]uuid.UUID, 5)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			role, err := f.repo.Roles().GetOrCreate(ctx, "AUDITOR")
			if assert.NoError(t, err) {
				ids[i] = role.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	all, err := f.repo.Roles().List(ctx)
	require.NoError(t, err)
	count := 0
	for _, r := range all {
		if r.Name == "AUDITOR" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
