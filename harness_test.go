package auth_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"golang.org/x/crypto/bcrypt"

	auth "github.com/goliatone/go-auth-lifecycle"
	"github.com/goliatone/go-auth-lifecycle/persistence"
)

type testConfig struct {
	requireVerified bool
	maxAttempts     int
	cooldown        time.Duration
	refreshTTL      time.Duration
	codeTTL         time.Duration
}

func (c testConfig) GetSigningKey() string            { return testSigningKey }
func (c testConfig) GetIssuer() string                { return "test-issuer" }
func (c testConfig) GetAudience() []string            { return []string{"test-audience"} }
func (c testConfig) GetAccessTokenTTL() time.Duration { return 15 * time.Minute }
func (c testConfig) GetRequireVerified() bool         { return c.requireVerified }
func (c testConfig) GetMaxLoginAttempts() int         { return c.maxAttempts }
func (c testConfig) GetLoginCooldown() time.Duration  { return c.cooldown }
func (c testConfig) GetRefreshTokenTTL() time.Duration {
	if c.refreshTTL > 0 {
		return c.refreshTTL
	}
	return 7 * 24 * time.Hour
}
func (c testConfig) GetVerificationTTL(auth.TokenType) time.Duration { return c.codeTTL }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentMail struct {
	To       string
	Template auth.TemplateID
	Vars     map[string]any
}

type captureMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *captureMailer) Send(_ context.Context, to string, template auth.TemplateID, vars map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{To: to, Template: template, Vars: vars})
	return nil
}

// last returns the code of the most recent email with the given template.
func (m *captureMailer) last(t *testing.T, template auth.TemplateID) sentMail {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].Template == template {
			return m.sent[i]
		}
	}
	t.Fatalf("no %s email sent", template)
	return sentMail{}
}

func (m *captureMailer) code(t *testing.T, template auth.TemplateID) string {
	t.Helper()
	code, ok := m.last(t, template).Vars["code"].(string)
	require.True(t, ok)
	require.NotEmpty(t, code)
	return code
}

type recordingSink struct {
	mu     sync.Mutex
	events []auth.ActivityEvent
}

func (s *recordingSink) Record(_ context.Context, event auth.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) find(eventType auth.ActivityEventType) (auth.ActivityEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].EventType == eventType {
			return s.events[i], true
		}
	}
	return auth.ActivityEvent{}, false
}

func openTestDB(t *testing.T) *bun.DB {
	t.Helper()
	ctx := context.Background()

	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=busy_timeout(5000)", filepath.Join(t.TempDir(), "auth.db"))
	db, err := persistence.Open(ctx, persistence.Options{Driver: persistence.DriverSQLite, DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, auth.CreateSchema(ctx, db))
	return db
}

type fixture struct {
	db     *bun.DB
	repo   auth.RepositoryManager
	engine *auth.Engine
	tokens *auth.TokenServiceImpl
	mailer *captureMailer
	sink   *recordingSink
	clock  *testClock
	cfg    testConfig
}

func newFixture(t *testing.T, cfg testConfig) *fixture {
	t.Helper()

	clock := newTestClock()
	db := openTestDB(t)
	repo := auth.NewRepositoryManager(db, auth.WithClock(clock.Now))
	tokens := auth.NewTokenServiceFromConfig(cfg, nil)
	mailer := &captureMailer{}
	sink := &recordingSink{}

	engine := auth.NewEngine(repo, tokens, auth.NewBcryptHasher(bcrypt.MinCost), cfg).
		WithMailer(mailer).
		WithActivitySink(sink).
		WithClock(clock.Now)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Close(ctx)
	})

	return &fixture{
		db:     db,
		repo:   repo,
		engine: engine,
		tokens: tokens,
		mailer: mailer,
		sink:   sink,
		clock:  clock,
		cfg:    cfg,
	}
}

// flush waits for background email deliveries.
func (f *fixture) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.engine.Close(ctx))
}

const testPassword = "correct-horse-battery"

func (f *fixture) register(t *testing.T, email string) *auth.User {
	t.Helper()
	res, err := f.engine.Register(context.Background(), auth.RegisterUserMessage{
		FirstName: "Jane",
		LastName:  "Doe",
		Email:     email,
		Password:  testPassword,
	})
	require.NoError(t, err)
	require.NoError(t, res.Warning)
	return res.User
}

func (f *fixture) registerVerified(t *testing.T, email string) *auth.User {
	t.Helper()
	user := f.register(t, email)
	require.NoError(t, f.engine.VerifyAccount(context.Background(), f.mailer.code(t, auth.TemplateActivateAccount)))
	return user
}

func (f *fixture) login(t *testing.T, email, password string) *auth.TokenPair {
	t.Helper()
	pair, err := f.engine.Authenticate(context.Background(), auth.LoginMessage{
		Email:    email,
		Password: password,
		Metadata: auth.SessionMetadata{IPAddress: "203.0.113.9", UserAgent: uaFirefoxLinux},
	})
	require.NoError(t, err)
	return pair
}

func actorFor(t *testing.T, f *fixture, pair *auth.TokenPair) auth.Actor {
	t.Helper()
	claims, err := f.tokens.Validate(pair.AccessToken)
	require.NoError(t, err)
	actor, err := auth.ActorFromClaims(claims)
	require.NoError(t, err)
	return actor
}
