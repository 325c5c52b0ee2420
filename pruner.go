package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	DefaultRetention     = 720 * time.Hour
	DefaultPruneInterval = time.Hour
)

// PruneReport summarizes a single sweep.
type PruneReport struct {
	RefreshTokens      int64         `json:"refresh_tokens"`
	VerificationTokens int64         `json:"verification_tokens"`
	Duration           time.Duration `json:"duration"`
	StartedAt          time.Time     `json:"started_at"`
}

// SessionPruner periodically deletes sessions and verification codes
// that reached a terminal state. Deletes only match rows that can no
// longer be used, so sweeps may overlap with live traffic.
type SessionPruner struct {
	repo      RepositoryManager
	retention time.Duration
	interval  time.Duration
	activity  ActivitySink
	logger    Logger
	now       func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSessionPruner creates a pruner with the default retention window
// and interval.
func NewSessionPruner(repo RepositoryManager) *SessionPruner {
	return &SessionPruner{
		repo:      repo,
		retention: DefaultRetention,
		interval:  DefaultPruneInterval,
		activity:  noopActivitySink{},
		logger:    defaultLogger(),
		now:       time.Now,
	}
}

// WithRetention sets how long revoked sessions and used codes are kept.
func (p *SessionPruner) WithRetention(d time.Duration) *SessionPruner {
	if d > 0 {
		p.retention = d
	}
	return p
}

func (p *SessionPruner) WithInterval(d time.Duration) *SessionPruner {
	if d > 0 {
		p.interval = d
	}
	return p
}

func (p *SessionPruner) WithActivitySink(sink ActivitySink) *SessionPruner {
	p.activity = normalizeActivitySink(sink)
	return p
}

func (p *SessionPruner) WithLogger(logger Logger) *SessionPruner {
	if logger != nil {
		p.logger = logger
	}
	return p
}

func (p *SessionPruner) WithClock(now func() time.Time) *SessionPruner {
	if now != nil {
		p.now = now
	}
	return p
}

// Start runs a sweep right away and then on every interval until Stop
// is called or ctx ends.
func (p *SessionPruner) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return errors.New("session pruner already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go p.loop(loopCtx, p.done)

	p.logger.Info("session pruner started", "interval", p.interval, "retention", p.retention)
	return nil
}

// Stop cancels the loop and waits for an in flight sweep to return.
func (p *SessionPruner) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
	p.logger.Info("session pruner stopped")
}

func (p *SessionPruner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *SessionPruner) sweep(ctx context.Context) {
	if _, err := p.Prune(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("session prune failed", "error", err)
	}
}

// Prune runs one sweep. It is idempotent.
func (p *SessionPruner) Prune(ctx context.Context) (PruneReport, error) {
	report := PruneReport{StartedAt: p.now().UTC()}

	n, err := p.repo.RefreshTokens().DeleteStale(ctx, p.retention)
	if err != nil {
		return report, transientFailure(err, "failed to prune refresh tokens")
	}
	report.RefreshTokens = n

	n, err = p.repo.VerificationTokens().DeleteStale(ctx, p.retention)
	if err != nil {
		return report, transientFailure(err, "failed to prune verification tokens")
	}
	report.VerificationTokens = n
	report.Duration = p.now().UTC().Sub(report.StartedAt)

	p.logger.Debug("session prune complete",
		"refresh_tokens", report.RefreshTokens,
		"verification_tokens", report.VerificationTokens,
		"duration", report.Duration,
	)

	event := ActivityEvent{
		EventType:  ActivityEventPruneSweep,
		OccurredAt: p.now().UTC(),
		Metadata: map[string]any{
			"refresh_tokens":      report.RefreshTokens,
			"verification_tokens": report.VerificationTokens,
		},
	}
	if err := p.activity.Record(ctx, event); err != nil {
		p.logger.Warn("activity sink error", "event", string(event.EventType), "error", err)
	}

	return report, nil
}
