// Package metrics exposes auth activity as prometheus metrics.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	auth "github.com/goliatone/go-auth-lifecycle"
)

const DefaultNamespace = "auth"

// Sink is an auth.ActivitySink counting events by type.
type Sink struct {
	events    *prometheus.CounterVec
	pruned    *prometheus.CounterVec
	lastPrune prometheus.Gauge
	revoked   prometheus.Counter
}

var _ auth.ActivitySink = (*Sink)(nil)

// NewSink creates the collectors and registers them on reg.
func NewSink(reg prometheus.Registerer, namespace string) (*Sink, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	s := &Sink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_events_total",
			Help:      "Auth activity events by type.",
		}, []string{"event"}),
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_tokens_total",
			Help:      "Tokens deleted by the pruner by kind.",
		}, []string{"kind"}),
		lastPrune: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_prune_timestamp_seconds",
			Help:      "Unix time of the last completed prune sweep.",
		}),
		revoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_revoked_total",
			Help:      "Sessions revoked by logout, reset or admin action.",
		}),
	}

	for _, c := range []prometheus.Collector{s.events, s.pruned, s.lastPrune, s.revoked} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Record implements auth.ActivitySink.
func (s *Sink) Record(_ context.Context, event auth.ActivityEvent) error {
	s.events.WithLabelValues(string(event.EventType)).Inc()

	switch event.EventType {
	case auth.ActivityEventPruneSweep:
		s.pruned.WithLabelValues("refresh").Add(asFloat(event.Metadata["refresh_tokens"]))
		s.pruned.WithLabelValues("verification").Add(asFloat(event.Metadata["verification_tokens"]))
		s.lastPrune.Set(float64(event.OccurredAt.Unix()))
	case auth.ActivityEventLogout, auth.ActivityEventSessionRevoked:
		s.revoked.Inc()
	case auth.ActivityEventLogoutAll, auth.ActivityEventPasswordResetSuccess,
		auth.ActivityEventPasswordChanged, auth.ActivityEventEmailChanged,
		auth.ActivityEventUserStatusChanged:
		s.revoked.Add(asFloat(event.Metadata["sessions_revoked"]))
	}
	return nil
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}
