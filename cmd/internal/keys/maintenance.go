package keys

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Policy holds the key maintenance thresholds.
type Policy struct {
	// Interval between maintenance passes.
	Interval time.Duration
	// BatchSize is the number of available prekeys a user is replenished to.
	BatchSize int
	// LowWatermark triggers replenishment when availability drops below it.
	LowWatermark int
	// Rotation is the maximum age of the current signed prekey.
	Rotation time.Duration
	// Retention is how long retired signed prekeys stay decryptable.
	Retention time.Duration
}

// DefaultPolicy returns the production thresholds.
func DefaultPolicy() Policy {
	return Policy{
		Interval:     10 * time.Minute,
		BatchSize:    DefaultPrekeyCount,
		LowWatermark: 20,
		Rotation:     7 * 24 * time.Hour,
		Retention:    30 * 24 * time.Hour,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.Interval <= 0 {
		p.Interval = d.Interval
	}
	if p.BatchSize <= 0 || p.BatchSize > MaxPrekeyBatch {
		p.BatchSize = d.BatchSize
	}
	if p.LowWatermark <= 0 || p.LowWatermark > p.BatchSize {
		p.LowWatermark = min(d.LowWatermark, p.BatchSize)
	}
	if p.Rotation <= 0 {
		p.Rotation = d.Rotation
	}
	if p.Retention <= 0 {
		p.Retention = d.Retention
	}
	return p
}

// Metrics are the Prometheus collectors for key maintenance.
type Metrics struct {
	PrekeysGenerated prometheus.Counter
	SignedRotations  prometheus.Counter
	SignedPruned     prometheus.Counter
	PassErrors       prometheus.Counter
}

// NewMetrics creates and registers key metrics. A nil registerer skips registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PrekeysGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigma", Subsystem: "keys", Name: "prekeys_generated_total",
			Help: "One-time prekeys generated by maintenance.",
		}),
		SignedRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigma", Subsystem: "keys", Name: "signed_prekey_rotations_total",
			Help: "Signed prekeys rotated by maintenance.",
		}),
		SignedPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigma", Subsystem: "keys", Name: "signed_prekeys_pruned_total",
			Help: "Retired signed prekeys deleted after retention.",
		}),
		PassErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigma", Subsystem: "keys", Name: "maintenance_errors_total",
			Help: "Per-user maintenance failures.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.PrekeysGenerated, m.SignedRotations, m.SignedPruned, m.PassErrors)
	}
	return m
}

// Maintainer replenishes one-time prekeys and rotates signed prekeys for every
// hosted user.
type Maintainer struct {
	svc     *Service
	policy  Policy
	log     *slog.Logger
	metrics *Metrics
}

func NewMaintainer(svc *Service, policy Policy, metrics *Metrics, log *slog.Logger) *Maintainer {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Maintainer{svc: svc, policy: policy.normalized(), log: log, metrics: metrics}
}

// Run performs a pass immediately and then every Interval until ctx is done.
func (m *Maintainer) Run(ctx context.Context) error {
	t := time.NewTicker(m.policy.Interval)
	defer t.Stop()

	for {
		if err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("keys.maintenance.failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// RunOnce performs one maintenance pass. Per-user failures are logged and
// counted; the joined error is returned after every user was visited.
func (m *Maintainer) RunOnce(ctx context.Context) error {
	users, err := m.svc.store.ListUsers(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.maintainUser(ctx, userID); err != nil {
			m.metrics.PassErrors.Inc()
			m.log.Warn("keys.maintenance.user_failed", "user_id", userID, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Maintainer) maintainUser(ctx context.Context, userID string) error {
	avail, err := m.svc.CountAvailablePrekeys(ctx, userID)
	if err != nil {
		return err
	}
	if avail < m.policy.LowWatermark {
		n := m.policy.BatchSize - avail
		if _, err := m.svc.GeneratePrekeys(ctx, userID, n); err != nil {
			return err
		}
		m.metrics.PrekeysGenerated.Add(float64(n))
		m.log.Info("keys.prekeys.replenished", "user_id", userID, "available", avail, "generated", n)
	}

	now := m.svc.now()
	spk, err := m.svc.store.CurrentSignedPrekey(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		if _, err := m.svc.GenerateSignedPrekey(ctx, userID); err != nil {
			return err
		}
		m.metrics.SignedRotations.Inc()
	case err != nil:
		return err
	case now.Sub(spk.CreatedAt) >= m.policy.Rotation:
		if _, err := m.svc.GenerateSignedPrekey(ctx, userID); err != nil {
			return err
		}
		m.metrics.SignedRotations.Inc()
	}

	pruned, err := m.svc.store.PruneSignedPrekeys(ctx, userID, now.Add(-m.policy.Retention))
	if err != nil {
		return err
	}
	if pruned > 0 {
		m.metrics.SignedPruned.Add(float64(pruned))
		m.log.Info("keys.signed_prekeys.pruned", "user_id", userID, "count", pruned)
	}
	return nil
}
