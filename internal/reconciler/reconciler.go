// Package reconciler runs the background sweeps spec.md §5 requires:
// expiring sessions that never got a StartTransaction, force-failing
// sessions that ran far longer than any reservation should allow, and
// expiring stale pending invoices. Only one process instance runs
// these at a time, arbitrated by an internal/bus lock so a multi-pod
// deployment doesn't double-refund.
//
// Grounded on the teacher's ticker-driven background-goroutine idiom
// (internal/cache.LRUCache.cleanupWorker,
// internal/transport/websocket.Manager.cleanupRoutine), generalized to
// two independent tickers gated by a leader-election lock instead of
// running unconditionally on every pod.
package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chargeplatform/control-plane/internal/bus"
	"github.com/chargeplatform/control-plane/internal/config"
	"github.com/chargeplatform/control-plane/internal/dataaccess"
	"github.com/chargeplatform/control-plane/internal/metrics"
)

const (
	hungSessionLock = "reconciler:hung-sessions"
	invoiceLock     = "reconciler:invoices"
	lockTTL         = 2 * time.Minute
	// sweepDeadline bounds a single sweep pass per spec.md §5, so a
	// stuck sweep can't hold the leader lock forever.
	sweepDeadline = 5 * time.Minute
)

// Reconciler owns the two leader-elected sweeps.
type Reconciler struct {
	da  dataaccess.Gateway
	bus bus.Bus
	cfg config.LifecycleConfig

	podID string
}

// New builds a Reconciler identified as podID when competing for the
// leader lock.
func New(da dataaccess.Gateway, b bus.Bus, cfg config.LifecycleConfig, podID string) *Reconciler {
	return &Reconciler{da: da, bus: b, cfg: cfg, podID: podID}
}

// Run blocks, driving both sweeps on their own tickers until ctx is
// cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	hungInterval := r.cfg.HungSessionCheckInterval
	if hungInterval <= 0 {
		hungInterval = 30 * time.Minute
	}
	invoiceInterval := r.cfg.InvoiceSweepInterval
	if invoiceInterval <= 0 {
		invoiceInterval = time.Hour
	}

	hungTicker := time.NewTicker(hungInterval)
	defer hungTicker.Stop()
	invoiceTicker := time.NewTicker(invoiceInterval)
	defer invoiceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-hungTicker.C:
			r.withLock(ctx, hungSessionLock, r.sweepHungSessions)
		case <-invoiceTicker.C:
			r.withLock(ctx, invoiceLock, r.sweepExpiredInvoices)
		}
	}
}

// withLock acquires name for the duration of fn, bounded by
// sweepDeadline, and releases it afterward. If another pod holds the
// lock, it logs and returns without running fn.
func (r *Reconciler) withLock(parent context.Context, name string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(parent, sweepDeadline)
	defer cancel()

	token, ok, err := r.bus.AcquireLock(ctx, name, lockTTL)
	if err != nil {
		log.Error().Err(err).Str("lock", name).Msg("reconciler: failed to acquire lock")
		metrics.ReconcilerSweeps.WithLabelValues(name, "lock_error").Inc()
		return
	}
	if !ok {
		log.Debug().Str("lock", name).Str("pod_id", r.podID).Msg("reconciler: lock held elsewhere, skipping sweep")
		return
	}
	metrics.ReconcilerLeader.Set(1)
	defer func() {
		metrics.ReconcilerLeader.Set(0)
		if err := r.bus.ReleaseLock(context.Background(), name, token); err != nil {
			log.Warn().Err(err).Str("lock", name).Msg("reconciler: failed to release lock")
		}
	}()

	stop := r.renewInBackground(ctx, name, token)
	defer close(stop)

	fn(ctx)
	metrics.ReconcilerSweeps.WithLabelValues(name, "ok").Inc()
}

// renewInBackground keeps the lock alive while a sweep runs longer
// than lockTTL, so a slow sweep doesn't lose the lock to another pod
// mid-sweep.
func (r *Reconciler) renewInBackground(ctx context.Context, name, token string) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(lockTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.bus.RenewLock(ctx, name, token, lockTTL); err != nil {
					log.Warn().Err(err).Str("lock", name).Msg("reconciler: failed to renew lock")
				}
			}
		}
	}()
	return stop
}

// sweepHungSessions expires sessions stuck in "starting" past the
// no-transaction grace period and force-fails sessions that have been
// "active" far longer than any reasonable charge should run,
// refunding the unconsumed reservation in both cases. Covers
// spec.md §8's no-plug-timeout scenario.
func (r *Reconciler) sweepHungSessions(ctx context.Context) {
	now := time.Now()

	starting, err := r.da.ListHungStartingSessions(ctx, now.Add(-r.cfg.HungSessionNoTxGrace))
	if err != nil {
		log.Error().Err(err).Msg("reconciler: failed to list hung starting sessions")
	} else {
		for _, sess := range starting {
			if err := r.da.ExpireHungSession(ctx, sess.ID); err != nil {
				log.Error().Err(err).Str("session_id", sess.ID).Msg("reconciler: failed to expire hung session")
				continue
			}
			log.Info().Str("session_id", sess.ID).Str("station_id", sess.StationID).Msg("reconciler: expired hung session with no transaction")
		}
	}

	active, err := r.da.ListLongRunningActiveSessions(ctx, now.Add(-r.cfg.HungSessionMaxActive))
	if err != nil {
		log.Error().Err(err).Msg("reconciler: failed to list long-running active sessions")
		return
	}
	for _, sess := range active {
		refund := sess.ReservedAmount - sess.AmountCharged
		if refund < 0 {
			refund = 0
		}
		if err := r.da.ForceFailSession(ctx, sess.ID, refund); err != nil {
			log.Error().Err(err).Str("session_id", sess.ID).Msg("reconciler: failed to force-fail long-running session")
			continue
		}
		log.Warn().Str("session_id", sess.ID).Str("station_id", sess.StationID).Int64("refund", refund).Msg("reconciler: force-failed long-running session")
	}
}

// sweepExpiredInvoices expires pending invoices past their TTL so a
// pending top-up doesn't sit forever if the provider never calls back.
// A late webhook that arrives after expiry still credits the client
// and flips the invoice back to approved — approval is terminal and
// monotonic over expiry, per spec.md §8 Scenario 5.
func (r *Reconciler) sweepExpiredInvoices(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.InvoiceExpiry)
	n, err := r.da.ExpirePendingInvoices(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("reconciler: failed to expire pending invoices")
		return
	}
	if n > 0 {
		log.Info().Int("count", n).Msg("reconciler: expired stale pending invoices")
	}
}
