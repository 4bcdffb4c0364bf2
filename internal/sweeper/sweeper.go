// Package sweeper implements the periodic four-phase liveness pass (§4.8):
// release retries, expire decisions, reclaim expired claims, load-shed
// whenever-urgency backlog. Grounded on the teacher's lease-expiry check in
// internal/engine.ReleaseLease for the reclaim phase, and
// roach88-nysm's internal/engine/quota.go backlog-threshold idea for the
// load-shed phase, which the teacher itself has no analogue for.
package sweeper

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/coordline-dev/coordline/internal/cards"
	"github.com/coordline-dev/coordline/internal/decisions"
	"github.com/coordline-dev/coordline/internal/domain"
	"github.com/coordline-dev/coordline/internal/eventlog"
)

const oneDayMS = int64(24 * time.Hour / time.Millisecond)

// Thresholds configures the load-shed phase. Defaults per §4.8/§6.
type Thresholds struct {
	DeferCount     int
	EmergencyCount int
}

func DefaultThresholds() Thresholds { return Thresholds{DeferCount: 2, EmergencyCount: 5} }

// Sweeper owns the DB and Event Log used by every phase.
type Sweeper struct {
	DB         *sql.DB
	Log        eventlog.Log
	Thresholds Thresholds
	Logger     *slog.Logger
}

func New(db *sql.DB, log eventlog.Log, thresholds Thresholds, logger *slog.Logger) Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return Sweeper{DB: db, Log: log, Thresholds: thresholds, Logger: logger}
}

// Report summarizes one pass, returned for /v0/sweep and `proofctl sweep run`.
type Report struct {
	RetriesReleased  int
	DecisionsExpired int
	ClaimsReclaimed  int
	DecisionsDeferred int
	ProjectsAtEmergency []string
}

// RunOnce performs one sweep pass, each item in its own transaction. An
// error in one phase does not stop the later phases: all four run, and the
// first error is returned alongside the report.
func (s Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	var firstErr error
	now := s.Log.Now()

	n, err := s.releaseRetries(ctx, now)
	if err != nil && firstErr == nil {
		firstErr = err
	}
	report.RetriesReleased = n

	n, err = s.expireDecisions(ctx, now)
	if err != nil && firstErr == nil {
		firstErr = err
	}
	report.DecisionsExpired = n

	n, err = s.reclaimExpiredClaims(ctx, now)
	if err != nil && firstErr == nil {
		firstErr = err
	}
	report.ClaimsReclaimed = n

	deferred, emergency, err := s.loadShed(ctx, now)
	if err != nil && firstErr == nil {
		firstErr = err
	}
	report.DecisionsDeferred = deferred
	report.ProjectsAtEmergency = emergency

	if err := s.recordSweepState(ctx, now); err != nil {
		return report, err
	}

	return report, firstErr
}

// recordSweepState stamps every project with this pass's timestamp, the
// last-swept-at reading `GET /projects/{project_id}/status` reports.
func (s Sweeper) recordSweepState(ctx context.Context, now int64) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sweep_state (project_id, last_swept_ts)
		SELECT project_id, ? FROM projects
		ON CONFLICT(project_id) DO UPDATE SET last_swept_ts = excluded.last_swept_ts`, now)
	return err
}

// Run drives RunOnce on a ticker until ctx is canceled, the default
// in-process scheduler named in SPEC_FULL.md §12.
func (s Sweeper) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.Logger.Error("sweep.failed", "error", err)
			}
		}
	}
}

func (s Sweeper) releaseRetries(ctx context.Context, now int64) (int, error) {
	due, err := cards.DueForRetryRelease(ctx, s.DB, now)
	if err != nil {
		return 0, err
	}
	count := 0
	var firstErr error
	for _, c := range due {
		err := withTx(ctx, s.DB, func(tx *sql.Tx) error {
			_, err := cards.Transition(ctx, tx, s.Log, c.CardID, cards.Ready, cards.TransitionOptions{
				Reason: "retry timer fired",
			})
			return err
		})
		if err != nil {
			s.Logger.Error("sweep.release_retries.item_failed", "card_id", c.CardID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		count++
	}
	return count, firstErr
}

func (s Sweeper) expireDecisions(ctx context.Context, now int64) (int, error) {
	expired, err := decisions.ExpiredPending(ctx, s.DB, now)
	if err != nil {
		return 0, err
	}
	count := 0
	var firstErr error
	for _, d := range expired {
		err := withTx(ctx, s.DB, func(tx *sql.Tx) error {
			return s.expireOne(ctx, tx, d, "expiration")
		})
		if err != nil {
			s.Logger.Error("sweep.expire_decisions.item_failed", "decision_id", d.DecisionID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		count++
	}
	return count, firstErr
}

// expireOne applies §4.8 phase 2's fallback-or-terminal branch to a single
// decision, inside the caller's transaction.
func (s Sweeper) expireOne(ctx context.Context, tx *sql.Tx, d domain.Decision, reasonSuffix string) error {
	evt, err := s.Log.Append(ctx, tx, eventlog.NewEvent{
		TenantID: d.TenantID, ProjectID: d.ProjectID, Type: "DecisionExpired", Version: 1,
		CorrelationID: d.CommandID, DecisionID: d.DecisionID, CommandID: d.CommandID,
		Payload: map[string]any{"decision_id": d.DecisionID, "had_fallback": d.FallbackOption != ""},
	})
	if err != nil {
		return err
	}

	if d.FallbackOption != "" {
		if err := decisions.ApplyFallback(ctx, tx, s.Log, d, "auto-resolved via fallback on "+reasonSuffix); err != nil {
			return err
		}
		linked, err := decisions.CardLinked(ctx, tx, d.CardID)
		if err != nil {
			return err
		}
		if linked {
			if _, err := cards.Transition(ctx, tx, s.Log, d.CardID, cards.Running, cards.TransitionOptions{
				DecisionID: d.DecisionID, Reason: "decision expired, fallback applied",
			}); err != nil {
				return err
			}
		}
		return nil
	}

	if err := decisions.MarkExpired(ctx, tx, evt.ID, d); err != nil {
		return err
	}
	linked, err := decisions.CardLinked(ctx, tx, d.CardID)
	if err != nil {
		return err
	}
	if linked {
		if _, err := cards.Transition(ctx, tx, s.Log, d.CardID, cards.Failed, cards.TransitionOptions{
			DecisionID: d.DecisionID, Reason: "decision expired, no fallback",
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s Sweeper) reclaimExpiredClaims(ctx context.Context, now int64) (int, error) {
	expired, err := decisions.ExpiredClaims(ctx, s.DB, now)
	if err != nil {
		return 0, err
	}
	count := 0
	var firstErr error
	for _, d := range expired {
		err := withTx(ctx, s.DB, func(tx *sql.Tx) error {
			evt, err := s.Log.Append(ctx, tx, eventlog.NewEvent{
				TenantID: d.TenantID, ProjectID: d.ProjectID, Type: "DecisionClaimExpired", Version: 1,
				CorrelationID: d.CommandID, DecisionID: d.DecisionID, CommandID: d.CommandID,
				Payload: map[string]any{
					"decision_id":   d.DecisionID,
					"claimed_by":    d.ClaimedBy,
					"claimed_until": d.ClaimedUntil,
				},
			})
			if err != nil {
				return err
			}
			return decisions.ReclaimExpiredClaim(ctx, tx, evt.ID, d.DecisionID)
		})
		if err != nil {
			s.Logger.Error("sweep.reclaim_claims.item_failed", "decision_id", d.DecisionID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		count++
	}
	return count, firstErr
}

func (s Sweeper) loadShed(ctx context.Context, now int64) (deferred int, atEmergency []string, err error) {
	backlog, err := decisions.NowUrgencyBacklog(ctx, s.DB)
	if err != nil {
		return 0, nil, err
	}
	var firstErr error
	for projectID, count := range backlog {
		if count > s.Thresholds.EmergencyCount {
			s.Logger.Warn("sweep.emergency", "project_id", projectID, "now_backlog", count, "threshold", s.Thresholds.EmergencyCount)
			atEmergency = append(atEmergency, projectID)
		}
		if count <= s.Thresholds.DeferCount {
			continue
		}
		pending, err := decisions.WheneverPending(ctx, s.DB, projectID)
		if err != nil {
			s.Logger.Error("sweep.load_shed.project_failed", "project_id", projectID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, d := range pending {
			err := withTx(ctx, s.DB, func(tx *sql.Tx) error {
				return s.deferOne(ctx, tx, d, now)
			})
			if err != nil {
				s.Logger.Error("sweep.load_shed.item_failed", "decision_id", d.DecisionID, "error", err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			deferred++
		}
	}
	return deferred, atEmergency, firstErr
}

func (s Sweeper) deferOne(ctx context.Context, tx *sql.Tx, d domain.Decision, now int64) error {
	if d.FallbackOption != "" {
		if _, err := s.Log.Append(ctx, tx, eventlog.NewEvent{
			TenantID: d.TenantID, ProjectID: d.ProjectID, Type: "DecisionDeferred", Version: 1,
			CorrelationID: d.CommandID, DecisionID: d.DecisionID, CommandID: d.CommandID,
			Payload: map[string]any{"decision_id": d.DecisionID, "action": "auto_resolved_with_fallback"},
		}); err != nil {
			return err
		}
		if err := decisions.ApplyFallback(ctx, tx, s.Log, d, "auto-resolved via fallback on load shed"); err != nil {
			return err
		}
		linked, err := decisions.CardLinked(ctx, tx, d.CardID)
		if err != nil {
			return err
		}
		if linked {
			_, err := cards.Transition(ctx, tx, s.Log, d.CardID, cards.Running, cards.TransitionOptions{
				DecisionID: d.DecisionID, Reason: "decision deferred, fallback applied",
			})
			return err
		}
		return nil
	}

	if _, err := s.Log.Append(ctx, tx, eventlog.NewEvent{
		TenantID: d.TenantID, ProjectID: d.ProjectID, Type: "DecisionDeferred", Version: 1,
		CorrelationID: d.CommandID, DecisionID: d.DecisionID, CommandID: d.CommandID,
		Payload: map[string]any{"decision_id": d.DecisionID, "action": "extended_expiry"},
	}); err != nil {
		return err
	}
	base := d.ExpiresAt
	if base == 0 {
		base = now
	}
	return decisions.ExtendExpiry(ctx, tx, d.DecisionID, base+oneDayMS)
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
