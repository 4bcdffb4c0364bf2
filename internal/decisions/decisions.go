// Package decisions implements the Decision Lifecycle (§4.6), the hardest
// subsystem: request/claim/renew_claim/render with exactly-one-winner CAS
// semantics and a short-TTL advisory claim lease. Grounded on
// internal/engine.ClaimLease/ReleaseLease's lease acquire/renew/release
// idiom (ON CONFLICT upsert over a TTL row), generalized into the render
// CAS the teacher has no analogue for; the CAS itself follows the
// single-row UPDATE...WHERE + RowsAffected check pattern used throughout
// the teacher's repo.go.
package decisions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coordline-dev/coordline/internal/access"
	"github.com/coordline-dev/coordline/internal/cards"
	"github.com/coordline-dev/coordline/internal/domain"
	"github.com/coordline-dev/coordline/internal/eventlog"
	"github.com/coordline-dev/coordline/internal/ids"
)

const (
	Pending  = "PENDING"
	Claimed  = "CLAIMED"
	Rendered = "RENDERED"
	Expired  = "EXPIRED"
)

const SystemSweeper = "system:sweeper"

var urgencyRank = map[string]int{"now": 0, "today": 1, "whenever": 2}

// Errors matching the taxonomy in §7.
var (
	ErrInvalidOptions  = errors.New("options must be non-empty with unique keys")
	ErrInvalidFallback = errors.New("fallback_option must match one of options[*].key")
)

type InvalidOptionError struct{ OptionKey string }

func (e InvalidOptionError) Error() string { return fmt.Sprintf("option %q is not valid for this decision", e.OptionKey) }

type NotClaimableError struct{ State string }

func (e NotClaimableError) Error() string { return fmt.Sprintf("decision not claimable in state %s", e.State) }

type NotYourClaimError struct{ DecisionID string }

func (e NotYourClaimError) Error() string { return fmt.Sprintf("decision %s is not claimed by caller", e.DecisionID) }

type NotFoundError struct{ DecisionID string }

func (e NotFoundError) Error() string { return fmt.Sprintf("decision %s not found", e.DecisionID) }

// RequestOptions is the input to Request (request_decision).
type RequestOptions struct {
	TenantID      string
	ProjectID     string
	CardID        string
	CommandID     string
	RunID         string
	CorrelationID string
	Urgency       string
	Title         string
	ContextSummary string
	Options       []domain.DecisionOption
	ArtifactRefs  []string
	SourceThread  string
	ExpiresAt     int64
	FallbackOption string
}

func validateOptions(opts []domain.DecisionOption, fallback string) error {
	if len(opts) == 0 {
		return ErrInvalidOptions
	}
	seen := map[string]bool{}
	for _, o := range opts {
		if o.Key == "" || seen[o.Key] {
			return ErrInvalidOptions
		}
		seen[o.Key] = true
	}
	if fallback != "" && !seen[fallback] {
		return ErrInvalidFallback
	}
	return nil
}

// Request implements request_decision.
func Request(ctx context.Context, tx *sql.Tx, log eventlog.Log, opts RequestOptions) (domain.Decision, error) {
	if err := validateOptions(opts.Options, opts.FallbackOption); err != nil {
		return domain.Decision{}, err
	}
	optionsJSON, err := json.Marshal(opts.Options)
	if err != nil {
		return domain.Decision{}, err
	}
	refsJSON, _ := json.Marshal(opts.ArtifactRefs)

	decisionID := ids.New("dec", log.Now())
	evt, err := log.Append(ctx, tx, eventlog.NewEvent{
		TenantID:      opts.TenantID,
		ProjectID:     opts.ProjectID,
		Type:          "DecisionRequested",
		Version:       1,
		CorrelationID: opts.CorrelationID,
		CardID:        opts.CardID,
		CommandID:     opts.CommandID,
		RunID:         opts.RunID,
		DecisionID:    decisionID,
		Payload: map[string]any{
			"decision_id":     decisionID,
			"urgency":         opts.Urgency,
			"title":           opts.Title,
			"options":         opts.Options,
			"context_summary": opts.ContextSummary,
			"artifact_refs":   opts.ArtifactRefs,
			"source_thread":   opts.SourceThread,
			"expires_at":      opts.ExpiresAt,
			"fallback_option": opts.FallbackOption,
			"run_id":          opts.RunID,
		},
	})
	if err != nil {
		return domain.Decision{}, err
	}

	d := domain.Decision{
		DecisionID:       decisionID,
		TenantID:         opts.TenantID,
		ProjectID:        opts.ProjectID,
		CardID:           opts.CardID,
		CommandID:        opts.CommandID,
		RunID:            opts.RunID,
		CorrelationID:    opts.CorrelationID,
		State:            Pending,
		Urgency:          opts.Urgency,
		Title:            opts.Title,
		ContextSummary:   opts.ContextSummary,
		Options:          opts.Options,
		ArtifactRefsJSON: string(refsJSON),
		SourceThread:     opts.SourceThread,
		RequestedAt:      evt.TS,
		ExpiresAt:        opts.ExpiresAt,
		FallbackOption:   opts.FallbackOption,
		LastEventID:      evt.ID,
	}
	if err := insertTx(ctx, tx, d, string(optionsJSON)); err != nil {
		return domain.Decision{}, err
	}

	if opts.CardID != "" {
		card, err := cards.GetTx(ctx, tx, opts.CardID)
		if err != nil {
			return domain.Decision{}, err
		}
		if card.State == cards.Running {
			if _, err := cards.Transition(ctx, tx, log, opts.CardID, cards.NeedsDecision, cards.TransitionOptions{
				DecisionID: decisionID, CausationID: evt.ID, Reason: "decision requested",
			}); err != nil {
				return domain.Decision{}, err
			}
		}
	}
	return d, nil
}

// ClaimResult mirrors the structured, non-error outcomes §4.6/§7 require.
type ClaimResult struct {
	Status       string `json:"status"`
	ClaimedBy    string `json:"claimed_by,omitempty"`
	ClaimedUntil int64  `json:"claimed_until,omitempty"`
}

// Claim implements claim_decision. Caller and tx together provide the
// per-row serialization §5 relies on for CAS correctness.
func Claim(ctx context.Context, tx *sql.Tx, log eventlog.Log, projectID, decisionID, caller string, ttlMS int64) (ClaimResult, error) {
	d, err := getTx(ctx, tx, decisionID)
	if err != nil {
		return ClaimResult{}, err
	}
	if err := access.RequireScope("decision", decisionID, d.ProjectID, projectID); err != nil {
		return ClaimResult{}, err
	}
	if d.State != Pending && d.State != Claimed {
		return ClaimResult{}, NotClaimableError{State: d.State}
	}
	now := log.Now()
	if d.State == Claimed && d.ClaimedBy != "" && d.ClaimedBy != caller && d.ClaimedUntil > now {
		return ClaimResult{Status: "already_claimed", ClaimedBy: d.ClaimedBy, ClaimedUntil: d.ClaimedUntil}, nil
	}

	claimedUntil := now + ttlMS
	evt, err := log.Append(ctx, tx, eventlog.NewEvent{
		TenantID:      d.TenantID,
		ProjectID:     d.ProjectID,
		Type:          "DecisionClaimed",
		Version:       1,
		CorrelationID: d.CommandID,
		CardID:        d.CardID,
		CommandID:     d.CommandID,
		DecisionID:    d.DecisionID,
		Payload: map[string]any{
			"decision_id":   d.DecisionID,
			"claimed_by":    caller,
			"claimed_until": claimedUntil,
		},
	})
	if err != nil {
		return ClaimResult{}, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE decisions SET state=?, claimed_by=?, claimed_until=?, last_event_id=? WHERE decision_id=?`,
		Claimed, caller, claimedUntil, evt.ID, decisionID)
	if err != nil {
		return ClaimResult{}, err
	}
	return ClaimResult{Status: "claimed", ClaimedUntil: claimedUntil}, nil
}

// RenewClaim implements renew_claim. No event is emitted: renewals are
// high-frequency, low-signal per §4.6.
func RenewClaim(ctx context.Context, tx *sql.Tx, now func() int64, projectID, decisionID, caller string, ttlMS int64) error {
	d, err := getTx(ctx, tx, decisionID)
	if err != nil {
		return err
	}
	if err := access.RequireScope("decision", decisionID, d.ProjectID, projectID); err != nil {
		return err
	}
	if d.State != Claimed || d.ClaimedBy != caller {
		return NotYourClaimError{DecisionID: decisionID}
	}
	claimedUntil := now() + ttlMS
	_, err = tx.ExecContext(ctx, `UPDATE decisions SET claimed_until=? WHERE decision_id=?`, claimedUntil, decisionID)
	return err
}

// RenderResult mirrors the non-error outcomes of render_decision.
type RenderResult struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Render implements render_decision's five-step CAS exactly as specified
// in §4.6. It is the exactly-one-winner point of the whole system.
func Render(ctx context.Context, tx *sql.Tx, log eventlog.Log, projectID, decisionID, optionKey, note, caller string) (RenderResult, error) {
	d, err := getTx(ctx, tx, decisionID)
	if err != nil {
		return RenderResult{}, err
	}
	if err := access.RequireScope("decision", decisionID, d.ProjectID, projectID); err != nil {
		return RenderResult{}, err
	}

	if d.State != Pending && d.State != Claimed {
		if _, aerr := log.Append(ctx, tx, eventlog.NewEvent{
			TenantID: d.TenantID, ProjectID: d.ProjectID, Type: "DecisionRenderRejected", Version: 1,
			CorrelationID: d.CommandID, DecisionID: d.DecisionID, CommandID: d.CommandID,
			Payload: map[string]any{"decision_id": d.DecisionID, "attempted_option": optionKey, "attempted_by": caller, "current_state": d.State},
		}); aerr != nil {
			return RenderResult{}, aerr
		}
		return RenderResult{Status: "rejected", Reason: fmt.Sprintf("already resolved (%s)", d.State)}, nil
	}

	if d.State == Claimed && d.ClaimedBy != caller {
		if _, aerr := log.Append(ctx, tx, eventlog.NewEvent{
			TenantID: d.TenantID, ProjectID: d.ProjectID, Type: "DecisionRenderRejected", Version: 1,
			CorrelationID: d.CommandID, DecisionID: d.DecisionID, CommandID: d.CommandID,
			Payload: map[string]any{"decision_id": d.DecisionID, "attempted_option": optionKey, "attempted_by": caller, "reason": "claimed_by_another"},
		}); aerr != nil {
			return RenderResult{}, aerr
		}
		return RenderResult{Status: "rejected", Reason: "claimed_by_another"}, nil
	}

	var value any
	found := false
	for _, o := range d.Options {
		if o.Key == optionKey {
			found = true
			value = o.Value
			break
		}
	}
	if !found {
		return RenderResult{}, InvalidOptionError{OptionKey: optionKey}
	}

	now := log.Now()
	valueJSON, _ := json.Marshal(value)
	evt, err := log.Append(ctx, tx, eventlog.NewEvent{
		TenantID: d.TenantID, ProjectID: d.ProjectID, Type: "DecisionRendered", Version: 1,
		CorrelationID: d.CommandID, DecisionID: d.DecisionID, CommandID: d.CommandID,
		Payload: map[string]any{"decision_id": d.DecisionID, "selected_option": optionKey, "selected_value": value, "rendered_by": caller, "note": note},
	})
	if err != nil {
		return RenderResult{}, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE decisions SET state=?, rendered_option=?, rendered_value_json=?, rendered_by=?,
		rendered_at=?, claimed_by=NULL, claimed_until=NULL, last_event_id=? WHERE decision_id=?`,
		Rendered, optionKey, string(valueJSON), caller, now, evt.ID, decisionID)
	if err != nil {
		return RenderResult{}, err
	}

	if d.CardID != "" {
		linked, err := CardLinked(ctx, tx, d.CardID)
		if err != nil {
			return RenderResult{}, err
		}
		if linked {
			if _, err := cards.Transition(ctx, tx, log, d.CardID, cards.Running, cards.TransitionOptions{
				DecisionID: d.DecisionID, CausationID: evt.ID, Reason: "decision rendered",
			}); err != nil {
				return RenderResult{}, err
			}
		}
	}
	return RenderResult{Status: "rendered"}, nil
}

// ApplyFallback renders a decision with its fallback option on behalf of
// the system (sweeper expiry or load-shed paths). It performs the same
// atomic patch as Render's step 5 but always succeeds (the caller already
// checked the decision is in a resolvable state) and is attributed to
// SystemSweeper.
func ApplyFallback(ctx context.Context, tx *sql.Tx, log eventlog.Log, d domain.Decision, note string) error {
	now := log.Now()
	evt, err := log.Append(ctx, tx, eventlog.NewEvent{
		TenantID: d.TenantID, ProjectID: d.ProjectID, Type: "DecisionRendered", Version: 1,
		CorrelationID: d.CommandID, DecisionID: d.DecisionID, CommandID: d.CommandID,
		Payload: map[string]any{"decision_id": d.DecisionID, "selected_option": d.FallbackOption, "rendered_by": SystemSweeper, "note": note},
	})
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE decisions SET state=?, rendered_option=?, rendered_by=?, rendered_at=?,
		claimed_by=NULL, claimed_until=NULL, last_event_id=? WHERE decision_id=?`,
		Rendered, d.FallbackOption, SystemSweeper, now, evt.ID, d.DecisionID)
	return err
}

// MarkExpired patches a decision to EXPIRED without a fallback.
func MarkExpired(ctx context.Context, tx *sql.Tx, eventID string, d domain.Decision) error {
	_, err := tx.ExecContext(ctx, `UPDATE decisions SET state=?, claimed_by=NULL, claimed_until=NULL, last_event_id=? WHERE decision_id=?`,
		Expired, eventID, d.DecisionID)
	return err
}

// ReclaimExpiredClaim patches a decision back to PENDING, clearing the
// claim, for the Sweeper's phase 3.
func ReclaimExpiredClaim(ctx context.Context, tx *sql.Tx, eventID string, decisionID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE decisions SET state=?, claimed_by=NULL, claimed_until=NULL, last_event_id=? WHERE decision_id=?`,
		Pending, eventID, decisionID)
	return err
}

// ExtendExpiry pushes out expires_at, used by the load-shed path when a
// whenever-urgency decision has no fallback.
func ExtendExpiry(ctx context.Context, tx *sql.Tx, decisionID string, newExpiresAt int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE decisions SET expires_at=? WHERE decision_id=?`, newExpiresAt, decisionID)
	return err
}

// PendingDecisions returns PENDING ∪ CLAIMED decisions in a project, sorted by
// urgency rank then requested_at ascending, implementing pending_decisions.
func PendingDecisions(ctx context.Context, db *sql.DB, projectID, urgency string) ([]domain.Decision, error) {
	query := decisionSelect + ` WHERE project_id=? AND state IN ('PENDING','CLAIMED')`
	args := []any{projectID}
	if urgency != "" {
		query += ` AND urgency=?`
		args = append(args, urgency)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out, err := collect(rows)
	if err != nil {
		return nil, err
	}
	sortByUrgencyThenRequestedAt(out)
	return out, nil
}

func sortByUrgencyThenRequestedAt(ds []domain.Decision) {
	for i := 1; i < len(ds); i++ {
		for j := i; j > 0; j-- {
			a, b := ds[j-1], ds[j]
			if urgencyRank[a.Urgency] > urgencyRank[b.Urgency] ||
				(urgencyRank[a.Urgency] == urgencyRank[b.Urgency] && a.RequestedAt > b.RequestedAt) {
				ds[j-1], ds[j] = ds[j], ds[j-1]
				continue
			}
			break
		}
	}
}

// ExpiredPending returns decisions in PENDING/CLAIMED whose expires_at has
// elapsed, for the Sweeper's phase 2.
func ExpiredPending(ctx context.Context, db *sql.DB, nowMS int64) ([]domain.Decision, error) {
	rows, err := db.QueryContext(ctx, decisionSelect+` WHERE state IN ('PENDING','CLAIMED') AND expires_at IS NOT NULL AND expires_at<=?`, nowMS)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// ExpiredClaims returns CLAIMED decisions whose claimed_until has elapsed,
// for the Sweeper's phase 3.
func ExpiredClaims(ctx context.Context, db *sql.DB, nowMS int64) ([]domain.Decision, error) {
	rows, err := db.QueryContext(ctx, decisionSelect+` WHERE state=? AND claimed_until IS NOT NULL AND claimed_until<?`, Claimed, nowMS)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// NowUrgencyBacklog counts PENDING/CLAIMED now-urgency decisions per
// project, for the Sweeper's load-shed phase.
func NowUrgencyBacklog(ctx context.Context, db *sql.DB) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT project_id, count(*) FROM decisions
		WHERE urgency='now' AND state IN ('PENDING','CLAIMED') GROUP BY project_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var p string
		var n int
		if err := rows.Scan(&p, &n); err != nil {
			return nil, err
		}
		out[p] = n
	}
	return out, rows.Err()
}

// WheneverPending returns PENDING whenever-urgency decisions for a project,
// for the Sweeper's load-shed phase.
func WheneverPending(ctx context.Context, db *sql.DB, projectID string) ([]domain.Decision, error) {
	rows, err := db.QueryContext(ctx, decisionSelect+` WHERE project_id=? AND urgency='whenever' AND state='PENDING'`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func insertTx(ctx context.Context, tx *sql.Tx, d domain.Decision, optionsJSON string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO decisions
		(decision_id, tenant_id, project_id, card_id, command_id, run_id, correlation_id, state, urgency,
		 title, context_summary, options_json, artifact_refs_json, source_thread, requested_at, expires_at,
		 fallback_option, last_event_id)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.DecisionID, d.TenantID, d.ProjectID, d.CardID, d.CommandID, nullable(d.RunID), d.CorrelationID, d.State,
		d.Urgency, d.Title, nullable(d.ContextSummary), optionsJSON, nullable(d.ArtifactRefsJSON), nullable(d.SourceThread),
		d.RequestedAt, nullableTS(d.ExpiresAt), nullable(d.FallbackOption), d.LastEventID)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTS(ts int64) any {
	if ts == 0 {
		return nil
	}
	return ts
}

const decisionSelect = `SELECT decision_id, tenant_id, project_id, card_id, command_id, COALESCE(run_id,''),
	correlation_id, state, urgency, title, COALESCE(context_summary,''), options_json,
	COALESCE(artifact_refs_json,''), COALESCE(source_thread,''), requested_at, COALESCE(expires_at,0),
	COALESCE(fallback_option,''), COALESCE(claimed_by,''), COALESCE(claimed_until,0), COALESCE(rendered_option,''),
	COALESCE(rendered_value_json,''), COALESCE(rendered_by,''), COALESCE(rendered_at,0), last_event_id FROM decisions`

func scanDecision(row interface{ Scan(...any) error }) (domain.Decision, error) {
	var d domain.Decision
	var optionsJSON string
	err := row.Scan(&d.DecisionID, &d.TenantID, &d.ProjectID, &d.CardID, &d.CommandID, &d.RunID, &d.CorrelationID,
		&d.State, &d.Urgency, &d.Title, &d.ContextSummary, &optionsJSON, &d.ArtifactRefsJSON, &d.SourceThread,
		&d.RequestedAt, &d.ExpiresAt, &d.FallbackOption, &d.ClaimedBy, &d.ClaimedUntil, &d.RenderedOption,
		&d.RenderedValueJSON, &d.RenderedBy, &d.RenderedAt, &d.LastEventID)
	if err == sql.ErrNoRows {
		return d, err
	}
	if err != nil {
		return d, err
	}
	_ = json.Unmarshal([]byte(optionsJSON), &d.Options)
	return d, nil
}

func getTx(ctx context.Context, tx *sql.Tx, id string) (domain.Decision, error) {
	row := tx.QueryRowContext(ctx, decisionSelect+` WHERE decision_id=?`, id)
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return d, NotFoundError{DecisionID: id}
	}
	return d, err
}

// Get fetches a decision outside any transaction, for read-only handlers
// (decision_detail, pending_decisions's per-row expansion).
func Get(ctx context.Context, db *sql.DB, id string) (domain.Decision, error) {
	row := db.QueryRowContext(ctx, decisionSelect+` WHERE decision_id=?`, id)
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return d, NotFoundError{DecisionID: id}
	}
	return d, err
}

func collect(rows *sql.Rows) ([]domain.Decision, error) {
	var out []domain.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CardLinked reports whether a card is currently NEEDS_DECISION, used by
// the Sweeper to decide whether to transition it after resolving a decision.
func CardLinked(ctx context.Context, tx *sql.Tx, cardID string) (bool, error) {
	card, err := cards.GetTx(ctx, tx, cardID)
	if err != nil {
		return false, err
	}
	return card.State == cards.NeedsDecision, nil
}
