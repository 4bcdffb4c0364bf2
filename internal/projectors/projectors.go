// Package projectors holds the standalone, idempotent event-to-row-update
// functions the Replay Engine invokes to rebuild a read model from the
// event log alone (§4.2, §4.9). The live write path does not call through
// this package: cards/commands/decisions/artifacts already patch their own
// rows in the same transaction as the event append, which satisfies "same
// transaction as the append" more directly than a second indirection
// would. This package exists so replay can reconstruct those same rows
// from nothing but the ordered event stream, guarded by last_event_id so
// re-applying an already-applied event is a no-op.
package projectors

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/coordline-dev/coordline/internal/cards"
	"github.com/coordline-dev/coordline/internal/domain"
)

// Apply dispatches one event to the projector for its type. Unknown types
// (SloBreached, ReconciliationDrift — observability-only signals with no
// read model of their own) are no-ops.
func Apply(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
	switch evt.Type {
	case "CommandRequested":
		return applyCommandRequested(ctx, tx, evt)
	case "CommandStarted":
		return applyCommandStarted(ctx, tx, evt)
	case "CommandSucceeded":
		return applyCommandTerminal(ctx, tx, evt, "SUCCEEDED", "")
	case "CommandFailed":
		return applyCommandFailed(ctx, tx, evt)
	case "CommandCanceled":
		return applyCommandTerminal(ctx, tx, evt, "CANCELED", "")
	case "CommandRetryScheduled":
		return applyCommandRetryScheduled(ctx, tx, evt)
	case "CardCreated":
		return applyCardCreated(ctx, tx, evt)
	case "CardTransitioned":
		return applyCardTransitioned(ctx, tx, evt)
	case "ArtifactProduced":
		return applyArtifactProduced(ctx, tx, evt)
	case "DecisionRequested":
		return applyDecisionRequested(ctx, tx, evt)
	case "DecisionClaimed":
		return applyDecisionClaimed(ctx, tx, evt)
	case "DecisionRendered":
		return applyDecisionRendered(ctx, tx, evt)
	case "DecisionExpired":
		return applyDecisionExpired(ctx, tx, evt)
	case "DecisionClaimExpired":
		return applyDecisionClaimExpired(ctx, tx, evt)
	case "DecisionRenderRejected", "DecisionDeferred", "CommandSkippedDuplicate",
		"SloBreached", "ReconciliationDrift":
		return nil
	default:
		return nil
	}
}

func payload(evt domain.Event) map[string]any {
	var m map[string]any
	_ = json.Unmarshal([]byte(evt.PayloadJSON), &m)
	return m
}

func str(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func num(m map[string]any, key string) int64 {
	if v, ok := m[key].(float64); ok {
		return int64(v)
	}
	return 0
}

func boolv(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

// guardLaterThan reports whether the row at id (by last_event_id column)
// has already consumed an event at least as new as evt.ID, implementing
// §4.2's no-op guard. IDs are lexicographically ordered by construction
// (timestamp-prefixed), so string comparison is a valid ordering.
func guardLaterThan(ctx context.Context, tx *sql.Tx, table, idCol, id, eventID string) (skip bool, err error) {
	var lastEventID string
	err = tx.QueryRowContext(ctx, `SELECT last_event_id FROM `+table+` WHERE `+idCol+`=?`, id).Scan(&lastEventID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return lastEventID >= eventID, nil
}

func applyCommandRequested(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
	p := payload(evt)
	commandID := str(p, "command_id")
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM commands WHERE command_id=?`, commandID).Scan(&exists); err == nil {
		return nil // already projected (idempotency replay or re-run)
	} else if err != sql.ErrNoRows {
		return err
	}

	priority := 50
	if v, ok := p["priority"].(float64); ok {
		priority = int(v)
	}
	spec, _ := p["spec"].(map[string]any)
	commandType := str(spec, "command_type")
	argsJSON, _ := json.Marshal(spec["args"])
	contextJSON, _ := json.Marshal(spec["context"])
	constraintsJSON, _ := json.Marshal(spec["constraints"])

	_, err := tx.ExecContext(ctx, `INSERT INTO commands
		(command_id, tenant_id, project_id, status, last_event_id, priority, command_type, command_version,
		 args_json, context_json, constraints_json, title, correlation_id, created_ts, updated_ts)
		VALUES (?,?,?,'PENDING',?,?,?,?,?,?,?,?,?,?,?)`,
		commandID, evt.TenantID, evt.ProjectID, evt.ID, priority, commandType, str(spec, "command_version"),
		string(argsJSON), string(contextJSON), string(constraintsJSON), str(p, "title"), evt.CorrelationID, evt.TS, evt.TS)
	return err
}

func applyCommandStarted(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
	p := payload(evt)
	runID := str(p, "run_id")
	skip, err := guardLaterThan(ctx, tx, "runs", "run_id", runID, evt.ID)
	if err != nil || skip {
		return err
	}
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE run_id=?`, runID).Scan(&exists); err == nil {
		return nil
	} else if err != sql.ErrNoRows {
		return err
	}
	// CommandStarted precedes its CardTransitioned(→RUNNING), so the run's
	// attempt is the card's attempt plus the increment that transition applies.
	var attempt int
	if err := tx.QueryRowContext(ctx, `SELECT attempt FROM cards WHERE card_id=?`, evt.CardID).Scan(&attempt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO runs (run_id, tenant_id, project_id, command_id, status,
		attempt, started_ts, executor, last_event_id) VALUES (?,?,?,?,'RUNNING',?,?,?,?)`,
		runID, evt.TenantID, evt.ProjectID, evt.CommandID, attempt+1, evt.TS, str(p, "executor"), evt.ID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE commands SET status='RUNNING', latest_run_id=?, last_event_id=?, updated_ts=? WHERE command_id=? AND last_event_id<?`,
		runID, evt.ID, evt.TS, evt.CommandID, evt.ID)
	return err
}

func applyCommandTerminal(ctx context.Context, tx *sql.Tx, evt domain.Event, status, errMsg string) error {
	p := payload(evt)
	runID := str(p, "run_id")
	if runID != "" {
		skip, err := guardLaterThan(ctx, tx, "runs", "run_id", runID, evt.ID)
		if err != nil {
			return err
		}
		if !skip {
			if _, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, ended_ts=?, error=?, last_event_id=? WHERE run_id=?`,
				status, evt.TS, nullable(errMsg), evt.ID, runID); err != nil {
				return err
			}
		}
	}
	skip, err := guardLaterThan(ctx, tx, "commands", "command_id", evt.CommandID, evt.ID)
	if err != nil || skip {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE commands SET status=?, last_event_id=?, updated_ts=? WHERE command_id=?`,
		status, evt.ID, evt.TS, evt.CommandID)
	return err
}

func applyCommandFailed(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
	p := payload(evt)
	return applyCommandTerminal(ctx, tx, evt, "FAILED", str(p, "error"))
}

func applyCommandRetryScheduled(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
	skip, err := guardLaterThan(ctx, tx, "commands", "command_id", evt.CommandID, evt.ID)
	if err != nil || skip {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE commands SET status='PENDING', last_event_id=?, updated_ts=? WHERE command_id=?`,
		evt.ID, evt.TS, evt.CommandID)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func applyCardCreated(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
	p := payload(evt)
	cardID := str(p, "card_id")
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM cards WHERE card_id=?`, cardID).Scan(&exists); err == nil {
		return nil
	} else if err != sql.ErrNoRows {
		return err
	}
	return cards.Insert(ctx, tx, domain.Card{
		CardID:           cardID,
		TenantID:         evt.TenantID,
		ProjectID:        evt.ProjectID,
		CommandID:        evt.CommandID,
		CorrelationID:    evt.CorrelationID,
		State:            cards.Ready,
		Priority:         int(num(p, "priority")),
		Title:            str(p, "title"),
		CommandType:      str(p, "command_type"),
		ArgsJSON:         str(p, "args_json"),
		ConstraintsJSON:  str(p, "constraints_json"),
		CapabilitiesJSON: str(p, "capabilities_json"),
		CreatedTS:        evt.TS,
		UpdatedTS:        evt.TS,
		LastEventID:      evt.ID,
	})
}

func applyCardTransitioned(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
	skip, err := guardLaterThan(ctx, tx, "cards", "card_id", evt.CardID, evt.ID)
	if err != nil || skip {
		return err
	}
	p := payload(evt)
	to := str(p, "to")
	from := str(p, "from")

	var attempt int
	var retryAt sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT attempt FROM cards WHERE card_id=?`, evt.CardID).Scan(&attempt); err != nil {
		return err
	}
	if to == "RUNNING" {
		attempt++
	}
	if to == "RETRY_SCHEDULED" {
		if v, ok := p["retry_at_ts"].(float64); ok {
			retryAt = sql.NullInt64{Int64: int64(v), Valid: true}
		}
	} else if from == "RETRY_SCHEDULED" {
		retryAt = sql.NullInt64{}
	}

	var retryArg any
	if retryAt.Valid {
		retryArg = retryAt.Int64
	}
	_, err = tx.ExecContext(ctx, `UPDATE cards SET state=?, attempt=?, retry_at_ts=?, updated_ts=?, last_event_id=? WHERE card_id=?`,
		to, attempt, retryArg, evt.TS, evt.ID, evt.CardID)
	return err
}

func applyArtifactProduced(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
	p := payload(evt)
	artifactID := str(p, "artifact_id")
	contentSHA := str(p, "content_sha256")
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM artifacts WHERE project_id=? AND content_sha256=?`, evt.ProjectID, contentSHA).Scan(&exists); err == nil {
		return nil // dedup guard mirrors the live-path lookup in §4.7
	} else if err != sql.ErrNoRows {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO artifacts
		(artifact_id, tenant_id, project_id, content_sha256, type, logical_name, byte_size, created_at,
		 command_id, run_id, event_id, storage_provider, storage_key)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,'local','')`,
		artifactID, evt.TenantID, evt.ProjectID, contentSHA, str(p, "type"), str(p, "logical_name"),
		num(p, "byte_size"), evt.TS, nullable(evt.CommandID), nullable(evt.RunID), evt.ID)
	return err
}

func applyDecisionRequested(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
	p := payload(evt)
	decisionID := str(p, "decision_id")
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM decisions WHERE decision_id=?`, decisionID).Scan(&exists); err == nil {
		return nil
	} else if err != sql.ErrNoRows {
		return err
	}
	optionsJSON, _ := json.Marshal(p["options"])
	refsJSON, _ := json.Marshal(p["artifact_refs"])
	runID := str(p, "run_id")
	if runID == "" {
		runID = evt.RunID
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO decisions
		(decision_id, tenant_id, project_id, card_id, command_id, run_id, correlation_id, state, urgency, title,
		 context_summary, options_json, artifact_refs_json, source_thread, requested_at, expires_at,
		 fallback_option, last_event_id)
		VALUES (?,?,?,?,?,?,?,'PENDING',?,?,?,?,?,?,?,?,?,?)`,
		decisionID, evt.TenantID, evt.ProjectID, nullable(evt.CardID), evt.CommandID, nullable(runID), evt.CorrelationID,
		str(p, "urgency"), str(p, "title"), nullable(str(p, "context_summary")), string(optionsJSON),
		nullable(string(refsJSON)), nullable(str(p, "source_thread")), evt.TS, nullableTS(num(p, "expires_at")),
		nullable(str(p, "fallback_option")), evt.ID)
	return err
}

func nullableTS(ts int64) any {
	if ts == 0 {
		return nil
	}
	return ts
}

func applyDecisionClaimed(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
	skip, err := guardLaterThan(ctx, tx, "decisions", "decision_id", evt.DecisionID, evt.ID)
	if err != nil || skip {
		return err
	}
	p := payload(evt)
	_, err = tx.ExecContext(ctx, `UPDATE decisions SET state='CLAIMED', claimed_by=?, claimed_until=?, last_event_id=? WHERE decision_id=?`,
		str(p, "claimed_by"), num(p, "claimed_until"), evt.ID, evt.DecisionID)
	return err
}

func applyDecisionRendered(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
	skip, err := guardLaterThan(ctx, tx, "decisions", "decision_id", evt.DecisionID, evt.ID)
	if err != nil || skip {
		return err
	}
	p := payload(evt)
	_, err = tx.ExecContext(ctx, `UPDATE decisions SET state='RENDERED', rendered_option=?, rendered_by=?,
		rendered_at=?, claimed_by=NULL, claimed_until=NULL, last_event_id=? WHERE decision_id=?`,
		str(p, "selected_option"), str(p, "rendered_by"), evt.TS, evt.ID, evt.DecisionID)
	return err
}

func applyDecisionExpired(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
	skip, err := guardLaterThan(ctx, tx, "decisions", "decision_id", evt.DecisionID, evt.ID)
	if err != nil || skip {
		return err
	}
	p := payload(evt)
	if boolv(p, "had_fallback") {
		return nil // the subsequent DecisionRendered event carries the real state change
	}
	_, err = tx.ExecContext(ctx, `UPDATE decisions SET state='EXPIRED', claimed_by=NULL, claimed_until=NULL, last_event_id=? WHERE decision_id=?`,
		evt.ID, evt.DecisionID)
	return err
}

func applyDecisionClaimExpired(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
	skip, err := guardLaterThan(ctx, tx, "decisions", "decision_id", evt.DecisionID, evt.ID)
	if err != nil || skip {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE decisions SET state='PENDING', claimed_by=NULL, claimed_until=NULL, last_event_id=? WHERE decision_id=?`,
		evt.ID, evt.DecisionID)
	return err
}
