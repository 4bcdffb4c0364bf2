// Package cards implements the Card State Machine: the closed transition
// table of §4.4, applied atomically with a paired CardTransitioned event.
// Grounded on internal/engine.ensureTaskTransition, the teacher's own
// closed transition table for task status, re-targeted at the spec's
// READY/RUNNING/NEEDS_DECISION/RETRY_SCHEDULED/DONE/FAILED states.
package cards

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/coordline-dev/coordline/internal/domain"
	"github.com/coordline-dev/coordline/internal/eventlog"
)

const (
	Ready           = "READY"
	Running         = "RUNNING"
	NeedsDecision   = "NEEDS_DECISION"
	RetryScheduled  = "RETRY_SCHEDULED"
	Done            = "DONE"
	Failed          = "FAILED"
)

// transitions is the closed table from §4.4. Anything not listed here is
// rejected as InvalidTransitionError.
var transitions = map[string]map[string]bool{
	Ready:          {Running: true},
	Running:        {Done: true, NeedsDecision: true, Failed: true, RetryScheduled: true},
	NeedsDecision:  {Running: true, Failed: true},
	RetryScheduled: {Ready: true},
	Done:           {},
	Failed:         {},
}

// InvalidTransitionError names the rejected edge.
type InvalidTransitionError struct{ From, To string }

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid card transition %s -> %s", e.From, e.To)
}

// NotFoundError wraps a missing or cross-project card id.
type NotFoundError struct{ CardID string }

func (e NotFoundError) Error() string { return fmt.Sprintf("card %s not found", e.CardID) }

func isValidEdge(from, to string) bool {
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// TransitionOptions carries the operation's optional correlated subjects.
type TransitionOptions struct {
	RunID      string
	DecisionID string
	RetryAtTS  int64
	Reason     string
	CausationID string
}

// Transition implements operation `transition` from §4.4: fetch, validate
// the edge, apply the patch, append CardTransitioned — all under the
// caller's transaction so the whole thing is one atomic unit.
func Transition(ctx context.Context, tx *sql.Tx, log eventlog.Log, cardID, to string, opts TransitionOptions) (domain.Card, error) {
	card, err := GetTx(ctx, tx, cardID)
	if err != nil {
		return domain.Card{}, err
	}
	if !isValidEdge(card.State, to) {
		return domain.Card{}, InvalidTransitionError{From: card.State, To: to}
	}

	from := card.State
	card.State = to
	if to == Running {
		card.Attempt++
	}
	if to == RetryScheduled {
		card.RetryAtTS = opts.RetryAtTS
	} else if from == RetryScheduled {
		card.RetryAtTS = 0
	}

	payload := map[string]any{
		"from":   from,
		"to":     to,
		"reason": opts.Reason,
	}
	if opts.RunID != "" {
		payload["run_id"] = opts.RunID
	}
	if opts.DecisionID != "" {
		payload["decision_id"] = opts.DecisionID
	}
	evt, err := log.Append(ctx, tx, eventlog.NewEvent{
		TenantID:      card.TenantID,
		ProjectID:     card.ProjectID,
		Type:          "CardTransitioned",
		Version:       1,
		CorrelationID: card.CorrelationID,
		CausationID:   opts.CausationID,
		CardID:        card.CardID,
		CommandID:     card.CommandID,
		RunID:         opts.RunID,
		DecisionID:    opts.DecisionID,
		Payload:       payload,
	})
	if err != nil {
		return domain.Card{}, err
	}
	card.UpdatedTS = evt.TS
	card.LastEventID = evt.ID

	var retryAt any
	if card.RetryAtTS != 0 {
		retryAt = card.RetryAtTS
	}
	_, err = tx.ExecContext(ctx, `UPDATE cards SET state=?, attempt=?, retry_at_ts=?, updated_ts=?, last_event_id=? WHERE card_id=?`,
		card.State, card.Attempt, retryAt, card.UpdatedTS, card.LastEventID, card.CardID)
	if err != nil {
		return domain.Card{}, err
	}
	return card, nil
}

func GetTx(ctx context.Context, tx *sql.Tx, cardID string) (domain.Card, error) {
	row := tx.QueryRowContext(ctx, cardSelect+` WHERE card_id=?`, cardID)
	return scanCard(row)
}

func Get(ctx context.Context, db *sql.DB, cardID string) (domain.Card, error) {
	row := db.QueryRowContext(ctx, cardSelect+` WHERE card_id=?`, cardID)
	return scanCard(row)
}

// ListByProjectState returns cards in a project filtered by state(s),
// ordered by priority then created_ts ascending (lower priority = more
// urgent, per the teacher's NextTask ORDER BY priority ASC convention).
func ListByProjectState(ctx context.Context, db *sql.DB, projectID string, states []string) ([]domain.Card, error) {
	query := cardSelect + ` WHERE project_id=?`
	args := []any{projectID}
	if len(states) > 0 {
		query += ` AND state IN (` + placeholders(len(states)) + `)`
		for _, s := range states {
			args = append(args, s)
		}
	}
	query += ` ORDER BY priority ASC, created_ts ASC`
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DueForRetryRelease returns RETRY_SCHEDULED cards whose retry_at_ts has
// elapsed, used by the Sweeper's phase 1.
func DueForRetryRelease(ctx context.Context, db *sql.DB, nowMS int64) ([]domain.Card, error) {
	rows, err := db.QueryContext(ctx, cardSelect+` WHERE state=? AND retry_at_ts IS NOT NULL AND retry_at_ts<=?`, RetryScheduled, nowMS)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	s := "?"
	for i := 1; i < n; i++ {
		s += ",?"
	}
	return s
}

const cardSelect = `SELECT card_id, tenant_id, project_id, command_id, correlation_id, state, priority, title,
	command_type, COALESCE(args_json,''), COALESCE(constraints_json,''), COALESCE(capabilities_json,''),
	attempt, COALESCE(retry_at_ts,0), created_ts, updated_ts, last_event_id FROM cards`

func scanCard(row interface{ Scan(...any) error }) (domain.Card, error) {
	var c domain.Card
	err := row.Scan(&c.CardID, &c.TenantID, &c.ProjectID, &c.CommandID, &c.CorrelationID, &c.State,
		&c.Priority, &c.Title, &c.CommandType, &c.ArgsJSON, &c.ConstraintsJSON, &c.CapabilitiesJSON,
		&c.Attempt, &c.RetryAtTS, &c.CreatedTS, &c.UpdatedTS, &c.LastEventID)
	if err == sql.ErrNoRows {
		return c, NotFoundError{}
	}
	return c, err
}

// Insert is used only by Projectors (on CardCreated) and by commands.Admit,
// which constructs the row itself rather than going through Transition
// (a card is born in READY, it does not transition into existence).
func Insert(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cards
		(card_id, tenant_id, project_id, command_id, correlation_id, state, priority, title,
		 command_type, args_json, constraints_json, capabilities_json, attempt, retry_at_ts,
		 created_ts, updated_ts, last_event_id)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.CardID, c.TenantID, c.ProjectID, c.CommandID, c.CorrelationID, c.State, c.Priority, c.Title,
		c.CommandType, nullableJSON(c.ArgsJSON), nullableJSON(c.ConstraintsJSON), nullableJSON(c.CapabilitiesJSON),
		c.Attempt, nil, c.CreatedTS, c.UpdatedTS, c.LastEventID)
	return err
}

func nullableJSON(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// MarshalArgs is a small convenience so callers don't repeat json.Marshal.
func MarshalArgs(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	return string(b), err
}
