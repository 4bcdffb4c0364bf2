// Package runs implements the command/run execution lifecycle that backs
// the "background job picks up card" step of the automated event sequence
// in SPEC_FULL.md §6: a command moves PENDING→RUNNING on Start, and the
// paired run/card transitions resolve on Succeed/Fail. This is the
// counterpart background executors (the bot interface) call; it carries
// none of the card FSM's own closed-table logic, which stays in
// internal/cards. Grounded on engine.CreateTask/engine.TaskDone's
// single-transaction status-flip-plus-event shape.
package runs

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/coordline-dev/coordline/internal/cards"
	"github.com/coordline-dev/coordline/internal/domain"
	"github.com/coordline-dev/coordline/internal/eventlog"
	"github.com/coordline-dev/coordline/internal/ids"
)

const commandSelect = `SELECT command_id, tenant_id, project_id, status, COALESCE(latest_run_id,''), last_event_id,
	priority, command_type, COALESCE(command_version,''), COALESCE(args_json,''), COALESCE(context_json,''),
	COALESCE(constraints_json,''), title, correlation_id, created_ts, updated_ts FROM commands`

func scanCommand(row interface{ Scan(...any) error }) (domain.Command, error) {
	var c domain.Command
	err := row.Scan(&c.CommandID, &c.TenantID, &c.ProjectID, &c.Status, &c.LatestRunID, &c.LastEventID,
		&c.Priority, &c.CommandType, &c.CommandVersion, &c.ArgsJSON, &c.ContextJSON, &c.ConstraintsJSON,
		&c.Title, &c.CorrelationID, &c.CreatedTS, &c.UpdatedTS)
	return c, err
}

type NotRunnableError struct{ CommandID, Status string }

func (e NotRunnableError) Error() string {
	return fmt.Sprintf("command %s is %s, not startable", e.CommandID, e.Status)
}

// Start implements CommandStarted: flips the command to RUNNING, opens a
// run row, and transitions the owning card READY→RUNNING in one unit.
func Start(ctx context.Context, tx *sql.Tx, log eventlog.Log, commandID, cardID, executor string) (domain.Run, error) {
	cmd, err := getCommandTx(ctx, tx, commandID)
	if err != nil {
		return domain.Run{}, err
	}
	if cmd.Status != "PENDING" {
		return domain.Run{}, NotRunnableError{CommandID: commandID, Status: cmd.Status}
	}

	runID := ids.New("run", log.Now())
	evt, err := log.Append(ctx, tx, eventlog.NewEvent{
		TenantID: cmd.TenantID, ProjectID: cmd.ProjectID, Type: "CommandStarted", Version: 1,
		CorrelationID: cmd.CorrelationID, CommandID: commandID, RunID: runID, CardID: cardID,
		Payload: map[string]any{"run_id": runID, "executor": executor},
	})
	if err != nil {
		return domain.Run{}, err
	}

	card, err := cards.Transition(ctx, tx, log, cardID, cards.Running, cards.TransitionOptions{
		RunID: runID, CausationID: evt.ID, Reason: "run started",
	})
	if err != nil {
		return domain.Run{}, err
	}

	run := domain.Run{
		RunID: runID, TenantID: cmd.TenantID, ProjectID: cmd.ProjectID, CommandID: commandID,
		Status: "RUNNING", Attempt: card.Attempt, StartedTS: evt.TS, Executor: executor, LastEventID: evt.ID,
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO runs (run_id, tenant_id, project_id, command_id, status,
		attempt, started_ts, executor, last_event_id) VALUES (?,?,?,?,?,?,?,?,?)`,
		run.RunID, run.TenantID, run.ProjectID, run.CommandID, run.Status, run.Attempt, run.StartedTS,
		run.Executor, run.LastEventID); err != nil {
		return domain.Run{}, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE commands SET status='RUNNING', latest_run_id=?, last_event_id=?, updated_ts=? WHERE command_id=?`,
		runID, evt.ID, evt.TS, commandID); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

// Succeed implements CommandSucceeded: terminal command+run, card → DONE.
func Succeed(ctx context.Context, tx *sql.Tx, log eventlog.Log, runID, cardID string) error {
	run, err := getRunTx(ctx, tx, runID)
	if err != nil {
		return err
	}
	evt, err := log.Append(ctx, tx, eventlog.NewEvent{
		TenantID: run.TenantID, ProjectID: run.ProjectID, Type: "CommandSucceeded", Version: 1,
		CommandID: run.CommandID, RunID: runID, CardID: cardID,
		Payload: map[string]any{"run_id": runID},
	})
	if err != nil {
		return err
	}
	if err := finishRun(ctx, tx, runID, "SUCCEEDED", "", evt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE commands SET status='SUCCEEDED', last_event_id=?, updated_ts=? WHERE command_id=?`,
		evt.ID, evt.TS, run.CommandID); err != nil {
		return err
	}
	_, err = cards.Transition(ctx, tx, log, cardID, cards.Done, cards.TransitionOptions{RunID: runID, CausationID: evt.ID, Reason: "run succeeded"})
	return err
}

// FailOptions controls whether a failed run retries or terminates the
// command. A run never fails into NEEDS_DECISION: that transition belongs
// to decisions.Request, called independently by a still-RUNNING bot.
type FailOptions struct {
	Error     string
	RetryAtTS int64 // > 0 schedules a retry
}

// Fail implements CommandFailed, with an optional CommandRetryScheduled
// follow-on when RetryAtTS is set, matching the retry canonical sequence.
// CommandFailed always terminates the run and marks the command FAILED;
// CommandRetryScheduled, when it follows, resets the command to PENDING so
// a later CommandStarted can open a fresh run under the same command_id.
func Fail(ctx context.Context, tx *sql.Tx, log eventlog.Log, runID, cardID string, opts FailOptions) error {
	run, err := getRunTx(ctx, tx, runID)
	if err != nil {
		return err
	}
	evt, err := log.Append(ctx, tx, eventlog.NewEvent{
		TenantID: run.TenantID, ProjectID: run.ProjectID, Type: "CommandFailed", Version: 1,
		CommandID: run.CommandID, RunID: runID, CardID: cardID,
		Payload: map[string]any{"run_id": runID, "error": opts.Error},
	})
	if err != nil {
		return err
	}
	if err := finishRun(ctx, tx, runID, "FAILED", opts.Error, evt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE commands SET status='FAILED', last_event_id=?, updated_ts=? WHERE command_id=?`,
		evt.ID, evt.TS, run.CommandID); err != nil {
		return err
	}

	if opts.RetryAtTS > 0 {
		retryEvt, err := log.Append(ctx, tx, eventlog.NewEvent{
			TenantID: run.TenantID, ProjectID: run.ProjectID, Type: "CommandRetryScheduled", Version: 1,
			CommandID: run.CommandID, RunID: runID, CardID: cardID, CausationID: evt.ID,
			Payload: map[string]any{"retry_at_ts": opts.RetryAtTS},
		})
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE commands SET status='PENDING', last_event_id=?, updated_ts=? WHERE command_id=?`,
			retryEvt.ID, retryEvt.TS, run.CommandID); err != nil {
			return err
		}
		_, err = cards.Transition(ctx, tx, log, cardID, cards.RetryScheduled, cards.TransitionOptions{
			RunID: runID, RetryAtTS: opts.RetryAtTS, CausationID: retryEvt.ID, Reason: "run failed, retry scheduled",
		})
		return err
	}

	_, err = cards.Transition(ctx, tx, log, cardID, cards.Failed, cards.TransitionOptions{RunID: runID, CausationID: evt.ID, Reason: "run failed, no retry"})
	return err
}

func finishRun(ctx context.Context, tx *sql.Tx, runID, status, errMsg string, evt domain.Event) error {
	_, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, ended_ts=?, error=?, last_event_id=? WHERE run_id=?`,
		status, evt.TS, nullable(errMsg), evt.ID, runID)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func getCommandTx(ctx context.Context, tx *sql.Tx, id string) (domain.Command, error) {
	row := tx.QueryRowContext(ctx, commandSelect+` WHERE command_id=?`, id)
	return scanCommand(row)
}

const runSelect = `SELECT run_id, tenant_id, project_id, command_id, status, attempt, COALESCE(started_ts,0),
	COALESCE(ended_ts,0), COALESCE(executor,''), COALESCE(error,''), last_event_id FROM runs`

func scanRun(row interface{ Scan(...any) error }) (domain.Run, error) {
	var r domain.Run
	err := row.Scan(&r.RunID, &r.TenantID, &r.ProjectID, &r.CommandID, &r.Status, &r.Attempt, &r.StartedTS,
		&r.EndedTS, &r.Executor, &r.Error, &r.LastEventID)
	return r, err
}

func getRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.Run, error) {
	row := tx.QueryRowContext(ctx, runSelect+` WHERE run_id=?`, id)
	return scanRun(row)
}

// Get fetches a run read model outside any transaction.
func Get(ctx context.Context, db *sql.DB, id string) (domain.Run, error) {
	row := db.QueryRowContext(ctx, runSelect+` WHERE run_id=?`, id)
	return scanRun(row)
}
