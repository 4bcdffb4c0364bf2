// Package commands implements Command Admission (§4.5): the single entry
// point through which bots and operators request work. request_command
// atomically emits CommandRequested+CardCreated and inserts both read
// models, carried by the idempotency guarantee baked into the event log.
// Grounded on internal/engine.CreateTask's single-transaction
// validate+insert+event-append shape.
package commands

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/coordline-dev/coordline/internal/cards"
	"github.com/coordline-dev/coordline/internal/domain"
	"github.com/coordline-dev/coordline/internal/eventlog"
	"github.com/coordline-dev/coordline/internal/ids"
)

const defaultPriority = 50

// Spec mirrors the language-independent command_spec shape from §3.
type Spec struct {
	CommandType    string         `json:"command_type"`
	CommandVersion string         `json:"command_version,omitempty"`
	Args           map[string]any `json:"args,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	Constraints    *Constraints   `json:"constraints,omitempty"`
}

type Constraints struct {
	Priority       *int   `json:"priority,omitempty"`
	ConcurrencyKey string `json:"concurrency_key,omitempty"`
	MaxRetries     *int   `json:"max_retries,omitempty"`
}

// RequestOptions is the input to Admit (request_command).
type RequestOptions struct {
	TenantID       string
	ProjectID      string
	CorrelationID  string
	Title          string
	Spec           Spec
	Capabilities   []string
	IdempotencyKey string
	ActorID        string
}

var ErrTitleRequired = errors.New("title is required")
var ErrCommandTypeRequired = errors.New("spec.command_type is required")

// Admit implements request_command. Returns the created (or, on a
// duplicate idempotency key, the pre-existing) command and card.
func Admit(ctx context.Context, tx *sql.Tx, log eventlog.Log, opts RequestOptions) (domain.Command, domain.Card, error) {
	if opts.Title == "" {
		return domain.Command{}, domain.Card{}, ErrTitleRequired
	}
	if opts.Spec.CommandType == "" {
		return domain.Command{}, domain.Card{}, ErrCommandTypeRequired
	}

	priority := defaultPriority
	if opts.Spec.Constraints != nil && opts.Spec.Constraints.Priority != nil {
		priority = *opts.Spec.Constraints.Priority
	}

	commandID := ids.New("cmd", nowMS())
	cardID := ids.New("card", nowMS())

	argsJSON, _ := marshalOrEmpty(opts.Spec.Args)
	contextJSON, _ := marshalOrEmpty(opts.Spec.Context)
	constraintsJSON, _ := marshalOrEmpty(opts.Spec.Constraints)
	capsJSON, _ := marshalOrEmpty(opts.Capabilities)

	reqEvt, err := log.Append(ctx, tx, eventlog.NewEvent{
		TenantID:       opts.TenantID,
		ProjectID:      opts.ProjectID,
		Type:           "CommandRequested",
		Version:        1,
		CorrelationID:  opts.CorrelationID,
		CommandID:      commandID,
		IdempotencyKey: opts.IdempotencyKey,
		Payload: map[string]any{
			"command_id": commandID,
			"title":      opts.Title,
			"spec":       opts.Spec,
			"priority":   priority,
		},
	})
	if err != nil {
		return domain.Command{}, domain.Card{}, err
	}

	// Idempotency hit: the existing event carries the original command_id;
	// the read models were already inserted by the first writer.
	if reqEvt.CommandID != commandID {
		existing, cerr := getCommandTx(ctx, tx, reqEvt.CommandID)
		if cerr != nil {
			return domain.Command{}, domain.Card{}, cerr
		}
		card, cerr := findCardByCommandTx(ctx, tx, reqEvt.CommandID)
		if cerr != nil {
			return domain.Command{}, domain.Card{}, cerr
		}
		return existing, card, nil
	}

	command := domain.Command{
		CommandID:       commandID,
		TenantID:        opts.TenantID,
		ProjectID:       opts.ProjectID,
		Status:          "PENDING",
		LastEventID:     reqEvt.ID,
		Priority:        priority,
		CommandType:     opts.Spec.CommandType,
		CommandVersion:  opts.Spec.CommandVersion,
		ArgsJSON:        argsJSON,
		ContextJSON:     contextJSON,
		ConstraintsJSON: constraintsJSON,
		Title:           opts.Title,
		CorrelationID:   opts.CorrelationID,
		CreatedTS:       reqEvt.TS,
		UpdatedTS:       reqEvt.TS,
	}
	if err := insertCommandTx(ctx, tx, command); err != nil {
		return domain.Command{}, domain.Card{}, err
	}

	cardEvt, err := log.Append(ctx, tx, eventlog.NewEvent{
		TenantID:      opts.TenantID,
		ProjectID:     opts.ProjectID,
		Type:          "CardCreated",
		Version:       1,
		CorrelationID: opts.CorrelationID,
		CausationID:   reqEvt.ID,
		CommandID:     commandID,
		CardID:        cardID,
		Payload: map[string]any{
			"card_id":           cardID,
			"title":             opts.Title,
			"priority":          priority,
			"command_type":      opts.Spec.CommandType,
			"args_json":         argsJSON,
			"constraints_json":  constraintsJSON,
			"capabilities_json": capsJSON,
		},
	})
	if err != nil {
		return domain.Command{}, domain.Card{}, err
	}

	card := domain.Card{
		CardID:           cardID,
		TenantID:         opts.TenantID,
		ProjectID:        opts.ProjectID,
		CommandID:        commandID,
		CorrelationID:    opts.CorrelationID,
		State:            cards.Ready,
		Priority:         priority,
		Title:            opts.Title,
		CommandType:      opts.Spec.CommandType,
		ArgsJSON:         argsJSON,
		ConstraintsJSON:  constraintsJSON,
		CapabilitiesJSON: capsJSON,
		Attempt:          0,
		CreatedTS:        cardEvt.TS,
		UpdatedTS:        cardEvt.TS,
		LastEventID:      cardEvt.ID,
	}
	if err := cards.Insert(ctx, tx, card); err != nil {
		return domain.Command{}, domain.Card{}, err
	}

	return command, card, nil
}

func nowMS() int64 { return time.Now().UnixMilli() }

func marshalOrEmpty(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func insertCommandTx(ctx context.Context, tx *sql.Tx, c domain.Command) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO commands
		(command_id, tenant_id, project_id, status, latest_run_id, last_event_id, priority,
		 command_type, command_version, args_json, context_json, constraints_json, title,
		 correlation_id, created_ts, updated_ts)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.CommandID, c.TenantID, c.ProjectID, c.Status, nullable(c.LatestRunID), c.LastEventID, c.Priority,
		c.CommandType, nullable(c.CommandVersion), nullable(c.ArgsJSON), nullable(c.ContextJSON),
		nullable(c.ConstraintsJSON), c.Title, c.CorrelationID, c.CreatedTS, c.UpdatedTS)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

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

func getCommandTx(ctx context.Context, tx *sql.Tx, id string) (domain.Command, error) {
	row := tx.QueryRowContext(ctx, commandSelect+` WHERE command_id=?`, id)
	return scanCommand(row)
}

// Get fetches a command read model outside any transaction.
func Get(ctx context.Context, db *sql.DB, id string) (domain.Command, error) {
	row := db.QueryRowContext(ctx, commandSelect+` WHERE command_id=?`, id)
	return scanCommand(row)
}

func findCardByCommandTx(ctx context.Context, tx *sql.Tx, commandID string) (domain.Card, error) {
	row := tx.QueryRowContext(ctx, `SELECT card_id, tenant_id, project_id, command_id, correlation_id, state,
		priority, title, command_type, COALESCE(args_json,''), COALESCE(constraints_json,''),
		COALESCE(capabilities_json,''), attempt, COALESCE(retry_at_ts,0), created_ts, updated_ts, last_event_id
		FROM cards WHERE command_id=?`, commandID)
	var c domain.Card
	err := row.Scan(&c.CardID, &c.TenantID, &c.ProjectID, &c.CommandID, &c.CorrelationID, &c.State,
		&c.Priority, &c.Title, &c.CommandType, &c.ArgsJSON, &c.ConstraintsJSON, &c.CapabilitiesJSON,
		&c.Attempt, &c.RetryAtTS, &c.CreatedTS, &c.UpdatedTS, &c.LastEventID)
	return c, err
}
