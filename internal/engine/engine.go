// Package engine is the transactional façade the API and bot surfaces call
// through: one method per operation named in §6, each opening its own
// transaction and delegating to the narrow domain packages
// (cards/commands/decisions/artifacts/runs/access). Grounded on
// internal/engine.Engine's own shape: DB/Repo/Events/Config/Now fields and
// a BeginTx-defer-Rollback-Commit pattern repeated per method.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/coordline-dev/coordline/internal/access"
	"github.com/coordline-dev/coordline/internal/artifacts"
	"github.com/coordline-dev/coordline/internal/cards"
	"github.com/coordline-dev/coordline/internal/commands"
	"github.com/coordline-dev/coordline/internal/config"
	"github.com/coordline-dev/coordline/internal/decisions"
	"github.com/coordline-dev/coordline/internal/domain"
	"github.com/coordline-dev/coordline/internal/eventlog"
	"github.com/coordline-dev/coordline/internal/repo"
	"github.com/coordline-dev/coordline/internal/replay"
	"github.com/coordline-dev/coordline/internal/runs"
)

// Engine wires the DB, the event log, the config, and the repo façade
// together. Every exported method is one §6 operation.
type Engine struct {
	DB       *sql.DB
	Log      eventlog.Log
	Repo     repo.Repo
	Config   *config.Config
	Access   access.Guard
	Artifact artifacts.Provider
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, blobProvider artifacts.Provider) Engine {
	now := func() int64 { return time.Now().UnixMilli() }
	log := eventlog.New(db, now)
	return Engine{
		DB:       db,
		Log:      log,
		Repo:     repo.New(db, log),
		Config:   cfg,
		Access:   access.New(db),
		Artifact: blobProvider,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowMS() int64 { return e.now().UnixMilli() }

func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// InitProject implements init_project.
func (e Engine) InitProject(ctx context.Context, tenantID, projectID, name, creatorUserID string) (domain.Project, error) {
	var p domain.Project
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		p, err = repo.InitProject(ctx, tx, tenantID, projectID, name, creatorUserID, e.nowMS())
		return err
	})
	return p, err
}

// AddMember implements add_member.
func (e Engine) AddMember(ctx context.Context, tenantID, projectID, userID string, role access.Role) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		return access.AddMember(ctx, tx, tenantID, projectID, userID, role, e.nowMS())
	})
}

// RemoveMember implements remove_member.
func (e Engine) RemoveMember(ctx context.Context, projectID, userID string) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		return access.RemoveMember(ctx, tx, projectID, userID)
	})
}

// ListMembers implements list_members.
func (e Engine) ListMembers(ctx context.Context, projectID string) ([]domain.Membership, error) {
	return access.ListMembers(ctx, e.DB, projectID)
}

// MyRole implements my_role.
func (e Engine) MyRole(ctx context.Context, userID, projectID string) (access.Role, error) {
	return e.Access.RoleInProject(ctx, nil, userID, projectID)
}

// Status implements the supplemental /status read: card counts by state
// and the project's most recent sweep pass.
func (e Engine) Status(ctx context.Context, projectID string) (repo.ProjectStatus, error) {
	return e.Repo.Status(ctx, projectID)
}

// RequestCommand implements request_command: atomic CommandRequested +
// CardCreated admission.
func (e Engine) RequestCommand(ctx context.Context, opts commands.RequestOptions) (domain.Command, domain.Card, error) {
	var cmd domain.Command
	var card domain.Card
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		cmd, card, err = commands.Admit(ctx, tx, e.Log, opts)
		return err
	})
	return cmd, card, err
}

// GetCard implements the card read by id.
func (e Engine) GetCard(ctx context.Context, cardID string) (domain.Card, error) {
	return cards.Get(ctx, e.DB, cardID)
}

// ListCards implements cards list-by-state.
func (e Engine) ListCards(ctx context.Context, projectID string, states []string) ([]domain.Card, error) {
	return cards.ListByProjectState(ctx, e.DB, projectID, states)
}

// TransitionCard implements the internal `transition` operation, used
// directly only by the sweeper and tests; bots and operators reach card
// state exclusively through StartRun/FinishRun*/RequestDecision/Render.
func (e Engine) TransitionCard(ctx context.Context, cardID, to string, opts cards.TransitionOptions) (domain.Card, error) {
	var card domain.Card
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		card, err = cards.Transition(ctx, tx, e.Log, cardID, to, opts)
		return err
	})
	return card, err
}

// StartRun implements the CommandStarted leg of the execution-reporting
// surface the background-job executor calls (§2's "bot interface").
func (e Engine) StartRun(ctx context.Context, commandID, cardID, executor string) (domain.Run, error) {
	var run domain.Run
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		run, err = runs.Start(ctx, tx, e.Log, commandID, cardID, executor)
		return err
	})
	return run, err
}

// FinishRunSuccess implements the CommandSucceeded leg.
func (e Engine) FinishRunSuccess(ctx context.Context, runID, cardID string) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		return runs.Succeed(ctx, tx, e.Log, runID, cardID)
	})
}

// FinishRunFailure implements the CommandFailed (and optional
// CommandRetryScheduled) leg.
func (e Engine) FinishRunFailure(ctx context.Context, runID, cardID string, opts runs.FailOptions) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		return runs.Fail(ctx, tx, e.Log, runID, cardID, opts)
	})
}

// GetRun reads a run by id.
func (e Engine) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	return runs.Get(ctx, e.DB, runID)
}

// ReportArtifact implements report_artifact.
func (e Engine) ReportArtifact(ctx context.Context, opts artifacts.ReportOptions) (artifacts.Result, error) {
	if e.Artifact == nil {
		return artifacts.Result{}, errors.New("engine: no artifact provider configured")
	}
	var result artifacts.Result
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = artifacts.Report(ctx, tx, e.Log, e.Artifact, opts)
		return err
	})
	return result, err
}

// GetArtifact implements get_artifact.
func (e Engine) GetArtifact(ctx context.Context, artifactID string) (domain.Artifact, error) {
	return artifacts.Get(ctx, e.DB, artifactID)
}

// ArtifactsForRun implements artifacts_for_run.
func (e Engine) ArtifactsForRun(ctx context.Context, runID string) ([]domain.Artifact, error) {
	return artifacts.ForRun(ctx, e.DB, runID)
}

// ArtifactsForCommand implements artifacts_for_command.
func (e Engine) ArtifactsForCommand(ctx context.Context, commandID string) ([]domain.Artifact, error) {
	return artifacts.ForCommand(ctx, e.DB, commandID)
}

// RequestDecision implements request_decision.
func (e Engine) RequestDecision(ctx context.Context, opts decisions.RequestOptions) (domain.Decision, error) {
	var d domain.Decision
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		d, err = decisions.Request(ctx, tx, e.Log, opts)
		return err
	})
	return d, err
}

// ClaimDecision implements claim_decision, using the configured claim TTL
// unless the caller supplies its own.
func (e Engine) ClaimDecision(ctx context.Context, projectID, decisionID, caller string, ttl time.Duration) (decisions.ClaimResult, error) {
	if ttl <= 0 && e.Config != nil {
		ttl = e.Config.Decisions.ClaimTTL
	}
	var result decisions.ClaimResult
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = decisions.Claim(ctx, tx, e.Log, projectID, decisionID, caller, ttl.Milliseconds())
		return err
	})
	return result, err
}

// RenewClaim implements renew_claim.
func (e Engine) RenewClaim(ctx context.Context, projectID, decisionID, caller string, ttl time.Duration) error {
	if ttl <= 0 && e.Config != nil {
		ttl = e.Config.Decisions.ClaimTTL
	}
	nowFn := func() int64 { return e.nowMS() }
	return e.withTx(ctx, func(tx *sql.Tx) error {
		return decisions.RenewClaim(ctx, tx, nowFn, projectID, decisionID, caller, ttl.Milliseconds())
	})
}

// RenderDecision implements render_decision.
func (e Engine) RenderDecision(ctx context.Context, projectID, decisionID, optionKey, note, caller string) (decisions.RenderResult, error) {
	var result decisions.RenderResult
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = decisions.Render(ctx, tx, e.Log, projectID, decisionID, optionKey, note, caller)
		return err
	})
	return result, err
}

// PendingDecisions implements pending_decisions.
func (e Engine) PendingDecisions(ctx context.Context, projectID, urgency string) ([]domain.Decision, error) {
	return decisions.PendingDecisions(ctx, e.DB, projectID, urgency)
}

// DecisionDetail implements decision_detail.
func (e Engine) DecisionDetail(ctx context.Context, projectID, decisionID string) (repo.DecisionDetailBundle, error) {
	return e.Repo.DecisionDetail(ctx, projectID, decisionID)
}

// AwaitDecision implements await_decision's non-blocking status read.
func (e Engine) AwaitDecision(ctx context.Context, projectID, decisionID string) (repo.Snapshot, error) {
	return e.Repo.AwaitSnapshot(ctx, projectID, decisionID)
}

// RebuildReadModel implements the Replay Engine's online rebuild leg
// (§4.9): replaying a project's events, live from the event log, back
// through the projectors that would otherwise only run at archive-restore
// time. Used to repair a read model after a bug or a botched manual
// patch, without touching the event log itself.
func (e Engine) RebuildReadModel(ctx context.Context, projectID string, from replay.Cursor, untilTS int64) (replay.Cursor, int, error) {
	return replay.New(e.DB, e.Log).Rebuild(ctx, projectID, from, untilTS)
}

// RestoreArchive implements the archive-read leg of the Replay Engine:
// replaying events read back from an NDJSON archive (events aged out of
// live retention) through the projectors to reconstruct their read-model
// rows.
func (e Engine) RestoreArchive(ctx context.Context, events []domain.Event) (int, error) {
	return replay.New(e.DB, e.Log).Restore(ctx, events)
}

// EventsByCorrelation implements by_correlation.
func (e Engine) EventsByCorrelation(ctx context.Context, projectID, correlationID string) ([]domain.Event, error) {
	return e.Log.ByCorrelation(ctx, projectID, correlationID)
}

// EventsByTSRange implements by_ts_range.
func (e Engine) EventsByTSRange(ctx context.Context, projectID string, sinceTS, untilTS int64, afterEventID string, limit int) ([]domain.Event, error) {
	return e.Log.ByTSRange(ctx, projectID, sinceTS, untilTS, afterEventID, limit)
}
