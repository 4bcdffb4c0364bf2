// Package bot is the in-process counterpart to the SDK a bot would use
// over HTTP: the same method-per-operation shape as sdk/go/client.go, but
// calling internal/engine directly instead of round-tripping through
// internal/api. It is what an in-process worker (the default deployment
// this project ships, per §2's "Bot Interface") links against.
package bot

import (
	"context"
	"time"

	"github.com/coordline-dev/coordline/internal/artifacts"
	"github.com/coordline-dev/coordline/internal/commands"
	"github.com/coordline-dev/coordline/internal/decisions"
	"github.com/coordline-dev/coordline/internal/domain"
	"github.com/coordline-dev/coordline/internal/engine"
	"github.com/coordline-dev/coordline/internal/repo"
	"github.com/coordline-dev/coordline/internal/runs"
)

// Client is a bot's handle on one tenant/project pair, holding just
// enough identity to stamp every call it makes.
type Client struct {
	Engine    engine.Engine
	TenantID  string
	ProjectID string
	ActorID   string
}

// New returns a Client bound to one project, the shape a worker process
// constructs once at startup and reuses for every command it executes.
func New(eng engine.Engine, tenantID, projectID, actorID string) *Client {
	return &Client{Engine: eng, TenantID: tenantID, ProjectID: projectID, ActorID: actorID}
}

// RequestCommand implements request_command.
func (c *Client) RequestCommand(ctx context.Context, correlationID, title string, spec commands.Spec, capabilities []string, idempotencyKey string) (domain.Command, domain.Card, error) {
	return c.Engine.RequestCommand(ctx, commands.RequestOptions{
		TenantID:       c.TenantID,
		ProjectID:      c.ProjectID,
		CorrelationID:  correlationID,
		Title:          title,
		Spec:           spec,
		Capabilities:   capabilities,
		IdempotencyKey: idempotencyKey,
		ActorID:        c.ActorID,
	})
}

// StartRun implements the CommandStarted leg a worker calls right before
// it begins executing a card it pulled off the ready queue.
func (c *Client) StartRun(ctx context.Context, commandID, cardID string) (domain.Run, error) {
	return c.Engine.StartRun(ctx, commandID, cardID, c.ActorID)
}

// FinishSuccess implements the CommandSucceeded leg.
func (c *Client) FinishSuccess(ctx context.Context, runID, cardID string) error {
	return c.Engine.FinishRunSuccess(ctx, runID, cardID)
}

// FinishFailure implements the CommandFailed (and optional
// CommandRetryScheduled) leg.
func (c *Client) FinishFailure(ctx context.Context, runID, cardID, errMsg string, retryAt time.Time) error {
	var retryAtTS int64
	if !retryAt.IsZero() {
		retryAtTS = retryAt.UnixMilli()
	}
	return c.Engine.FinishRunFailure(ctx, runID, cardID, runs.FailOptions{Error: errMsg, RetryAtTS: retryAtTS})
}

// ReportArtifact implements report_artifact.
func (c *Client) ReportArtifact(ctx context.Context, opts artifacts.ReportOptions) (artifacts.Result, error) {
	opts.TenantID = c.TenantID
	opts.ProjectID = c.ProjectID
	return c.Engine.ReportArtifact(ctx, opts)
}

// RequestDecision implements request_decision.
func (c *Client) RequestDecision(ctx context.Context, opts decisions.RequestOptions) (domain.Decision, error) {
	opts.TenantID = c.TenantID
	opts.ProjectID = c.ProjectID
	return c.Engine.RequestDecision(ctx, opts)
}

// AwaitDecision implements await_decision's non-blocking read.
func (c *Client) AwaitDecision(ctx context.Context, decisionID string) (repo.Snapshot, error) {
	return c.Engine.AwaitDecision(ctx, c.ProjectID, decisionID)
}

// PollDecision blocks until a decision leaves PENDING/CLAIMED or ctx is
// canceled, polling at the given interval. This is the loop a worker runs
// after RequestDecision instead of a webhook callback, since this system
// carries no outbound notification driver (see §1's Non-goals).
func (c *Client) PollDecision(ctx context.Context, decisionID string, interval time.Duration) (repo.Snapshot, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		snap, err := c.AwaitDecision(ctx, decisionID)
		if err != nil {
			return repo.Snapshot{}, err
		}
		if snap.Status == "rendered" || snap.Status == "expired" {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return repo.Snapshot{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
