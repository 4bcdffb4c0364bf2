package bot_test

import (
	"context"
	"testing"
	"time"

	"github.com/coordline-dev/coordline/internal/artifacts"
	"github.com/coordline-dev/coordline/internal/bot"
	"github.com/coordline-dev/coordline/internal/commands"
	"github.com/coordline-dev/coordline/internal/config"
	"github.com/coordline-dev/coordline/internal/db"
	"github.com/coordline-dev/coordline/internal/decisions"
	"github.com/coordline-dev/coordline/internal/domain"
	"github.com/coordline-dev/coordline/internal/engine"
	"github.com/coordline-dev/coordline/internal/migrate"
)

func newTestClient(t *testing.T) *bot.Client {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(), artifacts.NewLocalProvider(dir+"/blobs"))
	if _, err := eng.InitProject(context.Background(), "tenant-1", "proj-1", "test", "owner-1"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	if err := eng.AddMember(context.Background(), "tenant-1", "proj-1", "bot-1", "bot"); err != nil {
		t.Fatalf("add bot member: %v", err)
	}
	return bot.New(eng, "tenant-1", "proj-1", "bot-1")
}

func TestBotExecutionReportingRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	cmd, card, err := c.RequestCommand(ctx, "corr-1", "deploy", commands.Spec{CommandType: "deploy"}, nil, "")
	if err != nil {
		t.Fatalf("request command: %v", err)
	}

	run, err := c.StartRun(ctx, cmd.CommandID, card.CardID)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if run.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", run.Attempt)
	}

	if err := c.FinishSuccess(ctx, run.RunID, card.CardID); err != nil {
		t.Fatalf("finish success: %v", err)
	}
}

func TestBotArtifactAndDecisionAwait(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	cmd, card, err := c.RequestCommand(ctx, "corr-2", "build", commands.Spec{CommandType: "build"}, nil, "")
	if err != nil {
		t.Fatalf("request command: %v", err)
	}
	run, err := c.StartRun(ctx, cmd.CommandID, card.CardID)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	result, err := c.ReportArtifact(ctx, artifacts.ReportOptions{
		Content: "aGVsbG8=", Encoding: "base64", Type: "log", LogicalName: "build.log",
		CommandID: cmd.CommandID, RunID: run.RunID, CorrelationID: cmd.CorrelationID,
	})
	if err != nil {
		t.Fatalf("report artifact: %v", err)
	}
	if result.Deduplicated {
		t.Fatalf("first artifact report should not dedup")
	}

	d, err := c.RequestDecision(ctx, decisions.RequestOptions{
		CardID: card.CardID, CommandID: cmd.CommandID, RunID: run.RunID, CorrelationID: cmd.CorrelationID,
		Urgency: "today", Title: "pick target",
		Options: []domain.DecisionOption{{Key: "a", Label: "A"}, {Key: "b", Label: "B"}},
	})
	if err != nil {
		t.Fatalf("request decision: %v", err)
	}

	snap, err := c.AwaitDecision(ctx, d.DecisionID)
	if err != nil {
		t.Fatalf("await decision: %v", err)
	}
	if snap.Status != "pending" {
		t.Fatalf("status = %s, want pending", snap.Status)
	}
}

func TestBotPollDecisionRespectsContextCancellation(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	cmd, card, err := c.RequestCommand(ctx, "corr-3", "build", commands.Spec{CommandType: "build"}, nil, "")
	if err != nil {
		t.Fatalf("request command: %v", err)
	}
	run, err := c.StartRun(ctx, cmd.CommandID, card.CardID)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	d, err := c.RequestDecision(ctx, decisions.RequestOptions{
		CardID: card.CardID, CommandID: cmd.CommandID, RunID: run.RunID, CorrelationID: cmd.CorrelationID,
		Urgency: "today", Title: "pick target",
		Options: []domain.DecisionOption{{Key: "a", Label: "A"}},
	})
	if err != nil {
		t.Fatalf("request decision: %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := c.PollDecision(cancelCtx, d.DecisionID, 5*time.Millisecond); err == nil {
		t.Fatalf("expected context deadline error, got nil")
	}
}
