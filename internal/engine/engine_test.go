package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/coordline-dev/coordline/internal/artifacts"
	"github.com/coordline-dev/coordline/internal/cards"
	"github.com/coordline-dev/coordline/internal/commands"
	"github.com/coordline-dev/coordline/internal/config"
	"github.com/coordline-dev/coordline/internal/db"
	"github.com/coordline-dev/coordline/internal/decisions"
	"github.com/coordline-dev/coordline/internal/domain"
	"github.com/coordline-dev/coordline/internal/engine"
	"github.com/coordline-dev/coordline/internal/migrate"
	"github.com/coordline-dev/coordline/internal/runs"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg, artifacts.NewLocalProvider(dir+"/blobs"))
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "tenant-1", "proj-1", "test project", "owner-1"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func admit(t *testing.T, env testEnv, correlationID string) (domain.Command, domain.Card) {
	t.Helper()
	cmd, card, err := env.Engine.RequestCommand(env.Ctx, commands.RequestOptions{
		TenantID:      "tenant-1",
		ProjectID:     "proj-1",
		CorrelationID: correlationID,
		Title:         "deploy service",
		Spec:          commands.Spec{CommandType: "deploy"},
		ActorID:       "bot-1",
	})
	if err != nil {
		t.Fatalf("request command: %v", err)
	}
	return cmd, card
}

func TestCardHappyPath(t *testing.T) {
	env := newTestEnv(t)
	cmd, card := admit(t, env, "corr-1")
	if card.State != cards.Ready {
		t.Fatalf("new card state = %s, want READY", card.State)
	}

	run, err := env.Engine.StartRun(env.Ctx, cmd.CommandID, card.CardID, "worker-1")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if run.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", run.Attempt)
	}
	card, err = env.Engine.GetCard(env.Ctx, card.CardID)
	if err != nil || card.State != cards.Running {
		t.Fatalf("card after start = %+v, err=%v", card, err)
	}

	if err := env.Engine.FinishRunSuccess(env.Ctx, run.RunID, card.CardID); err != nil {
		t.Fatalf("finish run success: %v", err)
	}
	card, err = env.Engine.GetCard(env.Ctx, card.CardID)
	if err != nil || card.State != cards.Done {
		t.Fatalf("card after success = %+v, err=%v", card, err)
	}
}

func TestRetrySequenceReusesCommand(t *testing.T) {
	env := newTestEnv(t)
	cmd, card := admit(t, env, "corr-2")

	run, err := env.Engine.StartRun(env.Ctx, cmd.CommandID, card.CardID, "worker-1")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	retryAt := env.Engine.Now().Add(time.Minute).UnixMilli()
	if err := env.Engine.FinishRunFailure(env.Ctx, run.RunID, card.CardID, runs.FailOptions{Error: "timeout", RetryAtTS: retryAt}); err != nil {
		t.Fatalf("finish run failure: %v", err)
	}
	card, err = env.Engine.GetCard(env.Ctx, card.CardID)
	if err != nil || card.State != cards.RetryScheduled {
		t.Fatalf("card after retry-scheduled failure = %+v, err=%v", card, err)
	}
	if card.RetryAtTS != retryAt {
		t.Fatalf("retry_at_ts = %d, want %d", card.RetryAtTS, retryAt)
	}

	if _, err := env.Engine.TransitionCard(env.Ctx, card.CardID, cards.Ready, cards.TransitionOptions{Reason: "retry released"}); err != nil {
		t.Fatalf("release retry: %v", err)
	}

	run2, err := env.Engine.StartRun(env.Ctx, cmd.CommandID, card.CardID, "worker-1")
	if err != nil {
		t.Fatalf("start retried run: %v", err)
	}
	if run2.Attempt != 2 {
		t.Fatalf("second run attempt = %d, want 2", run2.Attempt)
	}
	if run2.CommandID != cmd.CommandID {
		t.Fatalf("retried run switched command_id: %s != %s", run2.CommandID, cmd.CommandID)
	}
}

func TestDecisionExactlyOneRender(t *testing.T) {
	env := newTestEnv(t)
	cmd, card := admit(t, env, "corr-3")
	run, err := env.Engine.StartRun(env.Ctx, cmd.CommandID, card.CardID, "worker-1")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	d, err := env.Engine.RequestDecision(env.Ctx, decisions.RequestOptions{
		TenantID:      "tenant-1",
		ProjectID:     "proj-1",
		CardID:        card.CardID,
		CommandID:     cmd.CommandID,
		RunID:         run.RunID,
		CorrelationID: cmd.CorrelationID,
		Urgency:       "today",
		Title:         "pick target region",
		Options: []domain.DecisionOption{
			{Key: "us-east", Label: "US East"},
			{Key: "eu-west", Label: "EU West"},
		},
	})
	if err != nil {
		t.Fatalf("request decision: %v", err)
	}

	card, err = env.Engine.GetCard(env.Ctx, card.CardID)
	if err != nil || card.State != cards.NeedsDecision {
		t.Fatalf("card after decision request = %+v, err=%v", card, err)
	}

	if _, err := env.Engine.ClaimDecision(env.Ctx, "proj-1", d.DecisionID, "operator-1", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.ClaimDecision(env.Ctx, "proj-1", d.DecisionID, "operator-2", 0); err != nil {
		t.Fatalf("second claim attempt should not error: %v", err)
	}

	r1, err := env.Engine.RenderDecision(env.Ctx, "proj-1", d.DecisionID, "us-east", "", "operator-1")
	if err != nil {
		t.Fatalf("render by claim holder: %v", err)
	}
	if r1.Status != "rendered" {
		t.Fatalf("first render status = %s, want rendered", r1.Status)
	}

	r2, err := env.Engine.RenderDecision(env.Ctx, "proj-1", d.DecisionID, "eu-west", "", "operator-1")
	if err != nil {
		t.Fatalf("second render call: %v", err)
	}
	if r2.Status == "rendered" {
		t.Fatalf("decision rendered twice")
	}

	card, err = env.Engine.GetCard(env.Ctx, card.CardID)
	if err != nil || card.State != cards.Running {
		t.Fatalf("card after render = %+v, err=%v", card, err)
	}
}

func TestArtifactDedupPerProject(t *testing.T) {
	env := newTestEnv(t)
	cmd, card := admit(t, env, "corr-4")
	run, err := env.Engine.StartRun(env.Ctx, cmd.CommandID, card.CardID, "worker-1")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	opts := artifacts.ReportOptions{
		TenantID:      "tenant-1",
		ProjectID:     "proj-1",
		Content:       "aGVsbG8gd29ybGQ=",
		Encoding:      "base64",
		Type:          "log",
		LogicalName:   "build.log",
		CommandID:     cmd.CommandID,
		RunID:         run.RunID,
		CorrelationID: cmd.CorrelationID,
	}
	res1, err := env.Engine.ReportArtifact(env.Ctx, opts)
	if err != nil {
		t.Fatalf("report artifact: %v", err)
	}
	if res1.Deduplicated {
		t.Fatalf("first report should not be a dedup hit")
	}

	res2, err := env.Engine.ReportArtifact(env.Ctx, opts)
	if err != nil {
		t.Fatalf("report duplicate artifact: %v", err)
	}
	if !res2.Deduplicated {
		t.Fatalf("second identical report should be a dedup hit")
	}
	if res2.Artifact.ArtifactID != res1.Artifact.ArtifactID {
		t.Fatalf("dedup returned a different artifact id")
	}
}
