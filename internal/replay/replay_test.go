package replay_test

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
	"github.com/coordline-dev/coordline/internal/eventlog"
	"github.com/coordline-dev/coordline/internal/migrate"
	"github.com/coordline-dev/coordline/internal/replay"
)

func newEngine(t *testing.T, dir string) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(), artifacts.NewLocalProvider(dir+"/blobs"))
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return eng
}

// TestRestoreReproducesLiveReadModel drives a full admission + decision
// lifecycle through the live write path, then replays only the resulting
// event log (as an archive-restore would) into a second, empty database,
// and asserts the two databases' card and decision rows agree on the
// fields compared below. A mismatch here means some event
// payload is missing data its projector needs.
func TestRestoreReproducesLiveReadModel(t *testing.T) {
	ctx := context.Background()
	live := newEngine(t, t.TempDir())

	if _, err := live.InitProject(ctx, "tenant-1", "proj-1", "live project", "owner-1"); err != nil {
		t.Fatalf("init project: %v", err)
	}

	cmd, card, err := live.RequestCommand(ctx, commands.RequestOptions{
		TenantID:      "tenant-1",
		ProjectID:     "proj-1",
		CorrelationID: "corr-1",
		Title:         "deploy service",
		Spec: commands.Spec{
			CommandType: "deploy",
			Args:        map[string]any{"region": "us-east"},
			Constraints: &commands.Constraints{ConcurrencyKey: "deploy-svc"},
		},
		Capabilities: []string{"deploy"},
		ActorID:      "bot-1",
	})
	if err != nil {
		t.Fatalf("request command: %v", err)
	}

	run, err := live.StartRun(ctx, cmd.CommandID, card.CardID, "worker-1")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	d, err := live.RequestDecision(ctx, decisions.RequestOptions{
		TenantID:       "tenant-1",
		ProjectID:      "proj-1",
		CardID:         card.CardID,
		CommandID:      cmd.CommandID,
		RunID:          run.RunID,
		CorrelationID:  cmd.CorrelationID,
		Urgency:        "today",
		Title:          "pick target region",
		ContextSummary: "region capacity is tight",
		ArtifactRefs:   []string{},
		SourceThread:   "thread-42",
		ExpiresAt:      time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC).UnixMilli(),
		FallbackOption: "us-east",
		Options: []domain.DecisionOption{
			{Key: "us-east", Label: "US East"},
			{Key: "eu-west", Label: "EU West"},
		},
	})
	if err != nil {
		t.Fatalf("request decision: %v", err)
	}

	if _, err := live.ClaimDecision(ctx, "proj-1", d.DecisionID, "operator-1", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := live.RenderDecision(ctx, "proj-1", d.DecisionID, "eu-west", "ran out of capacity east", "operator-1"); err != nil {
		t.Fatalf("render: %v", err)
	}

	events, err := live.EventsByTSRange(ctx, "proj-1", 0, time.Now().UnixMilli()+1, "", 1000)
	if err != nil {
		t.Fatalf("read back events: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected events, got none")
	}

	restoreDir := t.TempDir()
	restoreDB, err := db.Open(db.Config{Workspace: restoreDir})
	if err != nil {
		t.Fatalf("open restore db: %v", err)
	}
	if err := migrate.Migrate(restoreDB); err != nil {
		t.Fatalf("migrate restore db: %v", err)
	}
	restoreLog := eventlog.New(restoreDB, func() int64 { return time.Now().UnixMilli() })
	n, err := replay.New(restoreDB, restoreLog).Restore(ctx, events)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != len(events) {
		t.Fatalf("restored %d events, want %d", n, len(events))
	}

	liveCard, err := cards.Get(ctx, live.DB, card.CardID)
	if err != nil {
		t.Fatalf("live card: %v", err)
	}
	restoredCard, err := cards.Get(ctx, restoreDB, card.CardID)
	if err != nil {
		t.Fatalf("restored card: %v", err)
	}
	if restoredCard.Priority != liveCard.Priority {
		t.Fatalf("restored card priority = %d, want %d", restoredCard.Priority, liveCard.Priority)
	}
	if restoredCard.CommandType != liveCard.CommandType {
		t.Fatalf("restored card command_type = %q, want %q", restoredCard.CommandType, liveCard.CommandType)
	}
	if restoredCard.ArgsJSON != liveCard.ArgsJSON {
		t.Fatalf("restored card args_json = %q, want %q", restoredCard.ArgsJSON, liveCard.ArgsJSON)
	}
	if restoredCard.ConstraintsJSON != liveCard.ConstraintsJSON {
		t.Fatalf("restored card constraints_json = %q, want %q", restoredCard.ConstraintsJSON, liveCard.ConstraintsJSON)
	}
	if restoredCard.CapabilitiesJSON != liveCard.CapabilitiesJSON {
		t.Fatalf("restored card capabilities_json = %q, want %q", restoredCard.CapabilitiesJSON, liveCard.CapabilitiesJSON)
	}

	liveDecision, err := decisions.Get(ctx, live.DB, d.DecisionID)
	if err != nil {
		t.Fatalf("live decision: %v", err)
	}
	restoredDecision, err := decisions.Get(ctx, restoreDB, d.DecisionID)
	if err != nil {
		t.Fatalf("restored decision: %v", err)
	}
	if restoredDecision.FallbackOption != liveDecision.FallbackOption {
		t.Fatalf("restored fallback_option = %q, want %q", restoredDecision.FallbackOption, liveDecision.FallbackOption)
	}
	if restoredDecision.ExpiresAt != liveDecision.ExpiresAt {
		t.Fatalf("restored expires_at = %d, want %d", restoredDecision.ExpiresAt, liveDecision.ExpiresAt)
	}
	if restoredDecision.ContextSummary != liveDecision.ContextSummary {
		t.Fatalf("restored context_summary = %q, want %q", restoredDecision.ContextSummary, liveDecision.ContextSummary)
	}
	if restoredDecision.SourceThread != liveDecision.SourceThread {
		t.Fatalf("restored source_thread = %q, want %q", restoredDecision.SourceThread, liveDecision.SourceThread)
	}

	// applyDecisionRendered rebuilds the terminal RENDERED row directly;
	// the replayed row should land there too, one event later.
	if restoredDecision.State != liveDecision.State {
		t.Fatalf("restored state = %s, want %s", restoredDecision.State, liveDecision.State)
	}
	if restoredDecision.RenderedOption != liveDecision.RenderedOption {
		t.Fatalf("restored rendered_option = %q, want %q", restoredDecision.RenderedOption, liveDecision.RenderedOption)
	}
}

// TestRebuildReadModelIsIdempotent exercises the online-rebuild leg:
// replaying a project's own live events back through the projectors must
// not disturb rows the live path already wrote correctly.
func TestRebuildReadModelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	live := newEngine(t, t.TempDir())

	if _, err := live.InitProject(ctx, "tenant-1", "proj-1", "live project", "owner-1"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	cmd, card, err := live.RequestCommand(ctx, commands.RequestOptions{
		TenantID:      "tenant-1",
		ProjectID:     "proj-1",
		CorrelationID: "corr-1",
		Title:         "deploy service",
		Spec:          commands.Spec{CommandType: "deploy"},
		ActorID:       "bot-1",
	})
	if err != nil {
		t.Fatalf("request command: %v", err)
	}
	if _, err := live.StartRun(ctx, cmd.CommandID, card.CardID, "worker-1"); err != nil {
		t.Fatalf("start run: %v", err)
	}

	before, err := cards.Get(ctx, live.DB, card.CardID)
	if err != nil {
		t.Fatalf("card before rebuild: %v", err)
	}

	if _, _, err := live.RebuildReadModel(ctx, "proj-1", replay.Cursor{}, time.Now().UnixMilli()+1); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	after, err := cards.Get(ctx, live.DB, card.CardID)
	if err != nil {
		t.Fatalf("card after rebuild: %v", err)
	}
	if after != before {
		t.Fatalf("rebuild mutated an up-to-date card row:\nbefore=%+v\nafter=%+v", before, after)
	}
}
