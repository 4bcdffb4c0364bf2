package sweeper_test

import (
	"context"
	"testing"
	"time"

	"github.com/coordline-dev/coordline/internal/artifacts"
	"github.com/coordline-dev/coordline/internal/commands"
	"github.com/coordline-dev/coordline/internal/config"
	"github.com/coordline-dev/coordline/internal/db"
	"github.com/coordline-dev/coordline/internal/decisions"
	"github.com/coordline-dev/coordline/internal/domain"
	"github.com/coordline-dev/coordline/internal/engine"
	"github.com/coordline-dev/coordline/internal/eventlog"
	"github.com/coordline-dev/coordline/internal/migrate"
	"github.com/coordline-dev/coordline/internal/sweeper"
)

const baseMS = int64(1_700_000_000_000)

type harness struct {
	eng     engine.Engine
	sweeper sweeper.Sweeper
	now     int64
}

func (h *harness) advance(d time.Duration) { h.now += d.Milliseconds() }

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	h := &harness{now: baseMS}
	nowFn := func() int64 { return h.now }
	log := eventlog.New(conn, nowFn)

	cfg := config.Default()
	eng := engine.New(conn, cfg, artifacts.NewLocalProvider(dir+"/blobs"))
	eng.Log = log
	eng.Repo.Log = log
	eng.Now = func() time.Time { return time.UnixMilli(h.now) }
	h.eng = eng

	h.sweeper = sweeper.New(conn, log, sweeper.Thresholds{DeferCount: 2, EmergencyCount: 5}, nil)
	return h
}

func (h *harness) readyCard(t *testing.T, ctx context.Context, correlationID string) (commandID, cardID, runID string) {
	t.Helper()
	cmd, card, err := h.eng.RequestCommand(ctx, commands.RequestOptions{
		TenantID: "tenant-1", ProjectID: "proj-1", CorrelationID: correlationID,
		Title: "work", Spec: commands.Spec{CommandType: "build"}, ActorID: "bot-1",
	})
	if err != nil {
		t.Fatalf("request command: %v", err)
	}
	run, err := h.eng.StartRun(ctx, cmd.CommandID, card.CardID, "bot-1")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	return cmd.CommandID, card.CardID, run.RunID
}

func setupProject(t *testing.T, h *harness, ctx context.Context) {
	t.Helper()
	if _, err := h.eng.InitProject(ctx, "tenant-1", "proj-1", "test", "owner-1"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	if err := h.eng.AddMember(ctx, "tenant-1", "proj-1", "bot-1", "bot"); err != nil {
		t.Fatalf("add bot member: %v", err)
	}
}

func TestSweeperExpiresDecisionWithFallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	setupProject(t, h, ctx)

	commandID, cardID, runID := h.readyCard(t, ctx, "corr-1")
	d, err := h.eng.RequestDecision(ctx, decisionOpts(commandID, cardID, runID, "corr-1", baseMS+1000, "reject"))
	if err != nil {
		t.Fatalf("request decision: %v", err)
	}

	h.advance(2 * time.Second)
	report, err := h.sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.DecisionsExpired != 1 {
		t.Fatalf("decisions expired = %d, want 1", report.DecisionsExpired)
	}

	got, err := h.eng.DecisionDetail(ctx, "proj-1", d.DecisionID)
	if err != nil {
		t.Fatalf("decision detail: %v", err)
	}
	if got.Decision.State != "RENDERED" {
		t.Fatalf("decision state = %s, want RENDERED", got.Decision.State)
	}
	if got.Decision.RenderedBy != "system:sweeper" {
		t.Fatalf("rendered_by = %s, want system:sweeper", got.Decision.RenderedBy)
	}
	if got.Decision.RenderedOption != "reject" {
		t.Fatalf("rendered_option = %s, want reject", got.Decision.RenderedOption)
	}

	card, err := h.eng.GetCard(ctx, cardID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if card.State != "RUNNING" {
		t.Fatalf("card state = %s, want RUNNING", card.State)
	}
}

func TestSweeperExpiresDecisionWithoutFallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	setupProject(t, h, ctx)

	commandID, cardID, runID := h.readyCard(t, ctx, "corr-2")
	d, err := h.eng.RequestDecision(ctx, decisionOpts(commandID, cardID, runID, "corr-2", baseMS+1000, ""))
	if err != nil {
		t.Fatalf("request decision: %v", err)
	}

	h.advance(2 * time.Second)
	report, err := h.sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.DecisionsExpired != 1 {
		t.Fatalf("decisions expired = %d, want 1", report.DecisionsExpired)
	}

	got, err := h.eng.DecisionDetail(ctx, "proj-1", d.DecisionID)
	if err != nil {
		t.Fatalf("decision detail: %v", err)
	}
	if got.Decision.State != "EXPIRED" {
		t.Fatalf("decision state = %s, want EXPIRED", got.Decision.State)
	}

	card, err := h.eng.GetCard(ctx, cardID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if card.State != "FAILED" {
		t.Fatalf("card state = %s, want FAILED", card.State)
	}
}

func TestSweeperLoadShedsWheneverBacklogOnceNowBacklogExceedsDeferThreshold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	setupProject(t, h, ctx)

	for i := 0; i < 3; i++ {
		cid, cardID, runID := h.readyCard(t, ctx, "now-"+string(rune('a'+i)))
		if _, err := h.eng.RequestDecision(ctx, decisionOptsUrgency(cid, cardID, runID, "now-"+string(rune('a'+i)), "now", 0, "")); err != nil {
			t.Fatalf("request now decision %d: %v", i, err)
		}
	}

	fallbackCmd, fallbackCard, fallbackRun := h.readyCard(t, ctx, "whenever-fallback")
	dFallback, err := h.eng.RequestDecision(ctx, decisionOptsUrgency(fallbackCmd, fallbackCard, fallbackRun, "whenever-fallback", "whenever", 0, "reject"))
	if err != nil {
		t.Fatalf("request whenever-fallback: %v", err)
	}

	noFallbackCmd, noFallbackCard, noFallbackRun := h.readyCard(t, ctx, "whenever-no-fallback")
	expiresAt := h.now + 60_000
	dNoFallback, err := h.eng.RequestDecision(ctx, decisionOptsUrgency(noFallbackCmd, noFallbackCard, noFallbackRun, "whenever-no-fallback", "whenever", expiresAt, ""))
	if err != nil {
		t.Fatalf("request whenever-no-fallback: %v", err)
	}

	report, err := h.sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.DecisionsDeferred != 2 {
		t.Fatalf("decisions deferred = %d, want 2", report.DecisionsDeferred)
	}

	gotFallback, err := h.eng.DecisionDetail(ctx, "proj-1", dFallback.DecisionID)
	if err != nil {
		t.Fatalf("decision detail fallback: %v", err)
	}
	if gotFallback.Decision.State != "RENDERED" {
		t.Fatalf("fallback decision state = %s, want RENDERED", gotFallback.Decision.State)
	}

	gotNoFallback, err := h.eng.DecisionDetail(ctx, "proj-1", dNoFallback.DecisionID)
	if err != nil {
		t.Fatalf("decision detail no-fallback: %v", err)
	}
	if gotNoFallback.Decision.State != "PENDING" {
		t.Fatalf("no-fallback decision state = %s, want PENDING", gotNoFallback.Decision.State)
	}
	wantExpiresAt := expiresAt + int64(24*time.Hour/time.Millisecond)
	if gotNoFallback.Decision.ExpiresAt != wantExpiresAt {
		t.Fatalf("no-fallback expires_at = %d, want %d", gotNoFallback.Decision.ExpiresAt, wantExpiresAt)
	}

	// the now-urgency backlog is untouched by load shedding itself, so a
	// second pass still sees backlog 3 > threshold 2 and extends the
	// still-pending no-fallback decision's expiry again.
	again, err := h.sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if again.DecisionsDeferred != 1 {
		t.Fatalf("second pass deferred = %d, want 1 (only the no-fallback decision is still whenever+PENDING)", again.DecisionsDeferred)
	}
}

func decisionOpts(commandID, cardID, runID, correlationID string, expiresAt int64, fallback string) decisions.RequestOptions {
	return decisionOptsUrgency(commandID, cardID, runID, correlationID, "today", expiresAt, fallback)
}

func decisionOptsUrgency(commandID, cardID, runID, correlationID, urgency string, expiresAt int64, fallback string) decisions.RequestOptions {
	return decisions.RequestOptions{
		TenantID: "tenant-1", ProjectID: "proj-1", CardID: cardID, CommandID: commandID, RunID: runID,
		CorrelationID: correlationID, Urgency: urgency, Title: "pick one",
		Options:        []domain.DecisionOption{{Key: "accept", Label: "Accept"}, {Key: "reject", Label: "Reject"}},
		ExpiresAt:      expiresAt,
		FallbackOption: fallback,
	}
}
