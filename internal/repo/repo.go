// Package repo assembles cross-package read views that don't belong to
// any single domain package: the decision_detail context bundle and
// project bootstrap. Grounded on the teacher's repo.go, which plays the
// same "everything-else" read-model role for its own domain.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/coordline-dev/coordline/internal/access"
	"github.com/coordline-dev/coordline/internal/artifacts"
	"github.com/coordline-dev/coordline/internal/cards"
	"github.com/coordline-dev/coordline/internal/commands"
	"github.com/coordline-dev/coordline/internal/decisions"
	"github.com/coordline-dev/coordline/internal/domain"
	"github.com/coordline-dev/coordline/internal/eventlog"
)

type Repo struct {
	DB  *sql.DB
	Log eventlog.Log
}

func New(db *sql.DB, log eventlog.Log) Repo { return Repo{DB: db, Log: log} }

// DecisionDetailBundle is the context bundle decision_detail assembles at
// read time: the decision itself, its originating command, any resolved
// artifacts referenced by artifact_refs, and the full event chain for the
// command's correlation id.
type DecisionDetailBundle struct {
	Decision  domain.Decision   `json:"decision"`
	Command   domain.Command    `json:"command"`
	Artifacts []domain.Artifact `json:"artifacts,omitempty"`
	Events    []domain.Event    `json:"events"`
}

// DecisionDetail implements decision_detail(project_id, decision_id).
// Returns decisions.Get's not-found error for an unknown decision and
// access.NotFoundError for a cross-project one (both answer 404), per
// §4.6's "returns null for unknown or cross-project decisions" and §4.3's
// oracle-leakage guard (the two are the same rule at different layers).
func (r Repo) DecisionDetail(ctx context.Context, projectID, decisionID string) (DecisionDetailBundle, error) {
	d, err := decisions.Get(ctx, r.DB, decisionID)
	if err != nil {
		return DecisionDetailBundle{}, err
	}
	if err := access.RequireScope("decision", decisionID, d.ProjectID, projectID); err != nil {
		return DecisionDetailBundle{}, err
	}

	cmd, err := commands.Get(ctx, r.DB, d.CommandID)
	if err != nil {
		return DecisionDetailBundle{}, err
	}

	var refs []string
	if d.ArtifactRefsJSON != "" {
		_ = json.Unmarshal([]byte(d.ArtifactRefsJSON), &refs)
	}
	var arts []domain.Artifact
	for _, ref := range refs {
		a, err := artifacts.Get(ctx, r.DB, ref)
		if err != nil {
			continue // a dangling ref does not fail the whole bundle
		}
		arts = append(arts, a)
	}

	events, err := r.Log.ByCorrelation(ctx, projectID, d.CommandID)
	if err != nil {
		return DecisionDetailBundle{}, err
	}

	return DecisionDetailBundle{Decision: d, Command: cmd, Artifacts: arts, Events: events}, nil
}

// Snapshot is the point-in-time view await_decision returns.
type Snapshot struct {
	Status         string `json:"status"`
	SelectedOption string `json:"selected_option,omitempty"`
	RenderedBy     string `json:"rendered_by,omitempty"`
}

// AwaitSnapshot implements await_decision's non-blocking status read; the
// polling loop itself lives in the caller (bot SDK or CLI).
func (r Repo) AwaitSnapshot(ctx context.Context, projectID, decisionID string) (Snapshot, error) {
	d, err := decisions.Get(ctx, r.DB, decisionID)
	if err != nil {
		return Snapshot{}, err
	}
	if err := access.RequireScope("decision", decisionID, d.ProjectID, projectID); err != nil {
		return Snapshot{}, err
	}
	status := map[string]string{
		decisions.Pending:  "pending",
		decisions.Claimed:  "claimed",
		decisions.Rendered: "rendered",
		decisions.Expired:  "expired",
	}[d.State]
	return Snapshot{Status: status, SelectedOption: d.RenderedOption, RenderedBy: d.RenderedBy}, nil
}

// InitProject implements init_project: creates the project row and adds
// the caller as its first (and, at creation time, only) owner.
func InitProject(ctx context.Context, tx *sql.Tx, tenantID, projectID, name, creatorUserID string, nowMS int64) (domain.Project, error) {
	p := domain.Project{TenantID: tenantID, ProjectID: projectID, Name: name, CreatedAt: nowMS, CreatedBy: creatorUserID}
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects (tenant_id, project_id, name, created_at, created_by) VALUES (?,?,?,?,?)`,
		p.TenantID, p.ProjectID, p.Name, p.CreatedAt, p.CreatedBy); err != nil {
		return domain.Project{}, err
	}
	if err := access.AddMember(ctx, tx, tenantID, projectID, creatorUserID, access.RoleOwner, nowMS); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// GetProject fetches a project row outside any transaction.
func GetProject(ctx context.Context, db *sql.DB, projectID string) (domain.Project, error) {
	row := db.QueryRowContext(ctx, `SELECT tenant_id, project_id, name, created_at, created_by FROM projects WHERE project_id=?`, projectID)
	var p domain.Project
	err := row.Scan(&p.TenantID, &p.ProjectID, &p.Name, &p.CreatedAt, &p.CreatedBy)
	return p, err
}

// ProjectStatus is the readiness snapshot GET /projects/{project_id}/status and `proofctl status`
// report: card counts by state plus the most recent sweep pass.
type ProjectStatus struct {
	ProjectID    string         `json:"project_id"`
	CardsByState map[string]int `json:"cards_by_state"`
	LastSweptTS  int64          `json:"last_swept_ts,omitempty"`
}

// Status implements the /status supplemental read: card counts by state
// and the sweep_state row recordSweepState stamps on every pass.
func (r Repo) Status(ctx context.Context, projectID string) (ProjectStatus, error) {
	projectCards, err := cards.ListByProjectState(ctx, r.DB, projectID, nil)
	if err != nil {
		return ProjectStatus{}, err
	}
	counts := make(map[string]int)
	for _, c := range projectCards {
		counts[c.State]++
	}
	var lastSwept int64
	row := r.DB.QueryRowContext(ctx, `SELECT last_swept_ts FROM sweep_state WHERE project_id=?`, projectID)
	_ = row.Scan(&lastSwept) // no rows yet if no sweep has run
	return ProjectStatus{ProjectID: projectID, CardsByState: counts, LastSweptTS: lastSwept}, nil
}
