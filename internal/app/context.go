// Package app holds the local/dev convenience wiring `proofctl project
// init` needs before any HTTP call exists: given a workspace and a project
// id, ensure the project row and its first owner exist. Grounded on the
// teacher's internal/app/context.go single-project auto-provisioning idea,
// narrowed to this domain's project/membership model; the HTTP
// init_project operation itself stays explicit and never auto-provisions.
package app

import (
	"context"
	"database/sql"
	"errors"

	"github.com/coordline-dev/coordline/internal/domain"
	"github.com/coordline-dev/coordline/internal/repo"
)

// EnsureLocalProject returns the project if it already exists, or creates
// it (with creatorUserID as its first owner) if it doesn't.
func EnsureLocalProject(ctx context.Context, db *sql.DB, tenantID, projectID, name, creatorUserID string, nowMS int64) (domain.Project, bool, error) {
	p, err := repo.GetProject(ctx, db, projectID)
	if err == nil {
		return p, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Project{}, false, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, false, err
	}
	defer tx.Rollback()
	p, err = repo.InitProject(ctx, tx, tenantID, projectID, name, creatorUserID, nowMS)
	if err != nil {
		return domain.Project{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, false, err
	}
	return p, true, nil
}
