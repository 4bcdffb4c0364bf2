// Package artifacts implements the Artifact Registry (§4.7): content-
// addressed manifest writes with per-project SHA-256 dedup and provenance,
// backed by a Provider for the actual bytes. Grounded on the teacher's
// single-transaction insert+event-append shape (internal/engine.CreateTask),
// generalized to a dedup-lookup-then-store procedure the teacher has no
// analogue for.
package artifacts

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coordline-dev/coordline/internal/domain"
	"github.com/coordline-dev/coordline/internal/eventlog"
	"github.com/coordline-dev/coordline/internal/ids"
)

var ErrUnknownEncoding = errors.New("encoding must be utf8 or base64")

type NotFoundError struct{ ArtifactID string }

func (e NotFoundError) Error() string { return fmt.Sprintf("artifact %s not found", e.ArtifactID) }

// ReportOptions is the input to Report (report_artifact).
type ReportOptions struct {
	TenantID      string
	ProjectID     string
	Content       string
	Encoding      string // "utf8" or "base64"
	Type          string
	LogicalName   string
	Labels        map[string]any
	CommandID     string
	RunID         string
	CorrelationID string
	Links         []domain.ArtifactLink
}

func decode(content, encoding string) ([]byte, error) {
	switch encoding {
	case "utf8", "":
		return []byte(content), nil
	case "base64":
		return base64.StdEncoding.DecodeString(content)
	default:
		return nil, ErrUnknownEncoding
	}
}

// Result carries the dedup outcome alongside the manifest.
type Result struct {
	Artifact     domain.Artifact
	Deduplicated bool
}

// Report implements report_artifact's five-step procedure from §4.7.
func Report(ctx context.Context, tx *sql.Tx, log eventlog.Log, provider Provider, opts ReportOptions) (Result, error) {
	raw, err := decode(opts.Content, opts.Encoding)
	if err != nil {
		return Result{}, err
	}
	sum := sha256Hex(raw)

	existing, err := findByHashTx(ctx, tx, opts.ProjectID, sum)
	if err == nil {
		return Result{Artifact: existing, Deduplicated: true}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Result{}, err
	}

	pointer, err := provider.Put(ctx, opts.ProjectID, raw)
	if err != nil {
		return Result{}, err
	}

	artifactID := ids.New("art", log.Now())
	labelsJSON, _ := marshalOrEmpty(opts.Labels)
	linksJSON, _ := marshalOrEmpty(opts.Links)

	evt, err := log.Append(ctx, tx, eventlog.NewEvent{
		TenantID:      opts.TenantID,
		ProjectID:     opts.ProjectID,
		Type:          "ArtifactProduced",
		Version:       1,
		CorrelationID: opts.CorrelationID,
		CommandID:     opts.CommandID,
		RunID:         opts.RunID,
		Payload: map[string]any{
			"artifact_id":    artifactID,
			"content_sha256": sum,
			"type":           opts.Type,
			"logical_name":   opts.LogicalName,
			"byte_size":      len(raw),
		},
	})
	if err != nil {
		return Result{}, err
	}

	a := domain.Artifact{
		ArtifactID:      artifactID,
		TenantID:        opts.TenantID,
		ProjectID:       opts.ProjectID,
		ContentSHA256:   sum,
		Type:            opts.Type,
		LogicalName:     opts.LogicalName,
		ByteSize:        int64(len(raw)),
		LabelsJSON:      labelsJSON,
		CreatedAt:       evt.TS,
		CommandID:       opts.CommandID,
		RunID:           opts.RunID,
		EventID:         evt.ID,
		StorageProvider: "local",
		StorageKey:      pointer,
		Links:           opts.Links,
	}
	if err := insertTx(ctx, tx, a, linksJSON); err != nil {
		return Result{}, err
	}
	return Result{Artifact: a}, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func marshalOrEmpty(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func insertTx(ctx context.Context, tx *sql.Tx, a domain.Artifact, linksJSON string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO artifacts
		(artifact_id, tenant_id, project_id, content_sha256, type, logical_name, byte_size, labels_json,
		 created_at, command_id, run_id, event_id, storage_provider, storage_key, storage_bucket, links_json)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ArtifactID, a.TenantID, a.ProjectID, a.ContentSHA256, a.Type, a.LogicalName, a.ByteSize,
		nullable(a.LabelsJSON), a.CreatedAt, nullable(a.CommandID), nullable(a.RunID), a.EventID,
		a.StorageProvider, a.StorageKey, nullable(a.StorageBucket), nullable(linksJSON))
	return err
}

const artifactSelect = `SELECT artifact_id, tenant_id, project_id, content_sha256, type, logical_name, byte_size,
	COALESCE(labels_json,''), created_at, COALESCE(command_id,''), COALESCE(run_id,''), event_id,
	storage_provider, storage_key, COALESCE(storage_bucket,''), COALESCE(links_json,'') FROM artifacts`

func scanArtifact(row interface{ Scan(...any) error }) (domain.Artifact, error) {
	var a domain.Artifact
	var linksJSON string
	err := row.Scan(&a.ArtifactID, &a.TenantID, &a.ProjectID, &a.ContentSHA256, &a.Type, &a.LogicalName,
		&a.ByteSize, &a.LabelsJSON, &a.CreatedAt, &a.CommandID, &a.RunID, &a.EventID, &a.StorageProvider,
		&a.StorageKey, &a.StorageBucket, &linksJSON)
	if err != nil {
		return a, err
	}
	if linksJSON != "" {
		_ = json.Unmarshal([]byte(linksJSON), &a.Links)
	}
	return a, nil
}

func findByHashTx(ctx context.Context, tx *sql.Tx, projectID, contentSHA256 string) (domain.Artifact, error) {
	row := tx.QueryRowContext(ctx, artifactSelect+` WHERE project_id=? AND content_sha256=?`, projectID, contentSHA256)
	return scanArtifact(row)
}

// Get fetches a single artifact manifest outside any transaction.
func Get(ctx context.Context, db *sql.DB, artifactID string) (domain.Artifact, error) {
	row := db.QueryRowContext(ctx, artifactSelect+` WHERE artifact_id=?`, artifactID)
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return a, NotFoundError{ArtifactID: artifactID}
	}
	return a, err
}

// ForRun implements artifacts_for_run.
func ForRun(ctx context.Context, db *sql.DB, runID string) ([]domain.Artifact, error) {
	rows, err := db.QueryContext(ctx, artifactSelect+` WHERE run_id=? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// ForCommand implements artifacts_for_command.
func ForCommand(ctx context.Context, db *sql.DB, commandID string) ([]domain.Artifact, error) {
	rows, err := db.QueryContext(ctx, artifactSelect+` WHERE command_id=? ORDER BY created_at ASC`, commandID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows *sql.Rows) ([]domain.Artifact, error) {
	var out []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
