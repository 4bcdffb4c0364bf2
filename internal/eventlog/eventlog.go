// Package eventlog is the sole write path for state: one append primitive
// and three read primitives over an immutable, idempotency-keyed,
// secret-scanned event stream. Grounded on the teacher's
// internal/events.Writer, generalized from a single INSERT into the full
// contract §4.1 requires.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"

	"github.com/coordline-dev/coordline/internal/domain"
	"github.com/coordline-dev/coordline/internal/ids"
)

// ErrSecretInPayload is returned when Append finds a known secret pattern
// in the payload or tags.
var ErrSecretInPayload = errors.New("secret pattern detected in event payload")

// secretPatterns are the known-credential shapes §4.1 names: GitHub PATs,
// "sk-" style API keys, Bearer tokens, PEM headers, AWS access keys, and
// Slack xox* tokens. Matched against the raw marshaled JSON of payload and
// tags, not parsed field by field, since none of the corpus's libraries
// offer a structured secret scanner and the patterns are simple literals.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`),
	regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9\-._~+/]{20,}`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`),
}

// NewEvent is the caller-assembled, not-yet-persisted event. Append fills
// in EventID, TS, and ProducerService/Version defaults where absent.
type NewEvent struct {
	TenantID       string
	ProjectID      string
	Type           string
	Version        int
	CorrelationID  string
	CausationID    string
	CommandID      string
	RunID          string
	CardID         string
	DecisionID     string
	IdempotencyKey string
	Producer       Producer
	Tags           map[string]any
	Payload        any
}

// Producer identifies the component that appended an event.
type Producer struct {
	Service string
	Version string
}

// Log appends to and reads from the events table. Now is injected so tests
// can fix the clock, matching the teacher's engine.Now convention.
type Log struct {
	DB  *sql.DB
	Now func() int64
}

// New constructs a Log with the real wall clock.
func New(db *sql.DB, now func() int64) Log {
	return Log{DB: db, Now: now}
}

func containsSecret(v any) bool {
	if v == nil {
		return false
	}
	b, err := json.Marshal(v)
	if err != nil {
		return false
	}
	for _, re := range secretPatterns {
		if re.Match(b) {
			return true
		}
	}
	return false
}

// Append is the only operation that writes to the log. It scans for
// secrets, resolves idempotency, inserts, and returns the resulting event.
// Callers run Append inside their own transaction so the read model patch
// that follows lands in the same atomic unit.
func (l Log) Append(ctx context.Context, tx *sql.Tx, e NewEvent) (domain.Event, error) {
	if containsSecret(e.Payload) || containsSecret(e.Tags) {
		return domain.Event{}, ErrSecretInPayload
	}

	if e.IdempotencyKey != "" {
		existing, err := l.findByIdempotencyKeyTx(ctx, tx, e.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.Event{}, err
		}
	}

	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return domain.Event{}, err
	}
	var tagsJSON []byte
	if e.Tags != nil {
		tagsJSON, err = json.Marshal(e.Tags)
		if err != nil {
			return domain.Event{}, err
		}
	}

	now := l.Now()
	row := domain.Event{
		ID:              ids.New("evt", now),
		TenantID:        e.TenantID,
		ProjectID:       e.ProjectID,
		Type:            e.Type,
		Version:         e.Version,
		TS:              now,
		CorrelationID:   e.CorrelationID,
		CausationID:     e.CausationID,
		CommandID:       e.CommandID,
		RunID:           e.RunID,
		CardID:          e.CardID,
		DecisionID:      e.DecisionID,
		IdempotencyKey:  e.IdempotencyKey,
		ProducerService: orDefault(e.Producer.Service, "coordline-core"),
		ProducerVersion: e.Producer.Version,
		TagsJSON:        string(tagsJSON),
		PayloadJSON:     string(payloadJSON),
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO events
		(event_id, tenant_id, project_id, type, version, ts, correlation_id, causation_id,
		 command_id, run_id, card_id, decision_id, idempotency_key, producer_service,
		 producer_version, tags_json, payload_json)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		row.ID, row.TenantID, row.ProjectID, row.Type, row.Version, row.TS, row.CorrelationID,
		nullable(row.CausationID), nullable(row.CommandID), nullable(row.RunID), nullable(row.CardID),
		nullable(row.DecisionID), nullable(row.IdempotencyKey), row.ProducerService,
		nullable(row.ProducerVersion), nullable(row.TagsJSON), row.PayloadJSON)
	if err != nil {
		return domain.Event{}, err
	}
	return row, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const eventColumns = `event_id, tenant_id, project_id, type, version, ts, correlation_id,
	COALESCE(causation_id,''), COALESCE(command_id,''), COALESCE(run_id,''), COALESCE(card_id,''),
	COALESCE(decision_id,''), COALESCE(idempotency_key,''), producer_service,
	COALESCE(producer_version,''), COALESCE(tags_json,''), payload_json`

func scanEvent(row interface{ Scan(...any) error }) (domain.Event, error) {
	var e domain.Event
	err := row.Scan(&e.ID, &e.TenantID, &e.ProjectID, &e.Type, &e.Version, &e.TS, &e.CorrelationID,
		&e.CausationID, &e.CommandID, &e.RunID, &e.CardID, &e.DecisionID, &e.IdempotencyKey,
		&e.ProducerService, &e.ProducerVersion, &e.TagsJSON, &e.PayloadJSON)
	return e, err
}

func (l Log) findByIdempotencyKeyTx(ctx context.Context, tx *sql.Tx, key string) (domain.Event, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE idempotency_key=?`, key)
	return scanEvent(row)
}

// ByCorrelation returns the chronologically ordered chain for a correlation
// id, scoped to one project.
func (l Log) ByCorrelation(ctx context.Context, projectID, correlationID string) ([]domain.Event, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events
		WHERE project_id=? AND correlation_id=? ORDER BY ts ASC, event_id ASC`, projectID, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// ByType returns events of one type across the tenant (cross-project by
// design), optionally bounded by a ts range and a limit.
func (l Log) ByType(ctx context.Context, typ string, sinceTS, untilTS int64, limit int) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE type=?`
	args := []any{typ}
	if sinceTS > 0 {
		query += ` AND ts >= ?`
		args = append(args, sinceTS)
	}
	if untilTS > 0 {
		query += ` AND ts <= ?`
		args = append(args, untilTS)
	}
	query += ` ORDER BY ts ASC, event_id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// ByTSRange is the replay cursor read: events at sinceTS with
// event_id <= afterEventID are excluded, giving a strict composite
// (ts, event_id) cursor. Ordered (ts asc, event_id asc) by the query
// itself, never re-sorted by a caller (Open Question 3, resolved in
// SPEC_FULL.md §9).
func (l Log) ByTSRange(ctx context.Context, projectID string, sinceTS, untilTS int64, afterEventID string, limit int) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE project_id=? AND ts >= ?`
	args := []any{projectID, sinceTS}
	if untilTS > 0 {
		query += ` AND ts <= ?`
		args = append(args, untilTS)
	}
	if afterEventID != "" {
		query += ` AND NOT (ts = ? AND event_id <= ?)`
		args = append(args, sinceTS, afterEventID)
	}
	query += ` ORDER BY ts ASC, event_id ASC`
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows *sql.Rows) ([]domain.Event, error) {
	var out []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
