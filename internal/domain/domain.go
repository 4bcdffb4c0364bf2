// Package domain holds the read-model and event-log row shapes shared by
// the store, the engine, and the HTTP API.
package domain

// Event is the immutable append-only log record. Every state change in the
// system is represented by exactly one Event; read models are entirely
// derived from replaying these rows.
type Event struct {
	ID               string `json:"event_id"`
	TenantID         string `json:"tenant_id"`
	ProjectID        string `json:"project_id"`
	Type             string `json:"type"`
	Version          int    `json:"version"`
	TS               int64  `json:"ts"`
	CorrelationID    string `json:"correlation_id"`
	CausationID      string `json:"causation_id,omitempty"`
	CommandID        string `json:"command_id,omitempty"`
	RunID            string `json:"run_id,omitempty"`
	CardID           string `json:"card_id,omitempty"`
	DecisionID       string `json:"decision_id,omitempty"`
	IdempotencyKey   string `json:"idempotency_key,omitempty"`
	ProducerService  string `json:"producer_service"`
	ProducerVersion  string `json:"producer_version,omitempty"`
	TagsJSON         string `json:"tags_json,omitempty"`
	PayloadJSON      string `json:"payload_json"`
}

// Command is the read-model projection of a CommandRequested/Started/
// Succeeded/Failed/Canceled chain.
type Command struct {
	CommandID       string `json:"command_id"`
	TenantID        string `json:"tenant_id"`
	ProjectID       string `json:"project_id"`
	Status          string `json:"status" enum:"PENDING,RUNNING,SUCCEEDED,FAILED,CANCELED"`
	LatestRunID     string `json:"latest_run_id,omitempty"`
	LastEventID     string `json:"last_event_id"`
	Priority        int    `json:"priority"`
	CommandType     string `json:"command_type"`
	CommandVersion  string `json:"command_version,omitempty"`
	ArgsJSON        string `json:"args_json,omitempty"`
	ContextJSON     string `json:"context_json,omitempty"`
	ConstraintsJSON string `json:"constraints_json,omitempty"`
	Title           string `json:"title"`
	CorrelationID   string `json:"correlation_id"`
	CreatedTS       int64  `json:"created_ts"`
	UpdatedTS       int64  `json:"updated_ts"`
}

// Run is one execution attempt of a Command.
type Run struct {
	RunID       string `json:"run_id"`
	TenantID    string `json:"tenant_id"`
	ProjectID   string `json:"project_id"`
	CommandID   string `json:"command_id"`
	Status      string `json:"status" enum:"RUNNING,SUCCEEDED,FAILED"`
	Attempt     int    `json:"attempt"`
	StartedTS   int64  `json:"started_ts,omitempty"`
	EndedTS     int64  `json:"ended_ts,omitempty"`
	Executor    string `json:"executor,omitempty"`
	Error       string `json:"error,omitempty"`
	LastEventID string `json:"last_event_id"`
}

// Card is the work-item view over a Command; it owns the state machine.
type Card struct {
	CardID          string `json:"card_id"`
	TenantID        string `json:"tenant_id"`
	ProjectID       string `json:"project_id"`
	CommandID       string `json:"command_id"`
	CorrelationID   string `json:"correlation_id"`
	State           string `json:"state" enum:"READY,RUNNING,NEEDS_DECISION,RETRY_SCHEDULED,DONE,FAILED"`
	Priority        int    `json:"priority"`
	Title           string `json:"title"`
	CommandType     string `json:"command_type"`
	ArgsJSON        string `json:"args_json,omitempty"`
	ConstraintsJSON string `json:"constraints_json,omitempty"`
	CapabilitiesJSON string `json:"capabilities_json,omitempty"`
	Attempt         int    `json:"attempt"`
	RetryAtTS       int64  `json:"retry_at_ts,omitempty"`
	CreatedTS       int64  `json:"created_ts"`
	UpdatedTS       int64  `json:"updated_ts"`
	LastEventID     string `json:"last_event_id"`
}

// DecisionOption is one selectable choice on a Decision. Value is an
// arbitrary JSON-serializable payload carried through to the rendered
// event for bots that need more than the label text.
type DecisionOption struct {
	Key         string `json:"key"`
	Label       string `json:"label"`
	Consequence string `json:"consequence,omitempty"`
	Value       any    `json:"value,omitempty"`
}

// Decision is a structured request for human selection among enumerated
// options, with urgency and optional expiration/fallback.
type Decision struct {
	DecisionID       string            `json:"decision_id"`
	TenantID         string            `json:"tenant_id"`
	ProjectID        string            `json:"project_id"`
	CardID           string            `json:"card_id"`
	CommandID        string            `json:"command_id"`
	RunID            string            `json:"run_id,omitempty"`
	CorrelationID    string            `json:"correlation_id"`
	State            string            `json:"state" enum:"PENDING,CLAIMED,RENDERED,EXPIRED"`
	Urgency          string            `json:"urgency" enum:"now,today,whenever"`
	Title            string            `json:"title"`
	ContextSummary   string            `json:"context_summary,omitempty"`
	Options          []DecisionOption  `json:"options"`
	ArtifactRefsJSON string            `json:"artifact_refs_json,omitempty"`
	SourceThread     string            `json:"source_thread,omitempty"`
	RequestedAt      int64             `json:"requested_at"`
	ExpiresAt        int64             `json:"expires_at,omitempty"`
	FallbackOption   string            `json:"fallback_option,omitempty"`
	ClaimedBy        string            `json:"claimed_by,omitempty"`
	ClaimedUntil     int64             `json:"claimed_until,omitempty"`
	RenderedOption   string            `json:"rendered_option,omitempty"`
	RenderedValueJSON string           `json:"rendered_value_json,omitempty"`
	RenderedBy       string            `json:"rendered_by,omitempty"`
	RenderedAt       int64             `json:"rendered_at,omitempty"`
	LastEventID      string            `json:"last_event_id"`
}

// ArtifactLink references a related artifact by relation type.
type ArtifactLink struct {
	Rel        string `json:"rel"`
	ArtifactID string `json:"artifact_id"`
}

// Artifact is an immutable, content-addressed manifest pointing at bytes
// held by the external blob provider.
type Artifact struct {
	ArtifactID      string         `json:"artifact_id"`
	TenantID        string         `json:"tenant_id"`
	ProjectID       string         `json:"project_id"`
	ContentSHA256   string         `json:"content_sha256"`
	Type            string         `json:"type"`
	LogicalName     string         `json:"logical_name"`
	ByteSize        int64          `json:"byte_size"`
	LabelsJSON      string         `json:"labels_json,omitempty"`
	CreatedAt       int64          `json:"created_at"`
	CommandID       string         `json:"command_id,omitempty"`
	RunID           string         `json:"run_id,omitempty"`
	EventID         string         `json:"event_id"`
	StorageProvider string         `json:"storage_provider"`
	StorageKey      string         `json:"storage_key"`
	StorageBucket   string         `json:"storage_bucket,omitempty"`
	Links           []ArtifactLink `json:"links,omitempty"`
}

// Project is the top-level scoping entity; every row in the system belongs
// to exactly one (TenantID, ProjectID) pair.
type Project struct {
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
	CreatedBy string `json:"created_by"`
}

// Membership ties a user to a project with a fixed role.
type Membership struct {
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role" enum:"owner,operator,viewer,bot"`
	CreatedAt int64  `json:"created_at"`
}

// APIKey is a hashed, long-lived bot/service credential bound to one user
// identity. Only KeyHash is ever persisted; the raw key is shown once.
type APIKey struct {
	KeyID     string `json:"key_id"`
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt int64  `json:"created_at"`
}
