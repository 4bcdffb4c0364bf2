package api

import (
	"github.com/coordline-dev/coordline/internal/commands"
	"github.com/coordline-dev/coordline/internal/decisions"
	"github.com/coordline-dev/coordline/internal/domain"
)

// createProjectRequest is init_project's body.
type createProjectRequest struct {
	ProjectID string `json:"project_id"`
	TenantID  string `json:"tenant_id"`
	Name      string `json:"name"`
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role" enum:"owner,operator,viewer,bot"`
}

type requestCommandRequest struct {
	CorrelationID  string                 `json:"correlation_id"`
	Title          string                 `json:"title"`
	CommandType    string                 `json:"command_type"`
	CommandVersion string                 `json:"command_version,omitempty"`
	Args           map[string]any         `json:"args,omitempty"`
	Context        map[string]any         `json:"context,omitempty"`
	Priority       *int                   `json:"priority,omitempty"`
	ConcurrencyKey string                 `json:"concurrency_key,omitempty"`
	MaxRetries     *int                   `json:"max_retries,omitempty"`
	Capabilities   []string               `json:"capabilities,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}

func (r requestCommandRequest) toOptions(tenantID, projectID, actorID string) commands.RequestOptions {
	var constraints *commands.Constraints
	if r.Priority != nil || r.ConcurrencyKey != "" || r.MaxRetries != nil {
		constraints = &commands.Constraints{Priority: r.Priority, ConcurrencyKey: r.ConcurrencyKey, MaxRetries: r.MaxRetries}
	}
	return commands.RequestOptions{
		TenantID:      tenantID,
		ProjectID:     projectID,
		CorrelationID: r.CorrelationID,
		Title:         r.Title,
		Spec: commands.Spec{
			CommandType:    r.CommandType,
			CommandVersion: r.CommandVersion,
			Args:           r.Args,
			Context:        r.Context,
			Constraints:    constraints,
		},
		Capabilities:   r.Capabilities,
		IdempotencyKey: r.IdempotencyKey,
		ActorID:        actorID,
	}
}

type startRunRequest struct {
	CardID   string `json:"card_id"`
	Executor string `json:"executor"`
}

type finishRunFailureRequest struct {
	CardID    string `json:"card_id"`
	Error     string `json:"error"`
	RetryAtTS int64  `json:"retry_at_ts,omitempty"`
}

type reportArtifactRequest struct {
	Content       string                 `json:"content"`
	Encoding      string                 `json:"encoding" enum:"utf8,base64"`
	Type          string                 `json:"type"`
	LogicalName   string                 `json:"logical_name"`
	Labels        map[string]any         `json:"labels,omitempty"`
	CommandID     string                 `json:"command_id,omitempty"`
	RunID         string                 `json:"run_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Links         []domain.ArtifactLink  `json:"links,omitempty"`
}

type requestDecisionRequest struct {
	CardID         string                   `json:"card_id"`
	CommandID      string                   `json:"command_id"`
	RunID          string                   `json:"run_id,omitempty"`
	CorrelationID  string                   `json:"correlation_id"`
	Urgency        string                   `json:"urgency" enum:"now,today,whenever"`
	Title          string                   `json:"title"`
	ContextSummary string                   `json:"context_summary,omitempty"`
	Options        []domain.DecisionOption  `json:"options"`
	ArtifactRefs   []string                 `json:"artifact_refs,omitempty"`
	SourceThread   string                   `json:"source_thread,omitempty"`
	ExpiresAt      int64                    `json:"expires_at,omitempty"`
	FallbackOption string                   `json:"fallback_option,omitempty"`
}

func (r requestDecisionRequest) toOptions(tenantID, projectID string) decisions.RequestOptions {
	return decisions.RequestOptions{
		TenantID:       tenantID,
		ProjectID:      projectID,
		CardID:         r.CardID,
		CommandID:      r.CommandID,
		RunID:          r.RunID,
		CorrelationID:  r.CorrelationID,
		Urgency:        r.Urgency,
		Title:          r.Title,
		ContextSummary: r.ContextSummary,
		Options:        r.Options,
		ArtifactRefs:   r.ArtifactRefs,
		SourceThread:   r.SourceThread,
		ExpiresAt:      r.ExpiresAt,
		FallbackOption: r.FallbackOption,
	}
}

type renderDecisionRequest struct {
	OptionKey string `json:"option_key"`
	Note      string `json:"note,omitempty"`
}

type claimRequest struct {
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}
