package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/coordline-dev/coordline/internal/domain"
	"github.com/coordline-dev/coordline/internal/repo"
)

// registerDecisions implements request_decision, claim_decision,
// renew_claim, render_decision, pending_decisions, decision_detail,
// await_decision.
func registerDecisions(humaAPI huma.API, env Env) {
	huma.Register(humaAPI, huma.Operation{
		OperationID:   "request-decision",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/decisions",
		Summary:       "Request a human decision",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string                   `path:"project_id"`
		Body      requestDecisionRequest   `json:"body"`
	}) (*struct {
		Body domain.Decision `json:"body"`
	}, error) {
		authz, err := authorize(ctx, env, input.ProjectID, rolesBotOwner)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.CardID == "" || input.Body.CommandID == "" || input.Body.Title == "" || len(input.Body.Options) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "card_id, command_id, title and at least one option are required", nil)
		}
		d, err := env.Engine.RequestDecision(ctx, input.Body.toOptions(authz.TenantID, input.ProjectID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Decision `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "claim-decision",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/decisions/{decision_id}/claim",
		Summary:     "Claim a pending decision",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID  string        `path:"project_id"`
		DecisionID string        `path:"decision_id"`
		Body       claimRequest  `json:"body,omitempty"`
	}) (*struct {
		Body struct {
			Status       string `json:"status"`
			ClaimedBy    string `json:"claimed_by,omitempty"`
			ClaimedUntil int64  `json:"claimed_until,omitempty"`
		} `json:"body"`
	}, error) {
		authz, err := authorize(ctx, env, input.ProjectID, rolesDeciders)
		if err != nil {
			return nil, handleError(err)
		}
		ttl := time.Duration(input.Body.TTLSeconds) * time.Second
		result, err := env.Engine.ClaimDecision(ctx, input.ProjectID, input.DecisionID, authz.UserID, ttl)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body struct {
				Status       string `json:"status"`
				ClaimedBy    string `json:"claimed_by,omitempty"`
				ClaimedUntil int64  `json:"claimed_until,omitempty"`
			} `json:"body"`
		}{Body: struct {
			Status       string `json:"status"`
			ClaimedBy    string `json:"claimed_by,omitempty"`
			ClaimedUntil int64  `json:"claimed_until,omitempty"`
		}{Status: result.Status, ClaimedBy: result.ClaimedBy, ClaimedUntil: result.ClaimedUntil}}, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "renew-claim",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/decisions/{decision_id}/claim/renew",
		Summary:     "Renew the caller's claim on a decision",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID  string       `path:"project_id"`
		DecisionID string       `path:"decision_id"`
		Body       claimRequest `json:"body,omitempty"`
	}) (*struct{}, error) {
		authz, err := authorize(ctx, env, input.ProjectID, rolesDeciders)
		if err != nil {
			return nil, handleError(err)
		}
		ttl := time.Duration(input.Body.TTLSeconds) * time.Second
		if err := env.Engine.RenewClaim(ctx, input.ProjectID, input.DecisionID, authz.UserID, ttl); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "render-decision",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/decisions/{decision_id}/render",
		Summary:     "Render the caller's chosen option onto a decision",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID  string                  `path:"project_id"`
		DecisionID string                  `path:"decision_id"`
		Body       renderDecisionRequest   `json:"body"`
	}) (*struct {
		Body struct {
			Status string `json:"status"`
			Reason string `json:"reason,omitempty"`
		} `json:"body"`
	}, error) {
		authz, err := authorize(ctx, env, input.ProjectID, rolesDeciders)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.OptionKey == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "option_key is required", nil)
		}
		result, err := env.Engine.RenderDecision(ctx, input.ProjectID, input.DecisionID, input.Body.OptionKey, input.Body.Note, authz.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body struct {
				Status string `json:"status"`
				Reason string `json:"reason,omitempty"`
			} `json:"body"`
		}{Body: struct {
			Status string `json:"status"`
			Reason string `json:"reason,omitempty"`
		}{Status: result.Status, Reason: result.Reason}}, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "pending-decisions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/decisions",
		Summary:     "List pending decisions, optionally filtered by urgency",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Urgency   string `query:"urgency" enum:"now,today,whenever,"`
	}) (*struct {
		Body []domain.Decision `json:"body"`
	}, error) {
		if _, err := authorize(ctx, env, input.ProjectID, rolesAnyMember); err != nil {
			return nil, handleError(err)
		}
		list, err := env.Engine.PendingDecisions(ctx, input.ProjectID, input.Urgency)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Decision `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "decision-detail",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/decisions/{decision_id}",
		Summary:     "Get a decision's full context bundle",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		DecisionID string `path:"decision_id"`
	}) (*struct {
		Body repo.DecisionDetailBundle `json:"body"`
	}, error) {
		if _, err := authorize(ctx, env, input.ProjectID, rolesAnyMember); err != nil {
			return nil, handleError(err)
		}
		bundle, err := env.Engine.DecisionDetail(ctx, input.ProjectID, input.DecisionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body repo.DecisionDetailBundle `json:"body"`
		}{Body: bundle}, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "await-decision",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/decisions/{decision_id}/await",
		Summary:     "Non-blocking point-in-time status of a decision",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		DecisionID string `path:"decision_id"`
	}) (*struct {
		Body repo.Snapshot `json:"body"`
	}, error) {
		if _, err := authorize(ctx, env, input.ProjectID, rolesBotOwner); err != nil {
			return nil, handleError(err)
		}
		snap, err := env.Engine.AwaitDecision(ctx, input.ProjectID, input.DecisionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body repo.Snapshot `json:"body"`
		}{Body: snap}, nil
	})
}

// registerEvents implements by_correlation and by_ts_range.
func registerEvents(humaAPI huma.API, env Env) {
	huma.Register(humaAPI, huma.Operation{
		OperationID: "events-by-correlation",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List events sharing a correlation id",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID     string `path:"project_id"`
		CorrelationID string `query:"correlation_id"`
		SinceTS       int64  `query:"since_ts"`
		UntilTS       int64  `query:"until_ts"`
		AfterEventID  string `query:"after_event_id"`
		Limit         int    `query:"limit" default:"100"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, err := authorize(ctx, env, input.ProjectID, rolesAnyMember); err != nil {
			return nil, handleError(err)
		}
		if input.CorrelationID != "" {
			events, err := env.Engine.EventsByCorrelation(ctx, input.ProjectID, input.CorrelationID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body []domain.Event `json:"body"`
			}{Body: events}, nil
		}
		events, err := env.Engine.EventsByTSRange(ctx, input.ProjectID, input.SinceTS, input.UntilTS, input.AfterEventID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: events}, nil
	})
}

// registerSweep implements the manual sweep trigger named in §12.
func registerSweep(humaAPI huma.API, env Env) {
	huma.Register(humaAPI, huma.Operation{
		OperationID: "sweep",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Run one sweeper pass immediately",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			RetriesReleased     int      `json:"retries_released"`
			DecisionsExpired    int      `json:"decisions_expired"`
			ClaimsReclaimed     int      `json:"claims_reclaimed"`
			DecisionsDeferred   int      `json:"decisions_deferred"`
			ProjectsAtEmergency []string `json:"projects_at_emergency,omitempty"`
		} `json:"body"`
	}, error) {
		id, err := identityFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		_ = id // sweep is a global operator action, not scoped to one project
		report, err := env.Sweeper.RunOnce(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body struct {
				RetriesReleased     int      `json:"retries_released"`
				DecisionsExpired    int      `json:"decisions_expired"`
				ClaimsReclaimed     int      `json:"claims_reclaimed"`
				DecisionsDeferred   int      `json:"decisions_deferred"`
				ProjectsAtEmergency []string `json:"projects_at_emergency,omitempty"`
			} `json:"body"`
		}{Body: struct {
			RetriesReleased     int      `json:"retries_released"`
			DecisionsExpired    int      `json:"decisions_expired"`
			ClaimsReclaimed     int      `json:"claims_reclaimed"`
			DecisionsDeferred   int      `json:"decisions_deferred"`
			ProjectsAtEmergency []string `json:"projects_at_emergency,omitempty"`
		}{
			RetriesReleased:     report.RetriesReleased,
			DecisionsExpired:    report.DecisionsExpired,
			ClaimsReclaimed:     report.ClaimsReclaimed,
			DecisionsDeferred:   report.DecisionsDeferred,
			ProjectsAtEmergency: report.ProjectsAtEmergency,
		}}, nil
	})
}
