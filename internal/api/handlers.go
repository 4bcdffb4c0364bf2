package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/coordline-dev/coordline/internal/access"
	"github.com/coordline-dev/coordline/internal/artifacts"
	"github.com/coordline-dev/coordline/internal/domain"
	"github.com/coordline-dev/coordline/internal/runs"
)

func runsFailOptions(r finishRunFailureRequest) runs.FailOptions {
	return runs.FailOptions{Error: r.Error, RetryAtTS: r.RetryAtTS}
}

var (
	rolesAnyMember = []access.Role{access.RoleOwner, access.RoleOperator, access.RoleViewer, access.RoleBot}
	rolesExecutors = []access.Role{access.RoleOwner, access.RoleOperator, access.RoleBot}
	rolesBotOwner  = []access.Role{access.RoleOwner, access.RoleBot}
	rolesDeciders  = []access.Role{access.RoleOwner, access.RoleOperator}
	rolesOwnerOnly = []access.Role{access.RoleOwner}
)

func authorize(ctx context.Context, env Env, projectID string, roles []access.Role) (access.AuthContext, error) {
	id, err := identityFromContext(ctx)
	if err != nil {
		return access.AuthContext{}, err
	}
	return env.Engine.Access.Authorize(ctx, &id, projectID, roles...)
}

// registerProjects implements init_project, add_member, remove_member,
// list_members, my_role.
func registerProjects(humaAPI huma.API, env Env) {
	huma.Register(humaAPI, huma.Operation{
		OperationID:   "init-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Initialize a project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body createProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if input.Body.ProjectID == "" || input.Body.TenantID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "tenant_id and project_id are required", nil)
		}
		id, err := identityFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := env.Engine.InitProject(ctx, input.Body.TenantID, input.Body.ProjectID, input.Body.Name, id.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID:   "add-member",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/members",
		Summary:       "Add a project member",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Body      addMemberRequest `json:"body"`
	}) (*struct{}, error) {
		authz, err := authorize(ctx, env, input.ProjectID, rolesOwnerOnly)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.UserID == "" || input.Body.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id and role are required", nil)
		}
		if err := env.Engine.AddMember(ctx, authz.TenantID, input.ProjectID, input.Body.UserID, access.Role(input.Body.Role)); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "remove-member",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/members/{user_id}",
		Summary:     "Remove a project member",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		UserID    string `path:"user_id"`
	}) (*struct{}, error) {
		if _, err := authorize(ctx, env, input.ProjectID, rolesOwnerOnly); err != nil {
			return nil, handleError(err)
		}
		if err := env.Engine.RemoveMember(ctx, input.ProjectID, input.UserID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/members",
		Summary:     "List project members",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []domain.Membership `json:"body"`
	}, error) {
		if _, err := authorize(ctx, env, input.ProjectID, rolesAnyMember); err != nil {
			return nil, handleError(err)
		}
		members, err := env.Engine.ListMembers(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Membership `json:"body"`
		}{Body: members}, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "my-role",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/me",
		Summary:     "Caller's role on a project",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body struct {
			Role string `json:"role"`
		} `json:"body"`
	}, error) {
		authz, err := authorize(ctx, env, input.ProjectID, rolesAnyMember)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body struct {
				Role string `json:"role"`
			} `json:"body"`
		}{Body: struct {
			Role string `json:"role"`
		}{Role: string(authz.Role)}}, nil
	})
}

// registerAdmission implements request_command.
func registerAdmission(humaAPI huma.API, env Env) {
	huma.Register(humaAPI, huma.Operation{
		OperationID:   "request-command",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/commands",
		Summary:       "Request a command, admitting its card",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string                 `path:"project_id"`
		Body      requestCommandRequest  `json:"body"`
	}) (*struct {
		Body struct {
			Command domain.Command `json:"command"`
			Card    domain.Card    `json:"card"`
		} `json:"body"`
	}, error) {
		authz, err := authorize(ctx, env, input.ProjectID, rolesExecutors)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Title == "" || input.Body.CommandType == "" || input.Body.CorrelationID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "correlation_id, title and command_type are required", nil)
		}
		cmd, card, err := env.Engine.RequestCommand(ctx, input.Body.toOptions(authz.TenantID, input.ProjectID, authz.UserID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body struct {
				Command domain.Command `json:"command"`
				Card    domain.Card    `json:"card"`
			} `json:"body"`
		}{Body: struct {
			Command domain.Command `json:"command"`
			Card    domain.Card    `json:"card"`
		}{Command: cmd, Card: card}}, nil
	})
}

// registerCards implements get_card and list_cards. transition_card is
// deliberately not exposed here: per §6, cards only ever move through
// StartRun/FinishRun*/RequestDecision/Render, with direct transition
// reserved for the sweeper and tests.
func registerCards(humaAPI huma.API, env Env) {
	huma.Register(humaAPI, huma.Operation{
		OperationID: "get-card",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/cards/{card_id}",
		Summary:     "Get a card",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		CardID    string `path:"card_id"`
	}) (*struct {
		Body domain.Card `json:"body"`
	}, error) {
		if _, err := authorize(ctx, env, input.ProjectID, rolesAnyMember); err != nil {
			return nil, handleError(err)
		}
		card, err := env.Engine.GetCard(ctx, input.CardID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := access.RequireScope("card", input.CardID, card.ProjectID, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Card `json:"body"`
		}{Body: card}, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "list-cards",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/cards",
		Summary:     "List cards, optionally filtered by state",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		State     []string `query:"state"`
	}) (*struct {
		Body []domain.Card `json:"body"`
	}, error) {
		if _, err := authorize(ctx, env, input.ProjectID, rolesAnyMember); err != nil {
			return nil, handleError(err)
		}
		cards, err := env.Engine.ListCards(ctx, input.ProjectID, input.State)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Card `json:"body"`
		}{Body: cards}, nil
	})
}

// registerRuns implements start_run, finish_run_success,
// finish_run_failure, get_run — the bot's execution-reporting surface.
func registerRuns(humaAPI huma.API, env Env) {
	huma.Register(humaAPI, huma.Operation{
		OperationID:   "start-run",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/commands/{command_id}/runs",
		Summary:       "Start a run attempt for a command",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		CommandID string            `path:"command_id"`
		Body      startRunRequest   `json:"body"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		if _, err := authorize(ctx, env, input.ProjectID, rolesExecutors); err != nil {
			return nil, handleError(err)
		}
		if input.Body.CardID == "" || input.Body.Executor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "card_id and executor are required", nil)
		}
		run, err := env.Engine.StartRun(ctx, input.CommandID, input.Body.CardID, input.Body.Executor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "finish-run-success",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/runs/{run_id}/succeed",
		Summary:     "Report a run's success",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		RunID     string `path:"run_id"`
		Body      struct {
			CardID string `json:"card_id"`
		} `json:"body"`
	}) (*struct{}, error) {
		if _, err := authorize(ctx, env, input.ProjectID, rolesExecutors); err != nil {
			return nil, handleError(err)
		}
		if err := env.Engine.FinishRunSuccess(ctx, input.RunID, input.Body.CardID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "finish-run-failure",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/runs/{run_id}/fail",
		Summary:     "Report a run's failure, optionally scheduling a retry",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string                   `path:"project_id"`
		RunID     string                   `path:"run_id"`
		Body      finishRunFailureRequest  `json:"body"`
	}) (*struct{}, error) {
		if _, err := authorize(ctx, env, input.ProjectID, rolesExecutors); err != nil {
			return nil, handleError(err)
		}
		if input.Body.CardID == "" || input.Body.Error == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "card_id and error are required", nil)
		}
		err := env.Engine.FinishRunFailure(ctx, input.RunID, input.Body.CardID, runsFailOptions(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/runs/{run_id}",
		Summary:     "Get a run",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		RunID     string `path:"run_id"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		if _, err := authorize(ctx, env, input.ProjectID, rolesAnyMember); err != nil {
			return nil, handleError(err)
		}
		run, err := env.Engine.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})
}

// registerArtifacts implements report_artifact, get_artifact,
// artifacts_for_run, artifacts_for_command.
func registerArtifacts(humaAPI huma.API, env Env) {
	huma.Register(humaAPI, huma.Operation{
		OperationID:   "report-artifact",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/artifacts",
		Summary:       "Report an artifact, deduplicating by content hash",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string                 `path:"project_id"`
		Body      reportArtifactRequest  `json:"body"`
	}) (*struct {
		Body struct {
			Artifact     domain.Artifact `json:"artifact"`
			Deduplicated bool            `json:"deduplicated"`
		} `json:"body"`
	}, error) {
		authz, err := authorize(ctx, env, input.ProjectID, rolesBotOwner)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Content == "" || input.Body.Type == "" || input.Body.LogicalName == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "content, type and logical_name are required", nil)
		}
		result, err := env.Engine.ReportArtifact(ctx, artifacts.ReportOptions{
			TenantID:      authz.TenantID,
			ProjectID:     input.ProjectID,
			Content:       input.Body.Content,
			Encoding:      input.Body.Encoding,
			Type:          input.Body.Type,
			LogicalName:   input.Body.LogicalName,
			Labels:        input.Body.Labels,
			CommandID:     input.Body.CommandID,
			RunID:         input.Body.RunID,
			CorrelationID: input.Body.CorrelationID,
			Links:         input.Body.Links,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body struct {
				Artifact     domain.Artifact `json:"artifact"`
				Deduplicated bool            `json:"deduplicated"`
			} `json:"body"`
		}{Body: struct {
			Artifact     domain.Artifact `json:"artifact"`
			Deduplicated bool            `json:"deduplicated"`
		}{Artifact: result.Artifact, Deduplicated: result.Deduplicated}}, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/artifacts/{artifact_id}",
		Summary:     "Get an artifact manifest",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		ArtifactID string `path:"artifact_id"`
	}) (*struct {
		Body domain.Artifact `json:"body"`
	}, error) {
		if _, err := authorize(ctx, env, input.ProjectID, rolesAnyMember); err != nil {
			return nil, handleError(err)
		}
		a, err := env.Engine.GetArtifact(ctx, input.ArtifactID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := access.RequireScope("artifact", input.ArtifactID, a.ProjectID, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Artifact `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "artifacts-for-run",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/runs/{run_id}/artifacts",
		Summary:     "List artifacts produced by a run",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		RunID     string `path:"run_id"`
	}) (*struct {
		Body []domain.Artifact `json:"body"`
	}, error) {
		if _, err := authorize(ctx, env, input.ProjectID, rolesAnyMember); err != nil {
			return nil, handleError(err)
		}
		list, err := env.Engine.ArtifactsForRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Artifact `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "artifacts-for-command",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/commands/{command_id}/artifacts",
		Summary:     "List artifacts produced by a command across all its runs",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		CommandID string `path:"command_id"`
	}) (*struct {
		Body []domain.Artifact `json:"body"`
	}, error) {
		if _, err := authorize(ctx, env, input.ProjectID, rolesAnyMember); err != nil {
			return nil, handleError(err)
		}
		list, err := env.Engine.ArtifactsForCommand(ctx, input.CommandID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Artifact `json:"body"`
		}{Body: list}, nil
	})
}
