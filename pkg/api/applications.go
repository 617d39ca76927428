package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hoistpaas/hoist/pkg/engine"
)

type applicationOutput struct {
	Body *engine.Application
}

type applicationsOutput struct {
	Body []*engine.Application
}

type applicationIDInput struct {
	ID string `path:"id"`
}

func (s *server) registerApplications(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-application",
		Method:        http.MethodPost,
		Path:          "/applications",
		Summary:       "Create an application and provision it through its driver",
		Tags:          []string{"applications"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body engine.CreateApplicationInput
	}) (*applicationOutput, error) {
		if err := requireProject(ctx, input.Body.ProjectID); err != nil {
			return nil, err
		}
		app, err := s.engine.Applications.CreateApplication(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &applicationOutput{Body: app}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-applications",
		Method:      http.MethodGet,
		Path:        "/applications",
		Summary:     "List applications",
		Tags:        []string{"applications"},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id" doc:"Only applications of this project"`
		Repository string `query:"repository" doc:"Only applications deployed from this owner/name repository"`
	}) (*applicationsOutput, error) {
		apps, err := s.engine.Applications.ListApplications(ctx, engine.ApplicationFilter{
			ProjectID:  input.ProjectID,
			Repository: input.Repository,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &applicationsOutput{Body: make([]*engine.Application, 0, len(apps))}
		for _, app := range apps {
			if visible(ctx, app.ProjectID) {
				out.Body = append(out.Body, app)
			}
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-application",
		Method:      http.MethodGet,
		Path:        "/applications/{id}",
		Summary:     "Get an application",
		Tags:        []string{"applications"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *applicationIDInput) (*applicationOutput, error) {
		app, err := s.application(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		return &applicationOutput{Body: app}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-application",
		Method:        http.MethodDelete,
		Path:          "/applications/{id}",
		Summary:       "Delete an application",
		Description:   "Cancels the active deployment, deletes the certificates and tears the application down on its driver.",
		Tags:          []string{"applications"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *applicationIDInput) (*struct{}, error) {
		if _, err := s.application(ctx, input.ID); err != nil {
			if isStatus(err, http.StatusNotFound) {
				return nil, nil
			}
			return nil, err
		}
		if err := s.engine.Applications.DeleteApplication(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func isStatus(err error, status int) bool {
	se, ok := err.(huma.StatusError)
	return ok && se.GetStatus() == status
}
