package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hoistpaas/hoist/pkg/engine"
)

type deploymentOutput struct {
	Body *engine.Deployment
}

type deploymentsOutput struct {
	Body []*engine.Deployment
}

// DeploymentDetail is a deployment with its transition history.
type DeploymentDetail struct {
	engine.Deployment
	History []*engine.DeploymentEvent `json:"history"`
}

type deploymentDetailOutput struct {
	Body DeploymentDetail
}

type cancelDeploymentBody struct {
	Reason string `json:"reason,omitempty" maxLength:"500"`
}

func (s *server) registerDeployments(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-deployment",
		Method:        http.MethodPost,
		Path:          "/applications/{id}/deployments",
		Summary:       "Request a deployment of a source reference",
		Tags:          []string{"deployments"},
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body engine.DeploymentRequest
	}) (*deploymentOutput, error) {
		if _, err := s.application(ctx, input.ID); err != nil {
			return nil, err
		}
		dep, err := s.engine.Deployments.RequestDeployment(ctx, input.ID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &deploymentOutput{Body: dep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deployments",
		Method:      http.MethodGet,
		Path:        "/applications/{id}/deployments",
		Summary:     "List the deployments of an application, newest first",
		Tags:        []string{"deployments"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string   `path:"id"`
		Status []string `query:"status" doc:"Only deployments in these statuses"`
		Limit  int      `query:"limit" minimum:"0" maximum:"500" default:"50"`
	}) (*deploymentsOutput, error) {
		if _, err := s.application(ctx, input.ID); err != nil {
			return nil, err
		}
		filter := engine.DeploymentFilter{ApplicationID: input.ID, Limit: input.Limit}
		for _, st := range input.Status {
			filter.Statuses = append(filter.Statuses, engine.DeploymentStatus(st))
		}
		deps, err := s.engine.Deployments.ListDeployments(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		if deps == nil {
			deps = []*engine.Deployment{}
		}
		return &deploymentsOutput{Body: deps}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deployment",
		Method:      http.MethodGet,
		Path:        "/deployments/{id}",
		Summary:     "Get a deployment and its status history",
		Tags:        []string{"deployments"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*deploymentDetailOutput, error) {
		dep, err := s.deployment(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		history, err := s.engine.Deployments.History(ctx, dep.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if history == nil {
			history = []*engine.DeploymentEvent{}
		}
		return &deploymentDetailOutput{Body: DeploymentDetail{Deployment: *dep, History: history}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-deployment",
		Method:      http.MethodPost,
		Path:        "/deployments/{id}/cancel",
		Summary:     "Cancel a deployment",
		Description: "Canceling a deployment that already finished fails with VALIDATION_ERROR.",
		Tags:        []string{"deployments"},
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body *cancelDeploymentBody `required:"false"`
	}) (*deploymentOutput, error) {
		if _, err := s.deployment(ctx, input.ID); err != nil {
			return nil, err
		}
		reason := "canceled through the API"
		if input.Body != nil && input.Body.Reason != "" {
			reason = input.Body.Reason
		}
		dep, err := s.engine.Deployments.CancelDeployment(ctx, input.ID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &deploymentOutput{Body: dep}, nil
	})
}
