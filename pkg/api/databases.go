package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hoistpaas/hoist/pkg/engine"
)

type databaseOutput struct {
	Body *engine.Database
}

type databasesOutput struct {
	Body []*engine.Database
}

type databaseIDInput struct {
	ID string `path:"id"`
}

func (s *server) registerDatabases(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-database",
		Method:        http.MethodPost,
		Path:          "/databases",
		Summary:       "Create a managed database",
		Tags:          []string{"databases"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body engine.CreateDatabaseInput
	}) (*databaseOutput, error) {
		if err := requireProject(ctx, input.Body.ProjectID); err != nil {
			return nil, err
		}
		db, err := s.engine.Databases.CreateDatabase(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &databaseOutput{Body: db}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-databases",
		Method:      http.MethodGet,
		Path:        "/databases",
		Summary:     "List the databases of a project",
		Tags:        []string{"databases"},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id" required:"true"`
	}) (*databasesOutput, error) {
		if err := requireProject(ctx, input.ProjectID); err != nil {
			return nil, err
		}
		dbs, err := s.engine.Databases.ListDatabases(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if dbs == nil {
			dbs = []*engine.Database{}
		}
		return &databasesOutput{Body: dbs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-database",
		Method:      http.MethodGet,
		Path:        "/databases/{id}",
		Summary:     "Get a database",
		Tags:        []string{"databases"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *databaseIDInput) (*databaseOutput, error) {
		db, err := s.database(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		return &databaseOutput{Body: db}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-database",
		Method:        http.MethodDelete,
		Path:          "/databases/{id}",
		Summary:       "Delete a database",
		Tags:          []string{"databases"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *databaseIDInput) (*struct{}, error) {
		if _, err := s.database(ctx, input.ID); err != nil {
			return nil, err
		}
		if err := s.engine.Databases.DeleteDatabase(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}
