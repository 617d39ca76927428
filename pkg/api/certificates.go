package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hoistpaas/hoist/pkg/engine"
)

type certificateOutput struct {
	Body *engine.Certificate
}

type certificatesOutput struct {
	Body []*engine.Certificate
}

type certificateIDInput struct {
	ID string `path:"id"`
}

// CreateCertificateBody requests a certificate for one hostname.
type CreateCertificateBody struct {
	Hostname string `json:"hostname" minLength:"1" maxLength:"253" example:"shop.example.com"`
}

func (s *server) registerCertificates(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-certificate",
		Method:        http.MethodPost,
		Path:          "/applications/{id}/certificates",
		Summary:       "Request a certificate for a hostname",
		Description:   "The certificate is issued once the hostname resolves to the application. DNS is polled until it does or the verification window closes.",
		Tags:          []string{"certificates"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body CreateCertificateBody
	}) (*certificateOutput, error) {
		if _, err := s.application(ctx, input.ID); err != nil {
			return nil, err
		}
		cert, err := s.engine.Certificates.CreateCertificate(ctx, input.ID, input.Body.Hostname)
		if err != nil {
			return nil, handleError(err)
		}
		return &certificateOutput{Body: cert}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-certificates",
		Method:      http.MethodGet,
		Path:        "/applications/{id}/certificates",
		Summary:     "List the certificates of an application",
		Tags:        []string{"certificates"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *applicationIDInput) (*certificatesOutput, error) {
		if _, err := s.application(ctx, input.ID); err != nil {
			return nil, err
		}
		certs, err := s.engine.Certificates.ListCertificates(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if certs == nil {
			certs = []*engine.Certificate{}
		}
		return &certificatesOutput{Body: certs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-certificate",
		Method:      http.MethodGet,
		Path:        "/certificates/{id}",
		Summary:     "Get a certificate",
		Tags:        []string{"certificates"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *certificateIDInput) (*certificateOutput, error) {
		cert, err := s.certificate(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		return &certificateOutput{Body: cert}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-certificate",
		Method:        http.MethodDelete,
		Path:          "/certificates/{id}",
		Summary:       "Delete a certificate",
		Tags:          []string{"certificates"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *certificateIDInput) (*struct{}, error) {
		if _, err := s.certificate(ctx, input.ID); err != nil {
			return nil, err
		}
		if err := s.engine.Certificates.DeleteCertificate(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-certificate",
		Method:      http.MethodPost,
		Path:        "/certificates/{id}/check",
		Summary:     "Check DNS for a certificate now",
		Tags:        []string{"certificates"},
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *certificateIDInput) (*certificateOutput, error) {
		if _, err := s.certificate(ctx, input.ID); err != nil {
			return nil, err
		}
		cert, err := s.engine.Certificates.CheckCertificate(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &certificateOutput{Body: cert}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-certificate",
		Method:      http.MethodPost,
		Path:        "/certificates/{id}/reset",
		Summary:     "Reset a certificate to pending and restart DNS verification",
		Tags:        []string{"certificates"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *certificateIDInput) (*certificateOutput, error) {
		if _, err := s.certificate(ctx, input.ID); err != nil {
			return nil, err
		}
		cert, err := s.engine.Certificates.ResetCertificate(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &certificateOutput{Body: cert}, nil
	})
}
