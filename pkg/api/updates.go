package api

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/hoistpaas/hoist/pkg/telemetry"
)

// Update events sent on the application update stream.
type (
	DeploymentUpdate  telemetry.Event
	CertificateUpdate telemetry.Event
	ApplicationUpdate telemetry.Event
)

// updateBuffer is the number of events a slow update viewer may lag behind
// before its stream is ended.
const updateBuffer = 64

func (s *server) registerUpdates(api huma.API) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-application-updates",
		Method:      http.MethodGet,
		Path:        "/applications/{id}/deployments/updates",
		Summary:     "Stream deployment and certificate changes of an application",
		Tags:        []string{"deployments"},
	}, map[string]any{
		"deployment":  DeploymentUpdate{},
		"certificate": CertificateUpdate{},
		"application": ApplicationUpdate{},
		"error":       StreamErrorEvent{},
	}, func(ctx context.Context, input *struct {
		ID         string `path:"id"`
		Deployment string `query:"deployment" doc:"Only events of this deployment, plus the application deletion"`
	}, send sse.Sender) {
		app, err := s.application(ctx, input.ID)
		if err != nil {
			_ = send.Data(streamError(err))
			return
		}

		events := make(chan telemetry.Event, updateBuffer)
		var overflow atomic.Bool
		unsubscribe := s.tel.Events.Subscribe(func(e telemetry.Event) {
			select {
			case events <- e:
			default:
				overflow.Store(true)
			}
		}, updateFilter(app.ID, input.Deployment))
		defer unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case e := <-events:
				if overflow.Load() {
					_ = send.Data(StreamErrorEvent{
						Code:    ErrCodeViewerDropped,
						Message: "viewer fell behind the update stream",
					})
					return
				}
				if err := send.Data(updateEvent(e)); err != nil {
					return
				}
				if e.Type == telemetry.EventTypeApplicationDeleted {
					return
				}
			}
		}
	})
}

func updateFilter(applicationID, deploymentID string) telemetry.EventFilter {
	filter := telemetry.MatchAll(
		telemetry.FilterByApplicationID(applicationID),
		func(e telemetry.Event) bool { return updateKind(e.Type) != "" },
	)
	if deploymentID == "" {
		return filter
	}
	return telemetry.MatchAll(filter, telemetry.MatchAny(
		telemetry.FilterByDeploymentID(deploymentID),
		telemetry.FilterByType(telemetry.EventTypeApplicationDeleted),
	))
}

func updateKind(eventType string) string {
	kind, _, ok := strings.Cut(eventType, ".")
	if !ok {
		return ""
	}
	switch kind {
	case "deployment", "certificate":
		return kind
	case "application":
		if eventType == telemetry.EventTypeApplicationDeleted {
			return kind
		}
	}
	return ""
}

func updateEvent(e telemetry.Event) any {
	switch updateKind(e.Type) {
	case "deployment":
		return DeploymentUpdate(e)
	case "certificate":
		return CertificateUpdate(e)
	default:
		return ApplicationUpdate(e)
	}
}
