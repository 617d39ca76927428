package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/hoistpaas/hoist/pkg/engine"
	"github.com/hoistpaas/hoist/pkg/logstream"
)

// Log stream events. Each entry kind is sent as its own SSE event name with
// the entry as data; the event id is the last sequence number the entry covers.
type (
	LogLineEvent        logstream.Entry
	LogPhaseEndEvent    logstream.Entry
	LogInterruptedEvent logstream.Entry
	LogUnavailableEvent logstream.Entry
	LogClosedEvent      logstream.Entry
)

// StreamErrorEvent ends a stream that could not be served.
type StreamErrorEvent ErrorBody

// ErrCodeViewerDropped is sent when a viewer fell too far behind. Reconnecting
// with Last-Event-ID resumes the stream.
const ErrCodeViewerDropped = "VIEWER_DROPPED"

type logsInput struct {
	ID          string `path:"id"`
	From        int64  `query:"from" minimum:"0" doc:"First sequence number to deliver"`
	LastEventID string `header:"Last-Event-ID" doc:"Resume after this sequence number"`
}

func (s *server) registerLogs(api huma.API) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-deployment-logs",
		Method:      http.MethodGet,
		Path:        "/deployments/{id}/logs",
		Summary:     "Stream the logs of a deployment",
		Description: "Lines older than the retention window are replayed from the driver when it supports replay and reported as unavailable ranges otherwise. The stream ends with a closed event once the deployment finished.",
		Tags:        []string{"deployments"},
	}, map[string]any{
		string(logstream.KindLine):        LogLineEvent{},
		string(logstream.KindPhaseEnd):    LogPhaseEndEvent{},
		string(logstream.KindInterrupted): LogInterruptedEvent{},
		string(logstream.KindUnavailable): LogUnavailableEvent{},
		string(logstream.KindClosed):      LogClosedEvent{},
		"error":                           StreamErrorEvent{},
	}, func(ctx context.Context, input *logsInput, send sse.Sender) {
		dep, err := s.deployment(ctx, input.ID)
		if err != nil {
			_ = send.Data(streamError(err))
			return
		}

		from := resumePoint(input.From, input.LastEventID)
		sub, err := s.logs.Subscribe(dep.ID, from)
		if err != nil {
			if engine.IsNotFound(err) {
				s.sendEvicted(send, dep, from)
				return
			}
			_ = send.Data(streamError(err))
			return
		}
		defer sub.Close()

		for {
			entry, err := sub.Next(ctx)
			if err != nil {
				if errors.Is(err, logstream.ErrViewerDropped) {
					_ = send.Data(StreamErrorEvent{
						Code:    ErrCodeViewerDropped,
						Message: "viewer fell behind the log stream; reconnect to resume",
					})
				}
				return
			}
			if err := sendEntry(send, entry); err != nil || entry.Kind == logstream.KindClosed {
				return
			}
		}
	})
}

// sendEvicted serves a deployment whose stream is no longer held in memory.
func (s *server) sendEvicted(send sse.Sender, dep *engine.Deployment, from int64) {
	if from <= dep.LogCursor {
		if err := sendEntry(send, logstream.Unavailable(from, dep.LogCursor)); err != nil {
			return
		}
	}
	if !dep.Status.IsTerminal() {
		_ = send.Data(StreamErrorEvent{
			Code:    engine.ErrCodeNotFound,
			Message: "log stream of deployment " + dep.ID + " is not available",
		})
		return
	}
	_ = sendEntry(send, logstream.Entry{
		Seq:       dep.LogCursor + 1,
		Kind:      logstream.KindClosed,
		Timestamp: time.Now().UTC(),
		Reason:    string(dep.Status),
	})
}

func sendEntry(send sse.Sender, e logstream.Entry) error {
	var data any
	switch e.Kind {
	case logstream.KindLine:
		data = LogLineEvent(e)
	case logstream.KindPhaseEnd:
		data = LogPhaseEndEvent(e)
	case logstream.KindInterrupted:
		data = LogInterruptedEvent(e)
	case logstream.KindUnavailable:
		data = LogUnavailableEvent(e)
	default:
		data = LogClosedEvent(e)
	}
	return send(sse.Message{ID: int(e.Last()), Data: data})
}

// resumePoint picks the first sequence number to deliver. Last-Event-ID wins
// over from when it points further.
func resumePoint(from int64, lastEventID string) int64 {
	if from < 1 {
		from = 1
	}
	if id, err := strconv.ParseInt(lastEventID, 10, 64); err == nil && id+1 > from {
		from = id + 1
	}
	return from
}

func streamError(err error) StreamErrorEvent {
	var ae *apiError
	if errors.As(handleError(err), &ae) {
		return StreamErrorEvent(ae.Body)
	}
	return StreamErrorEvent{Code: engine.ErrCodeInternal, Message: "internal error"}
}
