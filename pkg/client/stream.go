package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hoistpaas/hoist/pkg/engine"
	"github.com/hoistpaas/hoist/pkg/logstream"
	"github.com/hoistpaas/hoist/pkg/telemetry"
)

// errCodeViewerDropped is sent by the server to a viewer that fell behind.
const errCodeViewerDropped = "VIEWER_DROPPED"

// maxReconnects bounds reconnections after the server dropped a slow viewer.
const maxReconnects = 5

// errStopStream ends a stream without error.
var errStopStream = errors.New("stop stream")

// sseEvent is one server-sent event.
type sseEvent struct {
	ID    string
	Event string
	Data  []byte
}

// StreamLogs calls fn for every log entry of a deployment starting at
// sequence number from, until the closed marker, ctx ends or fn fails. A
// viewer dropped by the server reconnects after the last delivered entry.
func (c *Client) StreamLogs(ctx context.Context, deploymentID string, from int64, fn func(logstream.Entry) error) error {
	last := from - 1
	for attempt := 0; ; attempt++ {
		q := url.Values{}
		if last >= 1 {
			q.Set("from", strconv.FormatInt(last+1, 10))
		}
		err := c.stream(ctx, "/deployments/"+url.PathEscape(deploymentID)+"/logs", q, last, func(ev sseEvent) error {
			if ev.Event == "error" {
				return streamError(ev.Data)
			}
			var entry logstream.Entry
			if err := json.Unmarshal(ev.Data, &entry); err != nil {
				return fmt.Errorf("decoding log entry: %w", err)
			}
			if err := fn(entry); err != nil {
				return err
			}
			last = entry.Last()
			if entry.Kind == logstream.KindClosed {
				return errStopStream
			}
			return nil
		})
		if errors.Is(err, errStopStream) {
			return nil
		}
		if engine.ErrorCode(err) == errCodeViewerDropped && attempt < maxReconnects {
			continue
		}
		return err
	}
}

// WatchUpdates calls fn for every deployment, certificate and deletion event
// of an application until ctx ends or fn fails. A non-empty deploymentID
// narrows deployment and certificate events to that deployment.
func (c *Client) WatchUpdates(ctx context.Context, applicationID, deploymentID string, fn func(telemetry.Event) error) error {
	var q url.Values
	if deploymentID != "" {
		q = url.Values{"deployment": {deploymentID}}
	}
	err := c.stream(ctx, "/applications/"+url.PathEscape(applicationID)+"/deployments/updates", q, 0, func(ev sseEvent) error {
		if ev.Event == "error" {
			return streamError(ev.Data)
		}
		var e telemetry.Event
		if err := json.Unmarshal(ev.Data, &e); err != nil {
			return fmt.Errorf("decoding update: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
		if e.Type == telemetry.EventTypeApplicationDeleted {
			return errStopStream
		}
		return nil
	})
	if errors.Is(err, errStopStream) {
		return nil
	}
	return err
}

func (c *Client) stream(ctx context.Context, path string, q url.Values, lastID int64, fn func(sseEvent) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}

	streaming := &http.Client{Transport: c.httpClient().Transport}
	res, err := streaming.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return engine.NewTransientNetworkError("GET "+path, err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return decodeError(res)
	}

	err = readEvents(res.Body, fn)
	if ctx.Err() != nil && !errors.Is(err, errStopStream) {
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	return engine.NewTransientNetworkError("event stream of "+path+" ended early", nil)
}

// readEvents parses a text/event-stream body. It returns nil at the end of
// the body.
func readEvents(r io.Reader, fn func(sseEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var ev sseEvent
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if data.Len() > 0 {
				ev.Data = append([]byte(nil), bytes.TrimSuffix(data.Bytes(), []byte("\n"))...)
				if err := fn(ev); err != nil {
					return err
				}
			}
			ev = sseEvent{}
			data.Reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			ev.ID = value
		case "event":
			ev.Event = value
		case "data":
			data.WriteString(value)
			data.WriteByte('\n')
		}
	}
	return scanner.Err()
}

func streamError(data []byte) error {
	var body struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Details map[string]interface{} `json:"details,omitempty"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return fmt.Errorf("decoding stream error: %w", err)
	}
	return engineError(body.Code, body.Message, body.Details, 0, nil)
}
