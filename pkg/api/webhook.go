package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"

	"github.com/hoistpaas/hoist/pkg/engine"
)

// TriggerWebhook marks deployments requested by a push webhook.
const TriggerWebhook = "webhook"

// maxWebhookPayload bounds the accepted webhook body.
const maxWebhookPayload = 1 << 20

// WebhookResult is the response to a push webhook.
type WebhookResult struct {
	Message     string               `json:"message"`
	Deployments []*engine.Deployment `json:"deployments,omitempty"`
	Skipped     []WebhookSkip        `json:"skipped,omitempty"`
}

// WebhookSkip names an application the push did not deploy and why.
type WebhookSkip struct {
	ApplicationID string `json:"application_id"`
	Code          string `json:"code"`
	Message       string `json:"message"`
}

// handleGitHubWebhook deploys the applications tracking the pushed branch.
func (s *server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookPayload)

	eventType := github.WebHookType(r)
	payload, err := github.ValidatePayload(r, s.secret)
	if err != nil {
		s.tel.Metrics.RecordWebhookEvent(eventType, "invalid_signature")
		s.logger.WithError(err).WithField("event", eventType).Warn("rejected webhook")
		writeError(w, newAPIError(http.StatusForbidden, "INVALID_SIGNATURE", "invalid webhook signature", nil))
		return
	}

	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		s.tel.Metrics.RecordWebhookEvent(eventType, "ignored")
		respondJSON(w, http.StatusAccepted, WebhookResult{Message: "ignoring " + eventType + " event"})
		return
	}

	switch e := event.(type) {
	case *github.PingEvent:
		s.tel.Metrics.RecordWebhookEvent(eventType, "ok")
		respondJSON(w, http.StatusOK, WebhookResult{Message: "pong"})
	case *github.PushEvent:
		s.handlePush(w, r, e)
	default:
		s.tel.Metrics.RecordWebhookEvent(eventType, "ignored")
		respondJSON(w, http.StatusAccepted, WebhookResult{Message: "ignoring " + eventType + " event"})
	}
}

func (s *server) handlePush(w http.ResponseWriter, r *http.Request, e *github.PushEvent) {
	branch, isBranch := strings.CutPrefix(e.GetRef(), "refs/heads/")
	if !isBranch || e.GetDeleted() || e.GetAfter() == "" {
		s.tel.Metrics.RecordWebhookEvent("push", "ignored")
		respondJSON(w, http.StatusOK, WebhookResult{Message: "nothing to deploy for " + e.GetRef()})
		return
	}
	repository := e.GetRepo().GetFullName()
	logger := s.logger.WithField("repository", repository).WithField("branch", branch)

	apps, err := s.engine.Applications.ListApplications(r.Context(), engine.ApplicationFilter{
		Repository: repository,
		Branch:     branch,
	})
	if err != nil {
		s.tel.Metrics.RecordWebhookEvent("push", "error")
		writeError(w, handleError(err))
		return
	}
	if len(apps) == 0 {
		s.tel.Metrics.RecordWebhookEvent("push", "ignored")
		respondJSON(w, http.StatusOK, WebhookResult{Message: "no application tracks " + repository + "@" + branch})
		return
	}

	result := WebhookResult{Message: "deployments requested"}
	for _, app := range apps {
		dep, err := s.engine.Deployments.RequestDeployment(r.Context(), app.ID, engine.DeploymentRequest{
			SourceRef: e.GetAfter(),
			Trigger:   TriggerWebhook,
		})
		if err != nil {
			logger.WithApplicationID(app.ID).WithError(err).Warn("webhook deployment not started")
			body := streamError(err)
			result.Skipped = append(result.Skipped, WebhookSkip{
				ApplicationID: app.ID,
				Code:          body.Code,
				Message:       body.Message,
			})
			continue
		}
		logger.WithApplicationID(app.ID).WithDeploymentID(dep.ID).Info("webhook deployment queued")
		result.Deployments = append(result.Deployments, dep)
	}

	status, outcome := http.StatusAccepted, "deployed"
	if len(result.Deployments) == 0 {
		status, outcome = http.StatusConflict, "rejected"
		result.Message = "no deployment started"
	}
	s.tel.Metrics.RecordWebhookEvent("push", outcome)
	respondJSON(w, status, result)
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
