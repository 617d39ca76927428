package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/hoistpaas/hoist/pkg/engine"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestAuthentication(t *testing.T) {
	auth := AuthConfig{Secret: testSecret, Issuer: "hoist", Audience: "hoist-api"}
	env := newTestEnv(t, envOptions{auth: auth})

	admin, err := IssueToken(auth, "admin", nil, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	shopOnly, err := IssueToken(auth, "shop-ci", []string{"shop"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	foreign, err := IssueToken(AuthConfig{Secret: strings.Repeat("x", 32), Issuer: "hoist", Audience: "hoist-api"}, "admin", nil, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	expired, err := IssueToken(auth, "admin", nil, -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	bearer := func(token string) map[string]string {
		return map[string]string{"Authorization": "Bearer " + token}
	}

	res, _ := doJSON(t, http.MethodGet, env.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Errorf("health without token status %d, want 200", res.StatusCode)
	}

	tests := []struct {
		name    string
		headers map[string]string
		status  int
	}{
		{"no token", nil, http.StatusUnauthorized},
		{"malformed header", map[string]string{"Authorization": "Token abc"}, http.StatusUnauthorized},
		{"wrong key", bearer(foreign), http.StatusUnauthorized},
		{"expired token", bearer(expired), http.StatusUnauthorized},
		{"valid token", bearer(admin), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, data := doJSON(t, http.MethodGet, env.URL+"/v1/drivers", nil, tt.headers)
			if res.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d: %s", res.StatusCode, tt.status, data)
			}
			if tt.status == http.StatusUnauthorized && errorCode(t, data) != "UNAUTHORIZED" {
				t.Errorf("body = %s", data)
			}
		})
	}

	res, data := doJSON(t, http.MethodPost, env.URL+"/v1/applications",
		map[string]any{"project_id": "billing", "name": "api", "driver_id": "local"}, bearer(shopOnly))
	if res.StatusCode != http.StatusForbidden {
		t.Errorf("create in foreign project status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, http.MethodPost, env.URL+"/v1/applications",
		map[string]any{"project_id": "billing", "name": "api", "driver_id": "local"}, bearer(admin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create as admin status %d: %s", res.StatusCode, data)
	}
	billing := decode[*engine.Application](t, data)

	res, _ = doJSON(t, http.MethodGet, env.URL+"/v1/applications/"+billing.ID, nil, bearer(shopOnly))
	if res.StatusCode != http.StatusForbidden {
		t.Errorf("read foreign application status %d, want 403", res.StatusCode)
	}
	res, data = doJSON(t, http.MethodGet, env.URL+"/v1/applications", nil, bearer(shopOnly))
	if apps := decode[[]*engine.Application](t, data); res.StatusCode != http.StatusOK || len(apps) != 0 {
		t.Errorf("list as shop-only token = %s", data)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, envOptions{rateLimit: RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2}})

	for i := 0; i < 2; i++ {
		res, data := doJSON(t, http.MethodGet, env.URL+"/v1/health", nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("request %d status %d: %s", i, res.StatusCode, data)
		}
	}
	res, data := doJSON(t, http.MethodGet, env.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusTooManyRequests || errorCode(t, data) != engine.ErrCodeRateLimited {
		t.Errorf("third request status %d: %s", res.StatusCode, data)
	}
	if res.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func signedWebhook(t *testing.T, url, event, secret string, payload any) (*http.Response, []byte) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "72d3162e-cc78-11e3-81ab-4c9367dc0958")
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func pushPayload(ref, after string) map[string]any {
	return map[string]any{
		"ref":   ref,
		"after": after,
		"repository": map[string]any{
			"full_name": "acme/web",
		},
	}
}

func TestGitHubWebhook(t *testing.T) {
	const secret = "webhook-secret"
	env := newTestEnv(t, envOptions{
		auth:          AuthConfig{Secret: testSecret},
		webhookSecret: secret,
	})
	url := env.URL + "/v1/webhooks/github"

	app, err := env.engine.Applications.CreateApplication(t.Context(), engine.CreateApplicationInput{
		ProjectID: "shop", Name: "web", DriverID: "local", Repository: "acme/web", Branch: "main",
	})
	if err != nil {
		t.Fatalf("CreateApplication() error = %v", err)
	}
	if _, err := env.engine.Applications.CreateApplication(t.Context(), engine.CreateApplicationInput{
		ProjectID: "shop", Name: "docs", DriverID: "local", Repository: "acme/web", Branch: "gh-pages",
	}); err != nil {
		t.Fatalf("CreateApplication() error = %v", err)
	}

	res, data := signedWebhook(t, url, "ping", secret, map[string]any{"zen": "Keep it logically awesome."})
	if res.StatusCode != http.StatusOK {
		t.Errorf("ping status %d: %s", res.StatusCode, data)
	}

	res, data = signedWebhook(t, url, "push", "wrong", pushPayload("refs/heads/main", "a94a8fe5"))
	if res.StatusCode != http.StatusForbidden {
		t.Errorf("bad signature status %d: %s", res.StatusCode, data)
	}

	res, data = signedWebhook(t, url, "push", secret, pushPayload("refs/tags/v1.0.0", "a94a8fe5"))
	if res.StatusCode != http.StatusOK || len(decode[WebhookResult](t, data).Deployments) != 0 {
		t.Errorf("tag push status %d: %s", res.StatusCode, data)
	}

	res, data = signedWebhook(t, url, "push", secret, pushPayload("refs/heads/main", "a94a8fe5"))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("push status %d: %s", res.StatusCode, data)
	}
	result := decode[WebhookResult](t, data)
	if len(result.Deployments) != 1 {
		t.Fatalf("result = %+v", result)
	}
	dep := result.Deployments[0]
	if dep.ApplicationID != app.ID || dep.SourceRef != "a94a8fe5" || dep.Trigger != TriggerWebhook {
		t.Errorf("deployment = %+v", dep)
	}

	res, data = signedWebhook(t, url, "issues", secret, map[string]any{"action": "opened"})
	if res.StatusCode != http.StatusAccepted {
		t.Errorf("issues event status %d: %s", res.StatusCode, data)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, envOptions{auth: AuthConfig{Secret: testSecret}})

	doJSON(t, http.MethodGet, env.URL+"/v1/health", nil, nil)
	res, data := doJSON(t, http.MethodGet, env.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "hoist_http_requests_total") {
		t.Errorf("metrics output lacks request counter:\n%s", data)
	}
}
