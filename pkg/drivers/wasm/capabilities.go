package wasm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Capability names a group of host functions a plugin may call.
type Capability string

const (
	// CapabilityNetOutbound allows HTTP requests to any host.
	CapabilityNetOutbound Capability = "net:outbound"

	// CapabilityDNSLookup allows hostname resolution.
	CapabilityDNSLookup Capability = "dns:lookup"
)

// Resolver looks up the addresses of a hostname.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// enforcer gates host functions on the capabilities a plugin was granted.
type enforcer struct {
	granted    map[Capability]bool
	httpClient *http.Client
	resolver   Resolver
}

// newEnforcer grants the capabilities the manifest requests, failing when one
// of them is not in grant.
func newEnforcer(requested, grant []Capability) (*enforcer, error) {
	allowed := make(map[Capability]bool, len(grant))
	for _, c := range grant {
		allowed[c] = true
	}

	e := &enforcer{
		granted:    make(map[Capability]bool, len(requested)),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		resolver:   net.DefaultResolver,
	}
	var missing []Capability
	for _, c := range requested {
		if !allowed[c] {
			missing = append(missing, c)
			continue
		}
		e.granted[c] = true
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("plugin requires capabilities that are not granted: %v", missing)
	}
	return e, nil
}

func (e *enforcer) check(c Capability) error {
	if !e.granted[c] {
		return fmt.Errorf("capability %s not granted", c)
	}
	return nil
}

// httpRequest performs a request and returns the response status and body.
func (e *enforcer) httpRequest(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	if err := e.check(CapabilityNetOutbound); err != nil {
		return 0, nil, err
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read HTTP response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// lookupHost resolves host.
func (e *enforcer) lookupHost(ctx context.Context, host string) ([]string, error) {
	if err := e.check(CapabilityDNSLookup); err != nil {
		return nil, err
	}
	return e.resolver.LookupHost(ctx, host)
}

// maxResponseBytes bounds what http_request copies into plugin memory.
const maxResponseBytes = 1 << 20
