package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a control-plane event delivered to in-process subscribers such as
// the deployment update stream and the GitHub status reporter.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source identifies the emitting component.
	Source string `json:"source"`

	ApplicationID string `json:"application_id,omitempty"`
	DeploymentID  string `json:"deployment_id,omitempty"`
	ResourceID    string `json:"resource_id,omitempty"`

	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeApplicationCreated     = "application.created"
	EventTypeApplicationDeleted     = "application.deleted"
	EventTypeDeploymentQueued       = "deployment.queued"
	EventTypeDeploymentStatus       = "deployment.status_changed"
	EventTypeCertificateStatus      = "certificate.status_changed"
	EventTypeCertificateDNSTimedOut = "certificate.dns_timed_out"
	EventTypeCertificateDeleted     = "certificate.deleted"
	EventTypeDatabaseStatus         = "database.status_changed"
	EventTypePolicyViolation        = "policy.violation"
	EventTypeError                  = "error"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles an event. Subscribers are called from the delivery
// goroutine in publish order and must not block.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers map[uint64]subscriberEntry
	nextID      uint64
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make(map[uint64]subscriberEntry),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishDeploymentStatus publishes a deployment transition.
func (ep *EventPublisher) PublishDeploymentStatus(applicationID, deploymentID, from, to, detail string) error {
	level := EventLevelInfo
	switch to {
	case "build_failed", "failed":
		level = EventLevelError
	case "canceled":
		level = EventLevelWarning
	}
	msg := fmt.Sprintf("Deployment %s moved from %s to %s", deploymentID, from, to)
	if detail != "" {
		msg = msg + ": " + detail
	}
	return ep.Publish(Event{
		Type:          EventTypeDeploymentStatus,
		Source:        "orchestrator",
		ApplicationID: applicationID,
		DeploymentID:  deploymentID,
		Message:       msg,
		Level:         level,
		Data: map[string]interface{}{
			"from":   from,
			"to":     to,
			"detail": detail,
		},
	})
}

// PublishCertificateStatus publishes a DNS state change of a certificate.
func (ep *EventPublisher) PublishCertificateStatus(applicationID, certificateID, hostname, from, to string) error {
	return ep.Publish(Event{
		Type:          EventTypeCertificateStatus,
		Source:        "certificates",
		ApplicationID: applicationID,
		ResourceID:    certificateID,
		Message:       fmt.Sprintf("Certificate for %s moved from %s to %s", hostname, from, to),
		Level:         EventLevelInfo,
		Data: map[string]interface{}{
			"hostname": hostname,
			"from":     from,
			"to":       to,
		},
	})
}

// PublishPolicyViolation publishes the denial of an operation by admission policies.
func (ep *EventPublisher) PublishPolicyViolation(applicationID, resourceID, operation string, policies []string, reason string) error {
	return ep.Publish(Event{
		Type:          EventTypePolicyViolation,
		Source:        "policy",
		ApplicationID: applicationID,
		ResourceID:    resourceID,
		Message:       fmt.Sprintf("Policy denied %s on %s: %s", operation, resourceID, reason),
		Level:         EventLevelError,
		Data: map[string]interface{}{
			"operation": operation,
			"policies":  policies,
			"reason":    reason,
		},
	})
}

// Subscribe adds a subscriber and returns a function that removes it.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) (unsubscribe func()) {
	if ep == nil || !ep.config.Enabled {
		return func() {}
	}

	ep.mu.Lock()
	ep.nextID++
	id := ep.nextID
	ep.subscribers[id] = subscriberEntry{subscriber: subscriber, filter: filter}
	ep.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ep.mu.Lock()
			delete(ep.subscribers, id)
			ep.mu.Unlock()
		})
	}
}

// processEvents delivers buffered events in batches.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			// Drain what is already queued without blocking.
		drain:
			for len(batch) < ep.config.MaxBatchSize {
				select {
				case next := <-ep.buffer:
					batch = append(batch, next)
				default:
					break drain
				}
			}

			ep.flushBatch(batch)
			batch = batch[:0]

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					ep.flushBatch(batch)
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	entries := make([]subscriberEntry, 0, len(ep.subscribers))
	for _, entry := range ep.subscribers {
		entries = append(entries, entry)
	}
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown delivers pending events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByApplicationID only allows events of one application.
func FilterByApplicationID(applicationID string) EventFilter {
	return func(event Event) bool {
		return event.ApplicationID == applicationID
	}
}

// FilterByDeploymentID only allows events of one deployment.
func FilterByDeploymentID(deploymentID string) EventFilter {
	return func(event Event) bool {
		return event.DeploymentID == deploymentID
	}
}

// MatchAll allows events every filter allows.
func MatchAll(filters ...EventFilter) EventFilter {
	return func(event Event) bool {
		for _, f := range filters {
			if !f(event) {
				return false
			}
		}
		return true
	}
}

// MatchAny allows events at least one filter allows.
func MatchAny(filters ...EventFilter) EventFilter {
	return func(event Event) bool {
		for _, f := range filters {
			if f(event) {
				return true
			}
		}
		return false
	}
}
