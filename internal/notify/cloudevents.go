package notify

import (
	"context"
	"fmt"

	ce "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/client"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"github.com/google/uuid"

	"github.com/BadgerOps/resurrect/internal/safety"
)

// EventTypePrefix prefixes every CloudEvent type, e.g. io.resurrect.request.terminal.
const EventTypePrefix = "io.resurrect.request."

// CloudEvents posts notifications to an HTTP CloudEvents sink.
type CloudEvents struct {
	client client.Client
	source string
}

// NewCloudEvents creates a notifier that sends binary-mode CloudEvents to sinkURL.
func NewCloudEvents(sinkURL, source string) (*CloudEvents, error) {
	if _, err := safety.ParseEndpoint(sinkURL); err != nil {
		return nil, fmt.Errorf("invalid CloudEvents sink: %w", err)
	}
	c, err := ce.NewClientHTTP(ce.WithTarget(sinkURL), cehttp.WithRoundTripper(safety.NewTransport()))
	if err != nil {
		return nil, fmt.Errorf("failed to create CloudEvents client: %w", err)
	}
	if source == "" {
		source = "resurrect"
	}
	return &CloudEvents{client: c, source: source}, nil
}

func (c *CloudEvents) Notify(ctx context.Context, n Notification) error {
	event := ce.NewEvent()
	event.SetID(uuid.NewString())
	event.SetSource(c.source)
	event.SetType(EventTypePrefix + string(n.Kind))
	event.SetTime(n.At)
	event.SetExtension("status", string(n.Status))
	if n.Request != nil {
		event.SetSubject(n.Request.ID)
		event.SetExtension("project", n.Request.ProjectID)
	}

	if err := event.SetData(ce.ApplicationJSON, n); err != nil {
		return fmt.Errorf("failed to set event data: %w", err)
	}

	result := c.client.Send(ctx, event)
	if ce.IsUndelivered(result) {
		return fmt.Errorf("failed to deliver event %s: %w", event.ID(), result)
	}
	if !ce.IsACK(result) {
		return fmt.Errorf("sink rejected event %s: %w", event.ID(), result)
	}
	return nil
}
