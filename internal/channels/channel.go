// Package channels contains the delivery consumers: each channel drains
// its slice of the delivery queue and pushes messages over its transport.
package channels

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/koclaw/internal/otel"
)

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel, which is also the
	// delivery-queue prefix it drains (e.g. "telegram").
	Name() string

	// Start begins consuming deliveries. It should block until the context
	// is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// recordDelivered and recordDeliveryFailed tolerate a nil Metrics so
// channels built without telemetry skip instrumentation.
func recordDelivered(ctx context.Context, m *otel.Metrics, channel string) {
	if m == nil {
		return
	}
	m.DeliveriesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

func recordDeliveryFailed(ctx context.Context, m *otel.Metrics, channel string) {
	if m == nil {
		return
	}
	m.DeliveriesFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}
