package channels

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/basket/koclaw/internal/bus"
	"github.com/basket/koclaw/internal/otel"
	"github.com/basket/koclaw/internal/persistence"
)

// TerminalChannel drains chat-prefixed deliveries and prints them to a
// writer, normally stdout of the daemon's terminal.
type TerminalChannel struct {
	store    *persistence.Store
	logger   *slog.Logger
	eventBus *bus.Bus
	metrics  *otel.Metrics
	out      io.Writer
	interval time.Duration
}

// NewTerminalChannel creates the local terminal delivery consumer.
func NewTerminalChannel(store *persistence.Store, logger *slog.Logger, eventBus *bus.Bus, out io.Writer, metrics *otel.Metrics) *TerminalChannel {
	return &TerminalChannel{
		store:    store,
		logger:   logger,
		eventBus: eventBus,
		metrics:  metrics,
		out:      out,
		interval: defaultDrainInterval,
	}
}

func (c *TerminalChannel) Name() string {
	return "chat"
}

// Start drains pending chat deliveries until ctx is done.
func (c *TerminalChannel) Start(ctx context.Context) error {
	var wake <-chan bus.Event
	if c.eventBus != nil {
		sub := c.eventBus.Subscribe(bus.TopicDeliveryEnqueued)
		defer c.eventBus.Unsubscribe(sub)
		wake = sub.Ch()
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.drain(ctx)
		case ev, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			if de, isDelivery := ev.Payload.(bus.DeliveryEvent); isDelivery && de.ChannelPrefix != c.Name() {
				continue
			}
			c.drain(ctx)
		}
	}
}

func (c *TerminalChannel) drain(ctx context.Context) {
	items, err := c.store.PendingDeliveries(ctx, c.Name())
	if err != nil {
		c.logger.Error("terminal: failed to query pending deliveries", "error", err)
		return
	}
	for _, item := range items {
		if _, err := fmt.Fprintf(c.out, "[%s] %s\n", item.Conversation, item.Message); err != nil {
			c.logger.Warn("terminal: write failed, will retry", "delivery_id", item.ID, "error", err)
			return
		}
		if err := c.store.MarkDelivered(ctx, item.ID); err != nil {
			c.logger.Error("terminal: failed to mark delivered", "delivery_id", item.ID, "error", err)
			continue
		}
		recordDelivered(ctx, c.metrics, c.Name())
	}
}
