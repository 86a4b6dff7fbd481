package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/koclaw/internal/bus"
	"github.com/basket/koclaw/internal/otel"
	"github.com/basket/koclaw/internal/persistence"
)

// defaultDrainInterval is how often a channel polls the delivery queue
// when no bus event wakes it earlier.
const defaultDrainInterval = 2 * time.Second

// TelegramChannel drains telegram-prefixed deliveries and sends them as
// bot messages.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	store      *persistence.Store
	logger     *slog.Logger
	eventBus   *bus.Bus
	metrics    *otel.Metrics
	interval   time.Duration

	bot *tgbotapi.BotAPI
}

// NewTelegramChannel creates a Telegram delivery consumer. An empty
// allowedIDs list permits delivery to any chat.
func NewTelegramChannel(token string, allowedIDs []int64, store *persistence.Store, logger *slog.Logger, eventBus *bus.Bus, metrics *otel.Metrics) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		store:      store,
		logger:     logger,
		eventBus:   eventBus,
		metrics:    metrics,
		interval:   defaultDrainInterval,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Start connects the bot and drains pending deliveries until ctx is done.
// A bus notification wakes the drain immediately; the ticker is the
// fallback so deliveries enqueued while disconnected still go out.
func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram channel started", "user", t.bot.Self.UserName)

	var wake <-chan bus.Event
	if t.eventBus != nil {
		sub := t.eventBus.Subscribe(bus.TopicDeliveryEnqueued)
		defer t.eventBus.Unsubscribe(sub)
		wake = sub.Ch()
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.drain(ctx)
		case ev, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			if de, isDelivery := ev.Payload.(bus.DeliveryEvent); isDelivery && de.ChannelPrefix != t.Name() {
				continue
			}
			t.drain(ctx)
		}
	}
}

// drain sends every pending telegram delivery. Transport errors leave the
// item pending for the next pass; unroutable items are marked failed so
// they don't clog the queue forever.
func (t *TelegramChannel) drain(ctx context.Context) {
	items, err := t.store.PendingDeliveries(ctx, t.Name())
	if err != nil {
		t.logger.Error("telegram: failed to query pending deliveries", "error", err)
		return
	}

	for _, item := range items {
		chatID, err := chatIDFromConversation(item.Conversation)
		if err != nil {
			t.logger.Warn("telegram: unroutable delivery", "delivery_id", item.ID, "conversation", item.Conversation, "error", err)
			t.markFailed(ctx, item.ID)
			continue
		}
		if len(t.allowedIDs) > 0 {
			if _, ok := t.allowedIDs[chatID]; !ok {
				t.logger.Warn("telegram: delivery to disallowed chat", "delivery_id", item.ID, "chat_id", chatID)
				t.markFailed(ctx, item.ID)
				continue
			}
		}

		msg := tgbotapi.NewMessage(chatID, item.Message)
		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Warn("telegram: send failed, will retry", "delivery_id", item.ID, "chat_id", chatID, "error", err)
			return
		}
		if err := t.store.MarkDelivered(ctx, item.ID); err != nil {
			t.logger.Error("telegram: failed to mark delivered", "delivery_id", item.ID, "error", err)
			continue
		}
		recordDelivered(ctx, t.metrics, t.Name())
	}
}

func (t *TelegramChannel) markFailed(ctx context.Context, deliveryID string) {
	if err := t.store.MarkDeliveryFailed(ctx, deliveryID); err != nil {
		t.logger.Error("telegram: failed to mark delivery failed", "delivery_id", deliveryID, "error", err)
		return
	}
	recordDeliveryFailed(ctx, t.metrics, t.Name())
}

// chatIDFromConversation extracts the numeric chat id from a conversation
// name like "telegram-123456" or "telegram-ops-123456".
func chatIDFromConversation(conversation string) (int64, error) {
	_, rest, ok := strings.Cut(conversation, "-")
	if !ok {
		return 0, fmt.Errorf("conversation %q has no chat id", conversation)
	}
	if id, err := strconv.ParseInt(rest, 10, 64); err == nil {
		return id, nil
	}
	// Named conversations put the chat id in the last segment.
	if idx := strings.LastIndex(rest, "-"); idx >= 0 {
		if id, err := strconv.ParseInt(rest[idx+1:], 10, 64); err == nil {
			return id, nil
		}
	}
	return 0, fmt.Errorf("conversation %q has no numeric chat id", conversation)
}
