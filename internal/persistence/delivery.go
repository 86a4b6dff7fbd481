package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/basket/koclaw/internal/bus"
	"github.com/google/uuid"
)

// DefaultChannelPrefix is the prefix assumed for conversation names that do
// not carry one (the local terminal chat surface).
const DefaultChannelPrefix = "chat"

// knownChannelPrefixes are the prefixes channel consumers register for.
var knownChannelPrefixes = map[string]struct{}{
	"chat":     {},
	"telegram": {},
}

// ChannelPrefix extracts the channel prefix from a conversation name: the
// text before the first "-", or "chat" when there is none.
func ChannelPrefix(conversation string) string {
	if prefix, _, ok := strings.Cut(conversation, "-"); ok {
		return prefix
	}
	return DefaultChannelPrefix
}

// HasKnownChannelPrefix reports whether the conversation name starts with a
// prefix some channel consumer drains.
func HasKnownChannelPrefix(conversation string) bool {
	prefix, _, ok := strings.Cut(conversation, "-")
	if !ok {
		return false
	}
	_, known := knownChannelPrefixes[prefix]
	return known
}

// EnqueueDelivery appends one pending delivery row and returns its id.
func (s *Store) EnqueueDelivery(ctx context.Context, item DeliveryItem) (string, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.ChannelPrefix == "" {
		item.ChannelPrefix = ChannelPrefix(item.Conversation)
	}
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var logID sql.NullInt64
	if item.TaskRunLogID != nil {
		logID = sql.NullInt64{Int64: *item.TaskRunLogID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_queue
			(id, task_id, task_run_log_id, conversation, channel_prefix, message, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`,
		item.ID,
		item.TaskID,
		logID,
		item.Conversation,
		item.ChannelPrefix,
		item.Message,
		DeliveryStatusPending,
		createdAt.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue delivery: %w", err)
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicDeliveryEnqueued, bus.DeliveryEvent{
			DeliveryID:    item.ID,
			TaskID:        item.TaskID,
			Conversation:  item.Conversation,
			ChannelPrefix: item.ChannelPrefix,
		})
	}
	return item.ID, nil
}

// PendingDeliveries returns pending items for one channel prefix, oldest first.
func (s *Store) PendingDeliveries(ctx context.Context, channelPrefix string) ([]DeliveryItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, task_run_log_id, conversation, channel_prefix, message, status, created_at, delivered_at
		FROM delivery_queue
		WHERE channel_prefix = ? AND status = ?
		ORDER BY created_at ASC, id ASC;
	`, channelPrefix, DeliveryStatusPending)
	if err != nil {
		return nil, fmt.Errorf("pending deliveries: %w", err)
	}
	defer rows.Close()

	var out []DeliveryItem
	for rows.Next() {
		var item DeliveryItem
		var logID sql.NullInt64
		var deliveredAt sql.NullTime
		if err := rows.Scan(
			&item.ID,
			&item.TaskID,
			&logID,
			&item.Conversation,
			&item.ChannelPrefix,
			&item.Message,
			&item.Status,
			&item.CreatedAt,
			&deliveredAt,
		); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		if logID.Valid {
			id := logID.Int64
			item.TaskRunLogID = &id
		}
		item.DeliveredAt = timePtr(deliveredAt)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delivery rows: %w", err)
	}
	return out, nil
}

// MarkDelivered flags an item consumed and stamps delivered_at.
func (s *Store) MarkDelivered(ctx context.Context, deliveryID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_queue
		SET status = ?, delivered_at = ?
		WHERE id = ?;
	`, DeliveryStatusDelivered, time.Now().UTC(), deliveryID)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicDeliveryDelivered, bus.DeliveryEvent{DeliveryID: deliveryID})
	}
	return nil
}

// MarkDeliveryFailed flags an item as failed so consumers stop retrying it.
func (s *Store) MarkDeliveryFailed(ctx context.Context, deliveryID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_queue SET status = ? WHERE id = ?;
	`, DeliveryStatusFailed, deliveryID)
	if err != nil {
		return fmt.Errorf("mark delivery failed: %w", err)
	}
	return nil
}

// PendingDeliveryCount returns the number of pending items across all channels.
func (s *Store) PendingDeliveryCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM delivery_queue WHERE status = ?;
	`, DeliveryStatusPending).Scan(&count); err != nil {
		return 0, fmt.Errorf("pending delivery count: %w", err)
	}
	return count, nil
}
