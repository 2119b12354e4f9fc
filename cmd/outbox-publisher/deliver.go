package main

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	"github.com/angelmondragon/billing-reconciler/pkg/enums"
	"github.com/angelmondragon/billing-reconciler/pkg/metrics"
	"github.com/angelmondragon/billing-reconciler/pkg/outbox/registry"
)

type batchStats struct {
	fetched      int
	published    int
	retried      int
	deadLettered int
}

func (b batchStats) fields() map[string]any {
	return map[string]any{
		"fetched":       b.fetched,
		"published":     b.published,
		"retried":       b.retried,
		"dead_lettered": b.deadLettered,
	}
}

func (b *batchStats) record(outcome string) {
	switch outcome {
	case metrics.OutboxPublished:
		b.published++
	case metrics.OutboxRetried:
		b.retried++
	case metrics.OutboxDeadLettered:
		b.deadLettered++
	}
}

// processBatch locks up to batchSize rows and settles each one inside the
// same transaction. A publish failure on one row never blocks the rest.
func (s *Service) processBatch(ctx context.Context) (batchStats, error) {
	var stats batchStats
	started := s.now()
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		events, err := s.repo.FetchUnpublishedForPublish(tx, s.batchSize, s.maxAttempts)
		if err != nil {
			return fmt.Errorf("fetch outbox batch: %w", err)
		}
		stats.fetched = len(events)
		for _, event := range events {
			outcome, err := s.deliver(ctx, tx, event)
			if err != nil {
				return err
			}
			stats.record(outcome)
			s.metrics.ObserveEvent(string(event.EventType), outcome)
		}
		return nil
	})
	if stats.fetched > 0 {
		s.metrics.ObserveBatch(s.now().Sub(started))
	}
	return stats, err
}

// deliver publishes one row and records the result. The returned error is
// reserved for bookkeeping failures, which abort the batch transaction.
func (s *Service) deliver(ctx context.Context, tx *gorm.DB, event models.OutboxEvent) (string, error) {
	resolved, err := s.registry.Resolve(event)
	if err != nil {
		return metrics.OutboxDeadLettered, s.deadLetter(ctx, tx, event, "", enums.OutboxDLQReasonNonRetryable, err)
	}

	topic := resolved.Descriptor.Topic
	ctx = s.logg.WithFields(ctx, eventFields(event, resolved))

	pubErr := s.publish(ctx, topic, billingMessage(event, resolved))
	if pubErr == nil {
		if err := s.repo.MarkPublishedTx(tx, event.ID); err != nil {
			return "", fmt.Errorf("mark published %s: %w", event.ID, err)
		}
		s.logg.Info(ctx, "outbox.published")
		return metrics.OutboxPublished, nil
	}

	if registry.IsNonRetryable(pubErr) {
		return metrics.OutboxDeadLettered, s.deadLetter(ctx, tx, event, topic, enums.OutboxDLQReasonNonRetryable, pubErr)
	}

	attempt := event.AttemptCount + 1
	if attempt >= s.maxAttempts {
		exhausted := fmt.Errorf("max publish attempts reached: %w", pubErr)
		return metrics.OutboxDeadLettered, s.deadLetter(ctx, tx, event, topic, enums.OutboxDLQReasonMaxAttempts, exhausted)
	}

	s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
		"attempt_count": attempt,
		"error":         pubErr.Error(),
	}), "outbox.publish_failed")
	if err := s.repo.MarkFailedTx(tx, event.ID, pubErr); err != nil {
		return "", fmt.Errorf("mark failure %s: %w", event.ID, err)
	}
	return metrics.OutboxRetried, nil
}

// deadLetter copies the row into outbox_dlq, retires it, then mirrors it
// onto the DLQ topic. Only the table write is authoritative.
func (s *Service) deadLetter(ctx context.Context, tx *gorm.DB, event models.OutboxEvent, topic string, reason enums.OutboxDLQErrorReason, cause error) error {
	fields := map[string]any{
		"outbox_id":    event.ID.String(),
		"event_type":   event.EventType,
		"error_reason": reason,
		"error":        cause.Error(),
	}
	if topic != "" {
		fields["topic"] = topic
	}
	ctx = s.logg.WithFields(ctx, fields)
	s.logg.Warn(ctx, "outbox.dead_lettered")

	msg := cause.Error()
	entry := models.OutboxDLQ{
		EventID:       event.ID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       event.Payload,
		ErrorReason:   reason,
		ErrorMessage:  &msg,
		AttemptCount:  event.AttemptCount,
		FailedAt:      s.now().UTC(),
	}
	if err := s.dlq.InsertTx(tx, entry); err != nil {
		return fmt.Errorf("insert dlq %s: %w", event.ID, err)
	}
	if err := s.repo.MarkTerminalTx(tx, event.ID, cause, s.maxAttempts); err != nil {
		return fmt.Errorf("mark terminal %s: %w", event.ID, err)
	}

	if s.dlqTopic != "" {
		if err := s.publish(ctx, s.dlqTopic, deadLetterMessage(event, reason)); err != nil {
			s.logg.Error(ctx, "outbox.dlq_forward_failed", err)
		}
	}
	return nil
}

func (s *Service) publish(ctx context.Context, topic string, msg message) error {
	pub := s.publishers(topic)
	if pub == nil {
		return registry.NewNonRetryableError(fmt.Errorf("no publisher for topic %s", topic))
	}
	publishCtx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()
	result := pub.Publish(publishCtx, msg.pubsub())
	if result == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher for %s returned no result", topic))
	}
	_, err := result.Get(publishCtx)
	return err
}

func eventFields(event models.OutboxEvent, resolved *registry.ResolvedEvent) map[string]any {
	fields := map[string]any{
		"outbox_id":      event.ID.String(),
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID.String(),
		"attempt_count":  event.AttemptCount,
		"topic":          resolved.Descriptor.Topic,
	}
	if resolved.Envelope.EventID != "" {
		fields["event_id"] = resolved.Envelope.EventID
		fields["occurred_at"] = resolved.Envelope.OccurredAt.Format(time.RFC3339Nano)
	}
	return fields
}
