package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	"github.com/angelmondragon/billing-reconciler/pkg/enums"
	"github.com/angelmondragon/billing-reconciler/pkg/outbox"
)

type dlqView struct {
	EventID      string  `json:"event_id"`
	EventType    string  `json:"event_type"`
	AggregateID  string  `json:"aggregate_id"`
	Reason       string  `json:"reason"`
	Error        *string `json:"error,omitempty"`
	AttemptCount int     `json:"attempt_count"`
	FailedAt     string  `json:"failed_at"`
}

func newDLQView(row models.OutboxDLQ) dlqView {
	return dlqView{
		EventID:      row.EventID.String(),
		EventType:    string(row.EventType),
		AggregateID:  row.AggregateID.String(),
		Reason:       string(row.ErrorReason),
		Error:        row.ErrorMessage,
		AttemptCount: row.AttemptCount,
		FailedAt:     row.FailedAt.UTC().Format(time.RFC3339),
	}
}

func newOutboxCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect the event outbox and its dead letter queue",
	}
	cmd.AddCommand(newOutboxStatsCmd(a), newOutboxDLQCmd(a), newOutboxRequeueCmd(a))
	return cmd
}

func newOutboxStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the unpublished backlog and dead letters by reason",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			backlog, err := svc.outboxRepo.CountUnpublished(cmd.Context())
			if err != nil {
				return fmt.Errorf("count backlog: %w", err)
			}
			parked, err := svc.dlq.CountByReason(cmd.Context())
			if err != nil {
				return fmt.Errorf("count dead letters: %w", err)
			}
			return a.printJSON(map[string]any{
				"unpublished":  backlog,
				"dead_letters": parked,
			})
		},
	}
}

func newOutboxDLQCmd(a *app) *cobra.Command {
	var (
		reason string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "List dead-lettered events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := outbox.DLQFilter{Limit: limit}
			if reason != "" {
				filter.Reason = enums.OutboxDLQErrorReason(reason)
				if !filter.Reason.IsValid() {
					return fmt.Errorf("invalid --reason %q", reason)
				}
			}
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			rows, err := svc.dlq.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			views := make([]dlqView, 0, len(rows))
			for _, row := range rows {
				views = append(views, newDLQView(row))
			}
			return a.printJSON(views)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "only show max_attempts or non_retryable entries")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to show")
	return cmd
}

func newOutboxRequeueCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <event-id>",
		Short: "Move a dead-lettered event back to the publisher",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eventID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid event id: %w", err)
			}
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			requeued, err := svc.dlq.Requeue(cmd.Context(), svc.outboxRepo, eventID)
			if errors.Is(err, outbox.ErrNotInDLQ) {
				return fmt.Errorf("event %s is not dead-lettered", eventID)
			}
			if err != nil {
				return err
			}
			return a.printJSON(map[string]any{
				"event_id": eventID.String(),
				"requeued": requeued,
			})
		},
	}
}
