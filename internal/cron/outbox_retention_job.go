package cron

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/pkg/logger"
)

const (
	OutboxRetentionJob = "outbox_retention"

	defaultOutboxRetention = 30 * 24 * time.Hour
	retentionBatch         = 1000
	maxRetentionBatches    = 100
)

type OutboxRetentionJobParams struct {
	Logger     *logger.Logger
	DB         txRunner
	Repository outboxPruner
	Retention  time.Duration
}

type outboxPruner interface {
	DeletePublishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) (int64, error)
}

// NewOutboxRetentionJob builds the job that drops delivered outbox rows
// once they are older than Retention (30 days by default).
func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	switch {
	case params.Logger == nil:
		return nil, errors.New("logger required")
	case params.DB == nil:
		return nil, errors.New("db runner required")
	case params.Repository == nil:
		return nil, errors.New("outbox repository required")
	}
	keep := params.Retention
	if keep <= 0 {
		keep = defaultOutboxRetention
	}
	return &outboxRetentionJob{
		logg:  params.Logger,
		db:    params.DB,
		repo:  params.Repository,
		keep:  keep,
		batch: retentionBatch,
		now:   time.Now,
	}, nil
}

type outboxRetentionJob struct {
	logg  *logger.Logger
	db    txRunner
	repo  outboxPruner
	keep  time.Duration
	batch int
	now   func() time.Time
}

func (j *outboxRetentionJob) Name() string { return OutboxRetentionJob }

// Run deletes in short transactions of j.batch rows so a large backlog
// never holds locks for long. It stops after maxRetentionBatches; the
// remainder waits for the next cycle.
func (j *outboxRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.keep)
	var total int64
	batches := 0
	for batches < maxRetentionBatches {
		if err := ctx.Err(); err != nil {
			return err
		}
		var n int64
		err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
			var err error
			n, err = j.repo.DeletePublishedBefore(ctx, tx, cutoff, j.batch)
			return err
		})
		if err != nil {
			return err
		}
		batches++
		total += n
		if n < int64(j.batch) {
			break
		}
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":       cutoff.Format(time.RFC3339),
		"rows_deleted": total,
		"batches":      batches,
	}), "outbox.retention_pruned")
	return nil
}
