package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	"github.com/angelmondragon/billing-reconciler/pkg/logger"
)

const (
	StaleCheckoutSweepJob = "stale_checkout_sweep"

	defaultCheckoutTTL = 24 * time.Hour
	defaultSweepBatch  = 100
	maxSweepBatches    = 50
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type staleCheckoutExpirer interface {
	ExpireStalePending(ctx context.Context, tx *gorm.DB, ttl time.Duration, limit int) ([]models.PaymentTransaction, error)
}

// StaleCheckoutJobParams configure the abandoned checkout sweep.
type StaleCheckoutJobParams struct {
	Logger    *logger.Logger
	DB        txRunner
	Ledger    staleCheckoutExpirer
	TTL       time.Duration
	BatchSize int
}

// NewStaleCheckoutJob builds the job that fails checkout transactions
// nobody paid for within TTL.
func NewStaleCheckoutJob(params StaleCheckoutJobParams) (*StaleCheckoutJob, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("payment ledger required")
	}
	ttl := params.TTL
	if ttl <= 0 {
		ttl = defaultCheckoutTTL
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	return &StaleCheckoutJob{
		logg:   params.Logger,
		db:     params.DB,
		ledger: params.Ledger,
		ttl:    ttl,
		batch:  batch,
	}, nil
}

type StaleCheckoutJob struct {
	logg   *logger.Logger
	db     txRunner
	ledger staleCheckoutExpirer
	ttl    time.Duration
	batch  int
}

func (j *StaleCheckoutJob) Name() string { return StaleCheckoutSweepJob }

func (j *StaleCheckoutJob) Run(ctx context.Context) error {
	_, err := j.Sweep(ctx)
	return err
}

// Sweep expires stale rows one batch per transaction until a short batch
// comes back. A failed batch is rolled back alone and the sweep stops there;
// the next run picks the rows up again.
func (j *StaleCheckoutJob) Sweep(ctx context.Context) (int, error) {
	var (
		total int
		errs  error
	)
	for batch := 0; batch < maxSweepBatches; batch++ {
		var expired []models.PaymentTransaction
		err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
			rows, err := j.ledger.ExpireStalePending(ctx, tx, j.ttl, j.batch)
			if err != nil {
				return err
			}
			expired = rows
			return nil
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("sweep batch %d: %w", batch, err))
			break
		}
		for _, txn := range expired {
			j.logg.Info(j.logg.WithFields(ctx, map[string]any{
				"transaction_id":          txn.ID.String(),
				"external_transaction_id": txn.ExternalTransactionID,
				"user_id":                 txn.UserID.String(),
			}), "checkout.expired")
		}
		total += len(expired)
		if len(expired) < j.batch {
			break
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"ttl":     j.ttl.String(),
		"expired": total,
	})
	if errs != nil {
		j.logg.Error(logCtx, "stale checkout sweep incomplete", errs)
		return total, errs
	}
	j.logg.Info(logCtx, "stale checkout sweep complete")
	return total, nil
}
