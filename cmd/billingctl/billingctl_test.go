package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/billing-reconciler/internal/testdb"
	pkgAuth "github.com/angelmondragon/billing-reconciler/pkg/auth"
	"github.com/angelmondragon/billing-reconciler/pkg/config"
	"github.com/angelmondragon/billing-reconciler/pkg/db/models"
	"github.com/angelmondragon/billing-reconciler/pkg/enums"
	"github.com/angelmondragon/billing-reconciler/pkg/outbox"
)

func preloadedApp(out *bytes.Buffer) *app {
	a := &app{out: out}
	a.cfg = &config.Config{
		JWT: config.JWTConfig{Secret: "cli-secret", Issuer: "billing", ExpirationMinutes: 30},
	}
	a.loadOnce.Do(func() {})
	return a
}

func TestRootRegistersCommandGroups(t *testing.T) {
	root := newRootCmd(&app{})
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"plans", "coupons", "subscriptions", "transactions", "outbox", "token"} {
		assert.True(t, names[want], want)
	}
}

func TestTokenMintProducesVerifiableToken(t *testing.T) {
	out := &bytes.Buffer{}
	a := preloadedApp(out)
	userID := uuid.New()

	root := newRootCmd(a)
	root.SetArgs([]string{"token", "mint", "--user", userID.String(), "--role", "admin"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	claims, err := pkgAuth.ParseAccessToken(a.cfg.JWT, strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, pkgAuth.RoleAdmin, claims.Role)
}

func TestTokenMintRejectsBadUser(t *testing.T) {
	root := newRootCmd(preloadedApp(&bytes.Buffer{}))
	root.SetArgs([]string{"token", "mint", "--user", "nope"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --user")
}

func TestCouponFlagsInput(t *testing.T) {
	f := couponFlags{
		code:       "save10",
		kind:       "percentage",
		value:      "10",
		maximum:    "25.50",
		perUser:    1,
		validUntil: "2026-12-31T23:59:59Z",
	}
	input, err := f.input()
	require.NoError(t, err)
	assert.Equal(t, enums.CouponTypePercentage, input.Type)
	assert.True(t, input.Value.Equal(decimal.NewFromInt(10)))
	require.NotNil(t, input.MaximumDiscount)
	assert.Equal(t, "25.50", input.MaximumDiscount.StringFixed(2))
	require.NotNil(t, input.UsageLimitPerUser)
	assert.Equal(t, 1, *input.UsageLimitPerUser)
	assert.Nil(t, input.UsageLimit)
	assert.Nil(t, input.MinimumAmount)
	require.NotNil(t, input.ValidUntil)
	assert.Equal(t, 2026, input.ValidUntil.Year())
}

func TestCouponFlagsInputRejectsBadValues(t *testing.T) {
	_, err := couponFlags{kind: "bogus", value: "1"}.input()
	assert.Error(t, err)

	_, err = couponFlags{kind: "percentage", value: "ten"}.input()
	assert.Error(t, err)

	_, err = couponFlags{kind: "percentage", value: "10", validFrom: "tomorrow"}.input()
	assert.Error(t, err)
}

func outboxApp(t *testing.T, out *bytes.Buffer) (*app, uuid.UUID) {
	t.Helper()
	conn := testdb.Open(t)
	repo := outbox.NewRepository(conn)
	dlq := outbox.NewDLQRepository(conn)
	ctx := context.Background()

	require.NoError(t, outbox.NewService(repo, nil).Emit(ctx, conn, outbox.DomainEvent{
		EventType:   enums.EventPaymentFailed,
		AggregateID: uuid.New(),
		Data:        map[string]string{"status": "failed"},
	}))
	batch, err := repo.FetchUnpublishedForPublish(conn, 1, 0)
	require.NoError(t, err)
	event := batch[0]
	msg := "topic not found"
	require.NoError(t, dlq.InsertTx(conn, models.OutboxDLQ{
		EventID:       event.ID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       event.Payload,
		ErrorReason:   enums.OutboxDLQReasonNonRetryable,
		ErrorMessage:  &msg,
	}))
	require.NoError(t, repo.MarkTerminalTx(conn, event.ID, assert.AnError, 10))

	a := preloadedApp(out)
	a.svc = &adminServices{outboxRepo: repo, dlq: dlq}
	return a, event.ID
}

func runCLI(t *testing.T, a *app, args ...string) error {
	t.Helper()
	root := newRootCmd(a)
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func TestOutboxStatsAndDLQ(t *testing.T) {
	out := &bytes.Buffer{}
	a, eventID := outboxApp(t, out)

	require.NoError(t, runCLI(t, a, "outbox", "stats"))
	var stats struct {
		Unpublished int64            `json:"unpublished"`
		DeadLetters map[string]int64 `json:"dead_letters"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &stats))
	assert.EqualValues(t, 1, stats.Unpublished)
	assert.Equal(t, map[string]int64{"non_retryable": 1}, stats.DeadLetters)

	out.Reset()
	require.NoError(t, runCLI(t, a, "outbox", "dlq", "--reason", "non_retryable"))
	var views []dlqView
	require.NoError(t, json.Unmarshal(out.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, eventID.String(), views[0].EventID)
	assert.Equal(t, "payment.failed", views[0].EventType)

	out.Reset()
	require.NoError(t, runCLI(t, a, "outbox", "dlq", "--reason", "max_attempts"))
	assert.JSONEq(t, `[]`, out.String())

	err := runCLI(t, a, "outbox", "dlq", "--reason", "bogus")
	assert.ErrorContains(t, err, "invalid --reason")
}

func TestOutboxRequeue(t *testing.T) {
	out := &bytes.Buffer{}
	a, eventID := outboxApp(t, out)

	require.NoError(t, runCLI(t, a, "outbox", "requeue", eventID.String()))
	assert.JSONEq(t, `{"event_id":"`+eventID.String()+`","requeued":true}`, out.String())

	err := runCLI(t, a, "outbox", "requeue", eventID.String())
	assert.ErrorContains(t, err, "is not dead-lettered")

	err = runCLI(t, a, "outbox", "requeue", "not-a-uuid")
	assert.ErrorContains(t, err, "invalid event id")
}
