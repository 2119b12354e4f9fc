package users

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/billing-reconciler/internal/testdb"
)

func TestLinkGatewayCustomerOnlyOnce(t *testing.T) {
	conn := testdb.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	user := testdb.SeedUser(t, conn, "")

	linked, err := repo.LinkGatewayCustomer(ctx, user.ID, "cus_first")
	require.NoError(t, err)
	assert.True(t, linked)

	linked, err = repo.LinkGatewayCustomer(ctx, user.ID, "cus_second")
	require.NoError(t, err)
	assert.False(t, linked)

	found, err := repo.FindByGatewayCustomerID(ctx, "cus_first")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, user.ID, found.ID)
	require.NotNil(t, found.GatewayCustomerID)
	assert.Equal(t, "cus_first", *found.GatewayCustomerID)
}

func TestFindMissingUsersReturnNil(t *testing.T) {
	conn := testdb.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()

	user, err := repo.FindByID(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, user)

	user, err = repo.FindByGatewayCustomerID(ctx, "cus_missing")
	require.NoError(t, err)
	assert.Nil(t, user)

	user, err = repo.FindByGatewayCustomerID(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestLinkGatewayCustomerRequiresID(t *testing.T) {
	conn := testdb.Open(t)
	user := testdb.SeedUser(t, conn, "")

	linked, err := NewRepository(conn).LinkGatewayCustomer(t.Context(), user.ID, "  ")
	assert.ErrorIs(t, err, errEmptyCustomerID)
	assert.False(t, linked)
}

func TestWithTxScopesToTransaction(t *testing.T) {
	conn := testdb.Open(t)
	repo := NewRepository(conn)
	user := testdb.SeedUser(t, conn, "")

	assert.Same(t, repo, repo.WithTx(nil))

	tx := conn.Begin()
	linked, err := repo.WithTx(tx).LinkGatewayCustomer(t.Context(), user.ID, "cus_tx")
	require.NoError(t, err)
	assert.True(t, linked)
	require.NoError(t, tx.Rollback().Error)

	found, err := repo.FindByID(t.Context(), user.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Nil(t, found.GatewayCustomerID)
}
