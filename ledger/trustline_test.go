package ledger

import (
	"context"
	"testing"

	"github.com/cngnramp/backend"
	"github.com/cngnramp/backend/apperror"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckTrustlineRejectsInvalidAddress(t *testing.T) {
	m := NewTrustlineManager(newFakeStellarClient(), "cNGN", randomAddress(t), "Test SDF Network ; September 2015")
	_, err := m.CheckTrustline(context.Background(), "not-an-address")
	require.Error(t, err)
}

func TestCheckTrustlineReportsExistence(t *testing.T) {
	client := newFakeStellarClient()
	issuer := randomAddress(t)
	client.trustlineExists["cNGN:"+issuer] = true
	m := NewTrustlineManager(client, "cNGN", issuer, "Test SDF Network ; September 2015")

	status, err := m.CheckTrustline(context.Background(), randomAddress(t))
	require.NoError(t, err)
	assert.True(t, status.Exists)
}

func TestPreflightTrustlineCreationComputesReserve(t *testing.T) {
	client := newFakeStellarClient()
	client.account.SubentryCount = 0
	client.account.Balances = []rampcore.AccountBalance{{AssetCode: "XLM", Balance: decimal.NewFromFloat(2.5)}}
	m := NewTrustlineManager(client, "cNGN", randomAddress(t), "Test SDF Network ; September 2015")

	pre, err := m.PreflightTrustlineCreation(context.Background(), randomAddress(t))
	require.NoError(t, err)
	// base*2 (1.0) + 0 subentries + trustline reserve (0.5) + fee buffer (0.5) = 2.0
	assert.True(t, pre.RequiredXLM.Equal(decimal.NewFromFloat(2.0)))
	assert.True(t, pre.CanCreate)
}

func TestPreflightTrustlineCreationFailsWhenUnderfunded(t *testing.T) {
	client := newFakeStellarClient()
	client.account.SubentryCount = 0
	client.account.Balances = []rampcore.AccountBalance{{AssetCode: "XLM", Balance: decimal.NewFromFloat(0.1)}}
	m := NewTrustlineManager(client, "cNGN", randomAddress(t), "Test SDF Network ; September 2015")

	pre, err := m.PreflightTrustlineCreation(context.Background(), randomAddress(t))
	require.NoError(t, err)
	assert.False(t, pre.CanCreate)
	assert.NotEmpty(t, pre.Reason)
}

func TestBuildCreateTrustlineTransactionRejectsExistingTrustline(t *testing.T) {
	client := newFakeStellarClient()
	issuer := randomAddress(t)
	client.trustlineExists["cNGN:"+issuer] = true
	client.account.AccountID = randomAddress(t)
	m := NewTrustlineManager(client, "cNGN", issuer, "Test SDF Network ; September 2015")

	_, err := m.BuildCreateTrustlineTransaction(context.Background(), client.account.AccountID, decimal.Zero)
	require.Error(t, err)
	var appErr *apperror.Error
	require.True(t, apperror.As(err, &appErr))
	assert.Equal(t, apperror.TrustlineCreationFailed, appErr.Code)
}

func TestBuildCreateTrustlineTransactionRejectsWhenUnderfunded(t *testing.T) {
	client := newFakeStellarClient()
	client.account.SubentryCount = 5
	client.account.Balances = []rampcore.AccountBalance{{AssetCode: "XLM", Balance: decimal.NewFromFloat(0.1)}}
	client.account.AccountID = randomAddress(t)
	m := NewTrustlineManager(client, "cNGN", randomAddress(t), "Test SDF Network ; September 2015")

	_, err := m.BuildCreateTrustlineTransaction(context.Background(), client.account.AccountID, decimal.Zero)
	require.Error(t, err)
	var appErr *apperror.Error
	require.True(t, apperror.As(err, &appErr))
	assert.Equal(t, apperror.TrustlineCreationFailed, appErr.Code)
}

func TestBuildCreateTrustlineTransactionProducesEnvelope(t *testing.T) {
	client := newFakeStellarClient()
	client.account.AccountID = randomAddress(t)
	client.account.Balances = []rampcore.AccountBalance{{AssetCode: "XLM", Balance: decimal.NewFromFloat(10)}}
	m := NewTrustlineManager(client, "cNGN", randomAddress(t), "Test SDF Network ; September 2015")

	envelope, err := m.BuildCreateTrustlineTransaction(context.Background(), client.account.AccountID, decimal.NewFromInt(1000000))
	require.NoError(t, err)
	assert.NotEmpty(t, envelope)
}

func TestSubmitSignedTrustlineXDRDelegatesToClient(t *testing.T) {
	client := newFakeStellarClient()
	client.submitHash = "abc123"
	m := NewTrustlineManager(client, "cNGN", randomAddress(t), "Test SDF Network ; September 2015")

	hash, err := m.SubmitSignedTrustlineXDR(context.Background(), "fake-envelope")
	require.NoError(t, err)
	assert.Equal(t, "abc123", hash)
}
