package repo

import (
	"context"
	"testing"
	"time"

	"github.com/cngnramp/backend"
	"github.com/cngnramp/backend/apperror"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransaction(id string) *rampcore.Transaction {
	return &rampcore.Transaction{
		TransactionID: id,
		Type:          rampcore.TransactionOfframp,
		Status:        rampcore.StatusPendingPayment,
		CngnAmount:    decimal.NewFromInt(5000),
		FromCurrency:  "cNGN",
		ToCurrency:    "NGN",
		WalletAddress: "GABCDEF",
	}
}

func TestCreateAndGetTransaction(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, r.CreateTransaction(ctx, newTestTransaction("tx_1")))

	got, err := r.GetTransaction(ctx, "tx_1")
	require.NoError(t, err)
	assert.Equal(t, rampcore.StatusPendingPayment, got.Status)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestCreateTransactionRejectsDuplicateID(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, r.CreateTransaction(ctx, newTestTransaction("tx_dup")))

	err := r.CreateTransaction(ctx, newTestTransaction("tx_dup"))
	require.Error(t, err)
	var appErr *apperror.Error
	require.True(t, apperror.As(err, &appErr))
	assert.Equal(t, apperror.DuplicateTransaction, appErr.Code)
}

func TestGetTransactionNotFound(t *testing.T) {
	r := NewMemoryRepository()
	_, err := r.GetTransaction(context.Background(), "missing")
	require.Error(t, err)
	var appErr *apperror.Error
	require.True(t, apperror.As(err, &appErr))
	assert.Equal(t, apperror.TransactionNotFound, appErr.Code)
}

func TestUpdateStatusWithMetadataMergesPatch(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	tx := newTestTransaction("tx_2")
	tx.Metadata = rampcore.OfframpMetadata{AccountName: "Jane Doe", RetryCount: 1}
	require.NoError(t, r.CreateTransaction(ctx, tx))

	err := r.UpdateStatusWithMetadata(ctx, "tx_2", rampcore.StatusRefundInitiated, rampcore.OfframpMetadata{
		FailureReason: "amount_mismatch",
		IsRetryable:   true,
	})
	require.NoError(t, err)

	got, err := r.GetTransaction(ctx, "tx_2")
	require.NoError(t, err)
	assert.Equal(t, rampcore.StatusRefundInitiated, got.Status)
	assert.Equal(t, "Jane Doe", got.Metadata.AccountName, "unpatched fields must survive the merge")
	assert.Equal(t, "amount_mismatch", got.Metadata.FailureReason)
	assert.Equal(t, 1, got.Metadata.RetryCount, "zero-valued patch field must not clobber the existing value")
}

func TestUpdateBlockchainHashIsImmutableOnceSet(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, r.CreateTransaction(ctx, newTestTransaction("tx_3")))

	require.NoError(t, r.UpdateBlockchainHash(ctx, "tx_3", "hash-one"))
	require.NoError(t, r.UpdateBlockchainHash(ctx, "tx_3", "hash-two"))

	got, err := r.GetTransaction(ctx, "tx_3")
	require.NoError(t, err)
	assert.Equal(t, "hash-one", got.BlockchainTxHash, "first-write-wins for the blockchain hash")
}

func TestFindByStatusOrdersByCreatedAt(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	older := newTestTransaction("tx_old")
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := newTestTransaction("tx_new")
	newer.CreatedAt = time.Now()

	require.NoError(t, r.CreateTransaction(ctx, newer))
	require.NoError(t, r.CreateTransaction(ctx, older))

	results, err := r.FindByStatus(ctx, rampcore.StatusPendingPayment, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "tx_old", results[0].TransactionID)
	assert.Equal(t, "tx_new", results[1].TransactionID)
}

func TestLogWebhookEventDedupes(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	evt := &rampcore.WebhookEvent{Provider: "paystack", EventID: "evt_1", EventType: "charge.success"}

	created, err := r.LogWebhookEvent(ctx, evt)
	require.NoError(t, err)
	assert.True(t, created)

	createdAgain, err := r.LogWebhookEvent(ctx, evt)
	require.NoError(t, err)
	assert.False(t, createdAgain, "replayed (provider, event_id) must not create a second row")
}

func TestUpdateWebhookStatusFailureIncrementsRetryCount(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	evt := &rampcore.WebhookEvent{Provider: "flutterwave", EventID: "evt_2"}
	_, err := r.LogWebhookEvent(ctx, evt)
	require.NoError(t, err)

	require.NoError(t, r.UpdateWebhookStatus(ctx, "flutterwave", "evt_2", rampcore.WebhookFailed, "timeout"))
	require.NoError(t, r.UpdateWebhookStatus(ctx, "flutterwave", "evt_2", rampcore.WebhookFailed, "timeout"))

	got, err := r.GetWebhookEvent(ctx, "flutterwave", "evt_2")
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "timeout", got.LastError)
}

func TestFindRetryableWebhooksRespectsMaxRetryAndLimit(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := []string{"evt_a", "evt_b", "evt_c"}[i]
		evt := &rampcore.WebhookEvent{Provider: "paystack", EventID: id}
		_, err := r.LogWebhookEvent(ctx, evt)
		require.NoError(t, err)
		require.NoError(t, r.UpdateWebhookStatus(ctx, "paystack", id, rampcore.WebhookFailed, "err"))
	}
	// push evt_c over the retry cap
	require.NoError(t, r.UpdateWebhookStatus(ctx, "paystack", "evt_c", rampcore.WebhookFailed, "err"))
	require.NoError(t, r.UpdateWebhookStatus(ctx, "paystack", "evt_c", rampcore.WebhookFailed, "err"))
	require.NoError(t, r.UpdateWebhookStatus(ctx, "paystack", "evt_c", rampcore.WebhookFailed, "err"))
	require.NoError(t, r.UpdateWebhookStatus(ctx, "paystack", "evt_c", rampcore.WebhookFailed, "err"))

	retryable, err := r.FindRetryableWebhooks(ctx, 5, 1)
	require.NoError(t, err)
	require.Len(t, retryable, 1)
}

func TestListFeeTiersWildcardsAndOrdering(t *testing.T) {
	r := NewMemoryRepository()
	cap1 := decimal.NewFromInt(500)
	r.UpsertFeeTier(&rampcore.FeeTier{
		ID: 2, TransactionType: rampcore.TransactionOfframp,
		MinAmount: decimal.NewFromInt(10000), ProviderFeePercent: decimal.NewFromFloat(1.5),
		ProviderFeeCap: &cap1, EffectiveFrom: time.Now().Add(-time.Hour),
	})
	r.UpsertFeeTier(&rampcore.FeeTier{
		ID: 1, TransactionType: rampcore.TransactionOfframp,
		MinAmount: decimal.Zero, ProviderFeePercent: decimal.NewFromFloat(1.0),
		EffectiveFrom: time.Now().Add(-time.Hour),
	})
	r.UpsertFeeTier(&rampcore.FeeTier{
		ID: 3, TransactionType: rampcore.TransactionOnramp,
		MinAmount: decimal.Zero, ProviderFeePercent: decimal.NewFromFloat(9.9),
		EffectiveFrom: time.Now().Add(-time.Hour),
	})

	tiers, err := r.ListFeeTiers(context.Background(), rampcore.TransactionOfframp, "paystack", "bank_transfer")
	require.NoError(t, err)
	require.Len(t, tiers, 2)
	assert.True(t, tiers[0].MinAmount.LessThanOrEqual(tiers[1].MinAmount))
}

func TestUpsertRateOverwritesAndIsUnorderedByPair(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, r.UpsertRate(ctx, &rampcore.ExchangeRate{FromCurrency: "NGN", ToCurrency: "cNGN", Rate: decimal.NewFromFloat(1.0001)}))

	got, err := r.GetLatestRate(ctx, "cNGN", "NGN")
	require.NoError(t, err)
	assert.True(t, got.Rate.Equal(decimal.NewFromFloat(1.0001)))
}

func TestAppendConversionAuditAccumulates(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, r.AppendConversionAudit(ctx, &rampcore.ConversionAudit{TransactionID: "tx_5", Amount: decimal.NewFromInt(1000)}))
	require.NoError(t, r.AppendConversionAudit(ctx, &rampcore.ConversionAudit{TransactionID: "tx_6", Amount: decimal.NewFromInt(2000)}))

	assert.Len(t, r.Audits(), 2)
}
