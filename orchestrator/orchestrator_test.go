package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/cngnramp/backend"
	"github.com/cngnramp/backend/apperror"
	"github.com/cngnramp/backend/repo"
	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testAddress returns a syntactically valid Stellar public key for tests
// that exercise strkey validation; the account need not exist on any
// network since stubStellar never calls Horizon.
func testAddress(t *testing.T) string {
	t.Helper()
	kp, err := keypair.Random()
	require.NoError(t, err)
	return kp.Address()
}

const testNetworkPassphrase = "Test SDF Network ; September 2015"
const testCngnIssuer = "GDIVLNCQBN5BKWLYG7QAE25TBYEF36HDH32HLD7L5PMKF3FRXHVFV5PD"

type fakeProvider struct {
	name      string
	err       error
	reference string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) InitiatePayment(_ context.Context, _ rampcore.PaymentRequest) (*rampcore.PaymentResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &rampcore.PaymentResponse{ProviderReference: f.reference, Status: rampcore.PaymentPending}, nil
}

func (f *fakeProvider) VerifyPayment(context.Context, rampcore.StatusRequest) (*rampcore.StatusResponse, error) {
	return nil, nil
}
func (f *fakeProvider) ProcessWithdrawal(context.Context, rampcore.WithdrawalRequest) (*rampcore.WithdrawalResponse, error) {
	return nil, nil
}
func (f *fakeProvider) GetPaymentStatus(context.Context, rampcore.StatusRequest) (*rampcore.StatusResponse, error) {
	return nil, nil
}
func (f *fakeProvider) VerifyWebhook([]byte, string) (bool, string) { return false, "" }
func (f *fakeProvider) ParseWebhookEvent([]byte) (*rampcore.ProviderWebhookEvent, error) {
	return nil, nil
}

type stubStellar struct {
	account      *rampcore.AccountInfo
	accountErr   error
	trustline    *rampcore.TrustlineStatus
	submitHash   string
	submitErr    error
	submittedXDR string
}

func (s *stubStellar) GetAccount(context.Context, string) (*rampcore.AccountInfo, error) {
	if s.accountErr != nil {
		return nil, s.accountErr
	}
	if s.account != nil {
		return s.account, nil
	}
	return &rampcore.AccountInfo{AccountID: testCngnIssuer, Sequence: "1"}, nil
}

func (s *stubStellar) GetTransactionByHash(context.Context, string) (*rampcore.TxRecord, error) {
	return nil, nil
}

func (s *stubStellar) ListAccountTransactions(context.Context, string, int, string) ([]*rampcore.TxRecord, string, error) {
	return nil, "", nil
}

func (s *stubStellar) GetTransactionOperations(context.Context, string) ([]rampcore.LedgerOperation, error) {
	return nil, nil
}

func (s *stubStellar) SubmitTransactionXDR(_ context.Context, xdr string) (string, error) {
	s.submittedXDR = xdr
	if s.submitErr != nil {
		return "", s.submitErr
	}
	return s.submitHash, nil
}

func (s *stubStellar) CheckTrustline(context.Context, string, string, string) (*rampcore.TrustlineStatus, error) {
	if s.trustline != nil {
		return s.trustline, nil
	}
	return &rampcore.TrustlineStatus{Exists: true}, nil
}

type stubSigner struct {
	pubKey string
	signed string
	err    error
}

func (s *stubSigner) PublicKey() string { return s.pubKey }

func (s *stubSigner) SignTransaction(context.Context, string, string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.signed, nil
}

func testConfig() Config {
	return Config{
		ProviderOrder:       []string{"flutterwave", "paystack"},
		NetworkPassphrase:   testNetworkPassphrase,
		CngnIssuer:          testCngnIssuer,
		DistributionAccount: testCngnIssuer,
	}
}

func seedTransaction(mem *repo.MemoryRepository, id string, status rampcore.TransactionStatus) {
	seedTransactionToWallet(mem, id, status, "")
}

func seedTransactionToWallet(mem *repo.MemoryRepository, id string, status rampcore.TransactionStatus, wallet string) {
	_ = mem.CreateTransaction(context.Background(), &rampcore.Transaction{
		TransactionID: id,
		Type:          rampcore.TransactionOnramp,
		Status:        status,
		FromAmount:    decimal.NewFromInt(10000),
		ToAmount:      decimal.NewFromInt(9800),
		WalletAddress: wallet,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	})
}

// A freshly created onramp transaction starts at StatusPending: the seeds
// below mirror that, so these tests exercise the same row state the HTTP
// quote-consumption endpoint actually creates.

func TestInitiatePaymentUsesFirstSucceedingProvider(t *testing.T) {
	mem := repo.NewMemoryRepository()
	seedTransaction(mem, "tx-1", rampcore.StatusPending)

	orch := New(mem, map[string]rampcore.PaymentProvider{
		"flutterwave": &fakeProvider{name: "flutterwave", reference: "fw-ref-1"},
		"paystack":    &fakeProvider{name: "paystack", reference: "ps-ref-1"},
	}, nil, nil, testConfig(), nil, nil)

	resp, err := orch.InitiatePayment(context.Background(), rampcore.PaymentRequest{
		TransactionID: "tx-1", Amount: decimal.NewFromInt(10000), Currency: "NGN", Method: "card",
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "fw-ref-1", resp.ProviderReference)

	tx, err := mem.GetTransaction(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "flutterwave", tx.Metadata.ProviderName)
	assert.Equal(t, rampcore.StatusPendingPayment, tx.Status)
}

func TestInitiatePaymentFallsBackToNextProviderOnRetryableError(t *testing.T) {
	mem := repo.NewMemoryRepository()
	seedTransaction(mem, "tx-2", rampcore.StatusPending)

	orch := New(mem, map[string]rampcore.PaymentProvider{
		"flutterwave": &fakeProvider{name: "flutterwave", err: apperror.Infrastructure(apperror.RateLimitError, "too many requests", nil, true)},
		"paystack":    &fakeProvider{name: "paystack", reference: "ps-ref-2"},
	}, nil, nil, testConfig(), nil, nil)

	resp, err := orch.InitiatePayment(context.Background(), rampcore.PaymentRequest{
		TransactionID: "tx-2", Amount: decimal.NewFromInt(10000), Currency: "NGN", Method: "card",
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "ps-ref-2", resp.ProviderReference)
}

func TestInitiatePaymentStopsOnNonRetryableError(t *testing.T) {
	mem := repo.NewMemoryRepository()
	seedTransaction(mem, "tx-3", rampcore.StatusPending)

	orch := New(mem, map[string]rampcore.PaymentProvider{
		"flutterwave": &fakeProvider{name: "flutterwave", err: apperror.Validation(apperror.InvalidAmount, "amount below provider minimum", nil)},
		"paystack":    &fakeProvider{name: "paystack", reference: "should-not-be-used"},
	}, nil, nil, testConfig(), nil, nil)

	_, err := orch.InitiatePayment(context.Background(), rampcore.PaymentRequest{
		TransactionID: "tx-3", Amount: decimal.NewFromInt(10000), Currency: "NGN", Method: "card",
	}, "")
	require.Error(t, err)
}

func TestInitiatePaymentReplaysMemoizedResult(t *testing.T) {
	mem := repo.NewMemoryRepository()
	seedTransaction(mem, "tx-4", rampcore.StatusPending)

	calls := 0
	orch := New(mem, map[string]rampcore.PaymentProvider{
		"flutterwave": &countingProvider{fakeProvider: fakeProvider{name: "flutterwave", reference: "fw-ref-4"}, calls: &calls},
	}, nil, nil, Config{ProviderOrder: []string{"flutterwave"}}, nil, nil)

	req := rampcore.PaymentRequest{TransactionID: "tx-4", Amount: decimal.NewFromInt(10000), Currency: "NGN", Method: "card"}
	resp1, err := orch.InitiatePayment(context.Background(), req, "idem-key-1")
	require.NoError(t, err)
	resp2, err := orch.InitiatePayment(context.Background(), req, "idem-key-1")
	require.NoError(t, err)

	assert.Equal(t, resp1.ProviderReference, resp2.ProviderReference)
	assert.Equal(t, 1, calls)
}

// TestInitiatePaymentShortCircuitsTransactionAlreadyPastInitiation targets
// the replay guard directly: a row already at pending_payment (or later)
// must return its recorded reference without invoking any provider, even
// under a brand new idempotency key.
func TestInitiatePaymentShortCircuitsTransactionAlreadyPastInitiation(t *testing.T) {
	mem := repo.NewMemoryRepository()
	_ = mem.CreateTransaction(context.Background(), &rampcore.Transaction{
		TransactionID:    "tx-already-initiated",
		Type:             rampcore.TransactionOnramp,
		Status:           rampcore.StatusPendingPayment,
		FromAmount:       decimal.NewFromInt(10000),
		PaymentReference: "already-recorded-ref",
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	})

	calls := 0
	orch := New(mem, map[string]rampcore.PaymentProvider{
		"flutterwave": &countingProvider{fakeProvider: fakeProvider{name: "flutterwave", reference: "should-not-be-used"}, calls: &calls},
	}, nil, nil, Config{ProviderOrder: []string{"flutterwave"}}, nil, nil)

	resp, err := orch.InitiatePayment(context.Background(), rampcore.PaymentRequest{
		TransactionID: "tx-already-initiated", Amount: decimal.NewFromInt(10000), Currency: "NGN", Method: "card",
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "already-recorded-ref", resp.ProviderReference)
	assert.Equal(t, 0, calls)
}

type countingProvider struct {
	fakeProvider
	calls *int
}

func (c *countingProvider) InitiatePayment(ctx context.Context, req rampcore.PaymentRequest) (*rampcore.PaymentResponse, error) {
	*c.calls++
	return c.fakeProvider.InitiatePayment(ctx, req)
}

func TestHandlePaymentSuccessDraftsAndSubmitsCreditingPayment(t *testing.T) {
	mem := repo.NewMemoryRepository()
	wallet := testAddress(t)
	seedTransactionToWallet(mem, "tx-5", rampcore.StatusPendingPayment, wallet)

	stellar := &stubStellar{submitHash: "stellar-hash-5"}
	signer := &stubSigner{pubKey: testCngnIssuer, signed: "signed-envelope"}
	orch := New(mem, nil, stellar, signer, testConfig(), nil, nil)

	require.NoError(t, orch.HandlePaymentSuccess(context.Background(), "tx-5"))

	tx, err := mem.GetTransaction(context.Background(), "tx-5")
	require.NoError(t, err)
	assert.Equal(t, rampcore.StatusProcessing, tx.Status)
	assert.Equal(t, "stellar-hash-5", tx.BlockchainTxHash)
	assert.Equal(t, "stellar-hash-5", tx.Metadata.StellarTxHash)
	assert.Equal(t, "signed-envelope", stellar.submittedXDR)
}

func TestHandlePaymentSuccessFailsTransactionOnBuildError(t *testing.T) {
	mem := repo.NewMemoryRepository()
	// No WalletAddress set: AddPaymentOp rejects the empty destination,
	// so the crediting payment never reaches signing or submission.
	seedTransaction(mem, "tx-5b", rampcore.StatusPendingPayment)

	stellar := &stubStellar{submitHash: "unused"}
	signer := &stubSigner{pubKey: testCngnIssuer}
	orch := New(mem, nil, stellar, signer, testConfig(), nil, nil)

	require.Error(t, orch.HandlePaymentSuccess(context.Background(), "tx-5b"))

	tx, err := mem.GetTransaction(context.Background(), "tx-5b")
	require.NoError(t, err)
	assert.Equal(t, rampcore.StatusFailed, tx.Status)
}

func TestHandlePaymentSuccessLeavesTransactionForRetryOnSubmitError(t *testing.T) {
	mem := repo.NewMemoryRepository()
	wallet := testAddress(t)
	seedTransactionToWallet(mem, "tx-5c", rampcore.StatusPendingPayment, wallet)

	stellar := &stubStellar{submitErr: apperror.External(apperror.BlockchainError, "horizon unavailable", nil, true)}
	signer := &stubSigner{pubKey: testCngnIssuer, signed: "signed-envelope"}
	orch := New(mem, nil, stellar, signer, testConfig(), nil, nil)

	require.Error(t, orch.HandlePaymentSuccess(context.Background(), "tx-5c"))

	tx, err := mem.GetTransaction(context.Background(), "tx-5c")
	require.NoError(t, err)
	assert.Equal(t, rampcore.StatusPendingPayment, tx.Status)
}

func TestHandlePaymentSuccessIsNoOpOnTerminalTransaction(t *testing.T) {
	mem := repo.NewMemoryRepository()
	seedTransaction(mem, "tx-6", rampcore.StatusFailed)

	orch := New(mem, nil, nil, nil, testConfig(), nil, nil)
	require.NoError(t, orch.HandlePaymentSuccess(context.Background(), "tx-6"))

	tx, err := mem.GetTransaction(context.Background(), "tx-6")
	require.NoError(t, err)
	assert.Equal(t, rampcore.StatusFailed, tx.Status)
}

func TestHandlePaymentSuccessIsNoOpWhenAlreadyProcessing(t *testing.T) {
	mem := repo.NewMemoryRepository()
	seedTransaction(mem, "tx-6b", rampcore.StatusProcessing)

	orch := New(mem, nil, nil, nil, testConfig(), nil, nil)
	require.NoError(t, orch.HandlePaymentSuccess(context.Background(), "tx-6b"))

	tx, err := mem.GetTransaction(context.Background(), "tx-6b")
	require.NoError(t, err)
	assert.Equal(t, rampcore.StatusProcessing, tx.Status)
}

func TestHandlePaymentFailureRecordsReason(t *testing.T) {
	mem := repo.NewMemoryRepository()
	seedTransaction(mem, "tx-7", rampcore.StatusPendingPayment)

	orch := New(mem, nil, nil, nil, testConfig(), nil, nil)
	require.NoError(t, orch.HandlePaymentFailure(context.Background(), "tx-7", "card declined"))

	tx, err := mem.GetTransaction(context.Background(), "tx-7")
	require.NoError(t, err)
	assert.Equal(t, rampcore.StatusFailed, tx.Status)
	assert.Equal(t, "card declined", tx.Metadata.FailureReason)
}

func TestHandleWithdrawalSuccessCompletesTransferPending(t *testing.T) {
	mem := repo.NewMemoryRepository()
	seedTransaction(mem, "tx-8", rampcore.StatusTransferPending)

	orch := New(mem, nil, nil, nil, testConfig(), nil, nil)
	require.NoError(t, orch.HandleWithdrawalSuccess(context.Background(), "tx-8"))

	tx, err := mem.GetTransaction(context.Background(), "tx-8")
	require.NoError(t, err)
	assert.Equal(t, rampcore.StatusCompleted, tx.Status)
}

func TestHandleWithdrawalSuccessIsNoOpWhenTransitionIllegal(t *testing.T) {
	mem := repo.NewMemoryRepository()
	seedTransaction(mem, "tx-9", rampcore.StatusPendingPayment)

	orch := New(mem, nil, nil, nil, testConfig(), nil, nil)
	require.NoError(t, orch.HandleWithdrawalSuccess(context.Background(), "tx-9"))

	tx, err := mem.GetTransaction(context.Background(), "tx-9")
	require.NoError(t, err)
	assert.Equal(t, rampcore.StatusPendingPayment, tx.Status)
}

func TestHandleWithdrawalFailureMovesToRefundInitiated(t *testing.T) {
	mem := repo.NewMemoryRepository()
	seedTransaction(mem, "tx-10", rampcore.StatusTransferPending)

	orch := New(mem, nil, nil, nil, testConfig(), nil, nil)
	require.NoError(t, orch.HandleWithdrawalFailure(context.Background(), "tx-10", "transfer rejected"))

	tx, err := mem.GetTransaction(context.Background(), "tx-10")
	require.NoError(t, err)
	assert.Equal(t, rampcore.StatusRefundInitiated, tx.Status)
	assert.Equal(t, "transfer rejected", tx.Metadata.FailureReason)
}
