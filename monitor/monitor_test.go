package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/cngnramp/backend"
	"github.com/cngnramp/backend/apperror"
	"github.com/cngnramp/backend/cache"
	"github.com/cngnramp/backend/repo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStellarClient struct {
	byHash          map[string]*rampcore.TxRecord
	byHashErr       map[string]error
	opsByHash       map[string][]rampcore.LedgerOperation
	incoming        []*rampcore.TxRecord
	incomingCursor  string
	incomingCallLog []string
}

func (s *stubStellarClient) GetAccount(context.Context, string) (*rampcore.AccountInfo, error) {
	return nil, nil
}

func (s *stubStellarClient) GetTransactionByHash(_ context.Context, hash string) (*rampcore.TxRecord, error) {
	if err, ok := s.byHashErr[hash]; ok {
		return nil, err
	}
	if rec, ok := s.byHash[hash]; ok {
		return rec, nil
	}
	return nil, apperror.Domain(apperror.WalletNotFound, "transaction not found", nil)
}

func (s *stubStellarClient) ListAccountTransactions(_ context.Context, _ string, _ int, cursor string) ([]*rampcore.TxRecord, string, error) {
	s.incomingCallLog = append(s.incomingCallLog, cursor)
	return s.incoming, s.incomingCursor, nil
}

func (s *stubStellarClient) GetTransactionOperations(_ context.Context, hash string) ([]rampcore.LedgerOperation, error) {
	return s.opsByHash[hash], nil
}

func (s *stubStellarClient) SubmitTransactionXDR(context.Context, string) (string, error) {
	return "", nil
}

func (s *stubStellarClient) CheckTrustline(context.Context, string, string, string) (*rampcore.TrustlineStatus, error) {
	return nil, nil
}

func seedPending(mem *repo.MemoryRepository, id string, createdAt time.Time, meta rampcore.OfframpMetadata) {
	_ = mem.CreateTransaction(context.Background(), &rampcore.Transaction{
		TransactionID: id,
		Type:          rampcore.TransactionOnramp,
		Status:        rampcore.StatusPending,
		FromAmount:    decimal.NewFromInt(1000),
		Metadata:      meta,
		CreatedAt:     createdAt,
	})
}

func testConfig() Config {
	cfg := DefaultConfig("GISSUERXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXX", "")
	cfg.PendingTimeout = 10 * time.Minute
	return cfg
}

func TestPollOneMarksCompletedOnSuccessfulRecord(t *testing.T) {
	mem := repo.NewMemoryRepository()
	seedPending(mem, "tx-1", time.Now(), rampcore.OfframpMetadata{StellarTxHash: "hash-1"})

	stellar := &stubStellarClient{byHash: map[string]*rampcore.TxRecord{
		"hash-1": {Hash: "hash-1", Successful: true},
	}}

	m := New(mem, stellar, nil, nil, testConfig(), nil)
	m.pollPending(context.Background())

	tx, err := mem.GetTransaction(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, rampcore.StatusCompleted, tx.Status)
	assert.Equal(t, "hash-1", tx.BlockchainTxHash)
}

func TestPollOneFailsImmediatelyOnAbsoluteTimeout(t *testing.T) {
	mem := repo.NewMemoryRepository()
	seedPending(mem, "tx-2", time.Now().Add(-20*time.Minute), rampcore.OfframpMetadata{StellarTxHash: "hash-2"})

	m := New(mem, &stubStellarClient{}, nil, nil, testConfig(), nil)
	m.pollPending(context.Background())

	tx, err := mem.GetTransaction(context.Background(), "tx-2")
	require.NoError(t, err)
	assert.Equal(t, rampcore.StatusFailed, tx.Status)
	assert.Equal(t, "pending timeout exceeded", tx.Metadata.FailureReason)
}

func TestPollOneSkipsRowWithinBackoffWindow(t *testing.T) {
	mem := repo.NewMemoryRepository()
	lastRetry := time.Now().Add(-5 * time.Second)
	seedPending(mem, "tx-3", time.Now(), rampcore.OfframpMetadata{
		StellarTxHash: "hash-3", RetryCount: 1, LastRetryAt: &lastRetry,
	})

	stellar := &stubStellarClient{byHash: map[string]*rampcore.TxRecord{
		"hash-3": {Hash: "hash-3", Successful: true},
	}}
	m := New(mem, stellar, nil, nil, testConfig(), nil)
	m.pollPending(context.Background())

	tx, err := mem.GetTransaction(context.Background(), "tx-3")
	require.NoError(t, err)
	assert.Equal(t, rampcore.StatusPending, tx.Status, "retry_count=1 backoff is 10s, elapsed 5s should still be skipped")
}

func TestPollOneTreatsNotFoundAsTransient(t *testing.T) {
	mem := repo.NewMemoryRepository()
	seedPending(mem, "tx-4", time.Now(), rampcore.OfframpMetadata{StellarTxHash: "missing-hash"})

	m := New(mem, &stubStellarClient{}, nil, nil, testConfig(), nil)
	m.pollPending(context.Background())

	tx, err := mem.GetTransaction(context.Background(), "tx-4")
	require.NoError(t, err)
	assert.Equal(t, rampcore.StatusPending, tx.Status)
	assert.Equal(t, 0, tx.Metadata.RetryCount)
}

func TestPollOneRetriesOnRetryableFailureReason(t *testing.T) {
	mem := repo.NewMemoryRepository()
	seedPending(mem, "tx-5", time.Now(), rampcore.OfframpMetadata{StellarTxHash: "hash-5"})

	stellar := &stubStellarClient{byHash: map[string]*rampcore.TxRecord{
		"hash-5": {Hash: "hash-5", Successful: false, ResultXDR: "tx_bad_seq"},
	}}
	m := New(mem, stellar, nil, nil, testConfig(), nil)
	m.pollPending(context.Background())

	tx, err := mem.GetTransaction(context.Background(), "tx-5")
	require.NoError(t, err)
	assert.Equal(t, rampcore.StatusPending, tx.Status)
	assert.Equal(t, 1, tx.Metadata.RetryCount)
}

func TestPollOneFailsOnNonRetryableFailureReason(t *testing.T) {
	mem := repo.NewMemoryRepository()
	seedPending(mem, "tx-5b", time.Now(), rampcore.OfframpMetadata{StellarTxHash: "hash-5b"})

	stellar := &stubStellarClient{byHash: map[string]*rampcore.TxRecord{
		"hash-5b": {Hash: "hash-5b", Successful: false, ResultXDR: "op_malformed"},
	}}
	m := New(mem, stellar, nil, nil, testConfig(), nil)
	m.pollPending(context.Background())

	tx, err := mem.GetTransaction(context.Background(), "tx-5b")
	require.NoError(t, err)
	assert.Equal(t, rampcore.StatusFailed, tx.Status)
}

func TestPollOneFailsAfterExhaustingRetries(t *testing.T) {
	mem := repo.NewMemoryRepository()
	lastRetry := time.Now().Add(-20 * time.Minute)
	seedPending(mem, "tx-6", time.Now(), rampcore.OfframpMetadata{
		StellarTxHash: "hash-6", RetryCount: 5, LastRetryAt: &lastRetry,
	})

	stellar := &stubStellarClient{byHashErr: map[string]error{
		"hash-6": apperror.Domain(apperror.BlockchainError, "network unreachable", nil),
	}}
	m := New(mem, stellar, nil, nil, testConfig(), nil)
	m.pollPending(context.Background())

	tx, err := mem.GetTransaction(context.Background(), "tx-6")
	require.NoError(t, err)
	assert.Equal(t, rampcore.StatusFailed, tx.Status)
}

func TestScanIncomingCompletesMatchingOnrampTransaction(t *testing.T) {
	mem := repo.NewMemoryRepository()
	seedPending(mem, "tx-7", time.Now(), rampcore.OfframpMetadata{})

	stellar := &stubStellarClient{
		incoming: []*rampcore.TxRecord{
			{Hash: "hash-7", Successful: true, Memo: "tx-7", PagingToken: "cursor-1"},
		},
		incomingCursor: "cursor-1",
		opsByHash: map[string][]rampcore.LedgerOperation{
			"hash-7": {{Type: "payment", To: "GWALLET", AssetCode: "cNGN", AssetIssuer: "GISSUER"}},
		},
	}
	cfg := testConfig()
	cfg.SystemWalletAddress = "GWALLET"
	cfg.CngnIssuer = "GISSUER"

	m := New(mem, stellar, nil, nil, cfg, nil)
	m.scanIncoming(context.Background())

	tx, err := mem.GetTransaction(context.Background(), "tx-7")
	require.NoError(t, err)
	assert.Equal(t, rampcore.StatusCompleted, tx.Status)
	assert.Equal(t, "hash-7", tx.BlockchainTxHash)
}

func TestScanIncomingLeavesUnmatchedRecordsUntouched(t *testing.T) {
	mem := repo.NewMemoryRepository()
	stellar := &stubStellarClient{
		incoming: []*rampcore.TxRecord{
			{Hash: "hash-8", Successful: true, Memo: "no-such-transaction", PagingToken: "cursor-2"},
		},
		incomingCursor: "cursor-2",
	}
	cfg := testConfig()
	cfg.SystemWalletAddress = "GWALLET"

	m := New(mem, stellar, nil, nil, cfg, nil)
	m.scanIncoming(context.Background())

	_, err := mem.GetTransaction(context.Background(), "no-such-transaction")
	assert.Error(t, err)
}

func TestScanIncomingPersistsCursorAcrossCalls(t *testing.T) {
	mem := repo.NewMemoryRepository()
	store := cache.New()
	stellar := &stubStellarClient{incomingCursor: "cursor-next"}
	cfg := testConfig()
	cfg.SystemWalletAddress = "GWALLET"

	m := New(mem, stellar, store, nil, cfg, nil)
	m.scanIncoming(context.Background())
	m.scanIncoming(context.Background())

	assert.Equal(t, []string{"", "cursor-next"}, stellar.incomingCallLog)
}

func TestScanIncomingSkippedWhenNoSystemWalletConfigured(t *testing.T) {
	mem := repo.NewMemoryRepository()
	stellar := &stubStellarClient{}
	cfg := testConfig()
	cfg.SystemWalletAddress = ""

	m := New(mem, stellar, nil, nil, cfg, nil)
	m.Cycle(context.Background())

	assert.Empty(t, stellar.incomingCallLog)
}

func TestBackoffForMatchesDocumentedSchedule(t *testing.T) {
	assert.Equal(t, time.Duration(0), backoffFor(0))
	assert.Equal(t, 10*time.Second, backoffFor(1))
	assert.Equal(t, 30*time.Second, backoffFor(2))
	assert.Equal(t, 2*time.Minute, backoffFor(3))
	assert.Equal(t, 5*time.Minute, backoffFor(4))
	assert.Equal(t, 10*time.Minute, backoffFor(5))
	assert.Equal(t, 10*time.Minute, backoffFor(99))
}
