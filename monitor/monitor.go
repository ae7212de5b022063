// Package monitor watches pending Stellar settlement and scans a system
// wallet for unmatched incoming cNGN payments, reconciling both against the
// transaction ledger on a fixed poll interval.
package monitor

import (
	"context"
	"strings"
	"time"

	"github.com/cngnramp/backend"
	"github.com/cngnramp/backend/apperror"
	"github.com/sirupsen/logrus"
)

// Config tunes the monitor's poll cadence, timeout, and retry budget.
type Config struct {
	PollInterval          time.Duration
	PendingTimeout        time.Duration
	MaxRetries            int
	PendingBatchSize      int
	MonitoringWindowHours int
	IncomingLimit         int
	SystemWalletAddress   string
	CngnIssuer            string
}

// DefaultConfig returns the documented defaults; cngnIssuer and
// systemWallet are required call-site values with no sensible default.
func DefaultConfig(cngnIssuer, systemWallet string) Config {
	return Config{
		PollInterval:          7 * time.Second,
		PendingTimeout:        600 * time.Second,
		MaxRetries:            5,
		PendingBatchSize:      200,
		MonitoringWindowHours: 24,
		IncomingLimit:         100,
		SystemWalletAddress:   systemWallet,
		CngnIssuer:            cngnIssuer,
	}
}

// backoffSchedule maps a retry_count to the wait before the next attempt;
// any count at or beyond the last entry uses backoffCap.
var backoffSchedule = map[int]time.Duration{
	0: 0,
	1: 10 * time.Second,
	2: 30 * time.Second,
	3: 2 * time.Minute,
	4: 5 * time.Minute,
}

const backoffCap = 10 * time.Minute

func backoffFor(retryCount int) time.Duration {
	if d, ok := backoffSchedule[retryCount]; ok {
		return d
	}
	return backoffCap
}

// retryableMarkers are substrings of a Horizon failure reason this system
// will retry rather than fail outright.
var retryableMarkers = []string{"tx_bad_seq", "tx_insufficient_fee", "timeout", "rate limit", "network"}

func isRetryableReason(reason string) bool {
	lower := strings.ToLower(reason)
	for _, marker := range retryableMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Monitor runs the pending-poll and inbound-scan loops.
type Monitor struct {
	repo    rampcore.Repository
	stellar rampcore.StellarClient
	cache   rampcore.KVStore
	sink    rampcore.NotificationSink
	config  Config
	log     *logrus.Logger
}

const cursorCacheKey = "monitor:inbound_cursor"

// New builds a Monitor. cache may be nil, in which case the inbound scan
// always starts from the beginning of the account's transaction history on
// every cycle (acceptable for a low-volume system wallet, wasteful for a
// busy one).
func New(repo rampcore.Repository, stellar rampcore.StellarClient, cache rampcore.KVStore, sink rampcore.NotificationSink, config Config, log *logrus.Logger) *Monitor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Monitor{repo: repo, stellar: stellar, cache: cache, sink: sink, config: config, log: log}
}

// Run blocks, executing one cycle per PollInterval, until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Cycle(ctx)
		}
	}
}

// Cycle runs the pending-poll loop, then the inbound-scan loop if a system
// wallet is configured. Exported so a caller (or a test) can drive a single
// cycle synchronously instead of waiting on the ticker.
func (m *Monitor) Cycle(ctx context.Context) {
	m.pollPending(ctx)
	if m.config.SystemWalletAddress != "" {
		m.scanIncoming(ctx)
	}
}

func (m *Monitor) pollPending(ctx context.Context) {
	txs, err := m.repo.FindPendingForMonitoring(ctx, m.config.MonitoringWindowHours, m.config.PendingBatchSize)
	if err != nil {
		m.log.WithError(err).Warn("failed to list pending transactions for monitoring")
		return
	}
	for _, tx := range txs {
		m.pollOne(ctx, tx)
	}
}

func (m *Monitor) pollOne(ctx context.Context, tx *rampcore.Transaction) {
	if time.Since(tx.CreatedAt) > m.config.PendingTimeout {
		_ = m.repo.UpdateStatusWithMetadata(ctx, tx.TransactionID, rampcore.StatusFailed, rampcore.OfframpMetadata{
			FailureReason: "pending timeout exceeded",
		})
		m.trigger(ctx, rampcore.EventStellarTimeout, tx.TransactionID)
		return
	}

	backoff := backoffFor(tx.Metadata.RetryCount)
	if tx.Metadata.LastRetryAt != nil && time.Since(*tx.Metadata.LastRetryAt) < backoff {
		return
	}

	hash := resolveHash(tx)
	if hash == "" {
		m.log.WithField("transaction_id", tx.TransactionID).Warn("pending transaction has no recorded stellar hash to poll")
		return
	}

	record, err := m.stellar.GetTransactionByHash(ctx, hash)
	if err != nil {
		if isTransientLookupError(err) {
			return
		}
		m.failOrRetry(ctx, tx, err.Error())
		return
	}

	if record.Successful {
		_ = m.repo.UpdateBlockchainHash(ctx, tx.TransactionID, record.Hash)
		_ = m.repo.UpdateStatus(ctx, tx.TransactionID, rampcore.StatusCompleted)
		m.trigger(ctx, rampcore.EventStellarConfirmed, tx.TransactionID)
		return
	}

	m.failOrRetry(ctx, tx, "stellar transaction failed: "+record.ResultXDR)
}

// resolveHash prefers the immutable, already-confirmed blockchain hash on
// the row; otherwise falls back to the hash recorded in metadata while the
// submission was still in flight.
func resolveHash(tx *rampcore.Transaction) string {
	if tx.BlockchainTxHash != "" {
		return tx.BlockchainTxHash
	}
	return tx.Metadata.StellarTxHash
}

// isTransientLookupError reports whether a Horizon lookup failure should
// leave the retry counter untouched and simply be retried next cycle:
// the transaction may not have reached Horizon yet, or Horizon itself is
// unavailable.
func isTransientLookupError(err error) bool {
	var appErr *apperror.Error
	if !apperror.As(err, &appErr) {
		return false
	}
	if appErr.Code == apperror.WalletNotFound {
		return true
	}
	return appErr.Retryable
}

func (m *Monitor) failOrRetry(ctx context.Context, tx *rampcore.Transaction, reason string) {
	if isRetryableReason(reason) && tx.Metadata.RetryCount+1 <= m.config.MaxRetries {
		now := time.Now()
		_ = m.repo.UpdateStatusWithMetadata(ctx, tx.TransactionID, tx.Status, rampcore.OfframpMetadata{
			RetryCount:  tx.Metadata.RetryCount + 1,
			LastRetryAt: &now,
		})
		return
	}

	_ = m.repo.UpdateStatusWithMetadata(ctx, tx.TransactionID, rampcore.StatusFailed, rampcore.OfframpMetadata{
		FailureReason: reason,
	})
	m.trigger(ctx, rampcore.EventStellarFailed, tx.TransactionID)
}

func (m *Monitor) scanIncoming(ctx context.Context) {
	cursor := m.loadCursor(ctx)

	records, nextCursor, err := m.stellar.ListAccountTransactions(ctx, m.config.SystemWalletAddress, m.config.IncomingLimit, cursor)
	if err != nil {
		m.log.WithError(err).Warn("failed to list incoming transactions for system wallet")
		return
	}

	for _, record := range records {
		m.reconcileIncoming(ctx, record)
	}

	if nextCursor != "" && nextCursor != cursor {
		m.saveCursor(ctx, nextCursor)
	}
}

func (m *Monitor) reconcileIncoming(ctx context.Context, record *rampcore.TxRecord) {
	if !record.Successful || record.Memo == "" {
		return
	}

	candidateID := record.Memo
	tx, err := m.repo.GetTransaction(ctx, candidateID)
	if err != nil || (tx.Status != rampcore.StatusPending && tx.Status != rampcore.StatusProcessing && tx.Status != rampcore.StatusPendingPayment) {
		m.triggerUnmatched(record.Hash, candidateID)
		return
	}

	ops, err := m.stellar.GetTransactionOperations(ctx, record.Hash)
	if err != nil {
		m.log.WithError(err).WithField("hash", record.Hash).Warn("failed to fetch operations for incoming transaction")
		return
	}

	if !containsCngnPaymentToWallet(ops, m.config.SystemWalletAddress, m.config.CngnIssuer) {
		m.triggerUnmatched(record.Hash, candidateID)
		return
	}

	newStatus := rampcore.StatusCompleted
	if tx.Status == rampcore.StatusPendingPayment {
		newStatus = rampcore.StatusCngnReceived
	}

	_ = m.repo.UpdateStatusWithMetadata(ctx, tx.TransactionID, newStatus, rampcore.OfframpMetadata{
		StellarTxHash: record.Hash,
		StellarLedger: record.Ledger,
	})
	_ = m.repo.UpdateBlockchainHash(ctx, tx.TransactionID, record.Hash)
	m.trigger(ctx, rampcore.EventStellarConfirmed, tx.TransactionID)
}

func containsCngnPaymentToWallet(ops []rampcore.LedgerOperation, wallet, issuer string) bool {
	for _, op := range ops {
		if op.Type == "payment" && op.To == wallet && op.AssetCode == "cNGN" && op.AssetIssuer == issuer {
			return true
		}
	}
	return false
}

func (m *Monitor) loadCursor(ctx context.Context) string {
	if m.cache == nil {
		return ""
	}
	cursor, found, err := m.cache.Get(ctx, cursorCacheKey)
	if err != nil || !found {
		return ""
	}
	return cursor
}

func (m *Monitor) saveCursor(ctx context.Context, cursor string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Set(ctx, cursorCacheKey, cursor, 0); err != nil {
		m.log.WithError(err).Warn("failed to persist inbound scan cursor")
	}
}

// triggerUnmatched logs an incoming Stellar record that never matched a
// known transaction row, without mutating anything. The notification
// carries enough to locate the record (memo, hash) for manual follow-up,
// not a persisted transaction.
func (m *Monitor) triggerUnmatched(hash, memo string) {
	m.log.WithFields(logrus.Fields{"hash": hash, "memo": memo}).Info("incoming stellar payment did not match any known transaction")
	if m.sink == nil {
		return
	}
	m.sink.Trigger(rampcore.EventWebhookUnmatched, &rampcore.Transaction{TransactionID: memo, BlockchainTxHash: hash})
}

func (m *Monitor) trigger(ctx context.Context, event rampcore.NotificationEvent, transactionID string) {
	if m.sink == nil {
		return
	}
	tx, err := m.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return
	}
	m.sink.Trigger(event, tx)
}
