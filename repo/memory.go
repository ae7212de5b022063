// Package repo provides persistence implementations of rampcore.Repository:
// an in-memory store for tests and small deployments, and a GORM/Postgres
// store for production use.
package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cngnramp/backend"
	"github.com/cngnramp/backend/apperror"
)

// MemoryRepository is an in-memory implementation of rampcore.Repository.
// It stores rows in maps guarded by a single sync.RWMutex, mirroring the
// teacher SDK's in-memory store shape. Suitable for tests and single-process
// deployments without a database.
type MemoryRepository struct {
	mu           sync.RWMutex
	transactions map[string]*rampcore.Transaction
	webhooks     map[string]*rampcore.WebhookEvent // key: provider + "|" + eventID
	feeTiers     []*rampcore.FeeTier
	rates        map[string]*rampcore.ExchangeRate // key: sorted "FROM:TO"
	audits       []*rampcore.ConversionAudit
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		transactions: make(map[string]*rampcore.Transaction),
		webhooks:     make(map[string]*rampcore.WebhookEvent),
		rates:        make(map[string]*rampcore.ExchangeRate),
	}
}

func webhookKey(provider, eventID string) string {
	return provider + "|" + eventID
}

func rateKey(from, to string) string {
	if from > to {
		from, to = to, from
	}
	return from + ":" + to
}

func cloneTransaction(tx *rampcore.Transaction) *rampcore.Transaction {
	cp := *tx
	return &cp
}

// CreateTransaction inserts a new transaction row. Duplicate IDs are rejected.
func (r *MemoryRepository) CreateTransaction(_ context.Context, tx *rampcore.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.transactions[tx.TransactionID]; exists {
		return apperror.Domain(apperror.DuplicateTransaction, fmt.Sprintf("transaction %s already exists", tx.TransactionID), nil)
	}
	now := time.Now()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	r.transactions[tx.TransactionID] = cloneTransaction(tx)
	return nil
}

// GetTransaction fetches a transaction by ID.
func (r *MemoryRepository) GetTransaction(_ context.Context, id string) (*rampcore.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tx, ok := r.transactions[id]
	if !ok {
		return nil, apperror.Domain(apperror.TransactionNotFound, fmt.Sprintf("transaction %s not found", id), nil)
	}
	return cloneTransaction(tx), nil
}

// UpdateStatus sets status unconditionally (the caller is responsible for
// having already validated the transition).
func (r *MemoryRepository) UpdateStatus(_ context.Context, id string, status rampcore.TransactionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.transactions[id]
	if !ok {
		return apperror.Domain(apperror.TransactionNotFound, fmt.Sprintf("transaction %s not found", id), nil)
	}
	tx.Status = status
	tx.UpdatedAt = time.Now()
	return nil
}

// UpdateStatusWithMetadata sets status and merges metaPatch's non-zero
// fields into the stored metadata, emulating the server-side JSONB merge
// the durable store performs.
func (r *MemoryRepository) UpdateStatusWithMetadata(_ context.Context, id string, status rampcore.TransactionStatus, patch rampcore.OfframpMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.transactions[id]
	if !ok {
		return apperror.Domain(apperror.TransactionNotFound, fmt.Sprintf("transaction %s not found", id), nil)
	}
	tx.Status = status
	tx.Metadata = mergeMetadata(tx.Metadata, patch)
	tx.UpdatedAt = time.Now()
	return nil
}

// mergeMetadata overlays non-zero-valued fields from patch onto base,
// matching the `metadata || $patch` JSONB merge semantics: a present field
// in patch wins, an absent (zero-valued) one leaves base untouched.
func mergeMetadata(base, patch rampcore.OfframpMetadata) rampcore.OfframpMetadata {
	if patch.AccountName != "" {
		base.AccountName = patch.AccountName
	}
	if patch.AccountNumber != "" {
		base.AccountNumber = patch.AccountNumber
	}
	if patch.BankCode != "" {
		base.BankCode = patch.BankCode
	}
	if patch.BankName != "" {
		base.BankName = patch.BankName
	}
	if patch.StellarTxHash != "" {
		base.StellarTxHash = patch.StellarTxHash
	}
	if patch.StellarConfirmedAt != nil {
		base.StellarConfirmedAt = patch.StellarConfirmedAt
	}
	if patch.StellarLedger != 0 {
		base.StellarLedger = patch.StellarLedger
	}
	if patch.ProviderName != "" {
		base.ProviderName = patch.ProviderName
	}
	if patch.ProviderRef != "" {
		base.ProviderRef = patch.ProviderRef
	}
	if patch.ProviderResponse != "" {
		base.ProviderResponse = patch.ProviderResponse
	}
	if patch.RetryCount != 0 {
		base.RetryCount = patch.RetryCount
	}
	if patch.LastRetryAt != nil {
		base.LastRetryAt = patch.LastRetryAt
	}
	if patch.NextRetryAfter != nil {
		base.NextRetryAfter = patch.NextRetryAfter
	}
	if patch.FailureReason != "" {
		base.FailureReason = patch.FailureReason
	}
	if patch.IsRetryable {
		base.IsRetryable = patch.IsRetryable
	}
	if patch.RefundTxHash != "" {
		base.RefundTxHash = patch.RefundTxHash
	}
	if patch.RefundConfirmedAt != nil {
		base.RefundConfirmedAt = patch.RefundConfirmedAt
	}
	if patch.RefundAmount != "" {
		base.RefundAmount = patch.RefundAmount
	}
	if patch.LockedAt != nil {
		base.LockedAt = patch.LockedAt
	}
	if patch.LockedBy != "" {
		base.LockedBy = patch.LockedBy
	}
	return base
}

// UpdateBlockchainHash writes hash once. Once non-empty, the hash is
// immutable; a second call is a no-op rather than an error, since the
// transaction monitor may observe the same confirmation twice.
func (r *MemoryRepository) UpdateBlockchainHash(_ context.Context, id string, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.transactions[id]
	if !ok {
		return apperror.Domain(apperror.TransactionNotFound, fmt.Sprintf("transaction %s not found", id), nil)
	}
	if tx.BlockchainTxHash == "" {
		tx.BlockchainTxHash = hash
	}
	tx.UpdatedAt = time.Now()
	return nil
}

// FindByStatus returns up to limit transactions with the given status,
// oldest first.
func (r *MemoryRepository) FindByStatus(_ context.Context, status rampcore.TransactionStatus, limit int) ([]*rampcore.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*rampcore.Transaction
	for _, tx := range r.transactions {
		if tx.Status == status {
			matches = append(matches, cloneTransaction(tx))
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.Before(matches[j].CreatedAt) })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// FindPendingForMonitoring returns {pending, processing} transactions
// created within the last windowHours, oldest first.
func (r *MemoryRepository) FindPendingForMonitoring(_ context.Context, windowHours int, limit int) ([]*rampcore.Transaction, error) {
	cutoff := time.Now().Add(-time.Duration(windowHours) * time.Hour)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*rampcore.Transaction
	for _, tx := range r.transactions {
		if (tx.Status == rampcore.StatusPending || tx.Status == rampcore.StatusProcessing) && tx.CreatedAt.After(cutoff) {
			matches = append(matches, cloneTransaction(tx))
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.Before(matches[j].CreatedAt) })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// LogWebhookEvent inserts the event if (provider, eventID) hasn't been seen.
// created is false when the row already existed, signalling a duplicate
// delivery to the caller without it having to issue a separate lookup.
func (r *MemoryRepository) LogWebhookEvent(_ context.Context, evt *rampcore.WebhookEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := webhookKey(evt.Provider, evt.EventID)
	if _, exists := r.webhooks[key]; exists {
		return false, nil
	}
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = time.Now()
	}
	if evt.Status == "" {
		evt.Status = rampcore.WebhookPending
	}
	cp := *evt
	r.webhooks[key] = &cp
	return true, nil
}

// GetWebhookEvent fetches a previously logged webhook event.
func (r *MemoryRepository) GetWebhookEvent(_ context.Context, provider, eventID string) (*rampcore.WebhookEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	evt, ok := r.webhooks[webhookKey(provider, eventID)]
	if !ok {
		return nil, apperror.Domain(apperror.TransactionNotFound, "webhook event not found", nil)
	}
	cp := *evt
	return &cp, nil
}

// UpdateWebhookStatus sets status and, on failure, increments retry_count
// and stores lastErr.
func (r *MemoryRepository) UpdateWebhookStatus(_ context.Context, provider, eventID string, status rampcore.WebhookStatus, lastErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	evt, ok := r.webhooks[webhookKey(provider, eventID)]
	if !ok {
		return apperror.Domain(apperror.TransactionNotFound, "webhook event not found", nil)
	}
	evt.Status = status
	if status == rampcore.WebhookFailed {
		evt.RetryCount++
		evt.LastError = lastErr
	}
	if status == rampcore.WebhookCompleted {
		now := time.Now()
		evt.ProcessedAt = &now
	}
	return nil
}

// FindRetryableWebhooks returns up to limit failed events with
// retry_count < maxRetry.
func (r *MemoryRepository) FindRetryableWebhooks(_ context.Context, maxRetry int, limit int) ([]*rampcore.WebhookEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*rampcore.WebhookEvent
	for _, evt := range r.webhooks {
		if evt.Status == rampcore.WebhookFailed && evt.RetryCount < maxRetry {
			cp := *evt
			matches = append(matches, &cp)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ReceivedAt.Before(matches[j].ReceivedAt) })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// ListFeeTiers returns tiers for txType whose provider/method column is
// either blank (wildcard) or matches the request, ordered by MinAmount.
func (r *MemoryRepository) ListFeeTiers(_ context.Context, txType rampcore.TransactionType, provider, method string) ([]*rampcore.FeeTier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	var matches []*rampcore.FeeTier
	for _, tier := range r.feeTiers {
		if tier.TransactionType != txType {
			continue
		}
		if tier.PaymentProvider != "" && tier.PaymentProvider != provider {
			continue
		}
		if tier.PaymentMethod != "" && tier.PaymentMethod != method {
			continue
		}
		if now.Before(tier.EffectiveFrom) {
			continue
		}
		if tier.EffectiveUntil != nil && !now.Before(*tier.EffectiveUntil) {
			continue
		}
		cp := *tier
		matches = append(matches, &cp)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].MinAmount.LessThan(matches[j].MinAmount) })
	return matches, nil
}

// UpsertFeeTier adds or replaces a tier (by ID) — used by tests and seed
// scripts to populate the in-memory store.
func (r *MemoryRepository) UpsertFeeTier(tier *rampcore.FeeTier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.feeTiers {
		if existing.ID == tier.ID {
			r.feeTiers[i] = tier
			return
		}
	}
	r.feeTiers = append(r.feeTiers, tier)
}

// GetLatestRate returns the most recently recorded rate for the pair.
func (r *MemoryRepository) GetLatestRate(_ context.Context, from, to string) (*rampcore.ExchangeRate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rate, ok := r.rates[rateKey(from, to)]
	if !ok {
		return nil, apperror.Domain(apperror.RateNotFound, "no rate history for pair", nil)
	}
	cp := *rate
	return &cp, nil
}

// UpsertRate records rate as the latest for its pair, overwriting history.
func (r *MemoryRepository) UpsertRate(_ context.Context, rate *rampcore.ExchangeRate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rate
	r.rates[rateKey(rate.FromCurrency, rate.ToCurrency)] = &cp
	return nil
}

// AppendConversionAudit appends an immutable audit row.
func (r *MemoryRepository) AppendConversionAudit(_ context.Context, audit *rampcore.ConversionAudit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *audit
	r.audits = append(r.audits, &cp)
	return nil
}

// Audits returns a snapshot of all recorded conversion audits, newest last.
// Exposed for tests that assert on audit-trail contents.
func (r *MemoryRepository) Audits() []*rampcore.ConversionAudit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*rampcore.ConversionAudit, len(r.audits))
	copy(out, r.audits)
	return out
}

var _ rampcore.Repository = (*MemoryRepository)(nil)
