package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/cngnramp/backend"
	"github.com/cngnramp/backend/apperror"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TransactionRecord is the GORM model backing rampcore.Transaction.
type TransactionRecord struct {
	TransactionID    string `gorm:"primaryKey;type:varchar(64)"`
	Type             string `gorm:"type:varchar(32);index;not null"`
	Status           string `gorm:"type:varchar(32);index;not null"`
	FromAmount       string `gorm:"type:varchar(78);not null"`
	ToAmount         string `gorm:"type:varchar(78);not null"`
	CngnAmount       string `gorm:"type:varchar(78);not null"`
	FromCurrency     string `gorm:"type:varchar(16);not null"`
	ToCurrency       string `gorm:"type:varchar(16);not null"`
	WalletAddress    string `gorm:"type:varchar(64);index"`
	PaymentProvider  string `gorm:"type:varchar(32)"`
	PaymentReference string `gorm:"type:varchar(128);index"`
	BlockchainTxHash string `gorm:"type:varchar(96);index"`
	ErrorMessage     string `gorm:"type:text"`
	Metadata         string `gorm:"type:jsonb"` // serialized OfframpMetadata; (de)serialization is the transport layer's concern, not GORM's
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TableName pins the table name so migrations are stable across renames.
func (TransactionRecord) TableName() string { return "transactions" }

// WebhookEventRecord is the GORM model backing rampcore.WebhookEvent.
type WebhookEventRecord struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Provider    string `gorm:"type:varchar(32);uniqueIndex:idx_provider_event;not null"`
	EventID     string `gorm:"type:varchar(128);uniqueIndex:idx_provider_event;not null"`
	EventType   string `gorm:"type:varchar(64)"`
	RawPayload  string `gorm:"type:text"`
	Signature   string `gorm:"type:text"`
	Status      string `gorm:"type:varchar(16);index;not null"`
	RetryCount  int
	LastError   string `gorm:"type:text"`
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

func (WebhookEventRecord) TableName() string { return "webhook_events" }

// FeeTierRecord is the GORM model backing rampcore.FeeTier.
type FeeTierRecord struct {
	ID                 int64  `gorm:"primaryKey;autoIncrement"`
	TransactionType    string `gorm:"type:varchar(32);index;not null"`
	PaymentProvider    string `gorm:"type:varchar(32)"`
	PaymentMethod      string `gorm:"type:varchar(32)"`
	MinAmount          string `gorm:"type:varchar(78);not null"`
	MaxAmount          *string `gorm:"type:varchar(78)"`
	ProviderFeePercent string `gorm:"type:varchar(32);not null"`
	ProviderFeeFlat    string `gorm:"type:varchar(32);not null"`
	ProviderFeeCap     *string `gorm:"type:varchar(32)"`
	PlatformFeePercent string `gorm:"type:varchar(32);not null"`
	EffectiveFrom      time.Time
	EffectiveUntil     *time.Time
}

func (FeeTierRecord) TableName() string { return "fee_tiers" }

// ExchangeRateRecord is the GORM model backing rampcore.ExchangeRate history.
type ExchangeRateRecord struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	FromCurrency string `gorm:"type:varchar(16);index:idx_pair;not null"`
	ToCurrency   string `gorm:"type:varchar(16);index:idx_pair;not null"`
	Rate         string `gorm:"type:varchar(40);not null"`
	Source       string `gorm:"type:varchar(32)"`
	RecordedAt   time.Time `gorm:"index"`
}

func (ExchangeRateRecord) TableName() string { return "exchange_rate_history" }

// ConversionAuditRecord is the GORM model backing rampcore.ConversionAudit.
type ConversionAuditRecord struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	TransactionID string `gorm:"type:varchar(64);index"`
	FromCurrency  string `gorm:"type:varchar(16)"`
	ToCurrency    string `gorm:"type:varchar(16)"`
	Amount        string `gorm:"type:varchar(78)"`
	Rate          string `gorm:"type:varchar(40)"`
	ProviderFee   string `gorm:"type:varchar(40)"`
	PlatformFee   string `gorm:"type:varchar(40)"`
	NetAmount     string `gorm:"type:varchar(78)"`
	RecordedAt    time.Time
}

func (ConversionAuditRecord) TableName() string { return "conversion_audits" }

// PostgresRepository is a GORM/Postgres implementation of rampcore.Repository.
type PostgresRepository struct {
	db *gorm.DB
}

// NewPostgresRepository opens a Postgres connection via dsn and migrates the
// schema. dsn format: "host=... user=... password=... dbname=... port=5432
// sslmode=disable".
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, apperror.Infrastructure(apperror.DatabaseError, "failed to connect to postgres", err, true)
	}
	return NewPostgresRepositoryWithDB(db)
}

// NewPostgresRepositoryWithDB wraps an already-opened *gorm.DB, migrating
// the schema if needed. Useful for tests against a shared test database.
func NewPostgresRepositoryWithDB(db *gorm.DB) (*PostgresRepository, error) {
	if err := db.AutoMigrate(
		&TransactionRecord{},
		&WebhookEventRecord{},
		&FeeTierRecord{},
		&ExchangeRateRecord{},
		&ConversionAuditRecord{},
	); err != nil {
		return nil, apperror.Infrastructure(apperror.DatabaseError, "failed to migrate schema", err, false)
	}
	return &PostgresRepository{db: db}, nil
}

// GetDB exposes the underlying *gorm.DB for callers that need raw queries
// outside the Repository contract (e.g. admin tooling).
func (r *PostgresRepository) GetDB() *gorm.DB { return r.db }

// Close releases the underlying connection pool.
func (r *PostgresRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

func toRecord(tx *rampcore.Transaction) *TransactionRecord {
	return &TransactionRecord{
		TransactionID:    tx.TransactionID,
		Type:             string(tx.Type),
		Status:           string(tx.Status),
		FromAmount:       tx.FromAmount.String(),
		ToAmount:         tx.ToAmount.String(),
		CngnAmount:       tx.CngnAmount.String(),
		FromCurrency:     tx.FromCurrency,
		ToCurrency:       tx.ToCurrency,
		WalletAddress:    tx.WalletAddress,
		PaymentProvider:  tx.PaymentProvider,
		PaymentReference: tx.PaymentReference,
		BlockchainTxHash: tx.BlockchainTxHash,
		ErrorMessage:     tx.ErrorMessage,
		Metadata:         encodeMetadata(tx.Metadata),
		CreatedAt:        tx.CreatedAt,
		UpdatedAt:        tx.UpdatedAt,
	}
}

func fromRecord(rec *TransactionRecord) *rampcore.Transaction {
	parseDec := func(s string) decimal.Decimal {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero
		}
		return d
	}
	return &rampcore.Transaction{
		TransactionID:    rec.TransactionID,
		Type:             rampcore.TransactionType(rec.Type),
		Status:           rampcore.TransactionStatus(rec.Status),
		FromAmount:       parseDec(rec.FromAmount),
		ToAmount:         parseDec(rec.ToAmount),
		CngnAmount:       parseDec(rec.CngnAmount),
		FromCurrency:     rec.FromCurrency,
		ToCurrency:       rec.ToCurrency,
		WalletAddress:    rec.WalletAddress,
		PaymentProvider:  rec.PaymentProvider,
		PaymentReference: rec.PaymentReference,
		BlockchainTxHash: rec.BlockchainTxHash,
		ErrorMessage:     rec.ErrorMessage,
		Metadata:         decodeMetadata(rec.Metadata),
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}
}

// CreateTransaction inserts a new row.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *rampcore.Transaction) error {
	now := time.Now()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	rec := toRecord(tx)
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return apperror.Infrastructure(apperror.DatabaseError, "failed to insert transaction", err, true)
	}
	return nil
}

// GetTransaction fetches a row by primary key.
func (r *PostgresRepository) GetTransaction(ctx context.Context, id string) (*rampcore.Transaction, error) {
	var rec TransactionRecord
	if err := r.db.WithContext(ctx).First(&rec, "transaction_id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperror.Domain(apperror.TransactionNotFound, fmt.Sprintf("transaction %s not found", id), nil)
		}
		return nil, apperror.Infrastructure(apperror.DatabaseError, "failed to fetch transaction", err, true)
	}
	return fromRecord(&rec), nil
}

// UpdateStatus writes status unconditionally via a targeted column update.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, status rampcore.TransactionStatus) error {
	result := r.db.WithContext(ctx).Model(&TransactionRecord{}).
		Where("transaction_id = ?", id).
		Updates(map[string]any{"status": string(status), "updated_at": time.Now()})
	if result.Error != nil {
		return apperror.Infrastructure(apperror.DatabaseError, "failed to update status", result.Error, true)
	}
	if result.RowsAffected == 0 {
		return apperror.Domain(apperror.TransactionNotFound, fmt.Sprintf("transaction %s not found", id), nil)
	}
	return nil
}

// UpdateStatusWithMetadata sets status and merges metaPatch into the stored
// metadata document. Postgres' jsonb `||` operator performs a shallow merge
// server-side so concurrent metadata writers never clobber each other's
// untouched keys.
func (r *PostgresRepository) UpdateStatusWithMetadata(ctx context.Context, id string, status rampcore.TransactionStatus, patch rampcore.OfframpMetadata) error {
	patchJSON := encodeMetadata(patch)
	result := r.db.WithContext(ctx).Exec(
		`UPDATE transactions SET status = ?, metadata = COALESCE(metadata, '{}'::jsonb) || ?::jsonb, updated_at = ? WHERE transaction_id = ?`,
		string(status), patchJSON, time.Now(), id,
	)
	if result.Error != nil {
		return apperror.Infrastructure(apperror.DatabaseError, "failed to merge transaction metadata", result.Error, true)
	}
	if result.RowsAffected == 0 {
		return apperror.Domain(apperror.TransactionNotFound, fmt.Sprintf("transaction %s not found", id), nil)
	}
	return nil
}

// UpdateBlockchainHash writes hash only if the column is currently empty,
// making the write a single-shot, conditional update.
func (r *PostgresRepository) UpdateBlockchainHash(ctx context.Context, id string, hash string) error {
	result := r.db.WithContext(ctx).Model(&TransactionRecord{}).
		Where("transaction_id = ? AND (blockchain_tx_hash = '' OR blockchain_tx_hash IS NULL)", id).
		Updates(map[string]any{"blockchain_tx_hash": hash, "updated_at": time.Now()})
	if result.Error != nil {
		return apperror.Infrastructure(apperror.DatabaseError, "failed to set blockchain hash", result.Error, true)
	}
	return nil
}

// FindByStatus returns rows with the given status, oldest first.
func (r *PostgresRepository) FindByStatus(ctx context.Context, status rampcore.TransactionStatus, limit int) ([]*rampcore.Transaction, error) {
	var recs []TransactionRecord
	q := r.db.WithContext(ctx).Where("status = ?", string(status)).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, apperror.Infrastructure(apperror.DatabaseError, "failed to query transactions by status", err, true)
	}
	out := make([]*rampcore.Transaction, len(recs))
	for i := range recs {
		out[i] = fromRecord(&recs[i])
	}
	return out, nil
}

// FindPendingForMonitoring returns {pending, processing} rows created
// within the last windowHours.
func (r *PostgresRepository) FindPendingForMonitoring(ctx context.Context, windowHours int, limit int) ([]*rampcore.Transaction, error) {
	cutoff := time.Now().Add(-time.Duration(windowHours) * time.Hour)
	var recs []TransactionRecord
	q := r.db.WithContext(ctx).
		Where("status IN ? AND created_at > ?", []string{string(rampcore.StatusPending), string(rampcore.StatusProcessing)}, cutoff).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, apperror.Infrastructure(apperror.DatabaseError, "failed to query pending transactions", err, true)
	}
	out := make([]*rampcore.Transaction, len(recs))
	for i := range recs {
		out[i] = fromRecord(&recs[i])
	}
	return out, nil
}

// LogWebhookEvent inserts the (provider, event_id) row if absent, relying on
// the unique index to detect replays rather than a prior SELECT.
func (r *PostgresRepository) LogWebhookEvent(ctx context.Context, evt *rampcore.WebhookEvent) (bool, error) {
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = time.Now()
	}
	if evt.Status == "" {
		evt.Status = rampcore.WebhookPending
	}
	rec := WebhookEventRecord{
		Provider: evt.Provider, EventID: evt.EventID, EventType: evt.EventType,
		RawPayload: evt.RawPayload, Signature: evt.Signature,
		Status: string(evt.Status), ReceivedAt: evt.ReceivedAt,
	}
	result := r.db.WithContext(ctx).Clauses(onConflictDoNothing()).Create(&rec)
	if result.Error != nil {
		return false, apperror.Infrastructure(apperror.DatabaseError, "failed to log webhook event", result.Error, true)
	}
	return result.RowsAffected > 0, nil
}

// GetWebhookEvent fetches a previously logged event.
func (r *PostgresRepository) GetWebhookEvent(ctx context.Context, provider, eventID string) (*rampcore.WebhookEvent, error) {
	var rec WebhookEventRecord
	if err := r.db.WithContext(ctx).First(&rec, "provider = ? AND event_id = ?", provider, eventID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperror.Domain(apperror.TransactionNotFound, "webhook event not found", nil)
		}
		return nil, apperror.Infrastructure(apperror.DatabaseError, "failed to fetch webhook event", err, true)
	}
	return webhookFromRecord(&rec), nil
}

func webhookFromRecord(rec *WebhookEventRecord) *rampcore.WebhookEvent {
	return &rampcore.WebhookEvent{
		Provider: rec.Provider, EventID: rec.EventID, EventType: rec.EventType,
		RawPayload: rec.RawPayload, Signature: rec.Signature,
		Status: rampcore.WebhookStatus(rec.Status), RetryCount: rec.RetryCount,
		LastError: rec.LastError, ReceivedAt: rec.ReceivedAt, ProcessedAt: rec.ProcessedAt,
	}
}

// UpdateWebhookStatus sets status and, on failure, increments retry_count.
func (r *PostgresRepository) UpdateWebhookStatus(ctx context.Context, provider, eventID string, status rampcore.WebhookStatus, lastErr string) error {
	updates := map[string]any{"status": string(status)}
	if status == rampcore.WebhookFailed {
		updates["retry_count"] = gorm.Expr("retry_count + 1")
		updates["last_error"] = lastErr
	}
	if status == rampcore.WebhookCompleted {
		updates["processed_at"] = time.Now()
	}
	result := r.db.WithContext(ctx).Model(&WebhookEventRecord{}).
		Where("provider = ? AND event_id = ?", provider, eventID).
		Updates(updates)
	if result.Error != nil {
		return apperror.Infrastructure(apperror.DatabaseError, "failed to update webhook status", result.Error, true)
	}
	return nil
}

// FindRetryableWebhooks returns failed rows with retry_count < maxRetry.
func (r *PostgresRepository) FindRetryableWebhooks(ctx context.Context, maxRetry int, limit int) ([]*rampcore.WebhookEvent, error) {
	var recs []WebhookEventRecord
	q := r.db.WithContext(ctx).
		Where("status = ? AND retry_count < ?", string(rampcore.WebhookFailed), maxRetry).
		Order("received_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, apperror.Infrastructure(apperror.DatabaseError, "failed to query retryable webhooks", err, true)
	}
	out := make([]*rampcore.WebhookEvent, len(recs))
	for i := range recs {
		out[i] = webhookFromRecord(&recs[i])
	}
	return out, nil
}

// ListFeeTiers returns matching tiers ordered by min_amount ascending.
func (r *PostgresRepository) ListFeeTiers(ctx context.Context, txType rampcore.TransactionType, provider, method string) ([]*rampcore.FeeTier, error) {
	now := time.Now()
	var recs []FeeTierRecord
	err := r.db.WithContext(ctx).
		Where("transaction_type = ?", string(txType)).
		Where("(payment_provider = '' OR payment_provider = ?)", provider).
		Where("(payment_method = '' OR payment_method = ?)", method).
		Where("effective_from <= ?", now).
		Where("effective_until IS NULL OR effective_until > ?", now).
		Order("min_amount ASC").
		Find(&recs).Error
	if err != nil {
		return nil, apperror.Infrastructure(apperror.DatabaseError, "failed to list fee tiers", err, true)
	}
	out := make([]*rampcore.FeeTier, len(recs))
	for i, rec := range recs {
		out[i] = feeTierFromRecord(&rec)
	}
	return out, nil
}

func feeTierFromRecord(rec *FeeTierRecord) *rampcore.FeeTier {
	parse := func(s string) decimal.Decimal {
		d, _ := decimal.NewFromString(s)
		return d
	}
	var maxAmount *decimal.Decimal
	if rec.MaxAmount != nil {
		d := parse(*rec.MaxAmount)
		maxAmount = &d
	}
	var cap *decimal.Decimal
	if rec.ProviderFeeCap != nil {
		d := parse(*rec.ProviderFeeCap)
		cap = &d
	}
	return &rampcore.FeeTier{
		ID: rec.ID, TransactionType: rampcore.TransactionType(rec.TransactionType),
		PaymentProvider: rec.PaymentProvider, PaymentMethod: rec.PaymentMethod,
		MinAmount: parse(rec.MinAmount), MaxAmount: maxAmount,
		ProviderFeePercent: parse(rec.ProviderFeePercent), ProviderFeeFlat: parse(rec.ProviderFeeFlat),
		ProviderFeeCap: cap, PlatformFeePercent: parse(rec.PlatformFeePercent),
		EffectiveFrom: rec.EffectiveFrom, EffectiveUntil: rec.EffectiveUntil,
	}
}

// GetLatestRate returns the most recent history row for the pair.
func (r *PostgresRepository) GetLatestRate(ctx context.Context, from, to string) (*rampcore.ExchangeRate, error) {
	var rec ExchangeRateRecord
	err := r.db.WithContext(ctx).
		Where("(from_currency = ? AND to_currency = ?) OR (from_currency = ? AND to_currency = ?)", from, to, to, from).
		Order("recorded_at DESC").First(&rec).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperror.Domain(apperror.RateNotFound, "no rate history for pair", nil)
		}
		return nil, apperror.Infrastructure(apperror.DatabaseError, "failed to fetch latest rate", err, true)
	}
	rate, _ := decimal.NewFromString(rec.Rate)
	return &rampcore.ExchangeRate{FromCurrency: rec.FromCurrency, ToCurrency: rec.ToCurrency, Rate: rate, Source: rec.Source, RecordedAt: rec.RecordedAt}, nil
}

// UpsertRate appends a new history row (the "latest" row is just the newest
// by recorded_at; no separate head-row table to keep consistent).
func (r *PostgresRepository) UpsertRate(ctx context.Context, rate *rampcore.ExchangeRate) error {
	rec := ExchangeRateRecord{
		FromCurrency: rate.FromCurrency, ToCurrency: rate.ToCurrency,
		Rate: rate.Rate.String(), Source: rate.Source, RecordedAt: time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return apperror.Infrastructure(apperror.DatabaseError, "failed to record exchange rate", err, true)
	}
	return nil
}

// AppendConversionAudit appends an immutable audit row.
func (r *PostgresRepository) AppendConversionAudit(ctx context.Context, audit *rampcore.ConversionAudit) error {
	rec := ConversionAuditRecord{
		TransactionID: audit.TransactionID, FromCurrency: audit.FromCurrency, ToCurrency: audit.ToCurrency,
		Amount: audit.Amount.String(), Rate: audit.Rate.String(),
		ProviderFee: audit.ProviderFee.String(), PlatformFee: audit.PlatformFee.String(),
		NetAmount: audit.NetAmount.String(), RecordedAt: time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return apperror.Infrastructure(apperror.DatabaseError, "failed to append conversion audit", err, true)
	}
	return nil
}

var _ rampcore.Repository = (*PostgresRepository)(nil)
