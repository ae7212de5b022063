// Package rampcore defines the shared domain types and boundary interfaces
// for a NGN/cNGN on-ramp, off-ramp, and bill-payment backend. It handles
// transaction state, fee and rate composition, and payment-provider routing
// while delegating persistence, ledger access, and transport to the
// components that implement these interfaces.
package rampcore

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Signer is the minimal contract for authorizing Stellar transactions.
// The core does not manage keys or wallet infrastructure; the caller
// supplies a Signer and the core uses it.
type Signer interface {
	// PublicKey returns the Stellar address (G...) identifying this signer.
	PublicKey() string

	// SignTransaction signs a Stellar transaction envelope (base64 XDR).
	// Returns the signed envelope as base64 XDR.
	SignTransaction(ctx context.Context, xdr string, networkPassphrase string) (string, error)
}

// TransactionType distinguishes the three transaction flows the system drives.
type TransactionType string

const (
	TransactionOnramp      TransactionType = "onramp"
	TransactionOfframp     TransactionType = "offramp"
	TransactionBillPayment TransactionType = "bill_payment"
)

// TransactionStatus is the status of a Transaction row. Offramp rows walk
// the full eleven-state machine; onramp/bill_payment rows use the reduced
// {pending_payment, pending, processing, completed, failed} subset that the
// payment orchestrator and webhook processor drive directly.
type TransactionStatus string

const (
	StatusPendingPayment       TransactionStatus = "pending_payment"
	StatusCngnReceived         TransactionStatus = "cngn_received"
	StatusVerifyingAmount      TransactionStatus = "verifying_amount"
	StatusProcessingWithdrawal TransactionStatus = "processing_withdrawal"
	StatusTransferPending      TransactionStatus = "transfer_pending"
	StatusCompleted            TransactionStatus = "completed"
	StatusRefundInitiated      TransactionStatus = "refund_initiated"
	StatusRefunding            TransactionStatus = "refunding"
	StatusRefunded             TransactionStatus = "refunded"
	StatusFailed               TransactionStatus = "failed"
	StatusExpired              TransactionStatus = "expired"
	StatusPending              TransactionStatus = "pending"
	StatusProcessing           TransactionStatus = "processing"
)

// IsTerminal reports whether no further transitions are legal from status.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// Transaction is the central ledger row shared by onramp, offramp, and
// bill-payment flows.
type Transaction struct {
	TransactionID    string
	Type             TransactionType
	Status           TransactionStatus
	FromAmount       decimal.Decimal
	ToAmount         decimal.Decimal
	CngnAmount       decimal.Decimal
	FromCurrency     string
	ToCurrency       string
	WalletAddress    string
	PaymentProvider  string
	PaymentReference string
	BlockchainTxHash string
	ErrorMessage     string
	Metadata         OfframpMetadata
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OfframpMetadata is the structured document carried in Transaction.Metadata.
// It is shared across all transaction types; offramp rows use it fully,
// onramp/bill_payment rows populate only the fields relevant to them.
type OfframpMetadata struct {
	AccountName   string `json:"account_name,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	BankCode      string `json:"bank_code,omitempty"`
	BankName      string `json:"bank_name,omitempty"`

	StellarTxHash      string     `json:"stellar_tx_hash,omitempty"`
	StellarConfirmedAt *time.Time `json:"stellar_confirmed_at,omitempty"`
	StellarLedger      int32      `json:"stellar_ledger,omitempty"`

	ProviderName     string `json:"provider_name,omitempty"`
	ProviderRef      string `json:"provider_reference,omitempty"`
	ProviderResponse string `json:"provider_response,omitempty"`

	RetryCount     int        `json:"retry_count,omitempty"`
	LastRetryAt    *time.Time `json:"last_retry_at,omitempty"`
	NextRetryAfter *time.Time `json:"next_retry_after,omitempty"`

	FailureReason string `json:"failure_reason,omitempty"`
	IsRetryable   bool   `json:"is_retryable,omitempty"`

	RefundTxHash      string     `json:"refund_tx_hash,omitempty"`
	RefundConfirmedAt *time.Time `json:"refund_confirmed_at,omitempty"`
	RefundAmount      string     `json:"refund_amount,omitempty"`

	LockedAt *time.Time `json:"locked_at,omitempty"`
	LockedBy string     `json:"locked_by,omitempty"`
}

// WebhookEvent is the deduplication record for an inbound provider webhook.
type WebhookEvent struct {
	Provider    string
	EventID     string
	EventType   string
	RawPayload  string
	Signature   string
	Status      WebhookStatus
	RetryCount  int
	LastError   string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

type WebhookStatus string

const (
	WebhookPending   WebhookStatus = "pending"
	WebhookCompleted WebhookStatus = "completed"
	WebhookFailed    WebhookStatus = "failed"
)

// FeeTier is a tiered fee configuration row.
type FeeTier struct {
	ID                 int64
	TransactionType    TransactionType
	PaymentProvider    string // empty matches any provider
	PaymentMethod      string // empty matches any method
	MinAmount          decimal.Decimal
	MaxAmount          *decimal.Decimal // nil means unbounded
	ProviderFeePercent decimal.Decimal
	ProviderFeeFlat    decimal.Decimal
	ProviderFeeCap     *decimal.Decimal
	PlatformFeePercent decimal.Decimal
	EffectiveFrom      time.Time
	EffectiveUntil     *time.Time
}

// ExchangeRate is the latest known rate for an unordered currency pair.
type ExchangeRate struct {
	FromCurrency string
	ToCurrency   string
	Rate         decimal.Decimal
	Source       string
	RecordedAt   time.Time
}

// ConversionAudit is an immutable log entry for a rate+fee snapshot used to
// settle or fail a conversion.
type ConversionAudit struct {
	TransactionID string
	FromCurrency  string
	ToCurrency    string
	Amount        decimal.Decimal
	Rate          decimal.Decimal
	ProviderFee   decimal.Decimal
	PlatformFee   decimal.Decimal
	NetAmount     decimal.Decimal
	RecordedAt    time.Time
}

// KVStore is a best-effort typed cache. Failures must never block
// correctness; callers are expected to degrade gracefully on error.
type KVStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Repository is the persistence boundary for transactions and their
// satellite records.
type Repository interface {
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	UpdateStatus(ctx context.Context, id string, status TransactionStatus) error
	UpdateStatusWithMetadata(ctx context.Context, id string, status TransactionStatus, metaPatch OfframpMetadata) error
	UpdateBlockchainHash(ctx context.Context, id string, hash string) error

	FindByStatus(ctx context.Context, status TransactionStatus, limit int) ([]*Transaction, error)
	FindPendingForMonitoring(ctx context.Context, windowHours int, limit int) ([]*Transaction, error)

	LogWebhookEvent(ctx context.Context, evt *WebhookEvent) (created bool, err error)
	GetWebhookEvent(ctx context.Context, provider, eventID string) (*WebhookEvent, error)
	UpdateWebhookStatus(ctx context.Context, provider, eventID string, status WebhookStatus, lastErr string) error
	FindRetryableWebhooks(ctx context.Context, maxRetry int, limit int) ([]*WebhookEvent, error)

	ListFeeTiers(ctx context.Context, txType TransactionType, provider, method string) ([]*FeeTier, error)
	GetLatestRate(ctx context.Context, from, to string) (*ExchangeRate, error)
	UpsertRate(ctx context.Context, rate *ExchangeRate) error
	AppendConversionAudit(ctx context.Context, audit *ConversionAudit) error
}

// PaymentStatus is the provider-agnostic status of a payment/withdrawal.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentSuccess    PaymentStatus = "success"
	PaymentFailed     PaymentStatus = "failed"
	PaymentCancelled  PaymentStatus = "cancelled"
	PaymentReversed   PaymentStatus = "reversed"
	PaymentUnknown    PaymentStatus = "unknown"
)

// PaymentRequest initiates a fiat charge against a customer.
type PaymentRequest struct {
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	Method        string
	CustomerEmail string
	CustomerPhone string
	Metadata      map[string]string
}

// PaymentResponse is the immediate result of initiating a payment.
type PaymentResponse struct {
	ProviderReference string
	Status            PaymentStatus
	CheckoutURL       string
	RawResponse       string
}

// WithdrawalRequest moves funds out to a bank account.
type WithdrawalRequest struct {
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	AccountNumber string
	BankCode      string
	AccountName   string
	Narration     string
}

// WithdrawalResponse is the immediate result of initiating a withdrawal.
type WithdrawalResponse struct {
	ProviderReference string
	Status            PaymentStatus
	RawResponse       string
}

// StatusRequest polls the current state of a previously initiated payment
// or withdrawal by provider reference.
type StatusRequest struct {
	ProviderReference string
}

// StatusResponse is the polled state of a payment or withdrawal.
type StatusResponse struct {
	Status      PaymentStatus
	RawResponse string
}

// ProviderWebhookEvent is the parsed shape of an inbound webhook, before
// it is logged and dispatched.
type ProviderWebhookEvent struct {
	Provider             string
	EventType            string
	EventID              string
	TransactionReference string
	ProviderReference    string
	Status               PaymentStatus
	RawPayload           string
	ReceivedAt           time.Time
}

// PaymentProvider is the uniform contract over an external payment
// processor. Paystack and Flutterwave are the two concrete adapters.
type PaymentProvider interface {
	Name() string
	InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentResponse, error)
	VerifyPayment(ctx context.Context, req StatusRequest) (*StatusResponse, error)
	ProcessWithdrawal(ctx context.Context, req WithdrawalRequest) (*WithdrawalResponse, error)
	GetPaymentStatus(ctx context.Context, req StatusRequest) (*StatusResponse, error)
	VerifyWebhook(payload []byte, signature string) (bool, string)
	ParseWebhookEvent(payload []byte) (*ProviderWebhookEvent, error)
}

// AccountBalance is one asset balance on a Stellar account.
type AccountBalance struct {
	AssetCode   string
	AssetIssuer string
	Balance     decimal.Decimal
}

// AccountInfo is the subset of Horizon account state the core depends on.
type AccountInfo struct {
	AccountID     string
	Sequence      string
	SubentryCount int32
	Balances      []AccountBalance
}

// TxRecord is the subset of a Horizon transaction record the core depends on.
type TxRecord struct {
	Hash        string
	Successful  bool
	Ledger      int32
	PagingToken string
	ResultXDR   string
	Memo        string
	CreatedAt   time.Time
}

// LedgerOperation is one operation within a Stellar transaction.
type LedgerOperation struct {
	Type        string
	To          string
	From        string
	AssetCode   string
	AssetIssuer string
	Amount      decimal.Decimal
}

// TrustlineStatus reports whether an account trusts a given asset.
type TrustlineStatus struct {
	Exists bool
	Limit  decimal.Decimal
}

// StellarClient is the ledger boundary: reads plus signed-envelope submission.
type StellarClient interface {
	GetAccount(ctx context.Context, address string) (*AccountInfo, error)
	GetTransactionByHash(ctx context.Context, hash string) (*TxRecord, error)
	ListAccountTransactions(ctx context.Context, address string, limit int, cursor string) ([]*TxRecord, string, error)
	GetTransactionOperations(ctx context.Context, hash string) ([]LedgerOperation, error)
	SubmitTransactionXDR(ctx context.Context, envelopeXDR string) (string, error)
	CheckTrustline(ctx context.Context, address, assetCode, issuer string) (*TrustlineStatus, error)
}

// NotificationEvent names a lifecycle event workers emit through the
// notification sink.
type NotificationEvent string

const (
	EventOfframpStateChanged NotificationEvent = "offramp:state_changed"
	EventOfframpRefunded     NotificationEvent = "offramp:refunded"
	EventOfframpFailed       NotificationEvent = "offramp:failed"
	EventPaymentInitiated    NotificationEvent = "payment:initiated"
	EventPaymentConfirmed    NotificationEvent = "payment:confirmed"
	EventPaymentFailed       NotificationEvent = "payment:failed"
	EventStellarConfirmed    NotificationEvent = "stellar:confirmed"
	EventStellarTimeout      NotificationEvent = "stellar:timeout"
	EventStellarFailed       NotificationEvent = "stellar:failed"
	EventWebhookUnmatched    NotificationEvent = "stellar:incoming_unmatched"
)

// NotificationSink dispatches typed lifecycle events to registered handlers.
type NotificationSink interface {
	On(event NotificationEvent, handler func(*Transaction))
	Trigger(event NotificationEvent, tx *Transaction)
}
