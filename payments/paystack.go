package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cngnramp/backend"
	"github.com/cngnramp/backend/apperror"
	"github.com/shopspring/decimal"
)

const paystackDefaultBaseURL = "https://api.paystack.co"

// PaystackConfig configures a PaystackProvider.
type PaystackConfig struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
	Timeout       time.Duration
	MaxRetries    int
}

// PaystackProvider implements rampcore.PaymentProvider against the Paystack API.
type PaystackProvider struct {
	config PaystackConfig
	http   *Client
}

// NewPaystackProvider creates a provider with the given config, filling in
// defaults for any zero-valued fields.
func NewPaystackProvider(config PaystackConfig) (*PaystackProvider, error) {
	if config.SecretKey == "" {
		return nil, apperror.Validation(apperror.MissingField, "paystack secret key is required", nil)
	}
	if config.BaseURL == "" {
		config.BaseURL = paystackDefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	return &PaystackProvider{
		config: config,
		http:   NewClient(WithTimeout(config.Timeout), WithMaxRetries(config.MaxRetries)),
	}, nil
}

func (p *PaystackProvider) endpoint(path string) string {
	return p.config.BaseURL + path
}

// Name identifies this adapter for routing and logging.
func (p *PaystackProvider) Name() string { return "paystack" }

type paystackEnvelope[T any] struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type paystackInitializeData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// InitiatePayment starts a hosted checkout for a customer charge.
func (p *PaystackProvider) InitiatePayment(ctx context.Context, req rampcore.PaymentRequest) (*rampcore.PaymentResponse, error) {
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, apperror.Validation(apperror.InvalidAmount, "amount must be positive", nil)
	}
	if strings.TrimSpace(req.CustomerEmail) == "" {
		return nil, apperror.Validation(apperror.MissingField, "customer email is required for paystack initialization", nil)
	}

	payload := map[string]any{
		"email":       req.CustomerEmail,
		"amount":      req.Amount.String(),
		"currency":    req.Currency,
		"reference":   req.TransactionID,
		"metadata":    req.Metadata,
	}

	var env paystackEnvelope[paystackInitializeData]
	_, err := p.http.RequestJSON(ctx, http.MethodPost, p.endpoint("/transaction/initialize"), p.config.SecretKey, payload, &env)
	if err != nil {
		return nil, err
	}
	if !env.Status {
		return nil, apperror.External(apperror.PaymentProviderError, fmt.Sprintf("paystack: %s", env.Message), nil, false)
	}

	return &rampcore.PaymentResponse{
		Status:            rampcore.PaymentPending,
		ProviderReference: env.Data.Reference,
		CheckoutURL:       env.Data.AuthorizationURL,
	}, nil
}

type paystackVerifyData struct {
	Amount          int64   `json:"amount"`
	Currency        string  `json:"currency"`
	Status          string  `json:"status"`
	Channel         string  `json:"channel"`
	PaidAt          *string `json:"paid_at"`
	GatewayResponse *string `json:"gateway_response"`
}

func (p *PaystackProvider) ensureReference(req rampcore.StatusRequest) (string, error) {
	if strings.TrimSpace(req.ProviderReference) == "" {
		return "", apperror.Validation(apperror.MissingField, "provider reference is required", nil)
	}
	return req.ProviderReference, nil
}

// VerifyPayment polls Paystack for the current state of a charge.
func (p *PaystackProvider) VerifyPayment(ctx context.Context, req rampcore.StatusRequest) (*rampcore.StatusResponse, error) {
	ref, err := p.ensureReference(req)
	if err != nil {
		return nil, err
	}

	var env paystackEnvelope[paystackVerifyData]
	_, err = p.http.RequestJSON(ctx, http.MethodGet, p.endpoint("/transaction/verify/"+ref), p.config.SecretKey, nil, &env)
	if err != nil {
		return nil, err
	}
	if !env.Status {
		return nil, apperror.External(apperror.PaymentProviderError, fmt.Sprintf("paystack: %s", env.Message), nil, false)
	}

	raw, _ := json.Marshal(env.Data)
	return &rampcore.StatusResponse{
		Status:      paystackStatus(env.Data.Status),
		RawResponse: string(raw),
	}, nil
}

func paystackStatus(raw string) rampcore.PaymentStatus {
	switch raw {
	case "success":
		return rampcore.PaymentSuccess
	case "pending":
		return rampcore.PaymentPending
	case "failed":
		return rampcore.PaymentFailed
	case "abandoned":
		return rampcore.PaymentCancelled
	case "reversed":
		return rampcore.PaymentReversed
	default:
		return rampcore.PaymentUnknown
	}
}

type paystackRecipientData struct {
	RecipientCode string `json:"recipient_code"`
}

type paystackTransferData struct {
	TransferCode  string  `json:"transfer_code"`
	Reference     string  `json:"reference"`
	Status        string  `json:"status"`
	FailureReason *string `json:"failure_reason"`
}

// ProcessWithdrawal creates a transfer recipient then initiates a transfer
// to it, Paystack's two-step payout flow.
func (p *PaystackProvider) ProcessWithdrawal(ctx context.Context, req rampcore.WithdrawalRequest) (*rampcore.WithdrawalResponse, error) {
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, apperror.Validation(apperror.InvalidAmount, "amount must be positive", nil)
	}
	if req.AccountNumber == "" {
		return nil, apperror.Validation(apperror.MissingField, "account number is required", nil)
	}
	if req.BankCode == "" {
		return nil, apperror.Validation(apperror.MissingField, "bank code is required", nil)
	}

	accountName := req.AccountName
	if accountName == "" {
		accountName = "Recipient"
	}

	recipientPayload := map[string]any{
		"type":           "nuban",
		"name":           accountName,
		"account_number": req.AccountNumber,
		"bank_code":      req.BankCode,
		"currency":       req.Currency,
	}
	var recipientEnv paystackEnvelope[paystackRecipientData]
	_, err := p.http.RequestJSON(ctx, http.MethodPost, p.endpoint("/transferrecipient"), p.config.SecretKey, recipientPayload, &recipientEnv)
	if err != nil {
		return nil, err
	}
	if !recipientEnv.Status {
		return nil, apperror.External(apperror.PaymentProviderError, fmt.Sprintf("paystack: %s", recipientEnv.Message), nil, false)
	}

	transferPayload := map[string]any{
		"source":    "balance",
		"amount":    req.Amount.String(),
		"recipient": recipientEnv.Data.RecipientCode,
		"reference": req.TransactionID,
		"reason":    req.Narration,
	}
	var transferEnv paystackEnvelope[paystackTransferData]
	_, err = p.http.RequestJSON(ctx, http.MethodPost, p.endpoint("/transfer"), p.config.SecretKey, transferPayload, &transferEnv)
	if err != nil {
		return nil, err
	}
	if !transferEnv.Status {
		return nil, apperror.External(apperror.PaymentProviderError, fmt.Sprintf("paystack: %s", transferEnv.Message), nil, false)
	}

	var status rampcore.PaymentStatus
	switch transferEnv.Data.Status {
	case "success":
		status = rampcore.PaymentSuccess
	case "pending":
		status = rampcore.PaymentProcessing
	case "failed":
		status = rampcore.PaymentFailed
	case "reversed":
		status = rampcore.PaymentReversed
	default:
		status = rampcore.PaymentUnknown
	}

	raw, _ := json.Marshal(transferEnv.Data)
	return &rampcore.WithdrawalResponse{
		Status:            status,
		ProviderReference: transferEnv.Data.Reference,
		RawResponse:       string(raw),
	}, nil
}

// GetPaymentStatus delegates to VerifyPayment: Paystack exposes the same
// endpoint for both initial verification and later polling.
func (p *PaystackProvider) GetPaymentStatus(ctx context.Context, req rampcore.StatusRequest) (*rampcore.StatusResponse, error) {
	return p.VerifyPayment(ctx, req)
}

// VerifyWebhook checks the X-Paystack-Signature header against an HMAC-SHA512
// of the raw payload, keyed by the webhook secret (falling back to the
// secret key if no separate webhook secret is configured).
func (p *PaystackProvider) VerifyWebhook(payload []byte, signature string) (bool, string) {
	secret := p.config.WebhookSecret
	if secret == "" {
		secret = p.config.SecretKey
	}
	if verifyHMACSHA512Hex(payload, secret, signature) {
		return true, ""
	}
	return false, "invalid paystack signature"
}

// ParseWebhookEvent extracts the fields the webhook processor needs from a
// raw Paystack webhook body.
func (p *PaystackProvider) ParseWebhookEvent(payload []byte) (*rampcore.ProviderWebhookEvent, error) {
	var parsed map[string]any
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, apperror.Validation(apperror.MissingField, fmt.Sprintf("invalid webhook JSON payload: %v", err), err)
	}

	eventType, _ := parsed["event"].(string)
	var providerRef string
	var status rampcore.PaymentStatus
	if data, ok := parsed["data"].(map[string]any); ok {
		if ref, ok := data["reference"].(string); ok {
			providerRef = ref
		}
		if rawStatus, ok := data["status"].(string); ok {
			status = paystackStatus(rawStatus)
		}
	}

	return &rampcore.ProviderWebhookEvent{
		Provider:          p.Name(),
		EventType:         eventType,
		EventID:           providerRef,
		ProviderReference: providerRef,
		Status:            status,
		RawPayload:        string(payload),
		ReceivedAt:        time.Now(),
	}, nil
}

var _ rampcore.PaymentProvider = (*PaystackProvider)(nil)
