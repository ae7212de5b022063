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

const flutterwaveDefaultBaseURL = "https://api.flutterwave.com/v3"

// FlutterwaveConfig configures a FlutterwaveProvider.
type FlutterwaveConfig struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
	Timeout       time.Duration
	MaxRetries    int
}

// FlutterwaveProvider implements rampcore.PaymentProvider against the
// Flutterwave v3 API.
type FlutterwaveProvider struct {
	config FlutterwaveConfig
	http   *Client
}

// NewFlutterwaveProvider creates a provider with the given config, filling
// in defaults for any zero-valued fields.
func NewFlutterwaveProvider(config FlutterwaveConfig) (*FlutterwaveProvider, error) {
	if config.SecretKey == "" {
		return nil, apperror.Validation(apperror.MissingField, "flutterwave secret key is required", nil)
	}
	if config.BaseURL == "" {
		config.BaseURL = flutterwaveDefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 2
	}
	return &FlutterwaveProvider{
		config: config,
		http:   NewClient(WithTimeout(config.Timeout), WithMaxRetries(config.MaxRetries)),
	}, nil
}

func (p *FlutterwaveProvider) endpoint(path string) string {
	return p.config.BaseURL + path
}

// Name identifies this adapter for routing and logging.
func (p *FlutterwaveProvider) Name() string { return "flutterwave" }

type flutterwaveEnvelope struct {
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

// mapMessageError reclassifies a generic provider-error message by keyword,
// since Flutterwave returns free-text messages rather than stable codes.
func mapMessageError(message string) error {
	lowered := strings.ToLower(message)
	switch {
	case strings.Contains(lowered, "insufficient") || strings.Contains(lowered, "low balance"):
		return apperror.Domain(apperror.InsufficientBalance, message, nil)
	case strings.Contains(lowered, "too many requests") || strings.Contains(lowered, "rate limit"):
		return apperror.RateLimit(message, 0)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "not found") || strings.Contains(lowered, "unsupported"):
		return apperror.Validation(apperror.MissingField, message, nil)
	default:
		return apperror.External(apperror.PaymentProviderError, fmt.Sprintf("flutterwave: %s", message), nil, false)
	}
}

// InitiatePayment starts a hosted checkout for a customer charge.
func (p *FlutterwaveProvider) InitiatePayment(ctx context.Context, req rampcore.PaymentRequest) (*rampcore.PaymentResponse, error) {
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, apperror.Validation(apperror.InvalidAmount, "amount must be positive", nil)
	}
	if strings.TrimSpace(req.TransactionID) == "" {
		return nil, apperror.Validation(apperror.MissingField, "transaction id is required", nil)
	}
	if strings.TrimSpace(req.CustomerEmail) == "" {
		return nil, apperror.Validation(apperror.MissingField, "customer email is required for flutterwave initialization", nil)
	}

	paymentOptions := flutterwavePaymentOptions(req.Method)
	payload := map[string]any{
		"tx_ref":          req.TransactionID,
		"amount":          req.Amount.String(),
		"currency":        req.Currency,
		"payment_options": paymentOptions,
		"customer": map[string]any{
			"email":       req.CustomerEmail,
			"phonenumber": req.CustomerPhone,
		},
		"meta": req.Metadata,
		"customizations": map[string]any{
			"title": "cNGN ramp payment",
		},
	}

	var env flutterwaveEnvelope
	_, err := p.http.RequestJSON(ctx, http.MethodPost, p.endpoint("/payments"), p.config.SecretKey, payload, &env)
	if err != nil {
		return nil, err
	}
	if strings.ToLower(env.Status) != "success" {
		return nil, mapMessageError(env.Message)
	}

	link, _ := env.Data["link"].(string)
	if link == "" {
		link, _ = env.Data["checkout_url"].(string)
	}
	if link == "" {
		return nil, apperror.External(apperror.PaymentProviderError, "missing payment link in flutterwave response", nil, false)
	}

	return &rampcore.PaymentResponse{
		Status:            rampcore.PaymentPending,
		ProviderReference: req.TransactionID,
		CheckoutURL:       link,
	}, nil
}

func flutterwavePaymentOptions(method string) string {
	switch method {
	case "card":
		return "card"
	case "bank_transfer":
		return "banktransfer"
	case "mobile_money":
		return "mobilemoney"
	case "ussd":
		return "ussd"
	default:
		return "card,banktransfer,ussd"
	}
}

func (p *FlutterwaveProvider) ensureReference(req rampcore.StatusRequest) (string, error) {
	if strings.TrimSpace(req.ProviderReference) == "" {
		return "", apperror.Validation(apperror.MissingField, "provider reference is required", nil)
	}
	return req.ProviderReference, nil
}

// VerifyPayment polls Flutterwave for the current state of a charge by tx_ref.
func (p *FlutterwaveProvider) VerifyPayment(ctx context.Context, req rampcore.StatusRequest) (*rampcore.StatusResponse, error) {
	ref, err := p.ensureReference(req)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s?tx_ref=%s", p.endpoint("/transactions/verify_by_reference"), ref)
	var env flutterwaveEnvelope
	_, err = p.http.RequestJSON(ctx, http.MethodGet, url, p.config.SecretKey, nil, &env)
	if err != nil {
		return nil, err
	}
	if strings.ToLower(env.Status) != "success" {
		return nil, mapMessageError(env.Message)
	}

	status := flutterwaveStatus(stringField(env.Data, "status"))
	raw, _ := json.Marshal(env.Data)
	return &rampcore.StatusResponse{
		Status:      status,
		RawResponse: string(raw),
	}, nil
}

func flutterwaveStatus(raw string) rampcore.PaymentStatus {
	switch strings.ToLower(raw) {
	case "successful", "success", "completed":
		return rampcore.PaymentSuccess
	case "pending", "new", "processing":
		return rampcore.PaymentPending
	case "failed", "cancelled":
		return rampcore.PaymentFailed
	default:
		return rampcore.PaymentUnknown
	}
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// ProcessWithdrawal initiates a bank transfer payout.
func (p *FlutterwaveProvider) ProcessWithdrawal(ctx context.Context, req rampcore.WithdrawalRequest) (*rampcore.WithdrawalResponse, error) {
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, apperror.Validation(apperror.InvalidAmount, "amount must be positive", nil)
	}
	if req.AccountNumber == "" {
		return nil, apperror.Validation(apperror.MissingField, "account number is required", nil)
	}
	if req.BankCode == "" {
		return nil, apperror.Validation(apperror.MissingField, "bank code is required", nil)
	}

	narration := req.Narration
	if narration == "" {
		narration = "cNGN ramp payout"
	}

	payload := map[string]any{
		"account_bank":   req.BankCode,
		"account_number": req.AccountNumber,
		"amount":         req.Amount.String(),
		"currency":       req.Currency,
		"reference":      req.TransactionID,
		"narration":      narration,
		"debit_currency": "NGN",
	}

	var env flutterwaveEnvelope
	_, err := p.http.RequestJSON(ctx, http.MethodPost, p.endpoint("/transfers"), p.config.SecretKey, payload, &env)
	if err != nil {
		return nil, err
	}
	if strings.ToLower(env.Status) != "success" {
		return nil, mapMessageError(env.Message)
	}

	status := flutterwaveTransferStatus(stringField(env.Data, "status"))
	providerRef := stringField(env.Data, "reference")
	if providerRef == "" {
		if id, ok := env.Data["id"].(float64); ok {
			providerRef = fmt.Sprintf("%d", int64(id))
		}
	}

	raw, _ := json.Marshal(env.Data)
	return &rampcore.WithdrawalResponse{
		Status:            status,
		ProviderReference: providerRef,
		RawResponse:       string(raw),
	}, nil
}

func flutterwaveTransferStatus(raw string) rampcore.PaymentStatus {
	switch strings.ToLower(raw) {
	case "successful", "success", "completed":
		return rampcore.PaymentSuccess
	case "new", "pending", "processing":
		return rampcore.PaymentProcessing
	case "failed", "cancelled":
		return rampcore.PaymentFailed
	default:
		return rampcore.PaymentUnknown
	}
}

// GetPaymentStatus delegates to VerifyPayment: Flutterwave exposes the same
// endpoint for both initial verification and later polling.
func (p *FlutterwaveProvider) GetPaymentStatus(ctx context.Context, req rampcore.StatusRequest) (*rampcore.StatusResponse, error) {
	return p.VerifyPayment(ctx, req)
}

// VerifyWebhook compares the verif-hash header against the configured
// webhook secret in constant time. Flutterwave's webhook "signature" is a
// shared-secret header match, not an HMAC of the body.
func (p *FlutterwaveProvider) VerifyWebhook(_ []byte, signature string) (bool, string) {
	if p.config.WebhookSecret == "" {
		return false, "flutterwave webhook secret is not configured"
	}
	if secureEq([]byte(strings.TrimSpace(p.config.WebhookSecret)), []byte(strings.TrimSpace(signature))) {
		return true, ""
	}
	return false, "invalid flutterwave webhook hash"
}

// ParseWebhookEvent extracts the fields the webhook processor needs from a
// raw Flutterwave webhook body.
func (p *FlutterwaveProvider) ParseWebhookEvent(payload []byte) (*rampcore.ProviderWebhookEvent, error) {
	var parsed struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, apperror.Validation(apperror.MissingField, fmt.Sprintf("invalid webhook JSON payload: %v", err), err)
	}

	status := flutterwaveStatus(stringField(parsed.Data, "status"))
	providerRef := stringField(parsed.Data, "flw_ref")
	if providerRef == "" {
		if id, ok := parsed.Data["id"].(float64); ok {
			providerRef = fmt.Sprintf("%d", int64(id))
		}
	}
	if providerRef == "" {
		providerRef = stringField(parsed.Data, "reference")
	}
	txRef := stringField(parsed.Data, "tx_ref")
	if txRef == "" {
		txRef = stringField(parsed.Data, "reference")
	}

	return &rampcore.ProviderWebhookEvent{
		Provider:             p.Name(),
		EventType:            parsed.Event,
		EventID:              providerRef,
		TransactionReference: txRef,
		ProviderReference:    providerRef,
		Status:               status,
		RawPayload:           string(payload),
		ReceivedAt:           time.Now(),
	}, nil
}

var _ rampcore.PaymentProvider = (*FlutterwaveProvider)(nil)
