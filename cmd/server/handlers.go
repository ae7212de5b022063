package main

import (
	"encoding/json"
	"io"
	"net/http"

	rampcore "github.com/cngnramp/backend"
	"github.com/cngnramp/backend/apperror"
	"github.com/cngnramp/backend/fees"
	"github.com/cngnramp/backend/onramp"
	"github.com/cngnramp/backend/orchestrator"
	"github.com/cngnramp/backend/rates"
	"github.com/cngnramp/backend/webhook"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type routerDeps struct {
	rateEngine   *rates.Engine
	feeCalc      *fees.Calculator
	onramp       *onramp.Service
	orchestrator *orchestrator.Orchestrator
	repo         rampcore.Repository
	webhook      *webhook.Processor
	log          *logrus.Logger
}

func newRouter(deps routerDeps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/rates", deps.handleGetRates)
	mux.HandleFunc("GET /api/fees", deps.handleGetFees)
	mux.HandleFunc("POST /api/quotes/onramp", deps.handleCreateOnrampQuote)
	mux.HandleFunc("POST /api/onramp", deps.handleCreateOnrampTransaction)
	mux.HandleFunc("POST /webhooks/{provider}", deps.handleWebhook)
	mux.HandleFunc("GET /health", deps.handleHealth)

	return mux
}

// corsMiddleware allows browser-based clients to call the API directly,
// mirroring the permissive dev-facing policy the rest of the stack uses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Paystack-Signature, verif-hash")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.WithError(err).Error("failed to encode response body")
	}
}

// writeAppError renders errors as {code, message}, adding retryable (only
// when true) and retry_after (when retryable and positive), and picks the
// status line off the error's Code via apperror.HTTPStatus.
func writeAppError(w http.ResponseWriter, log *logrus.Logger, err error) {
	var appErr *apperror.Error
	if apperror.As(err, &appErr) {
		log.WithFields(logrus.Fields{
			"code":      appErr.Code,
			"retryable": appErr.Retryable,
		}).Warn(appErr.Message)

		body := map[string]interface{}{
			"code":    appErr.Code,
			"message": appErr.Message,
		}
		if appErr.Retryable {
			body["retryable"] = true
			if appErr.RetryAfter > 0 {
				body["retry_after"] = appErr.RetryAfter
			}
		}
		writeJSON(w, apperror.HTTPStatus(appErr.Code), body)
		return
	}

	log.WithError(err).Error("unhandled internal error")
	writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
		"code":    "INTERNAL_ERROR",
		"message": "an internal error occurred",
	})
}

// handleGetRates returns one rate pair via ?from=NGN&to=CNGN; when either
// parameter is missing it returns the NGN→cNGN pair.
func (d routerDeps) handleGetRates(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")

	if from == "" || to == "" {
		from, to = "NGN", "cNGN"
	}

	rate, err := d.rateEngine.GetRate(r.Context(), from, to)
	if err != nil {
		writeAppError(w, d.log, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"from": from,
		"to":   to,
		"rate": rate.String(),
	})
}

// handleGetFees returns the fee breakdown for a given amount, transaction
// type, provider, and payout method via query parameters.
func (d routerDeps) handleGetFees(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		writeAppError(w, d.log, apperror.Validation(apperror.InvalidAmount, "amount must be a decimal number", nil))
		return
	}

	txType := rampcore.TransactionType(q.Get("type"))
	if txType == "" {
		txType = rampcore.TransactionOnramp
	}

	breakdown, err := d.feeCalc.Calculate(r.Context(), txType, amount, q.Get("provider"), q.Get("method"))
	if err != nil {
		writeAppError(w, d.log, err)
		return
	}

	writeJSON(w, http.StatusOK, breakdown)
}

type createOnrampQuoteRequest struct {
	AmountNGN     string `json:"amount_ngn"`
	WalletAddress string `json:"wallet_address"`
	Provider      string `json:"provider"`
	Chain         string `json:"chain"`
}

func (d routerDeps) handleCreateOnrampQuote(w http.ResponseWriter, r *http.Request) {
	var body createOnrampQuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAppError(w, d.log, apperror.Validation(apperror.MissingField, "request body must be valid JSON", err))
		return
	}

	amount, err := decimal.NewFromString(body.AmountNGN)
	if err != nil {
		writeAppError(w, d.log, apperror.Validation(apperror.InvalidAmount, "amount_ngn must be a decimal number", err))
		return
	}

	quote, err := d.onramp.CreateQuote(r.Context(), onramp.QuoteRequest{
		AmountNGN:     amount,
		WalletAddress: body.WalletAddress,
		Provider:      body.Provider,
		Chain:         body.Chain,
	})
	if err != nil {
		writeAppError(w, d.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, quote)
}

type createOnrampTransactionRequest struct {
	QuoteID       string `json:"quote_id"`
	Method        string `json:"method"`
	CustomerEmail string `json:"customer_email"`
	CustomerPhone string `json:"customer_phone"`
}

type createOnrampTransactionResponse struct {
	TransactionID     string `json:"transaction_id"`
	Status            string `json:"status"`
	ProviderReference string `json:"provider_reference"`
	CheckoutURL       string `json:"checkout_url,omitempty"`
}

// handleCreateOnrampTransaction turns a previously issued quote into a
// transaction row and hands it to the orchestrator, which picks a payment
// provider and returns the reference (and, for redirect-based providers, a
// checkout URL) the caller needs to collect the fiat charge. The quote is
// only read: it is not marked consumed or deleted, so the same quote_id can
// back more than one transaction until its TTL expires.
func (d routerDeps) handleCreateOnrampTransaction(w http.ResponseWriter, r *http.Request) {
	var body createOnrampTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAppError(w, d.log, apperror.Validation(apperror.MissingField, "request body must be valid JSON", err))
		return
	}
	if body.QuoteID == "" {
		writeAppError(w, d.log, apperror.Validation(apperror.MissingField, "quote_id is required", nil))
		return
	}
	if body.Method == "" {
		writeAppError(w, d.log, apperror.Validation(apperror.MissingField, "method is required", nil))
		return
	}

	quote, err := d.onramp.GetQuote(r.Context(), body.QuoteID)
	if err != nil {
		writeAppError(w, d.log, err)
		return
	}

	amountNGN, err := decimal.NewFromString(quote.AmountNGN)
	if err != nil {
		writeAppError(w, d.log, apperror.Infrastructure(apperror.ConfigurationError, "stored quote has a malformed amount", err, false))
		return
	}
	amountCNGN, err := decimal.NewFromString(quote.AmountCNGN)
	if err != nil {
		writeAppError(w, d.log, apperror.Infrastructure(apperror.ConfigurationError, "stored quote has a malformed amount", err, false))
		return
	}

	tx := &rampcore.Transaction{
		TransactionID: "tx_" + uuid.NewString(),
		Type:          rampcore.TransactionOnramp,
		Status:        rampcore.StatusPending,
		FromAmount:    amountNGN,
		ToAmount:      amountCNGN,
		CngnAmount:    amountCNGN,
		FromCurrency:  "NGN",
		ToCurrency:    "cNGN",
		WalletAddress: quote.WalletAddress,
	}
	if err := d.repo.CreateTransaction(r.Context(), tx); err != nil {
		writeAppError(w, d.log, err)
		return
	}

	resp, err := d.orchestrator.InitiatePayment(r.Context(), rampcore.PaymentRequest{
		TransactionID: tx.TransactionID,
		Amount:        amountNGN,
		Currency:      "NGN",
		Method:        body.Method,
		CustomerEmail: body.CustomerEmail,
		CustomerPhone: body.CustomerPhone,
	}, "")
	if err != nil {
		writeAppError(w, d.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, createOnrampTransactionResponse{
		TransactionID:     tx.TransactionID,
		Status:            string(resp.Status),
		ProviderReference: resp.ProviderReference,
		CheckoutURL:       resp.CheckoutURL,
	})
}

// handleWebhook dispatches a provider callback by the path's {provider}
// segment, reading whichever signature header that provider signs with.
func (d routerDeps) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeAppError(w, d.log, apperror.Validation(apperror.MissingField, "could not read webhook body", err))
		return
	}

	signature := r.Header.Get("X-Paystack-Signature")
	if signature == "" {
		signature = r.Header.Get("verif-hash")
	}

	if err := d.webhook.Process(r.Context(), provider, signature, payload); err != nil {
		var appErr *apperror.Error
		if !apperror.As(err, &appErr) || appErr.Code != apperror.AlreadyProcessed {
			writeAppError(w, d.log, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (d routerDeps) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
