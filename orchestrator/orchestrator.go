// Package orchestrator routes a fiat charge through a preference-ordered
// list of payment providers, with idempotent replay and per-transaction
// locking, and carries the provider-driven success/failure transitions that
// the webhook processor calls into once a charge or withdrawal settles.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/cngnramp/backend"
	"github.com/cngnramp/backend/apperror"
	"github.com/cngnramp/backend/ledger"
	"github.com/cngnramp/backend/offramp"
	"github.com/sirupsen/logrus"
)

// Config names the provider preference order tried on each initiation and
// the Stellar context HandlePaymentSuccess needs to draft the out-of-band
// cNGN crediting payment.
type Config struct {
	ProviderOrder []string

	NetworkPassphrase   string
	CngnIssuer          string
	DistributionAccount string // source account for crediting payments; defaults to CngnIssuer when empty
}

func (c Config) distributionAccount() string {
	if c.DistributionAccount != "" {
		return c.DistributionAccount
	}
	return c.CngnIssuer
}

// Orchestrator owns payment initiation and the provider-driven success and
// failure transitions for both the onramp charge-collection leg and the
// offramp withdrawal leg.
type Orchestrator struct {
	repo      rampcore.Repository
	providers map[string]rampcore.PaymentProvider
	stellar   rampcore.StellarClient
	signer    rampcore.Signer
	config    Config
	sink      rampcore.NotificationSink
	log       *logrus.Logger

	idemMu      sync.Mutex
	idemResults map[string]*rampcore.PaymentResponse

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// New builds an Orchestrator. sink may be nil (no lifecycle events emitted).
// stellar and signer are required only for HandlePaymentSuccess's crediting
// leg; the offramp withdrawal path never touches them.
func New(repo rampcore.Repository, providers map[string]rampcore.PaymentProvider, stellar rampcore.StellarClient, signer rampcore.Signer, config Config, sink rampcore.NotificationSink, log *logrus.Logger) *Orchestrator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Orchestrator{
		repo:        repo,
		providers:   providers,
		stellar:     stellar,
		signer:      signer,
		config:      config,
		sink:        sink,
		log:         log,
		idemResults: make(map[string]*rampcore.PaymentResponse),
		locks:       make(map[string]*sync.Mutex),
	}
}

// lockFor returns a per-key mutex, creating one on first use. Keys are
// idempotency keys for InitiatePayment and transaction ids for the
// Handle* callbacks, two disjoint namespaces that never collide by
// construction (idempotency keys are always a 64-character hex digest or a
// caller-supplied opaque string, never a bare transaction id).
func (o *Orchestrator) lockFor(key string) *sync.Mutex {
	o.lockMu.Lock()
	defer o.lockMu.Unlock()
	mu, ok := o.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		o.locks[key] = mu
	}
	return mu
}

// idempotencyKey returns callerKey verbatim if supplied, otherwise a
// SHA-256 digest of the canonical (transaction_id, amount, currency,
// method) tuple.
func idempotencyKey(callerKey string, req rampcore.PaymentRequest) string {
	if callerKey != "" {
		return callerKey
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", req.TransactionID, req.Amount.String(), req.Currency, req.Method)
	return hex.EncodeToString(h.Sum(nil))
}

// InitiatePayment resolves the idempotency key for req, replays a
// memoized result if one exists, and otherwise tries each configured
// provider in order until one succeeds or all have failed with a
// non-retryable or exhausted error.
func (o *Orchestrator) InitiatePayment(ctx context.Context, req rampcore.PaymentRequest, callerIdempotencyKey string) (*rampcore.PaymentResponse, error) {
	key := idempotencyKey(callerIdempotencyKey, req)
	mu := o.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	o.idemMu.Lock()
	if resp, ok := o.idemResults[key]; ok {
		o.idemMu.Unlock()
		return resp, nil
	}
	o.idemMu.Unlock()

	if tx, err := o.repo.GetTransaction(ctx, req.TransactionID); err == nil &&
		(tx.Status == rampcore.StatusPendingPayment || (tx.Status != "" && tx.Status != rampcore.StatusPending)) {
		resp := &rampcore.PaymentResponse{ProviderReference: tx.PaymentReference, Status: rampcore.PaymentPending}
		o.memoize(key, resp)
		return resp, nil
	}

	var lastErr error
	for _, name := range o.config.ProviderOrder {
		provider, ok := o.providers[name]
		if !ok {
			continue
		}

		resp, err := provider.InitiatePayment(ctx, req)
		if err == nil {
			if updErr := o.repo.UpdateStatusWithMetadata(ctx, req.TransactionID, rampcore.StatusPendingPayment, rampcore.OfframpMetadata{
				ProviderName: name,
				ProviderRef:  resp.ProviderReference,
			}); updErr != nil {
				return nil, updErr
			}
			o.memoize(key, resp)
			o.trigger(ctx, rampcore.EventPaymentInitiated, req.TransactionID)
			return resp, nil
		}

		lastErr = err
		o.log.WithFields(logrus.Fields{"provider": name, "transaction_id": req.TransactionID, "error": err}).
			Warn("payment provider initiation failed")
		if !apperror.IsRetryable(err) {
			return nil, err
		}
	}

	if lastErr == nil {
		return nil, apperror.Infrastructure(apperror.ConfigurationError, "no payment providers configured", nil, false)
	}
	return nil, lastErr
}

func (o *Orchestrator) memoize(key string, resp *rampcore.PaymentResponse) {
	o.idemMu.Lock()
	defer o.idemMu.Unlock()
	o.idemResults[key] = resp
}

// HandlePaymentSuccess drafts, signs, and submits the out-of-band cNGN
// payment that credits the customer's wallet once their fiat charge
// clears, then advances the transaction to processing so the transaction
// monitor can confirm the payment on-chain and finalize it. A terminal or
// already-processing transaction is left untouched (webhook replay
// safety); the submission itself is not retried here — a submission
// failure is surfaced so the webhook processor's retry sweep re-drives
// this same path.
func (o *Orchestrator) HandlePaymentSuccess(ctx context.Context, transactionID string) error {
	mu := o.lockFor(transactionID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := o.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	if tx.Status.IsTerminal() || tx.Status == rampcore.StatusProcessing {
		return nil
	}

	builder := ledger.NewPaymentBuilder(o.stellar, o.config.NetworkPassphrase).WithSourceAccount(o.config.distributionAccount())
	if err := builder.AddPaymentOp(ctx, tx.WalletAddress, tx.ToAmount, "cNGN", o.config.CngnIssuer); err != nil {
		o.failPayment(ctx, transactionID, "stellar build error: "+err.Error())
		return err
	}
	if err := builder.AddTextMemo(transactionID); err != nil {
		o.failPayment(ctx, transactionID, "stellar build error: "+err.Error())
		return err
	}

	signedXDR, err := builder.BuildAndSign(ctx, o.signer)
	if err != nil {
		o.failPayment(ctx, transactionID, "stellar signing error: "+err.Error())
		return err
	}

	hash, err := o.stellar.SubmitTransactionXDR(ctx, signedXDR)
	if err != nil {
		o.log.WithError(err).WithField("transaction_id", transactionID).
			Warn("failed to submit crediting payment, will retry on webhook redelivery")
		return err
	}

	if err := o.repo.UpdateStatusWithMetadata(ctx, transactionID, rampcore.StatusProcessing, rampcore.OfframpMetadata{
		StellarTxHash: hash,
	}); err != nil {
		return err
	}
	if err := o.repo.UpdateBlockchainHash(ctx, transactionID, hash); err != nil {
		o.log.WithError(err).WithField("transaction_id", transactionID).Warn("failed to record crediting payment hash")
	}
	o.trigger(ctx, rampcore.EventPaymentConfirmed, transactionID)
	return nil
}

func (o *Orchestrator) failPayment(ctx context.Context, transactionID string, reason string) {
	if err := o.repo.UpdateStatusWithMetadata(ctx, transactionID, rampcore.StatusFailed, rampcore.OfframpMetadata{
		FailureReason: reason,
	}); err != nil {
		o.log.WithError(err).WithField("transaction_id", transactionID).Warn("failed to record crediting payment failure")
		return
	}
	o.trigger(ctx, rampcore.EventPaymentFailed, transactionID)
}

// HandlePaymentFailure marks an onramp or bill-payment transaction failed,
// recording reason. A terminal transaction is left untouched.
func (o *Orchestrator) HandlePaymentFailure(ctx context.Context, transactionID string, reason string) error {
	mu := o.lockFor(transactionID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := o.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	if tx.Status.IsTerminal() {
		return nil
	}
	if err := o.repo.UpdateStatusWithMetadata(ctx, transactionID, rampcore.StatusFailed, rampcore.OfframpMetadata{
		FailureReason: reason,
	}); err != nil {
		return err
	}
	o.trigger(ctx, rampcore.EventPaymentFailed, transactionID)
	return nil
}

// HandleWithdrawalSuccess advances an offramp withdrawal to completed when
// a provider webhook confirms the bank transfer before the offramp
// worker's own poll does. The offramp state machine governs legality; an
// already-terminal row is a silent no-op.
func (o *Orchestrator) HandleWithdrawalSuccess(ctx context.Context, transactionID string) error {
	mu := o.lockFor(transactionID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := o.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	if offramp.IsTerminal(tx.Status) {
		return nil
	}
	if err := offramp.ValidateTransition(tx.Status, rampcore.StatusCompleted); err != nil {
		return nil // not yet in a state this webhook can act on; the poller will catch up
	}
	if err := o.repo.UpdateStatus(ctx, transactionID, rampcore.StatusCompleted); err != nil {
		return err
	}
	o.trigger(ctx, rampcore.EventOfframpStateChanged, transactionID)
	return nil
}

// HandleWithdrawalFailure moves an offramp withdrawal to refund_initiated
// when a provider webhook reports the bank transfer failed.
func (o *Orchestrator) HandleWithdrawalFailure(ctx context.Context, transactionID string, reason string) error {
	mu := o.lockFor(transactionID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := o.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	if offramp.IsTerminal(tx.Status) {
		return nil
	}
	if err := offramp.ValidateTransition(tx.Status, rampcore.StatusRefundInitiated); err != nil {
		return nil
	}
	if err := o.repo.UpdateStatusWithMetadata(ctx, transactionID, rampcore.StatusRefundInitiated, rampcore.OfframpMetadata{
		FailureReason: reason,
	}); err != nil {
		return err
	}
	o.trigger(ctx, rampcore.EventOfframpStateChanged, transactionID)
	return nil
}

func (o *Orchestrator) trigger(ctx context.Context, event rampcore.NotificationEvent, transactionID string) {
	if o.sink == nil {
		return
	}
	tx, err := o.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return
	}
	o.sink.Trigger(event, tx)
}
