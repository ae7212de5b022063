// Package offramp implements the cNGN-to-bank-account withdrawal lifecycle:
// the legal state transition table in fsm.go, and the four-stage poll
// worker in this file that drives transactions through it.
package offramp

import (
	"context"
	"time"

	"github.com/cngnramp/backend"
	"github.com/cngnramp/backend/apperror"
	"github.com/cngnramp/backend/ledger"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Config tunes the worker's poll cadence, batch sizes, retry budget, and
// the Stellar credentials it refunds from.
type Config struct {
	PollInterval        time.Duration
	BatchSize           int
	RetryTimeout        time.Duration
	HotWalletSecret     string
	SystemWalletAddress string
	NetworkPassphrase   string
	CngnIssuer          string
	ProviderOrder       []string
}

// DefaultConfig returns the documented defaults; hotWalletSecret,
// systemWallet, networkPassphrase, and cngnIssuer have no sensible
// default and must be supplied by the caller.
func DefaultConfig(hotWalletSecret, systemWallet, networkPassphrase, cngnIssuer string) Config {
	return Config{
		PollInterval:        10 * time.Second,
		BatchSize:           50,
		RetryTimeout:        24 * time.Hour,
		HotWalletSecret:     hotWalletSecret,
		SystemWalletAddress: systemWallet,
		NetworkPassphrase:   networkPassphrase,
		CngnIssuer:          cngnIssuer,
		ProviderOrder:       []string{"flutterwave", "paystack"},
	}
}

// Validate reports the credentials the worker cannot run without.
func (c Config) Validate() error {
	if c.HotWalletSecret == "" {
		return apperror.Infrastructure(apperror.ConfigurationError, "hot wallet secret is required", nil, false)
	}
	if c.SystemWalletAddress == "" {
		return apperror.Infrastructure(apperror.ConfigurationError, "system wallet address is required", nil, false)
	}
	return nil
}

// Worker drives offramp transactions through receipt verification,
// withdrawal initiation, transfer monitoring, and refund, one poll cycle
// at a time. Each stage selects its own batch by status, so a failure in
// one stage never blocks the others within the same cycle.
type Worker struct {
	repo      rampcore.Repository
	stellar   rampcore.StellarClient
	signer    rampcore.Signer
	providers map[string]rampcore.PaymentProvider
	sink      rampcore.NotificationSink
	config    Config
	log       *logrus.Logger
}

// New builds a Worker. signer must be able to sign for config.SystemWalletAddress;
// callers typically construct it with signers.FromSecret(config.HotWalletSecret).
func New(repo rampcore.Repository, stellar rampcore.StellarClient, signer rampcore.Signer, providers map[string]rampcore.PaymentProvider, sink rampcore.NotificationSink, config Config, log *logrus.Logger) *Worker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Worker{repo: repo, stellar: stellar, signer: signer, providers: providers, sink: sink, config: config, log: log}
}

// Run blocks, executing one Cycle per PollInterval, until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Cycle(ctx)
		}
	}
}

// Cycle runs all four stages in sequence. A stage's own errors are logged
// and do not abort the remaining stages.
func (w *Worker) Cycle(ctx context.Context) {
	w.verifyReceipts(ctx)
	w.initiateWithdrawals(ctx)
	w.monitorTransfers(ctx)
	w.processRefunds(ctx)
}

// verifyReceipts is Stage 1. It selects cngn_received rows and confirms
// the on-chain amount matches what this transaction was quoted for
// before releasing it to the bank leg; a mismatch is refunded rather
// than paid out, since the safe assumption is that it reflects a
// mis-sent or partial Stellar payment rather than a system error.
func (w *Worker) verifyReceipts(ctx context.Context) {
	txs, err := w.repo.FindByStatus(ctx, rampcore.StatusCngnReceived, w.config.BatchSize)
	if err != nil {
		w.log.WithError(err).Warn("failed to list cngn_received transactions")
		return
	}

	for _, tx := range txs {
		w.verifyOne(ctx, tx)
	}
}

func (w *Worker) verifyOne(ctx context.Context, tx *rampcore.Transaction) {
	log := w.log.WithField("transaction_id", tx.TransactionID)

	if !tx.CngnAmount.Equal(tx.FromAmount) {
		log.WithFields(logrus.Fields{
			"expected": tx.FromAmount.String(),
			"received": tx.CngnAmount.String(),
		}).Warn("received cNGN amount does not match quoted amount, refunding")
		w.moveToRefund(ctx, tx, "received amount does not match quoted amount")
		return
	}

	if err := ValidateTransition(tx.Status, rampcore.StatusProcessingWithdrawal); err != nil {
		log.WithError(err).Warn("cannot move verified receipt to processing_withdrawal")
		return
	}
	if err := w.repo.UpdateStatus(ctx, tx.TransactionID, rampcore.StatusProcessingWithdrawal); err != nil {
		log.WithError(err).Warn("failed to update status to processing_withdrawal")
		return
	}
	log.Info("cNGN payment verified, moving to withdrawal initiation")
	w.trigger(ctx, rampcore.EventOfframpStateChanged, tx.TransactionID)
}

// initiateWithdrawals is Stage 2. It selects processing_withdrawal rows
// and tries each configured provider in order until one accepts the bank
// transfer; if every provider rejects it, the transaction is refunded.
func (w *Worker) initiateWithdrawals(ctx context.Context) {
	txs, err := w.repo.FindByStatus(ctx, rampcore.StatusProcessingWithdrawal, w.config.BatchSize)
	if err != nil {
		w.log.WithError(err).Warn("failed to list processing_withdrawal transactions")
		return
	}

	for _, tx := range txs {
		w.initiateOne(ctx, tx)
	}
}

func (w *Worker) initiateOne(ctx context.Context, tx *rampcore.Transaction) {
	log := w.log.WithField("transaction_id", tx.TransactionID)

	req := rampcore.WithdrawalRequest{
		TransactionID: tx.TransactionID,
		Amount:        tx.ToAmount,
		Currency:      tx.ToCurrency,
		AccountNumber: tx.Metadata.AccountNumber,
		BankCode:      tx.Metadata.BankCode,
		AccountName:   tx.Metadata.AccountName,
		Narration:     "Withdrawal for transaction " + tx.TransactionID,
	}

	var lastErr error
	for _, name := range w.config.ProviderOrder {
		provider, ok := w.providers[name]
		if !ok {
			continue
		}

		log.WithField("provider", name).Info("attempting withdrawal initiation")
		resp, err := provider.ProcessWithdrawal(ctx, req)
		if err != nil {
			lastErr = err
			log.WithFields(logrus.Fields{"provider": name, "error": err}).Warn("provider withdrawal initiation failed")
			continue
		}

		if err := w.repo.UpdateStatusWithMetadata(ctx, tx.TransactionID, rampcore.StatusTransferPending, rampcore.OfframpMetadata{
			ProviderName: name,
			ProviderRef:  resp.ProviderReference,
		}); err != nil {
			log.WithError(err).Warn("failed to record withdrawal initiation")
			return
		}
		log.WithFields(logrus.Fields{"provider": name, "reference": resp.ProviderReference}).Info("withdrawal initiated successfully")
		w.trigger(ctx, rampcore.EventOfframpStateChanged, tx.TransactionID)
		return
	}

	reason := "all providers failed"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	log.WithField("reason", reason).Error("all providers failed for withdrawal initiation")
	w.moveToRefund(ctx, tx, reason)
}

// monitorTransfers is Stage 3. It selects transfer_pending rows and polls
// the provider that accepted each one; a terminal success completes the
// transaction, a terminal failure refunds it, and a still-pending
// transfer that has outlived RetryTimeout is treated as a failure too.
func (w *Worker) monitorTransfers(ctx context.Context) {
	txs, err := w.repo.FindByStatus(ctx, rampcore.StatusTransferPending, w.config.BatchSize)
	if err != nil {
		w.log.WithError(err).Warn("failed to list transfer_pending transactions")
		return
	}

	for _, tx := range txs {
		w.monitorOne(ctx, tx)
	}
}

func (w *Worker) monitorOne(ctx context.Context, tx *rampcore.Transaction) {
	log := w.log.WithField("transaction_id", tx.TransactionID)

	if tx.Metadata.ProviderName == "" {
		log.Warn("transfer_pending transaction has no recorded provider name")
		return
	}
	provider, ok := w.providers[tx.Metadata.ProviderName]
	if !ok {
		log.WithField("provider", tx.Metadata.ProviderName).Warn("recorded provider is not configured")
		return
	}

	resp, err := provider.GetPaymentStatus(ctx, rampcore.StatusRequest{ProviderReference: tx.Metadata.ProviderRef})
	if err != nil {
		log.WithError(err).Warn("failed to poll provider transfer status")
		return
	}

	switch resp.Status {
	case rampcore.PaymentSuccess:
		log.Info("transfer confirmed successful by provider")
		if err := w.repo.UpdateStatus(ctx, tx.TransactionID, rampcore.StatusCompleted); err != nil {
			log.WithError(err).Warn("failed to mark transaction completed")
			return
		}
		w.trigger(ctx, rampcore.EventOfframpStateChanged, tx.TransactionID)

	case rampcore.PaymentFailed, rampcore.PaymentReversed, rampcore.PaymentCancelled:
		log.Error("transfer failed at provider")
		w.moveToRefund(ctx, tx, "provider reported transfer failure")

	case rampcore.PaymentPending, rampcore.PaymentProcessing:
		if time.Since(tx.CreatedAt) > w.config.RetryTimeout {
			log.Error("transfer timed out at provider")
			w.moveToRefund(ctx, tx, "transfer timeout")
			return
		}
		log.Debug("transfer still pending at provider")

	default:
		log.WithField("status", resp.Status).Warn("received unexpected status from provider")
	}
}

// processRefunds is Stage 4. It selects refund_initiated rows, builds a
// Stellar payment back to the sender's wallet for the originally
// received amount, and submits it from the system wallet. A build or
// sign failure is fatal (the payment never reaches the network); a
// submission failure is left in refunding so the next cycle retries it.
func (w *Worker) processRefunds(ctx context.Context) {
	txs, err := w.repo.FindByStatus(ctx, rampcore.StatusRefundInitiated, w.config.BatchSize)
	if err != nil {
		w.log.WithError(err).Warn("failed to list refund_initiated transactions")
		return
	}

	for _, tx := range txs {
		w.refundOne(ctx, tx)
	}
}

func refundMemo(transactionID string) string {
	const prefix = "REF-"
	id := transactionID
	if max := 28 - len(prefix); len(id) > max {
		id = id[:max]
	}
	return prefix + id
}

func (w *Worker) refundOne(ctx context.Context, tx *rampcore.Transaction) {
	log := w.log.WithField("transaction_id", tx.TransactionID)

	if err := ValidateTransition(tx.Status, rampcore.StatusRefunding); err != nil {
		log.WithError(err).Warn("cannot move refund-initiated row to refunding")
		return
	}
	if err := w.repo.UpdateStatus(ctx, tx.TransactionID, rampcore.StatusRefunding); err != nil {
		log.WithError(err).Warn("failed to mark transaction refunding")
		return
	}

	builder := ledger.NewPaymentBuilder(w.stellar, w.config.NetworkPassphrase).WithSourceAccount(w.config.SystemWalletAddress)
	if err := builder.AddPaymentOp(ctx, tx.WalletAddress, refundAmount(tx), "cNGN", w.config.CngnIssuer); err != nil {
		log.WithError(err).Error("failed to build refund payment")
		w.failRefund(ctx, tx, "stellar build error: "+err.Error())
		return
	}
	if err := builder.AddTextMemo(refundMemo(tx.TransactionID)); err != nil {
		log.WithError(err).Error("failed to attach refund memo")
		w.failRefund(ctx, tx, "stellar build error: "+err.Error())
		return
	}

	signedXDR, err := builder.BuildAndSign(ctx, w.signer)
	if err != nil {
		log.WithError(err).Error("failed to sign refund transaction")
		w.failRefund(ctx, tx, "stellar signing error: "+err.Error())
		return
	}

	hash, err := w.stellar.SubmitTransactionXDR(ctx, signedXDR)
	if err != nil {
		log.WithError(err).Warn("failed to submit refund transaction, will retry next cycle")
		return
	}

	log.WithField("hash", hash).Info("refund submitted successfully to stellar")
	if err := w.repo.UpdateStatusWithMetadata(ctx, tx.TransactionID, rampcore.StatusRefunded, rampcore.OfframpMetadata{
		RefundTxHash: hash,
		RefundAmount: refundAmount(tx).String(),
	}); err != nil {
		log.WithError(err).Warn("failed to record refund completion")
		return
	}
	w.trigger(ctx, rampcore.EventOfframpRefunded, tx.TransactionID)
}

// refundAmount returns the cNGN amount to send back: the amount actually
// received on-chain when known, otherwise the originally quoted amount.
func refundAmount(tx *rampcore.Transaction) decimal.Decimal {
	if tx.CngnAmount.IsPositive() {
		return tx.CngnAmount
	}
	return tx.FromAmount
}

func (w *Worker) failRefund(ctx context.Context, tx *rampcore.Transaction, reason string) {
	if err := w.repo.UpdateStatusWithMetadata(ctx, tx.TransactionID, rampcore.StatusFailed, rampcore.OfframpMetadata{
		FailureReason: reason,
	}); err != nil {
		w.log.WithError(err).WithField("transaction_id", tx.TransactionID).Warn("failed to record refund failure")
		return
	}
	w.trigger(ctx, rampcore.EventOfframpFailed, tx.TransactionID)
}

// moveToRefund transitions tx to refund_initiated, recording reason. A
// transaction already too far along (completed, refunded, or already
// refund_initiated) is left untouched.
func (w *Worker) moveToRefund(ctx context.Context, tx *rampcore.Transaction, reason string) {
	if err := ValidateTransition(tx.Status, rampcore.StatusRefundInitiated); err != nil {
		w.log.WithError(err).WithField("transaction_id", tx.TransactionID).Warn("cannot move transaction to refund_initiated")
		return
	}
	if err := w.repo.UpdateStatusWithMetadata(ctx, tx.TransactionID, rampcore.StatusRefundInitiated, rampcore.OfframpMetadata{
		FailureReason: reason,
	}); err != nil {
		w.log.WithError(err).WithField("transaction_id", tx.TransactionID).Warn("failed to move transaction to refund_initiated")
		return
	}
	w.trigger(ctx, rampcore.EventOfframpFailed, tx.TransactionID)
}

func (w *Worker) trigger(ctx context.Context, event rampcore.NotificationEvent, transactionID string) {
	if w.sink == nil {
		return
	}
	tx, err := w.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return
	}
	w.sink.Trigger(event, tx)
}
