// Package webhook receives signed callbacks from payment providers,
// deduplicates them against the webhook_events ledger, and dispatches the
// ones that carry a recognized event type into the orchestrator.
package webhook

import (
	"context"
	"fmt"

	"github.com/cngnramp/backend"
	"github.com/cngnramp/backend/apperror"
	"github.com/sirupsen/logrus"
)

// OrchestratorHandlers is the subset of the orchestrator that the webhook
// processor dispatches into, named so tests can supply a narrow fake
// instead of a full orchestrator.Orchestrator.
type OrchestratorHandlers interface {
	HandlePaymentSuccess(ctx context.Context, transactionID string) error
	HandlePaymentFailure(ctx context.Context, transactionID string, reason string) error
	HandleWithdrawalSuccess(ctx context.Context, transactionID string) error
	HandleWithdrawalFailure(ctx context.Context, transactionID string, reason string) error
}

const (
	maxRetryCount  = 5
	retryBatchSize = 50
)

// Processor verifies, deduplicates, and dispatches inbound provider
// webhooks, and sweeps rows that failed dispatch for retry.
type Processor struct {
	repo         rampcore.Repository
	providers    map[string]rampcore.PaymentProvider
	orchestrator OrchestratorHandlers
	log          *logrus.Logger
}

// New builds a Processor. providers is keyed by lowercase provider name
// ("flutterwave", "paystack", ...).
func New(repo rampcore.Repository, providers map[string]rampcore.PaymentProvider, orchestrator OrchestratorHandlers, log *logrus.Logger) *Processor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Processor{repo: repo, providers: providers, orchestrator: orchestrator, log: log}
}

// Process verifies signature, logs the event for deduplication, and
// dispatches it by event type. It returns apperror.AlreadyProcessed if the
// event was already marked completed on a previous delivery — callers
// should still answer the provider with 200 in that case, since the
// provider does not distinguish "processed" from "duplicate, already
// processed" and will keep retrying otherwise.
func (p *Processor) Process(ctx context.Context, providerName string, signature string, payload []byte) error {
	provider, ok := p.providers[providerName]
	if !ok {
		return apperror.External(apperror.UnknownProvider, "unknown webhook provider: "+providerName, nil, false)
	}

	valid, reason := provider.VerifyWebhook(payload, signature)
	if !valid {
		p.log.WithFields(logrus.Fields{"provider": providerName, "reason": reason}).Warn("rejected webhook with invalid signature")
		return apperror.Validation(apperror.InvalidSignature, "invalid webhook signature: "+reason, nil)
	}

	event, err := provider.ParseWebhookEvent(payload)
	if err != nil {
		return err
	}

	created, err := p.repo.LogWebhookEvent(ctx, &rampcore.WebhookEvent{
		Provider:   providerName,
		EventID:    event.EventID,
		EventType:  event.EventType,
		RawPayload: event.RawPayload,
		Signature:  signature,
		Status:     rampcore.WebhookPending,
	})
	if err != nil {
		return err
	}

	if !created {
		existing, err := p.repo.GetWebhookEvent(ctx, providerName, event.EventID)
		if err != nil {
			return err
		}
		if existing.Status == rampcore.WebhookCompleted {
			return apperror.Domain(apperror.AlreadyProcessed, "webhook event already processed", nil)
		}
	}

	if err := p.dispatch(ctx, event); err != nil {
		_ = p.repo.UpdateWebhookStatus(ctx, providerName, event.EventID, rampcore.WebhookFailed, err.Error())
		return err
	}

	return p.repo.UpdateWebhookStatus(ctx, providerName, event.EventID, rampcore.WebhookCompleted, "")
}

// dispatch routes a parsed event to the matching orchestrator callback.
// An unrecognized event type is logged and otherwise ignored, not an error:
// providers send many event types this system has no use for.
func (p *Processor) dispatch(ctx context.Context, event *rampcore.ProviderWebhookEvent) error {
	txRef := event.TransactionReference
	if txRef == "" {
		txRef = event.ProviderReference
	}
	if txRef == "" {
		return apperror.Validation(apperror.MissingField, "webhook payload carries no transaction reference", nil)
	}

	switch event.EventType {
	case "charge.completed", "charge.success":
		return p.orchestrator.HandlePaymentSuccess(ctx, txRef)
	case "charge.failed":
		return p.orchestrator.HandlePaymentFailure(ctx, txRef, "provider reported charge failure")
	case "transfer.completed", "transfer.success":
		return p.orchestrator.HandleWithdrawalSuccess(ctx, txRef)
	case "transfer.failed":
		return p.orchestrator.HandleWithdrawalFailure(ctx, txRef, "provider reported transfer failure")
	default:
		p.log.WithField("event_type", event.EventType).Info("ignoring unrecognized webhook event type")
		return nil
	}
}

// RetryPending re-dispatches failed webhook rows whose retry_count is below
// the cap, oldest first, up to a batch of retryBatchSize. It is meant to be
// called on a fixed interval by a background worker.
func (p *Processor) RetryPending(ctx context.Context) (int, error) {
	pending, err := p.repo.FindRetryableWebhooks(ctx, maxRetryCount, retryBatchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, webhookEvt := range pending {
		provider, ok := p.providers[webhookEvt.Provider]
		if !ok {
			continue
		}
		event, err := provider.ParseWebhookEvent([]byte(webhookEvt.RawPayload))
		if err != nil {
			_ = p.repo.UpdateWebhookStatus(ctx, webhookEvt.Provider, webhookEvt.EventID, rampcore.WebhookFailed, fmt.Sprintf("re-parse failed: %v", err))
			continue
		}

		if err := p.dispatch(ctx, event); err != nil {
			_ = p.repo.UpdateWebhookStatus(ctx, webhookEvt.Provider, webhookEvt.EventID, rampcore.WebhookFailed, err.Error())
			continue
		}
		if err := p.repo.UpdateWebhookStatus(ctx, webhookEvt.Provider, webhookEvt.EventID, rampcore.WebhookCompleted, ""); err != nil {
			continue
		}
		processed++
	}

	return processed, nil
}
