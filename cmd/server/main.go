// Command server wires together the repository, Stellar client, payment
// providers, rate and fee engines, and the offramp/monitor/webhook-retry
// workers into one process, and serves the HTTP surface in front of them.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cngnramp/backend"
	"github.com/cngnramp/backend/cache"
	"github.com/cngnramp/backend/fees"
	"github.com/cngnramp/backend/ledger"
	"github.com/cngnramp/backend/monitor"
	"github.com/cngnramp/backend/notify"
	"github.com/cngnramp/backend/offramp"
	"github.com/cngnramp/backend/onramp"
	"github.com/cngnramp/backend/orchestrator"
	"github.com/cngnramp/backend/payments"
	"github.com/cngnramp/backend/rates"
	"github.com/cngnramp/backend/repo"
	"github.com/cngnramp/backend/signers"
	"github.com/cngnramp/backend/webhook"
	"github.com/sirupsen/logrus"
)

func main() {
	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg := LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	var store rampcore.Repository
	if cfg.DatabaseURL != "" {
		pg, err := repo.NewPostgresRepository(cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to database")
		}
		store = pg
		log.Info("connected to postgres repository")
	} else {
		store = repo.NewMemoryRepository()
		log.Warn("no DATABASE_URL configured, falling back to in-memory repository")
	}

	kv := cache.New()
	stellar := ledger.NewHorizonClient(cfg.HorizonURL)

	signer, err := signers.FromSecret(cfg.HotWalletSecret)
	if err != nil {
		log.WithError(err).Fatal("failed to load hot wallet signer")
	}

	sink := notify.NewDefaultLoggingSink(log)

	providers := buildProviders(cfg, log)

	rateEngine := rates.New(store, kv, nil, rates.DefaultConfig())
	feeCalc := fees.New(store, nil)
	onrampSvc := onramp.New(rateEngine, feeCalc, stellar, kv, onramp.DefaultConfig(cfg.CngnIssuer))

	orch := orchestrator.New(store, providers, stellar, signer, orchestrator.Config{
		ProviderOrder:       []string{"flutterwave", "paystack"},
		NetworkPassphrase:   cfg.NetworkPassphrase,
		CngnIssuer:          cfg.CngnIssuer,
		DistributionAccount: cfg.CngnIssuer,
	}, sink, log)

	webhookProc := webhook.New(store, providers, orch, log)

	offrampCfg := offramp.DefaultConfig(cfg.HotWalletSecret, cfg.SystemWalletAddress, cfg.NetworkPassphrase, cfg.CngnIssuer)
	offrampCfg.PollInterval = time.Duration(cfg.OfframpPollIntervalSeconds) * time.Second
	offrampCfg.BatchSize = cfg.OfframpBatchSize
	offrampCfg.RetryTimeout = time.Duration(cfg.OfframpRetryTimeoutHours) * time.Hour
	offrampWorker := offramp.New(store, stellar, signer, providers, sink, offrampCfg, log)

	monitorCfg := monitor.DefaultConfig(cfg.CngnIssuer, cfg.SystemWalletAddress)
	monitorCfg.PollInterval = time.Duration(cfg.MonitorPollIntervalSeconds) * time.Second
	monitorCfg.PendingTimeout = time.Duration(cfg.MonitorPendingTimeoutSecs) * time.Second
	monitorCfg.MaxRetries = cfg.MonitorMaxRetries
	monitorCfg.PendingBatchSize = cfg.MonitorBatchSize
	mon := monitor.New(store, stellar, kv, sink, monitorCfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runWorker(ctx, log, "offramp", offrampWorker.Run)
	go runWorker(ctx, log, "monitor", mon.Run)
	go runWebhookRetrySweep(ctx, log, webhookProc, time.Duration(cfg.WebhookRetryIntervalSeconds)*time.Second)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: corsMiddleware(newRouter(routerDeps{
			rateEngine:   rateEngine,
			feeCalc:      feeCalc,
			onramp:       onrampSvc,
			orchestrator: orch,
			repo:         store,
			webhook:      webhookProc,
			log:          log,
		})),
	}

	go func() {
		log.WithField("addr", server.Addr).Info("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("error during server shutdown")
	}
}

func buildProviders(cfg Config, log *logrus.Logger) map[string]rampcore.PaymentProvider {
	providers := make(map[string]rampcore.PaymentProvider)

	if cfg.PaystackSecretKey != "" {
		p, err := payments.NewPaystackProvider(payments.PaystackConfig{
			SecretKey:     cfg.PaystackSecretKey,
			WebhookSecret: cfg.PaystackWebhookSecret,
			Timeout:       cfg.ProviderTimeout,
			MaxRetries:    cfg.ProviderMaxRetries,
		})
		if err != nil {
			log.WithError(err).Warn("failed to configure paystack provider")
		} else {
			providers["paystack"] = p
		}
	}

	if cfg.FlutterwaveSecretKey != "" {
		p, err := payments.NewFlutterwaveProvider(payments.FlutterwaveConfig{
			SecretKey:     cfg.FlutterwaveSecretKey,
			WebhookSecret: cfg.FlutterwaveWebhookSecret,
			Timeout:       cfg.ProviderTimeout,
			MaxRetries:    cfg.ProviderMaxRetries,
		})
		if err != nil {
			log.WithError(err).Warn("failed to configure flutterwave provider")
		} else {
			providers["flutterwave"] = p
		}
	}

	return providers
}

// runWorker runs a Run(ctx) error loop, logging and exiting quietly on
// context cancellation and logging and returning on any other error.
func runWorker(ctx context.Context, log *logrus.Logger, name string, run func(context.Context) error) {
	log.WithField("worker", name).Info("starting worker")
	if err := run(ctx); err != nil && ctx.Err() == nil {
		log.WithField("worker", name).WithError(err).Error("worker stopped unexpectedly")
	}
}

func runWebhookRetrySweep(ctx context.Context, log *logrus.Logger, proc *webhook.Processor, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := proc.RetryPending(ctx); err != nil {
				log.WithError(err).Warn("webhook retry sweep failed")
			} else if n > 0 {
				log.WithField("count", n).Info("retried pending webhooks")
			}
		}
	}
}
