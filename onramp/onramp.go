// Package onramp turns an NGN amount and a destination wallet into a
// time-boxed quote: a rate snapshot, a fee split, a liquidity check against
// the cNGN distribution account, and a trustline signal the caller can act
// on before the customer pays.
package onramp

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cngnramp/backend"
	"github.com/cngnramp/backend/apperror"
	"github.com/cngnramp/backend/fees"
	"github.com/cngnramp/backend/rates"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stellar/go/strkey"
)

const (
	defaultQuoteTTL = 180 * time.Second
	cngnAssetCode   = "cNGN"
	ngnAssetCode    = "NGN"
)

// Config tunes Service behavior.
type Config struct {
	MinAmountNGN          decimal.Decimal
	QuoteTTL              time.Duration
	LiquidityCheckEnabled bool
	CngnIssuer            string
	DistributionAccount   string // defaults to CngnIssuer when empty
}

// DefaultConfig returns a ₦1,000 floor, a three minute quote lifetime, and
// liquidity checking on.
func DefaultConfig(cngnIssuer string) Config {
	return Config{
		MinAmountNGN:          decimal.NewFromInt(1000),
		QuoteTTL:              defaultQuoteTTL,
		LiquidityCheckEnabled: true,
		CngnIssuer:            cngnIssuer,
		DistributionAccount:   cngnIssuer,
	}
}

// QuoteRequest is the inbound request to create a quote.
type QuoteRequest struct {
	AmountNGN     decimal.Decimal
	WalletAddress string
	Provider      string
	Chain         string // defaults to "stellar"
}

// StoredQuote is the record held in the KV store for the quote's lifetime.
type StoredQuote struct {
	QuoteID        string `json:"quote_id"`
	WalletAddress  string `json:"wallet_address"`
	AmountNGN      string `json:"amount_ngn"`
	AmountCNGN     string `json:"amount_cngn"`
	RateSnapshot   string `json:"rate_snapshot"`
	PlatformFeeNGN string `json:"platform_fee_ngn"`
	ProviderFeeNGN string `json:"provider_fee_ngn"`
	TotalFeeNGN    string `json:"total_fee_ngn"`
	Provider       string `json:"provider"`
	Chain          string `json:"chain"`
	CreatedAt      string `json:"created_at"`
	ExpiresAt      string `json:"expires_at"`
	Status         string `json:"status"`
}

// QuoteResponse is what CreateQuote returns to the caller.
type QuoteResponse struct {
	QuoteID           string
	ExpiresAt         time.Time
	ExpiresInSeconds  int
	Input             QuoteInput
	Fees              QuoteFees
	Output            QuoteOutput
	TrustlineRequired bool
}

type QuoteInput struct {
	AmountNGN decimal.Decimal
	Provider  string
}

type QuoteFees struct {
	PlatformFeeNGN decimal.Decimal
	ProviderFeeNGN decimal.Decimal
	TotalFeeNGN    decimal.Decimal
}

type QuoteOutput struct {
	AmountNGNAfterFees decimal.Decimal
	Rate               decimal.Decimal
	AmountCNGN         decimal.Decimal
	Chain              string
}

// Service creates and looks up onramp quotes.
type Service struct {
	rateEngine *rates.Engine
	feeCalc    *fees.Calculator
	stellar    rampcore.StellarClient
	cache      rampcore.KVStore
	config     Config
}

// New builds a Service. stellar and cache are required; a nil stellar client
// makes liquidity/trustline checks impossible, so callers must supply one
// whenever Config.LiquidityCheckEnabled is true.
func New(rateEngine *rates.Engine, feeCalc *fees.Calculator, stellar rampcore.StellarClient, cache rampcore.KVStore, config Config) *Service {
	return &Service{rateEngine: rateEngine, feeCalc: feeCalc, stellar: stellar, cache: cache, config: config}
}

func quoteCacheKey(quoteID string) string {
	return "quote:" + quoteID
}

// CreateQuote validates the request, snapshots a rate and fee split, runs
// the optional liquidity check, and persists a time-boxed quote.
func (s *Service) CreateQuote(ctx context.Context, req QuoteRequest) (*QuoteResponse, error) {
	walletAddress := strings.TrimSpace(req.WalletAddress)
	if walletAddress == "" {
		return nil, apperror.Validation(apperror.MissingField, "wallet_address is required", nil)
	}
	if !strkey.IsValidEd25519PublicKey(walletAddress) {
		return nil, apperror.Validation(apperror.InvalidWalletAddress, "stellar wallet address is invalid or does not exist", nil)
	}

	provider := strings.TrimSpace(req.Provider)
	if provider == "" {
		return nil, apperror.Validation(apperror.MissingField, "provider is required", nil)
	}

	if req.AmountNGN.LessThan(s.config.MinAmountNGN) {
		return nil, apperror.Domain(apperror.AmountTooLow,
			"amount "+req.AmountNGN.String()+" is below the minimum onramp amount of "+s.config.MinAmountNGN.String(), nil)
	}

	chain := req.Chain
	if chain == "" {
		chain = "stellar"
	}

	rate, err := s.rateEngine.GetRate(ctx, ngnAssetCode, cngnAssetCode)
	if err != nil {
		return nil, err
	}

	providerFee, platformFee, err := s.quoteFees(ctx, req.AmountNGN, provider)
	if err != nil {
		return nil, err
	}
	totalFee := providerFee.Add(platformFee)
	amountAfterFees := req.AmountNGN.Sub(totalFee)
	amountCNGN := amountAfterFees.Mul(rate)

	if s.config.LiquidityCheckEnabled {
		if err := s.checkLiquidity(ctx, amountCNGN); err != nil {
			return nil, err
		}
	}

	trustlineRequired := true
	if s.stellar != nil {
		status, err := s.stellar.CheckTrustline(ctx, walletAddress, cngnAssetCode, s.config.CngnIssuer)
		if err != nil {
			return nil, err
		}
		trustlineRequired = !status.Exists
	}

	quoteID := "q_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	now := time.Now()
	expiresAt := now.Add(s.config.QuoteTTL)

	stored := StoredQuote{
		QuoteID:        quoteID,
		WalletAddress:  walletAddress,
		AmountNGN:      req.AmountNGN.String(),
		AmountCNGN:     amountCNGN.String(),
		RateSnapshot:   rate.String(),
		PlatformFeeNGN: platformFee.String(),
		ProviderFeeNGN: providerFee.String(),
		TotalFeeNGN:    totalFee.String(),
		Provider:       provider,
		Chain:          chain,
		CreatedAt:      now.Format(time.RFC3339),
		ExpiresAt:      expiresAt.Format(time.RFC3339),
		Status:         "pending",
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return nil, apperror.Infrastructure(apperror.ConfigurationError, "failed to encode quote", err, false)
	}
	if err := s.cache.Set(ctx, quoteCacheKey(quoteID), string(raw), s.config.QuoteTTL); err != nil {
		return nil, apperror.Infrastructure(apperror.CacheError, "failed to store quote", err, true)
	}

	return &QuoteResponse{
		QuoteID:          quoteID,
		ExpiresAt:        expiresAt,
		ExpiresInSeconds: int(s.config.QuoteTTL.Seconds()),
		Input:            QuoteInput{AmountNGN: req.AmountNGN, Provider: provider},
		Fees: QuoteFees{
			PlatformFeeNGN: platformFee,
			ProviderFeeNGN: providerFee,
			TotalFeeNGN:    totalFee,
		},
		Output: QuoteOutput{
			AmountNGNAfterFees: amountAfterFees,
			Rate:               rate,
			AmountCNGN:         amountCNGN,
			Chain:              chain,
		},
		TrustlineRequired: trustlineRequired,
	}, nil
}

// GetQuote looks up a previously created quote by id. A missing or expired
// quote surfaces as a not-found domain error, since the KV TTL is the only
// record of a quote's lifetime.
func (s *Service) GetQuote(ctx context.Context, quoteID string) (*StoredQuote, error) {
	raw, ok, err := s.cache.Get(ctx, quoteCacheKey(quoteID))
	if err != nil {
		return nil, apperror.Infrastructure(apperror.CacheError, "failed to read quote", err, true)
	}
	if !ok {
		return nil, apperror.Domain(apperror.TransactionNotFound, "quote not found or expired", nil)
	}

	var stored StoredQuote
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, apperror.Infrastructure(apperror.ConfigurationError, "failed to decode stored quote", err, false)
	}
	return &stored, nil
}

// quoteFees asks the fee engine for a provider-specific split first; if no
// tier matches (a zero split) it falls back to the provider-agnostic
// wildcard tier, splitting the result 20/80 platform/provider the way a
// single catch-all "onramp" tier is split when no provider- or
// method-specific row exists.
func (s *Service) quoteFees(ctx context.Context, amount decimal.Decimal, provider string) (providerFee, platformFee decimal.Decimal, err error) {
	breakdown, err := s.feeCalc.Calculate(ctx, rampcore.TransactionOnramp, amount, provider, "")
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if breakdown.Provider != nil && !breakdown.Provider.Calculated.IsZero() {
		return breakdown.Provider.Calculated, breakdown.Platform.Calculated, nil
	}

	fallback, err := s.feeCalc.Calculate(ctx, rampcore.TransactionOnramp, amount, "", "")
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if fallback.Provider == nil || fallback.Total.IsZero() {
		return decimal.Zero, decimal.Zero, nil
	}
	platform := fallback.Total.Mul(decimal.NewFromFloat(0.2))
	provider20_80 := fallback.Total.Sub(platform)
	return provider20_80, platform, nil
}

func (s *Service) checkLiquidity(ctx context.Context, amountCNGN decimal.Decimal) error {
	if s.stellar == nil {
		return nil
	}
	account, err := s.stellar.GetAccount(ctx, s.config.DistributionAccount)
	if err != nil {
		return apperror.External(apperror.BlockchainError, "liquidity check failed: could not fetch distribution account", err, true)
	}

	available := decimal.Zero
	for _, b := range account.Balances {
		if b.AssetCode == cngnAssetCode && b.AssetIssuer == s.config.CngnIssuer {
			available = b.Balance
			break
		}
	}

	if available.LessThan(amountCNGN) {
		return apperror.Domain(apperror.InsufficientLiquidity,
			"distribution account holds "+available.String()+" cNGN, need "+amountCNGN.String(), nil)
	}
	return nil
}
