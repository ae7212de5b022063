// Package rates manages exchange rates between currencies, with a
// best-effort cache in front of durable history, and the fixed-peg
// validation that guards the NGN/cNGN pair.
package rates

import (
	"context"
	"time"

	"github.com/cngnramp/backend"
	"github.com/cngnramp/backend/apperror"
	"github.com/shopspring/decimal"
)

const (
	defaultCacheTTL    = 60 * time.Second
	defaultRateExpiry  = 5 * time.Minute
	pegDeviationString = "0.0001"
)

// Config tunes Engine behavior.
type Config struct {
	CacheTTL         time.Duration
	RateExpiry       time.Duration
	EnableValidation bool
	MaxPegDeviation  decimal.Decimal
}

// DefaultConfig returns sane defaults: a short cache TTL, a five minute
// quote expiry, and peg validation turned on.
func DefaultConfig() Config {
	dev, _ := decimal.NewFromString(pegDeviationString)
	return Config{
		CacheTTL:         defaultCacheTTL,
		RateExpiry:       defaultRateExpiry,
		EnableValidation: true,
		MaxPegDeviation:  dev,
	}
}

// Conversion is the result of applying a rate and fee breakdown to an
// amount, with an expiry the caller must honor before settling on it.
type Conversion struct {
	FromCurrency string
	ToCurrency   string
	FromAmount   decimal.Decimal
	Rate         decimal.Decimal
	GrossAmount  decimal.Decimal
	ProviderFee  decimal.Decimal
	PlatformFee  decimal.Decimal
	TotalFees    decimal.Decimal
	NetAmount    decimal.Decimal
	ExpiresAt    time.Time
}

// FeeQuoter supplies provider and platform fees for a conversion's gross
// amount. Engine works without one (zero fees) for pairs that don't need a
// fee overlay, such as the fixed cNGN/NGN peg.
type FeeQuoter interface {
	ProviderFee(ctx context.Context, amount decimal.Decimal, toCurrency string) (decimal.Decimal, error)
	PlatformFee(ctx context.Context, amount decimal.Decimal, toCurrency string) (decimal.Decimal, error)
}

// Engine composes a cache, durable history, and an optional fee quoter into
// rate lookups and validated updates.
type Engine struct {
	repo   rampcore.Repository
	cache  rampcore.KVStore
	quoter FeeQuoter
	config Config
}

// New creates an Engine. cache and quoter may be nil: a nil cache disables
// caching (every GetRate call hits the repository); a nil quoter yields
// zero fees in CalculateConversion.
func New(repo rampcore.Repository, cache rampcore.KVStore, quoter FeeQuoter, config Config) *Engine {
	return &Engine{repo: repo, cache: cache, quoter: quoter, config: config}
}

func cacheKey(from, to string) string {
	return "rate:" + from + ":" + to
}

// GetRate returns the current rate for from -> to, preferring a cached
// value and falling back to the repository's latest recorded rate.
func (e *Engine) GetRate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if e.cache != nil {
		if raw, ok, err := e.cache.Get(ctx, cacheKey(from, to)); err == nil && ok {
			if rate, parseErr := decimal.NewFromString(raw); parseErr == nil {
				return rate, nil
			}
		}
	}

	rate, err := e.repo.GetLatestRate(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}

	if e.cache != nil {
		_ = e.cache.Set(ctx, cacheKey(from, to), rate.Rate.String(), e.config.CacheTTL)
	}

	return rate.Rate, nil
}

// UpdateRate validates and records a new rate, invalidating any cached
// value for the pair.
func (e *Engine) UpdateRate(ctx context.Context, from, to string, rate decimal.Decimal, source string) error {
	if e.config.EnableValidation {
		if err := e.validateRate(from, to, rate); err != nil {
			return err
		}
	}

	if err := e.repo.UpsertRate(ctx, &rampcore.ExchangeRate{
		FromCurrency: from,
		ToCurrency:   to,
		Rate:         rate,
		Source:       source,
		RecordedAt:   time.Now(),
	}); err != nil {
		return err
	}

	if e.cache != nil {
		_ = e.cache.Delete(ctx, cacheKey(from, to))
	}
	return nil
}

// InvalidateCache drops any cached rate for the pair without touching
// recorded history.
func (e *Engine) InvalidateCache(ctx context.Context, from, to string) error {
	if e.cache == nil {
		return nil
	}
	return e.cache.Delete(ctx, cacheKey(from, to))
}

// CalculateConversion applies the current rate and any configured fee
// quoter to amount, returning a Conversion that expires after
// Config.RateExpiry.
func (e *Engine) CalculateConversion(ctx context.Context, from, to string, amount decimal.Decimal) (*Conversion, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, apperror.Validation(apperror.InvalidAmount, "amount must be positive", nil)
	}

	rate, err := e.GetRate(ctx, from, to)
	if err != nil {
		return nil, err
	}

	gross := amount.Mul(rate)

	providerFee := decimal.Zero
	platformFee := decimal.Zero
	if e.quoter != nil {
		if providerFee, err = e.quoter.ProviderFee(ctx, gross, to); err != nil {
			providerFee = decimal.Zero
		}
		if platformFee, err = e.quoter.PlatformFee(ctx, gross, to); err != nil {
			platformFee = decimal.Zero
		}
	}

	totalFees := providerFee.Add(platformFee)
	netAmount := gross.Sub(totalFees)

	return &Conversion{
		FromCurrency: from,
		ToCurrency:   to,
		FromAmount:   amount,
		Rate:         rate,
		GrossAmount:  gross,
		ProviderFee:  providerFee,
		PlatformFee:  platformFee,
		TotalFees:    totalFees,
		NetAmount:    netAmount,
		ExpiresAt:    time.Now().Add(e.config.RateExpiry),
	}, nil
}

// validateRate enforces the fixed-peg constraint on NGN/cNGN and rejects
// non-positive rates outright.
func (e *Engine) validateRate(from, to string, rate decimal.Decimal) error {
	if isPeggedPair(from, to) {
		one := decimal.NewFromInt(1)
		deviation := rate.Sub(one).Abs()
		if deviation.GreaterThan(e.config.MaxPegDeviation) {
			return apperror.Validation(apperror.OutOfRange,
				"cNGN/NGN rate must be 1.0 within the configured peg deviation, got "+rate.String(), nil)
		}
	}

	if rate.LessThanOrEqual(decimal.Zero) {
		return apperror.Validation(apperror.InvalidAmount, "rate must be positive", nil)
	}
	return nil
}

func isPeggedPair(from, to string) bool {
	return (from == "NGN" && to == "cNGN") || (from == "cNGN" && to == "NGN")
}
