// Package fees composes provider, platform, and Stellar network fees into a
// single breakdown for a transaction amount, using cached fee-tier lookups
// backed by rampcore.Repository.
package fees

import (
	"context"
	"sync"
	"time"

	"github.com/cngnramp/backend"
	"github.com/shopspring/decimal"
)

const (
	hundred           = 100
	stellarBaseFeeXLM = "0.00001"
	defaultXLMRateNGN = "1500"
	xlmRateTTL        = 5 * time.Minute
)

// ProviderFee is the portion of the breakdown charged by the payment
// provider for processing the transaction.
type ProviderFee struct {
	Name       string
	Method     string
	Percent    decimal.Decimal
	Flat       decimal.Decimal
	Cap        *decimal.Decimal
	Calculated decimal.Decimal
}

// PlatformFee is the portion of the breakdown retained by the platform.
type PlatformFee struct {
	Percent    decimal.Decimal
	Calculated decimal.Decimal
}

// StellarFee is the network fee for the on-chain leg. It is currently
// always absorbed by the platform rather than passed to the customer.
type StellarFee struct {
	XLM      decimal.Decimal
	NGN      decimal.Decimal
	Absorbed bool
}

// Breakdown is the full composed fee result for one calculation.
type Breakdown struct {
	Amount        decimal.Decimal
	Currency      string
	Provider      *ProviderFee
	Platform      PlatformFee
	Stellar       StellarFee
	Total         decimal.Decimal
	NetAmount     decimal.Decimal
	EffectiveRate decimal.Decimal
	MatchedTierID int64
}

// XLMRateSource supplies the current XLM/NGN rate used to convert the
// Stellar network fee into NGN for display purposes. In production this is
// backed by an external price feed; Calculator caches whatever it returns.
type XLMRateSource interface {
	XLMToNGN(ctx context.Context) (decimal.Decimal, error)
}

type cachedRate struct {
	rate      decimal.Decimal
	fetchedAt time.Time
}

// Calculator composes tiered fee configuration with live amounts into a
// Breakdown, caching tier lookups in memory to avoid a repository round
// trip on every calculation.
type Calculator struct {
	repo      rampcore.Repository
	rateSrc   XLMRateSource
	tierCache sync.Map // cache key -> []*rampcore.FeeTier
	rateMu    sync.RWMutex
	rateCache *cachedRate
}

// New creates a Calculator. rateSrc may be nil, in which case a fixed
// defaultXLMRateNGN is used for the Stellar fee's NGN-equivalent display.
func New(repo rampcore.Repository, rateSrc XLMRateSource) *Calculator {
	return &Calculator{repo: repo, rateSrc: rateSrc}
}

func tierCacheKey(txType rampcore.TransactionType, provider, method string) string {
	if provider == "" {
		provider = "default"
	}
	if method == "" {
		method = "default"
	}
	return string(txType) + ":" + provider + ":" + method
}

// Calculate composes a full fee breakdown for amount against the tier
// matching transaction type, provider, and payment method. Calculate always
// succeeds with a zero-fee breakdown when no tier matches; a repository
// failure is returned as-is.
func (c *Calculator) Calculate(ctx context.Context, txType rampcore.TransactionType, amount decimal.Decimal, provider, method string) (*Breakdown, error) {
	tier, err := c.matchingTier(ctx, txType, amount, provider, method)
	if err != nil {
		return nil, err
	}

	var providerFee *ProviderFee
	var platformFee PlatformFee
	var matchedID int64

	if tier != nil {
		matchedID = tier.ID
		providerFee = calculateProviderFee(amount, tier, provider, method)
		platformFee = calculatePlatformFee(amount, tier)
	}

	stellarFee := c.calculateStellarFee(ctx)

	total := platformFee.Calculated.Add(stellarFee.NGN)
	if providerFee != nil {
		total = total.Add(providerFee.Calculated)
	}

	netAmount := amount.Sub(total)
	effectiveRate := decimal.Zero
	if amount.GreaterThan(decimal.Zero) {
		effectiveRate = total.Div(amount).Mul(decimal.NewFromInt(hundred))
	}

	return &Breakdown{
		Amount:        amount,
		Currency:      "NGN",
		Provider:      providerFee,
		Platform:      platformFee,
		Stellar:       stellarFee,
		Total:         total,
		NetAmount:     netAmount,
		EffectiveRate: effectiveRate,
		MatchedTierID: matchedID,
	}, nil
}

// EstimateRange reports the cheapest and most expensive total fee across
// the known providers for amount, for display before a provider is chosen.
func (c *Calculator) EstimateRange(ctx context.Context, txType rampcore.TransactionType, amount decimal.Decimal) (min, max decimal.Decimal, err error) {
	providers := []string{"flutterwave", "paystack"}
	for i, provider := range providers {
		breakdown, err := c.Calculate(ctx, txType, amount, provider, "card")
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		if i == 0 || breakdown.Total.LessThan(min) {
			min = breakdown.Total
		}
		if i == 0 || breakdown.Total.GreaterThan(max) {
			max = breakdown.Total
		}
	}
	return min, max, nil
}

func (c *Calculator) matchingTier(ctx context.Context, txType rampcore.TransactionType, amount decimal.Decimal, provider, method string) (*rampcore.FeeTier, error) {
	key := tierCacheKey(txType, provider, method)

	if cached, ok := c.tierCache.Load(key); ok {
		tiers := cached.([]*rampcore.FeeTier)
		if tier := firstInRange(tiers, amount); tier != nil {
			return tier, nil
		}
	}

	tiers, err := c.repo.ListFeeTiers(ctx, txType, provider, method)
	if err != nil {
		return nil, err
	}
	c.tierCache.Store(key, tiers)

	return firstInRange(tiers, amount), nil
}

func firstInRange(tiers []*rampcore.FeeTier, amount decimal.Decimal) *rampcore.FeeTier {
	for _, tier := range tiers {
		if amountInRange(amount, tier) {
			return tier
		}
	}
	return nil
}

func amountInRange(amount decimal.Decimal, tier *rampcore.FeeTier) bool {
	aboveMin := amount.GreaterThanOrEqual(tier.MinAmount)
	belowMax := tier.MaxAmount == nil || amount.LessThanOrEqual(*tier.MaxAmount)
	return aboveMin && belowMax
}

// InvalidateCache drops all cached tier lookups, forcing the next
// Calculate call to re-query the repository. Call after editing fee tiers.
func (c *Calculator) InvalidateCache() {
	c.tierCache.Range(func(key, _ any) bool {
		c.tierCache.Delete(key)
		return true
	})
}

func calculateProviderFee(amount decimal.Decimal, tier *rampcore.FeeTier, provider, method string) *ProviderFee {
	if provider == "" {
		provider = "unknown"
	}
	if method == "" {
		method = "unknown"
	}

	calculated := amount.Mul(tier.ProviderFeePercent).Div(decimal.NewFromInt(hundred)).Add(tier.ProviderFeeFlat)
	if tier.ProviderFeeCap != nil && calculated.GreaterThan(*tier.ProviderFeeCap) {
		calculated = *tier.ProviderFeeCap
	}

	return &ProviderFee{
		Name:       provider,
		Method:     method,
		Percent:    tier.ProviderFeePercent,
		Flat:       tier.ProviderFeeFlat,
		Cap:        tier.ProviderFeeCap,
		Calculated: calculated,
	}
}

func calculatePlatformFee(amount decimal.Decimal, tier *rampcore.FeeTier) PlatformFee {
	calculated := amount.Mul(tier.PlatformFeePercent).Div(decimal.NewFromInt(hundred))
	return PlatformFee{Percent: tier.PlatformFeePercent, Calculated: calculated}
}

// calculateStellarFee reports the fixed Stellar base fee. The NGN-equivalent
// is computed from the current XLM rate for display only; it is always
// absorbed by the platform rather than added to the customer's total.
func (c *Calculator) calculateStellarFee(ctx context.Context) StellarFee {
	xlmFee, _ := decimal.NewFromString(stellarBaseFeeXLM)
	_ = c.xlmRateNGN(ctx) // informational only: the fee is absorbed, never billed
	return StellarFee{
		XLM:      xlmFee,
		NGN:      decimal.Zero,
		Absorbed: true,
	}
}

func (c *Calculator) xlmRateNGN(ctx context.Context) decimal.Decimal {
	c.rateMu.RLock()
	if c.rateCache != nil && time.Since(c.rateCache.fetchedAt) < xlmRateTTL {
		rate := c.rateCache.rate
		c.rateMu.RUnlock()
		return rate
	}
	c.rateMu.RUnlock()

	fallback, _ := decimal.NewFromString(defaultXLMRateNGN)
	if c.rateSrc == nil {
		return fallback
	}

	rate, err := c.rateSrc.XLMToNGN(ctx)
	if err != nil {
		return fallback
	}

	c.rateMu.Lock()
	c.rateCache = &cachedRate{rate: rate, fetchedAt: time.Now()}
	c.rateMu.Unlock()
	return rate
}
