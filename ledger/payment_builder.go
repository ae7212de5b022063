package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/cngnramp/backend"
	"github.com/cngnramp/backend/apperror"
	"github.com/shopspring/decimal"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"
)

const maxAssetCodeLen = 12

// PaymentOperation is one outgoing payment queued on a PaymentBuilder.
type PaymentOperation struct {
	Destination string
	Amount      decimal.Decimal
	AssetCode   string
	AssetIssuer string
}

// PaymentBuilder accumulates payment operations, a memo, and source-account
// context, then produces a signed base64 XDR envelope ready for
// StellarClient.SubmitTransactionXDR.
type PaymentBuilder struct {
	client        rampcore.StellarClient
	networkPassphrase string
	sourceAccount string
	operations    []PaymentOperation
	memo          txnbuild.Memo
	baseFee       int64
}

// NewPaymentBuilder creates a builder bound to a ledger client and network.
func NewPaymentBuilder(client rampcore.StellarClient, networkPassphrase string) *PaymentBuilder {
	return &PaymentBuilder{client: client, networkPassphrase: networkPassphrase, baseFee: txnbuild.MinBaseFee}
}

// WithSourceAccount sets the account whose sequence number funds the transaction.
func (b *PaymentBuilder) WithSourceAccount(account string) *PaymentBuilder {
	b.sourceAccount = account
	return b
}

// WithBaseFee overrides the per-operation base fee in stroops.
func (b *PaymentBuilder) WithBaseFee(stroops int64) *PaymentBuilder {
	b.baseFee = stroops
	return b
}

// AddPaymentOp validates and queues a payment operation. It requires the
// destination to already hold a trustline for non-native assets: Stellar
// payments to an account without one fail on submission, and surfacing that
// failure before signing saves a wasted round trip.
func (b *PaymentBuilder) AddPaymentOp(ctx context.Context, destination string, amount decimal.Decimal, assetCode, issuer string) error {
	if !strkey.IsValidEd25519PublicKey(destination) {
		return apperror.Validation(apperror.InvalidWalletAddress, fmt.Sprintf("invalid destination address: %s", destination), nil)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return apperror.Validation(apperror.InvalidAmount, fmt.Sprintf("amount must be positive, got %s", amount), nil)
	}
	if assetCode == "" || len(assetCode) > maxAssetCodeLen {
		return apperror.Validation(apperror.InvalidCurrency, fmt.Sprintf("asset code must be 1-%d characters, got %q", maxAssetCodeLen, assetCode), nil)
	}

	isNative := strings.EqualFold(assetCode, "XLM")
	if !isNative {
		if !strkey.IsValidEd25519PublicKey(issuer) {
			return apperror.Validation(apperror.InvalidCurrency, fmt.Sprintf("invalid asset issuer: %s", issuer), nil)
		}
		status, err := b.client.CheckTrustline(ctx, destination, assetCode, issuer)
		if err != nil {
			return err
		}
		if !status.Exists {
			return apperror.Domain(apperror.TrustlineRequired, fmt.Sprintf("destination %s has no trustline for %s", destination, assetCode), nil)
		}
	}

	b.operations = append(b.operations, PaymentOperation{
		Destination: destination, Amount: amount, AssetCode: assetCode, AssetIssuer: issuer,
	})
	return nil
}

// AddTextMemo attaches a text memo (max 28 bytes per the protocol).
func (b *PaymentBuilder) AddTextMemo(value string) error {
	if len(value) > 28 {
		return apperror.Validation(apperror.InvalidAmount, fmt.Sprintf("text memo cannot exceed 28 bytes, got %d", len(value)), nil)
	}
	b.memo = txnbuild.MemoText(value)
	return nil
}

// BuildAndSign fetches the current sequence number, assembles the
// transaction, and signs it with signer. It returns the signed envelope as
// base64 XDR.
func (b *PaymentBuilder) BuildAndSign(ctx context.Context, signer rampcore.Signer) (string, error) {
	if len(b.operations) == 0 {
		return "", apperror.Validation(apperror.MissingField, "cannot build a transaction with no payment operations", nil)
	}
	if b.sourceAccount == "" {
		return "", apperror.Validation(apperror.MissingField, "source account is required", nil)
	}

	account, err := b.client.GetAccount(ctx, b.sourceAccount)
	if err != nil {
		return "", err
	}

	ops := make([]txnbuild.Operation, len(b.operations))
	for i, op := range b.operations {
		var asset txnbuild.Asset = txnbuild.NativeAsset{}
		if !strings.EqualFold(op.AssetCode, "XLM") {
			asset = txnbuild.CreditAsset{Code: op.AssetCode, Issuer: op.AssetIssuer}
		}
		ops[i] = &txnbuild.Payment{
			Destination: op.Destination,
			Amount:      op.Amount.String(),
			Asset:       asset,
		}
	}

	params := txnbuild.TransactionParams{
		SourceAccount: &txnbuild.SimpleAccount{
			AccountID: account.AccountID,
			Sequence:  mustParseSequence(account.Sequence),
		},
		IncrementSequenceNum: true,
		Operations:           ops,
		BaseFee:               b.baseFee,
		Preconditions:         txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(300)},
	}
	if b.memo != nil {
		params.Memo = b.memo
	}

	tx, err := txnbuild.NewTransaction(params)
	if err != nil {
		return "", apperror.External(apperror.BlockchainError, "failed to build transaction", err, false)
	}

	envelope, err := tx.Base64()
	if err != nil {
		return "", apperror.External(apperror.BlockchainError, "failed to encode transaction envelope", err, false)
	}

	signed, err := signer.SignTransaction(ctx, envelope, b.networkPassphrase)
	if err != nil {
		return "", apperror.External(apperror.BlockchainError, "failed to sign transaction", err, false)
	}
	return signed, nil
}

func mustParseSequence(seq string) int64 {
	var n int64
	_, _ = fmt.Sscanf(seq, "%d", &n)
	return n
}
