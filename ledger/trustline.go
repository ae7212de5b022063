package ledger

import (
	"context"
	"fmt"

	"github.com/cngnramp/backend"
	"github.com/cngnramp/backend/apperror"
	"github.com/shopspring/decimal"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"
)

const (
	baseReserveXLM      = 0.5
	trustlineReserveXLM = 0.5
	feeBufferXLM        = 0.5
)

// TrustlinePreflight reports whether account_id holds enough XLM to fund a
// new trustline's base reserve, its own reserve, and a fee buffer.
type TrustlinePreflight struct {
	AccountID      string
	CanCreate      bool
	AvailableXLM   decimal.Decimal
	RequiredXLM    decimal.Decimal
	Reason         string
}

// TrustlineManager builds and submits ChangeTrust operations for the cNGN asset.
type TrustlineManager struct {
	client    rampcore.StellarClient
	assetCode string
	issuer    string
	networkPassphrase string
}

// NewTrustlineManager creates a manager scoped to one asset/issuer pair.
func NewTrustlineManager(client rampcore.StellarClient, assetCode, issuer, networkPassphrase string) *TrustlineManager {
	return &TrustlineManager{client: client, assetCode: assetCode, issuer: issuer, networkPassphrase: networkPassphrase}
}

// AssetCode returns the managed asset code.
func (m *TrustlineManager) AssetCode() string { return m.assetCode }

// Issuer returns the managed asset's issuer address.
func (m *TrustlineManager) Issuer() string { return m.issuer }

// CheckTrustline reports whether account_id already trusts the managed asset.
func (m *TrustlineManager) CheckTrustline(ctx context.Context, accountID string) (*rampcore.TrustlineStatus, error) {
	if !strkey.IsValidEd25519PublicKey(accountID) {
		return nil, apperror.Validation(apperror.InvalidWalletAddress, fmt.Sprintf("invalid account address: %s", accountID), nil)
	}
	return m.client.CheckTrustline(ctx, accountID, m.assetCode, m.issuer)
}

// PreflightTrustlineCreation checks whether account_id can afford the
// reserve increase a new trustline requires: two base reserves for the
// account itself, one trustline reserve per existing subentry, one more for
// the trustline being created, and a small fee buffer.
func (m *TrustlineManager) PreflightTrustlineCreation(ctx context.Context, accountID string) (*TrustlinePreflight, error) {
	account, err := m.client.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	available := decimal.Zero
	for _, b := range account.Balances {
		if b.AssetCode == "XLM" {
			available = b.Balance
			break
		}
	}

	required := decimal.NewFromFloat(baseReserveXLM * 2).
		Add(decimal.NewFromInt(int64(account.SubentryCount)).Mul(decimal.NewFromFloat(trustlineReserveXLM))).
		Add(decimal.NewFromFloat(trustlineReserveXLM)).
		Add(decimal.NewFromFloat(feeBufferXLM))

	canCreate := available.GreaterThanOrEqual(required)
	pre := &TrustlinePreflight{
		AccountID: accountID, CanCreate: canCreate,
		AvailableXLM: available, RequiredXLM: required,
	}
	if !canCreate {
		pre.Reason = fmt.Sprintf("insufficient XLM for trustline reserve/fees: need at least %s XLM, have %s", required.StringFixed(7), available.StringFixed(7))
	}
	return pre, nil
}

// BuildCreateTrustlineTransaction assembles an unsigned ChangeTrust envelope
// for the caller to sign. limit of zero means the maximum trust limit.
func (m *TrustlineManager) BuildCreateTrustlineTransaction(ctx context.Context, accountID string, limit decimal.Decimal) (string, error) {
	if !strkey.IsValidEd25519PublicKey(accountID) {
		return "", apperror.Validation(apperror.InvalidWalletAddress, fmt.Sprintf("invalid account address: %s", accountID), nil)
	}

	status, err := m.CheckTrustline(ctx, accountID)
	if err != nil {
		return "", err
	}
	if status.Exists {
		return "", apperror.Domain(apperror.TrustlineCreationFailed, fmt.Sprintf("account %s already trusts %s", accountID, m.assetCode), nil)
	}

	preflight, err := m.PreflightTrustlineCreation(ctx, accountID)
	if err != nil {
		return "", err
	}
	if !preflight.CanCreate {
		return "", apperror.Domain(apperror.TrustlineCreationFailed, preflight.Reason, nil)
	}

	account, err := m.client.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}

	changeTrust := &txnbuild.ChangeTrust{
		Line: txnbuild.CreditAsset{Code: m.assetCode, Issuer: m.issuer},
	}
	if !limit.IsZero() {
		changeTrust.Limit = limit.String()
	}

	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount: &txnbuild.SimpleAccount{
			AccountID: account.AccountID,
			Sequence:  mustParseSequence(account.Sequence),
		},
		IncrementSequenceNum: true,
		Operations:           []txnbuild.Operation{changeTrust},
		BaseFee:               txnbuild.MinBaseFee,
		Preconditions:         txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(300)},
	})
	if err != nil {
		return "", apperror.External(apperror.BlockchainError, "failed to build trustline transaction", err, false)
	}

	envelope, err := tx.Base64()
	if err != nil {
		return "", apperror.External(apperror.BlockchainError, "failed to encode trustline transaction", err, false)
	}
	return envelope, nil
}

// SubmitSignedTrustlineXDR submits an already-signed trustline envelope.
func (m *TrustlineManager) SubmitSignedTrustlineXDR(ctx context.Context, signedEnvelopeXDR string) (string, error) {
	return m.client.SubmitTransactionXDR(ctx, signedEnvelopeXDR)
}
