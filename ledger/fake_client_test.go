package ledger

import (
	"context"

	"github.com/cngnramp/backend"
	"github.com/shopspring/decimal"
)

// fakeStellarClient is a hand-rolled rampcore.StellarClient for exercising
// PaymentBuilder/TrustlineManager without a live Horizon instance.
type fakeStellarClient struct {
	account          *rampcore.AccountInfo
	trustlineExists  map[string]bool
	submitHash       string
	submitErr        error
	getAccountErr    error
}

func newFakeStellarClient() *fakeStellarClient {
	return &fakeStellarClient{
		account: &rampcore.AccountInfo{
			AccountID:     "GSOURCEACCOUNT",
			Sequence:      "100",
			SubentryCount: 1,
			Balances: []rampcore.AccountBalance{
				{AssetCode: "XLM", Balance: decimal.NewFromFloat(10)},
			},
		},
		trustlineExists: make(map[string]bool),
		submitHash:      "deadbeef",
	}
}

func (f *fakeStellarClient) GetAccount(_ context.Context, _ string) (*rampcore.AccountInfo, error) {
	if f.getAccountErr != nil {
		return nil, f.getAccountErr
	}
	return f.account, nil
}

func (f *fakeStellarClient) GetTransactionByHash(_ context.Context, _ string) (*rampcore.TxRecord, error) {
	return &rampcore.TxRecord{}, nil
}

func (f *fakeStellarClient) ListAccountTransactions(_ context.Context, _ string, _ int, _ string) ([]*rampcore.TxRecord, string, error) {
	return nil, "", nil
}

func (f *fakeStellarClient) GetTransactionOperations(_ context.Context, _ string) ([]rampcore.LedgerOperation, error) {
	return nil, nil
}

func (f *fakeStellarClient) SubmitTransactionXDR(_ context.Context, _ string) (string, error) {
	return f.submitHash, f.submitErr
}

func (f *fakeStellarClient) CheckTrustline(_ context.Context, _, assetCode, issuer string) (*rampcore.TrustlineStatus, error) {
	exists := f.trustlineExists[assetCode+":"+issuer]
	if exists {
		return &rampcore.TrustlineStatus{Exists: true, Limit: decimal.NewFromInt(1000000)}, nil
	}
	return &rampcore.TrustlineStatus{Exists: false}, nil
}

var _ rampcore.StellarClient = (*fakeStellarClient)(nil)

// fakeSigner returns a fixed "signed" envelope without touching real keys.
type fakeSigner struct {
	publicKey string
	signErr   error
}

func (f *fakeSigner) PublicKey() string { return f.publicKey }

func (f *fakeSigner) SignTransaction(_ context.Context, xdr string, _ string) (string, error) {
	if f.signErr != nil {
		return "", f.signErr
	}
	return "signed:" + xdr, nil
}

var _ rampcore.Signer = (*fakeSigner)(nil)
