// Package ledger implements rampcore.StellarClient against a Horizon server,
// plus a PaymentBuilder and TrustlineManager for constructing the envelopes
// the orchestrator hands to a Signer.
package ledger

import (
	"context"
	"fmt"

	"github.com/cngnramp/backend"
	"github.com/cngnramp/backend/apperror"
	"github.com/shopspring/decimal"
	"github.com/stellar/go-stellar-sdk/clients/horizonclient"
	hProtocol "github.com/stellar/go-stellar-sdk/protocols/horizon"
)

// HorizonClient implements rampcore.StellarClient using a Horizon server.
type HorizonClient struct {
	client *horizonclient.Client
}

// NewHorizonClient creates a StellarClient backed by the given Horizon URL.
func NewHorizonClient(horizonURL string) *HorizonClient {
	return &HorizonClient{client: &horizonclient.Client{HorizonURL: horizonURL}}
}

// GetAccount fetches account state and native+issued balances.
func (c *HorizonClient) GetAccount(_ context.Context, address string) (*rampcore.AccountInfo, error) {
	account, err := c.client.AccountDetail(horizonclient.AccountRequest{AccountID: address})
	if err != nil {
		return nil, classifyHorizonError(fmt.Sprintf("failed to fetch account %s", address), err)
	}

	balances := make([]rampcore.AccountBalance, 0, len(account.Balances))
	for _, b := range account.Balances {
		amount, parseErr := decimal.NewFromString(b.Balance)
		if parseErr != nil {
			continue
		}
		assetCode, assetIssuer := b.AssetCode, b.AssetIssuer
		if b.Asset.Type == "native" {
			assetCode = "XLM"
		}
		balances = append(balances, rampcore.AccountBalance{
			AssetCode:   assetCode,
			AssetIssuer: assetIssuer,
			Balance:     amount,
		})
	}

	return &rampcore.AccountInfo{
		AccountID:     account.AccountID,
		Sequence:      account.Sequence,
		SubentryCount: int32(account.SubentryCount),
		Balances:      balances,
	}, nil
}

// GetTransactionByHash fetches a single transaction record.
func (c *HorizonClient) GetTransactionByHash(_ context.Context, hash string) (*rampcore.TxRecord, error) {
	tx, err := c.client.TransactionDetail(hash)
	if err != nil {
		return nil, classifyHorizonError(fmt.Sprintf("failed to fetch transaction %s", hash), err)
	}
	return toTxRecord(tx), nil
}

// ListAccountTransactions pages transactions for an account, oldest-cursor-first.
func (c *HorizonClient) ListAccountTransactions(_ context.Context, address string, limit int, cursor string) ([]*rampcore.TxRecord, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	req := horizonclient.TransactionRequest{
		ForAccount: address,
		Order:      horizonclient.OrderAsc,
		Limit:      uint(limit),
		Cursor:     cursor,
	}
	page, err := c.client.Transactions(req)
	if err != nil {
		return nil, cursor, classifyHorizonError(fmt.Sprintf("failed to list transactions for %s", address), err)
	}

	out := make([]*rampcore.TxRecord, len(page.Embedded.Records))
	nextCursor := cursor
	for i, tx := range page.Embedded.Records {
		out[i] = toTxRecord(tx)
		nextCursor = tx.PagingToken()
	}
	return out, nextCursor, nil
}

// GetTransactionOperations fetches the operations within a transaction,
// flattened to the subset payment reconciliation cares about.
func (c *HorizonClient) GetTransactionOperations(_ context.Context, hash string) ([]rampcore.LedgerOperation, error) {
	page, err := c.client.Operations(horizonclient.OperationRequest{ForTransaction: hash})
	if err != nil {
		return nil, classifyHorizonError(fmt.Sprintf("failed to fetch operations for %s", hash), err)
	}

	var out []rampcore.LedgerOperation
	for _, rec := range page.Embedded.Records {
		base := rec.GetBase()
		switch op := rec.(type) {
		case interface {
			GetFrom() string
			GetTo() string
			GetAmount() string
			GetAsset() (string, string)
		}:
			from, to, amount := op.GetFrom(), op.GetTo(), op.GetAmount()
			code, issuer := op.GetAsset()
			amt, parseErr := decimal.NewFromString(amount)
			if parseErr != nil {
				amt = decimal.Zero
			}
			out = append(out, rampcore.LedgerOperation{
				Type: base.Type, From: from, To: to,
				AssetCode: code, AssetIssuer: issuer, Amount: amt,
			})
		}
	}
	return out, nil
}

// SubmitTransactionXDR submits a pre-signed envelope and returns its hash.
func (c *HorizonClient) SubmitTransactionXDR(_ context.Context, envelopeXDR string) (string, error) {
	resp, err := c.client.SubmitTransactionXDR(envelopeXDR)
	if err != nil {
		return "", classifySubmitError(err)
	}
	return resp.Hash, nil
}

// CheckTrustline reports whether address holds a trustline for assetCode/issuer.
func (c *HorizonClient) CheckTrustline(ctx context.Context, address, assetCode, issuer string) (*rampcore.TrustlineStatus, error) {
	account, err := c.client.AccountDetail(horizonclient.AccountRequest{AccountID: address})
	if err != nil {
		return nil, classifyHorizonError(fmt.Sprintf("failed to fetch account %s", address), err)
	}
	for _, b := range account.Balances {
		if b.AssetCode == assetCode && b.AssetIssuer == issuer {
			limit, parseErr := decimal.NewFromString(b.Limit)
			if parseErr != nil {
				limit = decimal.Zero
			}
			return &rampcore.TrustlineStatus{Exists: true, Limit: limit}, nil
		}
	}
	return &rampcore.TrustlineStatus{Exists: false}, nil
}

func toTxRecord(tx hProtocol.Transaction) *rampcore.TxRecord {
	return &rampcore.TxRecord{
		Hash:        tx.Hash,
		Successful:  tx.Successful,
		Ledger:      tx.Ledger,
		PagingToken: tx.PagingToken(),
		ResultXDR:   tx.ResultXdr,
		Memo:        tx.Memo,
		CreatedAt:   tx.LedgerCloseTime,
	}
}

// classifyHorizonError maps Horizon problem responses onto the app error
// taxonomy so callers can branch on retryability without knowing Horizon's
// wire format.
func classifyHorizonError(msg string, err error) error {
	if hErr, ok := err.(*horizonclient.Error); ok {
		status := hErr.Problem.Status
		switch {
		case status == 404:
			return apperror.Domain(apperror.WalletNotFound, msg, err)
		case status == 429 || status >= 500:
			return apperror.External(apperror.BlockchainError, msg, err, true)
		}
	}
	return apperror.External(apperror.BlockchainError, msg, err, false)
}

func classifySubmitError(err error) error {
	if hErr, ok := err.(*horizonclient.Error); ok {
		resultCodes, rcErr := hErr.ResultCodes()
		if rcErr == nil {
			for _, code := range resultCodes.OperationCodes {
				switch code {
				case "op_underfunded", "op_low_reserve":
					return apperror.Domain(apperror.InsufficientBalance, "submit failed: insufficient balance", err)
				case "op_no_trust", "op_not_authorized":
					return apperror.Domain(apperror.TrustlineRequired, "submit failed: trustline required", err)
				}
			}
			if resultCodes.TransactionCode == "tx_too_late" || resultCodes.TransactionCode == "tx_bad_seq" {
				return apperror.External(apperror.BlockchainError, "submit failed: stale envelope", err, true)
			}
		}
		if hErr.Problem.Status >= 500 {
			return apperror.External(apperror.BlockchainError, "submit failed", err, true)
		}
	}
	return apperror.External(apperror.BlockchainError, "submit failed", err, false)
}

var _ rampcore.StellarClient = (*HorizonClient)(nil)
