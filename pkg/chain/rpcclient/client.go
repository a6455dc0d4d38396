// Package rpcclient is kora-rent's one concrete chain.ChainClient
// implementation: a minimal JSON-RPC 2.0 transport over net/http, wrapping
// solana-go's wire types, in the style of the teacher's backend/v3_client.go
// (a thin struct wrapping a generic JSON-RPC client, exposing a handful of
// typed methods). A generic transport is implemented directly here rather
// than importing Accumulate's jsonrpc2 package, since that package's
// request/response envelope is bound to Accumulate's own API shape — see
// DESIGN.md.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"

	"github.com/korarent/kora-rent/internal/errs"
	"github.com/korarent/kora-rent/pkg/chain"
)

// Client is a JSON-RPC 2.0 transport bound to one Solana-style RPC endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// New builds a Client against endpoint, with the given request timeout.
func New(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// call performs one JSON-RPC request and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return errs.InvalidInput("marshal rpc request").WithDetails(err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return errs.TransientRPC(err, "build rpc request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.TransientRPC(err, fmt.Sprintf("rpc call %s failed", method))
	}
	defer resp.Body.Close()

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return errs.TransientRPC(err, "decode rpc response")
	}
	if rr.Error != nil {
		return errs.TransientRPC(fmt.Errorf("rpc error %d: %s", rr.Error.Code, rr.Error.Message), method)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return errs.TransientRPC(err, "unmarshal rpc result")
	}
	return nil
}

type signatureInfoWire struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Err       any    `json:"err"`
}

// ListSignatures implements chain.ChainClient.
func (c *Client) ListSignatures(ctx context.Context, addr chain.PublicKey, limit int, before, until *chain.Signature) ([]chain.SignatureInfo, error) {
	opts := map[string]any{"limit": limit}
	if before != nil {
		opts["before"] = before.String()
	}
	if until != nil {
		opts["until"] = until.String()
	}

	var wire []signatureInfoWire
	if err := c.call(ctx, "getSignaturesForAddress", []any{addr.String(), opts}, &wire); err != nil {
		return nil, err
	}

	out := make([]chain.SignatureInfo, 0, len(wire))
	for _, w := range wire {
		sig, err := solana.SignatureFromBase58(w.Signature)
		if err != nil {
			return nil, errs.LedgerIntegrity("malformed signature in getSignaturesForAddress response").WithDetails(err.Error())
		}
		info := chain.SignatureInfo{Signature: sig, Slot: w.Slot, Err: w.Err != nil}
		if w.BlockTime != nil {
			t := time.Unix(*w.BlockTime, 0).UTC()
			info.BlockTime = &t
		}
		out = append(out, info)
	}
	return out, nil
}

type transactionWire struct {
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Meta      *struct {
		Err          any               `json:"err"`
		PreBalances  []uint64          `json:"preBalances"`
		PostBalances []uint64          `json:"postBalances"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys  []string `json:"accountKeys"`
			Instructions []struct {
				ProgramIDIndex int    `json:"programIdIndex"`
				Accounts       []int  `json:"accounts"`
				Data           string `json:"data"` // base58, encoding="json"
			} `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
}

// GetParsedTransaction implements chain.ChainClient.
func (c *Client) GetParsedTransaction(ctx context.Context, sig chain.Signature) (*chain.ParsedTransaction, error) {
	opts := map[string]any{"encoding": "json", "maxSupportedTransactionVersion": 0}

	var wire transactionWire
	if err := c.call(ctx, "getTransaction", []any{sig.String(), opts}, &wire); err != nil {
		return nil, err
	}

	keys := make([]chain.PublicKey, 0, len(wire.Transaction.Message.AccountKeys))
	for _, k := range wire.Transaction.Message.AccountKeys {
		pk, err := solana.PublicKeyFromBase58(k)
		if err != nil {
			return nil, errs.LedgerIntegrity("malformed account key in transaction response").WithDetails(err.Error())
		}
		keys = append(keys, pk)
	}

	tx := &chain.ParsedTransaction{
		Signature:    sig,
		Slot:         wire.Slot,
		PreBalances:  map[chain.PublicKey]uint64{},
		PostBalances: map[chain.PublicKey]uint64{},
	}
	if len(keys) > 0 {
		// keys[0] is the fee payer by Solana's own account-keys-ordering
		// convention: the first signer pays the fee.
		tx.FeePayer = keys[0]
	}
	if wire.BlockTime != nil {
		t := time.Unix(*wire.BlockTime, 0).UTC()
		tx.BlockTime = &t
	}
	if wire.Meta != nil {
		tx.Err = wire.Meta.Err != nil
		for i, lamports := range wire.Meta.PreBalances {
			if i < len(keys) {
				tx.PreBalances[keys[i]] = lamports
			}
		}
		for i, lamports := range wire.Meta.PostBalances {
			if i < len(keys) {
				tx.PostBalances[keys[i]] = lamports
			}
		}
	}
	for _, ix := range wire.Transaction.Message.Instructions {
		if ix.ProgramIDIndex >= len(keys) {
			continue
		}
		accs := make([]chain.PublicKey, 0, len(ix.Accounts))
		for _, idx := range ix.Accounts {
			if idx < len(keys) {
				accs = append(accs, keys[idx])
			}
		}
		var data []byte
		if ix.Data != "" {
			if decoded, err := base58.Decode(ix.Data); err == nil {
				data = decoded
			}
		}
		tx.Instructions = append(tx.Instructions, chain.ParsedInstruction{ProgramID: keys[ix.ProgramIDIndex], Accounts: accs, Data: data})
	}
	return tx, nil
}

type accountInfoWire struct {
	Lamports   uint64 `json:"lamports"`
	Owner      string `json:"owner"`
	Data       any    `json:"data"`
	Executable bool   `json:"executable"`
}

type multipleAccountsResult struct {
	Value []*accountInfoWire `json:"value"`
}

// GetMultipleAccounts implements chain.ChainClient.
func (c *Client) GetMultipleAccounts(ctx context.Context, addrs []chain.PublicKey) ([]*chain.AccountInfo, error) {
	addrStrs := make([]string, len(addrs))
	for i, a := range addrs {
		addrStrs[i] = a.String()
	}

	var result multipleAccountsResult
	opts := map[string]any{"encoding": "base64"}
	if err := c.call(ctx, "getMultipleAccounts", []any{addrStrs, opts}, &result); err != nil {
		return nil, err
	}

	out := make([]*chain.AccountInfo, len(result.Value))
	for i, w := range result.Value {
		if w == nil {
			out[i] = nil
			continue
		}
		owner, err := solana.PublicKeyFromBase58(w.Owner)
		if err != nil {
			return nil, errs.LedgerIntegrity("malformed owner pubkey in account response").WithDetails(err.Error())
		}
		dataLen := 0
		if pair, ok := w.Data.([]any); ok && len(pair) > 0 {
			if encoded, ok := pair[0].(string); ok {
				if raw, err := base64.StdEncoding.DecodeString(encoded); err == nil {
					dataLen = len(raw)
				}
			}
		}
		out[i] = &chain.AccountInfo{Lamports: w.Lamports, Owner: owner, DataLen: dataLen, Executable: w.Executable}
	}
	return out, nil
}

// SendAndConfirm implements chain.ChainClient: submits the transaction, then
// polls getSignatureStatuses until confirmed or ctx expires.
func (c *Client) SendAndConfirm(ctx context.Context, tx *chain.Transaction, signer chain.Signer) (chain.Signature, error) {
	wire, err := tx.MarshalBinary()
	if err != nil {
		return chain.Signature{}, errs.ChainSubmitFailure(err, "marshal transaction")
	}
	encoded := base64.StdEncoding.EncodeToString(wire)

	var sigStr string
	opts := map[string]any{"encoding": "base64", "skipPreflight": false}
	if err := c.call(ctx, "sendTransaction", []any{encoded, opts}, &sigStr); err != nil {
		return chain.Signature{}, errs.ChainSubmitFailure(err, "sendTransaction")
	}
	sig, err := solana.SignatureFromBase58(sigStr)
	if err != nil {
		return chain.Signature{}, errs.ChainSubmitFailure(err, "malformed signature returned by sendTransaction")
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return sig, errs.ChainSubmitFailure(ctx.Err(), "confirmation timed out")
		case <-ticker.C:
			confirmed, err := c.isConfirmed(ctx, sig)
			if err != nil {
				return sig, err
			}
			if confirmed {
				return sig, nil
			}
		}
	}
}

type latestBlockhashResult struct {
	Value struct {
		Blockhash string `json:"blockhash"`
	} `json:"value"`
}

// GetLatestBlockhash implements chain.ChainClient.
func (c *Client) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	var result latestBlockhashResult
	if err := c.call(ctx, "getLatestBlockhash", []any{map[string]any{"commitment": "confirmed"}}, &result); err != nil {
		return solana.Hash{}, err
	}
	hash, err := solana.HashFromBase58(result.Value.Blockhash)
	if err != nil {
		return solana.Hash{}, errs.LedgerIntegrity("malformed blockhash in getLatestBlockhash response").WithDetails(err.Error())
	}
	return hash, nil
}

type signatureStatusWire struct {
	ConfirmationStatus string `json:"confirmationStatus"`
	Err                 any    `json:"err"`
}

type signatureStatusesResult struct {
	Value []*signatureStatusWire `json:"value"`
}

func (c *Client) isConfirmed(ctx context.Context, sig chain.Signature) (bool, error) {
	var result signatureStatusesResult
	if err := c.call(ctx, "getSignatureStatuses", []any{[]string{sig.String()}}, &result); err != nil {
		return false, err
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return false, nil
	}
	status := result.Value[0]
	if status.Err != nil {
		return false, errs.ChainSubmitFailure(fmt.Errorf("%v", status.Err), "transaction failed on chain")
	}
	return status.ConfirmationStatus == "confirmed" || status.ConfirmationStatus == "finalized", nil
}
