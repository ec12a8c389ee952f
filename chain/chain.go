// Copyright 2024 The go-equa Authors
// Verity Oracle Node - Chain Client

// Package chain implements the Chain Client of spec.md §4.A on top of
// go-ethereum's ethclient/rpc/accounts-abi-bind stack — the real
// upstream of the teacher's own forked chain-access libraries. The
// wire protocol and elliptic-curve math are explicitly out of scope
// per spec.md §1; this package only implements the operations spec.md
// names on top of those real libraries, the same way
// engine.RPCClient.CallRPC in the teacher wraps raw JSON-RPC instead of
// reimplementing the transport.
package chain

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/verity-oracle/oracle-node/internal/oracle"
)

const (
	maxTransactAttempts = 3
	gasPriceFactor      = 1.2
	receiptTimeout      = 15 * time.Minute
	retryBackoff        = time.Second
	gasLimit            = 2_000_000
)

// FilterID is the opaque, server-cursored filter handle spec.md §4.A
// describes; it is whatever string the RPC endpoint's eth_newFilter
// returns.
type FilterID string

// Chain is the Chain Client. One instance is shared by the registry
// watcher, filter pump, and validation protocol.
type Chain struct {
	client  *ethclient.Client
	rpc     *rpc.Client
	chainID *big.Int

	key     *ecdsa.PrivateKey
	address common.Address

	abis map[string]abi.ABI
}

// New dials endpoint and prepares a Chain client signing with
// privateKeyHex. chainID is required for EIP-155 signing.
func New(ctx context.Context, endpoint, privateKeyHex string, chainID *big.Int) (*Chain, error) {
	rpcClient, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc %s: %w", endpoint, err)
	}
	client := ethclient.NewClient(rpcClient)

	key, err := crypto.HexToECDSA(stripHexPrefix(privateKeyHex))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("parse node private key: %w", err)
	}

	return &Chain{
		client:  client,
		rpc:     rpcClient,
		chainID: chainID,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		abis:    make(map[string]abi.ABI),
	}, nil
}

func (c *Chain) Close() { c.rpc.Close() }

// Address is the node's own signing address.
func (c *Chain) Address() common.Address { return c.address }

// contractArtifact mirrors the {"abi": [...]} shape written by solc /
// truffle build output, the same shape common.py's *_contract_abi
// helpers read with json.loads(...)['abi'].
type contractArtifact struct {
	ABI json.RawMessage `json:"abi"`
}

// LoadABI parses a contract's ABI JSON artifact from path and registers
// it under name for later Call/Transact/InstallFilter use.
func (c *Chain) LoadABI(name, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read ABI for %s: %w", name, err)
	}
	var artifact contractArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return fmt.Errorf("parse ABI artifact for %s: %w", name, err)
	}
	parsed, err := abi.JSON(bytes.NewReader(artifact.ABI))
	if err != nil {
		return fmt.Errorf("parse ABI for %s: %w", name, err)
	}
	c.abis[name] = parsed
	return nil
}

func (c *Chain) abiFor(name string) (abi.ABI, error) {
	a, ok := c.abis[name]
	if !ok {
		return abi.ABI{}, fmt.Errorf("no ABI loaded for contract %s", name)
	}
	return a, nil
}

// ABI exposes a previously loaded contract's parsed ABI, for callers
// that need to unpack raw log data themselves (the filter pump's
// per-event-name handlers).
func (c *Chain) ABI(name string) (abi.ABI, error) { return c.abiFor(name) }

// InstallFilter installs a log filter on addr for the named event,
// starting from fromBlock ("earliest" at bootstrap, per spec.md §4.D),
// and returns the opaque filter id the node must poll thereafter.
func (c *Chain) InstallFilter(ctx context.Context, contractName string, addr common.Address, eventName, fromBlock string) (FilterID, error) {
	a, err := c.abiFor(contractName)
	if err != nil {
		return "", err
	}
	event, ok := a.Events[eventName]
	if !ok {
		return "", fmt.Errorf("contract %s has no event %s", contractName, eventName)
	}

	params := map[string]interface{}{
		"address":   addr,
		"topics":    [][]common.Hash{{event.ID}},
		"fromBlock": fromBlock,
		"toBlock":   "latest",
	}

	var filterID string
	if err := c.rpc.CallContext(ctx, &filterID, "eth_newFilter", params); err != nil {
		return "", fmt.Errorf("install %s filter on %s: %w", eventName, addr.Hex(), err)
	}
	return FilterID(filterID), nil
}

// GetLogs requests new entries for a previously installed filter. The
// server-side cursor advances on every call, per spec.md §4.A.
func (c *Chain) GetLogs(ctx context.Context, id FilterID) ([]types.Log, error) {
	var logs []types.Log
	if err := c.rpc.CallContext(ctx, &logs, "eth_getFilterChanges", string(id)); err != nil {
		return nil, fmt.Errorf("get filter changes %s: %w", id, err)
	}
	return logs, nil
}

// GetAllEntries requests every entry recorded by a filter since its
// installation (used once, at bootstrap, to drain history that
// predates the filter pump's first cron drain).
func (c *Chain) GetAllEntries(ctx context.Context, id FilterID) ([]types.Log, error) {
	var logs []types.Log
	if err := c.rpc.CallContext(ctx, &logs, "eth_getFilterLogs", string(id)); err != nil {
		return nil, fmt.Errorf("get filter logs %s: %w", id, err)
	}
	return logs, nil
}

// Call performs a read-only contract call and unpacks the result into
// out (a pointer to a struct or slice matching the method's outputs).
func (c *Chain) Call(ctx context.Context, contractName string, addr common.Address, method string, out interface{}, args ...interface{}) error {
	a, err := c.abiFor(contractName)
	if err != nil {
		return err
	}
	input, err := a.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("pack %s.%s: %w", contractName, method, err)
	}

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: input}, nil)
	if err != nil {
		return fmt.Errorf("call %s.%s on %s: %w", contractName, method, addr.Hex(), err)
	}

	if err := a.UnpackIntoInterface(out, method, result); err != nil {
		return fmt.Errorf("unpack %s.%s: %w", contractName, method, err)
	}
	return nil
}

// Transact implements the retry contract of spec.md §4.A: up to
// maxTransactAttempts attempts at nonces N, N+1, N+2, each with a gas
// price 1.2x the suggested value, signed locally and submitted raw,
// with a 15-minute receipt wait. A final failure returns a
// *oracle.ChainError.
func (c *Chain) Transact(ctx context.Context, contractName string, addr common.Address, method string, args ...interface{}) (common.Hash, error) {
	a, err := c.abiFor(contractName)
	if err != nil {
		return common.Hash{}, err
	}
	input, err := a.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s.%s: %w", contractName, method, err)
	}

	baseNonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return common.Hash{}, &oracle.ChainError{Op: method, Attempts: 0, Err: err}
	}

	var lastErr error
	for attempt := 0; attempt < maxTransactAttempts; attempt++ {
		nonce := baseNonce + uint64(attempt)
		hash, err := c.attemptTransact(ctx, addr, input, nonce)
		if err == nil {
			log.Info("transmitted transaction", "contract", contractName, "method", method, "tx", hash.Hex())
			return hash, nil
		}
		lastErr = err
		log.Error("transaction attempt failed", "method", method, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return common.Hash{}, &oracle.ChainError{Op: method, Attempts: attempt + 1, Err: ctx.Err()}
		case <-time.After(retryBackoff):
		}
	}
	return common.Hash{}, &oracle.ChainError{Op: method, Attempts: maxTransactAttempts, Err: lastErr}
}

func (c *Chain) attemptTransact(ctx context.Context, addr common.Address, input []byte, nonce uint64) (common.Hash, error) {
	suggested, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}
	gasPrice := new(big.Int).Div(
		new(big.Int).Mul(suggested, big.NewInt(int64(gasPriceFactor*1000))),
		big.NewInt(1000),
	)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &addr,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     input,
	})

	signer := types.NewEIP155Signer(c.chainID)
	signedTx, err := types.SignTx(tx, signer, c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("send raw transaction: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()

	if _, err := bind.WaitMined(waitCtx, c.client, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("await receipt: %w", err)
	}
	return signedTx.Hash(), nil
}

func stripHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
