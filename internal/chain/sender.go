// Package chain holds the Ethereum-facing side of the relay: sending batched
// callback transactions and watching the relay contract for new requests.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	sdkerrors "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/prooflink/prooflink/internal/storage"
	"github.com/prooflink/prooflink/pkg/logger"
)

// relayABI is the relay contract surface: one call delivering a batch of
// callbacks, and the event emitted when an application requests a proof.
const relayABI = `[
	{"type":"function","name":"invokeCallbacks","stateMutability":"nonpayable",
	 "inputs":[{"name":"callbacks","type":"tuple[]","components":[
		{"name":"callbackContract","type":"address"},
		{"name":"payload","type":"bytes"},
		{"name":"gasLimit","type":"uint64"}]}],
	 "outputs":[{"name":"invocationResults","type":"bool[]"}]},
	{"type":"event","name":"CallbackRequest","inputs":[
		{"name":"account","type":"address","indexed":true},
		{"name":"imageId","type":"bytes32","indexed":false},
		{"name":"input","type":"bytes","indexed":false},
		{"name":"callbackContract","type":"address","indexed":false},
		{"name":"functionSelector","type":"bytes4","indexed":false},
		{"name":"gasLimit","type":"uint64","indexed":false}]}
]`

// parsedABI is initialized once; the ABI string is a compile-time constant.
var parsedABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(relayABI))
	if err != nil {
		panic(fmt.Sprintf("invalid relay ABI: %v", err))
	}
	return parsed
}()

// BatchEntry is one completed request queued for on-chain delivery.
// Insertion order of entries is preserved through to submission.
type BatchEntry struct {
	ID               string
	CallbackContract common.Address
	FunctionSelector [4]byte
	GasLimit         uint64
	ImageID          common.Hash
	Payload          []byte
}

// callbackTuple mirrors the invokeCallbacks tuple component layout.
type callbackTuple struct {
	CallbackContract common.Address
	Payload          []byte
	GasLimit         uint64
}

// Sender is the transaction-sending capability: one call per batch flush.
type Sender interface {
	Send(ctx context.Context, entries []BatchEntry) (*types.Receipt, error)
}

// Backend is the subset of ethclient.Client the sender needs, extracted so
// tests can fake the node.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// SenderConfig holds transaction-sending settings.
type SenderConfig struct {
	ChainID    *big.Int
	PrivateKey *ecdsa.PrivateKey
	Contract   common.Address
	// ConfirmPollInterval paces receipt polling after submission.
	ConfirmPollInterval time.Duration
	// ConfirmTimeout bounds the wait for a receipt.
	ConfirmTimeout time.Duration
}

// EthSender submits batches to the relay contract and waits for
// confirmation. All failures map to storage.ErrTransaction so the completed
// manager keeps the batch for the next flush trigger.
type EthSender struct {
	backend Backend
	cfg     SenderConfig
	from    common.Address
	log     *logger.Logger
}

var _ Sender = (*EthSender)(nil)

// NewEthSender builds a sender from a backend and signing config.
func NewEthSender(backend Backend, cfg SenderConfig, log *logger.Logger) (*EthSender, error) {
	if cfg.ChainID == nil {
		return nil, fmt.Errorf("chain id is required")
	}
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = 2 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	return &EthSender{
		backend: backend,
		cfg:     cfg,
		from:    crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey),
		log:     log,
	}, nil
}

// PackBatch ABI-encodes the invokeCallbacks calldata for a batch. Each
// entry's callback payload is its function selector followed by the proof
// bytes; the relay contract forwards it verbatim with the recorded gas
// limit.
func PackBatch(entries []BatchEntry) ([]byte, error) {
	callbacks := make([]callbackTuple, 0, len(entries))
	for _, e := range entries {
		payload := make([]byte, 0, len(e.FunctionSelector)+len(e.Payload))
		payload = append(payload, e.FunctionSelector[:]...)
		payload = append(payload, e.Payload...)
		callbacks = append(callbacks, callbackTuple{
			CallbackContract: e.CallbackContract,
			Payload:          payload,
			GasLimit:         e.GasLimit,
		})
	}
	calldata, err := parsedABI.Pack("invokeCallbacks", callbacks)
	if err != nil {
		return nil, fmt.Errorf("failed to pack batch calldata: %w", err)
	}
	return calldata, nil
}

// Send submits the batch as a single transaction and waits until it is
// mined. The receipt is returned only for a successful execution.
func (s *EthSender) Send(ctx context.Context, entries []BatchEntry) (*types.Receipt, error) {
	if len(entries) == 0 {
		return nil, sdkerrors.Wrap(storage.ErrTransaction, "empty batch")
	}

	calldata, err := PackBatch(entries)
	if err != nil {
		return nil, sdkerrors.Wrapf(storage.ErrTransaction, "%v", err)
	}

	nonce, err := s.backend.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, sdkerrors.Wrapf(storage.ErrTransaction, "failed to fetch nonce: %v", err)
	}
	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, sdkerrors.Wrapf(storage.ErrTransaction, "failed to fetch gas price: %v", err)
	}

	msg := ethereum.CallMsg{From: s.from, To: &s.cfg.Contract, Data: calldata}
	gasLimit, err := s.backend.EstimateGas(ctx, msg)
	if err != nil {
		// Estimation can fail on nodes that refuse eth_estimateGas for
		// not-yet-mined state; fall back to the callers' declared limits.
		gasLimit = batchGasCeiling(entries)
		s.log.Warn("gas estimation failed, using declared limits",
			"error", err, "gas_limit", gasLimit)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &s.cfg.Contract,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.cfg.ChainID), s.cfg.PrivateKey)
	if err != nil {
		return nil, sdkerrors.Wrapf(storage.ErrTransaction, "failed to sign transaction: %v", err)
	}

	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return nil, sdkerrors.Wrapf(storage.ErrTransaction, "failed to send transaction: %v", err)
	}
	s.log.Info("batch transaction submitted",
		"tx", signed.Hash().Hex(), "entries", len(entries), "nonce", nonce)

	receipt, err := s.waitMined(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, sdkerrors.Wrapf(storage.ErrTransaction, "transaction %s reverted", signed.Hash().Hex())
	}
	return receipt, nil
}

// waitMined polls for the receipt until found, timeout or cancellation.
func (s *EthSender) waitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.ConfirmPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, sdkerrors.Wrapf(storage.ErrTransaction,
				"confirmation of %s not observed: %v", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// batchGasCeiling sums the per-entry gas limits plus a fixed overhead for
// the relay contract's own dispatch loop.
func batchGasCeiling(entries []BatchEntry) uint64 {
	const dispatchOverhead = 100000
	total := uint64(dispatchOverhead)
	for _, e := range entries {
		total += e.GasLimit
	}
	return total
}
