package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prooflink/prooflink/internal/storage"
	"github.com/prooflink/prooflink/pkg/logger"
)

// fakeBackend scripts node responses for the sender.
type fakeBackend struct {
	sent          []*types.Transaction
	sendErr       error
	receiptStatus uint64
	estimateErr   error
}

func (b *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, nil
}

func (b *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1000000000), nil
}

func (b *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if b.estimateErr != nil {
		return 0, b.estimateErr
	}
	return 500000, nil
}

func (b *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	return nil
}

func (b *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if len(b.sent) == 0 {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: b.receiptStatus, TxHash: txHash}, nil
}

func newTestSender(t *testing.T, backend Backend) *EthSender {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	sender, err := NewEthSender(backend, SenderConfig{
		ChainID:             big.NewInt(1337),
		PrivateKey:          key,
		Contract:            common.HexToAddress("0x3333333333333333333333333333333333333333"),
		ConfirmPollInterval: time.Millisecond,
		ConfirmTimeout:      time.Second,
	}, logger.New("sender-test", "error"))
	require.NoError(t, err)
	return sender
}

func testEntries() []BatchEntry {
	return []BatchEntry{
		{
			ID:               "job-1",
			CallbackContract: common.HexToAddress("0x4444444444444444444444444444444444444444"),
			FunctionSelector: [4]byte{0xab, 0xcd, 0xef, 0xab},
			GasLimit:         3000000,
			ImageID:          common.HexToHash("0x01"),
			Payload:          []byte{0xde, 0xad},
		},
		{
			ID:               "job-2",
			CallbackContract: common.HexToAddress("0x5555555555555555555555555555555555555555"),
			FunctionSelector: [4]byte{0x12, 0x34, 0x56, 0x78},
			GasLimit:         1000000,
			ImageID:          common.HexToHash("0x02"),
			Payload:          []byte{0xbe, 0xef},
		},
	}
}

func TestPackBatchRoundTrip(t *testing.T) {
	entries := testEntries()
	calldata, err := PackBatch(entries)
	require.NoError(t, err)

	method := parsedABI.Methods["invokeCallbacks"]
	assert.Equal(t, method.ID, calldata[:4])

	values, err := method.Inputs.Unpack(calldata[4:])
	require.NoError(t, err)
	require.Len(t, values, 1)

	callbacks, ok := values[0].([]struct {
		CallbackContract common.Address `json:"callbackContract"`
		Payload          []byte         `json:"payload"`
		GasLimit         uint64         `json:"gasLimit"`
	})
	require.True(t, ok)
	require.Len(t, callbacks, 2)

	// Insertion order is preserved and each payload is selector ++ proof.
	assert.Equal(t, entries[0].CallbackContract, callbacks[0].CallbackContract)
	assert.Equal(t, []byte{0xab, 0xcd, 0xef, 0xab, 0xde, 0xad}, callbacks[0].Payload)
	assert.Equal(t, uint64(3000000), callbacks[0].GasLimit)
	assert.Equal(t, entries[1].CallbackContract, callbacks[1].CallbackContract)
	assert.Equal(t, []byte{0x12, 0x34, 0x56, 0x78, 0xbe, 0xef}, callbacks[1].Payload)
}

func TestSendSubmitsSignedBatchTransaction(t *testing.T) {
	backend := &fakeBackend{receiptStatus: types.ReceiptStatusSuccessful}
	sender := newTestSender(t, backend)

	receipt, err := sender.Send(context.Background(), testEntries())
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, sender.cfg.Contract, *tx.To())

	expected, err := PackBatch(testEntries())
	require.NoError(t, err)
	assert.Equal(t, expected, tx.Data())
}

func TestSendRevertedTransaction(t *testing.T) {
	backend := &fakeBackend{receiptStatus: types.ReceiptStatusFailed}
	sender := newTestSender(t, backend)

	_, err := sender.Send(context.Background(), testEntries())
	require.ErrorIs(t, err, storage.ErrTransaction)
}

func TestSendNetworkFailure(t *testing.T) {
	backend := &fakeBackend{sendErr: errors.New("connection refused")}
	sender := newTestSender(t, backend)

	_, err := sender.Send(context.Background(), testEntries())
	require.ErrorIs(t, err, storage.ErrTransaction)
	assert.Empty(t, backend.sent)
}

func TestSendEmptyBatchRejected(t *testing.T) {
	sender := newTestSender(t, &fakeBackend{})

	_, err := sender.Send(context.Background(), nil)
	require.ErrorIs(t, err, storage.ErrTransaction)
}

func TestSendFallsBackToDeclaredGasLimits(t *testing.T) {
	backend := &fakeBackend{
		receiptStatus: types.ReceiptStatusSuccessful,
		estimateErr:   errors.New("execution reverted"),
	}
	sender := newTestSender(t, backend)

	_, err := sender.Send(context.Background(), testEntries())
	require.NoError(t, err)

	require.Len(t, backend.sent, 1)
	assert.Equal(t, uint64(3000000+1000000+100000), backend.sent[0].Gas())
}

func TestDecodeCallbackRequest(t *testing.T) {
	event := parsedABI.Events["CallbackRequest"]
	account := common.HexToAddress("0x1111111111111111111111111111111111111111")

	data, err := event.Inputs.NonIndexed().Pack(
		[32]byte(common.HexToHash("0xdeadbeef")),
		[]byte{0x01, 0x02},
		common.HexToAddress("0x2222222222222222222222222222222222222222"),
		[4]byte{0xab, 0xcd, 0xef, 0xab},
		uint64(3000000),
	)
	require.NoError(t, err)

	origin, err := DecodeCallbackRequest(types.Log{
		Topics: []common.Hash{event.ID, common.BytesToHash(account.Bytes())},
		Data:   data,
	})
	require.NoError(t, err)
	assert.Equal(t, account, origin.Account)
	assert.Equal(t, common.HexToHash("0xdeadbeef"), origin.ImageID)
	assert.Equal(t, []byte{0x01, 0x02}, origin.Input)
	assert.Equal(t, [4]byte{0xab, 0xcd, 0xef, 0xab}, origin.FunctionSelector)
	assert.Equal(t, uint64(3000000), origin.GasLimit)
}

func TestDecodeRejectsForeignLog(t *testing.T) {
	_, err := DecodeCallbackRequest(types.Log{
		Topics: []common.Hash{common.HexToHash("0x01")},
	})
	require.Error(t, err)
}
