package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/prooflink/prooflink/internal/prover"
	"github.com/prooflink/prooflink/internal/signal"
	"github.com/prooflink/prooflink/internal/storage"
	"github.com/prooflink/prooflink/pkg/logger"
)

// LogSource is the subset of ethclient.Client the subscriber needs.
type LogSource interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// SubscriberConfig holds event-watching settings.
type SubscriberConfig struct {
	Contract common.Address
	// StartBlock is the last block already processed; catch-up resumes
	// from the block after it. Zero starts from the live stream only.
	StartBlock uint64
	// ReconnectDelay paces resubscription after a dropped connection.
	ReconnectDelay time.Duration
}

// Subscriber watches the relay contract for CallbackRequest events. Each
// event becomes a job submission to the proving service and a Pending
// request in the store, followed by a new-work wake-up for the pending
// manager. On subscription loss or a failed event it reconnects and replays
// from the last fully-processed block, so requests are not lost: delivery is
// at-least-once across reconnects, and a replayed event can resubmit a job
// whose first handling partially succeeded. The receiving contract
// suppresses duplicate callbacks.
type Subscriber struct {
	source    LogSource
	cfg       SubscriberConfig
	client    prover.Client
	store     storage.Storage
	newWork   *signal.Notifier
	log       *logger.Logger
	lastBlock uint64
}

// NewSubscriber wires the event source into the store and the pending
// manager's wake-up.
func NewSubscriber(source LogSource, cfg SubscriberConfig, client prover.Client, store storage.Storage, newWork *signal.Notifier, log *logger.Logger) *Subscriber {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &Subscriber{
		source:    source,
		cfg:       cfg,
		client:    client,
		store:     store,
		newWork:   newWork,
		log:       log,
		lastBlock: cfg.StartBlock,
	}
}

// Run watches until the context is cancelled, reconnecting on failure.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		if err := s.watch(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("event subscription lost, reconnecting",
				"error", err, "delay", s.cfg.ReconnectDelay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

// watch catches up on blocks missed while disconnected, then streams live
// logs until the subscription fails or the context ends.
func (s *Subscriber) watch(ctx context.Context) error {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{s.cfg.Contract},
		Topics:    [][]common.Hash{{parsedABI.Events["CallbackRequest"].ID}},
	}

	if s.lastBlock > 0 {
		catchup := query
		catchup.FromBlock = new(big.Int).SetUint64(s.lastBlock + 1)
		logs, err := s.source.FilterLogs(ctx, catchup)
		if err != nil {
			return fmt.Errorf("failed to replay missed logs: %w", err)
		}
		for _, lg := range logs {
			if err := s.handleLog(ctx, lg); err != nil {
				s.rewindTo(lg.BlockNumber)
				return err
			}
		}
	}

	logCh := make(chan types.Log, 64)
	sub, err := s.source.SubscribeFilterLogs(ctx, query, logCh)
	if err != nil {
		return fmt.Errorf("failed to subscribe to callback requests: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case lg := <-logCh:
			if err := s.handleLog(ctx, lg); err != nil {
				s.rewindTo(lg.BlockNumber)
				return err
			}
		}
	}
}

// handleLog turns one CallbackRequest event into a tracked Pending request.
// A returned error means the event was NOT consumed: the caller rewinds and
// reconnects so the event is replayed instead of dropped. Malformed events
// are the one exception, since replaying them can never succeed.
func (s *Subscriber) handleLog(ctx context.Context, lg types.Log) error {
	if lg.Removed {
		return nil
	}
	origin, err := DecodeCallbackRequest(lg)
	if err != nil {
		s.log.Error("failed to decode callback request event, skipping",
			"block", lg.BlockNumber, "tx", lg.TxHash.Hex(), "error", err)
		return nil
	}

	id, err := s.client.Submit(ctx, origin.ImageID, origin.Input)
	if err != nil {
		return fmt.Errorf("failed to submit job for event at block %d: %w",
			lg.BlockNumber, err)
	}

	if err := s.store.Insert(ctx, id, origin); err != nil {
		return fmt.Errorf("failed to track proof request %s: %w", id, err)
	}
	if lg.BlockNumber > s.lastBlock {
		s.lastBlock = lg.BlockNumber
	}
	s.newWork.Notify()
	s.log.Info("proof request accepted",
		"id", id, "account", origin.Account.Hex(), "block", lg.BlockNumber)
	return nil
}

// rewindTo marks the block before the failed event as the last processed
// one, so the reconnect replay re-delivers the event itself.
func (s *Subscriber) rewindTo(block uint64) {
	if block > 0 {
		s.lastBlock = block - 1
	}
}

// DecodeCallbackRequest unpacks a CallbackRequest log into the immutable
// origin record.
func DecodeCallbackRequest(lg types.Log) (storage.CallbackRequest, error) {
	event := parsedABI.Events["CallbackRequest"]
	if len(lg.Topics) < 2 || lg.Topics[0] != event.ID {
		return storage.CallbackRequest{}, fmt.Errorf("log is not a CallbackRequest event")
	}

	values, err := event.Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return storage.CallbackRequest{}, fmt.Errorf("failed to unpack event data: %w", err)
	}
	if len(values) != 5 {
		return storage.CallbackRequest{}, fmt.Errorf("unexpected event field count %d", len(values))
	}

	origin := storage.CallbackRequest{
		Account: common.BytesToAddress(lg.Topics[1].Bytes()),
	}
	imageID, ok := values[0].([32]byte)
	if !ok {
		return storage.CallbackRequest{}, fmt.Errorf("unexpected imageId type %T", values[0])
	}
	origin.ImageID = common.Hash(imageID)
	input, ok := values[1].([]byte)
	if !ok {
		return storage.CallbackRequest{}, fmt.Errorf("unexpected input type %T", values[1])
	}
	origin.Input = input
	callback, ok := values[2].(common.Address)
	if !ok {
		return storage.CallbackRequest{}, fmt.Errorf("unexpected callbackContract type %T", values[2])
	}
	origin.CallbackContract = callback
	selector, ok := values[3].([4]byte)
	if !ok {
		return storage.CallbackRequest{}, fmt.Errorf("unexpected functionSelector type %T", values[3])
	}
	origin.FunctionSelector = selector
	gasLimit, ok := values[4].(uint64)
	if !ok {
		return storage.CallbackRequest{}, fmt.Errorf("unexpected gasLimit type %T", values[4])
	}
	origin.GasLimit = gasLimit
	return origin, nil
}
