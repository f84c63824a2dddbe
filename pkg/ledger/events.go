package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/aidchain/orchestrator/pkg/ethereum"
)

// PollerConfig configures the escrow event poller. Defaults mirror the
// teacher's EventWatcher: a short poll tick, a block lookback window at
// startup, and a bounded buffer for decoded events.
type PollerConfig struct {
	PollInterval time.Duration
	BlockLookback uint64
	EventBufferSize int
}

// DefaultPollerConfig returns sane production defaults.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		PollInterval:    5 * time.Second,
		BlockLookback:   1000,
		EventBufferSize: 256,
	}
}

// EventHandler is invoked once per decoded contract event, in block
// order within a poll window.
type EventHandler func(ContractEvent)

// Poller turns new blocks on the escrow contract into decoded events,
// persisting the last-processed block through a CursorStore so a
// restart resumes without reprocessing or gaps (spec.md §6: "Persisted
// state: only the ledger event-poll cursor"). Directly modeled on
// pkg/anchor's EventWatcher: a ticker loop, a cancellable context, and a
// non-blocking error channel.
type Poller struct {
	cfg          PollerConfig
	client       *ethereum.Client
	contractAddr gethcommon.Address
	contractABI  abi.ABI
	cursor       CursorStore

	events chan ContractEvent
	errors chan error

	lastBlock   uint64
	lastBlockMu sync.RWMutex

	handlers   map[EventType][]EventHandler
	handlersMu sync.RWMutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// NewPoller builds a Poller. client must already be dialed; cursor may
// be a no-op store in tests.
func NewPoller(client *ethereum.Client, contractAddress string, cursor CursorStore, cfg PollerConfig) (*Poller, error) {
	parsedABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse escrow ABI: %w", err)
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 256
	}
	return &Poller{
		cfg:          cfg,
		client:       client,
		contractAddr: gethcommon.HexToAddress(contractAddress),
		contractABI:  parsedABI,
		cursor:       cursor,
		events:       make(chan ContractEvent, cfg.EventBufferSize),
		errors:       make(chan error, cfg.EventBufferSize),
		handlers:     make(map[EventType][]EventHandler),
	}, nil
}

// RegisterHandler subscribes fn to every decoded event of type t.
func (p *Poller) RegisterHandler(t EventType, fn EventHandler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.handlers[t] = append(p.handlers[t], fn)
}

// Events exposes the raw decoded-event stream for callers that prefer
// a channel over RegisterHandler (e.g. the bus bridge, C7).
func (p *Poller) Events() <-chan ContractEvent { return p.events }

// Errors exposes poll-loop faults. Reads are non-blocking on the
// sender side, so a slow consumer drops errors rather than stalling
// polling.
func (p *Poller) Errors() <-chan error { return p.errors }

// Start begins polling in the background. Safe to call once.
func (p *Poller) Start(ctx context.Context) error {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()
	if p.running {
		return fmt.Errorf("ledger: poller already running")
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	if err := p.initializeStartBlock(p.ctx); err != nil {
		return err
	}

	p.running = true
	p.wg.Add(1)
	go p.pollLoop()
	return nil
}

// Stop cancels the poll loop and waits for it to exit.
func (p *Poller) Stop() {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()
	if !p.running {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.running = false
	close(p.events)
	close(p.errors)
}

func (p *Poller) initializeStartBlock(ctx context.Context) error {
	if cursor, err := p.cursor.LoadCursor(); err == nil {
		p.setLastBlock(cursor)
		return nil
	}

	head, err := p.client.GetClient().BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("ledger: initialize start block: %w", err)
	}
	start := uint64(0)
	if head > p.cfg.BlockLookback {
		start = head - p.cfg.BlockLookback
	}
	p.setLastBlock(start)
	return nil
}

func (p *Poller) setLastBlock(b uint64) {
	p.lastBlockMu.Lock()
	p.lastBlock = b
	p.lastBlockMu.Unlock()
}

func (p *Poller) getLastBlock() uint64 {
	p.lastBlockMu.RLock()
	defer p.lastBlockMu.RUnlock()
	return p.lastBlock
}

func (p *Poller) pollLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if err := p.pollOnce(p.ctx); err != nil {
				select {
				case p.errors <- err:
				default:
				}
			}
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) error {
	head, err := p.client.GetClient().BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("ledger: poll head: %w", err)
	}
	from := p.getLastBlock() + 1
	if from > head {
		return nil
	}

	query := gethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []gethcommon.Address{p.contractAddr},
	}
	logs, err := p.client.GetClient().FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("ledger: filter logs: %w", err)
	}

	for _, lg := range logs {
		evt, err := p.decode(lg)
		if err != nil {
			continue // unknown/unparseable log, skip rather than stall the window
		}
		p.dispatch(evt)
	}

	p.setLastBlock(head)
	if err := p.cursor.SaveCursor(head); err != nil {
		return fmt.Errorf("ledger: persist cursor: %w", err)
	}
	return nil
}

func (p *Poller) dispatch(evt ContractEvent) {
	select {
	case p.events <- evt:
	default:
	}

	p.handlersMu.RLock()
	handlers := append([]EventHandler(nil), p.handlers[evt.Type()]...)
	p.handlersMu.RUnlock()
	for _, h := range handlers {
		h(evt)
	}
}

func (p *Poller) decode(lg types.Log) (ContractEvent, error) {
	if len(lg.Topics) == 0 {
		return nil, fmt.Errorf("ledger: anonymous log")
	}
	eventDef, err := p.contractABI.EventByID(lg.Topics[0])
	if err != nil {
		return nil, err
	}

	base := baseEvent{
		EvtType: EventType(eventDef.Name),
		Block:   lg.BlockNumber,
		Hash:    lg.TxHash.Hex(),
		At:      time.Now(),
	}

	switch EventType(eventDef.Name) {
	case EventAidRequested:
		requestID := new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64()
		requester := gethcommon.HexToAddress(lg.Topics[2].Hex())
		return AidRequestedEvent{baseEvent: base, RequestID: requestID, Requester: requester}, nil

	case EventVerificationSubmitted:
		requestID := new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64()
		var data struct{ GnssHash [32]byte }
		if err := p.contractABI.UnpackIntoInterface(&data, eventDef.Name, lg.Data); err != nil {
			return nil, err
		}
		return VerificationSubmittedEvent{baseEvent: base, RequestID: requestID, GnssHash: data.GnssHash}, nil

	case EventConsensusSubmitted:
		requestID := new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64()
		var data struct{ Approved bool }
		if err := p.contractABI.UnpackIntoInterface(&data, eventDef.Name, lg.Data); err != nil {
			return nil, err
		}
		return ConsensusSubmittedEvent{baseEvent: base, RequestID: requestID, Approved: data.Approved}, nil

	case EventFulfillerAssigned:
		requestID := new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64()
		var data struct{ Fulfiller gethcommon.Address }
		if err := p.contractABI.UnpackIntoInterface(&data, eventDef.Name, lg.Data); err != nil {
			return nil, err
		}
		return FulfillerAssignedEvent{baseEvent: base, RequestID: requestID, Fulfiller: data.Fulfiller}, nil

	case EventDeliveryVerified:
		requestID := new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64()
		var data struct{ Verified bool }
		if err := p.contractABI.UnpackIntoInterface(&data, eventDef.Name, lg.Data); err != nil {
			return nil, err
		}
		return DeliveryVerifiedEvent{baseEvent: base, RequestID: requestID, Verified: data.Verified}, nil

	case EventPayoutReleased:
		requestID := new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64()
		var data struct{ Amount *big.Int }
		if err := p.contractABI.UnpackIntoInterface(&data, eventDef.Name, lg.Data); err != nil {
			return nil, err
		}
		return PayoutReleasedEvent{baseEvent: base, RequestID: requestID, Amount: data.Amount}, nil

	case EventRequestTimedOut:
		requestID := new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64()
		return RequestTimedOutEvent{baseEvent: base, RequestID: requestID}, nil

	default:
		return nil, fmt.Errorf("ledger: unhandled event %s", eventDef.Name)
	}
}
