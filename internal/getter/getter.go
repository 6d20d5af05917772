// Package getter streams contract logs off a single EVM chain in ascending
// block order, tolerating RPC flakiness and lagging the chain head by a
// configurable number of confirmations before a block is treated as final
// enough to read.
package getter

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"

	"github.com/omnirelay/bounty-relayer/internal/relaytypes"
)

// Client is the subset of ethclient.Client the Getter depends on.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Sink receives one tick's worth of logs, already sorted ascending by
// (BlockNumber, Index). A non-nil error prevents the cursor from
// advancing; the same range is retried on the next tick.
type Sink func(ctx context.Context, logs []types.Log) error

// CursorStore persists the next block to read, so a restart resumes
// instead of rereading from StartingBlock.
type CursorStore interface {
	LoadCursor(ctx context.Context, chain relaytypes.ChainID) (block uint64, found bool, err error)
	SaveCursor(ctx context.Context, chain relaytypes.ChainID, block uint64) error
}

// Config controls the polling algorithm. Durations are pre-parsed by the
// caller; internal/config.ChainConfig holds the string form read off disk.
type Config struct {
	Interval      time.Duration
	BlockDelay    uint64
	MaxBlocks     *uint64 // nil = unbounded window
	StartingBlock *uint64
	StoppingBlock *uint64
	RetryInterval time.Duration
}

// Getter polls a single chain for logs matching a fixed address/topic
// filter and hands ranges of them to a Sink in canonical order.
type Getter struct {
	chain     relaytypes.ChainID
	client    Client
	addresses []gethcommon.Address
	topics    []gethcommon.Hash
	cfg       Config
	cursors   CursorStore
	sink      Sink
	lggr      logger.Logger

	blockExecutor failsafe.Executor[uint64]
	logsExecutor  failsafe.Executor[[]types.Log]

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Getter. addresses/topics form the eth_getLogs filter;
// passing no addresses watches every contract (only sensible when topics
// narrows the match set).
func New(chain relaytypes.ChainID, client Client, addresses []gethcommon.Address, topics []gethcommon.Hash, cfg Config, cursors CursorStore, sink Sink, lggr logger.Logger) *Getter {
	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = time.Second
	}

	return &Getter{
		chain:         chain,
		client:        client,
		addresses:     addresses,
		topics:        topics,
		cfg:           cfg,
		cursors:       cursors,
		sink:          sink,
		lggr:          lggr,
		blockExecutor: buildExecutor[uint64](chain, retryInterval, lggr),
		logsExecutor:  buildExecutor[[]types.Log](chain, retryInterval, lggr),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// buildExecutor composes a circuit breaker and a bounded-exponential retry
// policy, matching the RPC-resilience layering used across the chain
// readers this repo's Getter is modeled on.
func buildExecutor[T any](chain relaytypes.ChainID, retryInterval time.Duration, lggr logger.Logger) failsafe.Executor[T] {
	cb := circuitbreaker.Builder[T]().
		HandleIf(func(_ T, err error) bool { return err != nil }).
		WithFailureThreshold(5).
		WithDelay(30 * time.Second).
		OnOpen(func(circuitbreaker.StateChangedEvent) {
			lggr.Warnw("getter circuit breaker opened", "chain", chain)
		}).
		OnClose(func(circuitbreaker.StateChangedEvent) {
			lggr.Infow("getter circuit breaker closed", "chain", chain)
		}).
		Build()

	retry := retrypolicy.Builder[T]().
		HandleIf(func(_ T, err error) bool { return err != nil }).
		WithBackoff(retryInterval, retryInterval<<5).
		WithMaxRetries(-1).
		OnRetry(func(event failsafe.ExecutionEvent[T]) {
			lggr.Debugw("getter retrying RPC call", "chain", chain, "attempt", event.Attempts(), "error", event.LastError())
		}).
		Build()

	return failsafe.NewExecutor[T](cb, retry)
}

// Start launches the polling loop in its own goroutine.
func (g *Getter) Start(ctx context.Context) {
	go g.run(ctx)
}

// Stop signals the polling loop to exit and waits for it to finish its
// current tick.
func (g *Getter) Stop() {
	close(g.stopCh)
	<-g.doneCh
}

func (g *Getter) run(ctx context.Context) {
	defer close(g.doneCh)

	cursor, err := g.initialCursor(ctx)
	if err != nil {
		g.lggr.Errorw("getter failed to determine starting cursor", "chain", g.chain, "error", err)
		return
	}
	g.lggr.Infow("getter starting", "chain", g.chain, "cursor", cursor)

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		default:
		}

		if g.cfg.StoppingBlock != nil && cursor > *g.cfg.StoppingBlock {
			g.lggr.Infow("getter reached stopping block, exiting", "chain", g.chain, "stoppingBlock", *g.cfg.StoppingBlock)
			return
		}

		next, advanced, err := g.tick(ctx, cursor)
		if err != nil {
			g.lggr.Errorw("getter tick failed, will retry next interval", "chain", g.chain, "cursor", cursor, "error", err)
		}
		if advanced {
			cursor = next
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-time.After(g.cfg.Interval):
		}
	}
}

func (g *Getter) initialCursor(ctx context.Context) (uint64, error) {
	if g.cursors != nil {
		if saved, found, err := g.cursors.LoadCursor(ctx, g.chain); err != nil {
			return 0, fmt.Errorf("load cursor: %w", err)
		} else if found {
			return saved, nil
		}
	}
	if g.cfg.StartingBlock != nil {
		return *g.cfg.StartingBlock, nil
	}
	return 0, nil
}

// tick executes one iteration of the algorithm: compute the safe head,
// fetch the next range, hand it to the sink, and advance the cursor. It
// returns advanced=false when there is nothing new to read yet.
func (g *Getter) tick(ctx context.Context, cursor uint64) (nextCursor uint64, advanced bool, err error) {
	head, err := g.headBlock(ctx)
	if err != nil {
		return cursor, false, fmt.Errorf("fetch head: %w", err)
	}
	if head < cursor {
		return cursor, false, nil
	}

	upper := head
	if g.cfg.MaxBlocks != nil && cursor+*g.cfg.MaxBlocks-1 < upper {
		upper = cursor + *g.cfg.MaxBlocks - 1
	}

	logs, err := g.fetchLogs(ctx, cursor, upper)
	if err != nil {
		return cursor, false, fmt.Errorf("fetch logs [%d,%d]: %w", cursor, upper, err)
	}

	sortLogs(logs)

	if err := g.sink(ctx, logs); err != nil {
		return cursor, false, fmt.Errorf("sink logs [%d,%d]: %w", cursor, upper, err)
	}

	next := upper + 1
	if g.cursors != nil {
		if err := g.cursors.SaveCursor(ctx, g.chain, next); err != nil {
			return cursor, false, fmt.Errorf("save cursor: %w", err)
		}
	}

	if len(logs) > 0 {
		g.lggr.Infow("getter processed range", "chain", g.chain, "fromBlock", cursor, "toBlock", upper, "logs", len(logs))
	} else {
		g.lggr.Debugw("getter processed empty range", "chain", g.chain, "fromBlock", cursor, "toBlock", upper)
	}

	return next, true, nil
}

func (g *Getter) headBlock(ctx context.Context) (uint64, error) {
	latest, err := g.blockExecutor.GetWithExecution(func(_ failsafe.Execution[uint64]) (uint64, error) {
		return g.client.BlockNumber(ctx)
	})
	if err != nil {
		return 0, err
	}
	if latest < g.cfg.BlockDelay {
		return 0, nil
	}
	return latest - g.cfg.BlockDelay, nil
}

func (g *Getter) fetchLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: blockNumberBigInt(from),
		ToBlock:   blockNumberBigInt(to),
		Addresses: g.addresses,
		Topics:    [][]gethcommon.Hash{g.topics},
	}
	return g.logsExecutor.GetWithExecution(func(_ failsafe.Execution[[]types.Log]) ([]types.Log, error) {
		return g.client.FilterLogs(ctx, query)
	})
}

func sortLogs(logs []types.Log) {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
}
