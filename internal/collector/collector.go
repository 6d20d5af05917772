// Package collector turns raw chain logs into RelayState mutations: decode
// through an AMB adapter, merge into the per-MID aggregate, and persist the
// result with optimistic concurrency control.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"

	"github.com/omnirelay/bounty-relayer/internal/amb"
	"github.com/omnirelay/bounty-relayer/internal/relayerr"
	"github.com/omnirelay/bounty-relayer/internal/relaytypes"
	"github.com/omnirelay/bounty-relayer/internal/store"
)

// Collector decodes logs from a single AMB adapter and folds them into the
// shared Store, keyed by MID.
type Collector struct {
	decoder   amb.Decoder
	kv        store.KV
	chain     relaytypes.ChainID
	lggr      logger.Logger
	onChanged func(relaytypes.BountyEvent, *relaytypes.RelayState)
}

// Option configures optional Collector behavior.
type Option func(*Collector)

// WithOnChanged registers a callback invoked synchronously after every
// successful write, with the triggering event and the resulting merged
// RelayState. The Orchestrator uses this to learn about a MID the instant
// its own chain's Collector touches it, without waiting on the Store's
// best-effort pub/sub hint; the triggering event tells it whether this
// chain is the MID's origin (Placed/Increased/Claimed) or merely a
// delivery destination (Delivered) observing a MID it doesn't own.
func WithOnChanged(fn func(relaytypes.BountyEvent, *relaytypes.RelayState)) Option {
	return func(c *Collector) { c.onChanged = fn }
}

// New builds a Collector that folds decoded events into kv on behalf of
// chain. Every event fold that isn't a delivery observation also pushes
// the MID onto chain's pending-orders queue (store.PendingOrdersKey), so a
// restarted Orchestrator can re-seed its active set by draining the queue
// instead of depending solely on events observed during the current run.
func New(decoder amb.Decoder, kv store.KV, chain relaytypes.ChainID, lggr logger.Logger, opts ...Option) *Collector {
	c := &Collector{decoder: decoder, kv: kv, chain: chain, lggr: lggr}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandleLogs decodes and merges a batch of logs, returned in the order a
// Getter delivers them (ascending block order). It stops and returns an
// error on the first storage failure so the Getter's cursor does not
// advance past unprocessed logs; a log this adapter doesn't recognize, or
// one that fails to decode, is skipped and logged, not fatal to the batch.
func (c *Collector) HandleLogs(ctx context.Context, logs []types.Log) error {
	for _, l := range logs {
		if err := c.handleLog(ctx, l); err != nil {
			var invalid *relayerr.InvalidEvent
			if errors.As(err, &invalid) {
				c.lggr.Warnw("collector skipping invalid event", "block", l.BlockNumber, "index", l.Index, "error", err)
				continue
			}
			return err
		}
	}
	return nil
}

func (c *Collector) handleLog(ctx context.Context, l types.Log) error {
	ev, err := c.decoder.Decode(l)
	if err != nil {
		return &relayerr.InvalidEvent{Reason: "decode failed", Err: err}
	}
	if ev == nil {
		return nil
	}
	return c.upsert(ctx, *ev)
}

// upsert applies ev to the stored RelayState for ev.MID, retrying on a
// compare-and-set conflict from a concurrent writer (a second AMB adapter
// racing to fold an event for the same MID).
func (c *Collector) upsert(ctx context.Context, ev relaytypes.BountyEvent) error {
	key := store.RelayStateKey(ev.MID.String())

	for {
		state, expectedVersion, err := c.load(ctx, ev)
		if err != nil {
			return err
		}

		changed := state.ApplyEvent(ev)
		if !changed && expectedVersion != 0 {
			return nil
		}

		encoded, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("collector: marshal relay state %s: %w", ev.MID, err)
		}

		_, err = c.kv.SetIfVersion(ctx, key, expectedVersion, encoded)
		if err == nil {
			if ev.Kind() != relaytypes.KindMessageDelivered {
				if pushErr := c.kv.Push(ctx, store.PendingOrdersKey(c.chain.String()), ev.MID.String()); pushErr != nil {
					c.lggr.Warnw("collector: failed to enqueue pending order", "chain", c.chain, "mid", ev.MID, "error", pushErr)
				}
			}
			if c.onChanged != nil {
				c.onChanged(ev, state)
			}
			return nil
		}
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		return fmt.Errorf("collector: store relay state %s: %w", ev.MID, err)
	}
}

func (c *Collector) load(ctx context.Context, ev relaytypes.BountyEvent) (*relaytypes.RelayState, int64, error) {
	state, version, err := store.LoadRelayState(ctx, c.kv, ev.MID)
	if errors.Is(err, store.ErrNotFound) {
		return &relaytypes.RelayState{MID: ev.MID}, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("collector: load relay state %s: %w", ev.MID, err)
	}
	return state, version, nil
}
