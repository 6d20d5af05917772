package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/omnirelay/bounty-relayer/internal/relaytypes"
)

// LoadRelayState fetches and decodes the RelayState for mid. ErrNotFound
// propagates unchanged so callers can distinguish "never observed" from a
// decode or transport failure.
func LoadRelayState(ctx context.Context, kv KV, mid relaytypes.MID) (*relaytypes.RelayState, int64, error) {
	entry, err := kv.Get(ctx, RelayStateKey(mid.String()))
	if err != nil {
		return nil, 0, err
	}
	var state relaytypes.RelayState
	if err := json.Unmarshal(entry.Value, &state); err != nil {
		return nil, 0, fmt.Errorf("store: decode relay state %s: %w", mid, err)
	}
	return &state, entry.Version, nil
}

// KVStateLookup adapts a KV backend into evaluator.StateLookup, defined
// here rather than in package evaluator so the Evaluator has no
// dependency on the storage layer's concrete backends. It also satisfies
// evaluator.Abandoner and provides the Orchestrator's submission-outcome
// recording, so a single value wired at startup covers all three roles.
type KVStateLookup struct {
	KV KV
}

func (l KVStateLookup) Lookup(ctx context.Context, mid relaytypes.MID) (*relaytypes.RelayState, error) {
	state, _, err := LoadRelayState(ctx, l.KV, mid)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("store: no relay state found for %s: %w", mid, err)
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

// UpdateRelayState loads the RelayState for mid (or starts a fresh one if
// none exists yet), applies mutate, and writes it back with a
// compare-and-set retry loop on version conflicts. Shared by every caller
// that needs to mutate a stored RelayState outside the Collector's own
// event-merge path (abandonment verdicts, submission-outcome bookkeeping).
func UpdateRelayState(ctx context.Context, kv KV, mid relaytypes.MID, mutate func(*relaytypes.RelayState)) error {
	key := RelayStateKey(mid.String())
	for {
		state, version, err := LoadRelayState(ctx, kv, mid)
		if errors.Is(err, ErrNotFound) {
			state, version = &relaytypes.RelayState{MID: mid}, 0
		} else if err != nil {
			return err
		}

		mutate(state)

		encoded, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("store: marshal relay state %s: %w", mid, err)
		}

		_, err = kv.SetIfVersion(ctx, key, version, encoded)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return fmt.Errorf("store: update relay state %s: %w", mid, err)
	}
}

// MarkAbandoned persists a permanently-unprofitable verdict for mid,
// satisfying evaluator.Abandoner.
func (l KVStateLookup) MarkAbandoned(ctx context.Context, mid relaytypes.MID, kind relaytypes.OrderKind) error {
	return UpdateRelayState(ctx, l.KV, mid, func(s *relaytypes.RelayState) {
		if kind == relaytypes.OrderKindDelivery {
			s.AbandonedDelivery = true
		} else {
			s.AbandonedAck = true
		}
	})
}

// RecordSubmission updates the attempt count and, once confirmed, the gas
// cost for the given order kind. Called by the Orchestrator when a
// Submitter reports a terminal outcome.
func (l KVStateLookup) RecordSubmission(ctx context.Context, mid relaytypes.MID, kind relaytypes.OrderKind, confirmed bool, gasCost *big.Int) error {
	return UpdateRelayState(ctx, l.KV, mid, func(s *relaytypes.RelayState) {
		if kind == relaytypes.OrderKindDelivery {
			s.DeliveryAttempts++
			if confirmed && gasCost != nil {
				s.DeliveryGasCost = relaytypes.BigInt{Int: gasCost}
			}
		} else {
			s.AckAttempts++
			if confirmed && gasCost != nil {
				s.AckGasCost = relaytypes.BigInt{Int: gasCost}
			}
		}
	})
}
