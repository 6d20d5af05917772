package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/omnirelay/bounty-relayer/internal/relaytypes"
)

// CursorKey builds the key a Getter's block cursor is stored under.
func CursorKey(chain relaytypes.ChainID) string {
	return fmt.Sprintf("getter_cursor:%d", chain)
}

// KVCursorStore adapts a KV backend into a getter.CursorStore. It is
// defined here, not in package getter, so getter has no dependency on the
// storage layer's concrete backends.
type KVCursorStore struct {
	kv KV
}

func NewKVCursorStore(kv KV) *KVCursorStore {
	return &KVCursorStore{kv: kv}
}

func (c *KVCursorStore) LoadCursor(ctx context.Context, chain relaytypes.ChainID) (uint64, bool, error) {
	entry, err := c.kv.Get(ctx, CursorKey(chain))
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(entry.Value) != 8 {
		return 0, false, fmt.Errorf("store: corrupt cursor value for chain %d", chain)
	}
	return binary.BigEndian.Uint64(entry.Value), true, nil
}

func (c *KVCursorStore) SaveCursor(ctx context.Context, chain relaytypes.ChainID, block uint64) error {
	key := CursorKey(chain)
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, block)

	for {
		entry, err := c.kv.Get(ctx, key)
		var expectedVersion int64
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			expectedVersion = 0
		} else {
			expectedVersion = entry.Version
		}

		_, err = c.kv.SetIfVersion(ctx, key, expectedVersion, buf)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		// Lost the race with a concurrent writer; re-read and retry. A
		// single Getter owns a given chain's cursor, so this only fires
		// under process overlap during a handoff.
	}
}
