// Package relaytypes defines the wire- and store-level vocabulary shared by
// every component of the relayer: message identifiers, chain-agnostic
// addresses, bounty events, and the per-message lifecycle aggregate.
package relaytypes

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// MID is the 32-byte message identifier assigned by the escrow contract.
// It is globally unique and every state key in the Store derives from it.
type MID [32]byte

// NewMIDFromHex parses a "0x"-prefixed 64-hex-char string into a MID.
func NewMIDFromHex(s string) (MID, error) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return MID{}, fmt.Errorf("decode MID: %w", err)
	}
	if len(b) != 32 {
		return MID{}, fmt.Errorf("MID must be 32 bytes, got %d", len(b))
	}
	var m MID
	copy(m[:], b)
	return m, nil
}

func (m MID) String() string {
	return "0x" + hex.EncodeToString(m[:])
}

func (m MID) IsZero() bool {
	return m == MID{}
}

func (m MID) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *MID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := NewMIDFromHex(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ChainID is an opaque, adapter-defined chain identifier (an EVM chain ID
// in the reference AMB adapter, but the type stays adapter-agnostic).
type ChainID uint64

func (c ChainID) String() string {
	return fmt.Sprintf("chain(%d)", uint64(c))
}

// Address is a chain-agnostic account/contract address.
type Address []byte

func NewAddressFromHex(s string) (Address, error) {
	if s == "" {
		return Address{}, nil
	}
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode address: %w", err)
	}
	return Address(b), nil
}

func (a Address) String() string {
	if len(a) == 0 {
		return ""
	}
	return "0x" + hex.EncodeToString(a)
}

func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := NewAddressFromHex(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Hash is a 32-byte block or transaction hash.
type Hash [32]byte

func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("decode hash: %w", err)
	}
	if len(b) != 32 {
		return fmt.Errorf("hash must be 32 bytes, got %d", len(b))
	}
	copy(h[:], b)
	return nil
}

// BigInt wraps math/big.Int with decimal-string JSON encoding so 256-bit
// values (gas prices, bounty amounts) round-trip through the Store without
// precision loss.
type BigInt struct {
	*big.Int
}

func NewBigInt(v int64) BigInt {
	return BigInt{big.NewInt(v)}
}

func BigIntFromString(s string) (BigInt, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return BigInt{}, fmt.Errorf("invalid integer: %s", s)
	}
	return BigInt{v}, nil
}

func (b BigInt) MarshalJSON() ([]byte, error) {
	if b.Int == nil {
		return json.Marshal("0")
	}
	return json.Marshal(b.Int.String())
}

func (b *BigInt) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid integer: %s", s)
	}
	b.Int = v
	return nil
}

// Max returns the larger of two BigInt values, treating a nil Int as zero.
func (b BigInt) Max(other BigInt) BigInt {
	a := b.OrZero()
	o := other.OrZero()
	if a.Cmp(o) >= 0 {
		return BigInt{a}
	}
	return BigInt{o}
}

// OrZero returns the wrapped *big.Int, or a fresh zero if unset. Useful
// wherever a zero-value BigInt (nil Int) must behave like an actual zero
// rather than panicking on the first arithmetic call.
func (b BigInt) OrZero() *big.Int {
	if b.Int == nil {
		return big.NewInt(0)
	}
	return b.Int
}
