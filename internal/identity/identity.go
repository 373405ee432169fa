package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Len is the byte length of an identity key.
const Len = 16

var ErrInvalidKey = errors.New("identity: invalid key")

// Key is an opaque beneficiary identifier. The zero key is reserved as the
// "no batch" sentinel and never names a deposit.
type Key [Len]byte

// Zero is the sentinel key.
var Zero Key

// FromAddress derives the key deposits are filed under for addr:
//
//	key = keccak256(addr)[:16]
func FromAddress(addr common.Address) Key {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(addr.Bytes())
	sum := h.Sum(nil)

	var out Key
	copy(out[:], sum[:Len])
	return out
}

func (k Key) IsZero() bool {
	return k == Zero
}

func (k Key) Hex() string {
	return "0x" + hex.EncodeToString(k[:])
}

func (k Key) String() string {
	return k.Hex()
}

// Parse decodes a 0x-prefixed (or bare) 32 character hex key. "0" and "0x0"
// are accepted as shorthand for the sentinel.
func Parse(s string) (Key, error) {
	s = strings.TrimSpace(s)
	raw := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if raw == "0" {
		return Zero, nil
	}
	if len(raw) != 2*Len {
		return Zero, fmt.Errorf("%w: want %d hex chars, got %d", ErrInvalidKey, 2*Len, len(raw))
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return Zero, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	var out Key
	copy(out[:], b)
	return out, nil
}

// FromBytes copies a 16-byte slice into a Key.
func FromBytes(b []byte) (Key, error) {
	if len(b) != Len {
		return Zero, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, Len, len(b))
	}
	var out Key
	copy(out[:], b)
	return out, nil
}

func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.Hex()), nil
}

func (k *Key) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*k = v
	return nil
}
