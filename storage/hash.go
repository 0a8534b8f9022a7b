package storage

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Hash is a 32-byte digest persisted as 64 lower-case hex characters.
type Hash [32]byte

// HashFrom converts a go-ethereum hash.
func HashFrom(h common.Hash) Hash {
	return Hash(h)
}

// Common returns the go-ethereum representation.
func (h Hash) Common() common.Hash {
	return common.Hash(h)
}

// IsZero reports whether the hash is all zeroes.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Value implements driver.Valuer.
func (h Hash) Value() (driver.Value, error) {
	return h.String(), nil
}

// Scan implements sql.Scanner.
func (h *Hash) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	case nil:
		*h = Hash{}
		return nil
	default:
		return fmt.Errorf("unsupported hash type %T", src)
	}
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return fmt.Errorf("decode hash: %w", err)
	}
	if len(decoded) != len(h) {
		return fmt.Errorf("hash must be %d bytes, got %d", len(h), len(decoded))
	}
	copy(h[:], decoded)
	return nil
}

// GormDataType implements schema.GormDataTypeInterface.
func (Hash) GormDataType() string {
	return "string"
}

// HexAddress renders an address in the fixed-width storage form (40 lower-case
// hex characters, no prefix).
func HexAddress(addr common.Address) string {
	return hex.EncodeToString(addr.Bytes())
}

// ParseHexAddress reverses HexAddress. A 0x prefix is tolerated.
func ParseHexAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "0x")
	if len(trimmed) != 2*common.AddressLength {
		return common.Address{}, fmt.Errorf("address %q must be %d hex characters", raw, 2*common.AddressLength)
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode address: %w", err)
	}
	return common.BytesToAddress(decoded), nil
}
