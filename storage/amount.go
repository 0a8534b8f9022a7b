package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Amount is an arbitrary precision unsigned quantity. It is persisted as a
// decimal string so that no backend narrows it below the 80 digits the
// ledger may carry.
type Amount struct {
	v *big.Int
}

// NewAmount copies the supplied value. Nil is treated as zero.
func NewAmount(v *big.Int) Amount {
	if v == nil {
		return Amount{v: new(big.Int)}
	}
	return Amount{v: new(big.Int).Set(v)}
}

// AmountFromUint64 builds an Amount from a machine integer.
func AmountFromUint64(u uint64) Amount {
	return Amount{v: new(big.Int).SetUint64(u)}
}

// ParseAmount parses a base-10 unsigned integer.
func ParseAmount(raw string) (Amount, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Amount{}, fmt.Errorf("amount required")
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return Amount{}, fmt.Errorf("parse amount %q", raw)
	}
	if v.Sign() < 0 {
		return Amount{}, fmt.Errorf("amount %q is negative", raw)
	}
	return Amount{v: v}, nil
}

// Big returns a copy of the underlying value.
func (a Amount) Big() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.v)
}

// Cmp compares two amounts.
func (a Amount) Cmp(b Amount) int {
	return a.Big().Cmp(b.Big())
}

// Sign reports -1, 0 or 1.
func (a Amount) Sign() int {
	if a.v == nil {
		return 0
	}
	return a.v.Sign()
}

// Add returns a+b.
func (a Amount) Add(b Amount) Amount {
	return Amount{v: new(big.Int).Add(a.Big(), b.Big())}
}

func (a Amount) String() string {
	if a.v == nil {
		return "0"
	}
	return a.v.String()
}

// Value implements driver.Valuer.
func (a Amount) Value() (driver.Value, error) {
	if a.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %s", a.String())
	}
	return a.String(), nil
}

// Scan implements sql.Scanner.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		a.v = new(big.Int)
		return nil
	case int64:
		a.v = big.NewInt(v)
	case string:
		parsed, err := ParseAmount(v)
		if err != nil {
			return err
		}
		*a = parsed
	case []byte:
		parsed, err := ParseAmount(string(v))
		if err != nil {
			return err
		}
		*a = parsed
	default:
		return fmt.Errorf("unsupported amount type %T", src)
	}
	if a.v.Sign() < 0 {
		return fmt.Errorf("negative amount %s", a.v.String())
	}
	return nil
}

// GormDataType implements schema.GormDataTypeInterface.
func (Amount) GormDataType() string {
	return "amount"
}

// GormDBDataType selects a lossless column type per dialect.
func (Amount) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db != nil && db.Dialector != nil && db.Dialector.Name() == "postgres" {
		return "numeric(80,0)"
	}
	return "text"
}

// MarshalJSON encodes the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes a decimal string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseAmount(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
