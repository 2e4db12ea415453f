package model

import (
	"database/sql/driver"
	"fmt"

	"github.com/holiman/uint256"
)

// Amount wraps uint256.Int so it round-trips through gorm as a decimal text
// column (256-bit values do not fit any native SQL integer type).
type Amount struct {
	*uint256.Int
}

// NewAmount wraps a uint256.Int, initializing to zero if nil.
func NewAmount(v *uint256.Int) Amount {
	if v == nil {
		return Amount{uint256.NewInt(0)}
	}
	return Amount{v}
}

// AmountFromUint64 is a convenience constructor for small literal amounts.
func AmountFromUint64(v uint64) Amount {
	return Amount{uint256.NewInt(v)}
}

// Value implements driver.Valuer, encoding as base-10 text.
func (a Amount) Value() (driver.Value, error) {
	if a.Int == nil {
		return "0", nil
	}
	return a.Int.Dec(), nil
}

// Scan implements sql.Scanner, the inverse of Value.
func (a *Amount) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case nil:
		a.Int = uint256.NewInt(0)
		return nil
	default:
		return fmt.Errorf("model: cannot scan %T into Amount", src)
	}
	parsed, err := uint256.FromDecimal(s)
	if err != nil {
		return fmt.Errorf("model: invalid amount %q: %w", s, err)
	}
	a.Int = parsed
	return nil
}

// Add returns a + b without mutating either operand.
func (a Amount) Add(b Amount) Amount {
	return Amount{new(uint256.Int).Add(a.orZero(), b.orZero())}
}

// Sub returns a - b without mutating either operand.
func (a Amount) Sub(b Amount) Amount {
	return Amount{new(uint256.Int).Sub(a.orZero(), b.orZero())}
}

// GreaterThan reports a > b.
func (a Amount) GreaterThan(b Amount) bool {
	return a.orZero().Gt(b.orZero())
}

// Equal reports a == b.
func (a Amount) Equal(b Amount) bool {
	return a.orZero().Eq(b.orZero())
}

func (a Amount) orZero() *uint256.Int {
	if a.Int == nil {
		return uint256.NewInt(0)
	}
	return a.Int
}
