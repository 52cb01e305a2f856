// Package money implements fixed-precision native-unit arithmetic. Amounts
// never cross a component boundary as floating point; everything is an
// integer over the chain's smallest unit (wei, for an 18-decimal chain),
// wrapped in a type that (de)serializes as a decimal string.
package money

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Amount is an integer count of the smallest on-chain unit. The zero value
// is zero native units, not nil; callers must not dereference an
// Amount's internal big.Int directly without going through the accessors
// below, since a zero-value Amount has a nil *big.Int until first use.
type Amount struct {
	v *big.Int
}

// Zero returns the zero Amount.
func Zero() Amount {
	return Amount{v: big.NewInt(0)}
}

// FromBigInt wraps a copy of an existing big.Int, so later changes to v
// do not affect the Amount. A nil v yields zero.
func FromBigInt(v *big.Int) Amount {
	if v == nil {
		return Zero()
	}
	return Amount{v: new(big.Int).Set(v)}
}

// FromString parses a base-10 integer string of smallest units (no decimal
// point, no exponent) into an Amount.
func FromString(s string) (Amount, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("money: invalid integer amount %q", s)
	}
	if v.Sign() < 0 {
		return Amount{}, fmt.Errorf("money: negative amount %q not allowed", s)
	}
	return Amount{v: v}, nil
}

// Big returns a defensive copy of the underlying integer.
func (a Amount) Big() *big.Int {
	if a.v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(a.v)
}

// String renders the amount as a base-10 integer string, matching the
// wire representation produced by FromString.
func (a Amount) String() string {
	if a.v == nil {
		return "0"
	}
	return a.v.String()
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return FromBigInt(new(big.Int).Add(a.Big(), b.Big()))
}

// Sub returns a - b. Callers needing to detect underflow should compare
// with Cmp first; Sub itself does not clamp at zero.
func (a Amount) Sub(b Amount) Amount {
	return FromBigInt(new(big.Int).Sub(a.Big(), b.Big()))
}

// Mul returns a × n for an integer multiplier (e.g. gas units).
func (a Amount) Mul(n int64) Amount {
	return FromBigInt(new(big.Int).Mul(a.Big(), big.NewInt(n)))
}

// Cmp returns -1, 0, or 1 as a is less than, equal to, or greater than b.
func (a Amount) Cmp(b Amount) int {
	return a.Big().Cmp(b.Big())
}

// GreaterThan reports whether a > b.
func (a Amount) GreaterThan(b Amount) bool {
	return a.Cmp(b) > 0
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool {
	return a.Big().Sign() == 0
}

// MarshalJSON renders the amount as a JSON string, never a JSON number, so
// that arbitrarily large integers never pass through a float64.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a JSON string of decimal digits.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("money: amount must be a JSON string: %w", err)
	}
	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
