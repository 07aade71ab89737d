package externalapi

import "math/big"

// Amount is an arbitrary-precision non-negative quantity of value, as
// mandated by spec section 3: it must be able to represent values up
// to 2^256 and must never be represented as a fixed-width float. It is
// a thin, always-non-negative wrapper around math/big.Int.
type Amount struct {
	v big.Int
}

// ZeroAmount returns the Amount representing zero.
func ZeroAmount() Amount {
	return Amount{}
}

// NewAmountFromUint64 constructs an Amount from a uint64.
func NewAmountFromUint64(v uint64) Amount {
	a := Amount{}
	a.v.SetUint64(v)
	return a
}

// NewAmountFromBigInt constructs an Amount from a *big.Int, panicking
// if the value is negative: a negative Amount is a violation of the
// invariant that UTXO and transaction values are always non-negative.
func NewAmountFromBigInt(v *big.Int) Amount {
	if v.Sign() < 0 {
		panic("externalapi: negative Amount")
	}
	a := Amount{}
	a.v.Set(v)
	return a
}

// BigInt returns a copy of the underlying *big.Int.
func (a Amount) BigInt() *big.Int {
	return new(big.Int).Set(&a.v)
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	var out Amount
	out.v.Add(&a.v, &b.v)
	return out
}

// Sub returns a - b, which must be non-negative. Callers must check
// Cmp before subtracting if the result could legitimately be negative
// (e.g. insufficient input value); this method panics otherwise so
// invariant violations surface immediately rather than silently
// wrapping around.
func (a Amount) Sub(b Amount) Amount {
	var out Amount
	out.v.Sub(&a.v, &b.v)
	if out.v.Sign() < 0 {
		panic("externalapi: Amount subtraction underflow")
	}
	return out
}

// TrySub returns a - b and true, or a zero Amount and false if the
// result would be negative.
func (a Amount) TrySub(b Amount) (Amount, bool) {
	var out Amount
	out.v.Sub(&a.v, &b.v)
	if out.v.Sign() < 0 {
		return Amount{}, false
	}
	return out, true
}

// Cmp compares a and b, returning -1, 0, or +1.
func (a Amount) Cmp(b Amount) int {
	return a.v.Cmp(&b.v)
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.v.Sign() == 0
}

// String returns the decimal string representation of the amount.
func (a Amount) String() string {
	return a.v.String()
}

// SumAmounts sums a slice of Amounts using arbitrary-precision
// arithmetic throughout, so no overflow can occur regardless of how
// many outputs are summed.
func SumAmounts(amounts []Amount) Amount {
	sum := ZeroAmount()
	for _, a := range amounts {
		sum = sum.Add(a)
	}
	return sum
}
