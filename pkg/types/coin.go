package types

import "errors"

// ErrCoinOverflow is returned by checked Coin arithmetic that would wrap.
// Per the error handling design, overflow in consensus math is treated as
// fatal by callers (the reward accumulator panics on it); Coin itself only
// reports the condition.
var ErrCoinOverflow = errors.New("coin: overflow")

// Coin is a non-negative integer amount of base units with checked
// arithmetic. The zero value is zero coins.
type Coin uint64

// Add returns c+other, or ErrCoinOverflow if the sum would wrap.
func (c Coin) Add(other Coin) (Coin, error) {
	sum := c + other
	if sum < c {
		return 0, ErrCoinOverflow
	}
	return sum, nil
}

// CheckedMul returns c*factor, or ErrCoinOverflow if the product would wrap.
func (c Coin) CheckedMul(factor uint64) (Coin, error) {
	if factor == 0 || c == 0 {
		return 0, nil
	}
	product := c * Coin(factor)
	if uint64(product)/factor != uint64(c) {
		return 0, ErrCoinOverflow
	}
	return product, nil
}

// Sub returns c-other, or ErrCoinOverflow if other > c (Coin is unsigned).
func (c Coin) Sub(other Coin) (Coin, error) {
	if other > c {
		return 0, ErrCoinOverflow
	}
	return c - other, nil
}

// Uint64 returns the raw base-unit amount.
func (c Coin) Uint64() uint64 {
	return uint64(c)
}
