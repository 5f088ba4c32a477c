package types

import (
	"math"
	"testing"
)

func TestCoin_Add(t *testing.T) {
	sum, err := Coin(10).Add(20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum != 30 {
		t.Errorf("sum = %d, want 30", sum)
	}

	_, err = Coin(math.MaxUint64).Add(1)
	if err != ErrCoinOverflow {
		t.Errorf("got %v, want ErrCoinOverflow", err)
	}
}

func TestCoin_CheckedMul(t *testing.T) {
	product, err := Coin(7).CheckedMul(6)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if product != 42 {
		t.Errorf("product = %d, want 42", product)
	}

	if _, err := Coin(0).CheckedMul(5); err != nil {
		t.Errorf("zero coin should never overflow: %v", err)
	}

	_, err = Coin(math.MaxUint64).CheckedMul(2)
	if err != ErrCoinOverflow {
		t.Errorf("got %v, want ErrCoinOverflow", err)
	}
}

func TestCoin_Sub(t *testing.T) {
	diff, err := Coin(10).Sub(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff != 6 {
		t.Errorf("diff = %d, want 6", diff)
	}

	if _, err := Coin(4).Sub(10); err != ErrCoinOverflow {
		t.Errorf("got %v, want ErrCoinOverflow", err)
	}
}
