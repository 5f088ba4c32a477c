package types

import (
	"bytes"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/pkg/policy"
)

// SlotCount is the number of leader slots per epoch.
const SlotCount = policy.SLOTS

// Slot identifies the validator backing one leader position.
type Slot struct {
	PublicKey     []byte  // compressed BLS public key (48 bytes)
	StakerAddress Address // the staker's account address
	RewardAddress *Address // optional distinct reward payout address
}

// Equal reports whether two slots are owned by the same validator identity
// (same public key and staker address) — used to collapse contiguous runs
// into a GroupedList.
func (s Slot) Equal(other Slot) bool {
	return bytes.Equal(s.PublicKey, other.PublicKey) && s.StakerAddress == other.StakerAddress
}

// Slots is the ordered assignment of every leader position for an epoch.
// Position within Items is the slot index. SlashFine is the per-slot
// penalty charged against a validator for that epoch.
type Slots struct {
	Items     []Slot
	SlashFine Coin
}

// Validate checks that the slot list has exactly SlotCount entries.
func (s *Slots) Validate() error {
	if len(s.Items) != SlotCount {
		return fmt.Errorf("slots: expected %d entries, got %d", SlotCount, len(s.Items))
	}
	return nil
}

// At returns the slot owning the given index.
func (s *Slots) At(index uint16) (Slot, error) {
	if int(index) >= len(s.Items) {
		return Slot{}, fmt.Errorf("slots: index %d out of range (%d slots)", index, len(s.Items))
	}
	return s.Items[index], nil
}

// GroupedListEntry pairs a contiguous run length with the value it repeats.
type GroupedListEntry[T any] struct {
	Count uint16
	Value T
}

// GroupedList is a run-length encoding over SlotCount positions: the sum of
// every entry's Count must equal SlotCount, and a zero-count entry is
// illegal (it would encode a position with no owner).
type GroupedList[T any] []GroupedListEntry[T]

// Validate checks the zero-count and total-count invariants.
func (g GroupedList[T]) Validate() error {
	var total uint32
	for i, e := range g {
		if e.Count == 0 {
			return fmt.Errorf("grouped list: entry %d has zero count", i)
		}
		total += uint32(e.Count)
	}
	if total != SlotCount {
		return fmt.Errorf("grouped list: counts sum to %d, want %d", total, SlotCount)
	}
	return nil
}

// Len returns the total number of positions covered by the list.
func (g GroupedList[T]) Len() int {
	var total int
	for _, e := range g {
		total += int(e.Count)
	}
	return total
}

// GroupSlots collapses an ordered Slots list into a GroupedList of Slot,
// merging contiguous positions owned by the same validator identity.
func GroupSlots(slots []Slot) GroupedList[Slot] {
	var out GroupedList[Slot]
	for _, s := range slots {
		if n := len(out); n > 0 && out[n-1].Value.Equal(s) {
			out[n-1].Count++
			continue
		}
		out = append(out, GroupedListEntry[Slot]{Count: 1, Value: s})
	}
	return out
}

// Expand restores the ordered per-index slot list from a GroupedList.
func (g GroupedList[T]) Expand() []T {
	out := make([]T, 0, SlotCount)
	for _, e := range g {
		for i := uint16(0); i < e.Count; i++ {
			out = append(out, e.Value)
		}
	}
	return out
}
