package rewardpot

import (
	"testing"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/albatross"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func microBlock(number, view uint32, forkProofs int) *albatross.MicroBlock {
	b := &albatross.MicroBlock{
		Header: albatross.MicroHeader{BlockNumber: number, ViewNumber: view},
	}
	for i := 0; i < forkProofs; i++ {
		b.Body.ForkProofs = append(b.Body.ForkProofs, albatross.ForkProof{})
	}
	return b
}

func TestCommitMicro_AccumulatesCurrent(t *testing.T) {
	pot := New(storage.NewMemory())

	block := microBlock(1, 0, 0)
	if err := pot.CommitMicro(block, 0, 100, 0); err != nil {
		t.Fatalf("CommitMicro: %v", err)
	}
	if pot.Current() == 0 {
		t.Fatal("expected current reward pot to be non-zero after commit")
	}
	if pot.Previous() != 0 {
		t.Fatal("commit_micro must not touch the previous pot")
	}
}

func TestCommitMicro_IncludesFeesForkProofsAndViewSlash(t *testing.T) {
	pot := New(storage.NewMemory())
	block := microBlock(1, 2, 3) // view jumped 0 -> 2, three fork proofs

	if err := pot.CommitMicro(block, 10, 500, 0); err != nil {
		t.Fatalf("CommitMicro: %v", err)
	}

	want := RewardForMicro(block, 10, 500, 0)
	if pot.Current() != want {
		t.Fatalf("current = %d, want %d", pot.Current(), want)
	}
}

func TestRevertMicro_IsExactInverse(t *testing.T) {
	pot := New(storage.NewMemory())
	block := microBlock(5, 1, 1)

	if err := pot.CommitMicro(block, 7, 250, 0); err != nil {
		t.Fatalf("CommitMicro: %v", err)
	}
	before := pot.Current()
	if before == 0 {
		t.Fatal("expected non-zero current before revert")
	}

	if err := pot.RevertMicro(block, 7, 250, 0); err != nil {
		t.Fatalf("RevertMicro: %v", err)
	}
	if pot.Current() != 0 {
		t.Fatalf("current after revert = %d, want 0", pot.Current())
	}
}

func TestRevertMicro_OverflowPanics(t *testing.T) {
	pot := New(storage.NewMemory())
	block := microBlock(1, 0, 0)

	defer func() {
		if recover() == nil {
			t.Fatal("expected revert of an unearned reward to panic")
		}
	}()
	pot.RevertMicro(block, 0, 1, 0)
}

func TestCommitMacro_RollsCurrentIntoPreviousAndZeroes(t *testing.T) {
	pot := New(storage.NewMemory())
	micro := microBlock(1, 0, 0)
	if err := pot.CommitMicro(micro, 0, 1000, 0); err != nil {
		t.Fatalf("CommitMicro: %v", err)
	}
	currentBeforeMacro := pot.Current()

	macro := &albatross.MacroBlock{Header: albatross.MacroHeader{BlockNumber: 32, ViewNumber: 0}}
	if err := pot.CommitMacro(macro, 0, 0); err != nil {
		t.Fatalf("CommitMacro: %v", err)
	}

	if pot.Current() != 0 {
		t.Fatalf("current after commit_macro = %d, want 0", pot.Current())
	}
	want := mustAdd(currentBeforeMacro, RewardForMacro(macro, 0, 0))
	if pot.Previous() != want {
		t.Fatalf("previous = %d, want %d", pot.Previous(), want)
	}
}

func TestCommitEpoch_RejectsNonMacroBlockNumber(t *testing.T) {
	pot := New(storage.NewMemory())
	if err := pot.CommitEpoch(5, 0, 0, 0); err == nil {
		t.Fatal("expected commit_epoch on a non-macro block number to error")
	}
}

func TestCommitEpoch_RecomputesFromScratch(t *testing.T) {
	pot := New(storage.NewMemory())
	// Seed a stale current value that commit_epoch must overwrite, not add to.
	pot.put(currentKey, types.Coin(999))

	if err := pot.CommitEpoch(32, 500, 10, 2); err != nil {
		t.Fatalf("CommitEpoch: %v", err)
	}
	if pot.Current() != 0 {
		t.Fatalf("current after commit_epoch = %d, want 0", pot.Current())
	}
	if pot.Previous() == 0 {
		t.Fatal("expected non-zero previous after commit_epoch")
	}
}
