package forkpool

import (
	"testing"

	"github.com/Klingon-tech/klingnet-chain/pkg/albatross"
)

func proof(blockNumber, viewNumber uint32, salt byte) albatross.ForkProof {
	h1 := albatross.MicroHeader{BlockNumber: blockNumber, ViewNumber: viewNumber, Timestamp: uint64(salt)}
	h2 := albatross.MicroHeader{BlockNumber: blockNumber, ViewNumber: viewNumber, Timestamp: uint64(salt) + 1}
	return albatross.ForkProof{Header1: h1, Header2: h2}
}

func TestInsert_IsIdempotentPerKey(t *testing.T) {
	p := New()
	p.Insert(proof(10, 0, 1))
	p.Insert(proof(10, 0, 2)) // same key, different headers — still one offense slot
	if p.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", p.Len())
	}
}

func TestInsert_DistinctKeysAccumulate(t *testing.T) {
	p := New()
	p.Insert(proof(10, 0, 1))
	p.Insert(proof(11, 0, 1))
	p.Insert(proof(10, 1, 1))
	if p.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", p.Len())
	}
}

func TestApplyBlock_RemovesIncludedProofs(t *testing.T) {
	p := New()
	fp := proof(10, 0, 1)
	p.Insert(fp)
	p.Insert(proof(11, 0, 1))

	p.ApplyBlock(&albatross.MicroBody{ForkProofs: []albatross.ForkProof{fp}})

	if p.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after apply", p.Len())
	}
}

func TestRevertBlock_ReinstatesProofs(t *testing.T) {
	p := New()
	fp := proof(10, 0, 1)
	p.Insert(fp)
	p.ApplyBlock(&albatross.MicroBody{ForkProofs: []albatross.ForkProof{fp}})
	if p.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after apply", p.Len())
	}

	p.RevertBlock(&albatross.MicroBody{ForkProofs: []albatross.ForkProof{fp}})
	if p.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after revert", p.Len())
	}
}

func TestGetForkProofsForBlock_OrdersByBlockNumberThenView(t *testing.T) {
	p := New()
	p.Insert(proof(20, 0, 1))
	p.Insert(proof(10, 1, 1))
	p.Insert(proof(10, 0, 1))

	got := p.GetForkProofsForBlock(1 << 20)
	if len(got) != 3 {
		t.Fatalf("got %d proofs, want 3", len(got))
	}
	if got[0].Header1.BlockNumber != 10 || got[0].Header1.ViewNumber != 0 {
		t.Fatalf("expected (10,0) first, got (%d,%d)", got[0].Header1.BlockNumber, got[0].Header1.ViewNumber)
	}
	if got[1].Header1.BlockNumber != 10 || got[1].Header1.ViewNumber != 1 {
		t.Fatalf("expected (10,1) second, got (%d,%d)", got[1].Header1.BlockNumber, got[1].Header1.ViewNumber)
	}
	if got[2].Header1.BlockNumber != 20 {
		t.Fatalf("expected (20,*) last, got block_number %d", got[2].Header1.BlockNumber)
	}
}

func TestGetForkProofsForBlock_RespectsMaxBytes(t *testing.T) {
	p := New()
	p.Insert(proof(1, 0, 1))
	p.Insert(proof(2, 0, 1))
	p.Insert(proof(3, 0, 1))

	got := p.GetForkProofsForBlock(0)
	if len(got) != 0 {
		t.Fatalf("got %d proofs with maxBytes=0, want 0", len(got))
	}
}
