package pbft

import (
	"context"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-chain/internal/aggregator"
	"github.com/Klingon-tech/klingnet-chain/pkg/albatross"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/policy"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

type testRegistry struct {
	keys map[uint16]*crypto.BLSPublicKey
}

func (r *testRegistry) PublicKey(index uint16) (*crypto.BLSPublicKey, bool) {
	pk, ok := r.keys[index]
	return pk, ok
}

func keyAt(t *testing.T, seed byte) *crypto.BLSSecretKey {
	t.Helper()
	ikm := make([]byte, 32)
	for i := range ikm {
		ikm[i] = seed
	}
	sk, err := crypto.GenerateBLSKey(ikm)
	if err != nil {
		t.Fatalf("GenerateBLSKey: %v", err)
	}
	return sk
}

type fixedIdentity struct {
	index uint16
	sk    *crypto.BLSSecretKey
}

func (f fixedIdentity) Slot() (uint16, *crypto.BLSSecretKey, bool) {
	return f.index, f.sk, true
}

type noBodies struct{}

func (noBodies) BodyFor(types.Hash) (*albatross.MacroBody, bool) { return nil, false }

func buildRoundFixture(t *testing.T, n int) (*Round, []*crypto.BLSSecretKey, *testRegistry, chan struct {
	header albatross.MacroHeader
	proof  *albatross.PbftProof
	body   *albatross.MacroBody
}) {
	t.Helper()
	reg := &testRegistry{keys: map[uint16]*crypto.BLSPublicKey{}}
	sks := make([]*crypto.BLSSecretKey, n)
	for i := range sks {
		sks[i] = keyAt(t, byte(i+1))
		reg.keys[uint16(i)] = sks[i].PublicKey()
	}

	committed := make(chan struct {
		header albatross.MacroHeader
		proof  *albatross.PbftProof
		body   *albatross.MacroBody
	}, 1)

	round := New(fixedIdentity{index: 0, sk: sks[0]}, reg, aggregator.DummyVerifier{}, nil, noBodies{},
		func(h albatross.MacroHeader, p *albatross.PbftProof, b *albatross.MacroBody) {
			committed <- struct {
				header albatross.MacroHeader
				proof  *albatross.PbftProof
				body   *albatross.MacroBody
			}{h, p, b}
		})
	return round, sks, reg, committed
}

func TestRound_FullHappyPath(t *testing.T) {
	n := policy.TwoThirdSlots
	round, sks, _, committed := buildRoundFixture(t, n)

	proposal := &albatross.SignedPbftProposal{Header: albatross.MacroHeader{BlockNumber: 32, ViewNumber: 0}}
	ctx := context.Background()
	if err := round.OnProposal(ctx, "leader-peer", proposal, nil); err != nil {
		t.Fatalf("OnProposal: %v", err)
	}
	if round.Phase() != PhasePreparing {
		t.Fatalf("phase after proposal = %v, want PhasePreparing", round.Phase())
	}

	hash := proposal.Header.Hash()
	prepareMsg := (&albatross.PbftPrepareMessage{BlockHash: hash}).SigningBytes()
	for i := 1; i < n; i++ {
		bs := types.NewBitSet()
		bs.Set(uint16(i))
		round.OnPrepareUpdate(ctx, aggregator.Contribution{Signers: bs, Signature: sks[i].Sign(prepareMsg)})
	}

	waitForPhase(t, round, PhaseCommitting)

	commitMsg := (&albatross.PbftCommitMessage{BlockHash: hash}).SigningBytes()
	for i := 1; i < n; i++ {
		bs := types.NewBitSet()
		bs.Set(uint16(i))
		round.OnCommitUpdate(ctx, aggregator.Contribution{Signers: bs, Signature: sks[i].Sign(commitMsg)})
	}

	select {
	case result := <-committed:
		if result.header.BlockNumber != 32 {
			t.Fatalf("committed block_number = %d, want 32", result.header.BlockNumber)
		}
		if result.proof.Prepare.Signers.Count() != n || result.proof.Commit.Signers.Count() != n {
			t.Fatalf("expected %d signers in both phases, got prepare=%d commit=%d", n, result.proof.Prepare.Signers.Count(), result.proof.Commit.Signers.Count())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("round never reached Committed")
	}
	if round.Phase() != PhaseCommitted {
		t.Fatalf("final phase = %v, want PhaseCommitted", round.Phase())
	}
}

func TestRound_RateLimitRejectsBurst(t *testing.T) {
	round, _, _, _ := buildRoundFixture(t, 2)
	ctx := context.Background()

	var lastErr error
	for i := 0; i < 6; i++ {
		proposal := &albatross.SignedPbftProposal{Header: albatross.MacroHeader{BlockNumber: 32, ViewNumber: uint32(i)}}
		lastErr = round.OnProposal(ctx, "spammy-peer", proposal, nil)
	}
	if lastErr == nil {
		t.Fatal("expected the 6th proposal within the window to be rate limited")
	}
}

func TestRound_SecondProposalNeedsHigherView(t *testing.T) {
	round, _, _, _ := buildRoundFixture(t, 2)
	ctx := context.Background()

	first := &albatross.SignedPbftProposal{Header: albatross.MacroHeader{BlockNumber: 32, ViewNumber: 1}}
	if err := round.OnProposal(ctx, "peer-a", first, nil); err != nil {
		t.Fatalf("first OnProposal: %v", err)
	}

	second := &albatross.SignedPbftProposal{Header: albatross.MacroHeader{BlockNumber: 32, ViewNumber: 1}}
	if err := round.OnProposal(ctx, "peer-b", second, nil); err == nil {
		t.Fatal("expected equal view_number proposal to be rejected")
	}
}

func waitForPhase(t *testing.T, r *Round, want Phase) {
	t.Helper()
	for i := 0; i < 2000; i++ {
		if r.Phase() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("phase never reached %v (stuck at %v)", want, r.Phase())
}
