package aggregator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/policy"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// testRegistry is a fixed-size validator identity table keyed by slot index.
type testRegistry struct {
	keys map[uint16]*crypto.BLSPublicKey
}

func (r *testRegistry) PublicKey(index uint16) (*crypto.BLSPublicKey, bool) {
	pk, ok := r.keys[index]
	return pk, ok
}

// buildRegistry generates n independent validator keys and returns both the
// registry and each index's secret key (for producing test signatures).
func buildRegistry(t *testing.T, n int) (*testRegistry, []*crypto.BLSSecretKey) {
	t.Helper()
	reg := &testRegistry{keys: make(map[uint16]*crypto.BLSPublicKey, n)}
	sks := make([]*crypto.BLSSecretKey, n)
	for i := 0; i < n; i++ {
		ikm := make([]byte, 32)
		ikm[0] = byte(i)
		ikm[1] = byte(i >> 8)
		sk, err := crypto.GenerateBLSKey(ikm)
		if err != nil {
			t.Fatalf("GenerateBLSKey(%d): %v", i, err)
		}
		sks[i] = sk
		reg.keys[uint16(i)] = sk.PublicKey()
	}
	return reg, sks
}

func singleSignerContribution(sk *crypto.BLSSecretKey, index uint16, msg []byte) Contribution {
	bs := types.NewBitSet()
	bs.Set(index)
	return Contribution{Signers: bs, Signature: sk.Sign(msg)}
}

func TestAggregator_CompletesAtTwoThirdSlots(t *testing.T) {
	n := policy.TwoThirdSlots
	reg, sks := buildRegistry(t, n)
	msg := []byte("view-change-tag")

	a := New(msg, reg, DummyVerifier{}, nil)
	ctx := context.Background()
	for i := 0; i < n; i++ {
		a.Submit(ctx, singleSignerContribution(sks[i], uint16(i), msg))
	}

	select {
	case agg := <-a.Done():
		if agg.Signers.Count() != n {
			t.Fatalf("completed aggregate has %d signers, want %d", agg.Signers.Count(), n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("aggregator did not complete after reaching TWO_THIRD_SLOTS")
	}
}

func TestAggregator_DoesNotCompleteBelowThreshold(t *testing.T) {
	n := policy.TwoThirdSlots - 1
	reg, sks := buildRegistry(t, n)
	msg := []byte("view-change-tag")

	a := New(msg, reg, DummyVerifier{}, nil)
	ctx := context.Background()
	for i := 0; i < n; i++ {
		a.Submit(ctx, singleSignerContribution(sks[i], uint16(i), msg))
	}
	waitForSignerCount(t, a, n)

	select {
	case <-a.Done():
		t.Fatal("aggregator completed before reaching TWO_THIRD_SLOTS")
	default:
	}
}

func TestAggregator_DuplicateIndexDiscarded(t *testing.T) {
	reg, sks := buildRegistry(t, 2)
	msg := []byte("tag")

	a := New(msg, reg, DummyVerifier{}, nil)
	ctx := context.Background()
	a.Submit(ctx, singleSignerContribution(sks[0], 0, msg))
	a.Submit(ctx, singleSignerContribution(sks[0], 0, msg))
	waitForSignerCount(t, a, 1)

	if a.SignerCount() != 1 {
		t.Fatalf("SignerCount() = %d, want 1 (duplicate should be discarded)", a.SignerCount())
	}
}

func TestAggregator_UnknownSignerDropped(t *testing.T) {
	reg, _ := buildRegistry(t, 1)
	msg := []byte("tag")

	unknownIKM := make([]byte, 32)
	unknownIKM[0] = 0xFF
	unknownSK, err := crypto.GenerateBLSKey(unknownIKM)
	if err != nil {
		t.Fatalf("GenerateBLSKey: %v", err)
	}

	a := New(msg, reg, NewPooledVerifier(2), nil)
	ctx := context.Background()
	// Index 7 has no entry in the registry.
	a.Submit(ctx, singleSignerContribution(unknownSK, 7, msg))
	waitForSignerCount(t, a, 0)

	if a.SignerCount() != 0 {
		t.Fatalf("SignerCount() = %d, want 0 (unknown signer must be dropped)", a.SignerCount())
	}
}

func TestAggregator_ForgedSignatureReported(t *testing.T) {
	reg, sks := buildRegistry(t, 2)
	msg := []byte("tag")

	reporter := &fakeReporter{}
	a := New(msg, reg, NewPooledVerifier(2), reporter)
	ctx := context.Background()
	// Sign with sks[1]'s key but claim it's index 0 — forged relative to index 0's key.
	a.Submit(ctx, singleSignerContribution(sks[1], 0, msg))
	waitForSignerCount(t, a, 0)
	// Verification runs on the worker pool; wait for the report to land.
	for i := 0; i < 1000 && !reporter.called.Load(); i++ {
		time.Sleep(time.Millisecond)
	}

	if a.SignerCount() != 0 {
		t.Fatalf("SignerCount() = %d, want 0 (forged contribution must not merge)", a.SignerCount())
	}
	if !reporter.called.Load() {
		t.Fatal("expected fault reporter to be called for a forged contribution")
	}
}

type fakeReporter struct {
	called atomic.Bool
}

func (f *fakeReporter) ReportForged(signers *types.BitSet) {
	f.called.Store(true)
}

// waitForSignerCount polls briefly since Submit dispatches verification
// asynchronously; tests assert the quiescent state.
func waitForSignerCount(t *testing.T, a *Aggregator, want int) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		if a.SignerCount() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("SignerCount() never reached %d (stuck at %d)", want, a.SignerCount())
}
