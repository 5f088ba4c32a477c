// Package viewchange implements the per-block-height view-change state
// machine (C5): a timer that, on expiry, starts a threshold vote to skip a
// stalled leader slot forward to the next view.
package viewchange

import (
	"context"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-chain/internal/aggregator"
	"github.com/Klingon-tech/klingnet-chain/pkg/albatross"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/policy"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Identity supplies the calling validator's slot assignment, queried fresh
// on every timer expiry since status can change between epochs.
type Identity interface {
	// Slot returns the node's slot index and signing key if it is an
	// active validator for the current epoch, or ok=false otherwise.
	Slot() (index uint16, sk *crypto.BLSSecretKey, ok bool)
}

// Machine owns the BLOCK_TIMEOUT timer and the in-flight aggregator (if
// any) for advancing the view number of a stalled block height.
type Machine struct {
	identity Identity
	registry aggregator.IdentityRegistry
	verifier aggregator.Verifier
	reporter aggregator.FaultReporter
	timeout  time.Duration

	onComplete func(vc albatross.ViewChange, proof *albatross.ViewChangeProof)

	mu        sync.Mutex
	blockNum  uint32
	viewNum   uint32
	active    *albatross.ViewChange
	activeAgg *aggregator.Aggregator
	timer     *time.Timer
}

// New constructs a view-change machine. onComplete is invoked (off the
// timer goroutine) whenever this machine's own in-flight vote reaches
// threshold.
func New(identity Identity, registry aggregator.IdentityRegistry, verifier aggregator.Verifier, reporter aggregator.FaultReporter, onComplete func(albatross.ViewChange, *albatross.ViewChangeProof)) *Machine {
	return &Machine{
		identity:   identity,
		registry:   registry,
		verifier:   verifier,
		reporter:   reporter,
		timeout:    policy.BlockTimeoutSeconds * time.Second,
		onComplete: onComplete,
	}
}

// OnChainAdvance resets the timeout and clears any in-flight view change,
// called on every chain-advance event for an active validator.
func (m *Machine) OnChainAdvance(blockNumber, viewNumber uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockNum = blockNumber
	m.viewNum = viewNumber
	m.active = nil
	m.activeAgg = nil
	m.resetTimerLocked()
}

func (m *Machine) resetTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.timeout, m.onTimeout)
}

// Stop cancels the pending timer, used on shutdown.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
}

func (m *Machine) onTimeout() {
	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return
	}
	index, sk, ok := m.identity.Slot()
	if !ok {
		m.resetTimerLocked()
		m.mu.Unlock()
		return
	}

	vc := albatross.ViewChange{BlockNumber: m.blockNum + 1, NewViewNumber: m.viewNum + 1}
	m.active = &vc
	agg := aggregator.New(albatross.ViewChangeSigningBytes(&vc), m.registry, m.verifier, m.reporter)
	m.activeAgg = agg
	m.mu.Unlock()

	sig := sk.Sign(albatross.ViewChangeSigningBytes(&vc))
	contribution := aggregator.Contribution{Signers: singleBit(index), Signature: sig}
	agg.Submit(context.Background(), contribution)

	go m.awaitCompletion(vc, agg)
}

func (m *Machine) awaitCompletion(vc albatross.ViewChange, agg *aggregator.Aggregator) {
	result, ok := <-agg.Done()
	if !ok {
		return
	}
	m.complete(vc, &albatross.ViewChangeProof{Aggregate: albatross.AggregatedSignature{
		Signers:   result.Signers,
		Signature: mustCompress(result.Signature),
	}})
}

func (m *Machine) complete(vc albatross.ViewChange, proof *albatross.ViewChangeProof) {
	m.mu.Lock()
	if m.viewNum >= vc.NewViewNumber {
		m.mu.Unlock()
		return
	}
	m.viewNum = vc.NewViewNumber
	if m.active != nil && *m.active == vc {
		m.active = nil
		m.activeAgg = nil
	}
	m.resetTimerLocked()
	m.mu.Unlock()

	if m.onComplete != nil {
		m.onComplete(vc, proof)
	}
}

// OnNetworkUpdate feeds a peer's contribution into the in-flight aggregator
// for updateBlockNumber, provided it targets the same epoch as our next
// block. Updates for a different epoch are dropped.
func (m *Machine) OnNetworkUpdate(ctx context.Context, updateBlockNumber uint32, c aggregator.Contribution) {
	m.mu.Lock()
	agg := m.activeAgg
	ourEpoch := policy.EpochAt(uint64(m.blockNum) + 1)
	m.mu.Unlock()

	if policy.EpochAt(uint64(updateBlockNumber)) != ourEpoch || agg == nil {
		return
	}
	agg.Submit(ctx, c)
}

func singleBit(index uint16) *types.BitSet {
	bs := types.NewBitSet()
	bs.Set(index)
	return bs
}

func mustCompress(sig *crypto.BLSSignature) [crypto.BLSSignatureSize]byte {
	var out [crypto.BLSSignatureSize]byte
	copy(out[:], sig.Compress())
	return out
}
