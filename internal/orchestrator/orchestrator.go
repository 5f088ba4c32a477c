// Package orchestrator implements the validator orchestrator (C7): the
// top-level status machine that decides whether this node is an active
// validator for the current epoch, reacts to blockchain and network
// events, and triggers the block producer (C2) when it is the next
// leader.
package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-chain/internal/aggregator"
	"github.com/Klingon-tech/klingnet-chain/internal/chainface"
	"github.com/Klingon-tech/klingnet-chain/internal/viewchange"
	"github.com/Klingon-tech/klingnet-chain/pkg/albatross"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Status is this node's role for the current epoch.
type Status int

const (
	StatusNone Status = iota
	StatusSynced
	StatusPotential
	StatusActive
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusSynced:
		return "synced"
	case StatusPotential:
		return "potential"
	case StatusActive:
		return "active"
	default:
		return "unknown"
	}
}

// ValidatorState is this node's epoch-scoped validator bookkeeping,
// mirrored read-only via State().
type ValidatorState struct {
	SlotIndex          uint16
	SlotCount          uint16
	Status             Status
	ViewNumber         uint32
	ActiveViewChange   *albatross.ViewChange
	ProposedExtrinsics map[types.Hash]*albatross.MacroBody
}

// Producer is the block-assembly dependency (C2).
type Producer interface {
	NextMicroBlock(extraData []byte, timestamp uint64, viewNumber uint32, viewChangeProof *albatross.ViewChangeProof) (*albatross.MicroBlock, error)
	NextMacroBlockProposal(timestamp uint64, viewNumber uint32, viewChangeProof *albatross.ViewChangeProof) (*albatross.SignedPbftProposal, *albatross.MacroBody, error)
}

// ForkProofPool is the fork-evidence dependency (C3).
type ForkProofPool interface {
	Insert(fp albatross.ForkProof)
	ApplyBlock(body *albatross.MicroBody)
	RevertBlock(body *albatross.MicroBody)
}

// Clock supplies the wall-clock timestamp (unix millis) proposed for a
// produced block. A seam so tests don't depend on real time.
type Clock interface {
	Now() uint64
}

// SystemClock is the production Clock, backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() uint64 { return uint64(time.Now().UnixMilli()) }

// slotRegistry is a swappable aggregator.IdentityRegistry: the slot ->
// public key mapping changes every epoch, but the view-change machine and
// PBFT rounds are constructed once and hold a stable reference to it.
type slotRegistry struct {
	mu   sync.RWMutex
	keys map[uint16]*crypto.BLSPublicKey
}

func newSlotRegistry() *slotRegistry { return &slotRegistry{} }

func (r *slotRegistry) PublicKey(index uint16) (*crypto.BLSPublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pk, ok := r.keys[index]
	return pk, ok
}

func (r *slotRegistry) setAll(keys map[uint16]*crypto.BLSPublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = keys
}

// Orchestrator ties the block producer, fork-proof pool, and view-change
// machine to the blockchain's event feed.
type Orchestrator struct {
	chain    chainface.Facade
	producer Producer
	forkPool ForkProofPool
	clock    Clock
	key      *crypto.BLSSecretKey
	pubKey   []byte

	registry   *slotRegistry
	viewChange *viewchange.Machine

	onMicroBlockProduced func(*albatross.MicroBlock)
	onMacroProposal      func(*albatross.SignedPbftProposal, *albatross.MacroBody)

	mu    sync.Mutex
	state ValidatorState

	events      <-chan chainface.BlockchainEvent
	unsubscribe func()
	done        chan struct{}
}

// Options configures optional Orchestrator collaborators.
type Options struct {
	Clock                Clock
	Verifier             aggregator.Verifier
	Reporter             aggregator.FaultReporter
	OnMicroBlockProduced func(*albatross.MicroBlock)
	OnMacroProposal      func(*albatross.SignedPbftProposal, *albatross.MacroBody)
}

// New constructs an orchestrator in StatusNone, not yet subscribed.
func New(chain chainface.Facade, producer Producer, forkPool ForkProofPool, key *crypto.BLSSecretKey, opts Options) *Orchestrator {
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	verifier := opts.Verifier
	if verifier == nil {
		verifier = aggregator.NewPooledVerifier(8)
	}
	o := &Orchestrator{
		chain:                chain,
		producer:             producer,
		forkPool:             forkPool,
		clock:                clock,
		key:                  key,
		pubKey:               key.PublicKey().Compress(),
		registry:             newSlotRegistry(),
		onMicroBlockProduced: opts.OnMicroBlockProduced,
		onMacroProposal:      opts.OnMacroProposal,
	}
	o.viewChange = viewchange.New(o, o.registry, verifier, opts.Reporter, o.onViewChangeComplete)
	return o
}

// IdentityRegistry exposes the slot-index -> public key mapping for the current
// epoch, so PBFT rounds can be constructed against the same identities
// this orchestrator's own view-change machine uses.
func (o *Orchestrator) IdentityRegistry() aggregator.IdentityRegistry { return o.registry }

// Slot implements viewchange.Identity and pbft.Identity: this node only
// has a slot assignment while it is an active validator.
func (o *Orchestrator) Slot() (uint16, *crypto.BLSSecretKey, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Status != StatusActive {
		return 0, nil, false
	}
	return o.state.SlotIndex, o.key, true
}

// State returns a snapshot of the current validator state.
func (o *Orchestrator) State() ValidatorState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start subscribes to blockchain events and begins processing them on a
// dedicated goroutine — required because handlers may call back into
// chain methods that would deadlock if run on the blockchain's own
// notification stack while it still holds the push lock.
func (o *Orchestrator) Start() {
	o.events, o.unsubscribe = o.chain.Subscribe()
	o.done = make(chan struct{})
	go o.run()
}

// Stop cancels the event subscription and the view-change timer.
func (o *Orchestrator) Stop() {
	if o.unsubscribe != nil {
		o.unsubscribe()
	}
	if o.done != nil {
		close(o.done)
	}
	o.viewChange.Stop()
}

func (o *Orchestrator) run() {
	for {
		select {
		case e, ok := <-o.events:
			if !ok {
				return
			}
			o.handleBlockchainEvent(e)
		case <-o.done:
			return
		}
	}
}

// OnConsensusEstablished re-derives epoch membership and, if this node is
// now an active validator, immediately checks whether it is the next
// leader (the chain may already be waiting on a block).
func (o *Orchestrator) OnConsensusEstablished() {
	o.initEpoch()
	if o.State().Status == StatusActive {
		o.onSlotChange(nil, nil)
	}
}

// OnConsensusLost drops this node out of validator duty until consensus
// re-establishes.
func (o *Orchestrator) OnConsensusLost() {
	o.mu.Lock()
	o.state.Status = StatusNone
	o.mu.Unlock()
}

// OnForkProof records a fork proof learned from the network.
func (o *Orchestrator) OnForkProof(fp albatross.ForkProof) {
	o.forkPool.Insert(fp)
}

// OnViewChangeUpdate feeds a peer's view-change contribution into the
// orchestrator's view-change machine.
func (o *Orchestrator) OnViewChangeUpdate(ctx context.Context, blockNumber uint32, c aggregator.Contribution) {
	o.viewChange.OnNetworkUpdate(ctx, blockNumber, c)
}

func (o *Orchestrator) handleBlockchainEvent(e chainface.BlockchainEvent) {
	switch e.Kind {
	case chainface.EventFinalized:
		o.initEpoch()
	case chainface.EventExtended:
		if e.Body != nil {
			o.forkPool.ApplyBlock(e.Body)
		}
	case chainface.EventRebranched:
		for _, b := range e.RevertBodies {
			o.forkPool.RevertBlock(b)
		}
		for _, b := range e.ApplyBodies {
			o.forkPool.ApplyBlock(b)
		}
	}

	viewNumber := o.chain.ViewNumber()
	blockNumber := o.chain.BlockNumber()

	o.mu.Lock()
	o.state.ViewNumber = viewNumber
	o.state.ProposedExtrinsics = nil
	status := o.state.Status
	if status == StatusPotential || status == StatusActive {
		o.state.ActiveViewChange = nil
	}
	o.mu.Unlock()

	if status == StatusPotential || status == StatusActive {
		o.viewChange.OnChainAdvance(blockNumber, viewNumber)
	}
	if status == StatusActive {
		o.onSlotChange(nil, nil)
	}
}

// initEpoch re-derives this node's slot assignment from the chain's
// current validator set and updates the status machine accordingly.
func (o *Orchestrator) initEpoch() {
	grouped := o.chain.CurrentValidators()
	slots := grouped.Expand()

	registry := make(map[uint16]*crypto.BLSPublicKey, len(slots))
	found := false
	var index, count uint16
	for i, s := range slots {
		pk, err := crypto.BLSPublicKeyFromBytes(s.PublicKey)
		if err != nil {
			continue
		}
		registry[uint16(i)] = pk
		if bytes.Equal(s.PublicKey, o.pubKey) {
			if !found {
				index = uint16(i)
			}
			found = true
			count++
		}
	}
	o.registry.setAll(registry)

	o.mu.Lock()
	o.state.ViewNumber = 0
	if found {
		o.state.SlotIndex = index
		o.state.SlotCount = count
		o.state.Status = StatusActive
	} else {
		o.state.SlotIndex = 0
		o.state.SlotCount = 0
		// Without a staking-registry contract (§1 non-goal) this engine
		// cannot distinguish "staked but not selected this epoch"
		// (Potential) from a plain synced observer, so it always lands
		// on Synced.
		o.state.Status = StatusSynced
	}
	o.mu.Unlock()
}

func (o *Orchestrator) onViewChangeComplete(vc albatross.ViewChange, proof *albatross.ViewChangeProof) {
	o.onSlotChange(&vc, proof)
}

// onSlotChange is SlotChange::NextBlock when vc is nil, or
// SlotChange::ViewChange(vc, proof) otherwise. It decides the view number
// to produce at and, if this node is the next leader for it, spawns block
// production.
func (o *Orchestrator) onSlotChange(vc *albatross.ViewChange, proof *albatross.ViewChangeProof) {
	var viewNumber uint32
	var useProof *albatross.ViewChangeProof

	if vc == nil {
		viewNumber = o.State().ViewNumber
	} else {
		o.mu.Lock()
		if o.state.ActiveViewChange != nil && *o.state.ActiveViewChange == *vc {
			o.state.ActiveViewChange = nil
		}
		if o.state.ViewNumber < vc.NewViewNumber {
			o.state.ViewNumber = vc.NewViewNumber
			viewNumber = vc.NewViewNumber
			useProof = proof
		} else {
			viewNumber = o.state.ViewNumber
		}
		o.mu.Unlock()
	}

	leader, err := o.IsNextLeader(viewNumber)
	if err != nil || !leader {
		return
	}
	go o.produceBlock(viewNumber, useProof)
}

// IsNextLeader reports whether this node is the slot assigned to produce
// the next block at the given view number.
func (o *Orchestrator) IsNextLeader(viewNumber uint32) (bool, error) {
	_, index, err := o.chain.GetNextBlockProducer(viewNumber, nil)
	if err != nil {
		return false, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Status == StatusActive && o.state.SlotIndex == index, nil
}

func (o *Orchestrator) produceBlock(viewNumber uint32, proof *albatross.ViewChangeProof) {
	blockType, err := o.chain.GetNextBlockType(nil)
	if err != nil {
		return
	}
	ts := o.clock.Now()

	switch blockType {
	case chainface.BlockTypeMacro:
		proposal, body, err := o.producer.NextMacroBlockProposal(ts, viewNumber, proof)
		if err != nil {
			return
		}
		hash := proposal.Header.Hash()
		o.mu.Lock()
		if o.state.ProposedExtrinsics == nil {
			o.state.ProposedExtrinsics = make(map[types.Hash]*albatross.MacroBody)
		}
		o.state.ProposedExtrinsics[hash] = body
		o.mu.Unlock()
		if o.onMacroProposal != nil {
			o.onMacroProposal(proposal, body)
		}
	case chainface.BlockTypeMicro:
		block, err := o.producer.NextMicroBlock(nil, ts, viewNumber, proof)
		if err != nil {
			return
		}
		if _, err := o.chain.Push(block); err != nil {
			return
		}
		if o.onMicroBlockProduced != nil {
			o.onMicroBlockProduced(block)
		}
	}
}

// OnPbftCommitComplete finalizes a macro block once its PBFT round
// commits. body is nil when the commit was observed via gossip rather
// than produced locally, in which case the body proposed by this node
// (if any) is used.
func (o *Orchestrator) OnPbftCommitComplete(header albatross.MacroHeader, proof *albatross.PbftProof, body *albatross.MacroBody) error {
	if body == nil {
		hash := header.Hash()
		o.mu.Lock()
		b, ok := o.state.ProposedExtrinsics[hash]
		if ok {
			delete(o.state.ProposedExtrinsics, hash)
		}
		o.mu.Unlock()
		if !ok {
			return fmt.Errorf("orchestrator: no locally proposed body for committed macro block %x", hash)
		}
		body = b
	}
	_, err := o.chain.Push(&albatross.MacroBlock{Header: header, Justification: proof, Body: body})
	return err
}
