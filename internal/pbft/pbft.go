// Package pbft implements the per-macro-block PBFT round state machine
// (C6): proposal, prepare-quorum, commit-quorum, and the resulting
// committed macro block.
package pbft

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-chain/internal/aggregator"
	"github.com/Klingon-tech/klingnet-chain/pkg/albatross"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Phase is the round's current state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseProposed
	PhasePreparing
	PhaseCommitting
	PhaseCommitted
)

// Identity supplies this node's slot assignment for the round's epoch.
type Identity interface {
	Slot() (index uint16, sk *crypto.BLSSecretKey, ok bool)
}

// BodyFetcher resolves a committed proposal's body. The non-leader fetch
// protocol is left to the gossip layer (§9 open question); this interface
// only states the capability the round needs.
type BodyFetcher interface {
	BodyFor(hash types.Hash) (*albatross.MacroBody, bool)
}

// ErrBodyUnavailable names the case of a follower with no locally stored
// body for a committed proposal. BodyFetcher reports that case as ok=false;
// nothing in this package returns this error.
var ErrBodyUnavailable = fmt.Errorf("pbft: body unavailable locally")

// rateLimiter enforces "at most 5 proposals / 10 seconds from a given peer".
type rateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	seen   map[string][]time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{window: 10 * time.Second, limit: 5, seen: make(map[string][]time.Time)}
}

func (r *rateLimiter) admit(peer string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	times := r.seen[peer]
	cutoff := now.Add(-r.window)
	kept := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= r.limit {
		r.seen[peer] = kept
		return false
	}
	r.seen[peer] = append(kept, now)
	return true
}

// Round is one PBFT instance for a single macro block (block_number).
// OnProposal accepts a later proposal for the same block only with a
// strictly higher view_number, which replaces the round's current proposal;
// the caller constructs a new Round for each new block_number.
type Round struct {
	identity    Identity
	registry    aggregator.IdentityRegistry
	verifier    aggregator.Verifier
	reporter    aggregator.FaultReporter
	bodies      BodyFetcher
	rateLimiter *rateLimiter

	onCommitted func(header albatross.MacroHeader, proof *albatross.PbftProof, body *albatross.MacroBody)

	mu       sync.Mutex
	phase    Phase
	hash     types.Hash
	proposal *albatross.SignedPbftProposal
	prepare  *aggregator.Aggregator
	commit   *aggregator.Aggregator
	prepareProof *albatross.AggregatedSignature
}

// New constructs an idle round.
func New(identity Identity, registry aggregator.IdentityRegistry, verifier aggregator.Verifier, reporter aggregator.FaultReporter, bodies BodyFetcher, onCommitted func(albatross.MacroHeader, *albatross.PbftProof, *albatross.MacroBody)) *Round {
	return &Round{
		identity:    identity,
		registry:    registry,
		verifier:    verifier,
		reporter:    reporter,
		bodies:      bodies,
		rateLimiter: newRateLimiter(),
		onCommitted: onCommitted,
		phase:       PhaseIdle,
	}
}

// Phase returns the round's current state.
func (r *Round) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// LeaderCheck validates whether a proposal should be accepted, per the
// Idle -> Proposed transition's preconditions other than rate limiting
// (signer-is-leader and epoch/height checks are the caller's
// responsibility, since they need chain state this package does not
// have).
type LeaderCheck func(proposal *albatross.SignedPbftProposal) error

// OnProposal attempts the Idle -> Proposed transition for an inbound
// signed proposal from peer. check supplies the leader/height/epoch
// validation; OnProposal itself only enforces rate limiting and the
// higher-view-number rule for a second proposal at the same height.
func (r *Round) OnProposal(ctx context.Context, peer string, proposal *albatross.SignedPbftProposal, check LeaderCheck) error {
	if !r.rateLimiter.admit(peer, time.Now()) {
		return fmt.Errorf("pbft: rate limit exceeded for peer %s", peer)
	}
	if check != nil {
		if err := check(proposal); err != nil {
			return err
		}
	}

	r.mu.Lock()
	if r.phase != PhaseIdle {
		if r.proposal != nil && proposal.Header.ViewNumber <= r.proposal.Header.ViewNumber {
			r.mu.Unlock()
			return fmt.Errorf("pbft: proposal view_number %d does not exceed in-progress round's %d", proposal.Header.ViewNumber, r.proposal.Header.ViewNumber)
		}
	}
	r.proposal = proposal
	r.hash = proposal.Header.Hash()
	r.phase = PhaseProposed
	r.mu.Unlock()

	r.maybeEnterPreparing(ctx)
	return nil
}

func (r *Round) maybeEnterPreparing(ctx context.Context) {
	index, sk, ok := r.identity.Slot()
	if !ok {
		return
	}

	r.mu.Lock()
	if r.phase != PhaseProposed {
		r.mu.Unlock()
		return
	}
	hash := r.hash
	msg := (&albatross.PbftPrepareMessage{BlockHash: hash}).SigningBytes()
	agg := aggregator.New(msg, r.registry, r.verifier, r.reporter)
	r.prepare = agg
	r.phase = PhasePreparing
	r.mu.Unlock()

	bs := types.NewBitSet()
	bs.Set(index)
	agg.Submit(ctx, aggregator.Contribution{Signers: bs, Signature: sk.Sign(msg)})

	go r.awaitPrepareQuorum(ctx, agg)
}

func (r *Round) awaitPrepareQuorum(ctx context.Context, agg *aggregator.Aggregator) {
	result, ok := <-agg.Done()
	if !ok {
		return
	}
	r.mu.Lock()
	if r.phase != PhasePreparing || r.prepare != agg {
		r.mu.Unlock()
		return
	}
	r.prepareProof = &albatross.AggregatedSignature{Signers: result.Signers, Signature: compress(result.Signature)}
	r.phase = PhaseCommitting
	r.mu.Unlock()

	r.enterCommitting(ctx)
}

func (r *Round) enterCommitting(ctx context.Context) {
	index, sk, ok := r.identity.Slot()
	if !ok {
		return
	}

	r.mu.Lock()
	if r.phase != PhaseCommitting {
		r.mu.Unlock()
		return
	}
	hash := r.hash
	msg := (&albatross.PbftCommitMessage{BlockHash: hash}).SigningBytes()
	agg := aggregator.New(msg, r.registry, r.verifier, r.reporter)
	r.commit = agg
	r.mu.Unlock()

	bs := types.NewBitSet()
	bs.Set(index)
	agg.Submit(ctx, aggregator.Contribution{Signers: bs, Signature: sk.Sign(msg)})

	go r.awaitCommitQuorum(agg)
}

func (r *Round) awaitCommitQuorum(agg *aggregator.Aggregator) {
	result, ok := <-agg.Done()
	if !ok {
		return
	}
	r.mu.Lock()
	if r.phase != PhaseCommitting || r.commit != agg {
		r.mu.Unlock()
		return
	}
	proof := &albatross.PbftProof{
		Prepare: *r.prepareProof,
		Commit:  albatross.AggregatedSignature{Signers: result.Signers, Signature: compress(result.Signature)},
	}
	header := r.proposal.Header
	hash := r.hash
	r.phase = PhaseCommitted
	r.mu.Unlock()

	var body *albatross.MacroBody
	if r.bodies != nil {
		if b, ok := r.bodies.BodyFor(hash); ok {
			body = b
		}
	}

	if r.onCommitted != nil {
		r.onCommitted(header, proof, body)
	}
}

// OnPrepareUpdate feeds a peer's prepare-phase contribution into the
// round's prepare aggregator, if one is in progress.
func (r *Round) OnPrepareUpdate(ctx context.Context, c aggregator.Contribution) {
	r.mu.Lock()
	agg := r.prepare
	r.mu.Unlock()
	if agg != nil {
		agg.Submit(ctx, c)
	}
}

// OnCommitUpdate feeds a peer's commit-phase contribution into the round's
// commit aggregator, if one is in progress.
func (r *Round) OnCommitUpdate(ctx context.Context, c aggregator.Contribution) {
	r.mu.Lock()
	agg := r.commit
	r.mu.Unlock()
	if agg != nil {
		agg.Submit(ctx, c)
	}
}

func compress(sig *crypto.BLSSignature) [crypto.BLSSignatureSize]byte {
	var out [crypto.BLSSignatureSize]byte
	copy(out[:], sig.Compress())
	return out
}
