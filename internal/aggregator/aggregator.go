// Package aggregator implements the reusable threshold BLS aggregator
// shared by the view-change and PBFT round state machines. Grounded on
// the reference Handel verifier: a pluggable, asynchronous verification
// backend feeding a slot-index-keyed signature accumulator.
package aggregator

import (
	"context"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/policy"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Status is the outcome of verifying one contribution.
type Status int

const (
	StatusOK Status = iota
	StatusUnknownSigner
	StatusForged
)

// VerifyResult is delivered exactly once per Verify call.
type VerifyResult struct {
	Status      Status
	SignerIndex uint16 // meaningful only when Status == StatusUnknownSigner
}

// IdentityRegistry resolves a slot index to the validator's BLS public key.
type IdentityRegistry interface {
	PublicKey(index uint16) (*crypto.BLSPublicKey, bool)
}

// Contribution is one incoming update: a partial (or singleton) multi-
// signature together with the set of slot indices it covers. A single
// slot's individual signature is simply a Contribution whose Signers has
// one bit set.
type Contribution struct {
	Signers   *types.BitSet
	Signature *crypto.BLSSignature
}

// Verifier is a pluggable signature verification backend. Verify must
// deliver exactly one VerifyResult on the returned channel and then close
// it, unless ctx is cancelled before verification starts, in which case
// nothing is delivered; implementations may do this synchronously or on a
// worker pool.
type Verifier interface {
	Verify(ctx context.Context, msg []byte, registry IdentityRegistry, c Contribution) <-chan VerifyResult
}

// DummyVerifier accepts every contribution unconditionally. Used in tests
// where signature validity is not under test.
type DummyVerifier struct{}

func (DummyVerifier) Verify(ctx context.Context, msg []byte, registry IdentityRegistry, c Contribution) <-chan VerifyResult {
	out := make(chan VerifyResult, 1)
	out <- VerifyResult{Status: StatusOK}
	close(out)
	return out
}

// AggregatedSignature is the result delivered once a threshold aggregation
// completes.
type AggregatedSignature struct {
	Signers   *types.BitSet
	Signature *crypto.BLSSignature
}

// FaultReporter is notified when a contribution fails verification with a
// forged signature, so the caller can mark the sender faulty for the
// epoch. Optional — a nil reporter simply drops the contribution.
type FaultReporter interface {
	ReportForged(signers *types.BitSet)
}

// Aggregator accumulates signed contributions toward a single message tag
// until TWO_THIRD_SLOTS worth of distinct slot indices have signed.
// Completion is level-triggered: Done fires exactly once, the first time
// the threshold is crossed, regardless of how many further contributions
// arrive afterward.
type Aggregator struct {
	msg      []byte
	registry IdentityRegistry
	verifier Verifier
	reporter FaultReporter

	mu        sync.Mutex
	signers   *types.BitSet
	sig       *crypto.BLSSignature
	completed bool
	done      chan AggregatedSignature
}

// New creates an aggregator for a message tag's signing bytes (the caller
// is responsible for prefixing with the appropriate signed-message domain).
func New(msg []byte, registry IdentityRegistry, verifier Verifier, reporter FaultReporter) *Aggregator {
	return &Aggregator{
		msg:      msg,
		registry: registry,
		verifier: verifier,
		reporter: reporter,
		signers:  types.NewBitSet(),
		done:     make(chan AggregatedSignature, 1),
	}
}

// Done returns the channel the completed aggregate is delivered on.
func (a *Aggregator) Done() <-chan AggregatedSignature {
	return a.done
}

// Submit verifies a contribution asynchronously and merges it on success.
// It returns immediately; the merge (and a possible completion) happens
// when verification finishes.
func (a *Aggregator) Submit(ctx context.Context, c Contribution) {
	resultCh := a.verifier.Verify(ctx, a.msg, a.registry, c)
	go func() {
		select {
		case res, ok := <-resultCh:
			if ok {
				a.handleResult(c, res)
			}
		case <-ctx.Done():
		}
	}()
}

func (a *Aggregator) handleResult(c Contribution, res VerifyResult) {
	switch res.Status {
	case StatusUnknownSigner:
		return // dropped silently, not fatal
	case StatusForged:
		if a.reporter != nil {
			a.reporter.ReportForged(c.Signers)
		}
		return
	}
	a.merge(c)
}

// merge folds a verified contribution into the running aggregate by slot-
// index set union. A contribution that repeats any index already counted
// is discarded whole, since its signature cannot be split per index. For
// contributions with disjoint index sets the resulting aggregate does not
// depend on their order.
func (a *Aggregator) merge(c Contribution) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.completed {
		return
	}

	fresh := types.NewBitSet()
	for _, idx := range c.Signers.Indices() {
		if !a.signers.Contains(idx) {
			fresh.Set(idx)
		}
	}
	if fresh.Count() == 0 || fresh.Count() != c.Signers.Count() {
		return
	}

	if a.sig == nil {
		a.sig = c.Signature
	} else if merged, err := crypto.AggregateBLSSignatures([]*crypto.BLSSignature{a.sig, c.Signature}); err == nil {
		a.sig = merged
	} else {
		return
	}
	a.signers = a.signers.Union(fresh)

	if a.signers.Count() >= policy.TwoThirdSlots {
		a.completed = true
		a.done <- AggregatedSignature{Signers: a.signers, Signature: a.sig}
		close(a.done)
	}
}

// SignerCount reports the number of distinct slot indices that have
// contributed so far.
func (a *Aggregator) SignerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.signers.Count()
}
