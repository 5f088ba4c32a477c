// Package forkpool deduplicates pending fork proofs pending their inclusion
// in a future micro block. In-memory only — the pool's contents are a
// mempool-like cache, not chain state, and are reconstructed from chain
// events on restart.
package forkpool

import (
	"sort"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/pkg/albatross"
	"github.com/Klingon-tech/klingnet-chain/pkg/policy"
)

// key identifies the (block_number, view_number) pair a fork proof accuses.
// One leader produces at most one header per pair, so this is sufficient
// to dedup proofs accusing the same offense.
type key struct {
	blockNumber uint32
	viewNumber  uint32
}

// Pool is the in-memory set of pending fork proofs.
type Pool struct {
	mu    sync.Mutex
	byKey map[key]albatross.ForkProof
}

// New returns an empty fork-proof pool.
func New() *Pool {
	return &Pool{byKey: make(map[key]albatross.ForkProof)}
}

func keyOf(fp albatross.ForkProof) key {
	return key{blockNumber: fp.Header1.BlockNumber, viewNumber: fp.Header1.ViewNumber}
}

// Insert adds a fork proof to the pool. Idempotent: inserting a proof for
// a (block_number, view_number) already present is a no-op.
func (p *Pool) Insert(fp albatross.ForkProof) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := keyOf(fp)
	if _, exists := p.byKey[k]; exists {
		return
	}
	p.byKey[k] = fp
}

// ApplyBlock removes every pending proof already included in a block's
// body, called when the block is appended to the chain.
func (p *Pool) ApplyBlock(body *albatross.MicroBody) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, fp := range body.ForkProofs {
		delete(p.byKey, keyOf(fp))
	}
}

// RevertBlock reinstates a block's fork proofs into the pool, called when
// the block is unwound from the chain head.
func (p *Pool) RevertBlock(body *albatross.MicroBody) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, fp := range body.ForkProofs {
		p.byKey[keyOf(fp)] = fp
	}
}

// GetForkProofsForBlock returns a size-bounded subset of pending proofs for
// inclusion in a new block, preferring older block numbers first and
// capped at policy.MaxConsidered entries regardless of maxBytes.
func (p *Pool) GetForkProofsForBlock(maxBytes int) []albatross.ForkProof {
	p.mu.Lock()
	defer p.mu.Unlock()

	all := make([]albatross.ForkProof, 0, len(p.byKey))
	for _, fp := range p.byKey {
		all = append(all, fp)
	}
	sort.Slice(all, func(i, j int) bool {
		ki, kj := keyOf(all[i]), keyOf(all[j])
		if ki.blockNumber != kj.blockNumber {
			return ki.blockNumber < kj.blockNumber
		}
		return ki.viewNumber < kj.viewNumber
	})
	if len(all) > policy.MaxConsidered {
		all = all[:policy.MaxConsidered]
	}

	out := make([]albatross.ForkProof, 0, len(all))
	size := 0
	for _, fp := range all {
		cost := len(fp.Header1.SigningBytes()) + len(fp.Header2.SigningBytes()) + 2*len(fp.Justification1)
		if size+cost > maxBytes {
			break
		}
		out = append(out, fp)
		size += cost
	}
	return out
}

// Len reports how many distinct offenses are currently pending.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byKey)
}
