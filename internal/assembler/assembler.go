// Package assembler implements the block producer (C2): turning the
// blockchain's current head, the mempool, the fork-proof pool, and an
// optional view-change proof into the next micro block or macro block
// proposal. It is the chain-mutating-but-never-committing half of the
// validator core — every method here only ever reads chain state and
// writes to a scratch transaction that gets aborted.
package assembler

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/chainface"
	"github.com/Klingon-tech/klingnet-chain/pkg/albatross"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/policy"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// MaxMicroBodySize bounds a micro block's body, mirroring MicroBlock::MAX_SIZE
// minus the header in the teacher's block format. Transactions are trimmed to
// fit, fork proofs are not (the pool already caps them, §4.3).
const MaxMicroBodySize = 256 * 1024

// ForkProofPool supplies the fork proofs to include in the next micro block.
type ForkProofPool interface {
	GetForkProofsForBlock(maxBytes int) []albatross.ForkProof
}

// Mempool supplies pending transactions, ordered best-fee-first.
type Mempool interface {
	SelectForBlock(limit int) []*tx.Transaction
}

// Producer assembles candidate blocks against a chain facade. It holds no
// mutable state of its own beyond its dependencies' references.
type Producer struct {
	chain      chainface.Facade
	mempool    Mempool
	forkProofs ForkProofPool
	key        *crypto.BLSSecretKey
}

// New constructs a Producer. mempool may be nil, in which case micro blocks
// are produced with no transactions (mirrors new_without_mempool).
func New(chain chainface.Facade, mempool Mempool, forkProofs ForkProofPool, key *crypto.BLSSecretKey) *Producer {
	return &Producer{chain: chain, mempool: mempool, forkProofs: forkProofs, key: key}
}

// NextMicroBlock assembles the next single-leader block. timestamp is a
// lower bound; the actual header timestamp is max(timestamp, head+1).
// viewChangeProof is non-nil only when this block follows a view change.
func (p *Producer) NextMicroBlock(extraData []byte, timestamp uint64, viewNumber uint32, viewChangeProof *albatross.ViewChangeProof) (*albatross.MicroBlock, error) {
	unlock := p.chain.Lock()
	defer unlock()

	head := p.chain.Head()
	if head == nil {
		return nil, fmt.Errorf("assembler: no chain head")
	}
	blockNumber := head.BlockNumber + 1

	forkProofs := p.collectForkProofs()
	txns := p.selectTransactions(forkProofs, extraData)

	inherents, err := p.chain.CreateSlashInherents(forkProofs, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("assembler: create slash inherents: %w", err)
	}
	if _, err := p.chain.Accounts().CollectReceipts(encodeAll(txns)); err != nil {
		return nil, fmt.Errorf("assembler: collect receipts: %w", err)
	}

	body := albatross.MicroBody{ForkProofs: forkProofs, ExtraData: extraData, Transactions: encodeAll(txns)}

	ts := timestamp
	if head.Timestamp+1 > ts {
		ts = head.Timestamp + 1
	}

	stateRoot := p.chain.Accounts().HashWith(body.Transactions, inherents, blockNumber)
	extrinsicsRoot := crypto.Hash(body.SigningBytes())
	seed := p.key.Sign(head.Seed[:]).Compress()
	var seedArr [crypto.BLSSignatureSize]byte
	copy(seedArr[:], seed)

	header := albatross.MicroHeader{
		Version:        1,
		BlockNumber:    blockNumber,
		ViewNumber:     viewNumber,
		ParentHash:     head.Hash(),
		ExtrinsicsRoot: extrinsicsRoot,
		StateRoot:      stateRoot,
		Seed:           seedArr,
		Timestamp:      ts,
	}

	sig := p.key.Sign(header.SigningBytes()).Compress()
	var sigArr [crypto.BLSSignatureSize]byte
	copy(sigArr[:], sig)

	return &albatross.MicroBlock{
		Header: header,
		Body:   body,
		Justification: albatross.MicroJustification{
			Signature:       sigArr,
			ViewChangeProof: viewChangeProof,
		},
	}, nil
}

// NextMacroBlockProposal assembles the PBFT proposal header and its body
// for the next epoch boundary. The header is computed against a scratch
// write transaction that is aborted before returning — per the spec this
// operation must never mutate committed chain state, only speculate.
func (p *Producer) NextMacroBlockProposal(timestamp uint64, viewNumber uint32, viewChangeProof *albatross.ViewChangeProof) (*albatross.SignedPbftProposal, *albatross.MacroBody, error) {
	unlock := p.chain.Lock()
	defer unlock()

	head := p.chain.Head()
	if head == nil {
		return nil, nil, fmt.Errorf("assembler: no chain head")
	}

	txn := p.chain.WriteTransaction()
	defer txn.Abort()

	seedSig := p.key.Sign(head.Seed[:]).Compress()
	var seed [crypto.BLSSignatureSize]byte
	copy(seed[:], seedSig)

	header, body, err := p.buildMacroHeader(txn, head, timestamp, viewNumber, seed)
	if err != nil {
		return nil, nil, err
	}
	header.ExtrinsicsRoot = crypto.Hash(body.SigningBytes())

	sig := p.key.Sign(albatross.ProposalSigningBytes(header)).Compress()
	var sigArr [crypto.BLSSignatureSize]byte
	copy(sigArr[:], sig)

	return &albatross.SignedPbftProposal{Header: *header, Signature: sigArr}, body, nil
}

func (p *Producer) buildMacroHeader(txn chainface.WriteTransaction, head *albatross.MicroHeader, timestamp uint64, viewNumber uint32, seed [crypto.BLSSignatureSize]byte) (*albatross.MacroHeader, *albatross.MacroBody, error) {
	blockNumber := head.BlockNumber + 1
	ts := timestamp
	if head.Timestamp+1 > ts {
		ts = head.Timestamp + 1
	}

	prevEpoch := policy.EpochAt(uint64(blockNumber)) - 1
	slashedSet, err := p.chain.SlashedSet(prevEpoch, txn)
	if err != nil {
		return nil, nil, fmt.Errorf("assembler: slashed set: %w", err)
	}

	nextSlots, err := p.chain.NextSlots(seed[:], txn)
	if err != nil {
		return nil, nil, fmt.Errorf("assembler: next slots: %w", err)
	}
	body := &albatross.MacroBody{
		SlotAddresses: types.GroupSlots(nextSlots.Items),
		SlashFine:     nextSlots.SlashFine,
		SlashedSet:    slashedSet,
	}

	inherents, err := p.chain.CreateSlashInherents(nil, nil, txn)
	if err != nil {
		return nil, nil, fmt.Errorf("assembler: create slash inherents: %w", err)
	}
	accounts, err := p.chain.Accounts().Commit(txn, nil, inherents, blockNumber)
	if err != nil {
		return nil, nil, fmt.Errorf("assembler: commit accounts: %w", err)
	}

	transactionsRoot, err := p.chain.TransactionsRoot(policy.EpochAt(uint64(blockNumber)), txn)
	if err != nil {
		return nil, nil, fmt.Errorf("assembler: transactions root: %w", err)
	}

	validators, err := p.chain.NextValidators(seed[:], txn)
	if err != nil {
		return nil, nil, fmt.Errorf("assembler: next validators: %w", err)
	}

	header := &albatross.MacroHeader{
		Version:          1,
		Validators:       validators,
		BlockNumber:      blockNumber,
		ViewNumber:       viewNumber,
		ParentMacroHash:  p.chain.MacroHeadHash(),
		Seed:             seed,
		ParentHash:       head.Hash(),
		StateRoot:        accounts.Hash(),
		TransactionsRoot: transactionsRoot,
		Timestamp:        ts,
	}
	return header, body, nil
}

func (p *Producer) collectForkProofs() []albatross.ForkProof {
	if p.forkProofs == nil {
		return nil
	}
	return p.forkProofs.GetForkProofsForBlock(MaxMicroBodySize)
}

// selectTransactions pulls candidate transactions from the mempool and trims
// them to fit the remaining body budget after fork proofs and extra data.
// Transactions keep the order the mempool returns them in; no canonical
// block-order sort is applied. Mirrors next_micro_extrinsics.
func (p *Producer) selectTransactions(forkProofs []albatross.ForkProof, extraData []byte) []*tx.Transaction {
	if p.mempool == nil {
		return nil
	}
	reserved := (&albatross.MicroBody{ForkProofs: forkProofs, ExtraData: extraData}).Size()
	budget := MaxMicroBodySize - reserved
	if budget <= 0 {
		return nil
	}

	candidates := p.mempool.SelectForBlock(1 << 30)
	size := 0
	kept := candidates[:0:0]
	for _, t := range candidates {
		n := len(t.SigningBytes())
		if size+n > budget {
			break
		}
		kept = append(kept, t)
		size += n
	}
	return kept
}

func encodeAll(txns []*tx.Transaction) [][]byte {
	out := make([][]byte, len(txns))
	for i, t := range txns {
		out[i] = t.SigningBytes()
	}
	return out
}
