// Package chainface defines the read-only, externally-supplied view of the
// chain that the validator core (C1-C7) depends on. It is an interface
// boundary only — the core never assumes a particular chain implementation,
// matching the spec's C8 "external contract" component.
package chainface

import (
	"github.com/Klingon-tech/klingnet-chain/pkg/albatross"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// PushResult is the outcome of submitting a block to the chain.
type PushResult int

const (
	PushResultUnknown PushResult = iota
	PushResultExtended
	PushResultRebranched
	PushResultForked
	PushResultIgnored
	PushResultInvalid
)

// BlockType distinguishes what kind of block is expected next.
type BlockType int

const (
	BlockTypeMicro BlockType = iota
	BlockTypeMacro
)

// BlockchainEventKind identifies the shape of a BlockchainEvent.
type BlockchainEventKind int

const (
	EventExtended BlockchainEventKind = iota
	EventRebranched
	EventFinalized
)

// BlockchainEvent is emitted by the chain's notifier on every head change.
// Subscribers (C7) must not call mutating chain methods while still on the
// delivery stack — see package orchestrator.
type BlockchainEvent struct {
	Kind BlockchainEventKind

	Hash types.Hash         // EventExtended, EventFinalized
	Body *albatross.MicroBody // EventExtended: the extended block's body, for fork-proof bookkeeping

	RevertHashes []types.Hash           // EventRebranched: old blocks, oldest first
	RevertBodies []*albatross.MicroBody // EventRebranched: bodies matching RevertHashes
	ApplyHashes  []types.Hash           // EventRebranched: new blocks, oldest first
	ApplyBodies  []*albatross.MicroBody // EventRebranched: bodies matching ApplyHashes
}

// WriteTransaction is a scratch transaction the assembler uses to read
// speculative state without ever committing it.
type WriteTransaction interface {
	Commit() error
	Abort()
}

// Accounts is the account-state layer's external contract, used only to
// compute roots and collect fees — account transition logic itself is out
// of scope for the validator core (§1 non-goal).
type Accounts interface {
	Hash() types.Hash
	HashWith(txns [][]byte, inherents [][]byte, blockNumber uint32) types.Hash
	CollectReceipts(txns [][]byte) (fees types.Coin, err error)
	Commit(txn WriteTransaction, txns [][]byte, inherents [][]byte, blockNumber uint32) (Accounts, error)
}

// Facade is the subset of chain capabilities the validator core calls
// into. Every method here is exercised by at least one of C1-C7; it is
// intentionally narrower than a full node's chain API.
type Facade interface {
	Head() *albatross.MicroHeader
	HeadHash() types.Hash
	BlockNumber() uint32
	ViewNumber() uint32
	MacroHeadHash() types.Hash

	Accounts() Accounts
	CurrentSlots() *types.Slots
	NextSlots(seed []byte, txn WriteTransaction) (*types.Slots, error)
	NextValidators(seed []byte, txn WriteTransaction) (types.GroupedList[types.Slot], error)
	SlashedSet(epoch uint64, txn WriteTransaction) (*types.BitSet, error)

	GetNextBlockProducer(viewNumber uint32, txn WriteTransaction) (*types.Slot, uint16, error)
	GetBlockProducerAt(blockNumber, viewNumber uint32, txn WriteTransaction) (*types.Slot, uint16, error)
	GetNextBlockType(txn WriteTransaction) (BlockType, error)
	TransactionsRoot(epoch uint64, txn WriteTransaction) (types.Hash, error)
	CreateSlashInherents(forkProofs []albatross.ForkProof, viewChanges []albatross.ViewChange, txn WriteTransaction) ([][]byte, error)

	WriteTransaction() WriteTransaction
	Lock() func() // returns the unlock function; caller defers it

	Push(block any) (PushResult, error)

	CurrentValidators() types.GroupedList[types.Slot]
	Subscribe() (events <-chan BlockchainEvent, unsubscribe func())
}
