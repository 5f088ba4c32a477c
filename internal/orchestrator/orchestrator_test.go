package orchestrator

import (
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-chain/internal/chainface"
	"github.com/Klingon-tech/klingnet-chain/pkg/albatross"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func testKey(t *testing.T, seed byte) *crypto.BLSSecretKey {
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

func flatValidators(pub []byte) types.GroupedList[types.Slot] {
	items := make([]types.Slot, types.SlotCount)
	for i := range items {
		items[i] = types.Slot{PublicKey: pub, StakerAddress: types.Address{byte(i)}}
	}
	return types.GroupSlots(items)
}

type fakeChain struct {
	validators   types.GroupedList[types.Slot]
	viewNumber   uint32
	blockNumber  uint32
	nextLeader   uint16
	nextType     chainface.BlockType
	events       chan chainface.BlockchainEvent
	pushed       []any
	locked       bool
}

func newFakeChain(validators types.GroupedList[types.Slot]) *fakeChain {
	return &fakeChain{validators: validators, events: make(chan chainface.BlockchainEvent, 8), nextType: chainface.BlockTypeMicro}
}

func (f *fakeChain) Head() *albatross.MicroHeader { return &albatross.MicroHeader{BlockNumber: f.blockNumber} }
func (f *fakeChain) HeadHash() types.Hash          { return types.Hash{} }
func (f *fakeChain) BlockNumber() uint32           { return f.blockNumber }
func (f *fakeChain) ViewNumber() uint32            { return f.viewNumber }
func (f *fakeChain) MacroHeadHash() types.Hash     { return types.Hash{} }

func (f *fakeChain) Accounts() chainface.Accounts { return nil }
func (f *fakeChain) CurrentSlots() *types.Slots   { return nil }
func (f *fakeChain) NextSlots(seed []byte, txn chainface.WriteTransaction) (*types.Slots, error) {
	return nil, nil
}
func (f *fakeChain) NextValidators(seed []byte, txn chainface.WriteTransaction) (types.GroupedList[types.Slot], error) {
	return f.validators, nil
}
func (f *fakeChain) SlashedSet(epoch uint64, txn chainface.WriteTransaction) (*types.BitSet, error) {
	return nil, nil
}
func (f *fakeChain) GetNextBlockProducer(viewNumber uint32, txn chainface.WriteTransaction) (*types.Slot, uint16, error) {
	return nil, f.nextLeader, nil
}
func (f *fakeChain) GetBlockProducerAt(blockNumber, viewNumber uint32, txn chainface.WriteTransaction) (*types.Slot, uint16, error) {
	return nil, 0, nil
}
func (f *fakeChain) GetNextBlockType(txn chainface.WriteTransaction) (chainface.BlockType, error) {
	return f.nextType, nil
}
func (f *fakeChain) TransactionsRoot(epoch uint64, txn chainface.WriteTransaction) (types.Hash, error) {
	return types.Hash{}, nil
}
func (f *fakeChain) CreateSlashInherents(forkProofs []albatross.ForkProof, viewChanges []albatross.ViewChange, txn chainface.WriteTransaction) ([][]byte, error) {
	return nil, nil
}
func (f *fakeChain) WriteTransaction() chainface.WriteTransaction { return nil }
func (f *fakeChain) Lock() func()                                 { f.locked = true; return func() { f.locked = false } }
func (f *fakeChain) Push(block any) (chainface.PushResult, error) {
	f.pushed = append(f.pushed, block)
	return chainface.PushResultExtended, nil
}
func (f *fakeChain) CurrentValidators() types.GroupedList[types.Slot] { return f.validators }
func (f *fakeChain) Subscribe() (<-chan chainface.BlockchainEvent, func()) {
	return f.events, func() {}
}

type fakeProducer struct {
	microCalls int
	macroCalls int
}

func (p *fakeProducer) NextMicroBlock(extraData []byte, timestamp uint64, viewNumber uint32, vc *albatross.ViewChangeProof) (*albatross.MicroBlock, error) {
	p.microCalls++
	return &albatross.MicroBlock{Header: albatross.MicroHeader{BlockNumber: 1, ViewNumber: viewNumber}}, nil
}
func (p *fakeProducer) NextMacroBlockProposal(timestamp uint64, viewNumber uint32, vc *albatross.ViewChangeProof) (*albatross.SignedPbftProposal, *albatross.MacroBody, error) {
	p.macroCalls++
	return &albatross.SignedPbftProposal{Header: albatross.MacroHeader{BlockNumber: 32, ViewNumber: viewNumber}}, &albatross.MacroBody{}, nil
}

type fakeForkPool struct {
	applied  []*albatross.MicroBody
	reverted []*albatross.MicroBody
}

func (f *fakeForkPool) Insert(albatross.ForkProof) {}
func (f *fakeForkPool) ApplyBlock(b *albatross.MicroBody) { f.applied = append(f.applied, b) }
func (f *fakeForkPool) RevertBlock(b *albatross.MicroBody) { f.reverted = append(f.reverted, b) }

func TestOrchestrator_InitEpochActivatesOwnSlot(t *testing.T) {
	sk := testKey(t, 1)
	chain := newFakeChain(flatValidators(sk.PublicKey().Compress()))
	o := New(chain, &fakeProducer{}, &fakeForkPool{}, sk, Options{})

	o.initEpoch()
	state := o.State()
	if state.Status != StatusActive {
		t.Fatalf("status = %v, want active", state.Status)
	}
	if state.SlotIndex != 0 || int(state.SlotCount) != types.SlotCount {
		t.Fatalf("slot assignment = (%d, %d), want (0, %d)", state.SlotIndex, state.SlotCount, types.SlotCount)
	}
}

func TestOrchestrator_InitEpochSyncedWhenNotAValidator(t *testing.T) {
	other := testKey(t, 2)
	sk := testKey(t, 3)
	chain := newFakeChain(flatValidators(other.PublicKey().Compress()))
	o := New(chain, &fakeProducer{}, &fakeForkPool{}, sk, Options{})

	o.initEpoch()
	if o.State().Status != StatusSynced {
		t.Fatalf("status = %v, want synced", o.State().Status)
	}
	if _, _, ok := o.Slot(); ok {
		t.Fatal("expected no slot assignment for a non-validator")
	}
}

func TestOrchestrator_ProducesMicroBlockWhenNextLeader(t *testing.T) {
	sk := testKey(t, 4)
	chain := newFakeChain(flatValidators(sk.PublicKey().Compress()))
	chain.nextLeader = 0
	producer := &fakeProducer{}

	o := New(chain, producer, &fakeForkPool{}, sk, Options{})
	o.initEpoch()
	o.onSlotChange(nil, nil)

	deadline := time.Now().Add(2 * time.Second)
	for producer.microCalls == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if producer.microCalls != 1 {
		t.Fatalf("micro block production calls = %d, want 1", producer.microCalls)
	}
	if len(chain.pushed) != 1 {
		t.Fatalf("pushed blocks = %d, want 1", len(chain.pushed))
	}
}

func TestOrchestrator_SkipsProductionWhenNotLeader(t *testing.T) {
	sk := testKey(t, 5)
	chain := newFakeChain(flatValidators(sk.PublicKey().Compress()))
	chain.nextLeader = 1 // some other slot
	producer := &fakeProducer{}

	o := New(chain, producer, &fakeForkPool{}, sk, Options{})
	o.initEpoch()
	o.onSlotChange(nil, nil)

	time.Sleep(20 * time.Millisecond)
	if producer.microCalls != 0 {
		t.Fatalf("expected no production, got %d calls", producer.microCalls)
	}
}

func TestOrchestrator_OnPbftCommitCompleteUsesStoredBody(t *testing.T) {
	sk := testKey(t, 6)
	chain := newFakeChain(flatValidators(sk.PublicKey().Compress()))
	chain.nextLeader = 0
	chain.nextType = chainface.BlockTypeMacro
	producer := &fakeProducer{}

	o := New(chain, producer, &fakeForkPool{}, sk, Options{})
	o.initEpoch()
	o.onSlotChange(nil, nil)

	deadline := time.Now().Add(2 * time.Second)
	for producer.macroCalls == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if producer.macroCalls != 1 {
		t.Fatalf("macro proposal calls = %d, want 1", producer.macroCalls)
	}

	header := albatross.MacroHeader{BlockNumber: 32, ViewNumber: 0}
	if err := o.OnPbftCommitComplete(header, &albatross.PbftProof{}, nil); err != nil {
		t.Fatalf("OnPbftCommitComplete: %v", err)
	}
	if len(chain.pushed) != 1 {
		t.Fatalf("pushed blocks = %d, want 1", len(chain.pushed))
	}
}

func TestOrchestrator_HandleBlockchainEventAppliesForkProofs(t *testing.T) {
	sk := testKey(t, 8)
	chain := newFakeChain(flatValidators(sk.PublicKey().Compress()))
	forkPool := &fakeForkPool{}
	o := New(chain, &fakeProducer{}, forkPool, sk, Options{})

	body := &albatross.MicroBody{ExtraData: []byte("x")}
	o.handleBlockchainEvent(chainface.BlockchainEvent{Kind: chainface.EventExtended, Body: body})

	if len(forkPool.applied) != 1 || forkPool.applied[0] != body {
		t.Fatal("expected the extended block's body to be applied to the fork-proof pool")
	}
}
