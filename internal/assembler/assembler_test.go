package assembler

import (
	"testing"

	"github.com/Klingon-tech/klingnet-chain/internal/chainface"
	"github.com/Klingon-tech/klingnet-chain/pkg/albatross"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

type fakeTxn struct{ aborted, committed bool }

func (t *fakeTxn) Commit() error { t.committed = true; return nil }
func (t *fakeTxn) Abort()        { t.aborted = true }

type fakeAccounts struct{ hash types.Hash }

func (a *fakeAccounts) Hash() types.Hash { return a.hash }
func (a *fakeAccounts) HashWith([][]byte, [][]byte, uint32) types.Hash { return a.hash }
func (a *fakeAccounts) CollectReceipts(txns [][]byte) (types.Coin, error) {
	return types.Coin(len(txns)), nil
}
func (a *fakeAccounts) Commit(chainface.WriteTransaction, [][]byte, [][]byte, uint32) (chainface.Accounts, error) {
	return a, nil
}

type fakeFacade struct {
	head     *albatross.MicroHeader
	accounts *fakeAccounts
	slots    *types.Slots
	txn      *fakeTxn // last scratch transaction handed out
}

func (f *fakeFacade) Head() *albatross.MicroHeader { return f.head }
func (f *fakeFacade) HeadHash() types.Hash          { return f.head.Hash() }
func (f *fakeFacade) BlockNumber() uint32           { return f.head.BlockNumber }
func (f *fakeFacade) ViewNumber() uint32            { return f.head.ViewNumber }
func (f *fakeFacade) MacroHeadHash() types.Hash     { return types.Hash{} }

func (f *fakeFacade) Accounts() chainface.Accounts { return f.accounts }
func (f *fakeFacade) CurrentSlots() *types.Slots    { return f.slots }
func (f *fakeFacade) NextSlots(seed []byte, txn chainface.WriteTransaction) (*types.Slots, error) {
	return f.slots, nil
}
func (f *fakeFacade) NextValidators(seed []byte, txn chainface.WriteTransaction) (types.GroupedList[types.Slot], error) {
	return types.GroupSlots(f.slots.Items), nil
}
func (f *fakeFacade) SlashedSet(epoch uint64, txn chainface.WriteTransaction) (*types.BitSet, error) {
	return types.NewBitSet(), nil
}

func (f *fakeFacade) GetNextBlockProducer(viewNumber uint32, txn chainface.WriteTransaction) (*types.Slot, uint16, error) {
	return nil, 0, nil
}
func (f *fakeFacade) GetBlockProducerAt(blockNumber, viewNumber uint32, txn chainface.WriteTransaction) (*types.Slot, uint16, error) {
	return nil, 0, nil
}
func (f *fakeFacade) GetNextBlockType(txn chainface.WriteTransaction) (chainface.BlockType, error) {
	return chainface.BlockTypeMicro, nil
}
func (f *fakeFacade) TransactionsRoot(epoch uint64, txn chainface.WriteTransaction) (types.Hash, error) {
	return types.Hash{0xAB}, nil
}
func (f *fakeFacade) CreateSlashInherents(forkProofs []albatross.ForkProof, viewChanges []albatross.ViewChange, txn chainface.WriteTransaction) ([][]byte, error) {
	return nil, nil
}

func (f *fakeFacade) WriteTransaction() chainface.WriteTransaction { f.txn = &fakeTxn{}; return f.txn }
func (f *fakeFacade) Lock() func()                                 { return func() {} }

func (f *fakeFacade) Push(block any) (chainface.PushResult, error) { return chainface.PushResultExtended, nil }
func (f *fakeFacade) CurrentValidators() types.GroupedList[types.Slot] {
	return types.GroupSlots(f.slots.Items)
}
func (f *fakeFacade) Subscribe() (<-chan chainface.BlockchainEvent, func()) {
	ch := make(chan chainface.BlockchainEvent)
	return ch, func() {}
}

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

func flatSlots(pub []byte) *types.Slots {
	items := make([]types.Slot, types.SlotCount)
	for i := range items {
		items[i] = types.Slot{PublicKey: pub, StakerAddress: types.Address{byte(i)}}
	}
	return &types.Slots{Items: items, SlashFine: types.Coin(100)}
}

func TestProducer_NextMicroBlock(t *testing.T) {
	sk := testKey(t, 7)
	head := &albatross.MicroHeader{BlockNumber: 10, ViewNumber: 0, Timestamp: 1000}
	facade := &fakeFacade{head: head, accounts: &fakeAccounts{hash: types.Hash{0x01}}, slots: flatSlots(sk.PublicKey().Compress())}

	p := New(facade, nil, nil, sk)
	block, err := p.NextMicroBlock([]byte("extra"), 500, 0, nil)
	if err != nil {
		t.Fatalf("NextMicroBlock: %v", err)
	}
	if block.Header.BlockNumber != 11 {
		t.Fatalf("block_number = %d, want 11", block.Header.BlockNumber)
	}
	if block.Header.Timestamp != 1001 {
		t.Fatalf("timestamp = %d, want max(500, head+1)=1001", block.Header.Timestamp)
	}
	if block.Header.ParentHash != head.Hash() {
		t.Fatal("parent_hash mismatch")
	}
	if !crypto.VerifyBLS(sk.PublicKey(), block.Header.SigningBytes(), mustDecompress(t, block.Justification.Signature[:])) {
		t.Fatal("leader signature does not verify")
	}
}

func TestProducer_NextMicroBlock_EmptyMempool(t *testing.T) {
	sk := testKey(t, 3)
	head := &albatross.MicroHeader{BlockNumber: 1, Timestamp: 1}
	facade := &fakeFacade{head: head, accounts: &fakeAccounts{}, slots: flatSlots(sk.PublicKey().Compress())}

	over := make([]*tx.Transaction, 0)
	p := New(facade, fakeMempool(over), nil, sk)
	block, err := p.NextMicroBlock(nil, 2, 0, nil)
	if err != nil {
		t.Fatalf("NextMicroBlock: %v", err)
	}
	if len(block.Body.Transactions) != 0 {
		t.Fatalf("expected no transactions from an empty mempool, got %d", len(block.Body.Transactions))
	}
}

type fakeMempool []*tx.Transaction

func (m fakeMempool) SelectForBlock(limit int) []*tx.Transaction {
	if limit > len(m) {
		limit = len(m)
	}
	return m[:limit]
}

func TestProducer_NextMacroBlockProposal_AbortsScratchTxn(t *testing.T) {
	sk := testKey(t, 9)
	head := &albatross.MicroHeader{BlockNumber: 31, Timestamp: 42}
	facade := &fakeFacade{head: head, accounts: &fakeAccounts{hash: types.Hash{0x02}}, slots: flatSlots(sk.PublicKey().Compress())}

	p := New(facade, nil, nil, sk)
	proposal, body, err := p.NextMacroBlockProposal(100, 0, nil)
	if err != nil {
		t.Fatalf("NextMacroBlockProposal: %v", err)
	}
	if proposal.Header.BlockNumber != 32 {
		t.Fatalf("block_number = %d, want 32", proposal.Header.BlockNumber)
	}
	if body.SlashFine != types.Coin(100) {
		t.Fatalf("slash_fine = %v, want 100", body.SlashFine)
	}
	if facade.txn == nil || !facade.txn.aborted || facade.txn.committed {
		t.Fatal("scratch transaction must be aborted and never committed")
	}
	if !crypto.VerifyBLS(sk.PublicKey(), albatross.ProposalSigningBytes(&proposal.Header), mustDecompress(t, proposal.Signature[:])) {
		t.Fatal("proposal signature does not verify")
	}
}

func mustDecompress(t *testing.T, sig []byte) *crypto.BLSSignature {
	t.Helper()
	s, err := crypto.BLSSignatureFromBytes(sig)
	if err != nil {
		t.Fatalf("BLSSignatureFromBytes: %v", err)
	}
	return s
}
