package chain

import (
	"encoding/hex"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/chainface"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/albatross"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/policy"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// testGenesis builds a single-staker genesis with SlotCount slots all
// owned by the same validator key, matching the fixed-validator-set
// assumption the rest of the validator-core tests share.
func testGenesis(t *testing.T) (*config.GenesisInfo, *crypto.BLSSecretKey) {
	t.Helper()
	ikm := make([]byte, 32)
	for i := range ikm {
		ikm[i] = 7
	}
	sk, err := crypto.GenerateBLSKey(ikm)
	if err != nil {
		t.Fatalf("GenerateBLSKey: %v", err)
	}

	stakerAddr := types.Address{1}
	stakingAddr := types.Address{2}
	g := &config.Genesis{
		SigningKey:      hex.EncodeToString(sk.Serialize()),
		Timestamp:       1700000000000,
		StakingContract: stakingAddr.String(),
		Stakes: []config.GenesisStake{
			{StakerAddress: stakerAddr.String(), ValidatorKey: hex.EncodeToString(sk.PublicKey().Compress()), Balance: 1000},
		},
	}
	info, err := g.Build()
	if err != nil {
		t.Fatalf("Build genesis: %v", err)
	}
	return info, sk
}

func newTestChain(t *testing.T) (*Chain, *config.GenesisInfo, *crypto.BLSSecretKey) {
	t.Helper()
	info, sk := testGenesis(t)
	c, err := New(storage.NewMemory(), info)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, info, sk
}

func TestChain_InitFromGenesis(t *testing.T) {
	c, info, _ := newTestChain(t)
	if c.BlockNumber() != policy.GenesisBlockNumber {
		t.Fatalf("BlockNumber = %d, want %d", c.BlockNumber(), policy.GenesisBlockNumber)
	}
	if c.MacroHeadHash() != info.Hash {
		t.Fatalf("MacroHeadHash = %x, want %x", c.MacroHeadHash(), info.Hash)
	}
	if c.CurrentValidators().Len() != types.SlotCount {
		t.Fatalf("validator set has %d slots, want %d", c.CurrentValidators().Len(), types.SlotCount)
	}
}

func TestChain_PushMicro_ExtendsHead(t *testing.T) {
	c, _, sk := newTestChain(t)
	head := c.Head()

	seed := sk.Sign(head.Seed[:]).Compress()
	var seedArr [crypto.BLSSignatureSize]byte
	copy(seedArr[:], seed)

	header := albatross.MicroHeader{
		Version:     1,
		BlockNumber: head.BlockNumber + 1,
		ViewNumber:  0,
		ParentHash:  head.Hash(),
		Seed:        seedArr,
		Timestamp:   head.Timestamp + 1,
	}
	sig := sk.Sign(header.SigningBytes()).Compress()
	var sigArr [crypto.BLSSignatureSize]byte
	copy(sigArr[:], sig)

	blk := &albatross.MicroBlock{
		Header:        header,
		Justification: albatross.MicroJustification{Signature: sigArr},
	}

	result, err := c.Push(blk)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if result != chainface.PushResultExtended {
		t.Fatalf("Push result = %v, want PushResultExtended", result)
	}
	if c.BlockNumber() != header.BlockNumber {
		t.Fatalf("BlockNumber = %d, want %d", c.BlockNumber(), header.BlockNumber)
	}
	if c.HeadHash() != header.Hash() {
		t.Fatalf("HeadHash does not match the pushed block's own hash")
	}
}

func TestChain_PushMicro_RejectsNonLinearExtension(t *testing.T) {
	c, _, sk := newTestChain(t)
	head := c.Head()

	header := albatross.MicroHeader{
		Version:     1,
		BlockNumber: head.BlockNumber + 2, // skips a block number
		ParentHash:  head.Hash(),
		Timestamp:   head.Timestamp + 1,
	}
	sig := sk.Sign(header.SigningBytes()).Compress()
	var sigArr [crypto.BLSSignatureSize]byte
	copy(sigArr[:], sig)

	_, err := c.Push(&albatross.MicroBlock{Header: header, Justification: albatross.MicroJustification{Signature: sigArr}})
	if err == nil {
		t.Fatal("expected an error pushing a non-linear block number")
	}
}

func TestChain_Subscribe_ReceivesExtendedEvent(t *testing.T) {
	c, _, sk := newTestChain(t)
	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	head := c.Head()
	header := albatross.MicroHeader{
		Version:     1,
		BlockNumber: head.BlockNumber + 1,
		ParentHash:  head.Hash(),
		Timestamp:   head.Timestamp + 1,
	}
	sig := sk.Sign(header.SigningBytes()).Compress()
	var sigArr [crypto.BLSSignatureSize]byte
	copy(sigArr[:], sig)

	if _, err := c.Push(&albatross.MicroBlock{Header: header, Justification: albatross.MicroJustification{Signature: sigArr}}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case e := <-events:
		if e.Kind != chainface.EventExtended {
			t.Fatalf("event kind = %v, want EventExtended", e.Kind)
		}
	default:
		t.Fatal("expected an event to be published synchronously after Push")
	}
}

func TestChain_GetNextBlockProducer_ReturnsValidatorFromCurrentSet(t *testing.T) {
	c, _, _ := newTestChain(t)
	slot, idx, err := c.GetNextBlockProducer(0, c.WriteTransaction())
	if err != nil {
		t.Fatalf("GetNextBlockProducer: %v", err)
	}
	if slot == nil {
		t.Fatal("expected a non-nil slot")
	}
	if int(idx) >= types.SlotCount {
		t.Fatalf("slot index %d out of range", idx)
	}
}

func TestChain_Accounts_HashReflectsGenesisBalances(t *testing.T) {
	c, info, _ := newTestChain(t)
	h := c.Accounts().Hash()
	if h.IsZero() {
		t.Fatal("expected a non-zero account commitment with a non-empty genesis allocation")
	}
	if len(info.Accounts) == 0 {
		t.Fatal("test genesis should have produced at least one funded account")
	}
}
