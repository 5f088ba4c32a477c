package albatross

import (
	"testing"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func TestMicroHeader_SigningBytesDeterministic(t *testing.T) {
	h := MicroHeader{Version: 1, BlockNumber: 5, ViewNumber: 0, Timestamp: 1565713920000}
	a := h.SigningBytes()
	b := h.SigningBytes()
	if string(a) != string(b) {
		t.Fatal("SigningBytes is not deterministic")
	}
	if h.Hash() != h.Hash() {
		t.Fatal("Hash is not deterministic")
	}
}

func TestMicroHeader_HashChangesWithTimestamp(t *testing.T) {
	h1 := MicroHeader{BlockNumber: 1, Timestamp: 1}
	h2 := h1
	h2.Timestamp = 2
	if h1.Hash() == h2.Hash() {
		t.Fatal("expected different hashes for different timestamps")
	}
}

func TestForkProof_Validate(t *testing.T) {
	h1 := MicroHeader{BlockNumber: 1, ViewNumber: 0, Timestamp: 1}
	h2 := h1
	h2.Timestamp = 2

	fp := ForkProof{Header1: h1, Header2: h2}
	if err := fp.Validate(); err != nil {
		t.Fatalf("expected valid fork proof: %v", err)
	}

	identical := ForkProof{Header1: h1, Header2: h1}
	if err := identical.Validate(); err == nil {
		t.Fatal("expected error for identical headers")
	}

	h3 := h1
	h3.BlockNumber = 2
	mismatched := ForkProof{Header1: h1, Header2: h3}
	if err := mismatched.Validate(); err == nil {
		t.Fatal("expected error for mismatched (block_number, view_number)")
	}
}

func TestMicroBody_SizeReflectsTrim(t *testing.T) {
	body := MicroBody{ExtraData: []byte{0x41}, Transactions: [][]byte{{1, 2, 3}, {4, 5}}}
	full := body.Size()

	trimmed := body
	trimmed.Transactions = body.Transactions[:1]
	if trimmed.Size() >= full {
		t.Fatal("expected smaller size after trimming a transaction")
	}
}

func TestMacroHeader_SigningBytesIncludesValidators(t *testing.T) {
	addr := types.Address{1}
	h := MacroHeader{
		Version: 1,
		Validators: types.GroupedList[types.Slot]{
			{Count: uint16(types.SlotCount), Value: types.Slot{PublicKey: []byte{0xAA}, StakerAddress: addr}},
		},
	}
	withoutValidators := MacroHeader{Version: 1}
	if h.Hash() == withoutValidators.Hash() {
		t.Fatal("expected validators to affect the header hash")
	}
}
