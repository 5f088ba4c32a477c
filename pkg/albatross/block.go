package albatross

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// MicroHeader is the header of a single-leader block produced between
// epoch boundaries.
type MicroHeader struct {
	Version        uint16
	BlockNumber    uint32
	ViewNumber     uint32
	ParentHash     types.Hash
	ExtrinsicsRoot types.Hash
	StateRoot      types.Hash
	Seed           [crypto.BLSSignatureSize]byte // compressed BLS signature over the parent seed
	Timestamp      uint64
}

// SigningBytes returns the canonical pre-image hashed and signed for this
// header. Equal to the struct's canonical serialization, per the wire
// encoding's SerializeContent rule.
func (h *MicroHeader) SigningBytes() []byte {
	e := &encoder{}
	e.u16(h.Version)
	e.u32(h.BlockNumber)
	e.u32(h.ViewNumber)
	e.bytes32(h.ParentHash)
	e.bytes32(h.ExtrinsicsRoot)
	e.bytes32(h.StateRoot)
	e.buf = append(e.buf, h.Seed[:]...)
	e.u64(h.Timestamp)
	return e.buf
}

// Hash returns the Blake2b-256 hash of the header's canonical bytes.
func (h *MicroHeader) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// ForkProof is evidence that one leader signed two distinct headers at the
// identical (block_number, view_number).
type ForkProof struct {
	Header1        MicroHeader
	Header2        MicroHeader
	Justification1 [crypto.BLSSignatureSize]byte
	Justification2 [crypto.BLSSignatureSize]byte
}

// Validate checks the structural invariant a fork proof must satisfy: two
// distinct headers at the same (block_number, view_number). Signature
// verification against the accused leader's key happens at the call site,
// where the leader's public key is known.
func (fp *ForkProof) Validate() error {
	if fp.Header1.BlockNumber != fp.Header2.BlockNumber || fp.Header1.ViewNumber != fp.Header2.ViewNumber {
		return fmt.Errorf("albatross: fork proof headers at different (block_number, view_number)")
	}
	if fp.Header1.Hash() == fp.Header2.Hash() {
		return fmt.Errorf("albatross: fork proof headers are identical")
	}
	return nil
}

// MicroBody carries the fork proofs, free-form extra data, and transactions
// of a micro block.
type MicroBody struct {
	ForkProofs   []ForkProof
	ExtraData    []byte
	Transactions [][]byte // canonically-encoded, already cmp_block_order-sorted transactions
}

// SigningBytes returns the body's canonical encoding, used to compute the
// header's extrinsics_root.
func (b *MicroBody) SigningBytes() []byte {
	e := &encoder{}
	e.u32(uint32(len(b.ForkProofs)))
	for _, fp := range b.ForkProofs {
		e.blob(fp.Header1.SigningBytes())
		e.blob(fp.Header2.SigningBytes())
		e.buf = append(e.buf, fp.Justification1[:]...)
		e.buf = append(e.buf, fp.Justification2[:]...)
	}
	e.blob(b.ExtraData)
	e.u32(uint32(len(b.Transactions)))
	for _, t := range b.Transactions {
		e.blob(t)
	}
	return e.buf
}

// Size returns the serialized size in bytes, used by the assembler's
// max_size trimming pass.
func (b *MicroBody) Size() int {
	return len(b.SigningBytes())
}

// MicroJustification carries the leader's signature and, when the block was
// produced after a view change, the proof authorizing the new view number.
type MicroJustification struct {
	Signature        [crypto.BLSSignatureSize]byte
	ViewChangeProof  *ViewChangeProof
}

// MicroBlock is an immutable single-leader block.
type MicroBlock struct {
	Header        MicroHeader
	Body          MicroBody
	Justification MicroJustification
}

// MacroHeader is the header of an epoch-boundary block, committed by a PBFT
// quorum of the epoch's validator set.
type MacroHeader struct {
	Version          uint16
	Validators       types.GroupedList[types.Slot]
	BlockNumber      uint32
	ViewNumber       uint32
	ParentMacroHash  types.Hash
	Seed             [crypto.BLSSignatureSize]byte
	ParentHash       types.Hash
	StateRoot        types.Hash
	ExtrinsicsRoot   types.Hash
	TransactionsRoot types.Hash
	Timestamp        uint64
}

// SigningBytes returns the canonical pre-image for this header. This is the
// body signed under the PBFT_PROPOSAL domain prefix.
func (h *MacroHeader) SigningBytes() []byte {
	e := &encoder{}
	e.u16(h.Version)
	e.u16(uint16(len(h.Validators)))
	for _, g := range h.Validators {
		e.u16(g.Count)
		e.blob(g.Value.PublicKey)
		e.buf = append(e.buf, g.Value.StakerAddress[:]...)
		if g.Value.RewardAddress != nil {
			e.u8(1)
			e.buf = append(e.buf, g.Value.RewardAddress[:]...)
		} else {
			e.u8(0)
		}
	}
	e.u32(h.BlockNumber)
	e.u32(h.ViewNumber)
	e.bytes32(h.ParentMacroHash)
	e.buf = append(e.buf, h.Seed[:]...)
	e.bytes32(h.ParentHash)
	e.bytes32(h.StateRoot)
	e.bytes32(h.ExtrinsicsRoot)
	e.bytes32(h.TransactionsRoot)
	e.u64(h.Timestamp)
	return e.buf
}

// Hash returns the Blake2b-256 hash of the header's canonical bytes. This is
// the genesis hash when BlockNumber == 0.
func (h *MacroHeader) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// MacroBody carries the epoch's next slot assignment and the slashing
// outcome of the closing epoch.
type MacroBody struct {
	SlotAddresses types.GroupedList[types.Slot]
	SlashFine     types.Coin
	SlashedSet    *types.BitSet
}

// SigningBytes returns the body's canonical encoding, used to compute the
// header's extrinsics_root.
func (b *MacroBody) SigningBytes() []byte {
	e := &encoder{}
	e.u16(uint16(len(b.SlotAddresses)))
	for _, g := range b.SlotAddresses {
		e.u16(g.Count)
		e.blob(g.Value.PublicKey)
		e.buf = append(e.buf, g.Value.StakerAddress[:]...)
	}
	e.u64(b.SlashFine.Uint64())
	if b.SlashedSet != nil {
		e.blob(b.SlashedSet.Bytes())
	} else {
		e.blob(nil)
	}
	return e.buf
}

// PbftProof is the justification attached to a committed macro block: two
// threshold-aggregated signatures, one over the prepare phase and one over
// the commit phase.
type PbftProof struct {
	Prepare AggregatedSignature
	Commit  AggregatedSignature
}

// AggregatedSignature is a BLS multi-signature together with the set of
// slot indices that contributed to it.
type AggregatedSignature struct {
	Signers   *types.BitSet
	Signature [crypto.BLSSignatureSize]byte
}

// MacroBlock is an immutable epoch-boundary block. Body may be absent for
// header-only sync of macro blocks; Justification is required for every
// block_number >= 1 (the genesis macro block carries none).
type MacroBlock struct {
	Header        MacroHeader
	Justification *PbftProof
	Body          *MacroBody
}

// ViewChange is the tag signed by validators to advance the view number for
// a stalled block_number.
type ViewChange struct {
	BlockNumber   uint32
	NewViewNumber uint32
}

// SigningBytes returns the canonical pre-image signed under the VIEW_CHANGE
// domain prefix.
func (v *ViewChange) SigningBytes() []byte {
	e := &encoder{}
	e.u32(v.BlockNumber)
	e.u32(v.NewViewNumber)
	return e.buf
}

// ViewChangeProof is a threshold-aggregated signature over a ViewChange tag.
type ViewChangeProof struct {
	Aggregate AggregatedSignature
}
