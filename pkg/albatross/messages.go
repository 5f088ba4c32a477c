package albatross

import "github.com/Klingon-tech/klingnet-chain/pkg/crypto"

// Domain-separation prefixes. Every signable message is hashed and signed
// as prefix || canonical_body; the prefixes below must stay distinct so a
// signature over one message kind can never be replayed as another.
const (
	DomainPbftProposal byte = 0x01
	DomainViewChange    byte = 0x02
	DomainPbftPrepare   byte = 0x03
	DomainPbftCommit    byte = 0x04
	DomainValidatorInfo byte = 0x05
)

func init() {
	seen := map[byte]bool{}
	for _, d := range []byte{DomainPbftProposal, DomainViewChange, DomainPbftPrepare, DomainPbftCommit, DomainValidatorInfo} {
		if seen[d] {
			panic("albatross: domain separation prefixes collide")
		}
		seen[d] = true
	}
}

// PbftPrepareMessage is signed by a replica entering the Preparing state.
type PbftPrepareMessage struct {
	BlockHash [32]byte
}

func (m *PbftPrepareMessage) SigningBytes() []byte {
	e := &encoder{}
	e.u8(DomainPbftPrepare)
	e.buf = append(e.buf, m.BlockHash[:]...)
	return e.buf
}

// PbftCommitMessage is signed by a replica entering the Committing state.
type PbftCommitMessage struct {
	BlockHash [32]byte
}

func (m *PbftCommitMessage) SigningBytes() []byte {
	e := &encoder{}
	e.u8(DomainPbftCommit)
	e.buf = append(e.buf, m.BlockHash[:]...)
	return e.buf
}

// SignedPbftProposal is a macro header proposed by the (block_number,
// view_number)'s leader.
type SignedPbftProposal struct {
	Header    MacroHeader
	Signature [crypto.BLSSignatureSize]byte
}

// ProposalSigningBytes returns the domain-prefixed pre-image signed by the
// proposal's leader.
func ProposalSigningBytes(h *MacroHeader) []byte {
	e := &encoder{}
	e.u8(DomainPbftProposal)
	e.buf = append(e.buf, h.SigningBytes()...)
	return e.buf
}

// ViewChangeSigningBytes returns the domain-prefixed pre-image signed for a
// ViewChange tag.
func ViewChangeSigningBytes(v *ViewChange) []byte {
	e := &encoder{}
	e.u8(DomainViewChange)
	e.buf = append(e.buf, v.SigningBytes()...)
	return e.buf
}

// ValidatorInfo lets peers resolve a slot index to a network address. It is
// gossiped on the validator-info topic and signed under the
// VALIDATOR_INFO domain prefix.
type ValidatorInfo struct {
	PublicKey   []byte
	PeerAddress string
	UDPAddress  string
	ValidFrom   uint32
}

func (v *ValidatorInfo) SigningBytes() []byte {
	e := &encoder{}
	e.u8(DomainValidatorInfo)
	e.blob(v.PublicKey)
	e.blob([]byte(v.PeerAddress))
	e.blob([]byte(v.UDPAddress))
	e.u32(v.ValidFrom)
	return e.buf
}
