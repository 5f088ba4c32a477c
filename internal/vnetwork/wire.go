package vnetwork

import (
	"github.com/Klingon-tech/klingnet-chain/internal/aggregator"
	"github.com/Klingon-tech/klingnet-chain/pkg/albatross"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// contributionWire is the JSON wire shape of an aggregator.Contribution:
// BitSet and BLSSignature have no exported fields to marshal directly, so
// gossip carries their flattened forms instead.
type contributionWire struct {
	Signers   []uint16 `json:"signers"`
	Signature []byte   `json:"signature"`
}

func encodeContribution(c aggregator.Contribution) contributionWire {
	return contributionWire{Signers: c.Signers.Indices(), Signature: c.Signature.Compress()}
}

func (w contributionWire) decode() (aggregator.Contribution, error) {
	sig, err := crypto.BLSSignatureFromBytes(w.Signature)
	if err != nil {
		return aggregator.Contribution{}, err
	}
	signers := types.NewBitSet()
	for _, idx := range w.Signers {
		signers.Set(idx)
	}
	return aggregator.Contribution{Signers: signers, Signature: sig}, nil
}

// viewChangeWire gossips one peer's contribution toward the view-change
// vote for the block height following BlockNumber.
type viewChangeWire struct {
	BlockNumber  uint32            `json:"block_number"`
	Contribution contributionWire `json:"contribution"`
}

// pbftContributionWire gossips one peer's PBFT prepare or commit
// contribution for the macro block identified by BlockHash.
type pbftContributionWire struct {
	BlockHash    [32]byte         `json:"block_hash"`
	Contribution contributionWire `json:"contribution"`
}

// validatorInfoWire is the signed envelope gossiped on TopicValidatorInfo:
// the ValidatorInfo payload plus the signature over its domain-separated
// signing bytes.
type validatorInfoWire struct {
	Info      albatross.ValidatorInfo `json:"info"`
	Signature []byte                  `json:"signature"`
}
