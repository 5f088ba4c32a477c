// Package policy holds the compile-time constants that bind consensus
// validity rules: slot counts, epoch boundaries, and the block reward
// schedule. Mirrors the teacher's config constant-block convention.
package policy

// SLOTS is the number of leader slots per epoch.
const SLOTS = 512

// TwoThirdSlots is the quorum threshold for aggregated signatures: the
// smallest count strictly greater than 2/3 of SLOTS.
const TwoThirdSlots = (2*SLOTS + 2) / 3

// MaxConsidered bounds how many historic epochs worth of fork proofs the
// fork-proof pool will hand back from GetForkProofsForBlock in one call.
const MaxConsidered = 1000

// BlocksPerEpoch is the number of micro blocks between macro blocks,
// including the macro block itself (i.e. a full epoch is
// BlocksPerEpoch-1 micro blocks followed by one macro block).
const BlocksPerEpoch = 32

// GenesisBlockNumber is the block number of the genesis macro block.
const GenesisBlockNumber = 0

// BlockTimeoutSeconds is the BLOCK_TIMEOUT interval (§5): the validator
// orchestrator's view-change timer, reset on every chain advance.
const BlockTimeoutSeconds = 10

// baseBlockReward is the reward (in Coin base units) paid for block 1 of
// an epoch; it is held flat because the spec does not define a halving
// schedule for this engine (account-issuance policy is external, §1).
const baseBlockReward = 1_000_000

// EpochAt returns the epoch index containing block n. Epoch 0 is the
// genesis epoch, which contains only the genesis macro block.
func EpochAt(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	return (n - 1) / BlocksPerEpoch
}

// FirstBlockOf returns the first block number of the given epoch (the
// block immediately following the previous epoch's macro block).
func FirstBlockOf(epoch uint64) uint64 {
	if epoch == 0 {
		return 1
	}
	return epoch*BlocksPerEpoch - BlocksPerEpoch + 1
}

// MacroBlockAfter returns the block number of the macro block that closes
// the epoch containing block n.
func MacroBlockAfter(n uint64) uint64 {
	return EpochAt(n)*BlocksPerEpoch + BlocksPerEpoch
}

// IsMacroBlockAt reports whether n is a macro block boundary.
func IsMacroBlockAt(n uint64) bool {
	if n == GenesisBlockNumber {
		return true
	}
	return n%BlocksPerEpoch == 0
}

// BlockRewardAt returns the block reward paid for producing block n. Flat
// per §1's non-goal that issuance policy is external; kept as a function
// (not a constant) so a future supply curve only touches this file.
func BlockRewardAt(n uint64) uint64 {
	if n == GenesisBlockNumber {
		return 0
	}
	return baseBlockReward
}
