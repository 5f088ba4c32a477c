// Package rewardpot tracks the current- and previous-epoch validator
// reward totals. Grounded on the reference reward_registry's reward_pot:
// a two-key persistent store (curr, prev) mutated on every applied or
// reverted block, with a full from-scratch recompute available at sync.
package rewardpot

import (
	"encoding/binary"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/albatross"
	"github.com/Klingon-tech/klingnet-chain/pkg/policy"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

var (
	currentKey  = []byte("rewardpot:curr")
	previousKey = []byte("rewardpot:prev")
)

// RewardPot is the durable two-key reward accumulator. It is owned by the
// chain and mutated only from the chain's apply/revert paths, within the
// chain's own write transaction — RewardPot itself does not serialize
// concurrent callers.
type RewardPot struct {
	db storage.DB
}

// New wraps a KV store as a RewardPot. The store is expected to be scoped
// to reward-pot keys only (a dedicated namespace or database).
func New(db storage.DB) *RewardPot {
	return &RewardPot{db: db}
}

// Current returns the accumulated reward for the epoch in progress.
func (r *RewardPot) Current() types.Coin {
	return r.get(currentKey)
}

// Previous returns the finalized reward total of the last completed epoch.
func (r *RewardPot) Previous() types.Coin {
	return r.get(previousKey)
}

func (r *RewardPot) get(key []byte) types.Coin {
	v, err := r.db.Get(key)
	if err != nil || len(v) != 8 {
		return 0
	}
	return types.Coin(binary.BigEndian.Uint64(v))
}

func (r *RewardPot) put(key []byte, c types.Coin) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, c.Uint64())
	return r.db.Put(key, buf)
}

// RewardForMicro is block_reward_at(n) + Σtx.fee + slash_fine·(|fork_proofs|
// + view_number − prev_view_number). fees is the caller-supplied sum of
// transaction fees for the block (fee computation needs account state,
// which the reward pot does not have access to).
func RewardForMicro(block *albatross.MicroBlock, slashFine types.Coin, fees types.Coin, prevViewNumber uint32) types.Coin {
	reward := mustAdd(types.Coin(policy.BlockRewardAt(uint64(block.Header.BlockNumber))), fees)
	reward = mustAdd(reward, mustMul(slashFine, uint64(len(block.Body.ForkProofs))))
	reward = mustAdd(reward, mustMul(slashFine, uint64(block.Header.ViewNumber-prevViewNumber)))
	return reward
}

// RewardForMacro is block_reward_at(n) + slash_fine·(view_number − prev_view_number).
func RewardForMacro(block *albatross.MacroBlock, slashFine types.Coin, prevViewNumber uint32) types.Coin {
	reward := types.Coin(policy.BlockRewardAt(uint64(block.Header.BlockNumber)))
	return mustAdd(reward, mustMul(slashFine, uint64(block.Header.ViewNumber-prevViewNumber)))
}

// CommitMicro adds a micro block's reward to the current epoch total.
func (r *RewardPot) CommitMicro(block *albatross.MicroBlock, slashFine types.Coin, fees types.Coin, prevViewNumber uint32) error {
	reward := RewardForMicro(block, slashFine, fees, prevViewNumber)
	return r.put(currentKey, mustAdd(r.Current(), reward))
}

// RevertMicro is the exact inverse of CommitMicro, used when a micro block
// is unwound from the chain head.
func (r *RewardPot) RevertMicro(block *albatross.MicroBlock, slashFine types.Coin, fees types.Coin, prevViewNumber uint32) error {
	reward := RewardForMicro(block, slashFine, fees, prevViewNumber)
	cur, err := r.Current().Sub(reward)
	if err != nil {
		panic(fmt.Sprintf("rewardpot: revert micro block %d: %v", block.Header.BlockNumber, err))
	}
	return r.put(currentKey, cur)
}

// CommitMacro adds the macro block's own reward to the current total, then
// rolls current into previous and zeroes current — the epoch boundary.
func (r *RewardPot) CommitMacro(block *albatross.MacroBlock, slashFine types.Coin, prevViewNumber uint32) error {
	reward := RewardForMacro(block, slashFine, prevViewNumber)
	closed := mustAdd(r.Current(), reward)
	if err := r.put(previousKey, closed); err != nil {
		return err
	}
	return r.put(currentKey, 0)
}

// CommitEpoch recomputes an epoch's total reward from scratch — used when
// syncing directly to a macro block without replaying every intervening
// micro block — and overwrites previous, zeroing current.
func (r *RewardPot) CommitEpoch(blockNumber uint32, fees types.Coin, slashFine types.Coin, slashedCount int) error {
	if !policy.IsMacroBlockAt(uint64(blockNumber)) {
		return fmt.Errorf("rewardpot: commit_epoch requires a macro block number, got %d", blockNumber)
	}
	epoch := policy.EpochAt(uint64(blockNumber))

	var reward types.Coin
	for n := policy.FirstBlockOf(epoch); n <= uint64(blockNumber); n++ {
		reward = mustAdd(reward, types.Coin(policy.BlockRewardAt(n)))
	}
	reward = mustAdd(reward, fees)
	reward = mustAdd(reward, mustMul(slashFine, uint64(slashedCount)))

	if err := r.put(previousKey, reward); err != nil {
		return err
	}
	return r.put(currentKey, 0)
}

// overflow in consensus reward math is fatal: it means a policy constant or
// slash fine was set inconsistently with Coin's range, which no caller can
// recover from meaningfully.
func mustAdd(a, b types.Coin) types.Coin {
	sum, err := a.Add(b)
	if err != nil {
		panic("rewardpot: " + err.Error())
	}
	return sum
}

func mustMul(c types.Coin, factor uint64) types.Coin {
	product, err := c.CheckedMul(factor)
	if err != nil {
		panic("rewardpot: " + err.Error())
	}
	return product
}
