package chain

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/chainface"
	klog "github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/internal/rewardpot"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/albatross"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/policy"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
	"github.com/rs/zerolog"
)

// eventBuffer bounds each subscriber's channel. A slow subscriber drops
// events rather than stalling Push — the orchestrator (the only consumer
// today) drains its channel from a dedicated goroutine, so under normal
// operation this never fills.
const eventBuffer = 32

// Chain is the reference chainface.Facade: a linear, single-branch block
// store. It accepts only blocks that extend the current head — there is
// no fork choice or reorg resolution (see DESIGN.md's open-question
// entry on linear-only Push).
//
// Head() must return a *albatross.MicroHeader even when the true chain
// head is a macro block, since the facade has one head type. Chain
// resolves this by keeping a synthesized "head projection": a
// MicroHeader carrying forward the macro header's block number, view
// number, timestamp and seed, whose own Hash() becomes the value the
// next block's ParentHash must reference. This projection never needs
// to match a macro block's real header hash computed elsewhere — the
// only place that hash matters is MacroHeadHash(), tracked separately
// for ParentMacroHash linking — it only needs to be self-consistent
// within this chain instance, which it is by construction.
type Chain struct {
	mu     sync.Mutex
	prodMu sync.Mutex // held by Lock's caller and by Push

	store  *blockStore
	logger zerolog.Logger

	head          albatross.MicroHeader
	headHash      types.Hash
	macroHeadHash types.Hash
	validators    types.GroupedList[types.Slot]
	slashFine     types.Coin

	epochExtrinsicsRoots [][]byte

	accounts *accountsView
	rewards  *rewardpot.RewardPot

	subMu sync.Mutex
	subs  map[chan chainface.BlockchainEvent]struct{}
}

// New opens a chain backed by db, resuming from a persisted tip if one
// exists, or initializing from genesis otherwise.
func New(db storage.DB, genesis *config.GenesisInfo) (*Chain, error) {
	store := newBlockStore(db)
	c := &Chain{
		store:    store,
		logger:   klog.WithComponent("chain"),
		accounts: newAccountsView(db, nil),
		rewards:  rewardpot.New(db),
		subs:     make(map[chan chainface.BlockchainEvent]struct{}),
	}

	tip, err := store.getTip()
	if err == nil {
		c.restoreFromTip(tip)
		return c, nil
	}

	if genesis == nil {
		return nil, fmt.Errorf("chain: no persisted tip and no genesis supplied")
	}
	if err := c.initFromGenesis(genesis); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Chain) restoreFromTip(tip *tipState) {
	c.head = albatross.MicroHeader{
		Version:     1,
		BlockNumber: tip.BlockNumber,
		ViewNumber:  tip.ViewNumber,
		ParentHash:  tip.ParentHash,
		Timestamp:   tip.Timestamp,
	}
	copy(c.head.Seed[:], tip.Seed)
	c.headHash = c.head.Hash()
	// headHash must equal tip.Head exactly, or the persisted state was
	// written by a different Chain revision — recompute from the stored
	// fields regardless, since headHash only needs internal consistency.
	c.macroHeadHash = tip.MacroHead
	c.validators = tip.Validators
	c.accounts = newAccountsView(c.store.db, nil)
}

func (c *Chain) initFromGenesis(genesis *config.GenesisInfo) error {
	if err := c.store.putMacro(genesis.Block); err != nil {
		return fmt.Errorf("chain: store genesis block: %w", err)
	}
	h := genesis.Block.Header
	c.validators = h.Validators
	c.macroHeadHash = genesis.Hash

	c.head = albatross.MicroHeader{
		Version:        1,
		BlockNumber:    h.BlockNumber,
		ViewNumber:     h.ViewNumber,
		ParentHash:     h.ParentHash,
		ExtrinsicsRoot: h.ExtrinsicsRoot,
		StateRoot:      h.StateRoot,
		Seed:           h.Seed,
		Timestamp:      h.Timestamp,
	}
	c.headHash = c.head.Hash()
	c.accounts = newAccountsView(c.store.db, genesis.Accounts)
	if err := c.accounts.persist(); err != nil {
		return fmt.Errorf("chain: persist genesis accounts: %w", err)
	}
	return c.persistTip()
}

func (c *Chain) persistTip() error {
	return c.store.putTip(&tipState{
		Head:        c.headHash,
		MacroHead:   c.macroHeadHash,
		BlockNumber: c.head.BlockNumber,
		ViewNumber:  c.head.ViewNumber,
		ParentHash:  c.head.ParentHash,
		Seed:        append([]byte{}, c.head.Seed[:]...),
		Timestamp:   c.head.Timestamp,
		Validators:  c.validators,
	})
}

// Head returns a copy of the current head projection; callers must not
// mutate a shared header through the returned pointer.
func (c *Chain) Head() *albatross.MicroHeader {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.head
	return &h
}

func (c *Chain) HeadHash() types.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headHash
}

func (c *Chain) BlockNumber() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head.BlockNumber
}

// ViewNumber reports the view the current head was produced or committed
// at — there is no independently tracked view counter, since every head
// change already carries the view it happened at in its own header.
func (c *Chain) ViewNumber() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head.ViewNumber
}

func (c *Chain) MacroHeadHash() types.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.macroHeadHash
}

func (c *Chain) Accounts() chainface.Accounts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accounts
}

// CurrentSlots expands the current validator set into the ordered,
// per-position slot list the PBFT quorum math counts against.
func (c *Chain) CurrentSlots() *types.Slots {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &types.Slots{Items: c.validators.Expand(), SlashFine: c.slashFine}
}

// NextSlots and NextValidators return the current epoch's set unchanged:
// this reference chain carries no staking contract and does not rotate
// validators between epochs (see DESIGN.md's open-question entry on
// static validator rotation). seed and txn are accepted to satisfy the
// facade and are unused.
func (c *Chain) NextSlots(seed []byte, txn chainface.WriteTransaction) (*types.Slots, error) {
	return c.CurrentSlots(), nil
}

func (c *Chain) NextValidators(seed []byte, txn chainface.WriteTransaction) (types.GroupedList[types.Slot], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validators, nil
}

// SlashedSet always reports no slashed slots: fork-proof-driven slashing
// accrues in internal/forkpool and internal/rewardpot but this reference
// chain does not yet feed it back into the BitSet consulted when closing
// an epoch (see DESIGN.md).
func (c *Chain) SlashedSet(epoch uint64, txn chainface.WriteTransaction) (*types.BitSet, error) {
	return types.NewBitSet(), nil
}

// GetNextBlockProducer and GetBlockProducerAt assign a leader to a
// (block_number, view_number) pair deterministically: hash the current
// seed together with the pair and reduce mod SlotCount. See DESIGN.md's
// open-question entry — the reference source's actual selection formula
// is not recoverable from the material in the retrieval pack.
func (c *Chain) GetNextBlockProducer(viewNumber uint32, txn chainface.WriteTransaction) (*types.Slot, uint16, error) {
	c.mu.Lock()
	seed := c.head.Seed
	blockNumber := c.head.BlockNumber + 1
	validators := c.validators
	c.mu.Unlock()
	return producerAt(seed, blockNumber, viewNumber, validators)
}

func (c *Chain) GetBlockProducerAt(blockNumber, viewNumber uint32, txn chainface.WriteTransaction) (*types.Slot, uint16, error) {
	c.mu.Lock()
	seed := c.head.Seed
	validators := c.validators
	c.mu.Unlock()
	return producerAt(seed, blockNumber, viewNumber, validators)
}

func producerAt(seed [crypto.BLSSignatureSize]byte, blockNumber, viewNumber uint32, validators types.GroupedList[types.Slot]) (*types.Slot, uint16, error) {
	slots := validators.Expand()
	if len(slots) == 0 {
		return nil, 0, fmt.Errorf("chain: no validator set available")
	}
	buf := make([]byte, len(seed)+8)
	copy(buf, seed[:])
	binary.BigEndian.PutUint32(buf[len(seed):], blockNumber)
	binary.BigEndian.PutUint32(buf[len(seed)+4:], viewNumber)
	digest := crypto.Hash(buf)
	idx := binary.BigEndian.Uint64(digest[:8]) % uint64(len(slots))
	slot := slots[idx]
	return &slot, uint16(idx), nil
}

// GetNextBlockType reports a macro block at every policy.BlocksPerEpoch
// boundary, a micro block otherwise.
func (c *Chain) GetNextBlockType(txn chainface.WriteTransaction) (chainface.BlockType, error) {
	c.mu.Lock()
	next := c.head.BlockNumber + 1
	c.mu.Unlock()
	if policy.IsMacroBlockAt(uint64(next)) {
		return chainface.BlockTypeMacro, nil
	}
	return chainface.BlockTypeMicro, nil
}

// TransactionsRoot hashes together the extrinsics roots of every micro
// block produced so far in the given epoch. Only the current (still
// open) epoch is available; querying a closed epoch after its macro
// block has been committed returns an error, since this reference chain
// does not retain per-epoch history beyond the running accumulator.
func (c *Chain) TransactionsRoot(epoch uint64, txn chainface.WriteTransaction) (types.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != policy.EpochAt(uint64(c.head.BlockNumber+1)) {
		return types.Hash{}, fmt.Errorf("chain: transactions root only available for the open epoch")
	}
	if len(c.epochExtrinsicsRoots) == 0 {
		return types.Hash{}, nil
	}
	acc := crypto.Hash(c.epochExtrinsicsRoots[0])
	for _, r := range c.epochExtrinsicsRoots[1:] {
		acc = crypto.HashConcat(acc, crypto.Hash(r))
	}
	return acc, nil
}

// CreateSlashInherents always returns no inherents: turning fork proofs
// and view changes into account-layer slashing transactions belongs to
// the account-state layer, which this reference chain's placeholder
// Accounts does not implement (§1 non-goal — account transition rules
// are external to the validator core).
func (c *Chain) CreateSlashInherents(forkProofs []albatross.ForkProof, viewChanges []albatross.ViewChange, txn chainface.WriteTransaction) ([][]byte, error) {
	return nil, nil
}

type noopTxn struct{}

func (noopTxn) Commit() error { return nil }
func (noopTxn) Abort()        {}

// WriteTransaction returns a scratch transaction. It carries no state of
// its own because every read it backs (NextSlots, NextValidators,
// SlashedSet) is already a pure function of committed chain state.
func (c *Chain) WriteTransaction() chainface.WriteTransaction {
	return noopTxn{}
}

// Lock serializes block production against Push, matching the facade's
// documented contract that assembler reads and chain writes don't race.
func (c *Chain) Lock() func() {
	c.prodMu.Lock()
	return c.prodMu.Unlock
}

// Push validates and applies a single-leader extension of the chain.
// Only linear extension is supported — a block whose parent is not the
// current head is rejected as invalid rather than triggering a reorg
// (see DESIGN.md's open-question entry on linear-only Push).
func (c *Chain) Push(block any) (chainface.PushResult, error) {
	c.prodMu.Lock()
	defer c.prodMu.Unlock()
	switch b := block.(type) {
	case *albatross.MicroBlock:
		return c.pushMicro(b)
	case *albatross.MacroBlock:
		return c.pushMacro(b)
	default:
		return chainface.PushResultInvalid, fmt.Errorf("chain: push: unsupported block type %T", block)
	}
}

func (c *Chain) pushMicro(b *albatross.MicroBlock) (chainface.PushResult, error) {
	c.mu.Lock()
	if b.Header.BlockNumber != c.head.BlockNumber+1 {
		c.mu.Unlock()
		return chainface.PushResultInvalid, fmt.Errorf("chain: micro block number %d does not extend head %d", b.Header.BlockNumber, c.head.BlockNumber)
	}
	if b.Header.ParentHash != c.headHash {
		c.mu.Unlock()
		return chainface.PushResultInvalid, fmt.Errorf("chain: micro block parent hash mismatch")
	}
	if err := c.store.putMicro(b); err != nil {
		c.mu.Unlock()
		return chainface.PushResultInvalid, err
	}
	prevViewNumber := c.head.ViewNumber
	slashFine := c.slashFine
	c.head = b.Header
	c.headHash = b.Header.Hash()
	c.epochExtrinsicsRoots = append(c.epochExtrinsicsRoots, append([]byte{}, b.Header.ExtrinsicsRoot[:]...))
	if err := c.persistTip(); err != nil {
		c.mu.Unlock()
		return chainface.PushResultInvalid, err
	}
	hash := c.headHash
	c.mu.Unlock()

	fees, err := c.accounts.CollectReceipts(b.Body.Transactions)
	if err != nil {
		return chainface.PushResultInvalid, fmt.Errorf("chain: collect receipts: %w", err)
	}
	if err := c.rewards.CommitMicro(b, slashFine, fees, prevViewNumber); err != nil {
		return chainface.PushResultInvalid, fmt.Errorf("chain: commit reward pot: %w", err)
	}

	c.logger.Debug().Uint32("block_number", b.Header.BlockNumber).Str("hash", hash.String()).Msg("extended chain with micro block")
	c.publish(chainface.BlockchainEvent{Kind: chainface.EventExtended, Hash: hash, Body: &b.Body})
	return chainface.PushResultExtended, nil
}

func (c *Chain) pushMacro(b *albatross.MacroBlock) (chainface.PushResult, error) {
	c.mu.Lock()
	if b.Header.BlockNumber != c.head.BlockNumber+1 {
		c.mu.Unlock()
		return chainface.PushResultInvalid, fmt.Errorf("chain: macro block number %d does not extend head %d", b.Header.BlockNumber, c.head.BlockNumber)
	}
	if b.Header.ParentHash != c.headHash {
		c.mu.Unlock()
		return chainface.PushResultInvalid, fmt.Errorf("chain: macro block parent hash mismatch")
	}
	if b.Header.ParentMacroHash != c.macroHeadHash {
		c.mu.Unlock()
		return chainface.PushResultInvalid, fmt.Errorf("chain: macro block parent macro hash mismatch")
	}
	if err := c.store.putMacro(b); err != nil {
		c.mu.Unlock()
		return chainface.PushResultInvalid, err
	}

	prevViewNumber := c.head.ViewNumber
	slashFine := c.slashFine

	c.macroHeadHash = b.Header.Hash()
	c.validators = b.Header.Validators
	if b.Body != nil {
		c.slashFine = b.Body.SlashFine
	}
	c.epochExtrinsicsRoots = nil

	// Synthesize the next head projection: see the Chain doc comment for
	// why this never needs to equal the macro header's own hash.
	c.head = albatross.MicroHeader{
		Version:        1,
		BlockNumber:    b.Header.BlockNumber,
		ViewNumber:     b.Header.ViewNumber,
		ParentHash:     b.Header.Hash(),
		ExtrinsicsRoot: b.Header.ExtrinsicsRoot,
		StateRoot:      b.Header.StateRoot,
		Seed:           b.Header.Seed,
		Timestamp:      b.Header.Timestamp,
	}
	c.headHash = c.head.Hash()
	if err := c.persistTip(); err != nil {
		c.mu.Unlock()
		return chainface.PushResultInvalid, err
	}
	hash := c.macroHeadHash
	c.mu.Unlock()

	if err := c.rewards.CommitMacro(b, slashFine, prevViewNumber); err != nil {
		return chainface.PushResultInvalid, fmt.Errorf("chain: commit reward pot: %w", err)
	}

	c.logger.Info().Uint32("block_number", b.Header.BlockNumber).Str("hash", hash.String()).Msg("extended chain with macro block")
	c.publish(chainface.BlockchainEvent{Kind: chainface.EventFinalized, Hash: hash})
	return chainface.PushResultExtended, nil
}

func (c *Chain) CurrentValidators() types.GroupedList[types.Slot] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validators
}

// Subscribe registers a new event channel. unsubscribe removes and
// closes it; Push never blocks on a full subscriber channel, it drops
// the event instead (see eventBuffer).
func (c *Chain) Subscribe() (<-chan chainface.BlockchainEvent, func()) {
	ch := make(chan chainface.BlockchainEvent, eventBuffer)
	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()

	unsubscribe := func() {
		c.subMu.Lock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
		c.subMu.Unlock()
	}
	return ch, unsubscribe
}

func (c *Chain) publish(e chainface.BlockchainEvent) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- e:
		default:
			c.logger.Warn().Msg("dropped blockchain event: subscriber channel full")
		}
	}
}

// sortedAddresses is shared with accountsView's deterministic commitment.
func sortedAddresses(accounts map[types.Address]types.Coin) []types.Address {
	addrs := make([]types.Address, 0, len(accounts))
	for a := range accounts {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return string(addrs[i][:]) < string(addrs[j][:])
	})
	return addrs
}
