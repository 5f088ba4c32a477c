package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/Klingon-tech/klingnet-chain/pkg/albatross"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/policy"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// defaultSeedMessage is used when a genesis config omits seed_message. Taken
// verbatim from the reference genesis builder.
const defaultSeedMessage = "love ai amor mohabbat hubun cinta lyubov bhalabasa amour kauna pi'ara liebe eshq upendo prema amore katresnan sarang anpu prema yeu"

// GenesisStake is one entry of the genesis staking contract: a staker who
// deposited balance behind a validator BLS key.
type GenesisStake struct {
	StakerAddress string `toml:"staker_address"`
	RewardAddress string `toml:"reward_address,omitempty"`
	ValidatorKey  string `toml:"validator_key"` // hex, compressed BLS public key
	Balance       uint64 `toml:"balance"`
}

// GenesisAccount is a plain balance allocation, not backing a validator.
type GenesisAccount struct {
	Address string `toml:"address"`
	Balance uint64 `toml:"balance"`
}

// Genesis is the TOML genesis configuration: everything needed to derive
// the chain's genesis macro block and initial account state.
type Genesis struct {
	SigningKey      string         `toml:"signing_key"` // hex, 32-byte BLS secret key
	SeedMessage     string         `toml:"seed_message,omitempty"`
	Timestamp       uint64         `toml:"timestamp,omitempty"` // unix millis; used as given, so an omitted value stays 0
	Stakes          []GenesisStake `toml:"stakes"`
	Accounts        []GenesisAccount `toml:"accounts"`
	StakingContract string         `toml:"staking_contract"`
}

// GenesisInfo is the result of building a Genesis config: the immutable
// genesis macro block, its hash, and the initial account balances the
// account-state layer must be seeded with.
type GenesisInfo struct {
	Block    *albatross.MacroBlock
	Hash     types.Hash
	Accounts map[types.Address]types.Coin
}

// Errors surfaced to the operator at startup, mirroring the reference
// builder's GenesisBuilderError variants.
var (
	ErrGenesisNoSigningKey           = fmt.Errorf("genesis: signing_key is required")
	ErrGenesisNoStakingContractAddr  = fmt.Errorf("genesis: staking_contract address is required")
	ErrGenesisNoStakes               = fmt.Errorf("genesis: at least one stake is required")
)

// LoadGenesisFile loads and builds a genesis config from a TOML file.
func LoadGenesisFile(path string) (*GenesisInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("genesis: reading %s: %w", path, err)
	}
	var g Genesis
	if err := toml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("genesis: parsing %s: %w", path, err)
	}
	return g.Build()
}

// Build derives the genesis macro block deterministically from the config:
//
//	pre_genesis_seed := sign(blake2b(seed_message))
//	genesis_seed      := sign(pre_genesis_seed.compress())
//
// Validator slots are then assigned proportionally to stake, ordered by a
// deterministic shuffle keyed on pre_genesis_seed — see selectValidators.
func (g *Genesis) Build() (*GenesisInfo, error) {
	if g.SigningKey == "" {
		return nil, ErrGenesisNoSigningKey
	}
	if g.StakingContract == "" {
		return nil, ErrGenesisNoStakingContractAddr
	}
	if len(g.Stakes) == 0 {
		return nil, ErrGenesisNoStakes
	}

	skBytes, err := hex.DecodeString(g.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("genesis: signing_key: %w", err)
	}
	sk, err := crypto.BLSSecretKeyFromBytes(skBytes)
	if err != nil {
		return nil, fmt.Errorf("genesis: signing_key: %w", err)
	}

	seedMessage := g.SeedMessage
	if seedMessage == "" {
		seedMessage = defaultSeedMessage
	}
	preGenesisSeed := sk.Sign(crypto.Hash([]byte(seedMessage)).Bytes())
	genesisSeed := sk.Sign(preGenesisSeed.Compress())

	slots, err := selectValidators(preGenesisSeed.Compress(), g.Stakes)
	if err != nil {
		return nil, err
	}

	stakingAddr, err := types.ParseAddress(g.StakingContract)
	if err != nil {
		return nil, fmt.Errorf("genesis: staking_contract: %w", err)
	}

	accounts := map[types.Address]types.Coin{stakingAddr: 0}
	var totalStake types.Coin
	for _, s := range g.Stakes {
		totalStake, err = totalStake.Add(types.Coin(s.Balance))
		if err != nil {
			return nil, fmt.Errorf("genesis: stake balances overflow: %w", err)
		}
	}
	accounts[stakingAddr] = totalStake

	for _, a := range g.Accounts {
		addr, err := types.ParseAddress(a.Address)
		if err != nil {
			return nil, fmt.Errorf("genesis: account %q: %w", a.Address, err)
		}
		accounts[addr], err = accounts[addr].Add(types.Coin(a.Balance))
		if err != nil {
			return nil, fmt.Errorf("genesis: account %q balance overflow: %w", a.Address, err)
		}
	}

	timestamp := g.Timestamp
	extrinsics := &albatross.MacroBody{
		SlotAddresses: types.GroupSlots(slots),
		SlashedSet:    types.NewBitSet(),
	}
	extrinsicsRoot := crypto.Hash(extrinsics.SigningBytes())

	var seedCompressed [crypto.BLSSignatureSize]byte
	copy(seedCompressed[:], genesisSeed.Compress())

	header := albatross.MacroHeader{
		Version:          1,
		Validators:       types.GroupSlots(slots),
		BlockNumber:       policy.GenesisBlockNumber,
		ViewNumber:       0,
		ParentMacroHash:  types.Hash{},
		Seed:             seedCompressed,
		ParentHash:       types.Hash{},
		StateRoot:        hashAccounts(accounts),
		ExtrinsicsRoot:   extrinsicsRoot,
		TransactionsRoot: types.Hash{},
		Timestamp:        timestamp,
	}

	block := &albatross.MacroBlock{
		Header:        header,
		Justification: nil,
		Body:          extrinsics,
	}

	return &GenesisInfo{
		Block:    block,
		Hash:     header.Hash(),
		Accounts: accounts,
	}, nil
}

// hashAccounts is a placeholder state-root commitment over the initial
// account balances, deterministic in address order. The production
// account-state layer (internal/utxo.Commitment) replaces this once wired
// into the block assembler's genesis path.
func hashAccounts(accounts map[types.Address]types.Coin) types.Hash {
	addrs := make([]types.Address, 0, len(accounts))
	for a := range accounts {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return hex.EncodeToString(addrs[i][:]) < hex.EncodeToString(addrs[j][:])
	})
	buf := make([]byte, 0, len(addrs)*28)
	for _, a := range addrs {
		buf = append(buf, a[:]...)
		bal := accounts[a].Uint64()
		buf = append(buf,
			byte(bal>>56), byte(bal>>48), byte(bal>>40), byte(bal>>32),
			byte(bal>>24), byte(bal>>16), byte(bal>>8), byte(bal))
	}
	return crypto.Hash(buf)
}

// selectValidators assigns policy.SLOTS slots across stakers proportionally
// to stake, ordered by a deterministic shuffle keyed on the pre-genesis
// seed. This mirrors the reference select_validators contract — SLOTS
// positions, stake-proportional, deterministic from the seed — using a
// largest-remainder apportionment rather than the original's cumulative-
// weight VRF lottery (see DESIGN.md).
func selectValidators(seed []byte, stakes []GenesisStake) ([]types.Slot, error) {
	type candidate struct {
		stake GenesisStake
		key   types.Hash
	}
	cands := make([]candidate, 0, len(stakes))
	var total uint64
	for _, s := range stakes {
		cands = append(cands, candidate{stake: s, key: crypto.HashConcat(crypto.Hash(seed), crypto.Hash([]byte(s.StakerAddress)))})
		total += s.Balance
	}
	if total == 0 {
		return nil, fmt.Errorf("genesis: total stake is zero")
	}
	sort.Slice(cands, func(i, j int) bool {
		return hex.EncodeToString(cands[i].key[:]) < hex.EncodeToString(cands[j].key[:])
	})

	type alloc struct {
		idx       int
		count     uint16
		remainder uint64
	}
	allocs := make([]alloc, len(cands))
	var assigned uint32
	for i, c := range cands {
		share := uint64(policy.SLOTS) * c.stake.Balance
		allocs[i] = alloc{idx: i, count: uint16(share / total), remainder: share % total}
		assigned += uint32(allocs[i].count)
	}
	sort.Slice(allocs, func(i, j int) bool {
		return allocs[i].remainder > allocs[j].remainder
	})
	for i := 0; assigned < policy.SLOTS; i++ {
		allocs[i%len(allocs)].count++
		assigned++
	}
	countByIdx := make([]uint16, len(cands))
	for _, a := range allocs {
		countByIdx[a.idx] = a.count
	}

	slots := make([]types.Slot, 0, policy.SLOTS)
	for i, c := range cands {
		if countByIdx[i] == 0 {
			continue
		}
		pubKeyBytes, err := hex.DecodeString(c.stake.ValidatorKey)
		if err != nil {
			return nil, fmt.Errorf("genesis: stake %q: validator_key: %w", c.stake.StakerAddress, err)
		}
		stakerAddr, err := types.ParseAddress(c.stake.StakerAddress)
		if err != nil {
			return nil, fmt.Errorf("genesis: stake staker_address: %w", err)
		}
		var rewardAddr *types.Address
		if c.stake.RewardAddress != "" {
			a, err := types.ParseAddress(c.stake.RewardAddress)
			if err != nil {
				return nil, fmt.Errorf("genesis: stake reward_address: %w", err)
			}
			rewardAddr = &a
		}
		slot := types.Slot{PublicKey: pubKeyBytes, StakerAddress: stakerAddr, RewardAddress: rewardAddr}
		for k := uint16(0); k < countByIdx[i]; k++ {
			slots = append(slots, slot)
		}
	}
	if len(slots) != policy.SLOTS {
		return nil, fmt.Errorf("genesis: slot allocation produced %d slots, want %d", len(slots), policy.SLOTS)
	}
	return slots, nil
}
