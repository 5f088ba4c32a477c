package config

import (
	"encoding/hex"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/policy"
)

func testBLSKeyHex(t *testing.T, seed byte) (skHex, pkHex string) {
	t.Helper()
	ikm := make([]byte, 32)
	for i := range ikm {
		ikm[i] = seed
	}
	sk, err := crypto.GenerateBLSKey(ikm)
	if err != nil {
		t.Fatalf("GenerateBLSKey: %v", err)
	}
	return hex.EncodeToString(sk.Serialize()), hex.EncodeToString(sk.PublicKey().Compress())
}

func fourStakeGenesis(t *testing.T) *Genesis {
	t.Helper()
	genesisSK, _ := testBLSKeyHex(t, 0xAA)

	g := &Genesis{
		SigningKey:      genesisSK,
		Timestamp:       1565713920000,
		StakingContract: "kgx1a8tfl79jgres7t90tttkc7ytjmhs5lpdn5ag4l",
	}
	balances := []uint64{4000, 3000, 2000, 1000}
	addrs := []string{
		"kgx1a8tfl79jgres7t90tttkc7ytjmhs5lpdn5ag4l",
		"tkgx13uayfwq9djh7cd5dagxtuzk3mx7r7sc9xv4h52",
		"kgx1a8tfl79jgres7t90tttkc7ytjmhs5lpdn5ag4l",
		"tkgx13uayfwq9djh7cd5dagxtuzk3mx7r7sc9xv4h52",
	}
	for i, bal := range balances {
		_, pk := testBLSKeyHex(t, byte(i+1))
		g.Stakes = append(g.Stakes, GenesisStake{
			StakerAddress: addrs[i],
			ValidatorKey:  pk,
			Balance:       bal,
		})
	}
	return g
}

func TestGenesis_Build_ProducesSlotsCoveringAllSlots(t *testing.T) {
	g := fourStakeGenesis(t)
	info, err := g.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := info.Block.Header.Validators.Validate(); err != nil {
		t.Fatalf("validator slot list invalid: %v", err)
	}
	if info.Block.Header.Validators.Len() != policy.SLOTS {
		t.Fatalf("slot count = %d, want %d", info.Block.Header.Validators.Len(), policy.SLOTS)
	}
}

func TestGenesis_Build_Deterministic(t *testing.T) {
	g := fourStakeGenesis(t)
	a, err := g.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	b, err := g.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if a.Hash != b.Hash {
		t.Fatal("genesis hash is not deterministic across rebuilds")
	}
}

func TestGenesis_Build_MissingSigningKey(t *testing.T) {
	g := fourStakeGenesis(t)
	g.SigningKey = ""
	if _, err := g.Build(); err != ErrGenesisNoSigningKey {
		t.Fatalf("got %v, want ErrGenesisNoSigningKey", err)
	}
}

func TestGenesis_Build_MissingStakingContract(t *testing.T) {
	g := fourStakeGenesis(t)
	g.StakingContract = ""
	if _, err := g.Build(); err != ErrGenesisNoStakingContractAddr {
		t.Fatalf("got %v, want ErrGenesisNoStakingContractAddr", err)
	}
}

func TestGenesis_Build_NoStakes(t *testing.T) {
	g := fourStakeGenesis(t)
	g.Stakes = nil
	if _, err := g.Build(); err != ErrGenesisNoStakes {
		t.Fatalf("got %v, want ErrGenesisNoStakes", err)
	}
}

func TestGenesis_Build_AccountsIncludesAllocations(t *testing.T) {
	g := fourStakeGenesis(t)
	g.Accounts = []GenesisAccount{
		{Address: "tkgx13uayfwq9djh7cd5dagxtuzk3mx7r7sc9xv4h52", Balance: 500},
	}
	info, err := g.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(info.Accounts) == 0 {
		t.Fatal("expected non-empty account set")
	}
}
