package chain

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/internal/chainface"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

var prefixAccount = []byte("c/") // c/<address(20)> -> balance (8 bytes BE)

func accountKey(addr types.Address) []byte {
	return append(append([]byte{}, prefixAccount...), addr[:]...)
}

// accountsView is the placeholder chainface.Accounts implementation. The
// validator core only needs roots and fee totals out of the account
// layer (§1 non-goal: account-state transition rules are external), so
// this holds a flat balance map with no transaction-execution semantics
// — mirroring the same deterministic-commitment approach config.Genesis
// uses for the genesis state root (config/genesis.go's hashAccounts).
type accountsView struct {
	mu       sync.RWMutex
	db       storage.DB
	balances map[types.Address]types.Coin
}

func newAccountsView(db storage.DB, seed map[types.Address]types.Coin) *accountsView {
	a := &accountsView{db: db, balances: make(map[types.Address]types.Coin)}
	if seed != nil {
		for addr, bal := range seed {
			a.balances[addr] = bal
		}
		return a
	}
	_ = db.ForEach(prefixAccount, func(key, value []byte) error {
		var addr types.Address
		copy(addr[:], key[len(prefixAccount):])
		if len(value) == 8 {
			a.balances[addr] = types.Coin(binary.BigEndian.Uint64(value))
		}
		return nil
	})
	return a
}

func (a *accountsView) persist() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for addr, bal := range a.balances {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, bal.Uint64())
		if err := a.db.Put(accountKey(addr), buf); err != nil {
			return fmt.Errorf("chain: persist account %s: %w", addr, err)
		}
	}
	return nil
}

// Hash returns a deterministic commitment over the current balance set,
// in address order.
func (a *accountsView) Hash() types.Hash {
	a.mu.RLock()
	defer a.mu.RUnlock()
	addrs := sortedAddresses(a.balances)
	buf := make([]byte, 0, len(addrs)*28)
	for _, addr := range addrs {
		buf = append(buf, addr[:]...)
		bal := a.balances[addr].Uint64()
		var b8 [8]byte
		binary.BigEndian.PutUint64(b8[:], bal)
		buf = append(buf, b8[:]...)
	}
	return crypto.Hash(buf)
}

// HashWith folds the given transactions, inherents and block number into
// the current balance commitment. Since transaction execution is out of
// scope, this is a stand-in for what the account-state layer's real
// state_root would be after applying them: it changes whenever the
// extrinsic set changes, giving the assembler a header field that
// actually commits to the block's content, without implementing balance
// transitions here.
func (a *accountsView) HashWith(txns [][]byte, inherents [][]byte, blockNumber uint32) types.Hash {
	base := a.Hash()
	e := make([]byte, 0, 64)
	e = append(e, base[:]...)
	for _, t := range txns {
		h := crypto.Hash(t)
		e = append(e, h[:]...)
	}
	for _, in := range inherents {
		h := crypto.Hash(in)
		e = append(e, h[:]...)
	}
	var bn [4]byte
	binary.BigEndian.PutUint32(bn[:], blockNumber)
	e = append(e, bn[:]...)
	return crypto.Hash(e)
}

// CollectReceipts always reports zero fees: fee accounting belongs to
// the account-state layer, out of scope for this reference chain (§1).
func (a *accountsView) CollectReceipts(txns [][]byte) (types.Coin, error) {
	return 0, nil
}

// Commit returns the view unchanged — there is no balance mutation to
// apply since transaction execution is out of scope (§1 non-goal); txn
// is accepted only to satisfy the facade.
func (a *accountsView) Commit(txn chainface.WriteTransaction, txns [][]byte, inherents [][]byte, blockNumber uint32) (chainface.Accounts, error) {
	return a, nil
}
