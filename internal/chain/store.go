// Package chain is the reference chainface.Facade implementation: a
// linear block store plus the epoch-scoped validator-set and slot
// bookkeeping the validator core (C1-C7) reads through the facade.
package chain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/albatross"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Key prefixes and state keys, following the teacher's block-store idiom
// (internal/chain/store.go: short ASCII prefix + binary suffix).
var (
	prefixMicro      = []byte("m/") // m/<hash(32)>       -> MicroBlock JSON
	prefixMacro      = []byte("a/") // a/<hash(32)>        -> MacroBlock JSON
	prefixHeight     = []byte("h/") // h/<height(4 BE)>    -> hash(32)
	keyTipHash       = []byte("s/tip") // s/tip -> tipState JSON
)

func microKey(hash types.Hash) []byte { return append(append([]byte{}, prefixMicro...), hash[:]...) }
func macroKey(hash types.Hash) []byte { return append(append([]byte{}, prefixMacro...), hash[:]...) }

func heightKey(height uint32) []byte {
	k := make([]byte, len(prefixHeight)+4)
	copy(k, prefixHeight)
	binary.BigEndian.PutUint32(k[len(prefixHeight):], height)
	return k
}

// blockStore persists micro and macro blocks and the height/tip indexes
// that back Chain's facade methods.
type blockStore struct {
	db storage.DB
}

func newBlockStore(db storage.DB) *blockStore {
	return &blockStore{db: db}
}

func (s *blockStore) putMicro(blk *albatross.MicroBlock) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("chain: marshal micro block: %w", err)
	}
	hash := blk.Header.Hash()
	if err := s.db.Put(microKey(hash), data); err != nil {
		return fmt.Errorf("chain: put micro block: %w", err)
	}
	if err := s.db.Put(heightKey(blk.Header.BlockNumber), hash[:]); err != nil {
		return fmt.Errorf("chain: put height index: %w", err)
	}
	return nil
}

func (s *blockStore) putMacro(blk *albatross.MacroBlock) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("chain: marshal macro block: %w", err)
	}
	hash := blk.Header.Hash()
	if err := s.db.Put(macroKey(hash), data); err != nil {
		return fmt.Errorf("chain: put macro block: %w", err)
	}
	if err := s.db.Put(heightKey(blk.Header.BlockNumber), hash[:]); err != nil {
		return fmt.Errorf("chain: put height index: %w", err)
	}
	return nil
}

func (s *blockStore) getMicro(hash types.Hash) (*albatross.MicroBlock, error) {
	data, err := s.db.Get(microKey(hash))
	if err != nil {
		return nil, err
	}
	var blk albatross.MicroBlock
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("chain: unmarshal micro block: %w", err)
	}
	return &blk, nil
}

func (s *blockStore) getMacro(hash types.Hash) (*albatross.MacroBlock, error) {
	data, err := s.db.Get(macroKey(hash))
	if err != nil {
		return nil, err
	}
	var blk albatross.MacroBlock
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("chain: unmarshal macro block: %w", err)
	}
	return &blk, nil
}

// tipState is the persisted chain-head summary used to resume after a
// restart without replaying every block.
type tipState struct {
	Head          types.Hash               `json:"head"`
	HeadIsMacro   bool                     `json:"head_is_macro"`
	MacroHead     types.Hash               `json:"macro_head"`
	BlockNumber   uint32                   `json:"block_number"`
	ViewNumber    uint32                   `json:"view_number"`
	ParentHash    types.Hash               `json:"parent_hash"`
	Seed          []byte                   `json:"seed"`
	Timestamp     uint64                   `json:"timestamp"`
	Validators    types.GroupedList[types.Slot] `json:"validators"`
}

func (s *blockStore) putTip(t *tipState) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("chain: marshal tip state: %w", err)
	}
	return s.db.Put(keyTipHash, data)
}

func (s *blockStore) getTip() (*tipState, error) {
	data, err := s.db.Get(keyTipHash)
	if err != nil {
		return nil, err
	}
	var t tipState
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("chain: unmarshal tip state: %w", err)
	}
	return &t, nil
}
