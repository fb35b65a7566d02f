package core

import (
	"math/big"

	"github.com/ethereum/go-ethereum/core/rawdb"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/rlp"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/triedb"

	"verto/core/types"
)

// ComputeTxRoot commits to the ordered transactions of a block with an
// Ethereum-style trie: the RLP index maps to the transaction's signing hash
// followed by its signature, so reordering or re-signing changes the root.
func ComputeTxRoot(txs []*types.Transaction) ([]byte, error) {
	if len(txs) == 0 {
		return gethtypes.EmptyRootHash.Bytes(), nil
	}
	backend := memorydb.New()
	trieDB := triedb.NewDatabase(rawdb.NewDatabase(backend), triedb.HashDefaults)
	trie, err := gethtrie.New(gethtrie.TrieID(gethtypes.EmptyRootHash), trieDB)
	if err != nil {
		return nil, err
	}
	for i, tx := range txs {
		hash, err := tx.Hash()
		if err != nil {
			return nil, err
		}
		leaf, err := rlp.EncodeToBytes(struct {
			Hash    []byte
			R, S, V []byte
		}{hash, bigBytes(tx.R), bigBytes(tx.S), bigBytes(tx.V)})
		if err != nil {
			return nil, err
		}
		if err := trie.Update(rlp.AppendUint64(nil, uint64(i)), leaf); err != nil {
			return nil, err
		}
	}
	return trie.Hash().Bytes(), nil
}

func bigBytes(v *big.Int) []byte {
	if v == nil {
		return nil
	}
	return v.Bytes()
}
