package core

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"verto/core/types"
	"verto/storage"
)

var (
	chainTipKey     = []byte("chain/tip")
	blockPrefix     = []byte("chain/block/")
	blockHashPrefix = []byte("chain/hash/")
	receiptPrefix   = []byte("chain/receipt/")
)

type chainTip struct {
	Height uint64 `json:"height"`
	Hash   []byte `json:"hash"`
	Time   int64  `json:"time"`
}

// Blockchain persists blocks and receipts next to the state. Writes are staged
// into the caller's batch so a block, its receipts and its state land in one
// LevelDB write.
type Blockchain struct {
	db  storage.Database
	mu  sync.RWMutex
	tip *chainTip
}

// NewBlockchain opens the chain stored in db. An empty database yields a chain
// without genesis.
func NewBlockchain(db storage.Database) (*Blockchain, error) {
	bc := &Blockchain{db: db}
	raw, err := db.Get(chainTipKey)
	if err != nil {
		if storage.IsNotFound(err) {
			return bc, nil
		}
		return nil, fmt.Errorf("load chain tip: %w", err)
	}
	var tip chainTip
	if err := json.Unmarshal(raw, &tip); err != nil {
		return nil, fmt.Errorf("decode chain tip: %w", err)
	}
	bc.tip = &tip
	return bc, nil
}

func heightKey(height uint64) []byte {
	buf := make([]byte, len(blockPrefix)+8)
	copy(buf, blockPrefix)
	binary.BigEndian.PutUint64(buf[len(blockPrefix):], height)
	return buf
}

func prefixed(prefix, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	return append(out, key...)
}

// HasGenesis reports whether a genesis block was committed.
func (bc *Blockchain) HasGenesis() bool {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.tip != nil
}

// StageBlock adds b and its receipts to batch. The block must extend the tip;
// the genesis block extends nothing. Call Advance once the batch is written.
func (bc *Blockchain) StageBlock(batch storage.Batch, b *types.Block, receipts []*types.Receipt) ([]byte, error) {
	if b == nil || b.Header == nil {
		return nil, fmt.Errorf("nil block")
	}
	bc.mu.RLock()
	tip := bc.tip
	bc.mu.RUnlock()
	if tip == nil {
		if b.Header.Height != 0 {
			return nil, fmt.Errorf("first block must be genesis, got height %d", b.Header.Height)
		}
	} else {
		if b.Header.Height != tip.Height+1 {
			return nil, fmt.Errorf("block height %d does not extend tip %d", b.Header.Height, tip.Height)
		}
		if string(b.Header.PrevHash) != string(tip.Hash) {
			return nil, fmt.Errorf("block prevhash mismatch")
		}
	}
	hash, err := b.Header.Hash()
	if err != nil {
		return nil, err
	}
	blockBytes, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	batch.Put(heightKey(b.Header.Height), blockBytes)
	var height [8]byte
	binary.BigEndian.PutUint64(height[:], b.Header.Height)
	batch.Put(prefixed(blockHashPrefix, hash), height[:])
	for _, receipt := range receipts {
		raw, err := json.Marshal(receipt)
		if err != nil {
			return nil, err
		}
		batch.Put(prefixed(receiptPrefix, receipt.TxHash), raw)
	}
	tipBytes, err := json.Marshal(chainTip{Height: b.Header.Height, Hash: hash, Time: b.Header.Timestamp})
	if err != nil {
		return nil, err
	}
	batch.Put(chainTipKey, tipBytes)
	return hash, nil
}

// Advance moves the in-memory tip after the staged batch was written.
func (bc *Blockchain) Advance(header *types.BlockHeader, hash []byte) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.tip = &chainTip{Height: header.Height, Hash: append([]byte(nil), hash...), Time: header.Timestamp}
}

// GetHeight returns the tip height; zero before and at genesis.
func (bc *Blockchain) GetHeight() uint64 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if bc.tip == nil {
		return 0
	}
	return bc.tip.Height
}

// Tip returns the tip hash.
func (bc *Blockchain) Tip() []byte {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if bc.tip == nil {
		return nil
	}
	return append([]byte(nil), bc.tip.Hash...)
}

// TipTime returns the timestamp of the tip block.
func (bc *Blockchain) TipTime() int64 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if bc.tip == nil {
		return 0
	}
	return bc.tip.Time
}

// GetBlockByHeight loads a committed block.
func (bc *Blockchain) GetBlockByHeight(height uint64) (*types.Block, error) {
	raw, err := bc.db.Get(heightKey(height))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, fmt.Errorf("block at height %d not found", height)
		}
		return nil, err
	}
	var block types.Block
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// GetBlockByHash resolves a header hash to its block.
func (bc *Blockchain) GetBlockByHash(hash []byte) (*types.Block, error) {
	raw, err := bc.db.Get(prefixed(blockHashPrefix, hash))
	if err != nil {
		return nil, err
	}
	if len(raw) != 8 {
		return nil, fmt.Errorf("corrupt block hash index")
	}
	return bc.GetBlockByHeight(binary.BigEndian.Uint64(raw))
}

// GetReceipt returns the receipt of a committed transaction, or nil.
func (bc *Blockchain) GetReceipt(txHash []byte) (*types.Receipt, error) {
	raw, err := bc.db.Get(prefixed(receiptPrefix, txHash))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var receipt types.Receipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}
