package core

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"verto/core/types"
	"verto/storage"
)

func newTestBlock(height uint64, prevHash []byte) *types.Block {
	header := &types.BlockHeader{
		Height:    height,
		Timestamp: int64(1_700_000_000 + height),
		PrevHash:  prevHash,
	}
	return types.NewBlock(header, nil)
}

func commitTestBlock(t *testing.T, bc *Blockchain, db storage.Database, block *types.Block, receipts []*types.Receipt) []byte {
	t.Helper()
	batch := db.NewBatch()
	hash, err := bc.StageBlock(batch, block, receipts)
	require.NoError(t, err)
	require.NoError(t, batch.Write())
	bc.Advance(block.Header, hash)
	return hash
}

func TestBlockchainStagesAndReloads(t *testing.T) {
	db := storage.NewMemDB()
	bc, err := NewBlockchain(db)
	require.NoError(t, err)
	require.False(t, bc.HasGenesis())

	genesisHash := commitTestBlock(t, bc, db, newTestBlock(0, nil), nil)
	receipt := &types.Receipt{TxHash: []byte{0xbe, 0xef}, Height: 1, Success: true}
	hash := commitTestBlock(t, bc, db, newTestBlock(1, genesisHash), []*types.Receipt{receipt})

	require.True(t, bc.HasGenesis())
	require.Equal(t, uint64(1), bc.GetHeight())
	require.Equal(t, int64(1_700_000_001), bc.TipTime())

	reloaded, err := NewBlockchain(db)
	require.NoError(t, err)
	require.Equal(t, uint64(1), reloaded.GetHeight())
	require.True(t, bytes.Equal(hash, reloaded.Tip()))

	byHash, err := reloaded.GetBlockByHash(hash)
	require.NoError(t, err)
	require.Equal(t, uint64(1), byHash.Header.Height)

	got, err := reloaded.GetReceipt([]byte{0xbe, 0xef})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, got.Success)

	missing, err := reloaded.GetReceipt([]byte{0x00})
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestBlockchainRejectsNonExtendingBlocks(t *testing.T) {
	db := storage.NewMemDB()
	bc, err := NewBlockchain(db)
	require.NoError(t, err)

	_, err = bc.StageBlock(db.NewBatch(), newTestBlock(1, nil), nil)
	require.Error(t, err, "first block must be genesis")

	genesisHash := commitTestBlock(t, bc, db, newTestBlock(0, nil), nil)
	_, err = bc.StageBlock(db.NewBatch(), newTestBlock(2, genesisHash), nil)
	require.Error(t, err, "height gap")
	_, err = bc.StageBlock(db.NewBatch(), newTestBlock(1, []byte{0x01}), nil)
	require.Error(t, err, "prevhash mismatch")
}

func TestTipReturnsCopy(t *testing.T) {
	db := storage.NewMemDB()
	bc, err := NewBlockchain(db)
	require.NoError(t, err)
	commitTestBlock(t, bc, db, newTestBlock(0, nil), nil)

	tip := bc.Tip()
	original := append([]byte(nil), tip...)
	tip[0] ^= 0xff
	require.Equal(t, original, bc.Tip())
}
