package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"verto/core/genesis"
	"verto/core/state"
	txcheck "verto/core/tx"
	"verto/core/types"
	"verto/crypto"
	"verto/mempool"
	"verto/native/bank"
	"verto/native/escrow"
	"verto/observability"
	"verto/storage"
)

var (
	ErrStaleNonce = errors.New("node: nonce already used")
	ErrNoGenesis  = errors.New("node: database has no genesis and none was supplied")
)

// Options configures a Node.
type Options struct {
	ChainID        uint64
	ReviewPeriod   uint64
	MempoolLimit   int
	MaxTxsPerBlock int
	// Genesis is applied when the database is empty.
	Genesis *genesis.GenesisSpec
	// AllowMigrate opens a database whose schema version differs.
	AllowMigrate bool
	Logger       *slog.Logger
	// Now overrides the block clock; tests pin it.
	Now func() time.Time
}

// Node is the single-writer ledger host. It admits signed transactions into a
// FIFO mempool and applies them in arrival order when producing a block.
// Block production and reads share one mutex.
type Node struct {
	db        storage.Database
	state     *state.Manager
	chain     *Blockchain
	events    *EventLog
	processor *StateProcessor
	pool      *mempool.Pool
	proposer  *crypto.PrivateKey
	chainID   uint64
	maxTxs    int
	logger    *slog.Logger
	nowFn     func() time.Time

	mu sync.Mutex
}

// NewNode opens the ledger stored in db, applying opts.Genesis when the
// database is empty.
func NewNode(db storage.Database, proposer *crypto.PrivateKey, opts Options) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("node: database required")
	}
	if proposer == nil {
		return nil, fmt.Errorf("node: proposer key required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	chain, err := NewBlockchain(db)
	if err != nil {
		return nil, err
	}
	eventLog, err := NewEventLog(db)
	if err != nil {
		return nil, err
	}
	reviewPeriod := opts.ReviewPeriod
	if reviewPeriod == 0 && opts.Genesis != nil {
		reviewPeriod = opts.Genesis.ReviewPeriodSeconds
	}
	mgr := state.NewManager(db)
	n := &Node{
		db:        db,
		state:     mgr,
		chain:     chain,
		events:    eventLog,
		processor: NewStateProcessor(mgr, opts.ChainID, reviewPeriod),
		pool:      mempool.New(opts.MempoolLimit),
		proposer:  proposer,
		chainID:   opts.ChainID,
		maxTxs:    opts.MaxTxsPerBlock,
		logger:    logger.With(slog.String("component", "node")),
		nowFn:     now,
	}
	if !chain.HasGenesis() {
		if opts.Genesis == nil {
			return nil, ErrNoGenesis
		}
		if err := n.writeGenesis(opts.Genesis); err != nil {
			return nil, err
		}
	} else if err := mgr.EnsureStateVersion(opts.AllowMigrate); err != nil {
		return nil, err
	}
	n.logger.Info("node ready",
		slog.Uint64("height", chain.GetHeight()),
		slog.Uint64("chainId", opts.ChainID),
		slog.String("proposer", proposer.PubKey().Address().String()))
	return n, nil
}

func (n *Node) writeGenesis(spec *genesis.GenesisSpec) error {
	if id, ok := spec.ChainIDValue(); ok && id != n.chainID {
		return fmt.Errorf("genesis chain id %d does not match configured %d", id, n.chainID)
	}
	if err := genesis.Apply(spec, n.state); err != nil {
		n.state.Discard()
		return fmt.Errorf("apply genesis: %w", err)
	}
	header := &types.BlockHeader{
		Height:    0,
		Timestamp: spec.GenesisTimestamp().Unix(),
		TxRoot:    mustEmptyRoot(),
	}
	block := types.NewBlock(header, nil)
	batch := n.db.NewBatch()
	hash, err := n.chain.StageBlock(batch, block, nil)
	if err != nil {
		n.state.Discard()
		return err
	}
	n.state.CommitTo(batch)
	if err := batch.Write(); err != nil {
		return fmt.Errorf("write genesis: %w", err)
	}
	n.chain.Advance(header, hash)
	n.logger.Info("genesis committed",
		slog.String("treasury", crypto.FormatAddress(spec.TreasuryAddress())),
		slog.String("escrowPolicy", crypto.FormatAddress(escrow.PolicyAddress())))
	return nil
}

func mustEmptyRoot() []byte {
	root, err := ComputeTxRoot(nil)
	if err != nil {
		panic(err)
	}
	return root
}

// ChainID returns the chain id transactions must be signed for.
func (n *Node) ChainID() uint64 { return n.chainID }

// SubmitTransaction runs the stateless checks, rejects nonces already used
// and queues tx. It returns the transaction hash.
func (n *Node) SubmitTransaction(tx *types.Transaction) ([]byte, error) {
	sender, err := txcheck.CheckBasic(tx, n.chainID)
	if err != nil {
		observability.Chain().RecordRejected("invalid")
		return nil, err
	}
	n.mu.Lock()
	account, err := n.state.GetAccount(sender[:])
	n.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if tx.Nonce < account.Nonce {
		observability.Chain().RecordRejected("stale_nonce")
		return nil, fmt.Errorf("%w: got %d, account at %d", ErrStaleNonce, tx.Nonce, account.Nonce)
	}
	if err := n.pool.Add(tx); err != nil {
		observability.Chain().RecordRejected("mempool")
		return nil, err
	}
	observability.Chain().SetBacklog([]string{mempool.LabelTransfer, mempool.LabelEscrow, mempool.LabelAdmin}, n.pool.Backlog())
	return tx.Hash()
}

// PendingCount reports the mempool size.
func (n *Node) PendingCount() int { return n.pool.Len() }

// ProduceBlock drains the mempool and applies its transactions as the next
// block. It returns nil when nothing was pending.
func (n *Node) ProduceBlock() (*types.Block, []*types.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	txs := n.pool.Drain(n.maxTxs)
	if len(txs) == 0 {
		return nil, nil, nil
	}
	start := time.Now()
	height := n.chain.GetHeight() + 1
	timestamp := n.nowFn().Unix()
	if tip := n.chain.TipTime(); timestamp < tip {
		timestamp = tip
	}
	n.processor.BeginBlock(timestamp)

	included := make([]*types.Transaction, 0, len(txs))
	receipts := make([]*types.Receipt, 0, len(txs))
	for _, tx := range txs {
		receipt, err := n.processor.ApplyTransaction(tx, height, uint32(len(included)))
		if err != nil {
			n.logger.Warn("transaction excluded", slog.String("reason", err.Error()))
			continue
		}
		included = append(included, tx)
		receipts = append(receipts, receipt)
	}

	txRoot, err := ComputeTxRoot(included)
	if err != nil {
		n.state.Discard()
		return nil, nil, err
	}
	header := &types.BlockHeader{
		Height:    height,
		Timestamp: timestamp,
		PrevHash:  n.chain.Tip(),
		TxRoot:    txRoot,
		Proposer:  n.proposer.PubKey().Address().Bytes(),
	}
	block := types.NewBlock(header, included)

	batch := n.db.NewBatch()
	hash, err := n.chain.StageBlock(batch, block, receipts)
	if err != nil {
		n.state.Discard()
		return nil, nil, err
	}
	records, err := n.events.Stage(batch, receipts)
	if err != nil {
		n.state.Discard()
		return nil, nil, err
	}
	n.state.CommitTo(batch)
	if err := batch.Write(); err != nil {
		return nil, nil, fmt.Errorf("commit block %d: %w", height, err)
	}
	n.chain.Advance(header, hash)
	n.events.Publish(records)

	for _, record := range records {
		observability.Events().RecordEvent(record.Type)
		if record.Type == "transfer.native" {
			observability.Events().RecordTransfer(record.Attributes["asset"])
		}
	}
	if custody, err := n.state.Balance(escrow.PolicyAddress()[:]); err == nil {
		f, _ := new(big.Float).SetInt(custody).Float64()
		observability.Escrow().SetCustody(f)
	}
	observability.Chain().RecordBlock(height, time.Since(start))
	observability.Chain().SetBacklog([]string{mempool.LabelTransfer, mempool.LabelEscrow, mempool.LabelAdmin}, n.pool.Backlog())
	n.logger.Info("block committed",
		slog.Uint64("height", height),
		slog.Int("txs", len(included)),
		slog.Int("events", len(records)))
	return block, receipts, nil
}

// Run produces a block every interval until ctx is cancelled.
func (n *Node) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, _, err := n.ProduceBlock(); err != nil {
				n.logger.Error("block production failed", slog.Any("error", err))
				return err
			}
		}
	}
}

// GetHeight returns the latest committed height.
func (n *Node) GetHeight() uint64 { return n.chain.GetHeight() }

// GetBlockByHeight loads a committed block.
func (n *Node) GetBlockByHeight(height uint64) (*types.Block, error) {
	return n.chain.GetBlockByHeight(height)
}

// GetReceipt returns the receipt of a committed transaction, or nil.
func (n *Node) GetReceipt(hash []byte) (*types.Receipt, error) {
	return n.chain.GetReceipt(hash)
}

// GetAccount returns the committed account of addr.
func (n *Node) GetAccount(addr [20]byte) (*types.Account, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.GetAccount(addr[:])
}

// readPolicy returns a policy over committed state that emits nothing. Reads
// see the node clock, which is the time the next block will carry.
func (n *Node) readPolicy() (*escrow.Store, *escrow.Policy) {
	store := escrow.NewStore(n.state)
	policy := escrow.NewPolicy(store, bank.NewLedger(n.state), n.state)
	policy.SetNowFunc(func() int64 { return n.nowFn().Unix() })
	return store, policy
}

// Escrow returns the escrow stored under id, or nil.
func (n *Node) Escrow(id uint64) (*escrow.Escrow, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, policy := n.readPolicy()
	return policy.GetEscrow(id)
}

// EscrowCount returns the number of escrows ever created.
func (n *Node) EscrowCount() (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, policy := n.readPolicy()
	return policy.EscrowCount()
}

// EscrowTreasury returns the dispute arbiter.
func (n *Node) EscrowTreasury() ([20]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, policy := n.readPolicy()
	return policy.Treasury()
}

// EscrowStoreOwner returns the EscrowStore's authorized mutator.
func (n *Node) EscrowStoreOwner() ([20]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	store, _ := n.readPolicy()
	return store.ContractOwner()
}

// EscrowReviewExpired reports whether the review deadline of id has passed.
func (n *Node) EscrowReviewExpired(id uint64) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, policy := n.readPolicy()
	return policy.IsReviewPeriodExpired(id)
}

// EscrowsFor lists the escrows in which addr is client or freelancer.
func (n *Node) EscrowsFor(addr [20]byte) ([]*escrow.Escrow, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	store, _ := n.readPolicy()
	ids, err := store.EscrowsFor(addr)
	if err != nil {
		return nil, err
	}
	out := make([]*escrow.Escrow, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := store.GetEscrow(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// EventsSince pages through the committed event log.
func (n *Node) EventsSince(after uint64, limit int) ([]EventRecord, error) {
	return n.events.Since(after, limit)
}

// SubscribeEvents streams events committed after the call.
func (n *Node) SubscribeEvents(buffer int) (<-chan EventRecord, func()) {
	return n.events.Subscribe(buffer)
}
