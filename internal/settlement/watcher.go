package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/peertradehq/peertrade/internal/ledger"
)

// WatcherConfig for the deposit watcher.
type WatcherConfig struct {
	PollInterval  time.Duration
	StartBlock    uint64 // 0 = latest
	Confirmations uint64 // blocks behind head before a transfer is credited
}

// Watcher polls the chain for token transfers into the custody wallet
// and credits each sender's ledger account. It shares the deposit
// reference scheme with Service.CreditDeposit, so a transfer credits
// once whether the watcher or the verify endpoint sees it first.
type Watcher struct {
	custody  *Custody
	creditor LedgerService
	cfg      WatcherConfig
	logger   *slog.Logger

	mu        sync.Mutex
	processed map[string]bool
	lastBlock uint64

	stop chan struct{}
	done chan struct{}
}

// NewWatcher creates a deposit watcher over the custody wallet's RPC
// connection.
func NewWatcher(custody *Custody, creditor LedgerService, cfg WatcherConfig, logger *slog.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		custody:   custody,
		creditor:  creditor,
		cfg:       cfg,
		logger:    logger,
		processed: make(map[string]bool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins watching from the configured block, or from the current
// head when none is set.
func (w *Watcher) Start(ctx context.Context) error {
	if w.cfg.StartBlock == 0 {
		block, err := w.custody.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("get block number: %w", err)
		}
		w.lastBlock = block
	} else {
		w.lastBlock = w.cfg.StartBlock
	}

	w.logger.Info("deposit watcher started",
		"custody", w.custody.Address(),
		"token", strings.ToLower(w.custody.token.Hex()),
		"startBlock", w.lastBlock,
		"confirmations", w.cfg.Confirmations,
	)

	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher and waits for the poll loop to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.sweep(ctx); err != nil {
				w.logger.Error("deposit sweep failed", "error", err)
			}
		}
	}
}

// sweep scans new confirmed blocks for transfers into custody. Blocks
// within the confirmation window stay unscanned until they age out, so
// a shallow reorg cannot credit a deposit that later disappears.
func (w *Watcher) sweep(ctx context.Context) error {
	currentBlock, err := w.custody.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("get block number: %w", err)
	}
	if currentBlock < w.cfg.Confirmations {
		return nil
	}
	confirmed := currentBlock - w.cfg.Confirmations
	if confirmed <= w.lastBlock {
		return nil
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(w.lastBlock + 1),
		ToBlock:   new(big.Int).SetUint64(confirmed),
		Addresses: []common.Address{w.custody.token},
		Topics: [][]common.Hash{
			{transferEventSig},
			nil, // any sender
			{common.BytesToHash(w.custody.address.Bytes())},
		},
	}

	logs, err := w.custody.client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("filter logs: %w", err)
	}

	for _, lg := range logs {
		if err := w.processLog(ctx, lg); err != nil {
			w.logger.Error("failed to process deposit", "tx", lg.TxHash.Hex(), "error", err)
		}
	}

	w.lastBlock = confirmed
	return nil
}

func (w *Watcher) processLog(ctx context.Context, lg types.Log) error {
	ref := fmt.Sprintf("%s:%d", strings.ToLower(lg.TxHash.Hex()), lg.Index)

	w.mu.Lock()
	if w.processed[ref] {
		w.mu.Unlock()
		return nil
	}
	// Mark before crediting so a concurrent sweep cannot double-credit.
	// On failure the mark is removed and the next sweep retries.
	w.processed[ref] = true
	w.mu.Unlock()

	var succeeded bool
	defer func() {
		if !succeeded {
			w.mu.Lock()
			delete(w.processed, ref)
			w.mu.Unlock()
		}
	}()

	if len(lg.Topics) < 3 {
		succeeded = true // malformed, never retryable
		return fmt.Errorf("malformed transfer log in tx %s", lg.TxHash.Hex())
	}

	from := strings.ToLower(common.BytesToAddress(lg.Topics[1].Bytes()).Hex())
	amount := w.custody.fromBase(new(big.Int).SetBytes(lg.Data))
	if !amount.IsPositive() {
		succeeded = true
		return nil
	}

	err := w.creditor.Deposit(ctx, from, amount, ref)
	if errors.Is(err, ledger.ErrDuplicateDeposit) {
		// Already credited, e.g. through the verify endpoint.
		succeeded = true
		return nil
	}
	if err != nil {
		return err
	}

	succeeded = true
	observeOp("deposit_watch")
	w.logger.Info("deposit credited", "account", from, "amount", amount, "reference", ref)
	return nil
}
