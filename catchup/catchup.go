package catchup

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"math"
	"math/big"
	mrand "math/rand"
	"sort"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/benywan/ddcsum-server/chain"
	"github.com/benywan/ddcsum-server/mempool"
	"github.com/benywan/ddcsum-server/shared"
	"github.com/benywan/ddcsum-server/storage"
	"github.com/benywan/ddcsum-server/subscribe"
)

var (
	heightGauge     = metrics.NewRegisteredGauge("catchup/height", nil)
	blocksPerSecond = metrics.NewRegisteredGaugeFloat64("catchup/blocks_per_second", nil)
)

// pollInterval is how long the worker loop waits after every iteration,
// whether or not that iteration applied or reverted a block.
const pollInterval = 100 * time.Millisecond

// testReorgProbability is the 1-in-100 chance, past height 100, that a test
// build synthesizes a one-block reorg instead of following the daemon's real
// tip (spec.md §9 "test_reorgs", SPEC_FULL.md supplemented feature).
const testReorgProbability = 100

// testReorgMinHeight is the height past which synthetic reorgs may fire.
const testReorgMinHeight = 100

// Worker drives the single-writer catch-up loop described in spec.md §4.4:
// compare the local tip against the daemon's, apply or revert one block per
// iteration, then refresh the mempool mirror and flush pending
// notifications. Grounded on core/headerchain.go's InsertHeaderChain
// loop-with-reorg-detection shape and core/blockchain.go's per-iteration
// metrics gauges.
type Worker struct {
	Client  chain.Client
	Store   storage.Storage
	Headers *chain.HeaderStore
	Applier *BlockApplier
	Mempool *mempool.Mempool
	Hub     *subscribe.Hub
	Shared  *shared.Flags

	// TestReorgs enables the synthetic-reorg branch (config key
	// leveldb.test_reorgs).
	TestReorgs bool

	rand *mrand.Rand

	sentHeight int64
	sentHeader *chain.Header
	upToDate   bool

	relayFeeBits uint64
	daemonHeight int64

	// pendingPrevRoot holds the trie root captured just before the most
	// recent forward apply, keyed by the height it was applied at, so a
	// later revert of that same height can assert reversibility (spec.md
	// §4.4 steps 6-7). Cleared once checked.
	pendingPrevRoot       string
	pendingPrevRootHeight int64
	havePendingPrevRoot   bool

	// blocksSince/windowStart back the moving-average throughput stat
	// logged once the worker catches up, mirroring the eth/downloader
	// style "imported N blocks in Ts" progress line.
	blocksSince int
	windowStart time.Time
}

// New builds a Worker. It seeds its synthetic-reorg RNG from crypto/rand the
// same way core/headerchain.go seeds its reorg-detection fork-choice RNG.
func New(client chain.Client, store storage.Storage, headers *chain.HeaderStore, applier *BlockApplier, mp *mempool.Mempool, hub *subscribe.Hub, flags *shared.Flags, testReorgs bool) (*Worker, error) {
	seed, err := crand.Int(crand.Reader, big.NewInt(math.MaxInt64))
	if err != nil {
		return nil, fmt.Errorf("catchup: seed rng: %w", err)
	}
	return &Worker{
		Client:      client,
		Store:       store,
		Headers:     headers,
		Applier:     applier,
		Mempool:     mp,
		Hub:         hub,
		Shared:      flags,
		TestReorgs:  testReorgs,
		rand:        mrand.New(mrand.NewSource(seed.Int64())),
		sentHeight:  -1,
		windowStart: time.Time{},
	}, nil
}

// RelayFee returns the daemon's most recently observed minimum relay fee.
// Safe for concurrent use by RPC handlers while Tick updates it from the
// worker goroutine.
func (w *Worker) RelayFee() float64 {
	return math.Float64frombits(atomic.LoadUint64(&w.relayFeeBits))
}

// Run blocks until Shared.Stopped(), repeatedly calling Tick and sleeping
// pollInterval between iterations.
func (w *Worker) Run(ctx context.Context) {
	for !w.Shared.Stopped() {
		if err := w.Tick(ctx); err != nil {
			log.Error("Catch-up iteration failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}

// Tick performs one main_iteration: refresh daemon info, advance or revert
// one block if the local tip lags or diverges from the daemon's, refresh the
// mempool mirror, and flush pending height/header/address notifications
// (spec.md §4.4 steps 1-8, §4.5 main_iteration, §4.3).
func (w *Worker) Tick(ctx context.Context) error {
	info, err := w.Client.GetInfo(ctx)
	if err != nil {
		if _, ok := err.(*chain.UnavailableError); ok {
			w.Shared.Pause()
			return nil
		}
		return fmt.Errorf("catchup: getinfo: %w", err)
	}
	w.Shared.Unpause()
	atomic.StoreUint64(&w.relayFeeBits, math.Float64bits(info.RelayFee))
	w.daemonHeight = info.Blocks

	didWork, err := w.step(ctx)
	if err != nil {
		return err
	}
	if !didWork {
		w.upToDate = true
	}

	if w.upToDate {
		if err := w.Mempool.Refresh(ctx); err != nil && !mempool.IsRetryLater(err) {
			log.Error("Mempool refresh failed", "err", err)
		}
	}

	return w.flushNotifications(ctx)
}

// step performs at most one forward-apply or one revert, returning whether
// it did anything. A false result with no error means the local tip already
// matches the daemon's announced tip hash.
func (w *Worker) step(ctx context.Context) (bool, error) {
	height, err := w.Store.Height(ctx)
	if err != nil {
		return false, err
	}
	lastHash, err := w.Store.LastHash(ctx)
	if err != nil {
		return false, err
	}

	tipHash, err := w.Client.GetBlockHash(ctx, w.daemonHeight)
	if err != nil {
		return false, fmt.Errorf("catchup: getblockhash(%d): %w", w.daemonHeight, err)
	}
	if height == w.daemonHeight && lastHash == tipHash {
		return false, nil
	}

	revert := w.TestReorgs && height > testReorgMinHeight && w.rand.Intn(testReorgProbability) == 0
	if revert {
		log.Warn("Synthesizing test reorg", "height", height)
	}

	var nextHash string
	if !revert {
		nextHash, err = w.Client.GetBlockHash(ctx, height+1)
		if err != nil {
			// The daemon no longer agrees height+1 exists on this branch:
			// our tip has been orphaned, so fall back to reverting it.
			revert = true
		}
	}

	if !revert {
		block, err := chain.FetchBlock(ctx, w.Client, nextHash)
		if err != nil {
			return false, err
		}
		if block.PreviousBlockHash != lastHash {
			// The daemon's next block doesn't chain from our tip either:
			// someone reorged underneath us between the two RPCs above.
			revert = true
		} else {
			return true, w.applyStep(ctx, block, height+1)
		}
	}

	curHash, err := w.Client.GetBlockHash(ctx, height)
	if err != nil {
		return false, fmt.Errorf("catchup: getblockhash(%d) for revert: %w", height, err)
	}
	curBlock, err := chain.FetchBlock(ctx, w.Client, curHash)
	if err != nil {
		return false, err
	}
	return true, w.revertStep(ctx, curBlock, height)
}

func (w *Worker) applyStep(ctx context.Context, block *chain.Block, height int64) error {
	hdr, err := block.Header()
	if err != nil {
		return err
	}
	prevRootHash, err := w.Store.GetRootHash(ctx)
	if err != nil {
		return err
	}
	n, err := w.Applier.Apply(ctx, block, block.Hash, height)
	if err != nil {
		return fmt.Errorf("catchup: apply block %s at %d: %w", block.Hash, height, err)
	}
	w.pendingPrevRoot, w.pendingPrevRootHeight, w.havePendingPrevRoot = prevRootHash, height, true
	w.Headers.Write(hdr, false)
	w.recordThroughput(1)
	heightGauge.Update(height)
	log.Info("Imported block", "height", height, "hash", block.Hash, "txs", n)
	return nil
}

func (w *Worker) revertStep(ctx context.Context, block *chain.Block, height int64) error {
	if err := w.Applier.Revert(ctx, block, block.Hash, height); err != nil {
		return fmt.Errorf("catchup: revert block %s at %d: %w", block.Hash, height, err)
	}
	w.Headers.Pop()
	if err := w.Headers.Flush(); err != nil {
		return err
	}

	newHeight := height - 1
	var newLastHash string
	if newHeight >= 0 {
		prevHdr, err := w.Headers.Read(uint32(newHeight))
		if err != nil {
			return err
		}
		if prevHdr != nil {
			newLastHash = prevHdr.Hash()
		}
	}
	if err := w.Store.SaveHeight(ctx, newLastHash, newHeight); err != nil {
		return err
	}

	// A prev_root_hash captured on the forward step that applied this exact
	// height guards reversibility: reverting must restore the trie root bit
	// for bit (spec.md §4.4 step 7, §8 round-trip property).
	if w.havePendingPrevRoot && w.pendingPrevRootHeight == height {
		newRootHash, err := w.Store.GetRootHash(ctx)
		if err != nil {
			return err
		}
		if newRootHash != w.pendingPrevRoot {
			log.Crit("Root hash not restored after revert", "height", height,
				"want", w.pendingPrevRoot, "got", newRootHash, "dump", spew.Sdump(block))
		}
		w.havePendingPrevRoot = false
	}

	heightGauge.Update(height - 1)
	log.Info("Reverted block", "height", height, "hash", block.Hash)
	return nil
}

// recordThroughput updates the blocks/second moving average and logs it once
// a window's worth of blocks has passed, in the style of eth/downloader's
// progress reporting.
func (w *Worker) recordThroughput(n int) {
	if w.windowStart.IsZero() {
		w.windowStart = time.Now()
	}
	w.blocksSince += n
	if elapsed := time.Since(w.windowStart); elapsed >= time.Second {
		rate := float64(w.blocksSince) / elapsed.Seconds()
		blocksPerSecond.Update(rate)
		log.Info("Catch-up throughput", "blocks_per_second", rate)
		w.blocksSince = 0
		w.windowStart = time.Now()
	}
}

// flushNotifications pushes any pending height/header change and drains the
// address queue, the tail of spec.md §4.5's main_iteration.
func (w *Worker) flushNotifications(ctx context.Context) error {
	height, err := w.Store.Height(ctx)
	if err != nil {
		return err
	}
	if height != w.sentHeight {
		w.Hub.NotifyHeightChanged(height)
		w.sentHeight = height
	}

	hdr, err := w.Headers.Read(uint32(height))
	if err != nil {
		return err
	}
	if hdr != nil && (w.sentHeader == nil || hdr.Hash() != w.sentHeader.Hash()) {
		w.Hub.NotifyHeaderChanged(hdr)
		w.sentHeader = hdr
	}

	w.Hub.DrainAddresses(func(addr string) (string, error) {
		hist, err := w.Store.GetHistory(ctx, addr)
		if err != nil {
			return "", err
		}
		return statusOf(hist, w.Mempool.GetUnconfirmedHistory(addr)), nil
	})
	return nil
}

// statusOf computes the address status hash the way the status command
// (rpcsrv's getStatus) does: confirmed rows plus mempool rows at height 0,
// sorted by height ascending, concatenated as "tx_hash:height:" and hashed
// with a plain SHA-256 (not the double-hashed, reversed block/tx
// convention). An empty history maps to the empty status rather than a hash
// of nothing (spec.md §8 scenario 1).
func statusOf(hist []storage.HistEntry, unconfirmed []mempool.HistEntry) string {
	type row struct {
		txHash string
		height int64
	}
	rows := make([]row, 0, len(hist)+len(unconfirmed))
	for _, e := range hist {
		rows = append(rows, row{e.TxHash, e.Height})
	}
	for _, m := range unconfirmed {
		rows = append(rows, row{m.TxID, 0})
	}
	if len(rows) == 0 {
		return ""
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].height < rows[j].height })
	s := ""
	for _, r := range rows {
		s += fmt.Sprintf("%s:%d:", r.txHash, r.height)
	}
	return chain.SHA256Hex([]byte(s))
}
