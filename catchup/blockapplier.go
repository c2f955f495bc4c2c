// Package catchup drives incremental synchronization against the daemon's
// tip and applies/reverts blocks through Storage (spec.md §4.4).
package catchup

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/benywan/ddcsum-server/cache"
	"github.com/benywan/ddcsum-server/chain"
	"github.com/benywan/ddcsum-server/codec"
	"github.com/benywan/ddcsum-server/storage"
	"github.com/benywan/ddcsum-server/subscribe"
)

// BlockApplier deserializes a block, applies or reverts all of its
// transactions through Storage, and fans out the resulting address
// invalidations (spec.md §4.4 "BlockApplier.apply/revert").
type BlockApplier struct {
	Store   storage.Storage
	Cache   *cache.Cache
	Hub     *subscribe.Hub
	TxCodec codec.TxCodec
}

func toParsed(tx *codec.Transaction, index int) *storage.ParsedTx {
	p := &storage.ParsedTx{TxID: tx.TxID, Index: index}
	for _, in := range tx.Inputs {
		p.Inputs = append(p.Inputs, storage.TxIn{PrevoutHash: in.PrevoutHash, PrevoutN: in.PrevoutN})
	}
	for _, out := range tx.Outputs {
		p.Outputs = append(p.Outputs, storage.TxOut{
			Address:    out.Address,
			Value:      out.Value,
			IsClaim:    out.IsClaim,
			ClaimName:  out.ClaimName,
			ClaimValue: out.ClaimValue,
		})
	}
	return p
}

func (a *BlockApplier) decodeBlock(block *chain.Block) ([]*codec.Transaction, error) {
	txs := make([]*codec.Transaction, len(block.RawTx))
	for i, raw := range block.RawTx {
		txid := ""
		if i < len(block.Tx) {
			txid = block.Tx[i]
		}
		tx, err := a.TxCodec.DecodeTx(raw, txid)
		if err != nil {
			return nil, fmt.Errorf("catchup: decode tx %d of block %s: %w", i, block.Hash, err)
		}
		txs[i] = tx
	}
	return txs, nil
}

func (a *BlockApplier) invalidate(touched map[string]bool) {
	for addr := range touched {
		a.Cache.Invalidate(addr)
		a.Hub.EnqueueAddress(addr)
	}
}

// Apply imports every transaction of block at height, in order (index 0 is
// the coinbase), persists undo records for the height, and invalidates
// every touched address. Returns the transaction count.
func (a *BlockApplier) Apply(ctx context.Context, block *chain.Block, hash string, height int64) (int, error) {
	a.Cache.OnBlockImported()

	txs, err := a.decodeBlock(block)
	if err != nil {
		return 0, err
	}

	touched := map[string]bool{}
	undoInfo := make([]storage.UndoRecord, 0, len(txs))
	undoClaimInfo := make([]storage.UndoRecord, 0, len(txs))

	for i, tx := range txs {
		parsed := toParsed(tx, i)

		undo, addrs, err := a.Store.ImportTransaction(ctx, parsed, height)
		if err != nil {
			return 0, fmt.Errorf("catchup: import tx %s: %w", tx.TxID, err)
		}
		for _, addr := range addrs {
			touched[addr] = true
		}
		undoInfo = append(undoInfo, undo)

		claimUndo, err := a.Store.ImportClaimTransaction(ctx, parsed, height)
		if err != nil {
			return 0, fmt.Errorf("catchup: import claim tx %s: %w", tx.TxID, err)
		}
		undoClaimInfo = append(undoClaimInfo, claimUndo)
	}

	if err := a.Store.WriteUndoInfo(ctx, height, undoInfo); err != nil {
		return 0, err
	}
	if err := a.Store.WriteUndoClaimInfo(ctx, height, undoClaimInfo); err != nil {
		return 0, err
	}
	if err := a.Store.SaveHeight(ctx, hash, height); err != nil {
		return 0, err
	}

	a.invalidate(touched)

	if err := a.Store.UpdateHashes(ctx); err != nil {
		return 0, err
	}
	if err := a.Store.BatchWrite(ctx); err != nil {
		return 0, err
	}
	return len(txs), nil
}

// Revert undoes every transaction of block (which was applied at height) in
// reverse order, using the undo records persisted by Apply. Both undo maps
// must be fully consumed by the end — a non-empty remainder is an
// InvariantViolation (spec.md §7) and is fatal.
func (a *BlockApplier) Revert(ctx context.Context, block *chain.Block, hash string, height int64) error {
	a.Cache.OnBlockImported()

	txs, err := a.decodeBlock(block)
	if err != nil {
		return err
	}

	undoInfo, err := a.Store.GetUndoInfo(ctx, height)
	if err != nil {
		return err
	}
	undoClaimInfo, err := a.Store.GetUndoClaimInfo(ctx, height)
	if err != nil {
		return err
	}
	if len(undoInfo) != len(txs) || len(undoClaimInfo) != len(txs) {
		return fmt.Errorf("catchup: undo record count mismatch at height %d: tx=%d undo=%d claimUndo=%d",
			height, len(txs), len(undoInfo), len(undoClaimInfo))
	}

	touched := map[string]bool{}
	for i := len(txs) - 1; i >= 0; i-- {
		tx := txs[i]
		parsed := toParsed(tx, i)

		if err := a.Store.RevertClaimTransaction(ctx, parsed, undoClaimInfo[i]); err != nil {
			return fmt.Errorf("catchup: revert claim tx %s: %w", tx.TxID, err)
		}
		undoClaimInfo = undoClaimInfo[:i]

		addrs, err := a.Store.RevertTransaction(ctx, parsed, undoInfo[i])
		if err != nil {
			return fmt.Errorf("catchup: revert tx %s: %w", tx.TxID, err)
		}
		undoInfo = undoInfo[:i]
		for _, addr := range addrs {
			touched[addr] = true
		}
	}

	if len(undoInfo) != 0 || len(undoClaimInfo) != 0 {
		log.Crit("Undo maps not fully consumed after revert", "height", height, "remaining", len(undoInfo), "remainingClaim", len(undoClaimInfo))
	}

	a.invalidate(touched)

	if err := a.Store.UpdateHashes(ctx); err != nil {
		return err
	}
	return a.Store.BatchWrite(ctx)
}
