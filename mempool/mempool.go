// Package mempool mirrors the daemon's mempool and derives per-address
// unconfirmed deltas from it (spec.md §4.3).
package mempool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/benywan/ddcsum-server/chain"
	"github.com/benywan/ddcsum-server/codec"
	"github.com/benywan/ddcsum-server/storage"
)

var mempoolSizeGauge = metrics.NewRegisteredGauge("mempool/size", nil)

// HistEntry is one (txid, net delta) row in an address's unconfirmed
// history view.
type HistEntry struct {
	TxID  string
	Delta int64
}

// addrValue is one output's (address?, value), indexed by output position,
// as stored in mempool_values.
type addrValue struct {
	Address *string
	Value   int64
}

// Mempool is the mirror described in spec.md §3/§4.3. All fields are
// guarded by mu; mempool_hist is swapped atomically at the end of each
// refresh cycle so readers always see a consistent snapshot (spec.md §5).
type Mempool struct {
	mu sync.RWMutex

	hashes    map[string]bool
	values    map[string][]addrValue
	addresses map[string]map[string]int64 // txid -> address -> net delta
	hist      map[string][]HistEntry      // address -> [(txid, delta)]

	client  chain.Client
	storage storage.Storage
	codec   codec.TxCodec

	// invalidate is called once per address touched by a refresh cycle, the
	// producer side of spec.md §5's address_queue.
	invalidate func(addr string)
}

// New builds an empty Mempool mirror.
func New(client chain.Client, store storage.Storage, txCodec codec.TxCodec, invalidate func(addr string)) *Mempool {
	return &Mempool{
		hashes:     make(map[string]bool),
		values:     make(map[string][]addrValue),
		addresses:  make(map[string]map[string]int64),
		hist:       make(map[string][]HistEntry),
		client:     client,
		storage:    store,
		codec:      txCodec,
		invalidate: invalidate,
	}
}

// retryLater is the explicit result used in place of the exception the
// reference implementation throws to abort a refresh when a spent UTXO
// isn't in Storage yet (spec.md §9 "Exceptions as control flow").
type retryLater struct{ cause error }

func (r *retryLater) Error() string { return fmt.Sprintf("mempool: retry later: %v", r.cause) }

// IsRetryLater reports whether err signals that Refresh should simply be
// retried on the next tick rather than treated as a failure.
func IsRetryLater(err error) bool {
	_, ok := err.(*retryLater)
	return ok
}

// Refresh performs one mempool synchronization cycle (spec.md §4.3 steps
// 1-8). On a retryLater result it returns that error without having
// mutated any shared state — "a subsequent tick will retry".
func (mp *Mempool) Refresh(ctx context.Context) error {
	daemonTxids, err := mp.client.GetRawMempool(ctx)
	if err != nil {
		return fmt.Errorf("mempool: getrawmempool: %w", err)
	}
	daemonSet := make(map[string]bool, len(daemonTxids))
	for _, id := range daemonTxids {
		daemonSet[id] = true
	}

	mp.mu.RLock()
	var toFetch []string
	for _, id := range daemonTxids {
		if !mp.hashes[id] {
			toFetch = append(toFetch, id)
		}
	}
	mp.mu.RUnlock()

	type newTx struct {
		txid string
		tx   *codec.Transaction
	}
	var fetched []newTx
	for _, id := range toFetch {
		raw, err := mp.client.GetRawTransaction(ctx, id)
		if err != nil {
			// Mempool transactions can disappear between listing and
			// fetch; skip rather than fail the whole cycle.
			continue
		}
		tx, err := mp.codec.DecodeTx(raw, id)
		if err != nil {
			log.Warn("Failed to decode mempool tx", "txid", id, "err", err)
			continue
		}
		fetched = append(fetched, newTx{txid: id, tx: tx})
	}

	newValues := make(map[string][]addrValue, len(fetched))
	newDeltas := make(map[string]map[string]int64, len(fetched))
	for _, f := range fetched {
		vals := make([]addrValue, len(f.tx.Outputs))
		deltas := map[string]int64{}
		for i, out := range f.tx.Outputs {
			vals[i] = addrValue{Address: out.Address, Value: out.Value}
			if out.Address != nil {
				deltas[*out.Address] += out.Value
			}
		}
		newValues[f.txid] = vals
		newDeltas[f.txid] = deltas
	}

	// Resolve inputs against the mempool's own new output table first, then
	// against confirmed UTXOs in Storage. A miss against Storage aborts the
	// whole cycle without partial mutation.
	mp.mu.RLock()
	existingValues := mp.values
	mp.mu.RUnlock()

	for _, f := range fetched {
		deltas := newDeltas[f.txid]
		for _, in := range f.tx.Inputs {
			if in.PrevoutHash == "" {
				continue
			}
			if vals, ok := newValues[in.PrevoutHash]; ok {
				if int(in.PrevoutN) < len(vals) && vals[in.PrevoutN].Address != nil {
					deltas[*vals[in.PrevoutN].Address] -= vals[in.PrevoutN].Value
					continue
				}
			}
			if vals, ok := existingValues[in.PrevoutHash]; ok {
				if int(in.PrevoutN) < len(vals) && vals[in.PrevoutN].Address != nil {
					deltas[*vals[in.PrevoutN].Address] -= vals[in.PrevoutN].Value
					continue
				}
			}
			addr, err := mp.storage.GetAddress(ctx, storage.Outpoint{TxHash: in.PrevoutHash, N: in.PrevoutN})
			if err != nil || addr == "" {
				return &retryLater{cause: fmt.Errorf("utxo %s:%d not yet imported", in.PrevoutHash, in.PrevoutN)}
			}
			value, err := mp.storage.GetUTXOValue(ctx, addr, storage.Outpoint{TxHash: in.PrevoutHash, N: in.PrevoutN})
			if err != nil {
				return &retryLater{cause: err}
			}
			deltas[addr] -= value
		}
	}

	// Everything above was read-only against shared state; commit now.
	mp.mu.Lock()
	touched := map[string]bool{}

	for id := range mp.hashes {
		if !daemonSet[id] {
			for addr := range mp.addresses[id] {
				touched[addr] = true
			}
			delete(mp.addresses, id)
			delete(mp.values, id)
		}
	}
	mp.hashes = daemonSet

	for _, f := range fetched {
		mp.values[f.txid] = newValues[f.txid]
		mp.addresses[f.txid] = newDeltas[f.txid]
		for addr := range newDeltas[f.txid] {
			touched[addr] = true
		}
	}

	mp.hist = rebuildHist(mp.addresses)
	mempoolSizeGauge.Update(int64(len(mp.hashes)))
	mp.mu.Unlock()

	for addr := range touched {
		if mp.invalidate != nil {
			mp.invalidate(addr)
		}
	}
	return nil
}

func rebuildHist(addresses map[string]map[string]int64) map[string][]HistEntry {
	hist := make(map[string][]HistEntry)
	txids := make([]string, 0, len(addresses))
	for id := range addresses {
		txids = append(txids, id)
	}
	sort.Strings(txids)
	for _, id := range txids {
		for addr, delta := range addresses[id] {
			hist[addr] = append(hist[addr], HistEntry{TxID: id, Delta: delta})
		}
	}
	return hist
}

// GetUnconfirmedHistory returns addr's mempool history rows.
func (mp *Mempool) GetUnconfirmedHistory(addr string) []HistEntry {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	out := make([]HistEntry, len(mp.hist[addr]))
	copy(out, mp.hist[addr])
	return out
}

// GetUnconfirmedValue returns the signed sum of addr's mempool deltas.
func (mp *Mempool) GetUnconfirmedValue(addr string) int64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	var total int64
	for _, e := range mp.hist[addr] {
		total += e.Delta
	}
	return total
}
