package rpcsrv

import (
	"context"
	"fmt"
	"sort"

	"github.com/benywan/ddcsum-server/cache"
	"github.com/benywan/ddcsum-server/chain"
	"github.com/benywan/ddcsum-server/storage"
	"github.com/benywan/ddcsum-server/subscribe"
)

// HistRow is one entry of a merged confirmed+unconfirmed history view;
// height 0 marks a mempool entry (spec.md §4.6 get_history contract).
type HistRow struct {
	TxHash string `json:"tx_hash"`
	Height int64  `json:"height"`
}

func (r *Router) combinedHistory(ctx context.Context, addr string) ([]HistRow, error) {
	confirmed, err := r.Store.GetHistory(ctx, addr)
	if err != nil {
		return nil, err
	}
	rows := make([]HistRow, 0, len(confirmed))
	for _, h := range confirmed {
		rows = append(rows, HistRow{TxHash: h.TxHash, Height: h.Height})
	}
	for _, m := range r.Mempool.GetUnconfirmedHistory(addr) {
		rows = append(rows, HistRow{TxHash: m.TxID, Height: 0})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Height < rows[j].Height })
	return rows, nil
}

// getStatus implements spec.md §4.6's get_status: concatenate
// "tx_hash:height:" over the sorted history, plain SHA-256 hex; null (empty
// string) if history is empty.
func (r *Router) getStatus(ctx context.Context, addr string) (string, error) {
	rows, err := r.combinedHistory(ctx, addr)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	s := ""
	for _, row := range rows {
		s += fmt.Sprintf("%s:%d:", row.TxHash, row.Height)
	}
	return chain.SHA256Hex([]byte(s)), nil
}

func (r *Router) numblocksSubscribe(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	r.Hub.SubscribeBlocks(session)
	return r.Store.Height(ctx)
}

func (r *Router) headersSubscribe(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	r.Hub.SubscribeHeaders(session)
	height, err := r.Store.Height(ctx)
	if err != nil {
		return nil, err
	}
	return r.Headers.Read(uint32(height))
}

func (r *Router) addressSubscribe(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	addr, err := paramString(req.Params, 0)
	if err != nil {
		return nil, err
	}
	r.Hub.SubscribeAddress(addr, session)
	return r.getStatus(ctx, addr)
}

func (r *Router) addressGetHistory(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	addr, err := paramString(req.Params, 0)
	if err != nil {
		return nil, err
	}
	cacheOnly := req.CacheOnly || paramBool(req.Params, 1)
	if cached, ok := r.Cache.GetHistory(addr); ok {
		return cached, nil
	}
	if cacheOnly {
		return Defer{}, nil
	}
	rows, err := r.combinedHistory(ctx, addr)
	if err != nil {
		return nil, err
	}
	entries := make([]cache.HistoryEntry, len(rows))
	for i, row := range rows {
		entries[i] = cache.HistoryEntry{TxHash: row.TxHash, Height: row.Height}
	}
	r.Cache.SetHistory(addr, entries)
	return rows, nil
}

func (r *Router) addressGetMempool(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	addr, err := paramString(req.Params, 0)
	if err != nil {
		return nil, err
	}
	return r.Mempool.GetUnconfirmedHistory(addr), nil
}

func (r *Router) addressGetBalance(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	addr, err := paramString(req.Params, 0)
	if err != nil {
		return nil, err
	}
	confirmed, _, err := r.Store.GetBalance(ctx, addr)
	if err != nil {
		return nil, err
	}
	unconfirmed := r.Mempool.GetUnconfirmedValue(addr)
	return map[string]int64{"confirmed": confirmed, "unconfirmed": unconfirmed}, nil
}

func (r *Router) addressGetProof(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	addr, err := paramString(req.Params, 0)
	if err != nil {
		return nil, err
	}
	return r.Store.GetProof(ctx, addr)
}

func (r *Router) addressListUnspent(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	addr, err := paramString(req.Params, 0)
	if err != nil {
		return nil, err
	}
	return r.Store.ListUnspent(ctx, addr)
}

func (r *Router) utxoGetAddress(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	txHash, err := paramString(req.Params, 0)
	if err != nil {
		return nil, err
	}
	n, err := paramInt(req.Params, 1)
	if err != nil {
		return nil, err
	}
	return r.Store.GetAddress(ctx, storage.Outpoint{TxHash: txHash, N: uint32(n)})
}

func (r *Router) blockGetHeader(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	height, err := paramInt(req.Params, 0)
	if err != nil {
		return nil, err
	}
	return r.Headers.Read(uint32(height))
}

func (r *Router) blockGetChunk(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	index, err := paramInt(req.Params, 0)
	if err != nil {
		return nil, err
	}
	if chunk, ok := r.Cache.GetChunk(int(index)); ok {
		return chunk, nil
	}
	chunk, err := r.Headers.ReadChunk(int(index))
	if err != nil {
		return nil, err
	}
	r.Cache.SetChunk(int(index), chunk)
	return chunk, nil
}

func (r *Router) blockGetBlock(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	hash, err := paramString(req.Params, 0)
	if err != nil {
		return nil, err
	}
	return r.Client.GetBlock(ctx, hash)
}

func (r *Router) txBroadcast(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	raw, err := paramString(req.Params, 0)
	if err != nil {
		return nil, err
	}
	return r.Client.SendRawTransaction(ctx, raw)
}

func (r *Router) txGet(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	txid, err := paramString(req.Params, 0)
	if err != nil {
		return nil, err
	}
	if raw, ok := r.Cache.LongTerm.Get(txid); ok {
		return raw, nil
	}
	raw, err := r.Client.GetRawTransaction(ctx, txid)
	if err != nil {
		return nil, err
	}
	r.Cache.LongTerm.Set(txid, raw)
	return raw, nil
}

func (r *Router) txGetHeight(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	txid, err := paramString(req.Params, 0)
	if err != nil {
		return nil, err
	}
	if entry, ok := r.Cache.GetMerkle(txid); ok {
		return entry.BlockHeight, nil
	}
	return int64(0), nil
}

func (r *Router) txGetMerkle(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	txid, err := paramString(req.Params, 0)
	if err != nil {
		return nil, err
	}
	height, err := paramInt(req.Params, 1)
	if err != nil {
		return nil, err
	}
	if entry, ok := r.Cache.GetMerkle(txid); ok && entry.BlockHeight == height {
		return entry, nil
	}

	blockHash, err := r.Client.GetBlockHash(ctx, height)
	if err != nil {
		return nil, err
	}
	block, err := r.Client.GetBlock(ctx, blockHash)
	if err != nil {
		return nil, err
	}
	pos := -1
	for i, id := range block.Tx {
		if id == txid {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, fmt.Errorf("rpcsrv: tx %s not found in block at height %d", txid, height)
	}
	branch, err := merkleBranch(block.Tx, pos)
	if err != nil {
		return nil, err
	}
	entry := cache.MerkleEntry{BlockHeight: height, Pos: pos, Merkle: branch}
	r.Cache.SetMerkle(txid, entry)
	return entry, nil
}

// merkleBranch computes the Merkle authentication path for the leaf at pos
// among txids, duplicating the last element of an odd-length level
// (spec.md §4.6, §8 scenario 4). Each txid is the chain's standard
// reversed-hex display form; parent nodes are computed via
// chain.MerkleParentHash, which decodes and re-reverses to internal byte
// order before hashing, rather than hashing the displayed hex text itself.
func merkleBranch(txids []string, pos int) ([]string, error) {
	level := append([]string(nil), txids...)
	idx := pos
	var branch []string
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		sibling := idx ^ 1
		branch = append(branch, level[sibling])
		next := make([]string, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			parent, err := chain.MerkleParentHash(level[i], level[i+1])
			if err != nil {
				return nil, err
			}
			next[i/2] = parent
		}
		level = next
		idx /= 2
	}
	return branch, nil
}

func (r *Router) estimateFee(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	n, err := paramInt(req.Params, 0)
	if err != nil {
		return nil, err
	}
	return r.Client.EstimateFee(ctx, int(n))
}

func (r *Router) relayfee(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	if r.RelayFee == nil {
		return float64(0), nil
	}
	return r.RelayFee(), nil
}

func (r *Router) claimGetValue(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	name, err := paramString(req.Params, 0)
	if err != nil {
		return nil, err
	}
	return r.Client.GetValueForName(ctx, name)
}

func (r *Router) claimGetClaimsInTx(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	txid, err := paramString(req.Params, 0)
	if err != nil {
		return nil, err
	}
	return r.Client.GetClaimsForTx(ctx, txid)
}

func (r *Router) claimGetClaimsForName(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	name, err := paramString(req.Params, 0)
	if err != nil {
		return nil, err
	}
	return r.Client.GetClaimsForName(ctx, name)
}

func (r *Router) claimGetClaimByID(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	id, err := paramString(req.Params, 0)
	if err != nil {
		return nil, err
	}
	return r.Resolver.GetClaimInfo(ctx, id)
}

func (r *Router) claimGetClaimsByIDs(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	if len(req.Params) > maxBatch {
		return nil, fmt.Errorf("Exceeds max batch ids of %d", maxBatch)
	}
	out := make(map[string]any, len(req.Params))
	for _, p := range req.Params {
		id, ok := p.(string)
		if !ok {
			continue
		}
		info, err := r.Resolver.GetClaimInfo(ctx, id)
		if err != nil {
			out[id] = map[string]string{"error": err.Error()}
			continue
		}
		out[id] = info
	}
	return out, nil
}

func (r *Router) claimGetNthClaimForName(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	name, err := paramString(req.Params, 0)
	if err != nil {
		return nil, err
	}
	n, err := paramInt(req.Params, 1)
	if err != nil {
		return nil, err
	}
	id, err := r.Store.GetClaimIDForNthClaimToName(ctx, name, int(n))
	if err != nil {
		return nil, err
	}
	return r.Resolver.GetClaimInfo(ctx, id)
}

func (r *Router) claimGetClaimsSignedBy(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	certID, err := paramString(req.Params, 0)
	if err != nil {
		return nil, err
	}
	return r.Store.GetClaimsSignedBy(ctx, certID)
}

func (r *Router) claimGetClaimsSignedByID(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	return r.claimGetClaimsSignedBy(ctx, session, req)
}

func (r *Router) claimGetClaimsSignedByNthToName(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	name, err := paramString(req.Params, 0)
	if err != nil {
		return nil, err
	}
	n, err := paramInt(req.Params, 1)
	if err != nil {
		return nil, err
	}
	certID, err := r.Store.GetClaimIDForNthClaimToName(ctx, name, int(n))
	if err != nil {
		return nil, err
	}
	return r.Store.GetClaimsSignedBy(ctx, certID)
}

func (r *Router) claimGetValueForURI(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	blockHash, err := paramString(req.Params, 0)
	if err != nil {
		return nil, err
	}
	uri, err := paramString(req.Params, 1)
	if err != nil {
		return nil, err
	}
	return r.Resolver.Resolve(ctx, blockHash, uri)
}

func (r *Router) claimGetValuesForURIs(ctx context.Context, session subscribe.SessionID, req *Request) (any, error) {
	blockHash, err := paramString(req.Params, 0)
	if err != nil {
		return nil, err
	}
	uris := req.Params[1:]
	if len(uris) > maxBatch {
		return nil, fmt.Errorf("Exceeds max batch uris of %d", maxBatch)
	}
	out := make([]*resolveOrError, 0, len(uris))
	for _, p := range uris {
		uri, ok := p.(string)
		if !ok {
			continue
		}
		res, err := r.Resolver.Resolve(ctx, blockHash, uri)
		if err != nil {
			out = append(out, &resolveOrError{Error: err.Error()})
			continue
		}
		out = append(out, &resolveOrError{Result: res})
	}
	return out, nil
}

type resolveOrError struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}
