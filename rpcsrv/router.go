// Package rpcsrv implements CommandRouter: an explicit name->handler
// registry and dispatcher for the RPC command surface (spec.md §4.6, §9
// "replace dynamic command registration with an explicit registry").
package rpcsrv

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/metrics"

	"github.com/benywan/ddcsum-server/cache"
	"github.com/benywan/ddcsum-server/chain"
	"github.com/benywan/ddcsum-server/claims"
	"github.com/benywan/ddcsum-server/mempool"
	"github.com/benywan/ddcsum-server/storage"
	"github.com/benywan/ddcsum-server/subscribe"
)

var (
	requestsMeter = metrics.NewRegisteredMeter("rpc/requests", nil)
	deferredMeter = metrics.NewRegisteredMeter("rpc/deferred", nil)
)

// maxBatch is the item-count ceiling on getclaimsbyids/getvaluesforuris
// (spec.md §6, §8 scenario 6).
const maxBatch = 500

// Defer is the sentinel a handler returns to mean "re-queue this request";
// it replaces the source's `cache_only`/`-1` overload (spec.md §9's
// "dedicated DEFER variant").
type Defer struct{}

// Request is one dispatched command.
type Request struct {
	ID        any
	Method    string
	Params    []any
	CacheOnly bool
}

// Response is what Dispatch produces for a non-deferred request.
type Response struct {
	ID     any    `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Handler services one request for an already-identified session.
type Handler func(ctx context.Context, session subscribe.SessionID, req *Request) (any, error)

// Router is the CommandRouter: a fixed registry built once at construction,
// per spec.md §9's replacement for the source's attribute-scanning dispatch.
type Router struct {
	handlers map[string]Handler

	Store    storage.Storage
	Cache    *cache.Cache
	Mempool  *mempool.Mempool
	Client   chain.Client
	Headers  *chain.HeaderStore
	Hub      *subscribe.Hub
	Resolver *claims.Resolver

	// RelayFee returns the most recently observed daemon relay fee
	// (maintained by catchup.Worker).
	RelayFee func() float64
}

// New builds a Router with every command from spec.md §6 registered.
func New(store storage.Storage, c *cache.Cache, mp *mempool.Mempool, client chain.Client, headers *chain.HeaderStore, hub *subscribe.Hub, resolver *claims.Resolver, relayFee func() float64) *Router {
	r := &Router{
		Store:    store,
		Cache:    c,
		Mempool:  mp,
		Client:   client,
		Headers:  headers,
		Hub:      hub,
		Resolver: resolver,
		RelayFee: relayFee,
	}
	r.register()
	return r
}

func (r *Router) register() {
	r.handlers = map[string]Handler{
		"blockchain.numblocks.subscribe":                   r.numblocksSubscribe,
		"blockchain.headers.subscribe":                     r.headersSubscribe,
		"blockchain.address.subscribe":                     r.addressSubscribe,
		"blockchain.address.get_history":                   r.addressGetHistory,
		"blockchain.address.get_mempool":                    r.addressGetMempool,
		"blockchain.address.get_balance":                    r.addressGetBalance,
		"blockchain.address.get_proof":                      r.addressGetProof,
		"blockchain.address.listunspent":                    r.addressListUnspent,
		"blockchain.utxo.get_address":                       r.utxoGetAddress,
		"blockchain.block.get_header":                       r.blockGetHeader,
		"blockchain.block.get_chunk":                        r.blockGetChunk,
		"blockchain.block.get_block":                        r.blockGetBlock,
		"blockchain.transaction.broadcast":                  r.txBroadcast,
		"blockchain.transaction.get":                        r.txGet,
		"blockchain.transaction.get_height":                 r.txGetHeight,
		"blockchain.transaction.get_merkle":                 r.txGetMerkle,
		"blockchain.estimatefee":                            r.estimateFee,
		"blockchain.relayfee":                               r.relayfee,
		"blockchain.claimtrie.getvalue":                     r.claimGetValue,
		"blockchain.claimtrie.getclaimsintx":                r.claimGetClaimsInTx,
		"blockchain.claimtrie.getclaimsforname":             r.claimGetClaimsForName,
		"blockchain.claimtrie.getclaimbyid":                 r.claimGetClaimByID,
		"blockchain.claimtrie.getclaimsbyids":               r.claimGetClaimsByIDs,
		"blockchain.claimtrie.getnthclaimforname":           r.claimGetNthClaimForName,
		"blockchain.claimtrie.getclaimssignedby":            r.claimGetClaimsSignedBy,
		"blockchain.claimtrie.getclaimssignedbyid":          r.claimGetClaimsSignedByID,
		"blockchain.claimtrie.getclaimssignedbynthtoname":   r.claimGetClaimsSignedByNthToName,
		"blockchain.claimtrie.getvalueforuri":               r.claimGetValueForURI,
		"blockchain.claimtrie.getvaluesforuris":             r.claimGetValuesForURIs,
	}
}

// Dispatch services req for session. The second return is true iff the
// handler returned Defer — the caller (the request_queue owner) must
// re-enqueue req at the tail rather than deliver a response.
func (r *Router) Dispatch(ctx context.Context, session subscribe.SessionID, req *Request) (*Response, bool) {
	requestsMeter.Mark(1)
	h, ok := r.handlers[req.Method]
	if !ok {
		return &Response{ID: req.ID, Error: fmt.Sprintf("rpcsrv: unknown method %q", req.Method)}, false
	}
	result, err := h(ctx, session, req)
	if err != nil {
		return &Response{ID: req.ID, Error: err.Error()}, false
	}
	if _, deferred := result.(Defer); deferred {
		deferredMeter.Mark(1)
		return nil, true
	}
	return &Response{ID: req.ID, Result: result}, false
}

func paramString(params []any, i int) (string, error) {
	if i >= len(params) {
		return "", fmt.Errorf("rpcsrv: missing param %d", i)
	}
	s, ok := params[i].(string)
	if !ok {
		return "", fmt.Errorf("rpcsrv: param %d is not a string", i)
	}
	return s, nil
}

func paramInt(params []any, i int) (int64, error) {
	if i >= len(params) {
		return 0, fmt.Errorf("rpcsrv: missing param %d", i)
	}
	switch v := params[i].(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("rpcsrv: param %d is not a number", i)
	}
}

func paramBool(params []any, i int) bool {
	if i >= len(params) {
		return false
	}
	b, _ := params[i].(bool)
	return b
}
