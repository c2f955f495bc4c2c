package chain

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
)

// Error codes the daemon's JSON-RPC surface is documented to return
// (spec.md §5 "Timeouts").
const (
	ErrCodeWarmingUp       = -28
	ErrCodeBroadcastReject = -26
)

var fatalErrorCodes = map[int]bool{
	-342: true,
	-343: true,
	-1:   true,
}

// Info is the subset of getinfo this processor consumes.
type Info struct {
	Blocks    int64   `json:"blocks"`
	RelayFee  float64 `json:"relayfee"`
	Connected bool    `json:"connections"`
}

// BlockHeaderFields is the subset of getblock's verbose result needed to
// reconstruct a Header and to drive catch-up/reorg detection.
type BlockHeaderFields struct {
	Hash              string   `json:"hash"`
	Height            uint32   `json:"height"`
	Version           uint32   `json:"version"`
	PreviousBlockHash string   `json:"previousblockhash"`
	MerkleRoot        string   `json:"merkleroot"`
	ClaimTrieRoot     string   `json:"nameclaimroot"`
	Time              uint32   `json:"time"`
	Bits              string   `json:"bits"`
	Nonce             uint32   `json:"nonce"`
	Tx                []string `json:"tx"`
}

// Block is a fetched block: its header fields plus, once FetchBlock has
// run, the raw bytes of every transaction it contains, in order. The first
// entry is always the coinbase.
type Block struct {
	BlockHeaderFields
	RawTx [][]byte
}

// Header builds the chain.Header this block's fields describe.
func (b *Block) Header() (*Header, error) {
	h := &Header{Height: b.Height, Version: b.Version, Timestamp: b.Time}
	if err := decodeHashInto(h.PrevBlockHash[:], b.PreviousBlockHash); err != nil {
		return nil, fmt.Errorf("chain: bad previousblockhash: %w", err)
	}
	if err := decodeHashInto(h.MerkleRoot[:], b.MerkleRoot); err != nil {
		return nil, fmt.Errorf("chain: bad merkleroot: %w", err)
	}
	if err := decodeHashInto(h.ClaimTrieRoot[:], b.ClaimTrieRoot); err != nil {
		return nil, fmt.Errorf("chain: bad nameclaimroot: %w", err)
	}
	var bits uint32
	if _, err := fmt.Sscanf(b.Bits, "%x", &bits); err != nil {
		return nil, fmt.Errorf("chain: bad bits: %w", err)
	}
	h.Bits = bits
	h.Nonce = b.Nonce
	return h, nil
}

func decodeHashInto(dst []byte, reversedHex string) error {
	b, err := hex.DecodeString(reversedHex)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("want %d bytes, got %d", len(dst), len(b))
	}
	for i := range b {
		dst[len(dst)-1-i] = b[i]
	}
	return nil
}

// Client is the ChainClient contract §6 of spec.md: everything the
// processor needs from the reference daemon's JSON-RPC surface.
type Client interface {
	GetInfo(ctx context.Context) (*Info, error)
	GetBlockHash(ctx context.Context, height int64) (string, error)
	GetBlock(ctx context.Context, hash string) (*BlockHeaderFields, error)
	GetRawTransaction(ctx context.Context, txid string) ([]byte, error)
	GetRawMempool(ctx context.Context) ([]string, error)
	GetClaimsForName(ctx context.Context, name string) (map[string]any, error)
	GetNameProof(ctx context.Context, name, blockHash string) (map[string]any, error)
	GetValueForName(ctx context.Context, name string) (map[string]any, error)
	GetClaimsForTx(ctx context.Context, txid string) ([]any, error)
	SendRawTransaction(ctx context.Context, raw string) (string, error)
	EstimateFee(ctx context.Context, blocks int) (float64, error)
}

// DaemonClient dials the reference daemon's JSON-RPC endpoint using the
// same transport mive/backend.go uses to dial its execution-layer peer:
// go-ethereum's generic rpc.Client, which speaks plain JSON-RPC 2.0 and
// needs no Ethereum-specific method set.
type DaemonClient struct {
	rpc *rpc.Client
}

// Dial connects to the daemon's JSON-RPC endpoint (http://, https:// or a
// unix socket path understood by rpc.Dial).
func Dial(url string) (*DaemonClient, error) {
	c, err := rpc.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("chain: dial daemon: %w", err)
	}
	return &DaemonClient{rpc: c}, nil
}

func (c *DaemonClient) Close() { c.rpc.Close() }

// classify turns a raw JSON-RPC error into the DaemonFatal/DaemonUnavailable
// distinction spec.md §7 requires; callers decide what to do with each.
func classify(err error) error {
	if err == nil {
		return nil
	}
	type rpcErr interface{ ErrorCode() int }
	if re, ok := err.(rpcErr); ok {
		code := re.ErrorCode()
		if code == ErrCodeWarmingUp {
			return &UnavailableError{Code: code, Message: err.Error()}
		}
		if fatalErrorCodes[code] {
			return &FatalError{Code: code, Message: err.Error()}
		}
	}
	return err
}

// UnavailableError signals the daemon is warming up; callers should pause
// and retry rather than fail the in-flight request.
type UnavailableError struct {
	Code    int
	Message string
}

func (e *UnavailableError) Error() string { return fmt.Sprintf("daemon unavailable: %s", e.Message) }

// FatalError signals a JSON-RPC error code the processor must surface to
// the requester rather than retry.
type FatalError struct {
	Code    int
	Message string
}

func (e *FatalError) Error() string { return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message) }

func (c *DaemonClient) GetInfo(ctx context.Context) (*Info, error) {
	var info Info
	if err := c.rpc.CallContext(ctx, &info, "getinfo"); err != nil {
		return nil, classify(err)
	}
	return &info, nil
}

func (c *DaemonClient) GetBlockHash(ctx context.Context, height int64) (string, error) {
	var hash string
	if err := c.rpc.CallContext(ctx, &hash, "getblockhash", height); err != nil {
		return "", classify(err)
	}
	return hash, nil
}

func (c *DaemonClient) GetBlock(ctx context.Context, hash string) (*BlockHeaderFields, error) {
	var b BlockHeaderFields
	if err := c.rpc.CallContext(ctx, &b, "getblock", hash); err != nil {
		return nil, classify(err)
	}
	return &b, nil
}

func (c *DaemonClient) GetRawTransaction(ctx context.Context, txid string) ([]byte, error) {
	var rawHex string
	if err := c.rpc.CallContext(ctx, &rawHex, "getrawtransaction", txid, 0); err != nil {
		return nil, classify(err)
	}
	return hex.DecodeString(rawHex)
}

func (c *DaemonClient) GetRawMempool(ctx context.Context) ([]string, error) {
	var txids []string
	if err := c.rpc.CallContext(ctx, &txids, "getrawmempool"); err != nil {
		return nil, classify(err)
	}
	return txids, nil
}

func (c *DaemonClient) GetClaimsForName(ctx context.Context, name string) (map[string]any, error) {
	var result map[string]any
	if err := c.rpc.CallContext(ctx, &result, "getclaimsforname", name); err != nil {
		return nil, classify(err)
	}
	return result, nil
}

func (c *DaemonClient) GetNameProof(ctx context.Context, name, blockHash string) (map[string]any, error) {
	var result map[string]any
	var err error
	if blockHash != "" {
		err = c.rpc.CallContext(ctx, &result, "getnameproof", name, blockHash)
	} else {
		err = c.rpc.CallContext(ctx, &result, "getnameproof", name)
	}
	if err != nil {
		return nil, classify(err)
	}
	return result, nil
}

func (c *DaemonClient) GetValueForName(ctx context.Context, name string) (map[string]any, error) {
	var result map[string]any
	if err := c.rpc.CallContext(ctx, &result, "getvalueforname", name); err != nil {
		return nil, classify(err)
	}
	return result, nil
}

func (c *DaemonClient) GetClaimsForTx(ctx context.Context, txid string) ([]any, error) {
	var result []any
	if err := c.rpc.CallContext(ctx, &result, "getclaimsfortx", txid); err != nil {
		return nil, classify(err)
	}
	return result, nil
}

func (c *DaemonClient) SendRawTransaction(ctx context.Context, raw string) (string, error) {
	var txid string
	err := c.rpc.CallContext(ctx, &txid, "sendrawtransaction", raw)
	if err != nil {
		if re, ok := classify(err).(interface{ ErrorCode() int }); ok && re.ErrorCode() == ErrCodeBroadcastReject {
			return fmt.Sprintf("The transaction was rejected by network rules.(%s)\n[%s]", err.Error(), raw), nil
		}
		return "", classify(err)
	}
	return txid, nil
}

func (c *DaemonClient) EstimateFee(ctx context.Context, blocks int) (float64, error) {
	var fee float64
	if err := c.rpc.CallContext(ctx, &fee, "estimatefee", blocks); err != nil {
		return 0, classify(err)
	}
	return fee, nil
}

// FetchHeader fetches just the header at height, resolving its hash via
// GetBlockHash first. Used by HeaderStore.Init to backfill the header file
// without pulling each block's transactions.
func FetchHeader(ctx context.Context, c Client, height int64) (*Header, error) {
	hash, err := c.GetBlockHash(ctx, height)
	if err != nil {
		return nil, fmt.Errorf("chain: getblockhash(%d): %w", height, err)
	}
	fields, err := c.GetBlock(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("chain: getblock(%s): %w", hash, err)
	}
	blk := &Block{BlockHeaderFields: *fields}
	return blk.Header()
}

// FetchBlock fetches a block's header-plus-txid list, then the raw bytes of
// every one of its transactions, replacing the tx placeholder list with raw
// bytes, per spec.md §4.4 step 5.
func FetchBlock(ctx context.Context, c Client, hash string) (*Block, error) {
	fields, err := c.GetBlock(ctx, hash)
	if err != nil {
		return nil, err
	}
	blk := &Block{BlockHeaderFields: *fields}
	blk.RawTx = make([][]byte, len(fields.Tx))
	for i, txid := range fields.Tx {
		raw, err := c.GetRawTransaction(ctx, txid)
		if err != nil {
			return nil, fmt.Errorf("chain: fetch tx %s of block %s: %w", txid, hash, err)
		}
		blk.RawTx[i] = raw
	}
	log.Debug("Fetched block", "hash", hash, "height", fields.Height, "ntx", len(fields.Tx))
	return blk, nil
}
