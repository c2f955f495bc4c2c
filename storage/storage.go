// Package storage declares the authenticated index backend spec.md §1 keeps
// out of scope: an embedded ordered key/value store with a claim trie over
// addresses, claims, and UTXOs. The processor only ever talks to the
// Storage interface below; storage/memory.go supplies an in-memory fake
// used by the component tests and the demo command.
package storage

import "context"

// HistEntry is one (tx_hash, height) pair in an address's confirmed
// history. Height is always > 0; mempool entries live in Mempool, not here.
type HistEntry struct {
	TxHash string
	Height int64
}

// Outpoint identifies a single transaction output.
type Outpoint struct {
	TxHash string
	N      uint32
}

// UTXO is one unspent output plus the height it confirmed at.
type UTXO struct {
	Outpoint
	Value  int64
	Height int64
}

// ClaimRecord is the subset of a claim's persisted fields the resolver and
// RPC surface read back out of Storage.
type ClaimRecord struct {
	ClaimID       string
	Name          string
	Value         []byte
	Height        int64
	Address       string
	Amount        int64
	Outpoint      Outpoint
	CertificateID string
}

// UndoRecord is an opaque, storage-defined token sufficient to reverse one
// transaction's effects. BlockApplier never interprets its contents; it
// only persists and replays it through Storage.
type UndoRecord []byte

// Storage is the full interface consumed by the processor (spec.md §6).
// Implementations are free to back it with any authenticated KV store;
// nothing in this module depends on a specific one.
type Storage interface {
	Height(ctx context.Context) (int64, error)
	LastHash(ctx context.Context) (string, error)
	GetRootHash(ctx context.Context) (string, error)
	SaveHeight(ctx context.Context, hash string, height int64) error

	GetHistory(ctx context.Context, addr string) ([]HistEntry, error)
	GetBalance(ctx context.Context, addr string) (confirmed, unconfirmed int64, err error)
	GetProof(ctx context.Context, addr string) ([]byte, error)
	ListUnspent(ctx context.Context, addr string) ([]UTXO, error)
	GetAddress(ctx context.Context, outpoint Outpoint) (string, error)
	GetUTXOValue(ctx context.Context, addr string, outpoint Outpoint) (int64, error)

	ImportTransaction(ctx context.Context, tx *ParsedTx, height int64) (UndoRecord, []string, error)
	RevertTransaction(ctx context.Context, tx *ParsedTx, undo UndoRecord) ([]string, error)
	ImportClaimTransaction(ctx context.Context, tx *ParsedTx, height int64) (UndoRecord, error)
	RevertClaimTransaction(ctx context.Context, tx *ParsedTx, undo UndoRecord) error

	GetUndoInfo(ctx context.Context, height int64) ([]UndoRecord, error)
	GetUndoClaimInfo(ctx context.Context, height int64) ([]UndoRecord, error)
	WriteUndoInfo(ctx context.Context, height int64, undo []UndoRecord) error
	WriteUndoClaimInfo(ctx context.Context, height int64, undo []UndoRecord) error

	UpdateHashes(ctx context.Context) error
	BatchWrite(ctx context.Context) error
	Close() error

	GetClaimName(ctx context.Context, claimID string) (string, error)
	GetClaimValue(ctx context.Context, claimID string) ([]byte, error)
	GetClaimHeight(ctx context.Context, claimID string) (int64, error)
	GetClaimAddress(ctx context.Context, claimID string) (string, error)

	GetOutpointFromClaimID(ctx context.Context, claimID string) (Outpoint, error)
	GetClaimIDFromOutpoint(ctx context.Context, outpoint Outpoint) (string, error)
	GetNForNameAndClaimID(ctx context.Context, name, claimID string) (int, error)
	GetClaimIDForNthClaimToName(ctx context.Context, name string, n int) (string, error)
	GetClaimsSignedBy(ctx context.Context, certificateID string) ([]ClaimRecord, error)
}

// ParsedTx is the shape BlockApplier and Mempool pass to Storage's
// import/revert operations: the decoded transaction plus its position in
// the block (coinbase is always index 0).
type ParsedTx struct {
	TxID    string
	Index   int
	Inputs  []TxIn
	Outputs []TxOut
}

// TxIn mirrors codec.TxIn without importing the codec package, keeping
// storage free of a dependency on the wire-parsing collaborator.
type TxIn struct {
	PrevoutHash string
	PrevoutN    uint32
}

// TxOut mirrors codec.TxOut for the same reason.
type TxOut struct {
	Address    *string
	Value      int64
	IsClaim    bool
	ClaimName  string
	ClaimValue []byte
}
