// Package codec declares the external wire-format collaborators spec.md §1
// places out of scope: transaction/header binary parsing and the claim URI
// grammar. Only interfaces plus a minimal reference decoder live here — a
// production parser is somebody else's module, per spec.
package codec

// TxIn is one parsed transaction input.
type TxIn struct {
	PrevoutHash string
	PrevoutN    uint32
}

// TxOut is one parsed transaction output. Address is nil when the output
// script is not a recognized pay-to-address (or pay-to-claim) form.
type TxOut struct {
	Address       *string
	Value         int64
	ClaimName     string // non-empty if this output carries a claim/support script
	ClaimValue    []byte
	IsClaim       bool
	IsSupport     bool
	IsUpdateClaim bool
}

// Transaction is the parsed shape CatchUp's BlockApplier and Mempool both
// consume: ordered inputs and outputs, the raw bytes, and the id.
type Transaction struct {
	TxID    string
	Raw     []byte
	Inputs  []TxIn
	Outputs []TxOut
}

// TxCodec decodes raw transaction bytes into a Transaction. It is an
// external collaborator (spec.md §1); callers own picking a concrete
// implementation appropriate to the chain's actual script/serialization
// rules.
type TxCodec interface {
	DecodeTx(raw []byte, txid string) (*Transaction, error)
}
