package codec

import "encoding/json"

// DemoTxCodec is the reference TxCodec implementation: it decodes a JSON
// encoding of Transaction rather than the chain's real wire format (out of
// scope per spec.md §1). It exists so the rest of the module — BlockApplier,
// Mempool, the command surface, and their tests — can be exercised without a
// production script/serialization parser.
type DemoTxCodec struct{}

type demoTxPayload struct {
	Inputs  []TxIn  `json:"inputs"`
	Outputs []TxOut `json:"outputs"`
}

func (DemoTxCodec) DecodeTx(raw []byte, txid string) (*Transaction, error) {
	var payload demoTxPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return &Transaction{TxID: txid, Raw: raw, Inputs: payload.Inputs, Outputs: payload.Outputs}, nil
}

// DemoClaimDecoder is the reference ClaimDecoder: it decodes a JSON
// encoding of ClaimValue, standing in for the real claim-value protobuf/
// binary format (out of scope per spec.md §1).
type DemoClaimDecoder struct{}

func (DemoClaimDecoder) DecodeClaimValue(raw []byte) (*ClaimValue, error) {
	if len(raw) == 0 {
		return &ClaimValue{}, nil
	}
	var v ClaimValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
