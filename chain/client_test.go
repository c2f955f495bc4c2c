package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type codedErr struct {
	code int
}

func (e *codedErr) Error() string  { return "rpc error" }
func (e *codedErr) ErrorCode() int { return e.code }

func TestClassifyWarmingUpIsUnavailable(t *testing.T) {
	err := classify(&codedErr{code: ErrCodeWarmingUp})
	var ue *UnavailableError
	require.ErrorAs(t, err, &ue)
}

func TestClassifyKnownFatalCode(t *testing.T) {
	err := classify(&codedErr{code: -343})
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
}

func TestClassifyUnknownCodePassesThrough(t *testing.T) {
	orig := &codedErr{code: 1}
	assert.Same(t, error(orig), classify(orig))
}

func TestClassifyNilIsNil(t *testing.T) {
	assert.NoError(t, classify(nil))
}

type fakeClient struct {
	Client
	block *BlockHeaderFields
	txs   map[string][]byte
}

func (f *fakeClient) GetBlock(ctx context.Context, hash string) (*BlockHeaderFields, error) {
	return f.block, nil
}

func (f *fakeClient) GetRawTransaction(ctx context.Context, txid string) ([]byte, error) {
	raw, ok := f.txs[txid]
	if !ok {
		return nil, errors.New("no such tx")
	}
	return raw, nil
}

func TestFetchBlockAssemblesRawTxsInOrder(t *testing.T) {
	fc := &fakeClient{
		block: &BlockHeaderFields{Hash: "h", Height: 1, Tx: []string{"a", "b"}},
		txs:   map[string][]byte{"a": []byte{0x01}, "b": []byte{0x02}},
	}

	blk, err := FetchBlock(context.Background(), fc, "h")
	require.NoError(t, err)
	require.Len(t, blk.RawTx, 2)
	assert.Equal(t, []byte{0x01}, blk.RawTx[0])
	assert.Equal(t, []byte{0x02}, blk.RawTx[1])
}

func TestFetchBlockPropagatesTxFetchError(t *testing.T) {
	fc := &fakeClient{
		block: &BlockHeaderFields{Hash: "h", Height: 1, Tx: []string{"missing"}},
		txs:   map[string][]byte{},
	}

	_, err := FetchBlock(context.Background(), fc, "h")
	assert.Error(t, err)
}
