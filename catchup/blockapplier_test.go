package catchup

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benywan/ddcsum-server/cache"
	"github.com/benywan/ddcsum-server/chain"
	"github.com/benywan/ddcsum-server/codec"
	"github.com/benywan/ddcsum-server/storage"
	"github.com/benywan/ddcsum-server/subscribe"
)

func addr(s string) *string { return &s }

func rawTx(outs ...codec.TxOut) []byte {
	payload := struct {
		Outputs []codec.TxOut `json:"outputs"`
	}{Outputs: outs}
	b, _ := json.Marshal(payload)
	return b
}

func newApplier() (*BlockApplier, storage.Storage) {
	store := storage.NewMemory()
	c := cache.New(time.Minute, time.Hour)
	hub := subscribe.New(nil)
	return &BlockApplier{Store: store, Cache: c, Hub: hub, TxCodec: codec.DemoTxCodec{}}, store
}

func TestApplyCreditsOutputsOfEveryTransaction(t *testing.T) {
	a, store := newApplier()
	block := &chain.Block{
		BlockHeaderFields: chain.BlockHeaderFields{Hash: "h1", Tx: []string{"coinbase"}},
		RawTx:             [][]byte{rawTx(codec.TxOut{Address: addr("alice"), Value: 5000})},
	}

	n, err := a.Apply(context.Background(), block, "h1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	confirmed, _, err := store.GetBalance(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), confirmed)
}

func TestApplyThenRevertRestoresRootHash(t *testing.T) {
	a, store := newApplier()

	block1 := &chain.Block{
		BlockHeaderFields: chain.BlockHeaderFields{Hash: "h1", Tx: []string{"fund"}},
		RawTx:             [][]byte{rawTx(codec.TxOut{Address: addr("alice"), Value: 1000})},
	}
	_, err := a.Apply(context.Background(), block1, "h1", 1)
	require.NoError(t, err)

	rootBeforeBlock2, err := store.GetRootHash(context.Background())
	require.NoError(t, err)

	block2 := &chain.Block{
		BlockHeaderFields: chain.BlockHeaderFields{Hash: "h2", Tx: []string{"spend"}},
		RawTx: [][]byte{func() []byte {
			b, _ := json.Marshal(struct {
				Inputs  []codec.TxIn  `json:"inputs"`
				Outputs []codec.TxOut `json:"outputs"`
			}{
				Inputs:  []codec.TxIn{{PrevoutHash: "fund", PrevoutN: 0}},
				Outputs: []codec.TxOut{{Address: addr("bob"), Value: 900}},
			})
			return b
		}()},
	}
	_, err = a.Apply(context.Background(), block2, "h2", 2)
	require.NoError(t, err)

	confirmed, _, _ := store.GetBalance(context.Background(), "bob")
	assert.Equal(t, int64(900), confirmed)

	require.NoError(t, a.Revert(context.Background(), block2, "h2", 2))

	confirmed, _, _ = store.GetBalance(context.Background(), "bob")
	assert.Equal(t, int64(0), confirmed)
	confirmed, _, _ = store.GetBalance(context.Background(), "alice")
	assert.Equal(t, int64(1000), confirmed)

	rootAfterRevert, err := store.GetRootHash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rootBeforeBlock2, rootAfterRevert)
}

func TestApplyImportsClaimOutputs(t *testing.T) {
	a, store := newApplier()
	block := &chain.Block{
		BlockHeaderFields: chain.BlockHeaderFields{Hash: "h1", Tx: []string{"claimtx"}},
		RawTx: [][]byte{func() []byte {
			b, _ := json.Marshal(struct {
				Outputs []codec.TxOut `json:"outputs"`
			}{
				Outputs: []codec.TxOut{{Address: addr("alice"), Value: 10, IsClaim: true, ClaimName: "foo", ClaimValue: []byte("v1")}},
			})
			return b
		}()},
	}

	_, err := a.Apply(context.Background(), block, "h1", 1)
	require.NoError(t, err)

	claimID, err := store.GetClaimIDForNthClaimToName(context.Background(), "foo", 0)
	require.NoError(t, err)
	assert.Equal(t, "claimtx:0", claimID)
}
