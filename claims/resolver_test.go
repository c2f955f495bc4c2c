package claims

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
)

type fakeClient struct {
	chain.Client
	nameProof      map[string]map[string]any
	claimsForName  map[string]map[string]any
}

func (f *fakeClient) GetNameProof(ctx context.Context, name, blockHash string) (map[string]any, error) {
	return f.nameProof[name], nil
}

func (f *fakeClient) GetClaimsForName(ctx context.Context, name string) (map[string]any, error) {
	return f.claimsForName[name], nil
}

func addr(s string) *string { return &s }

func claimValueJSON(t *testing.T, v codec.ClaimValue) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func newTestResolver(t *testing.T) (*Resolver, storage.Storage, *fakeClient) {
	t.Helper()
	store := storage.NewMemory()
	client := &fakeClient{nameProof: map[string]map[string]any{}, claimsForName: map[string]map[string]any{}}
	c := cache.New(time.Minute, time.Hour)
	return &Resolver{
		Client:  client,
		Store:   store,
		Cache:   c,
		Parser:  codec.DefaultURIParser{},
		Decoder: codec.DemoClaimDecoder{},
	}, store, client
}

func TestResolveByWinningClaim(t *testing.T) {
	r, store, client := newTestResolver(t)

	_, err := store.ImportClaimTransaction(context.Background(), &storage.ParsedTx{
		TxID: "tx1",
		Outputs: []storage.TxOut{
			{Address: addr("alice"), Value: 10, IsClaim: true, ClaimName: "foo", ClaimValue: claimValueJSON(t, codec.ClaimValue{StreamURI: "lbry://foo"})},
		},
	}, 1)
	require.NoError(t, err)
	client.nameProof["foo"] = map[string]any{"txhash": "tx1", "nout": float64(0)}

	res, err := r.Resolve(context.Background(), "blk1", "foo")
	require.NoError(t, err)
	require.Empty(t, res.Error)
	require.NotNil(t, res.Claim)
	assert.Equal(t, "tx1:0", res.Claim.ClaimID)
}

func TestResolveNoWinningClaimIsNoMatch(t *testing.T) {
	r, _, client := newTestResolver(t)
	client.nameProof["bar"] = map[string]any{}

	res, err := r.Resolve(context.Background(), "blk1", "bar")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Error)
	assert.Nil(t, res.Claim)
}

func TestResolveCachesByBlockHashAndURI(t *testing.T) {
	r, _, client := newTestResolver(t)
	client.nameProof["bar"] = map[string]any{}

	first, err := r.Resolve(context.Background(), "blk1", "bar")
	require.NoError(t, err)

	delete(client.nameProof, "bar")
	second, err := r.Resolve(context.Background(), "blk1", "bar")
	require.NoError(t, err)
	assert.Same(t, first, second, "a cached result must be reused rather than re-queried")
}

func TestResolveChannelListsSignedClaims(t *testing.T) {
	r, store, client := newTestResolver(t)

	_, err := store.ImportClaimTransaction(context.Background(), &storage.ParsedTx{
		TxID: "certtx",
		Outputs: []storage.TxOut{
			{Address: addr("alice"), Value: 1, IsClaim: true, ClaimName: "@alice", ClaimValue: claimValueJSON(t, codec.ClaimValue{IsCertificate: true})},
		},
	}, 1)
	require.NoError(t, err)
	client.nameProof["@alice"] = map[string]any{"txhash": "certtx", "nout": float64(0)}

	mem := store.(*storage.Memory)
	mem.SignClaim("certtx:0", "claim1")

	res, err := r.Resolve(context.Background(), "blk1", "@alice")
	require.NoError(t, err)
	require.NotNil(t, res.Certificate)
	assert.Equal(t, "certtx:0", res.Certificate.ClaimID)
	assert.Contains(t, res.UnverifiedClaimsInChannel, "claim1")
}

func TestGetClaimInfoMergesEffectiveAmount(t *testing.T) {
	r, store, client := newTestResolver(t)
	_, err := store.ImportClaimTransaction(context.Background(), &storage.ParsedTx{
		TxID: "tx1",
		Outputs: []storage.TxOut{
			{Address: addr("alice"), Value: 10, IsClaim: true, ClaimName: "foo", ClaimValue: claimValueJSON(t, codec.ClaimValue{StreamURI: "lbry://foo"})},
		},
	}, 1)
	require.NoError(t, err)

	client.claimsForName["foo"] = map[string]any{
		"claims": []any{
			map[string]any{"claim_id": "tx1:0", "effective_amount": float64(42), "supports": []any{"s1"}},
		},
	}

	info, err := r.GetClaimInfo(context.Background(), "tx1:0")
	require.NoError(t, err)
	assert.Equal(t, int64(42), info.EffectiveAmount)
	assert.Equal(t, []any{"s1"}, info.Supports)
}
