package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(s string) *string { return &s }

func TestImportTransactionCreditsOutputsAndHistory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	undo, touched, err := m.ImportTransaction(ctx, &ParsedTx{
		TxID:    "tx1",
		Outputs: []TxOut{{Address: addr("alice"), Value: 1000}},
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, touched)
	assert.NotEmpty(t, undo)

	confirmed, _, err := m.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), confirmed)

	hist, err := m.GetHistory(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "tx1", hist[0].TxHash)
}

func TestImportThenRevertTransactionRestoresPriorState(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, _, err := m.ImportTransaction(ctx, &ParsedTx{
		TxID:    "fund",
		Outputs: []TxOut{{Address: addr("alice"), Value: 1000}},
	}, 1)
	require.NoError(t, err)

	rootBeforeSpend, err := m.GetRootHash(ctx)
	require.NoError(t, err)

	undo, touched, err := m.ImportTransaction(ctx, &ParsedTx{
		TxID:    "spend",
		Inputs:  []TxIn{{PrevoutHash: "fund", PrevoutN: 0}},
		Outputs: []TxOut{{Address: addr("bob"), Value: 900}},
	}, 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, touched)

	confirmed, _, _ := m.GetBalance(ctx, "alice")
	assert.Equal(t, int64(0), confirmed)
	confirmed, _, _ = m.GetBalance(ctx, "bob")
	assert.Equal(t, int64(900), confirmed)

	_, err = m.RevertTransaction(ctx, &ParsedTx{TxID: "spend"}, undo)
	require.NoError(t, err)

	confirmed, _, _ = m.GetBalance(ctx, "alice")
	assert.Equal(t, int64(1000), confirmed)
	confirmed, _, _ = m.GetBalance(ctx, "bob")
	assert.Equal(t, int64(0), confirmed)

	rootAfterRevert, err := m.GetRootHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, rootBeforeSpend, rootAfterRevert, "apply-then-revert must restore the pre-apply root hash")
}

func TestImportClaimTransactionThenRevertRemovesClaim(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	undo, err := m.ImportClaimTransaction(ctx, &ParsedTx{
		TxID: "claimtx",
		Outputs: []TxOut{
			{Address: addr("alice"), Value: 10, IsClaim: true, ClaimName: "foo", ClaimValue: []byte("v1")},
		},
	}, 5)
	require.NoError(t, err)
	require.NotEmpty(t, undo)

	claimID, err := m.GetClaimIDForNthClaimToName(ctx, "foo", 0)
	require.NoError(t, err)
	assert.Equal(t, "claimtx:0", claimID)

	height, err := m.GetClaimHeight(ctx, claimID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), height)

	require.NoError(t, m.RevertClaimTransaction(ctx, &ParsedTx{TxID: "claimtx"}, undo))

	_, err = m.GetClaimIDForNthClaimToName(ctx, "foo", 0)
	assert.Error(t, err, "reverted claim must no longer be the 0th claim for its name")
}

func TestGetUTXOValueRejectsWrongAddress(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, _, err := m.ImportTransaction(ctx, &ParsedTx{
		TxID:    "tx1",
		Outputs: []TxOut{{Address: addr("alice"), Value: 1000}},
	}, 1)
	require.NoError(t, err)

	_, err = m.GetUTXOValue(ctx, "bob", Outpoint{TxHash: "tx1", N: 0})
	assert.Error(t, err)
}

func TestSignClaimPopulatesSignedByIndex(t *testing.T) {
	m := NewMemory()
	m.SignClaim("cert1", "claim1")
	m.SignClaim("cert1", "claim2")
	_, err := m.ImportClaimTransaction(context.Background(), &ParsedTx{TxID: "x"}, 1)
	require.NoError(t, err)

	recs, err := m.GetClaimsSignedBy(context.Background(), "cert1")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}
