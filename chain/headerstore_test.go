package chain

import (
	"crypto/sha256"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// doubleSHA256 is the raw (non-reversed) digest a header's PrevBlockHash
// field stores internally; Header.Hash()/PrevBlockHashHex() reverse it for
// display, so tests that link one header to another must chain these raw
// bytes, not the display hex.
func doubleSHA256(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

func openTestStore(t *testing.T) *HeaderStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blockchain_headers")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHeaderStoreWriteFlushRead(t *testing.T) {
	s := openTestStore(t)

	h0 := &Header{Height: 0, Version: 1}
	s.Write(h0, true)

	got, err := s.Read(0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, h0.Encode(), got.Encode())
}

func TestHeaderStoreReadBeyondTipReturnsNil(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Read(5)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestHeaderStorePopBeforeFlushDiscardsPendingWrite(t *testing.T) {
	s := openTestStore(t)

	s.Write(&Header{Height: 0, Version: 1}, false)
	s.Pop()
	require.NoError(t, s.Flush())

	got, err := s.Read(0)
	require.NoError(t, err)
	assert.Nil(t, got, "popped header must not reach disk on the following flush")
}

func TestHeaderStorePopAfterFlushIsNoOp(t *testing.T) {
	s := openTestStore(t)

	s.Write(&Header{Height: 0, Version: 1}, true)
	s.Pop()

	got, err := s.Read(0)
	require.NoError(t, err)
	assert.NotNil(t, got, "Pop after Flush must not remove an already-persisted header")
}

func TestHeaderStoreChunkInvalidatorFiresOnWrite(t *testing.T) {
	s := openTestStore(t)

	var invalidated []int
	s.SetChunkInvalidator(func(idx int) { invalidated = append(invalidated, idx) })

	s.Write(&Header{Height: 0, Version: 1}, true)
	s.Write(&Header{Height: uint32(BlocksPerChunk), Version: 1}, true)

	assert.Equal(t, []int{0, 1}, invalidated)
}

func TestHeaderStoreInitBackfillsToDBHeight(t *testing.T) {
	s := openTestStore(t)
	headers := []*Header{
		{Height: 0, Version: 1},
		{Height: 1, Version: 1},
		{Height: 2, Version: 1},
	}
	headers[1].PrevBlockHash = doubleSHA256(headers[0].Encode())
	headers[2].PrevBlockHash = doubleSHA256(headers[1].Encode())

	fetch := func(height int64) (*Header, error) { return headers[height], nil }
	require.NoError(t, s.Init(2, fetch))

	for i, h := range headers {
		got, err := s.Read(uint32(i))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, h.Encode(), got.Encode())
	}
}

func TestHeaderStoreInitBacksUpOnMismatchedPredecessor(t *testing.T) {
	s := openTestStore(t)
	h0 := &Header{Height: 0, Version: 1}
	s.Write(h0, true)

	wrongH1 := &Header{Height: 1, Version: 1} // PrevBlockHash left zero: won't match h0.Hash()
	calls := 0
	fetch := func(height int64) (*Header, error) {
		calls++
		if height == 1 && calls == 1 {
			return wrongH1, nil
		}
		h := &Header{Height: uint32(height), Version: 1}
		if height > 0 {
			prev, err := s.Read(uint32(height - 1))
			require.NoError(t, err)
			h.PrevBlockHash = doubleSHA256(prev.Encode())
		}
		return h, nil
	}
	require.NoError(t, s.Init(1, fetch))

	got, err := s.Read(1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, h0.Hash(), got.PrevBlockHashHex())
}

func TestHeaderStoreReadChunkShortAtTip(t *testing.T) {
	s := openTestStore(t)
	s.Write(&Header{Height: 0, Version: 1}, true)

	hex, err := s.ReadChunk(0)
	require.NoError(t, err)
	assert.Len(t, hex, HeaderSize*2)
}
