package chain

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// BlocksPerChunk is the number of consecutive headers returned by a single
// read_chunk call.
const BlocksPerChunk = 96

// flushThreshold is the pending-buffer size (bytes) past which Write forces
// a flush, mirroring the reference implementation's ~4000 byte watermark.
const flushThreshold = 4000

// HeaderStore is a flat, append-only log of fixed HeaderSize records on
// disk, one per height, at byte offset height*HeaderSize. It is not safe for
// concurrent use by more than one goroutine; like HeaderChain in the
// reference stack, callers serialize access (the catch-up worker is the only
// writer).
type HeaderStore struct {
	mu   sync.Mutex
	path string
	file *os.File

	// pending holds unflushed appended bytes together with the file offset
	// they belong at. Reads never consult pending: "all reads must honor
	// flushed state only".
	pending       []byte
	pendingOffset int64

	// onChunkInvalidate, if set, is called with the chunk index containing
	// any header written, so a coupled Cache can drop its cached chunk hex.
	onChunkInvalidate func(chunkIndex int)
}

// Open creates (if absent) and opens the header file at path.
func Open(path string) (*HeaderStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("chain: open header store: %w", err)
	}
	return &HeaderStore{path: path, file: f}, nil
}

// SetChunkInvalidator wires a callback invoked whenever a header write
// touches a given chunk index, so a cache layer can stay coherent.
func (s *HeaderStore) SetChunkInvalidator(fn func(chunkIndex int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChunkInvalidate = fn
}

// flushedHeight returns the number of complete records currently on disk,
// minus one (i.e. the highest flushed height), or -1 if the file is empty.
func (s *HeaderStore) flushedHeight() (int64, error) {
	info, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size()/HeaderSize - 1, nil
}

// Init brings the header file up to dbHeight by fetching missing headers
// from fetch. fetch must return the parsed header for the requested height.
//
// If a fetched header's PrevBlockHash does not match the hash of the
// on-disk predecessor, Init backs up two positions and retries: the file is
// being realigned onto a reorganized chain.
func (s *HeaderStore) Init(dbHeight int64, fetch func(height int64) (*Header, error)) error {
	for {
		height, err := s.flushedHeight()
		if err != nil {
			return err
		}
		if height >= dbHeight {
			break
		}
		next := height + 1
		hdr, err := fetch(next)
		if err != nil {
			return fmt.Errorf("chain: fetch header %d: %w", next, err)
		}
		if next > 0 {
			prev, err := s.Read(uint32(next - 1))
			if err != nil {
				return err
			}
			if prev != nil && prev.Hash() != hdr.PrevBlockHashHex() {
				log.Warn("Header file misaligned with chain, backing up", "height", next)
				if err := s.truncateFlushed(next - 2); err != nil {
					return err
				}
				continue
			}
		}
		// Sync every header during backfill: Init's loop condition reads
		// flushedHeight() from the on-disk file size, so an unflushed
		// buffered write (the normal catch-up path's Write(hdr, false))
		// would never advance it and the loop would refetch the same
		// height forever.
		s.Write(hdr, true)
	}
	return s.Flush()
}

// truncateFlushed drops all flushed records above height (inclusive of
// height+1 and up), used by Init to back the file up during realignment.
func (s *HeaderStore) truncateFlushed(height int64) error {
	if height < -1 {
		height = -1
	}
	if err := s.file.Truncate((height + 1) * HeaderSize); err != nil {
		return err
	}
	return nil
}

// Read returns the header stored at height, or nil if height is beyond the
// flushed tip.
func (s *HeaderStore) Read(height uint32) (*Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, HeaderSize)
	n, err := s.file.ReadAt(buf, int64(height)*HeaderSize)
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return nil, nil
		}
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("chain: read header %d: %w", height, err)
	}
	if n < HeaderSize {
		return nil, nil
	}
	return DecodeHeader(buf, height)
}

// ReadChunk returns the hex encoding of BlocksPerChunk consecutive headers
// starting at chunk index*BlocksPerChunk. It may be short at the tip.
func (s *HeaderStore) ReadChunk(index int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := BlocksPerChunk * HeaderSize
	buf := make([]byte, size)
	n, err := s.file.ReadAt(buf, int64(index*size))
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("chain: read chunk %d: %w", index, err)
	}
	return hexEncode(buf[:n]), nil
}

// Write appends header to the in-memory pending buffer, recording the
// origin offset on the first write into an empty buffer. It flushes
// immediately if sync is true or the buffer has grown past flushThreshold.
func (s *HeaderStore) Write(header *Header, sync bool) {
	s.mu.Lock()
	if len(s.pending) == 0 {
		info, _ := s.file.Stat()
		s.pendingOffset = info.Size()
	}
	s.pending = append(s.pending, header.Encode()...)
	chunk := int(header.Height) / BlocksPerChunk
	cb := s.onChunkInvalidate
	shouldFlush := sync || len(s.pending) > flushThreshold
	s.mu.Unlock()

	if cb != nil {
		cb(chunk)
	}
	if shouldFlush {
		if err := s.Flush(); err != nil {
			log.Error("Failed to flush header store", "err", err)
		}
	}
}

// Pop removes the last buffered header. It is a no-op once the buffer has
// already been flushed — callers relying on Pop must call it before the
// end-of-step Flush, as CatchUp's revert path does.
func (s *HeaderStore) Pop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) < HeaderSize {
		s.pending = nil
		return
	}
	s.pending = s.pending[:len(s.pending)-HeaderSize]
}

// Flush writes the pending buffer at its recorded offset and clears it.
func (s *HeaderStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	if _, err := s.file.WriteAt(s.pending, s.pendingOffset); err != nil {
		return fmt.Errorf("chain: flush header store: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("chain: sync header store: %w", err)
	}
	s.pending = nil
	return nil
}

// Close flushes and closes the underlying file.
func (s *HeaderStore) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}
