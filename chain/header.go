package chain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// HeaderSize is the fixed wire size of a serialized Header: version(4) +
// prev_block_hash(32) + merkle_root(32) + claim_trie_root(32) + timestamp(4)
// + bits(4) + nonce(4).
const HeaderSize = 112

// Header is a parsed block header. Height is not part of the wire encoding;
// it is implied by the header's position in the HeaderStore file (byte
// offset height*HeaderSize), the way the reference daemon lays out its flat
// header log.
type Header struct {
	Height        uint32
	Version       uint32
	PrevBlockHash [32]byte
	MerkleRoot    [32]byte
	ClaimTrieRoot [32]byte
	Timestamp     uint32
	Bits          uint32
	Nonce         uint32
}

// Encode serializes the header using the daemon's fixed-width wire encoding.
// Height is excluded: it is recovered from the record's offset in the header
// file, not from the bytes themselves.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Version)
	copy(buf[4:36], h.PrevBlockHash[:])
	copy(buf[36:68], h.MerkleRoot[:])
	copy(buf[68:100], h.ClaimTrieRoot[:])
	binary.LittleEndian.PutUint32(buf[100:104], h.Timestamp)
	binary.LittleEndian.PutUint32(buf[104:108], h.Bits)
	binary.LittleEndian.PutUint32(buf[108:112], h.Nonce)
	return buf
}

// DecodeHeader parses a fixed HeaderSize-byte wire record into a Header. The
// height is supplied by the caller (HeaderStore knows it from the read
// offset); it is not present in buf.
func DecodeHeader(buf []byte, height uint32) (*Header, error) {
	if len(buf) != HeaderSize {
		return nil, fmt.Errorf("chain: short header record: got %d bytes, want %d", len(buf), HeaderSize)
	}
	h := &Header{Height: height}
	h.Version = binary.LittleEndian.Uint32(buf[0:4])
	copy(h.PrevBlockHash[:], buf[4:36])
	copy(h.MerkleRoot[:], buf[36:68])
	copy(h.ClaimTrieRoot[:], buf[68:100])
	h.Timestamp = binary.LittleEndian.Uint32(buf[100:104])
	h.Bits = binary.LittleEndian.Uint32(buf[104:108])
	h.Nonce = binary.LittleEndian.Uint32(buf[108:112])
	return h, nil
}

// Hash returns the double-SHA256 of the serialized header, reversed and
// hex-encoded, matching the daemon's block-hash display convention.
func (h *Header) Hash() string {
	return DoubleSHA256Reversed(h.Encode())
}

// DoubleSHA256Reversed double-hashes buf and returns the byte-reversed hex
// string, the convention used throughout the UTXO-chain family for
// displaying block and transaction hashes.
func DoubleSHA256Reversed(buf []byte) string {
	first := sha256.Sum256(buf)
	second := sha256.Sum256(first[:])
	reversed := make([]byte, len(second))
	for i, b := range second {
		reversed[len(second)-1-i] = b
	}
	return hex.EncodeToString(reversed)
}

// PrevBlockHashHex returns the reversed-hex encoding of PrevBlockHash, in the
// same display convention as Hash.
func (h *Header) PrevBlockHashHex() string {
	return reverseHex(h.PrevBlockHash[:])
}

func reverseHex(b []byte) string {
	reversed := make([]byte, len(b))
	for i, v := range b {
		reversed[len(b)-1-i] = v
	}
	return hex.EncodeToString(reversed)
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// SHA256Hex returns a single plain SHA-256 hash of buf, hex-encoded with no
// byte reversal. This is the address-status convention (spec.md §4.6
// get_status), distinct from DoubleSHA256Reversed's block/tx-hash display
// convention.
func SHA256Hex(buf []byte) string {
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// MerkleParentHash computes one Merkle tree parent node from two sibling
// hashes given in the chain's standard reversed-hex display form: each is
// hex-decoded and byte-reversed back to internal order, concatenated, and
// double-SHA256'd, and the digest is reversed and hex-encoded back to
// display form, mirroring Hash/PrevBlockHashHex's convention.
func MerkleParentHash(leftHex, rightHex string) (string, error) {
	left, err := hex.DecodeString(leftHex)
	if err != nil {
		return "", fmt.Errorf("chain: bad merkle hash %q: %w", leftHex, err)
	}
	right, err := hex.DecodeString(rightHex)
	if err != nil {
		return "", fmt.Errorf("chain: bad merkle hash %q: %w", rightHex, err)
	}
	buf := append(reverseBytes(left), reverseBytes(right)...)
	first := sha256.Sum256(buf)
	second := sha256.Sum256(first[:])
	return reverseHex(second[:]), nil
}
