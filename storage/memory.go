package storage

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-memory Storage fake. It is not an authenticated trie —
// GetRootHash returns a deterministic fingerprint of the UTXO set and claim
// records (the stored height is not part of it),
// sufficient to exercise the round-trip (apply;revert) invariant in tests
// without depending on the real embedded KV/trie backend (out of scope per
// spec.md §1).
type Memory struct {
	mu sync.Mutex

	height   int64
	lastHash string

	history map[string][]HistEntry
	utxos   map[Outpoint]UTXO
	utxoAddr map[Outpoint]string

	claims     map[string]ClaimRecord
	nameClaims map[string][]string // name -> claim ids in insertion order
	signedBy   map[string][]string // certificate id -> claim ids it signed

	undoInfo      map[int64][]UndoRecord
	undoClaimInfo map[int64][]UndoRecord
}

// NewMemory returns an empty in-memory Storage fake at height -1 (no
// blocks applied).
func NewMemory() *Memory {
	return &Memory{
		height:        -1,
		history:       make(map[string][]HistEntry),
		utxos:         make(map[Outpoint]UTXO),
		utxoAddr:      make(map[Outpoint]string),
		claims:        make(map[string]ClaimRecord),
		nameClaims:    make(map[string][]string),
		signedBy:      make(map[string][]string),
		undoInfo:      make(map[int64][]UndoRecord),
		undoClaimInfo: make(map[int64][]UndoRecord),
	}
}

func (m *Memory) Height(context.Context) (int64, error)     { m.mu.Lock(); defer m.mu.Unlock(); return m.height, nil }
func (m *Memory) LastHash(context.Context) (string, error)  { m.mu.Lock(); defer m.mu.Unlock(); return m.lastHash, nil }
func (m *Memory) SaveHeight(_ context.Context, hash string, height int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastHash = hash
	m.height = height
	return nil
}

func (m *Memory) GetRootHash(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rootHashLocked(), nil
}

func (m *Memory) rootHashLocked() string {
	h := sha256.New()
	var buf [8]byte

	keys := make([]string, 0, len(m.utxos))
	for k := range m.utxos {
		keys = append(keys, outpointKey(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		op := parseOutpointKey(k)
		u := m.utxos[op]
		h.Write([]byte(k))
		binary.LittleEndian.PutUint64(buf[:], uint64(u.Value))
		h.Write(buf[:])
	}

	claimIDs := make([]string, 0, len(m.claims))
	for id := range m.claims {
		claimIDs = append(claimIDs, id)
	}
	sort.Strings(claimIDs)
	for _, id := range claimIDs {
		c := m.claims[id]
		h.Write([]byte(id))
		h.Write(c.Value)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func outpointKey(o Outpoint) string { return fmt.Sprintf("%s:%d", o.TxHash, o.N) }
func parseOutpointKey(k string) Outpoint {
	var o Outpoint
	fmt.Sscanf(k, "%[^:]:%d", &o.TxHash, &o.N)
	return o
}

func (m *Memory) GetHistory(_ context.Context, addr string) ([]HistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HistEntry, len(m.history[addr]))
	copy(out, m.history[addr])
	return out, nil
}

func (m *Memory) GetBalance(_ context.Context, addr string) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var confirmed int64
	for op, u := range m.utxos {
		if addrOf, ok := m.utxoAddr[op]; ok && addrOf == addr {
			confirmed += u.Value
		}
	}
	return confirmed, 0, nil
}

func (m *Memory) setUTXOAddr(op Outpoint, addr string) {
	if m.utxoAddr == nil {
		m.utxoAddr = make(map[Outpoint]string)
	}
	m.utxoAddr[op] = addr
}

func (m *Memory) GetProof(context.Context, string) ([]byte, error) { return nil, nil }

func (m *Memory) ListUnspent(_ context.Context, addr string) ([]UTXO, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []UTXO
	for op, u := range m.utxos {
		if addrOf, ok := m.utxoAddr[op]; ok && addrOf == addr {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *Memory) GetAddress(_ context.Context, outpoint Outpoint) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.utxoAddr[outpoint], nil
}

func (m *Memory) GetUTXOValue(_ context.Context, addr string, outpoint Outpoint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.utxos[outpoint]
	if !ok || m.utxoAddr[outpoint] != addr {
		return 0, fmt.Errorf("storage: utxo not found")
	}
	return u.Value, nil
}

type txUndo struct {
	TxID             string
	Height           int64
	RemovedUTXOs     []undoUTXO
	AddedOutpoints   []Outpoint
	TouchedAddresses []string
}

type undoUTXO struct {
	Outpoint Outpoint
	Addr     string
	Value    int64
	Height   int64
}

func (m *Memory) ImportTransaction(_ context.Context, tx *ParsedTx, height int64) (UndoRecord, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	touchedSet := map[string]bool{}
	u := txUndo{TxID: tx.TxID, Height: height}

	for _, in := range tx.Inputs {
		if in.PrevoutHash == "" {
			continue // coinbase
		}
		op := Outpoint{TxHash: in.PrevoutHash, N: in.PrevoutN}
		utxo, ok := m.utxos[op]
		if !ok {
			continue
		}
		addr := m.utxoAddr[op]
		u.RemovedUTXOs = append(u.RemovedUTXOs, undoUTXO{Outpoint: op, Addr: addr, Value: utxo.Value, Height: utxo.Height})
		delete(m.utxos, op)
		delete(m.utxoAddr, op)
		if addr != "" {
			touchedSet[addr] = true
		}
	}

	for i, out := range tx.Outputs {
		if out.Address == nil {
			continue
		}
		op := Outpoint{TxHash: tx.TxID, N: uint32(i)}
		m.utxos[op] = UTXO{Outpoint: op, Value: out.Value, Height: height}
		m.setUTXOAddr(op, *out.Address)
		u.AddedOutpoints = append(u.AddedOutpoints, op)
		touchedSet[*out.Address] = true
	}

	for addr := range touchedSet {
		m.history[addr] = append(m.history[addr], HistEntry{TxHash: tx.TxID, Height: height})
		u.TouchedAddresses = append(u.TouchedAddresses, addr)
	}

	raw, err := json.Marshal(u)
	if err != nil {
		return nil, nil, err
	}
	touched := make([]string, 0, len(touchedSet))
	for a := range touchedSet {
		touched = append(touched, a)
	}
	return raw, touched, nil
}

func (m *Memory) RevertTransaction(_ context.Context, tx *ParsedTx, undo UndoRecord) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var u txUndo
	if err := json.Unmarshal(undo, &u); err != nil {
		return nil, fmt.Errorf("storage: bad undo record: %w", err)
	}

	for _, op := range u.AddedOutpoints {
		delete(m.utxos, op)
		delete(m.utxoAddr, op)
	}
	for _, ru := range u.RemovedUTXOs {
		m.utxos[ru.Outpoint] = UTXO{Outpoint: ru.Outpoint, Value: ru.Value, Height: ru.Height}
		m.setUTXOAddr(ru.Outpoint, ru.Addr)
	}
	for _, addr := range u.TouchedAddresses {
		entries := m.history[addr]
		for i := len(entries) - 1; i >= 0; i-- {
			if entries[i].TxHash == u.TxID {
				entries = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		m.history[addr] = entries
	}
	return u.TouchedAddresses, nil
}

type claimUndo struct {
	AddedClaimIDs []string
	Name          string
}

func (m *Memory) ImportClaimTransaction(_ context.Context, tx *ParsedTx, height int64) (UndoRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var added []string
	var name string
	for i, out := range tx.Outputs {
		if !out.IsClaim {
			continue
		}
		claimID := fmt.Sprintf("%s:%d", tx.TxID, i)
		addr := ""
		if out.Address != nil {
			addr = *out.Address
		}
		rec := ClaimRecord{
			ClaimID:  claimID,
			Name:     out.ClaimName,
			Value:    out.ClaimValue,
			Height:   height,
			Address:  addr,
			Amount:   out.Value,
			Outpoint: Outpoint{TxHash: tx.TxID, N: uint32(i)},
		}
		m.claims[claimID] = rec
		m.nameClaims[out.ClaimName] = append(m.nameClaims[out.ClaimName], claimID)
		added = append(added, claimID)
		name = out.ClaimName
	}
	if len(added) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(claimUndo{AddedClaimIDs: added, Name: name})
	return raw, err
}

func (m *Memory) RevertClaimTransaction(_ context.Context, tx *ParsedTx, undo UndoRecord) error {
	if len(undo) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var u claimUndo
	if err := json.Unmarshal(undo, &u); err != nil {
		return fmt.Errorf("storage: bad claim undo record: %w", err)
	}
	for _, id := range u.AddedClaimIDs {
		delete(m.claims, id)
	}
	list := m.nameClaims[u.Name]
	// Trim the trailing entries that were added by this tx.
	n := len(u.AddedClaimIDs)
	if n > 0 && len(list) >= n {
		m.nameClaims[u.Name] = list[:len(list)-n]
	}
	return nil
}

func (m *Memory) GetUndoInfo(_ context.Context, height int64) ([]UndoRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.undoInfo[height], nil
}
func (m *Memory) GetUndoClaimInfo(_ context.Context, height int64) ([]UndoRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.undoClaimInfo[height], nil
}
func (m *Memory) WriteUndoInfo(_ context.Context, height int64, undo []UndoRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undoInfo[height] = undo
	return nil
}
func (m *Memory) WriteUndoClaimInfo(_ context.Context, height int64, undo []UndoRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undoClaimInfo[height] = undo
	return nil
}

func (m *Memory) UpdateHashes(context.Context) error { return nil }
func (m *Memory) BatchWrite(context.Context) error   { return nil }
func (m *Memory) Close() error                       { return nil }

func (m *Memory) GetClaimName(_ context.Context, claimID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claims[claimID].Name, nil
}
func (m *Memory) GetClaimValue(_ context.Context, claimID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claims[claimID].Value, nil
}
func (m *Memory) GetClaimHeight(_ context.Context, claimID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[claimID]
	if !ok {
		return 0, fmt.Errorf("storage: unknown claim %s", claimID)
	}
	return c.Height, nil
}
func (m *Memory) GetClaimAddress(_ context.Context, claimID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claims[claimID].Address, nil
}

func (m *Memory) GetOutpointFromClaimID(_ context.Context, claimID string) (Outpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[claimID]
	if !ok {
		return Outpoint{}, fmt.Errorf("storage: unknown claim %s", claimID)
	}
	return c.Outpoint, nil
}

func (m *Memory) GetClaimIDFromOutpoint(_ context.Context, outpoint Outpoint) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.claims {
		if c.Outpoint == outpoint {
			return id, nil
		}
	}
	return "", fmt.Errorf("storage: no claim at outpoint %v", outpoint)
}

func (m *Memory) GetNForNameAndClaimID(_ context.Context, name, claimID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range m.nameClaims[name] {
		if id == claimID {
			return i, nil
		}
	}
	return -1, fmt.Errorf("storage: claim %s not found for name %s", claimID, name)
}

func (m *Memory) GetClaimIDForNthClaimToName(_ context.Context, name string, n int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.nameClaims[name]
	if n < 0 || n >= len(list) {
		return "", fmt.Errorf("storage: no %dth claim for name %s", n, name)
	}
	return list[n], nil
}

func (m *Memory) GetClaimsSignedBy(_ context.Context, certificateID string) ([]ClaimRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ClaimRecord
	for _, id := range m.signedBy[certificateID] {
		rec := m.claims[id]
		rec.ClaimID = id
		out = append(out, rec)
	}
	return out, nil
}

// SignClaim records that claimID was signed by certificateID, populating
// the signed-by index that GetClaimsSignedBy reads. ImportClaimTransaction
// does not call it, so the index holds only what SignClaim has recorded.
func (m *Memory) SignClaim(certificateID, claimID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signedBy[certificateID] = append(m.signedBy[certificateID], claimID)
}
