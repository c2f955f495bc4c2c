// Package subscribe implements the per-subscription-kind registries and
// invalidation-driven notification fan-out described in spec.md §4.5.
package subscribe

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
)

// SessionID is an opaque handle for a subscribed session. The hub never
// holds a reference to the session itself (spec.md §9 "cyclic reference
// risk") — only this id, which the Bus resolves back to a real connection.
type SessionID string

// Bus is the minimal surface the hub needs from the transport layer
// (SessionBus, out of scope per spec.md §1): deliver one notification to
// one session.
type Bus interface {
	Notify(session SessionID, method string, params any)
}

// addressQueueCapacity bounds the address_queue described in spec.md §5.
const addressQueueCapacity = 4096

// addressJob is one (address, captured session list) entry on the address
// queue.
type addressJob struct {
	addr     string
	sessions []SessionID
}

// Hub holds the three watch registries behind a single lock (watch_lock in
// spec.md §5) plus the address notification queue. HeightFeed/HeaderFeed
// additionally let in-process Go subscribers (metrics, tests) observe tip
// changes via the standard event.Feed pattern the teacher stack uses
// throughout core/blockchain_reader.go, independent of the session-based
// registries.
type Hub struct {
	mu               sync.Mutex
	watchBlocks      []SessionID
	watchHeaders     []SessionID
	watchedAddresses map[string][]SessionID

	bus   Bus
	addrQ chan addressJob

	HeightFeed event.Feed
	HeaderFeed event.Feed
}

func New(bus Bus) *Hub {
	return &Hub{
		watchedAddresses: make(map[string][]SessionID),
		bus:              bus,
		addrQ:            make(chan addressJob, addressQueueCapacity),
	}
}

// SetBus rewires the hub's transport after construction, for the common
// wiring order where the transport itself needs a reference to the hub
// (e.g. to unsubscribe a session on disconnect).
func (h *Hub) SetBus(bus Bus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bus = bus
}

func contains(list []SessionID, s SessionID) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remove(list []SessionID, s SessionID) ([]SessionID, int) {
	out := list[:0:0]
	removed := 0
	for _, v := range list {
		if v == s {
			removed++
			continue
		}
		out = append(out, v)
	}
	return out, removed
}

// SubscribeBlocks adds session to watch_blocks. Idempotent.
func (h *Hub) SubscribeBlocks(session SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !contains(h.watchBlocks, session) {
		h.watchBlocks = append(h.watchBlocks, session)
	}
}

// UnsubscribeBlocks removes session from watch_blocks. No-op if absent.
func (h *Hub) UnsubscribeBlocks(session SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.watchBlocks, _ = remove(h.watchBlocks, session)
}

func (h *Hub) SubscribeHeaders(session SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !contains(h.watchHeaders, session) {
		h.watchHeaders = append(h.watchHeaders, session)
	}
}

func (h *Hub) UnsubscribeHeaders(session SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.watchHeaders, _ = remove(h.watchHeaders, session)
}

// SubscribeAddress adds session to addr's watcher list. Idempotent.
func (h *Hub) SubscribeAddress(addr string, session SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.watchedAddresses[addr]
	if !contains(list, session) {
		h.watchedAddresses[addr] = append(list, session)
	}
}

// UnsubscribeAddress removes session from addr's watcher list. A session
// found more than once after a single removal pass is a programming-error
// signal (spec.md §4.5): log and initiate shutdown rather than silently
// dedup it away.
func (h *Hub) UnsubscribeAddress(addr string, session SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list, removed := remove(h.watchedAddresses[addr], session)
	if removed > 1 {
		log.Crit("Session appeared more than once in watched-addresses list", "addr", addr, "session", session, "count", removed)
	}
	if len(list) == 0 {
		delete(h.watchedAddresses, addr)
	} else {
		h.watchedAddresses[addr] = list
	}
}

// NotifyHeightChanged pushes a height-change notification to every
// watch_blocks session and fires HeightFeed for in-process subscribers.
func (h *Hub) NotifyHeightChanged(height int64) {
	h.mu.Lock()
	sessions := append([]SessionID(nil), h.watchBlocks...)
	h.mu.Unlock()

	for _, s := range sessions {
		h.bus.Notify(s, "blockchain.numblocks.subscribe", []any{height})
	}
	h.HeightFeed.Send(height)
}

// NotifyHeaderChanged pushes a header-change notification to every
// watch_headers session and fires HeaderFeed for in-process subscribers.
func (h *Hub) NotifyHeaderChanged(header any) {
	h.mu.Lock()
	sessions := append([]SessionID(nil), h.watchHeaders...)
	h.mu.Unlock()

	for _, s := range sessions {
		h.bus.Notify(s, "blockchain.headers.subscribe", header)
	}
	h.HeaderFeed.Send(header)
}

// EnqueueAddress captures addr's current session list and pushes it onto
// the address queue. It is the producer side described in spec.md §5
// ("producer is invalidate_cache"); it never blocks — a full queue drops
// the job, matching the bounded-MPSC-with-best-effort-delivery contract
// (a later invalidation of the same address will retry the notification).
func (h *Hub) EnqueueAddress(addr string) {
	h.mu.Lock()
	sessions := append([]SessionID(nil), h.watchedAddresses[addr]...)
	h.mu.Unlock()
	if len(sessions) == 0 {
		return
	}
	select {
	case h.addrQ <- addressJob{addr: addr, sessions: sessions}:
	default:
		log.Warn("Address notification queue full, dropping", "addr", addr)
	}
}

// DrainAddresses processes every currently-queued address job
// non-blockingly, calling getStatus once per address and pushing the
// result to every captured session (spec.md §4.5's main_iteration step).
func (h *Hub) DrainAddresses(getStatus func(addr string) (string, error)) {
	for {
		select {
		case job := <-h.addrQ:
			status, err := getStatus(job.addr)
			if err != nil {
				log.Error("Failed to compute address status", "addr", job.addr, "err", err)
				continue
			}
			for _, s := range job.sessions {
				h.bus.Notify(s, "blockchain.address.subscribe", []any{job.addr, status})
			}
		default:
			return
		}
	}
}

// String helps log statements render a SessionID without a type assertion.
func (s SessionID) String() string { return fmt.Sprintf("session(%s)", string(s)) }
