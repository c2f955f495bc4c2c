package subscribe

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeBus struct {
	mu    sync.Mutex
	calls []struct {
		session SessionID
		method  string
		params  any
	}
}

func (b *fakeBus) Notify(session SessionID, method string, params any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, struct {
		session SessionID
		method  string
		params  any
	}{session, method, params})
}

func TestSubscribeBlocksIsIdempotent(t *testing.T) {
	h := New(&fakeBus{})
	h.SubscribeBlocks("s1")
	h.SubscribeBlocks("s1")
	assert.Len(t, h.watchBlocks, 1)
}

func TestUnsubscribeBlocksRemovesSession(t *testing.T) {
	h := New(&fakeBus{})
	h.SubscribeBlocks("s1")
	h.UnsubscribeBlocks("s1")
	assert.Empty(t, h.watchBlocks)
}

func TestNotifyHeightChangedReachesSubscribedSessions(t *testing.T) {
	bus := &fakeBus{}
	h := New(bus)
	h.SubscribeBlocks("s1")

	h.NotifyHeightChanged(100)

	require := assert.New(t)
	require.Len(bus.calls, 1)
	require.Equal(SessionID("s1"), bus.calls[0].session)
	require.Equal("blockchain.numblocks.subscribe", bus.calls[0].method)
}

func TestSetBusRewiresTransport(t *testing.T) {
	h := New(nil)
	h.SubscribeBlocks("s1")

	bus := &fakeBus{}
	h.SetBus(bus)
	h.NotifyHeightChanged(1)

	assert.Len(t, bus.calls, 1)
}

func TestEnqueueAndDrainAddresses(t *testing.T) {
	bus := &fakeBus{}
	h := New(bus)
	h.SubscribeAddress("addr1", "s1")

	h.EnqueueAddress("addr1")
	h.DrainAddresses(func(addr string) (string, error) { return "status-" + addr, nil })

	require := assert.New(t)
	require.Len(bus.calls, 1)
	require.Equal("blockchain.address.subscribe", bus.calls[0].method)
	require.Equal([]any{"addr1", "status-addr1"}, bus.calls[0].params)
}

func TestEnqueueAddressWithNoSubscribersIsNoop(t *testing.T) {
	bus := &fakeBus{}
	h := New(bus)
	h.EnqueueAddress("unwatched")
	h.DrainAddresses(func(addr string) (string, error) { return "x", nil })
	assert.Empty(t, bus.calls)
}

func TestDrainAddressesSkipsOnStatusError(t *testing.T) {
	bus := &fakeBus{}
	h := New(bus)
	h.SubscribeAddress("addr1", "s1")
	h.EnqueueAddress("addr1")

	h.DrainAddresses(func(addr string) (string, error) { return "", assert.AnError })

	assert.Empty(t, bus.calls)
}
