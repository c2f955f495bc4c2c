// Package bus is the demo SessionBus (spec.md §1's out-of-scope transport
// layer): an HTTP+WebSocket JSON-RPC front end sufficient to exercise
// CommandRouter and SubscriptionHub end-to-end.
package bus

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/benywan/ddcsum-server/rpcsrv"
	"github.com/benywan/ddcsum-server/subscribe"
)

// deferRetryDelay is how long a DEFERRED request waits before its retry is
// pushed back onto the queue, so a persistent cache miss doesn't spin the
// worker goroutine.
const deferRetryDelay = 50 * time.Millisecond

// item is one request_queue entry (spec.md §5): a request bound to a
// session, plus how to deliver its eventual response.
type item struct {
	session subscribe.SessionID
	req     *rpcsrv.Request
	respond func(*rpcsrv.Response)
}

// Queue is the request_queue described in spec.md §5: a FIFO the transport
// pushes requests onto; a single goroutine dispatches them through
// CommandRouter and re-enqueues at the tail anything the router defers.
type Queue struct {
	items chan item
}

// NewQueue builds a Queue with the given buffer capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{items: make(chan item, capacity)}
}

// push enqueues an item, blocking if the queue is full (back-pressure on the
// transport is preferable to dropping a request silently).
func (q *Queue) push(it item) {
	q.items <- it
}

// Push enqueues req for session; respond is called exactly once, with the
// final (non-deferred) response.
func (q *Queue) Push(session subscribe.SessionID, req *rpcsrv.Request, respond func(*rpcsrv.Response)) {
	q.push(item{session: session, req: req, respond: respond})
}

// Run drains the queue until ctx is done, dispatching each item through
// router and re-enqueueing DEFERRED ones after deferRetryDelay.
func (q *Queue) Run(ctx context.Context, router *rpcsrv.Router) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-q.items:
			resp, deferred := router.Dispatch(ctx, it.session, it.req)
			if deferred {
				time.AfterFunc(deferRetryDelay, func() { q.push(it) })
				continue
			}
			if resp.Error != "" {
				log.Debug("Command failed", "method", it.req.Method, "err", resp.Error)
			}
			it.respond(resp)
		}
	}
}
