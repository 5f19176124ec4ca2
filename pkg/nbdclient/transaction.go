package nbdclient

import (
	"context"
	"sync"
)

// transaction tracks one in-flight request from the moment it is sent
// until its final reply arrives, equivalent to nbd-standalone.c's
// struct transaction. Where the C version is a linked list node walked
// under trans_lock, this uses a map keyed by cookie guarded by the same
// lock, which is the idiomatic Go equivalent of the same lookup.
type transaction struct {
	cookie uint64

	// done is closed exactly once, when the transaction's terminal
	// reply has been demultiplexed. It is the Go analogue of the C
	// struct's per-transaction semaphore.
	done chan struct{}

	// buf is the caller-supplied destination for read data; nil for
	// requests that carry no reply payload.
	buf []byte

	// offset/count describe the byte range this transaction's reply
	// payload must fall within, and anchor extents accounting.
	offset uint64
	count  uint32

	// err accumulates the first non-success error seen across
	// structured reply chunks, replayed on the terminal chunk even if
	// that chunk itself reports success (nbd_reply_raw's "preserve an
	// error in any earlier chunk for replay during the final chunk").
	err error

	// extents is non-nil only for NBD_CMD_BLOCK_STATUS transactions.
	extents *ExtentsSink

	// result is set once done is closed, and is what wait returns.
	result error
}

func newTransaction(cookie uint64, buf []byte, offset uint64, count uint32, extents *ExtentsSink) *transaction {
	return &transaction{
		cookie:  cookie,
		done:    make(chan struct{}),
		buf:     buf,
		offset:  offset,
		count:   count,
		extents: extents,
	}
}

// complete is called by the reader goroutine exactly once per
// transaction, on its terminal reply, unblocking any wait caller.
func (t *transaction) complete(err error) {
	t.result = err
	close(t.done)
}

// wait blocks until complete has been called or ctx is done, whichever
// comes first. A context cancellation does not stop the server from
// eventually replying, and the transaction stays registered: the reply,
// when it arrives, is still demultiplexed into it (read data included)
// and its result goes unobserved.
func (t *transaction) wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.result
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transactionTable is the map-based equivalent of h->trans plus
// h->trans_lock plus h->unique in nbd-standalone.c.
type transactionTable struct {
	mu      sync.Mutex
	byID    map[uint64]*transaction
	nextID  uint64
	dead    bool
	deadErr error
}

func newTransactionTable() *transactionTable {
	return &transactionTable{byID: make(map[uint64]*transaction)}
}

// register allocates a cookie and adds trans to the table, mirroring
// nbd_request_full's critical section. It returns an error if the
// connection has already been marked dead.
func (tt *transactionTable) register(buf []byte, offset uint64, count uint32, extents *ExtentsSink) (*transaction, error) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.dead {
		return nil, tt.deadErr
	}
	cookie := tt.nextID
	tt.nextID++
	trans := newTransaction(cookie, buf, offset, count, extents)
	tt.byID[cookie] = trans
	return trans, nil
}

// lookup finds the transaction for cookie, removing it from the table
// when remove is true (a terminal reply), matching
// find_trans_by_cookie(h, cookie, remove).
func (tt *transactionTable) lookup(cookie uint64, remove bool) *transaction {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	trans, ok := tt.byID[cookie]
	if !ok {
		return nil
	}
	if remove {
		delete(tt.byID, cookie)
	}
	return trans
}

// unregister removes a transaction without waiting for a reply, used
// when the request's write half fails outright (the server never saw
// it, so no reply will ever arrive for its cookie).
func (tt *transactionTable) unregister(cookie uint64) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	delete(tt.byID, cookie)
}

// markDead flags the table dead and drains every outstanding
// transaction with a shutdown error derived from err, equivalent to
// nbd_reader's post-loop cleanup of stranded transactions plus
// nbd_mark_dead's h->dead = true and its rewrite of every waiter's
// result to NBD_ESHUTDOWN.
func (tt *transactionTable) markDead(err error) error {
	tt.mu.Lock()
	if tt.dead {
		deadErr := tt.deadErr
		tt.mu.Unlock()
		return deadErr
	}
	tt.dead = true
	tt.deadErr = shutdown(err)
	deadErr := tt.deadErr
	stranded := tt.byID
	tt.byID = make(map[uint64]*transaction)
	tt.mu.Unlock()

	for _, trans := range stranded {
		trans.complete(deadErr)
	}
	return deadErr
}

func (tt *transactionTable) isDead() (bool, error) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.dead, tt.deadErr
}
