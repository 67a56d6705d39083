// Package txpool implements the minimal in-memory transaction pool
// referenced throughout spec §4.6/§6: a bounded, per-address queue of raw
// transactions waiting to be drained into the next blueprint. It is
// intentionally far smaller than the teacher's core/txpool (no gas
// pricing, no replacement rules) since the kernel, not this node, is the
// arbiter of transaction validity.
package txpool

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/luxfi/evmseq/evmtypes"
)

// ErrAddrLimit is returned when tx_pool_addr_limit distinct senders are
// already tracked and a transaction from a new sender arrives.
var ErrAddrLimit = errors.New("txpool: distinct sender limit reached")

// ErrPerAddrLimit is returned when tx_pool_tx_per_addr_limit transactions
// are already queued for a sender.
var ErrPerAddrLimit = errors.New("txpool: per-sender transaction limit reached")

// Config mirrors the tx_pool_* options enumerated in spec §6.
type Config struct {
	TimeoutLimit    time.Duration
	AddrLimit       int
	TxPerAddrLimit  int
	MaxChunks       int
}

// Entry is one queued raw transaction.
type Entry struct {
	Hash     evmtypes.TxHash
	Raw      []byte
	Sender   string // opaque sender key; the kernel, not this pool, derives real addresses
	queuedAt time.Time
	elem     *list.Element
}

// Pool is a bounded, FIFO-per-sender transaction queue. Transactions are
// drained in overall FIFO arrival order regardless of sender, matching the
// teacher's block_builder draining through txPool.Pending.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	order   *list.List // of *Entry, oldest first
	bySend  map[string]int
	byHash  map[evmtypes.TxHash]*Entry

	signal *sync.Cond
}

// New creates an empty pool.
func New(cfg Config) *Pool {
	p := &Pool{
		cfg:    cfg,
		order:  list.New(),
		bySend: make(map[string]int),
		byHash: make(map[evmtypes.TxHash]*Entry),
	}
	p.signal = sync.NewCond(&p.mu)
	return p
}

// Add enqueues a raw transaction, enforcing the configured per-sender and
// distinct-address limits. Returns the computed hash.
func (p *Pool) Add(sender string, raw []byte) (evmtypes.TxHash, error) {
	hash := evmtypes.TxHash(evmtypes.HashBytes(raw))

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byHash[hash]; exists {
		return hash, nil // idempotent re-submission
	}
	if p.cfg.AddrLimit > 0 {
		if _, tracked := p.bySend[sender]; !tracked && len(p.bySend) >= p.cfg.AddrLimit {
			return evmtypes.TxHash{}, ErrAddrLimit
		}
	}
	if p.cfg.TxPerAddrLimit > 0 && p.bySend[sender] >= p.cfg.TxPerAddrLimit {
		return evmtypes.TxHash{}, ErrPerAddrLimit
	}

	e := &Entry{Hash: hash, Raw: raw, Sender: sender, queuedAt: time.Now()}
	e.elem = p.order.PushBack(e)
	p.byHash[hash] = e
	p.bySend[sender]++
	p.signal.Broadcast()
	return hash, nil
}

// evictExpired drops entries older than TimeoutLimit. Caller holds mu.
func (p *Pool) evictExpired() {
	if p.cfg.TimeoutLimit <= 0 {
		return
	}
	cutoff := time.Now().Add(-p.cfg.TimeoutLimit)
	for e := p.order.Front(); e != nil; {
		next := e.Next()
		entry := e.Value.(*Entry)
		if entry.queuedAt.After(cutoff) {
			break // order list is oldest-first; once we hit a fresh one, stop
		}
		p.removeLocked(entry)
		e = next
	}
}

func (p *Pool) removeLocked(e *Entry) {
	p.order.Remove(e.elem)
	delete(p.byHash, e.Hash)
	p.bySend[e.Sender]--
	if p.bySend[e.Sender] <= 0 {
		delete(p.bySend, e.Sender)
	}
}

// PendingSize reports how many transactions are currently queued.
func (p *Pool) PendingSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evictExpired()
	return p.order.Len()
}

// Drain removes and returns queued transactions in FIFO order, per spec
// §4.6 step 1 ("drain the tx pool, obtaining an ordered list"): all of
// them when maxChunks is zero or negative, otherwise at most maxChunks.
func (p *Pool) Drain(maxChunks int) []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evictExpired()

	out := make([]Entry, 0, p.order.Len())
	for e := p.order.Front(); e != nil; {
		next := e.Next()
		entry := e.Value.(*Entry)
		if maxChunks > 0 && len(out) >= maxChunks {
			break
		}
		out = append(out, *entry)
		p.removeLocked(entry)
		e = next
	}
	return out
}

// Requeue puts entries back at the front of the queue, in their original
// order, used by the producer when applying a blueprint fails and by the
// observer when injecting its pending transactions fails.
func (p *Pool) Requeue(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if _, exists := p.byHash[e.Hash]; exists {
			continue
		}
		ne := &Entry{Hash: e.Hash, Raw: e.Raw, Sender: e.Sender, queuedAt: time.Now()}
		ne.elem = p.order.PushFront(ne)
		p.byHash[ne.Hash] = ne
		p.bySend[ne.Sender]++
	}
	p.signal.Broadcast()
}

// NeedToBuild reports whether any transaction is currently pending.
func (p *Pool) NeedToBuild() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evictExpired()
	return p.order.Len() > 0
}

// Wait blocks until NeedToBuild becomes true or stop is closed, mirroring
// the teacher's pendingSignal.Wait loop in plugin/evm/block_builder.go.
func (p *Pool) Wait(stop <-chan struct{}) {
	done := make(chan struct{})
	go func() {
		select {
		case <-stop:
			p.mu.Lock()
			p.signal.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.order.Len() == 0 {
		select {
		case <-stop:
			return
		default:
		}
		p.signal.Wait()
	}
}
