// Package producer implements the Block Producer in sequencer mode (spec
// §4.6): a cooperative loop, grounded directly on the teacher's
// plugin/evm/block_builder.go (sync.Cond-gated wait, minimum retry
// delay, force timer), that drains the tx pool and the delayed inbox
// into blueprints.
package producer

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/luxfi/evmseq/evmcontext"
	"github.com/luxfi/evmseq/evmtypes"
	"github.com/luxfi/evmseq/log"
	"github.com/luxfi/evmseq/txpool"
)

// TimeBetweenBlocks is spec §6's time_between_blocks: either the producer
// never forces a block (Never), or forces one every Interval.
type TimeBetweenBlocks struct {
	Never    bool
	Interval time.Duration
}

// minBlockBuildingRetryDelay matches the teacher's constant: the minimum
// time to wait after building a block before attempting to build again
// without a forcing signal.
const minBlockBuildingRetryDelay = 500 * time.Millisecond

// Context is the subset of evmcontext.Context the producer depends on.
type Context interface {
	NextBlueprintNumber() evmtypes.Quantity
	CurrentBlockHash() evmtypes.BlockHash
	ApplyAndPublishBlueprint(ctx context.Context, bp evmtypes.Blueprint, pub evmcontext.Enqueuer) error
}

// Producer runs the sequencer's block-building loop.
type Producer struct {
	ctx       Context
	pool      *txpool.Pool
	publisher evmcontext.Enqueuer
	tbb       TimeBetweenBlocks

	lastProducedTime time.Time

	stop chan struct{}
	done chan struct{}
}

// New creates a Producer.
func New(evmCtx Context, pool *txpool.Pool, pub evmcontext.Enqueuer, tbb TimeBetweenBlocks) *Producer {
	return &Producer{
		ctx:       evmCtx,
		pool:      pool,
		publisher: pub,
		tbb:       tbb,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run implements the loop from spec §4.6. It returns when ctx is
// cancelled or Stop is called; when time_between_blocks is Never it
// produces nothing and only waits for one of those.
func (p *Producer) Run(ctx context.Context) {
	defer close(p.done)

	if p.tbb.Never {
		select {
		case <-p.stop:
		case <-ctx.Done():
		}
		return
	}

	for {
		force, err := p.waitForWork(ctx)
		if err != nil {
			return // context cancelled or stopped
		}

		now := time.Now()
		n, err := p.produceBlock(ctx, force, now)
		if err != nil {
			log.Error("producer: produce_block failed", "err", err)
		}
		if n > 0 || force {
			p.lastProducedTime = now
		}

		select {
		case <-time.After(500 * time.Millisecond):
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop requests Run to return and waits for it to do so.
func (p *Producer) Stop() {
	close(p.stop)
	<-p.done
}

// waitForWork blocks until either the tx pool has pending work or the
// force timer (now - last_produced_time >= interval) fires.
func (p *Producer) waitForWork(ctx context.Context) (force bool, err error) {
	if p.lastProducedTime.IsZero() {
		p.lastProducedTime = time.Now()
	}
	deadline := p.lastProducedTime.Add(p.tbb.Interval)

	notify := make(chan struct{})
	go func() {
		p.pool.Wait(p.stop)
		close(notify)
	}()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-notify:
		if time.Since(p.lastProducedTime) >= minBlockBuildingRetryDelay {
			return false, nil
		}
		select {
		case <-time.After(minBlockBuildingRetryDelay - time.Since(p.lastProducedTime)):
			return false, nil
		case <-p.stop:
			return false, fmt.Errorf("producer: stopped")
		case <-ctx.Done():
			return false, ctx.Err()
		}
	case <-timer.C:
		return true, nil
	case <-p.stop:
		return false, fmt.Errorf("producer: stopped")
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// produceBlock implements spec §4.6's produce_block(force, ts).
func (p *Producer) produceBlock(ctx context.Context, force bool, ts time.Time) (int, error) {
	entries := p.pool.Drain(0)
	if len(entries) == 0 && !force {
		return 0, nil
	}

	payload := encodeTransactions(entries)
	bp := evmtypes.Blueprint{
		Number:     p.ctx.NextBlueprintNumber(),
		Timestamp:  ts.Unix(),
		Payload:    payload,
		ParentHash: p.ctx.CurrentBlockHash(),
	}

	if err := p.ctx.ApplyAndPublishBlueprint(ctx, bp, p.publisher); err != nil {
		// Kernel rejection: re-queue everything for the next attempt
		// rather than silently dropping sequencer-submitted work.
		p.pool.Requeue(entries)
		return 0, err
	}
	return len(entries), nil
}

// encodeTransactions serializes drained entries into one blueprint
// payload: a count followed by length-prefixed raw transactions, the
// kernel's only contract with this node being that it can parse its own
// wire format back out again.
func encodeTransactions(entries []txpool.Entry) []byte {
	buf := make([]byte, 4, 4+len(entries)*64)
	binary.BigEndian.PutUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e.Raw)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, e.Raw...)
	}
	return buf
}
