// Package observer implements the Observer Stream Loop (spec §4.7): a
// client of an upstream sequencer's monotonic blueprint stream that
// reconnects rather than aborting on a gap or stall, per the explicit
// resolution of the source's ambiguous failwith behavior (spec §9).
// Grounded on the teacher's sync/handlers request-retry shape and the
// main_loop -> plain-loop-with-state-variable guidance from spec §9.
package observer

import (
	"context"
	"math/rand"
	"time"

	"github.com/luxfi/evmseq/evmtypes"
	"github.com/luxfi/evmseq/log"
	"github.com/luxfi/evmseq/rollupclient"
	"github.com/luxfi/evmseq/txpool"
)

// reconnectJitterMax is spec §4.7's "uniform random delay in [0, 2s)"
// applied before every reconnect attempt.
const reconnectJitterMax = 2 * time.Second

// Context is the subset of evmcontext.Context the observer depends on.
type Context interface {
	NextBlueprintNumber() evmtypes.Quantity
	ApplyBlueprint(ctx context.Context, payload []byte) error
	QueueDelayedTransaction(tx evmtypes.DelayedTx)
}

// Observer streams blueprints from an upstream endpoint and applies them
// locally, injecting its own pending transactions against the same
// endpoint once caught up.
type Observer struct {
	ctx    Context
	client *rollupclient.Client
	pool   *txpool.Pool
	tbb    *time.Duration // nil means Never; otherwise time_between_blocks

	stop chan struct{}
	done chan struct{}
}

// New creates an Observer. tbb is nil for time_between_blocks=Never.
func New(evmCtx Context, client *rollupclient.Client, pool *txpool.Pool, tbb *time.Duration) *Observer {
	return &Observer{
		ctx:    evmCtx,
		client: client,
		pool:   pool,
		tbb:    tbb,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run streams and applies blueprints until ctx is cancelled or Stop is
// called, reconnecting across stream errors, gaps and stalls.
func (o *Observer) Run(ctx context.Context) {
	defer close(o.done)

	for {
		select {
		case <-o.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		from := o.ctx.NextBlueprintNumber().Uint64()
		streamCtx, cancel := context.WithCancel(ctx)

		idleTimer := o.newIdleTimer(streamCtx, cancel)

		err := o.client.MonitorBlueprints(streamCtx, from, func(bwe evmtypes.BlueprintWithEvents) error {
			idleTimer.reset()
			return o.handleBlueprint(streamCtx, bwe)
		})
		idleTimer.stop()
		cancel()

		if err != nil {
			log.Warn("observer: stream ended, reconnecting", "from", from, "err", err)
		}

		if !o.sleepJitter(ctx) {
			return
		}
	}
}

// Stop requests Run to return and waits for it to do so.
func (o *Observer) Stop() {
	close(o.stop)
	<-o.done
}

// handleBlueprint implements spec §4.7 steps 1-3. A number mismatch
// returns an error, which causes MonitorBlueprints to unwind and Run to
// reconnect from the (unchanged) expected number, rather than aborting
// the process (spec §9's resolved Open Question).
func (o *Observer) handleBlueprint(ctx context.Context, bwe evmtypes.BlueprintWithEvents) error {
	expected := o.ctx.NextBlueprintNumber()
	if bwe.Blueprint.Number.Cmp(expected) != 0 {
		return &gapError{got: bwe.Blueprint.Number, want: expected}
	}

	for _, tx := range bwe.DelayedTransactions {
		o.ctx.QueueDelayedTransaction(tx)
	}
	if err := o.ctx.ApplyBlueprint(ctx, bwe.Blueprint.Payload); err != nil {
		return err
	}

	o.injectPending(ctx)
	return nil
}

// injectPending implements spec §4.7 step 3: pop-and-inject pending
// local transactions against the same upstream endpoint, best-effort.
func (o *Observer) injectPending(ctx context.Context) {
	entries := o.pool.Drain(0)
	if len(entries) == 0 {
		return
	}
	raws := make([][]byte, len(entries))
	for i, e := range entries {
		raws[i] = e.Raw
	}
	if _, err := o.client.InjectBatch(ctx, raws); err != nil {
		log.Warn("observer: failed to inject pending local transactions", "err", err)
		o.pool.Requeue(entries)
	}
}

type gapError struct {
	got, want evmtypes.Quantity
}

func (e *gapError) Error() string {
	return "observer: unexpected blueprint number got " + e.got.String() + " want " + e.want.String()
}

// idleTimer cancels the stream if no blueprint arrives within
// time_between_blocks + 1 second (spec §5's observer idle timeout).
// When time_between_blocks is Never, it never fires.
type idleTimer struct {
	timer *time.Timer
	d     time.Duration
}

func (o *Observer) newIdleTimer(ctx context.Context, cancel context.CancelFunc) *idleTimer {
	if o.tbb == nil {
		return &idleTimer{}
	}
	d := *o.tbb + time.Second
	t := time.AfterFunc(d, func() {
		log.Warn("observer: stream idle timeout, reconnecting")
		cancel()
	})
	return &idleTimer{timer: t, d: d}
}

func (it *idleTimer) reset() {
	if it.timer == nil {
		return
	}
	it.timer.Stop()
	it.timer.Reset(it.d)
}

func (it *idleTimer) stop() {
	if it.timer == nil {
		return
	}
	it.timer.Stop()
}

// sleepJitter sleeps a uniform random delay in [0, 2s) before
// reconnecting, returning false if ctx or stop fired during the sleep.
func (o *Observer) sleepJitter(ctx context.Context) bool {
	d := time.Duration(rand.Int63n(int64(reconnectJitterMax)))
	select {
	case <-time.After(d):
		return true
	case <-o.stop:
		return false
	case <-ctx.Done():
		return false
	}
}
