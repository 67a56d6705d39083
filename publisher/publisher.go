// Package publisher implements the Blueprints Publisher (spec §4.4): a
// long-running worker guaranteeing eventual injection of every committed
// blueprint into the L1 rollup inbox, with a lag bound, catch-up mode,
// and crash-safe resume. Grounded on the teacher's warp backend worker
// shape (a queue drained by one background goroutine) and on
// common/backoff's randomized-jitter retry, generalized to
// cenkalti/backoff/v5.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/luxfi/evmseq/log"
	"github.com/luxfi/evmseq/rollupclient"
	"github.com/luxfi/evmseq/sqlindex"
)

// Config mirrors the publisher's configuration surface from spec §4.4/§6.
type Config struct {
	MaxBlueprintsLag      uint64
	MaxBlueprintsCatchup  uint64
	CatchupCooldown       time.Duration
}

// ErrFatal wraps a permanent (non-retryable) publish failure, surfaced to
// the caller as a fatal condition per spec §4.4's failure model.
var ErrFatal = errors.New("publisher: permanent failure")

// Index is the subset of sqlindex.Index the publisher depends on.
type Index interface {
	Blueprint(ctx context.Context, number uint64) (sqlindex.BlueprintRecord, bool, error)
	LoadPublisherState(ctx context.Context) (sqlindex.PublisherState, error)
	SavePublisherState(ctx context.Context, st sqlindex.PublisherState) error
}

// Publisher drains committed blueprints to the rollup node in order.
type Publisher struct {
	cfg    Config
	client *rollupclient.Client
	index  Index

	queue chan queuedBlueprint

	stop chan struct{}
	done chan struct{}

	fatal chan error
}

type queuedBlueprint struct {
	number  uint64
	payload []byte
}

// New creates a Publisher. queueSize bounds how many not-yet-flushed
// Enqueue calls can be buffered before Enqueue blocks, preserving
// enqueue order == commit order (spec §5).
func New(cfg Config, client *rollupclient.Client, index Index, queueSize int) *Publisher {
	if cfg.CatchupCooldown <= 0 {
		cfg.CatchupCooldown = 60 * time.Second
	}
	return &Publisher{
		cfg:    cfg,
		client: client,
		index:  index,
		queue:  make(chan queuedBlueprint, queueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		fatal:  make(chan error, 1),
	}
}

// Enqueue implements EvmContext.Enqueuer: queues a committed blueprint
// for publication, blocking if the queue is full.
func (p *Publisher) Enqueue(number uint64, payload []byte) error {
	select {
	case p.queue <- queuedBlueprint{number: number, payload: payload}:
		return nil
	case <-p.stop:
		return fmt.Errorf("publisher: stopped")
	}
}

// Fatal returns a channel that receives at most one error if the
// publisher hits a permanent failure and must surface a fatal condition
// (spec §4.4/§7). The node's top-level loop should select on this and
// exit with code 2.
func (p *Publisher) Fatal() <-chan error { return p.fatal }

// Run processes the queue until ctx is cancelled or Stop is called.
func (p *Publisher) Run(ctx context.Context) {
	defer close(p.done)

	pending := make(map[uint64][]byte)
	next := uint64(0)
	if st, err := p.index.LoadPublisherState(ctx); err == nil {
		next = st.LastPublished
	}

	ackTicker := time.NewTicker(5 * time.Second)
	defer ackTicker.Stop()

	for {
		select {
		case qb := <-p.queue:
			pending[qb.number] = qb.payload
		case <-ackTicker.C:
			p.refreshAcked(ctx)
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if payload, ok := pending[next]; ok {
			if err := p.publishWithRetry(ctx, next, payload); err != nil {
				if errors.Is(err, ErrFatal) {
					select {
					case p.fatal <- err:
					default:
					}
					return
				}
				log.Error("publisher: giving up on blueprint after exhausting retries", "number", next, "err", err)
				return
			}
			delete(pending, next)
			next++
			continue
		}

		if err := p.maybeCatchup(ctx, &next); err != nil {
			if errors.Is(err, ErrFatal) {
				select {
				case p.fatal <- err:
				default:
				}
				return
			}
		}

		select {
		case qb := <-p.queue:
			pending[qb.number] = qb.payload
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Stop requests Run to return and waits for it to do so.
func (p *Publisher) Stop() {
	close(p.stop)
	<-p.done
}

// refreshAcked pulls the rollup node's current acknowledgment level and
// persists it so maybeCatchup can compute lag without a network call on
// every tick.
func (p *Publisher) refreshAcked(ctx context.Context) {
	level, err := p.client.AckedBlueprintLevel(ctx)
	if err != nil {
		log.Debug("publisher: failed to refresh acked level", "err", err)
		return
	}
	st, err := p.index.LoadPublisherState(ctx)
	if err != nil {
		return
	}
	st.LastSeenOnChain = level
	if err := p.index.SavePublisherState(ctx, st); err != nil {
		log.Error("publisher: failed to persist acked level", "err", err)
	}
}

// maybeCatchup implements the lag-bound/catch-up invariant: if the
// publisher has fallen more than max_blueprints_lag behind what the
// rollup node has actually seen, it re-publishes up to
// max_blueprints_catchup already-published blueprints with a cooldown
// between attempts, rather than racing ahead blindly.
func (p *Publisher) maybeCatchup(ctx context.Context, next *uint64) error {
	st, err := p.index.LoadPublisherState(ctx)
	if err != nil || *next == 0 {
		return nil
	}
	lag := int64(*next) - int64(st.LastSeenOnChain) - 1
	if p.cfg.MaxBlueprintsLag == 0 || lag <= int64(p.cfg.MaxBlueprintsLag) {
		return nil
	}

	log.Warn("publisher: lag bound exceeded, entering catch-up", "published", *next, "seen_on_chain", st.LastSeenOnChain)
	start := st.LastSeenOnChain + 1
	limit := p.cfg.MaxBlueprintsCatchup
	for i := uint64(0); i < limit && start+i < *next; i++ {
		number := start + i
		rec, found, err := p.index.Blueprint(ctx, number)
		if err != nil || !found {
			continue
		}
		if err := p.publishWithRetry(ctx, number, rec.Payload); err != nil {
			if errors.Is(err, ErrFatal) {
				return err
			}
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.cfg.CatchupCooldown):
		}
	}
	return nil
}

// publishWithRetry sends one blueprint, retrying transient failures with
// randomized backoff in [0, 2s) per spec §4.4, and classifying 4xx
// responses as permanent.
func (p *Publisher) publishWithRetry(ctx context.Context, number uint64, payload []byte) error {
	op := func() (struct{}, error) {
		_, err := p.client.InjectBatch(ctx, [][]byte{payload})
		if err == nil {
			st, loadErr := p.index.LoadPublisherState(ctx)
			if loadErr != nil {
				log.Error("publisher: failed to load state before persisting high-water mark", "number", number, "err", loadErr)
			}
			st.LastPublished = number + 1
			if saveErr := p.index.SavePublisherState(ctx, st); saveErr != nil {
				log.Error("publisher: failed to persist high-water mark", "number", number, "err", saveErr)
			}
			return struct{}{}, nil
		}
		var statusErr *rollupclient.StatusError
		if errors.As(err, &statusErr) && statusErr.Permanent() {
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %v", ErrFatal, err))
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(randomizedBackoff{max: 2 * time.Second}),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		return err
	}
	return nil
}

// randomizedBackoff implements backoff.BackOff with a uniform delay in
// [0, max), matching spec §4.4's "retry with randomized backoff ∈ [0, 2s)"
// exactly rather than an exponential curve.
type randomizedBackoff struct {
	max time.Duration
}

func (r randomizedBackoff) NextBackOff() time.Duration {
	return time.Duration(rand.Int63n(int64(r.max)))
}

// Reset is a no-op: the delay is uniformly resampled on every call to
// NextBackOff regardless of retry history, so there is no internal state
// to clear.
func (r randomizedBackoff) Reset() {}
