// Package follower implements the Delayed Inbox Follower (spec §4.5): a
// poll loop, grounded on the teacher's validators.manager.DispatchSync
// ticker pattern, that pulls new delayed-inbox events and upgrade
// notices from the rollup node and hands them to EvmContext before the
// next blueprint that depends on them.
package follower

import (
	"context"
	"fmt"
	"time"

	"github.com/luxfi/evmseq/evmtypes"
	"github.com/luxfi/evmseq/log"
	"github.com/luxfi/evmseq/rollupclient"
	"github.com/luxfi/evmseq/sqlindex"
)

// sourceDelayedInbox names the cursor row for the rollup node's
// delayed-inbox feed. Delayed transactions and kernel upgrades arrive on
// that one feed and share this single monotonic cursor.
const sourceDelayedInbox = "delayed_inbox"

// EventSink receives events before the next blueprint is produced. A
// filter predicate upstream may drop events the target context does not
// trust (e.g. observer mode never wants raw NewDelayedTransaction).
type EventSink interface {
	ApplyDelayedTransaction(evmtypes.DelayedTx) error
	ApplyKernelUpgrade(number uint64, payload []byte) error
}

// Filter decides whether an event kind should be delivered at all, per
// spec §4.5 ("a filter predicate may drop events").
type Filter func(kind string) bool

// AllowAll never filters anything; sequencer mode uses this.
func AllowAll(string) bool { return true }

// Config configures polling cadence.
type Config struct {
	Interval time.Duration
}

// Follower polls the rollup node for delayed-inbox activity.
type Follower struct {
	cfg    Config
	client *rollupclient.Client
	index  *sqlindex.Index
	sink   EventSink
	filter Filter

	stop chan struct{}
	done chan struct{}
}

// New creates a Follower. filter may be nil, meaning AllowAll.
func New(cfg Config, client *rollupclient.Client, index *sqlindex.Index, sink EventSink, filter Filter) *Follower {
	if filter == nil {
		filter = AllowAll
	}
	return &Follower{
		cfg:    cfg,
		client: client,
		index:  index,
		sink:   sink,
		filter: filter,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run polls until ctx is cancelled or Stop is called, mirroring
// DispatchSync's select-on-ticker-or-Done shape.
func (f *Follower) Run(ctx context.Context) {
	defer close(f.done)
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := f.pollOnce(ctx); err != nil {
				log.Warn("follower: poll failed, will retry next interval", "err", err)
			}
		case <-f.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop requests Run to return and waits for it to do so.
func (f *Follower) Stop() {
	close(f.stop)
	<-f.done
}

// pollOnce fetches events since the persisted cursor and delivers them at
// most once, advancing the cursor only after successful delivery.
func (f *Follower) pollOnce(ctx context.Context) error {
	cursor, err := f.index.DelayedInboxCursor(ctx, sourceDelayedInbox)
	if err != nil {
		return fmt.Errorf("follower: load cursor: %w", err)
	}

	events, nextCursor, err := f.client.DelayedInboxSince(ctx, cursor)
	if err != nil {
		return fmt.Errorf("follower: fetch events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	for _, ev := range events {
		switch ev.Kind {
		case rollupclient.DelayedTransactionKind:
			if !f.filter(rollupclient.DelayedTransactionKind) {
				continue
			}
			if err := f.sink.ApplyDelayedTransaction(evmtypes.DelayedTx{Hash: ev.Hash, Raw: ev.Raw}); err != nil {
				return fmt.Errorf("follower: apply delayed tx: %w", err)
			}
		case rollupclient.KernelUpgradeKind:
			if !f.filter(rollupclient.KernelUpgradeKind) {
				continue
			}
			if err := f.sink.ApplyKernelUpgrade(ev.L1Level, ev.Raw); err != nil {
				return fmt.Errorf("follower: apply kernel upgrade: %w", err)
			}
			if err := f.index.RecordKernelUpgrade(ctx, ev.L1Level, ev.Raw); err != nil {
				return fmt.Errorf("follower: index kernel upgrade: %w", err)
			}
		}
	}

	if err := f.index.AdvanceDelayedInboxCursor(ctx, sourceDelayedInbox, nextCursor); err != nil {
		return fmt.Errorf("follower: advance cursor: %w", err)
	}
	return nil
}
