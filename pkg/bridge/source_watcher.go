package bridge

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/fluxfill-hq/fluxfiller/pkg/logger"
	"github.com/fluxfill-hq/fluxfiller/pkg/metrics"
	"github.com/fluxfill-hq/fluxfiller/pkg/models"
	"github.com/fluxfill-hq/fluxfiller/pkg/store"
)

const sourceCursorKey = store.CursorPrefix + "source"

// SourceWatcher polls the origin chain for deposit events and feeds
// them to the relay coordinator over a bounded channel. The send
// blocks when the coordinator falls behind, which in turn stalls
// cursor advancement: no observed deposit is ever dropped.
type SourceWatcher struct {
	chain    OriginChain
	db       store.Database
	interval time.Duration
	deposits chan models.DepositEvent
	logger   logger.Logger
}

// NewSourceWatcher creates a watcher emitting deposits on a channel of
// the given capacity.
func NewSourceWatcher(chain OriginChain, db store.Database, interval time.Duration, buffer int, log logger.Logger) *SourceWatcher {
	return &SourceWatcher{
		chain:    chain,
		db:       db,
		interval: interval,
		deposits: make(chan models.DepositEvent, buffer),
		logger:   log,
	}
}

// Deposits returns the channel the watcher publishes on.
func (w *SourceWatcher) Deposits() <-chan models.DepositEvent {
	return w.deposits
}

// Inject feeds an externally observed deposit into the pipeline, used
// when a deposit is reported directly rather than discovered by
// polling. Blocks under backpressure like the poller does.
func (w *SourceWatcher) Inject(ctx context.Context, deposit models.DepositEvent) error {
	select {
	case w.deposits <- deposit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run polls until the context is cancelled, then closes the channel.
func (w *SourceWatcher) Run(ctx context.Context) {
	defer close(w.deposits)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.InfoWith(logger.Relay, "source watcher started, poll interval %s", w.interval)

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoWith(logger.Relay, "source watcher stopping")
			return
		case <-ticker.C:
			if err := w.poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.ErrorWith(logger.Relay, "source poll failed: %v", err)
			}
		}
	}
}

func (w *SourceWatcher) poll(ctx context.Context) error {
	head, err := w.chain.LatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("failed to query origin head: %v", err)
	}

	cursor, err := w.loadCursor()
	if err != nil {
		return err
	}
	if cursor == 0 {
		// First run: start at the head rather than replaying history.
		return w.saveCursor(head)
	}
	if head <= cursor {
		return nil
	}

	deposits, err := w.chain.FilterDeposits(ctx, cursor+1, head)
	if err != nil {
		return fmt.Errorf("failed to scan deposits in [%d, %d]: %v", cursor+1, head, err)
	}

	for _, dep := range deposits {
		w.logger.InfoWith(logger.Relay, "deposit locked: depositor %s intent %s dest chain %d (block %d)",
			dep.Depositor.Hex(), dep.IntentID.Hex(), dep.DestinationChainID, dep.BlockNumber)
		select {
		case w.deposits <- dep:
		case <-ctx.Done():
			// Cursor not advanced; the deposit is re-observed on restart.
			return ctx.Err()
		}
	}

	return w.saveCursor(head)
}

func (w *SourceWatcher) loadCursor() (uint64, error) {
	raw, err := w.db.Get([]byte(sourceCursorKey))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load source cursor: %v", err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("corrupt source cursor: %d bytes", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (w *SourceWatcher) saveCursor(block uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], block)
	if err := w.db.Put([]byte(sourceCursorKey), buf[:]); err != nil {
		return fmt.Errorf("failed to persist source cursor: %v", err)
	}
	metrics.SourceCursor.Set(float64(block))
	return nil
}
