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

const destCursorKey = store.CursorPrefix + "destination"

// DestinationWatcher polls the destination chain for fulfillment
// events past a persisted high-water sequence number. The cursor is
// advanced by the relay coordinator once it has durably recorded a
// fulfillment, not by the watcher: an event delivered but not yet
// recorded is re-scanned after a restart. Delivery is therefore
// at-least-once and consumers must tolerate duplicates.
type DestinationWatcher struct {
	chain        DestinationChain
	db           store.Database
	interval     time.Duration
	fulfillments chan models.FulfillmentEvent
	logger       logger.Logger
}

// NewDestinationWatcher creates a watcher emitting fulfillments on a
// channel of the given capacity.
func NewDestinationWatcher(chain DestinationChain, db store.Database, interval time.Duration, buffer int, log logger.Logger) *DestinationWatcher {
	return &DestinationWatcher{
		chain:        chain,
		db:           db,
		interval:     interval,
		fulfillments: make(chan models.FulfillmentEvent, buffer),
		logger:       log,
	}
}

// Fulfillments returns the channel the watcher publishes on.
func (w *DestinationWatcher) Fulfillments() <-chan models.FulfillmentEvent {
	return w.fulfillments
}

// Run polls until the context is cancelled, then closes the channel.
func (w *DestinationWatcher) Run(ctx context.Context) {
	defer close(w.fulfillments)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.InfoWith(logger.Relay, "destination watcher started, poll interval %s", w.interval)

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoWith(logger.Relay, "destination watcher stopping")
			return
		case <-ticker.C:
			if err := w.poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.ErrorWith(logger.Relay, "destination poll failed: %v", err)
			}
		}
	}
}

func (w *DestinationWatcher) poll(ctx context.Context) error {
	cursor, floor, err := loadDestCursor(w.db)
	if err != nil {
		return err
	}

	events, err := w.chain.FulfillmentsSince(ctx, cursor, floor)
	if err != nil {
		return fmt.Errorf("failed to scan fulfillments past seq %d: %v", cursor, err)
	}

	for _, ev := range events {
		w.logger.InfoWith(logger.Relay, "fulfillment observed: intent %s recipient %s (seq %d)",
			ev.IntentID.Hex(), ev.Recipient.Hex(), ev.SequenceNumber)
		select {
		case w.fulfillments <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// loadDestCursor returns the acknowledged sequence high-water mark and
// the block it was observed in. The block is the scan floor: any event
// past the cursor sits at or above it, so scanning from there covers
// downtime of arbitrary length.
func loadDestCursor(db store.Database) (uint64, uint64, error) {
	raw, err := db.Get([]byte(destCursorKey))
	if errors.Is(err, store.ErrNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load destination cursor: %v", err)
	}
	if len(raw) != 16 {
		return 0, 0, fmt.Errorf("corrupt destination cursor: %d bytes", len(raw))
	}
	return binary.BigEndian.Uint64(raw[:8]), binary.BigEndian.Uint64(raw[8:]), nil
}

// saveDestCursor advances the persisted high-water mark. Sequences at
// or below the current cursor are no-ops so duplicate deliveries never
// move it backwards.
func saveDestCursor(db store.Database, seq, block uint64) error {
	current, _, err := loadDestCursor(db)
	if err != nil {
		return err
	}
	if seq <= current {
		return nil
	}
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], seq)
	binary.BigEndian.PutUint64(buf[8:], block)
	if err := db.Put([]byte(destCursorKey), buf[:]); err != nil {
		return fmt.Errorf("failed to persist destination cursor: %v", err)
	}
	metrics.DestinationCursor.Set(float64(seq))
	return nil
}
