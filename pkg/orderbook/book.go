package orderbook

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fluxfill-hq/fluxfiller/pkg/logger"
	"github.com/fluxfill-hq/fluxfiller/pkg/metrics"
	"github.com/fluxfill-hq/fluxfiller/pkg/models"
	"github.com/fluxfill-hq/fluxfiller/pkg/store"
)

// Book holds queued signed intents keyed by their idempotency hash. The
// in-memory map is a read-through cache over the durable store, so
// pending orders survive a process restart.
type Book struct {
	mu     sync.Mutex
	orders map[string]models.QueuedOrder
	db     store.Database
	logger logger.Logger
}

// NewBook creates an order book backed by the given store.
func NewBook(db store.Database, log logger.Logger) *Book {
	return &Book{
		orders: make(map[string]models.QueuedOrder),
		db:     db,
		logger: log,
	}
}

// Load restores queued orders from the durable store at startup.
func (b *Book) Load() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	err := b.db.IteratePrefix([]byte(store.OrderPrefix), func(key, value []byte) bool {
		var order models.QueuedOrder
		if err := json.Unmarshal(value, &order); err != nil {
			b.logger.ErrorWith(logger.Book, "Skipping corrupt order record %s: %v", string(key), err)
			return true
		}
		b.orders[order.OrderHash] = order
		count++
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to load order book: %v", err)
	}

	metrics.QueuedOrders.Set(float64(len(b.orders)))
	b.logger.InfoWith(logger.Book, "Restored %d queued orders from store", count)
	return nil
}

// Add inserts a signed intent under the given hash. Idempotent: adding
// an already-queued hash is a no-op and returns false.
func (b *Book) Add(hash string, intent models.Intent, signature, publicKey []byte, signingNonce uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.orders[hash]; exists {
		b.logger.DebugWith(logger.Book, "Order %s already queued, ignoring", hash)
		return false
	}

	order := models.QueuedOrder{
		SignedIntent: models.SignedIntent{
			Intent:       intent,
			Signature:    signature,
			PublicKey:    publicKey,
			SigningNonce: signingNonce,
		},
		OrderHash:  hash,
		EnqueuedAt: time.Now(),
	}
	b.orders[hash] = order
	b.persist(order)

	metrics.QueuedOrders.Set(float64(len(b.orders)))
	b.logger.InfoWith(logger.Book, "Queued order %s (maker: %s, sell: %s %d)",
		hash, intent.Maker, intent.SellAsset, intent.SellAmount)
	return true
}

// Remove deletes an order from the book.
func (b *Book) Remove(hash string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(hash)
}

func (b *Book) removeLocked(hash string) {
	if _, exists := b.orders[hash]; !exists {
		return
	}
	delete(b.orders, hash)
	if err := b.db.Delete([]byte(store.OrderPrefix + hash)); err != nil {
		b.logger.ErrorWith(logger.Book, "Failed to delete order %s from store: %v", hash, err)
	}
	metrics.QueuedOrders.Set(float64(len(b.orders)))
}

// Get returns the order for a hash if present.
func (b *Book) Get(hash string) (models.QueuedOrder, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[hash]
	return order, ok
}

// List returns a snapshot of all queued orders.
func (b *Book) List() []models.QueuedOrder {
	b.mu.Lock()
	defer b.mu.Unlock()

	orders := make([]models.QueuedOrder, 0, len(b.orders))
	for _, order := range b.orders {
		orders = append(orders, order)
	}
	return orders
}

// Size returns the number of queued orders.
func (b *Book) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

// Prune removes every order whose validity window ended before now,
// unconditionally. An intent past its stated expiry must never be
// settled even if otherwise fillable. Returns the number removed.
func (b *Book) Prune(now uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for hash, order := range b.orders {
		if order.Intent.Expiry() < now {
			b.logger.InfoWith(logger.Book, "Pruning expired order %s (expiry: %d, now: %d)",
				hash, order.Intent.Expiry(), now)
			b.removeLocked(hash)
			metrics.OrdersPruned.WithLabelValues("expired").Inc()
			removed++
		}
	}
	return removed
}

func (b *Book) persist(order models.QueuedOrder) {
	data, err := json.Marshal(order)
	if err != nil {
		b.logger.ErrorWith(logger.Book, "Failed to encode order %s: %v", order.OrderHash, err)
		return
	}
	if err := b.db.Put([]byte(store.OrderPrefix+order.OrderHash), data); err != nil {
		b.logger.ErrorWith(logger.Book, "Failed to persist order %s: %v", order.OrderHash, err)
	}
}
