package executor

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/fluxfill-hq/fluxfiller/pkg/logger"
	"github.com/fluxfill-hq/fluxfiller/pkg/models"
	"github.com/fluxfill-hq/fluxfiller/pkg/store"
)

// History is a bounded most-recent-N record of settlement attempts,
// persisted through the durable store. Observability only.
type History struct {
	mu      sync.Mutex
	records []models.ExecutionRecord // newest first
	limit   int
	seq     uint64
	db      store.Database
	logger  logger.Logger
}

// NewHistory creates a history bounded to limit records.
func NewHistory(db store.Database, limit int, log logger.Logger) *History {
	return &History{
		limit:  limit,
		db:     db,
		logger: log,
	}
}

// Load restores the retained records from the store.
func (h *History) Load() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	type stored struct {
		seq    uint64
		record models.ExecutionRecord
	}
	var all []stored
	err := h.db.IteratePrefix([]byte(store.HistoryPrefix), func(key, value []byte) bool {
		var seq uint64
		if _, err := fmt.Sscanf(string(key), store.HistoryPrefix+"%020d", &seq); err != nil {
			return true
		}
		var record models.ExecutionRecord
		if err := json.Unmarshal(value, &record); err != nil {
			h.logger.ErrorWith(logger.Exec, "Skipping corrupt history record %s: %v", string(key), err)
			return true
		}
		all = append(all, stored{seq: seq, record: record})
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to load execution history: %v", err)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].seq > all[j].seq })
	if len(all) > h.limit {
		// Stragglers beyond the limit are dropped from the store too.
		for _, s := range all[h.limit:] {
			h.deleteRecord(s.seq)
		}
		all = all[:h.limit]
	}
	h.records = h.records[:0]
	for _, s := range all {
		h.records = append(h.records, s.record)
		if s.seq >= h.seq {
			h.seq = s.seq + 1
		}
	}
	return nil
}

// Append adds a record, evicting the oldest beyond the limit.
func (h *History) Append(record models.ExecutionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	seq := h.seq
	h.seq++

	h.records = append([]models.ExecutionRecord{record}, h.records...)
	if len(h.records) > h.limit {
		h.records = h.records[:h.limit]
	}

	data, err := json.Marshal(record)
	if err != nil {
		h.logger.ErrorWith(logger.Exec, "Failed to encode execution record: %v", err)
		return
	}
	key := fmt.Sprintf(store.HistoryPrefix+"%020d", seq)
	if err := h.db.Put([]byte(key), data); err != nil {
		h.logger.ErrorWith(logger.Exec, "Failed to persist execution record: %v", err)
	}

	// The record falling out of the retention window leaves the store
	// with it, so the history keyspace stays bounded to limit entries.
	if seq >= uint64(h.limit) {
		h.deleteRecord(seq - uint64(h.limit))
	}
}

func (h *History) deleteRecord(seq uint64) {
	key := fmt.Sprintf(store.HistoryPrefix+"%020d", seq)
	if err := h.db.Delete([]byte(key)); err != nil {
		h.logger.ErrorWith(logger.Exec, "Failed to evict execution record %s: %v", key, err)
	}
}

// Records returns the retained records, most recent first.
func (h *History) Records() []models.ExecutionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]models.ExecutionRecord, len(h.records))
	copy(out, h.records)
	return out
}
