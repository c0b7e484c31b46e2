package dedup

import (
	"sync"
	"time"
)

// MemoryIndex はWindowIndexのインメモリ実装。
// 完全一致ハッシュとシングルハッシュの2系統のマップで検索する。
type MemoryIndex struct {
	mu      sync.RWMutex
	byID    map[string]Entry
	byExact map[string]string            // exact fingerprint -> item ID
	buckets map[uint64]map[string]struct{} // shingle hash -> item ID set
}

// NewMemoryIndex はMemoryIndexを生成する。
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		byID:    make(map[string]Entry),
		byExact: make(map[string]string),
		buckets: make(map[uint64]map[string]struct{}),
	}
}

// Add はエントリをインデックスに追加する。
func (m *MemoryIndex) Add(entry Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byID[entry.ItemID] = entry

	// 同一フィンガープリントは最先着のみ保持する
	if _, exists := m.byExact[entry.Exact]; !exists {
		m.byExact[entry.Exact] = entry.ItemID
	}

	for _, h := range entry.Signature {
		bucket, ok := m.buckets[h]
		if !ok {
			bucket = make(map[string]struct{})
			m.buckets[h] = bucket
		}
		bucket[entry.ItemID] = struct{}{}
	}
}

// Remove は指定記事のエントリをインデックスから除去する。
func (m *MemoryIndex) Remove(itemID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(itemID)
}

func (m *MemoryIndex) removeLocked(itemID string) {
	entry, ok := m.byID[itemID]
	if !ok {
		return
	}
	delete(m.byID, itemID)

	if m.byExact[entry.Exact] == itemID {
		delete(m.byExact, entry.Exact)
	}

	for _, h := range entry.Signature {
		if bucket, ok := m.buckets[h]; ok {
			delete(bucket, itemID)
			if len(bucket) == 0 {
				delete(m.buckets, h)
			}
		}
	}
}

// FindExact は完全一致フィンガープリントでエントリを検索する。
func (m *MemoryIndex) FindExact(exact string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byExact[exact]
	if !ok {
		return Entry{}, false
	}
	entry, ok := m.byID[id]
	return entry, ok
}

// Candidates はシグネチャのハッシュを1つ以上共有するエントリを返す。
func (m *MemoryIndex) Candidates(signature []uint64) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	var candidates []Entry
	for _, h := range signature {
		for id := range m.buckets[h] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			candidates = append(candidates, m.byID[id])
		}
	}
	return candidates
}

// Evict は指定時刻より前に公開されたエントリを除去し、件数を返す。
func (m *MemoryIndex) Evict(horizon time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []string
	for id, entry := range m.byID {
		if entry.PublishedAt.Before(horizon) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		m.removeLocked(id)
	}
	return len(stale)
}

// Len は保持中のエントリ数を返す。
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// compile-time interface check
var _ WindowIndex = (*MemoryIndex)(nil)
