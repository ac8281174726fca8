package checkpoint

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory checkpoint store for tests and examples.
// Data is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]map[string]stored // runID -> nodeID -> checkpoint
	closed bool
}

type stored struct {
	data      []byte
	sequence  int
	timestamp time.Time
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]map[string]stored)}
}

// Save implements Store.
func (m *MemoryStore) Save(runID, nodeID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	if m.runs[runID] == nil {
		m.runs[runID] = make(map[string]stored)
	}

	seq := 1
	for _, cp := range m.runs[runID] {
		if cp.sequence >= seq {
			seq = cp.sequence + 1
		}
	}

	// Copy so the caller's slice is not retained.
	buf := make([]byte, len(data))
	copy(buf, data)

	m.runs[runID][nodeID] = stored{data: buf, sequence: seq, timestamp: time.Now().UTC()}
	return nil
}

// Load implements Store.
func (m *MemoryStore) Load(runID, nodeID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	cp, ok := m.runs[runID][nodeID]
	if !ok {
		return nil, ErrNotFound
	}

	buf := make([]byte, len(cp.data))
	copy(buf, cp.data)
	return buf, nil
}

// Latest implements Store.
func (m *MemoryStore) Latest(runID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	var best *stored
	for _, cp := range m.runs[runID] {
		if best == nil || cp.sequence > best.sequence {
			c := cp
			best = &c
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}

	buf := make([]byte, len(best.data))
	copy(buf, best.data)
	return buf, nil
}

// List implements Store.
func (m *MemoryStore) List(runID string) ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	infos := make([]Info, 0, len(m.runs[runID]))
	for nodeID, cp := range m.runs[runID] {
		infos = append(infos, Info{
			RunID:     runID,
			NodeID:    nodeID,
			Sequence:  cp.sequence,
			Timestamp: cp.timestamp,
			Size:      int64(len(cp.data)),
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Sequence < infos[j].Sequence })
	return infos, nil
}

// DeleteRun implements Store.
func (m *MemoryStore) DeleteRun(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	delete(m.runs, runID)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}
