// Package store holds per-node results for a run. Each node owns exactly one
// key and writes it exactly once; readers only look after every node has
// been joined.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/pool"
)

var (
	// ErrAlreadyWritten is returned when a node key is written a second time
	ErrAlreadyWritten = errors.New("node result already written")

	// ErrNotFound is returned when a node has not written its key
	ErrNotFound = errors.New("node result not found")
)

// NodeResult is the single record a node writes when it finishes.
type NodeResult struct {
	NodeID   string        `json:"node_id"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Elapsed  time.Duration `json:"elapsed_ns"`
	pool.Report
}

// TasksPerSecond returns tasks per second, or false when Elapsed is zero.
func (r NodeResult) TasksPerSecond() (float64, bool) {
	if r.Elapsed <= 0 {
		return 0, false
	}
	return float64(r.Attempted) / r.Elapsed.Seconds(), true
}

// Store is a keyed results store with single-writer-per-key semantics.
type Store interface {
	// Put writes the result for r.NodeID. A second Put for the same node
	// returns ErrAlreadyWritten.
	Put(ctx context.Context, r NodeResult) error
	// Get returns the result for nodeID or ErrNotFound.
	Get(ctx context.Context, nodeID string) (NodeResult, error)
	// Close releases backend resources.
	Close() error
}

// Collect reads the result of every listed node. Results are returned in
// the order of nodeIDs; nodes with no result are listed in missing.
func Collect(ctx context.Context, s Store, nodeIDs []string) (results []NodeResult, missing []string, err error) {
	for _, id := range nodeIDs {
		r, getErr := s.Get(ctx, id)
		if errors.Is(getErr, ErrNotFound) {
			missing = append(missing, id)
			continue
		}
		if getErr != nil {
			return nil, nil, fmt.Errorf("read result for %s: %w", id, getErr)
		}
		results = append(results, r)
	}
	return results, missing, nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string]NodeResult
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[string]NodeResult)}
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, r NodeResult) error {
	if r.NodeID == "" {
		return fmt.Errorf("node id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.results[r.NodeID]; ok {
		return fmt.Errorf("%s: %w", r.NodeID, ErrAlreadyWritten)
	}
	m.results[r.NodeID] = r
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, nodeID string) (NodeResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.results[nodeID]
	if !ok {
		return NodeResult{}, fmt.Errorf("%s: %w", nodeID, ErrNotFound)
	}
	return r, nil
}

// Keys returns every written node ID in sorted order.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.results))
	for k := range m.results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}
