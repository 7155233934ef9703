package pairing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Record is the durable trust anchor for one paired node. Token is a
// bearer secret and must never be logged.
type Record struct {
	NodeID       string `json:"nodeId"`
	DisplayName  string `json:"displayName,omitempty"`
	Platform     string `json:"platform,omitempty"`
	Version      string `json:"version,omitempty"`
	Token        string `json:"token"`
	CreatedAtMs  int64  `json:"createdAtMs"`
	LastSeenAtMs int64  `json:"lastSeenAtMs"`
}

var ErrNotFound = errors.New("node not paired")

// Store keeps nodeId -> Record in memory, mirrored to a single JSON
// file. Every mutation rewrites the file through a temp-and-rename.
type Store struct {
	path string
	now  func() time.Time

	mu    sync.Mutex
	nodes map[string]Record
}

type storeFile struct {
	Version int      `json:"version"`
	Nodes   []Record `json:"nodes"`
	SavedAt int64    `json:"savedAt"`
}

func NewStore(path string) *Store {
	return &Store{
		path:  path,
		now:   time.Now,
		nodes: make(map[string]Record),
	}
}

// Load reads the backing file. A missing file is an empty store.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read paired nodes: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("decode paired nodes: %w", err)
	}
	if file.Version != 1 {
		return fmt.Errorf("unsupported paired nodes version %d", file.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range file.Nodes {
		if rec.NodeID == "" || rec.Token == "" {
			continue
		}
		s.nodes[rec.NodeID] = rec
	}
	return nil
}

func (s *Store) Find(nodeID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.nodes[nodeID]
	return rec, ok
}

// Upsert replaces any prior record for the node and persists.
func (s *Store) Upsert(rec Record) error {
	if rec.NodeID == "" {
		return errors.New("nodeId required")
	}

	s.mu.Lock()
	s.nodes[rec.NodeID] = rec
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	return s.persist(snapshot)
}

// TouchSeen bumps lastSeenAt for an existing record and persists.
func (s *Store) TouchSeen(nodeID string) error {
	s.mu.Lock()
	rec, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	rec.LastSeenAtMs = s.now().UnixMilli()
	s.nodes[nodeID] = rec
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	return s.persist(snapshot)
}

// Remove deletes a pairing record. Removing an unknown node is a no-op.
func (s *Store) Remove(nodeID string) error {
	s.mu.Lock()
	if _, ok := s.nodes[nodeID]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.nodes, nodeID)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	return s.persist(snapshot)
}

func (s *Store) List() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() []Record {
	result := make([]Record, 0, len(s.nodes))
	for _, rec := range s.nodes {
		result = append(result, rec)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].NodeID < result[j].NodeID })
	return result
}

func (s *Store) persist(nodes []Record) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("persist paired nodes: %w", err)
	}

	file := storeFile{Version: 1, Nodes: nodes, SavedAt: s.now().UnixMilli()}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("persist paired nodes: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("persist paired nodes: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("persist paired nodes: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist paired nodes: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("persist paired nodes: %w", err)
	}
	return nil
}
