package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "watchbot/pkg/logx"
)

const defaultCompactEvery = 500

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.items.snapshot.json (periodic snapshot)
//   - <prefix>.items.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	index        *memoryStore
	snapshotPath string
	journalFile  *os.File

	writes       int
	compactEvery int
}

type journalOp string

const (
	opAdd    journalOp = "add"
	opRemove journalOp = "del"
	opClear  journalOp = "clear"
)

type journalRecord struct {
	Op         journalOp `json:"op"`
	Subscriber int64     `json:"sub"`
	Item       string    `json:"item,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".items.snapshot.json"
	journalPath := prefix + ".items.journal.jsonl"

	index := newMemoryStore()
	if err := loadItemsSnapshot(snapPath, index); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	replayed, err := replayItemsJournal(journalPath, index)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		index:        index,
		snapshotPath: snapPath,
		journalFile:  jf,
		compactEvery: defaultCompactEvery,
	}
	log.Debug("file store opened", logx.String("path", prefix), logx.Int("replayed", replayed))
	return s, nil
}

func (s *fileStore) ItemsFor(ctx context.Context, id int64) ([]string, error) {
	return s.index.ItemsFor(ctx, id)
}

func (s *fileStore) AllItemKeys(ctx context.Context) ([]string, error) {
	return s.index.AllItemKeys(ctx)
}

func (s *fileStore) Subscribers(ctx context.Context) ([]int64, error) {
	return s.index.Subscribers(ctx)
}

func (s *fileStore) Upsert(_ context.Context, id int64, item string) error {
	if err := checkItem(item); err != nil {
		return err
	}
	return s.apply(journalRecord{Op: opAdd, Subscriber: id, Item: item})
}

func (s *fileStore) Remove(_ context.Context, id int64, item string) error {
	return s.apply(journalRecord{Op: opRemove, Subscriber: id, Item: item})
}

func (s *fileStore) Clear(_ context.Context, id int64) error {
	return s.apply(journalRecord{Op: opClear, Subscriber: id})
}

// apply journals r and then updates the index. No-op changes are not journaled.
func (s *fileStore) apply(r journalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}

	s.index.mu.Lock()
	defer s.index.mu.Unlock()
	if !s.changes(r) {
		return nil
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	applyRecord(s.index, r)

	s.writes++
	if s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("items compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) changes(r journalRecord) bool {
	set := s.index.items[r.Subscriber]
	switch r.Op {
	case opAdd:
		_, ok := set[r.Item]
		return !ok
	case opRemove:
		_, ok := set[r.Item]
		return ok
	default:
		return len(set) > 0
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	s.index.mu.Lock()
	err := s.compactLocked()
	s.index.mu.Unlock()
	if cerr := s.journalFile.Close(); err == nil {
		err = cerr
	}
	s.journalFile = nil
	_ = s.index.Close()
	return err
}

// compactLocked requires both s.mu and s.index.mu.
func (s *fileStore) compactLocked() error {
	snap := make(map[int64][]string, len(s.index.items))
	for id, set := range s.index.items {
		snap[id] = sortedKeys(set)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func applyRecord(idx *memoryStore, r journalRecord) {
	switch r.Op {
	case opAdd:
		idx.upsertLocked(r.Subscriber, r.Item)
	case opRemove:
		idx.removeLocked(r.Subscriber, r.Item)
	case opClear:
		delete(idx.items, r.Subscriber)
	}
}

func loadItemsSnapshot(path string, idx *memoryStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[int64][]string
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for id, items := range m {
		for _, it := range items {
			idx.upsertLocked(id, it)
		}
	}
	return nil
}

func replayItemsJournal(path string, idx *memoryStore) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		applyRecord(idx, r)
		n++
	}
	return n, sc.Err()
}
