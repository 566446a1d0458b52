package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	logx "watchbot/pkg/logx"
)

const badgerItemPrefix = "item:"

// badgerStore keys items as item:<subscriber>:<item>. The value is the
// creation time in unix milliseconds.
type badgerStore struct {
	db     *badger.DB
	log    logx.Logger
	closed atomic.Bool
}

func openBadger(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for badger driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	log.Debug("badger store opened", logx.String("path", dir))
	return &badgerStore{db: db, log: log}, nil
}

func itemKey(id int64, item string) []byte {
	return []byte(subscriberPrefix(id) + item)
}

func subscriberPrefix(id int64) string {
	return badgerItemPrefix + strconv.FormatInt(id, 10) + ":"
}

// parseItemKey splits item:<subscriber>:<item>. Items may contain ':'.
func parseItemKey(k []byte) (int64, string, bool) {
	rest, ok := strings.CutPrefix(string(k), badgerItemPrefix)
	if !ok {
		return 0, "", false
	}
	rawID, item, ok := strings.Cut(rest, ":")
	if !ok {
		return 0, "", false
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return id, item, true
}

func (s *badgerStore) scan(prefix string, fn func(key []byte)) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			fn(it.Item().KeyCopy(nil))
		}
		return nil
	})
}

func (s *badgerStore) ItemsFor(_ context.Context, id int64) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	out := []string{}
	err := s.scan(subscriberPrefix(id), func(k []byte) {
		if _, item, ok := parseItemKey(k); ok {
			out = append(out, item)
		}
	})
	sort.Strings(out)
	return out, err
}

func (s *badgerStore) AllItemKeys(context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	union := map[string]struct{}{}
	err := s.scan(badgerItemPrefix, func(k []byte) {
		if _, item, ok := parseItemKey(k); ok {
			union[item] = struct{}{}
		}
	})
	return sortedKeys(union), err
}

func (s *badgerStore) Subscribers(context.Context) ([]int64, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	seen := map[int64]struct{}{}
	err := s.scan(badgerItemPrefix, func(k []byte) {
		if id, _, ok := parseItemKey(k); ok {
			seen[id] = struct{}{}
		}
	})
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, err
}

func (s *badgerStore) Upsert(_ context.Context, id int64, item string) error {
	if err := checkItem(item); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		key := itemKey(id, item)
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		val := binary.BigEndian.AppendUint64(nil, uint64(time.Now().UnixMilli()))
		return txn.Set(key, val)
	})
}

func (s *badgerStore) Remove(_ context.Context, id int64, item string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(itemKey(id, item))
	})
}

func (s *badgerStore) Clear(_ context.Context, id int64) error {
	if s.closed.Load() {
		return ErrClosed
	}
	var keys [][]byte
	if err := s.scan(subscriberPrefix(id), func(k []byte) { keys = append(keys, k) }); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *badgerStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
