package watch

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var errBoom = errors.New("boom")

// memStore is an ItemStore with per-operation error injection.
type memStore struct {
	mu    sync.Mutex
	items map[SubscriberID]map[string]struct{}

	failUpsert, failRemove, failClear, failItems, failAll bool

	// afterClear runs once Clear has committed, outside the store lock.
	afterClear func()
}

func newMemStore() *memStore {
	return &memStore{items: map[SubscriberID]map[string]struct{}{}}
}

func (s *memStore) ItemsFor(_ context.Context, id SubscriberID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failItems {
		return nil, errBoom
	}
	out := make([]string, 0, len(s.items[id]))
	for it := range s.items[id] {
		out = append(out, it)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) AllItemKeys(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return nil, errBoom
	}
	seen := map[string]struct{}{}
	for _, set := range s.items {
		for it := range set {
			seen[it] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for it := range seen {
		out = append(out, it)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) Subscribers(context.Context) ([]SubscriberID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SubscriberID
	for id, set := range s.items {
		if len(set) > 0 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *memStore) Upsert(_ context.Context, id SubscriberID, item string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpsert {
		return errBoom
	}
	if s.items[id] == nil {
		s.items[id] = map[string]struct{}{}
	}
	s.items[id][item] = struct{}{}
	return nil
}

func (s *memStore) Remove(_ context.Context, id SubscriberID, item string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRemove {
		return errBoom
	}
	delete(s.items[id], item)
	if len(s.items[id]) == 0 {
		delete(s.items, id)
	}
	return nil
}

func (s *memStore) Clear(_ context.Context, id SubscriberID) error {
	s.mu.Lock()
	if s.failClear {
		s.mu.Unlock()
		return errBoom
	}
	delete(s.items, id)
	hook := s.afterClear
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (s *memStore) count(id SubscriberID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items[id])
}

type fakeSource struct {
	mu     sync.Mutex
	values map[string]float64
	err    error
	calls  int
	keys   [][]string
}

func (f *fakeSource) set(values map[string]float64, err error) {
	f.mu.Lock()
	f.values, f.err = values, err
	f.mu.Unlock()
}

func (f *fakeSource) Fetch(_ context.Context, keys []string) (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.keys = append(f.keys, append([]string(nil), keys...))
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]float64{}
	for k, v := range f.values {
		out[k] = v
	}
	return out, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type sent struct {
	ID   SubscriberID
	Text string
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, id SubscriberID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, sent{ID: id, Text: text})
	return n.err
}

func (n *fakeNotifier) messages() []sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sent(nil), n.msgs...)
}

// thresholdStrategy watches "key#threshold" items and triggers below the threshold.
type thresholdStrategy struct{}

func (thresholdStrategy) Name() string { return "threshold" }

func (thresholdStrategy) FetchKey(item string) string {
	key, _, _ := strings.Cut(item, "#")
	return key
}

func (thresholdStrategy) Triggered(item string, value float64) bool {
	_, raw, ok := strings.Cut(item, "#")
	if !ok {
		return false
	}
	limit, err := strconv.ParseFloat(raw, 64)
	return err == nil && value < limit
}

func (thresholdStrategy) InvalidMessage(items []string) string {
	return "invalid: " + strings.Join(items, ", ")
}

func (thresholdStrategy) TriggeredMessage(items []string) string {
	return "price dropped: " + strings.Join(items, ", ")
}

func (thresholdStrategy) ParseItem(args string) (string, error) {
	args = strings.TrimSpace(args)
	key, raw, ok := strings.Cut(args, "#")
	if !ok || key == "" {
		return "", InvalidItem("Couldn't parse the item")
	}
	if _, err := strconv.ParseFloat(raw, 64); err != nil {
		return "", InvalidItem("Couldn't parse the threshold")
	}
	return args, nil
}

func (thresholdStrategy) ExampleItem() string  { return "X#100" }
func (thresholdStrategy) StartMessage() string { return "hello" }
func (thresholdStrategy) HelpMessage() string  { return "help text" }

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}
