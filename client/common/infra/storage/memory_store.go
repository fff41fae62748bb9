package storage

import (
	"context"
	"sync"
)

type memoryBacking struct {
	mu       sync.RWMutex
	data     map[string][]byte
	watchers map[*MemoryStore][]chan Change
}

// MemoryStore keeps values in process. Peer returns another handle onto the
// same data whose writes show up as Changes on this handle, which is how tests
// stand in for a second tab.
type MemoryStore struct {
	backing *memoryBacking
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{backing: &memoryBacking{
		data:     map[string][]byte{},
		watchers: map[*MemoryStore][]chan Change{},
	}}
}

func (s *MemoryStore) Peer() *MemoryStore {
	return &MemoryStore{backing: s.backing}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.backing.mu.RLock()
	defer s.backing.mu.RUnlock()
	v, ok := s.backing.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.backing.mu.Lock()
	s.backing.data[key] = append([]byte(nil), value...)
	s.backing.mu.Unlock()
	s.notifyOthers(key)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.backing.mu.Lock()
	delete(s.backing.data, key)
	s.backing.mu.Unlock()
	s.notifyOthers(key)
	return nil
}

func (s *MemoryStore) Watch(ctx context.Context) (<-chan Change, error) {
	ch := make(chan Change, 16)
	s.backing.mu.Lock()
	s.backing.watchers[s] = append(s.backing.watchers[s], ch)
	s.backing.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.backing.mu.Lock()
		defer s.backing.mu.Unlock()
		chans := s.backing.watchers[s]
		for i, c := range chans {
			if c == ch {
				s.backing.watchers[s] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) notifyOthers(key string) {
	s.backing.mu.RLock()
	defer s.backing.mu.RUnlock()
	for owner, chans := range s.backing.watchers {
		if owner == s {
			continue
		}
		for _, ch := range chans {
			select {
			case ch <- Change{Key: key}:
			default:
			}
		}
	}
}
