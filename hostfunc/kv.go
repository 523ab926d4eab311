package hostfunc

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrKeyTooLarge   = errors.New("key too large")
	ErrValueTooLarge = errors.New("value too large")
	ErrKVFull        = errors.New("kv store full")
)

// KVConfig bounds what guests can store.
type KVConfig struct {
	MaxKeySize   int
	MaxValueSize int
	MaxEntries   int
}

func DefaultKVConfig() KVConfig {
	return KVConfig{
		MaxKeySize:   256,
		MaxValueSize: 64 * 1024,
		MaxEntries:   1000,
	}
}

// KV is an in-memory byte store. Guests reach it through the kv_* hostcalls
// once it is inserted into an instance's embed context; several instances
// may share one KV.
type KV struct {
	cfg  KVConfig
	data map[string][]byte
	mu   sync.RWMutex
}

func NewKV(cfg KVConfig) *KV {
	return &KV{cfg: cfg, data: make(map[string][]byte)}
}

// Get returns a copy of the value stored under key.
func (s *KV) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	val, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return append([]byte(nil), val...), true
}

func (s *KV) Set(key string, val []byte) error {
	if s.cfg.MaxKeySize > 0 && len(key) > s.cfg.MaxKeySize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrKeyTooLarge, len(key), s.cfg.MaxKeySize)
	}
	if s.cfg.MaxValueSize > 0 && len(val) > s.cfg.MaxValueSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrValueTooLarge, len(val), s.cfg.MaxValueSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[key]; !exists && s.cfg.MaxEntries > 0 && len(s.data) >= s.cfg.MaxEntries {
		return fmt.Errorf("%w: %d entries", ErrKVFull, len(s.data))
	}
	s.data[key] = append([]byte(nil), val...)
	return nil
}

// Delete removes key and reports whether it was present.
func (s *KV) Delete(key string) bool {
	s.mu.Lock()
	_, ok := s.data[key]
	delete(s.data, key)
	s.mu.Unlock()
	return ok
}

func (s *KV) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *KV) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
