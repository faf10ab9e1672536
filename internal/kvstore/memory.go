package kvstore

import "sync"

// Memory is a volatile Store. Used for tests and bench setups without flash.
type Memory struct {
	mu   sync.Mutex
	data map[uint16][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[uint16][]byte)}
}

func (m *Memory) Get(key uint16) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Put(key uint16, value []byte) error {
	m.mu.Lock()
	m.data[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(key uint16) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Ping() error { return nil }

func (m *Memory) Close() error { return nil }
