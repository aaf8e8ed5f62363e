package backend

import "forestfs/pkg/blockid"

// Memory is an in-process Backend backed by plain maps, for tests and
// for the CLI's ":memory:" forests (ephemeral, never persisted).
type Memory struct {
	blocks    map[blockid.ID][]byte
	refcounts map[blockid.ID]int
	names     map[string]blockid.ID
	closed    bool
}

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{
		blocks:    make(map[blockid.ID][]byte),
		refcounts: make(map[blockid.ID]int),
		names:     make(map[string]blockid.ID),
	}
}

func (m *Memory) GetBlock(id blockid.ID) ([]byte, bool, error) {
	data, ok := m.blocks[id]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

func (m *Memory) PutBlock(id blockid.ID, data []byte) error {
	stored := make([]byte, len(data))
	copy(stored, data)
	m.blocks[id] = stored
	return nil
}

func (m *Memory) DeleteBlock(id blockid.ID) error {
	delete(m.blocks, id)
	delete(m.refcounts, id)
	return nil
}

func (m *Memory) GetRefcount(id blockid.ID) (int, error) {
	return m.refcounts[id], nil
}

func (m *Memory) SetRefcount(id blockid.ID, count int) error {
	if count == 0 {
		delete(m.refcounts, id)
		return nil
	}
	m.refcounts[id] = count
	return nil
}

func (m *Memory) GetName(name string) (blockid.ID, bool, error) {
	id, ok := m.names[name]
	return id, ok, nil
}

func (m *Memory) SetName(name string, id blockid.ID) error {
	m.names[name] = id
	return nil
}

func (m *Memory) DeleteName(name string) error {
	delete(m.names, name)
	return nil
}

func (m *Memory) FlushDone() error {
	return nil
}

func (m *Memory) Close() error {
	m.closed = true
	return nil
}

// BytesUsed sums the length of every stored block (Memory implements
// backend.StatsBackend).
func (m *Memory) BytesUsed() (uint64, error) {
	var total uint64
	for _, b := range m.blocks {
		total += uint64(len(b))
	}
	return total, nil
}

// BytesAvailable reports a generous synthetic ceiling: an in-memory
// backend's real limit is the process's available heap, not a quota
// worth modeling precisely.
func (m *Memory) BytesAvailable() (uint64, error) {
	const syntheticCeiling = 1 << 40
	used, err := m.BytesUsed()
	if err != nil {
		return 0, err
	}
	if used >= syntheticCeiling {
		return 0, nil
	}
	return syntheticCeiling - used, nil
}
