package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"ctsync/internal/ctsync"
)

type memoryItem struct {
	data    []byte
	version int64
}

// MemoryVault keeps snapshots and metadata in maps. Safe for concurrent use.
type MemoryVault struct {
	name string

	mu       sync.RWMutex
	content  map[string][]byte      // checksum -> bytes
	metadata map[string]*memoryItem // "hostID/name" -> item
}

func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:     name,
		content:  make(map[string][]byte),
		metadata: make(map[string]*memoryItem),
	}
}

func readExactly(r io.Reader, size int64) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}
	return data, nil
}

func (m *MemoryVault) PutContent(ctx context.Context, checksum string, r io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := readExactly(r, size)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.content[checksum]; !ok {
		m.content[checksum] = data
	}
	return nil
}

func (m *MemoryVault) GetContent(ctx context.Context, checksum string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	data, ok := m.content[checksum]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("content %s: %w", checksum, ErrNotFound)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}
	return nil
}

func (m *MemoryVault) PutMetadata(ctx context.Context, hostID, name string, r io.Reader, size int64, version int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := readExactly(r, size)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[hostID+"/"+name] = &memoryItem{data: data, version: version}
	return nil
}

func (m *MemoryVault) GetMetadata(ctx context.Context, hostID, name string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	item, ok := m.metadata[hostID+"/"+name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("metadata %q for host %s: %w", name, hostID, ErrNotFound)
	}
	if _, err := io.Copy(w, bytes.NewReader(item.data)); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

func (m *MemoryVault) GetMetadataVersion(ctx context.Context, hostID, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if item, ok := m.metadata[hostID+"/"+name]; ok {
		return item.version, nil
	}
	return 0, nil
}

// ContentCount returns the number of stored snapshots.
func (m *MemoryVault) ContentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.content)
}

func (m *MemoryVault) ValidateSetup(ctx context.Context) error {
	return nil
}

var _ ctsync.Vault = (*MemoryVault)(nil)
