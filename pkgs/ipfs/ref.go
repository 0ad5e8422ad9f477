package ipfs

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ipfs/go-cid"
)

// Scheme prefixes every content reference handed to the registry.
const Scheme = "ipfs://"

// sha2-256 multihash code
const sha256Code = 0x12

// ParseCID accepts a bare CID, an ipfs:// reference or an /ipfs/ path.
func ParseCID(ref string) (cid.Cid, error) {
	s := strings.TrimSpace(ref)
	s = strings.TrimPrefix(s, Scheme)
	s = strings.TrimPrefix(s, "/ipfs/")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("invalid CID %q: %w", ref, err)
	}
	return c, nil
}

// FormatRef renders c as an ipfs:// reference.
func FormatRef(c cid.Cid) string {
	return Scheme + c.String()
}

// MemoryStore keeps documents in process, addressed by raw CIDv1. Used when
// no IPFS node is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[cid.Cid][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[cid.Cid][]byte)}
}

// Pin stores data and returns its content reference.
func (m *MemoryStore) Pin(_ context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("refusing to pin empty document")
	}
	prefix := cid.Prefix{Version: 1, Codec: cid.Raw, MhType: sha256Code, MhLength: -1}
	c, err := prefix.Sum(data)
	if err != nil {
		return "", fmt.Errorf("failed to compute CID: %w", err)
	}

	m.mu.Lock()
	m.docs[c] = append([]byte(nil), data...)
	m.mu.Unlock()
	return FormatRef(c), nil
}

// Fetch returns a previously pinned document.
func (m *MemoryStore) Fetch(_ context.Context, ref string) ([]byte, error) {
	c, err := ParseCID(ref)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.docs[c]
	if !ok {
		return nil, fmt.Errorf("document %s not found", c)
	}
	return append([]byte(nil), data...), nil
}
