package registry

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/bytebufferpool"
)

// SchemaVersion is the manifest schema this package reads and writes.
const SchemaVersion = 1

// Manifest is the discovery document consumed by the script runtime.
type Manifest struct {
	SchemaVersion int                   `json:"schemaVersion"`
	Buffers       map[string]BufferInfo `json:"buffers"`
}

// BufferInfo describes one manifest entry. Length is the published payload
// length when known.
type BufferInfo struct {
	Length *int `json:"length,omitempty"`
}

// NewManifest returns an empty manifest of the current schema.
func NewManifest() Manifest {
	return Manifest{SchemaVersion: SchemaVersion, Buffers: make(map[string]BufferInfo)}
}

// Len returns the number of buffers.
func (m Manifest) Len() int { return len(m.Buffers) }

// Marshal encodes the manifest as JSON.
func (m Manifest) Marshal() ([]byte, error) {
	if m.Buffers == nil {
		m.Buffers = map[string]BufferInfo{}
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := json.NewEncoder(buf).Encode(m); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return append([]byte(nil), buf.B...), nil
}

// ParseManifest decodes a manifest. A manifest of another schema version is
// treated as absent: ok is false and err is nil.
func ParseManifest(data []byte) (m Manifest, ok bool, err error) {
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, false, fmt.Errorf("decode manifest: %w", err)
	}
	if m.SchemaVersion != SchemaVersion {
		return Manifest{}, false, nil
	}
	if m.Buffers == nil {
		m.Buffers = make(map[string]BufferInfo)
	}
	return m, true, nil
}

func intPtr(n int) *int { return &n }
