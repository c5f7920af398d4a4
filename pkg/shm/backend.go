package shm

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/segmentio/ksuid"

	internalshm "github.com/srediag/shmregion/internal/shm"
)

// NamePrefix starts the name of every backing object this package creates.
const NamePrefix = "shmregion_"

// Locator is an opaque reference a peer can use to attach to a backing
// object: a file path, a /proc fd path, a mapping name or a heap key.
type Locator string

// Backend allocates and maps the memory behind regions. Nothing outside a
// backend interprets a Locator.
type Backend interface {
	// Name identifies the backend in logs and configuration.
	Name() string
	// Create allocates a zeroed backing object of size bytes.
	Create(ctx context.Context, name string, size int) (Locator, error)
	// Open returns the size of an existing backing object or ErrNotFound.
	Open(ctx context.Context, loc Locator) (int, error)
	// Map maps size bytes of the backing object. An owner mapping destroys
	// the backing object when unmapped.
	Map(ctx context.Context, loc Locator, size int, owner bool) (*Mapping, error)
	// Unmap releases a mapping.
	Unmap(ctx context.Context, m *Mapping) error
}

// Mapping is a mapped view of a backing object.
type Mapping struct {
	Locator Locator
	Data    []byte
	Owner   bool

	region *internalshm.MappedRegion
}

// Len returns the mapped size.
func (m *Mapping) Len() int {
	return len(m.Data)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// objectName returns a process-unique backing object name for a region.
func objectName(name string) string {
	clean := unsafeChars.ReplaceAllString(name, "_")
	return NamePrefix + clean + "_" + strconv.Itoa(os.Getpid()) + "_" + ksuid.New().String()
}

// ownerPID extracts the creating pid from an object name built by objectName.
func ownerPID(base string) (int, bool) {
	base = strings.TrimSuffix(base, ".bin")
	if !strings.HasPrefix(base, NamePrefix) {
		return 0, false
	}
	parts := strings.Split(base, "_")
	if len(parts) < 3 {
		return 0, false
	}
	pid, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil {
		return 0, false
	}
	return pid, true
}

// BackendByName returns a backend by its configuration name. dir is used by
// the file backend.
func BackendByName(name, dir string) (Backend, error) {
	switch name {
	case "", "default":
		return DefaultBackend(), nil
	case "heap":
		return NewHeapBackend(), nil
	}
	b, err := platformBackend(name, dir)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("backend %q is not available on this platform", name)
	}
	return b, nil
}
