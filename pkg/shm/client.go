package shm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/srediag/shmregion/internal/wait"
)

// Writer publishes payloads into a region it created or attached to.
type Writer struct {
	region *Region
}

// NewWriter returns a writer for region.
func NewWriter(region *Region) *Writer {
	return &Writer{region: region}
}

// Write publishes data with the next version of the region's policy.
func (w *Writer) Write(data []byte) (WriteResult, error) {
	return w.region.Write(data)
}

// WriteVersion publishes data with an explicit version.
func (w *Writer) WriteVersion(data []byte, version uint64) (WriteResult, error) {
	return w.region.Write(data, WithVersion(version))
}

// Region returns the target region.
func (w *Writer) Region() *Region { return w.region }

// Source yields the region a Reader polls. It is asked again on every poll
// so a source can attach lazily once the peer created the region.
type Source interface {
	Region(ctx context.Context) (*Region, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (*Region, error)

func (f SourceFunc) Region(ctx context.Context) (*Region, error) { return f(ctx) }

// StaticSource always yields the same region.
func StaticSource(r *Region) Source {
	return SourceFunc(func(context.Context) (*Region, error) { return r, nil })
}

// Reader tracks the last version it delivered and only returns payloads that
// are newer. A missing region, a never-written region and an invalid header
// all read as "no update".
type Reader struct {
	src Source

	mu   sync.Mutex
	last uint64
	seen bool
}

// NewReader returns a reader polling src.
func NewReader(src Source) *Reader {
	return &Reader{src: src}
}

// Last returns the last delivered version and whether anything was delivered.
func (r *Reader) Last() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.seen
}

// Reset forgets the last delivered version.
func (r *Reader) Reset() {
	r.mu.Lock()
	r.last, r.seen = 0, false
	r.mu.Unlock()
}

// Poll reads the region once. The bool reports whether snap holds a new payload.
func (r *Reader) Poll(ctx context.Context) (Snapshot, bool, error) {
	region, err := r.src.Region(ctx)
	if errors.Is(err, ErrNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var snap Snapshot
	if r.seen {
		snap, err = region.ReadSince(r.last)
	} else {
		snap, err = region.Read()
	}
	switch {
	case errors.Is(err, ErrInvalidHeader), errors.Is(err, ErrNotFound):
		return Snapshot{}, false, nil
	case err != nil:
		return Snapshot{}, false, err
	}
	if snap.Status != StatusData {
		return snap, false, nil
	}
	r.last, r.seen = snap.Version, true
	return snap, true, nil
}

// WaitForChange polls every interval until a new payload arrives. It returns
// ErrTimeout when nothing changed within timeout.
func (r *Reader) WaitForChange(ctx context.Context, interval, timeout time.Duration) (Snapshot, error) {
	var snap Snapshot
	err := wait.Until(ctx, interval, timeout, func() (bool, error) {
		s, ok, err := r.Poll(ctx)
		if err != nil || !ok {
			return false, err
		}
		snap = s
		return true, nil
	})
	if errors.Is(err, wait.ErrExhausted) {
		return Snapshot{}, fmt.Errorf("%w: no change within %s", ErrTimeout, timeout)
	}
	return snap, err
}
