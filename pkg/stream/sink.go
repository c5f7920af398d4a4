package stream

import (
	"io"
	"sync"

	"github.com/srediag/shmregion/pkg/shm"
)

// Sink is the logical destination of a stream. Chunks arrive through
// WriteAt; Finalize is called exactly once after the last chunk.
type Sink interface {
	io.WriterAt
	Finalize(version uint64, total int64) error
}

// Destination is a Sink that can also take a whole payload in one call,
// which the Uploader uses below its threshold.
type Destination interface {
	Sink
	WriteWhole(p []byte, version uint64) error
}

// RegionSink streams into the payload of a region and publishes it on
// Finalize. A zero version asks the region's policy.
type RegionSink struct {
	Region *shm.Region
}

func (s RegionSink) WriteAt(p []byte, off int64) (int, error) {
	return s.Region.WriteAt(p, off)
}

func (s RegionSink) Finalize(version uint64, total int64) error {
	_, err := s.Region.Publish(int(total), versionOpts(version)...)
	return err
}

func (s RegionSink) WriteWhole(p []byte, version uint64) error {
	_, err := s.Region.Write(p, versionOpts(version)...)
	return err
}

func versionOpts(version uint64) []shm.WriteOption {
	if version == 0 {
		return nil
	}
	return []shm.WriteOption{shm.WithVersion(version)}
}

// WriterAtSink adapts any io.WriterAt, e.g. an *os.File. Finalize truncates
// writers that support it to the payload length, then calls OnFinalize when
// set.
type WriterAtSink struct {
	W          io.WriterAt
	OnFinalize func(version uint64, total int64) error
}

func (s WriterAtSink) WriteAt(p []byte, off int64) (int, error) {
	return s.W.WriteAt(p, off)
}

type truncater interface {
	Truncate(size int64) error
}

func (s WriterAtSink) Finalize(version uint64, total int64) error {
	if t, ok := s.W.(truncater); ok {
		if err := t.Truncate(total); err != nil {
			return err
		}
	}
	if s.OnFinalize != nil {
		return s.OnFinalize(version, total)
	}
	return nil
}

func (s WriterAtSink) WriteWhole(p []byte, version uint64) error {
	if _, err := s.W.WriteAt(p, 0); err != nil {
		return err
	}
	return s.Finalize(version, int64(len(p)))
}

// BufferSink collects a stream in memory.
type BufferSink struct {
	mu        sync.Mutex
	buf       []byte
	version   uint64
	finalized int
}

func (s *BufferSink) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if end := int(off) + len(p); end > len(s.buf) {
		s.buf = append(s.buf, make([]byte, end-len(s.buf))...)
	}
	copy(s.buf[off:], p)
	return len(p), nil
}

func (s *BufferSink) Finalize(version uint64, total int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int64(len(s.buf)) < total {
		s.buf = append(s.buf, make([]byte, int(total)-len(s.buf))...)
	}
	s.buf = s.buf[:total]
	s.version = version
	s.finalized++
	return nil
}

func (s *BufferSink) WriteWhole(p []byte, version uint64) error {
	s.mu.Lock()
	s.buf = append(s.buf[:0], p...)
	s.mu.Unlock()
	return s.Finalize(version, int64(len(p)))
}

// Bytes returns a copy of the collected payload.
func (s *BufferSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf...)
}

// Version returns the version passed to Finalize.
func (s *BufferSink) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Finalized returns how many times Finalize was called.
func (s *BufferSink) Finalized() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}
