package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/srediag/shmregion/pkg/shm"
)

var (
	// ErrSessionExists is returned when a session name is already in use.
	ErrSessionExists = errors.New("stream: session already exists")
	// ErrSessionNotFound is returned for an unknown session name.
	ErrSessionNotFound = errors.New("stream: session not found")
	// ErrSessionStopped is the error of a session stopped before it finalized.
	ErrSessionStopped = errors.New("stream: session stopped before finalize")
	// ErrBackpressureTimeout is returned when the producer waited too long
	// for a free ring slot.
	ErrBackpressureTimeout = errors.New("stream: backpressure timeout")
)

// SessionInfo is everything a producer needs to attach. It is what the
// consumer hands to the producing side.
type SessionInfo struct {
	Name        string        `json:"name"`
	TotalLength int64         `json:"totalLength"`
	ChunkSize   int           `json:"chunkSize"`
	BufferCount int           `json:"bufferCount"`
	Version     uint64        `json:"version,omitempty"`
	Control     shm.Locator   `json:"control"`
	Data        []shm.Locator `json:"data"`
}

// Session is the consumer side of one upload.
type Session struct {
	info SessionInfo
	sink Sink
	ctrl *shm.Segment
	data []*shm.Segment

	state   atomic.Int32
	applied atomic.Int64
	digest  *xxhash.Digest

	mu  sync.Mutex
	err error

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newSession(o StartOptions) *Session {
	s := &Session{
		info: SessionInfo{
			Name:        o.Name,
			TotalLength: o.TotalLength,
			ChunkSize:   o.ChunkSize,
			BufferCount: o.BufferCount,
			Version:     o.Version,
		},
		sink:   o.Sink,
		data:   make([]*shm.Segment, o.BufferCount),
		digest: xxhash.New(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.state.Store(int32(StateIdle))
	return s
}

// Info returns the attach information for the producer.
func (s *Session) Info() SessionInfo {
	info := s.info
	info.Data = append([]shm.Locator(nil), s.info.Data...)
	return info
}

// Name returns the session name.
func (s *Session) Name() string { return s.info.Name }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// Err returns the failure cause of a failed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Applied returns the number of payload bytes delivered to the sink.
func (s *Session) Applied() int64 { return s.applied.Load() }

// Digest returns the xxhash of the chunks delivered so far, in arrival
// order. Call it once the session is done.
func (s *Session) Digest() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.digest.Sum64()
}

// Done is closed when the consumer stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session finalized or failed. It returns the
// failure cause, or an error wrapping shm.ErrTimeout when ctx ends first.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		if s.State() == StateFinalized {
			return nil
		}
		if err := s.Err(); err != nil {
			return err
		}
		return ErrSessionStopped
	case <-ctx.Done():
		return fmt.Errorf("%w: session %s is %s: %v", shm.ErrTimeout, s.info.Name, s.State(), ctx.Err())
	}
}

func (s *Session) fail(err error) bool {
	for {
		cur := State(s.state.Load())
		if cur.Terminal() {
			return false
		}
		if s.state.CompareAndSwap(int32(cur), int32(StateFailed)) {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return true
		}
	}
}

func (s *Session) requestStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}
