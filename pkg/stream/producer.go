package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/srediag/shmregion/internal/logging"
	"github.com/srediag/shmregion/internal/wait"
	"github.com/srediag/shmregion/pkg/registry"
	"github.com/srediag/shmregion/pkg/shm"
)

// DefaultBackpressureTimeout bounds how long a producer waits for a free
// ring slot.
const DefaultBackpressureTimeout = 5 * time.Second

// ErrProducerDone is returned when writing to a producer that already sent
// its finalize entry.
var ErrProducerDone = errors.New("stream: producer already finalized")

// ProducerOptions configures a Producer.
type ProducerOptions struct {
	PollInterval        time.Duration
	BackpressureTimeout time.Duration
	// Abort is checked whenever the producer waits for a free slot. A
	// non-nil result ends the wait and is returned, e.g. once the consumer
	// session failed.
	Abort               func() error
	Logger              logr.Logger
	Observer            Observer
}

// Producer is the writing side of a session. It is not safe for use by
// several goroutines; one producer feeds one session.
type Producer struct {
	info SessionInfo
	reg  *registry.Registry
	opts ProducerOptions
	log  logr.Logger

	mu        sync.Mutex
	ring      ring
	ctrlView  func(func([]byte) error) error
	data      []dataView
	written   uint64
	finalized bool
	attached  []string
}

type dataView interface {
	View(fn func([]byte) error) error
}

// Attach registers the segments named in info with reg and opens them.
func Attach(ctx context.Context, reg *registry.Registry, info SessionInfo, opts ProducerOptions) (*Producer, error) {
	if info.BufferCount <= 0 || len(info.Data) != info.BufferCount {
		return nil, fmt.Errorf("stream: session %s lists %d data segments for %d buffers", info.Name, len(info.Data), info.BufferCount)
	}
	if info.TotalLength < 0 || info.ChunkSize <= 0 {
		return nil, fmt.Errorf("stream: session %s has invalid geometry", info.Name)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.BackpressureTimeout <= 0 {
		opts.BackpressureTimeout = DefaultBackpressureTimeout
	}
	p := &Producer{
		info: info,
		reg:  reg,
		opts: opts,
		log:  logging.OrDefault(opts.Logger).WithName("stream").WithValues("session", info.Name),
		data: make([]dataView, info.BufferCount),
	}

	ctrlName := ControlName(info.Name)
	p.track(ctrlName)
	reg.RegisterSegment(ctrlName, info.Control)
	ctrl, err := reg.OpenSegment(ctx, ctrlName)
	if err != nil {
		p.Close(ctx)
		return nil, err
	}
	if err := ctrl.View(func(buf []byte) error {
		_, err := openSessionRing(buf, info.BufferCount)
		return err
	}); err != nil {
		p.Close(ctx)
		return nil, err
	}
	p.ctrlView = ctrl.View

	for i, loc := range info.Data {
		name := DataName(info.Name, i)
		p.track(name)
		reg.RegisterSegment(name, loc)
		seg, err := reg.OpenSegment(ctx, name)
		if err != nil {
			p.Close(ctx)
			return nil, err
		}
		if seg.Len() < info.ChunkSize {
			p.Close(ctx)
			return nil, fmt.Errorf("stream: data segment %s holds %d bytes, chunks are %d", name, seg.Len(), info.ChunkSize)
		}
		p.data[i] = seg
	}
	return p, nil
}

func (p *Producer) track(name string) {
	if !p.reg.Owned(name) {
		p.attached = append(p.attached, name)
	}
}

// Written returns the number of payload bytes handed to the ring.
func (p *Producer) Written() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(p.written)
}

// Finalized reports whether the finalize entry was published.
func (p *Producer) Finalized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finalized
}

// Write streams data, which must be the whole remaining payload.
func (p *Producer) Write(ctx context.Context, data []byte) error {
	_, err := p.Upload(ctx, bytes.NewReader(data))
	return err
}

// Upload reads the remaining payload from r and streams it chunk by chunk.
// It returns the number of bytes sent by this call.
func (p *Producer) Upload(ctx context.Context, r io.Reader) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized {
		return 0, ErrProducerDone
	}
	total := uint64(p.info.TotalLength)
	if total == 0 {
		return 0, p.pushLocked(ctx, 0, nil)
	}
	start := p.written
	for p.written < total {
		n := min(uint64(p.info.ChunkSize), total-p.written)
		fill := func(dst []byte) error {
			if _, err := io.ReadFull(r, dst); err != nil {
				return fmt.Errorf("read chunk at %d: %w", p.written, err)
			}
			return nil
		}
		if err := p.pushLocked(ctx, uint32(n), fill); err != nil {
			return int64(p.written - start), err
		}
	}
	return int64(p.written - start), nil
}

func (p *Producer) pushLocked(ctx context.Context, n uint32, fill func([]byte) error) error {
	checks := 0
	err := wait.Until(ctx, p.opts.PollInterval, p.opts.BackpressureTimeout, func() (bool, error) {
		checks++
		if p.opts.Abort != nil {
			if err := p.opts.Abort(); err != nil {
				return false, err
			}
		}
		free := false
		err := p.ctrlView(func(buf []byte) error {
			r, err := openSessionRing(buf, p.info.BufferCount)
			if err != nil {
				return err
			}
			free = r.outstanding() < r.capacity()
			return nil
		})
		return free, err
	})
	if err != nil {
		if errors.Is(err, wait.ErrExhausted) {
			p.observeBackpressure(true)
			return fmt.Errorf("%w: no free slot after %s", ErrBackpressureTimeout, p.opts.BackpressureTimeout)
		}
		return err
	}
	if checks > 1 {
		p.observeBackpressure(false)
	}

	return p.ctrlView(func(buf []byte) error {
		r, err := openSessionRing(buf, p.info.BufferCount)
		if err != nil {
			return err
		}
		tail := r.tail()
		idx := tail % r.capacity()
		if fill != nil {
			if err := p.data[idx].View(func(d []byte) error { return fill(d[:n]) }); err != nil {
				return err
			}
		}
		e := Entry{
			BufferIndex: idx,
			Length:      n,
			Offset:      p.written,
			Finalize:    p.written+uint64(n) == uint64(p.info.TotalLength),
		}
		r.putEntry(tail, e)
		r.setTail(tail + 1)
		p.written += uint64(n)
		if e.Finalize {
			p.finalized = true
			p.log.V(1).Info("finalize entry published", "bytes", p.written)
		}
		return nil
	})
}

func (p *Producer) observeBackpressure(timedOut bool) {
	if p.opts.Observer != nil {
		p.opts.Observer.ObserveBackpressure(timedOut)
	}
}

// Close releases the segments this producer attached. Segments owned by
// the same registry, as when producer and consumer share a process, stay.
func (p *Producer) Close(ctx context.Context) error {
	var errs error
	for _, name := range p.attached {
		if p.reg.Owned(name) {
			continue
		}
		// a refresher may already have released names the peer dropped
		if err := p.reg.Release(ctx, name); err != nil && !errors.Is(err, shm.ErrNotFound) {
			errs = errors.Join(errs, err)
		}
	}
	p.attached = nil
	return errs
}
