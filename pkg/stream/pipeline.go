package stream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-logr/logr"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"

	"github.com/srediag/shmregion/internal/logging"
	"github.com/srediag/shmregion/pkg/registry"
	"github.com/srediag/shmregion/pkg/shm"
)

const (
	// DefaultPollInterval is how often an idle consumer checks the ring.
	DefaultPollInterval = time.Millisecond
	// DefaultWorkers bounds the number of concurrently draining sessions.
	DefaultWorkers = 16
)

// Observer receives stream counters.
type Observer interface {
	ObserveChunk(bytes int)
	ObserveBackpressure(timedOut bool)
	ObserveSession(state string)
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	Workers      int
	PollInterval time.Duration
	Logger       logr.Logger
	Observer     Observer
}

// StartOptions describes one upload.
type StartOptions struct {
	Name        string
	TotalLength int64
	ChunkSize   int
	BufferCount int
	// Version is passed to Sink.Finalize; zero lets the sink decide.
	Version uint64
	Sink    Sink
}

func (o StartOptions) validate() error {
	switch {
	case o.Name == "":
		return errors.New("stream: empty session name")
	case o.TotalLength < 0:
		return fmt.Errorf("stream: negative total length %d", o.TotalLength)
	case o.ChunkSize <= 0 || o.ChunkSize > math.MaxUint32:
		return fmt.Errorf("stream: invalid chunk size %d", o.ChunkSize)
	case o.BufferCount <= 0 || o.BufferCount > math.MaxUint16:
		return fmt.Errorf("stream: invalid buffer count %d", o.BufferCount)
	case o.Sink == nil:
		return errors.New("stream: nil sink")
	}
	return nil
}

// Pipeline runs the consumer side of uploads. Each session is drained by a
// worker from a bounded pool.
type Pipeline struct {
	reg      *registry.Registry
	pool     *ants.Pool
	sessions cmap.ConcurrentMap[string, *Session]
	opts     PipelineOptions
	log      logr.Logger
}

type antsLogger struct {
	log logr.Logger
}

func (l antsLogger) Printf(format string, args ...any) {
	l.log.Info(fmt.Sprintf(format, args...))
}

// NewPipeline returns a pipeline creating its segments through reg.
func NewPipeline(reg *registry.Registry, opts PipelineOptions) (*Pipeline, error) {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	log := logging.OrDefault(opts.Logger).WithName("stream")
	pool, err := ants.NewPool(opts.Workers,
		ants.WithNonblocking(true),
		ants.WithLogger(antsLogger{log: log}),
		ants.WithPanicHandler(func(v any) {
			log.Error(fmt.Errorf("%v", v), "stream worker panicked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Pipeline{
		reg:      reg,
		pool:     pool,
		sessions: cmap.New[*Session](),
		opts:     opts,
		log:      log,
	}, nil
}

// Registry returns the registry holding the session segments.
func (p *Pipeline) Registry() *registry.Registry { return p.reg }

// Start creates the control and data segments of a session and starts
// draining it.
func (p *Pipeline) Start(ctx context.Context, o StartOptions) (*Session, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	if p.pool.IsClosed() {
		return nil, ants.ErrPoolClosed
	}
	s := newSession(o)
	if !p.sessions.SetIfAbsent(o.Name, s) {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, o.Name)
	}

	if err := p.allocate(ctx, s); err != nil {
		p.sessions.Remove(o.Name)
		p.release(context.WithoutCancel(ctx), s)
		return nil, err
	}
	s.state.Store(int32(StateStarted))
	p.observe(StateStarted)

	if err := p.pool.Submit(func() { p.consume(s) }); err != nil {
		p.sessions.Remove(o.Name)
		p.release(context.WithoutCancel(ctx), s)
		return nil, fmt.Errorf("start consumer for %s: %w", o.Name, err)
	}
	p.log.V(1).Info("session started", "session", o.Name, "total", o.TotalLength,
		"chunkSize", o.ChunkSize, "buffers", o.BufferCount)
	return s, nil
}

func (p *Pipeline) allocate(ctx context.Context, s *Session) error {
	ctrl, err := p.reg.CreateSegment(ctx, ControlName(s.info.Name), ControlSize(s.info.BufferCount))
	if err != nil {
		return err
	}
	s.ctrl = ctrl
	if err := ctrl.View(func(buf []byte) error {
		_, err := initRing(buf, uint32(s.info.BufferCount))
		return err
	}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range s.data {
		i := i
		g.Go(func() error {
			seg, err := p.reg.CreateSegment(gctx, DataName(s.info.Name, i), s.info.ChunkSize)
			s.data[i] = seg
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.info.Control = ctrl.Locator()
	s.info.Data = make([]shm.Locator, len(s.data))
	for i, seg := range s.data {
		s.info.Data[i] = seg.Locator()
	}
	return nil
}

func (p *Pipeline) release(ctx context.Context, s *Session) error {
	var errs error
	names := []string{ControlName(s.info.Name)}
	for i := range s.data {
		names = append(names, DataName(s.info.Name, i))
	}
	for _, name := range names {
		if err := p.reg.Release(ctx, name); err != nil && !errors.Is(err, shm.ErrNotFound) {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

func (p *Pipeline) consume(s *Session) {
	defer close(s.done)
	defer func() {
		if v := recover(); v != nil {
			p.failed(s, fmt.Errorf("consumer panicked: %v", v))
		}
	}()

	t := time.NewTicker(p.opts.PollInterval)
	defer t.Stop()
	for {
		finished, err := p.drain(s)
		if err != nil {
			p.failed(s, err)
			return
		}
		if finished {
			return
		}
		select {
		case <-s.stop:
			return
		case <-t.C:
		}
	}
}

// drain applies every published entry. It reports true once the finalize
// entry was applied.
func (p *Pipeline) drain(s *Session) (bool, error) {
	var finished bool
	err := s.ctrl.View(func(buf []byte) error {
		r, err := openSessionRing(buf, len(s.data))
		if err != nil {
			return err
		}
		for {
			head, tail := r.head(), r.tail()
			if head == tail {
				return nil
			}
			if tail-head > r.capacity() {
				return fmt.Errorf("%w: tail %d is more than %d ahead of head %d", ErrCorruptEntry, tail, r.capacity(), head)
			}
			e := r.entry(head)
			if err := e.validate(len(s.data), s.info.ChunkSize, uint64(s.info.TotalLength)); err != nil {
				return err
			}
			s.state.CompareAndSwap(int32(StateStarted), int32(StateDraining))
			if err := p.apply(s, e); err != nil {
				return err
			}
			r.setHead(head + 1)
			if e.Finalize {
				if err := s.sink.Finalize(s.info.Version, s.info.TotalLength); err != nil {
					return fmt.Errorf("finalize %s: %w", s.info.Name, err)
				}
				if s.state.CompareAndSwap(int32(StateDraining), int32(StateFinalized)) {
					p.observe(StateFinalized)
					p.log.V(1).Info("session finalized", "session", s.info.Name, "bytes", s.Applied())
				}
				finished = true
				return nil
			}
		}
	})
	return finished, err
}

func (p *Pipeline) apply(s *Session, e Entry) error {
	return s.data[e.BufferIndex].View(func(buf []byte) error {
		chunk := buf[:e.Length]
		if _, err := s.sink.WriteAt(chunk, int64(e.Offset)); err != nil {
			return fmt.Errorf("write %d bytes at %d: %w", e.Length, e.Offset, err)
		}
		s.mu.Lock()
		_, _ = s.digest.Write(chunk)
		s.mu.Unlock()
		s.applied.Add(int64(e.Length))
		if p.opts.Observer != nil {
			p.opts.Observer.ObserveChunk(int(e.Length))
		}
		return nil
	})
}

func (p *Pipeline) failed(s *Session, err error) {
	if s.fail(err) {
		p.observe(StateFailed)
		p.log.Error(err, "session failed", "session", s.info.Name)
	}
}

func (p *Pipeline) observe(st State) {
	if p.opts.Observer != nil {
		p.opts.Observer.ObserveSession(st.String())
	}
}

// Session returns the running session called name.
func (p *Pipeline) Session(name string) (*Session, bool) {
	return p.sessions.Get(name)
}

// Sessions returns the names of running sessions.
func (p *Pipeline) Sessions() []string {
	return p.sessions.Keys()
}

// Running returns the number of busy workers.
func (p *Pipeline) Running() int { return p.pool.Running() }

// Closed reports whether the pipeline was closed.
func (p *Pipeline) Closed() bool { return p.pool.IsClosed() }

// Stop ends a session and releases its segments. Stopping before the
// session finalized drops whatever was not consumed yet; callers should
// Wait first.
func (p *Pipeline) Stop(ctx context.Context, name string) error {
	s, ok := p.sessions.Pop(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	s.requestStop()
	select {
	case <-s.done:
	case <-ctx.Done():
		p.log.Error(nil, "releasing session before its worker stopped", "session", name)
	}
	if s.fail(ErrSessionStopped) {
		p.observe(StateFailed)
		p.log.Error(nil, "session stopped before finalize", "session", name, "applied", s.Applied())
	}
	return p.release(context.WithoutCancel(ctx), s)
}

// Close stops every session and the worker pool.
func (p *Pipeline) Close(ctx context.Context) error {
	var errs error
	for _, name := range p.sessions.Keys() {
		if err := p.Stop(ctx, name); err != nil && !errors.Is(err, ErrSessionNotFound) {
			errs = errors.Join(errs, err)
		}
	}
	p.pool.Release()
	return errs
}
