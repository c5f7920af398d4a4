package stream

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/suite"

	internalshm "github.com/srediag/shmregion/internal/shm"
	"github.com/srediag/shmregion/pkg/registry"
	"github.com/srediag/shmregion/pkg/shm"
)

type countingObserver struct {
	mu          sync.Mutex
	chunks      int
	bytes       int
	waits       int
	timeouts    int
	transitions map[string]int
}

func (o *countingObserver) ObserveChunk(n int) {
	o.mu.Lock()
	o.chunks++
	o.bytes += n
	o.mu.Unlock()
}

func (o *countingObserver) ObserveBackpressure(timedOut bool) {
	o.mu.Lock()
	if timedOut {
		o.timeouts++
	} else {
		o.waits++
	}
	o.mu.Unlock()
}

func (o *countingObserver) ObserveSession(state string) {
	o.mu.Lock()
	if o.transitions == nil {
		o.transitions = map[string]int{}
	}
	o.transitions[state]++
	o.mu.Unlock()
}

func (o *countingObserver) count(state string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transitions[state]
}

func payload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + i/251)
	}
	return p
}

type PipelineTestSuite struct {
	suite.Suite
	ctx      context.Context
	cancel   context.CancelFunc
	backend  *shm.HeapBackend
	reg      *registry.Registry
	peer     *registry.Registry
	observer *countingObserver
	pipeline *Pipeline
}

func (s *PipelineTestSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 10*time.Second)
	s.backend = shm.NewHeapBackend()
	s.reg = registry.New(registry.Options{Backend: s.backend, Logger: testr.New(s.T())})
	s.peer = registry.New(registry.Options{Backend: s.backend, Logger: testr.New(s.T())})
	s.observer = &countingObserver{}
	var err error
	s.pipeline, err = NewPipeline(s.reg, PipelineOptions{
		Workers:  4,
		Logger:   testr.New(s.T()),
		Observer: s.observer,
	})
	s.Require().NoError(err)
}

func (s *PipelineTestSuite) TearDownTest() {
	s.NoError(s.pipeline.Close(s.ctx))
	s.NoError(s.peer.Close(s.ctx))
	s.NoError(s.reg.Close(s.ctx))
	s.cancel()
}

func (s *PipelineTestSuite) producer(info SessionInfo, opts ProducerOptions) *Producer {
	opts.Observer = s.observer
	p, err := Attach(s.ctx, s.peer, info, opts)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func (s *PipelineTestSuite) TestReassembly() {
	data := payload(10*1024 + 17)
	sink := &BufferSink{}
	session, err := s.pipeline.Start(s.ctx, StartOptions{
		Name:        "blob",
		TotalLength: int64(len(data)),
		ChunkSize:   1024,
		BufferCount: 3,
		Version:     9,
		Sink:        sink,
	})
	s.Require().NoError(err)
	s.Equal(3, len(session.Info().Data))
	s.True(s.reg.Has(ControlName("blob")))
	s.True(s.reg.Has(DataName("blob", 2)))

	p := s.producer(session.Info(), ProducerOptions{})
	s.Require().NoError(p.Write(s.ctx, data))
	s.True(p.Finalized())
	s.Equal(int64(len(data)), p.Written())

	s.Require().NoError(session.Wait(s.ctx))
	s.Equal(StateFinalized, session.State())
	s.Equal(data, sink.Bytes())
	s.Equal(1, sink.Finalized())
	s.Equal(uint64(9), sink.Version())
	s.Equal(int64(len(data)), session.Applied())
	s.Equal(xxhash.Sum64(data), session.Digest())
	s.Equal(11, s.observer.chunks)
	s.Equal(1, s.observer.count("finalized"))

	s.Require().NoError(s.pipeline.Stop(s.ctx, "blob"))
	s.False(s.reg.Has(ControlName("blob")))
	s.Equal(StateFinalized, session.State())
}

func (s *PipelineTestSuite) TestZeroLength() {
	sink := &BufferSink{}
	session, err := s.pipeline.Start(s.ctx, StartOptions{Name: "empty", ChunkSize: 64, BufferCount: 2, Sink: sink})
	s.Require().NoError(err)

	p := s.producer(session.Info(), ProducerOptions{})
	s.Require().NoError(p.Write(s.ctx, nil))
	s.Require().NoError(session.Wait(s.ctx))
	s.Equal(1, sink.Finalized())
	s.Empty(sink.Bytes())
	s.ErrorIs(p.Write(s.ctx, nil), ErrProducerDone)
}

func (s *PipelineTestSuite) TestBackpressure() {
	const chunk, buffers = 8, 2
	name := "manual"
	ctrl, err := s.reg.CreateSegment(s.ctx, ControlName(name), ControlSize(buffers))
	s.Require().NoError(err)
	s.Require().NoError(ctrl.View(func(buf []byte) error {
		_, err := initRing(buf, buffers)
		return err
	}))
	info := SessionInfo{Name: name, TotalLength: chunk * (buffers + 1), ChunkSize: chunk, BufferCount: buffers, Control: ctrl.Locator()}
	for i := 0; i < buffers; i++ {
		seg, err := s.reg.CreateSegment(s.ctx, DataName(name, i), chunk)
		s.Require().NoError(err)
		info.Data = append(info.Data, seg.Locator())
	}

	data := payload(chunk * (buffers + 1))
	rd := bytes.NewReader(data)
	p := s.producer(info, ProducerOptions{BackpressureTimeout: 30 * time.Millisecond})
	n, err := p.Upload(s.ctx, rd)
	s.ErrorIs(err, ErrBackpressureTimeout)
	s.Equal(int64(chunk*buffers), n)
	s.Equal(1, s.observer.timeouts)

	// consume the first entry by hand
	var first Entry
	s.Require().NoError(ctrl.View(func(buf []byte) error {
		r, err := openRing(buf)
		if err != nil {
			return err
		}
		s.Equal(uint32(buffers), r.outstanding())
		first = r.entry(r.head())
		r.setHead(r.head() + 1)
		return nil
	}))
	s.Equal(Entry{BufferIndex: 0, Length: chunk}, first)

	n, err = p.Upload(s.ctx, rd)
	s.Require().NoError(err)
	s.Equal(int64(chunk), n)
	s.True(p.Finalized())
	s.Require().NoError(ctrl.View(func(buf []byte) error {
		r, err := openRing(buf)
		if err != nil {
			return err
		}
		last := r.entry(r.tail() - 1)
		s.Equal(Entry{BufferIndex: 0, Length: chunk, Offset: chunk * buffers, Finalize: true}, last)
		return nil
	}))
}

func (s *PipelineTestSuite) TestProducerCapacityOverwritten() {
	const chunk, buffers = 8, 2
	name := "clobbered"
	ctrl, err := s.reg.CreateSegment(s.ctx, ControlName(name), ControlSize(buffers+1))
	s.Require().NoError(err)
	s.Require().NoError(ctrl.View(func(buf []byte) error {
		_, err := initRing(buf, buffers)
		return err
	}))
	info := SessionInfo{Name: name, TotalLength: chunk * 4, ChunkSize: chunk, BufferCount: buffers, Control: ctrl.Locator()}
	for i := 0; i < buffers; i++ {
		seg, err := s.reg.CreateSegment(s.ctx, DataName(name, i), chunk)
		s.Require().NoError(err)
		info.Data = append(info.Data, seg.Locator())
	}
	p := s.producer(info, ProducerOptions{BackpressureTimeout: 30 * time.Millisecond})

	for _, capacity := range []uint32{0, buffers + 1} {
		s.Require().NoError(ctrl.View(func(buf []byte) error {
			internalshm.StoreUint32(buf, capacityOffset, capacity)
			return nil
		}))
		var n int64
		s.NotPanics(func() { n, err = p.Upload(s.ctx, bytes.NewReader(payload(chunk*4))) })
		s.ErrorIs(err, ErrCorruptEntry, "capacity %d", capacity)
		s.Zero(n)
	}
}

func (s *PipelineTestSuite) TestCorruptEntryFails() {
	sink := &BufferSink{}
	session, err := s.pipeline.Start(s.ctx, StartOptions{Name: "bad", TotalLength: 100, ChunkSize: 64, BufferCount: 2, Sink: sink})
	s.Require().NoError(err)

	ctrl, err := s.reg.OpenSegment(s.ctx, ControlName("bad"))
	s.Require().NoError(err)
	s.Require().NoError(ctrl.View(func(buf []byte) error {
		r, err := openRing(buf)
		if err != nil {
			return err
		}
		r.putEntry(0, Entry{BufferIndex: 7, Length: 10})
		r.setTail(1)
		return nil
	}))

	s.ErrorIs(session.Wait(s.ctx), ErrCorruptEntry)
	s.Equal(StateFailed, session.State())
	s.Zero(sink.Finalized())
	s.Equal(1, s.observer.count("failed"))
}

func (s *PipelineTestSuite) TestDuplicateStart() {
	opts := StartOptions{Name: "dup", TotalLength: 10, ChunkSize: 8, BufferCount: 1, Sink: &BufferSink{}}
	_, err := s.pipeline.Start(s.ctx, opts)
	s.Require().NoError(err)
	_, err = s.pipeline.Start(s.ctx, opts)
	s.ErrorIs(err, ErrSessionExists)
	s.Equal([]string{"dup"}, s.pipeline.Sessions())
}

func (s *PipelineTestSuite) TestStartValidation() {
	_, err := s.pipeline.Start(s.ctx, StartOptions{Name: "x", ChunkSize: 0, BufferCount: 1, Sink: &BufferSink{}})
	s.Error(err)
	_, err = s.pipeline.Start(s.ctx, StartOptions{Name: "x", ChunkSize: 8, BufferCount: 1})
	s.Error(err)
	s.Empty(s.pipeline.Sessions())
	s.False(s.reg.Has(ControlName("x")))
}

func (s *PipelineTestSuite) TestStop() {
	s.ErrorIs(s.pipeline.Stop(s.ctx, "missing"), ErrSessionNotFound)

	session, err := s.pipeline.Start(s.ctx, StartOptions{Name: "early", TotalLength: 10, ChunkSize: 8, BufferCount: 1, Sink: &BufferSink{}})
	s.Require().NoError(err)
	s.Require().NoError(s.pipeline.Stop(s.ctx, "early"))
	s.ErrorIs(session.Wait(s.ctx), ErrSessionStopped)
	s.Equal(StateFailed, session.State())
	s.False(s.reg.Has(ControlName("early")))
	s.False(s.reg.Has(DataName("early", 0)))
}

func (s *PipelineTestSuite) TestRegionSink() {
	region, err := s.reg.GetOrCreate(s.ctx, "target", shm.LayoutCompact.Size+4096)
	s.Require().NoError(err)
	data := payload(3000)

	session, err := s.pipeline.Start(s.ctx, StartOptions{
		Name:        "to-region",
		TotalLength: int64(len(data)),
		ChunkSize:   512,
		BufferCount: 2,
		Sink:        RegionSink{Region: region},
	})
	s.Require().NoError(err)
	s.Require().NoError(s.producer(session.Info(), ProducerOptions{}).Write(s.ctx, data))
	s.Require().NoError(session.Wait(s.ctx))

	snap, err := region.Read()
	s.Require().NoError(err)
	s.Equal(shm.StatusData, snap.Status)
	s.Equal(uint64(1), snap.Version)
	s.Equal(data, snap.Data)
}

func TestPipeline(t *testing.T) {
	suite.Run(t, new(PipelineTestSuite))
}
