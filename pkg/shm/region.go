package shm

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmregion/internal/logging"
	internalshm "github.com/srediag/shmregion/internal/shm"
)

// Status classifies a read.
type Status int

const (
	// StatusEmpty means the region was never written.
	StatusEmpty Status = iota
	// StatusUnchanged means the version did not move since the last read.
	StatusUnchanged
	// StatusData means a payload was copied out.
	StatusData
)

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusUnchanged:
		return "unchanged"
	case StatusData:
		return "data"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Snapshot is the result of a read. Data is a private copy.
type Snapshot struct {
	Status  Status
	Version uint64
	Data    []byte
}

// WriteResult describes a completed write.
type WriteResult struct {
	Version uint64
	Length  int
}

// Info is a header-only view of a region.
type Info struct {
	Name            string  `json:"name"`
	Locator         Locator `json:"locator"`
	Backend         string  `json:"backend"`
	Layout          string  `json:"layout"`
	Capacity        int     `json:"capacity"`
	PayloadCapacity int     `json:"payloadCapacity"`
	Initialized     bool    `json:"initialized"`
	Version         uint64  `json:"version"`
	Length          int     `json:"length"`
	Owner           bool    `json:"owner"`
}

type options struct {
	layout   Layout
	policy   VersionPolicy
	compare  Compare
	meter    metric.Meter
	tracer   trace.Tracer
	observer Observer
	log      logr.Logger
}

// Option configures a region.
type Option func(*options)

// WithLayout selects the header layout. The default is LayoutCompact.
func WithLayout(l Layout) Option {
	return func(o *options) { o.layout = l }
}

// WithVersionPolicy selects how Write picks versions. The default is IncrementPolicy.
func WithVersionPolicy(p VersionPolicy) Option {
	return func(o *options) {
		if p != nil {
			o.policy = p
		}
	}
}

// WithCompare selects how ReadSince detects unchanged versions.
func WithCompare(c Compare) Option {
	return func(o *options) { o.compare = c }
}

// WithMeter records OpenTelemetry counters on meter.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

// WithTracer records create and attach spans on tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithObserver reports writes and reads to obs.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithLogger sets the logger.
func WithLogger(l logr.Logger) Option {
	return func(o *options) { o.log = l }
}

func buildOptions(opts []Option) options {
	o := options{layout: LayoutCompact, policy: IncrementPolicy{}}
	for _, opt := range opts {
		opt(&o)
	}
	o.log = logging.OrDefault(o.log).WithName("shm")
	return o
}

type writeOptions struct {
	version    uint64
	hasVersion bool
}

// WriteOption configures a single write.
type WriteOption func(*writeOptions)

// WithVersion writes an explicit version instead of asking the policy.
func WithVersion(v uint64) WriteOption {
	return func(o *writeOptions) {
		o.version = v
		o.hasVersion = true
	}
}

// Region is a fixed-capacity shared buffer with a versioned header. A region
// has a single writer; in-process writes are serialized.
type Region struct {
	seg     *Segment
	layout  Layout
	policy  VersionPolicy
	compare Compare
	inst    *instruments
	log     logr.Logger

	writeMu sync.Mutex
}

// Create allocates a region of capacity bytes, header included, and zeroes
// its header. Closing the region destroys the backing object.
func Create(ctx context.Context, b Backend, name string, capacity int, opts ...Option) (r *Region, err error) {
	o := buildOptions(opts)
	inst := newInstruments(o.meter, o.tracer, o.observer)
	ctx, span := inst.start(ctx, "Create", name, attribute.Int("shm.capacity", capacity), attribute.String("shm.backend", b.Name()))
	defer func() { endSpan(span, err) }()

	if capacity < o.layout.Size {
		return nil, fmt.Errorf("%w: capacity %d is smaller than the %d byte header", ErrAllocationFailed, capacity, o.layout.Size)
	}
	seg, err := CreateSegment(ctx, b, name, capacity)
	if err != nil {
		return nil, err
	}
	_ = seg.View(func(buf []byte) error {
		clear(buf[:o.layout.Size])
		return nil
	})
	o.log.V(1).Info("region created", "region", name, "locator", seg.Locator(), "capacity", capacity)
	return newRegion(seg, o, inst), nil
}

// Attach maps an existing region created elsewhere. It returns ErrNotFound
// when the backing object does not exist.
func Attach(ctx context.Context, b Backend, name string, loc Locator, opts ...Option) (r *Region, err error) {
	o := buildOptions(opts)
	inst := newInstruments(o.meter, o.tracer, o.observer)
	ctx, span := inst.start(ctx, "Attach", name, attribute.String("shm.locator", string(loc)))
	defer func() { endSpan(span, err) }()

	seg, err := AttachSegment(ctx, b, name, loc, 0)
	if err != nil {
		return nil, err
	}
	r, err = FromSegment(seg, opts...)
	if err != nil {
		_ = seg.Close(ctx)
		return nil, err
	}
	o.log.V(1).Info("region attached", "region", name, "locator", loc, "capacity", seg.Len())
	return r, nil
}

// FromSegment interprets a mapped segment as a region.
func FromSegment(seg *Segment, opts ...Option) (*Region, error) {
	o := buildOptions(opts)
	if seg.Len() < o.layout.Size {
		return nil, fmt.Errorf("%w: %s maps %d bytes, header needs %d", ErrInvalidHeader, seg.Name(), seg.Len(), o.layout.Size)
	}
	return newRegion(seg, o, newInstruments(o.meter, o.tracer, o.observer)), nil
}

func newRegion(seg *Segment, o options, inst *instruments) *Region {
	return &Region{
		seg:     seg,
		layout:  o.layout,
		policy:  o.policy,
		compare: o.compare,
		inst:    inst,
		log:     o.log,
	}
}

// Name returns the logical region name.
func (r *Region) Name() string { return r.seg.Name() }

// Locator returns the locator peers use to attach.
func (r *Region) Locator() Locator { return r.seg.Locator() }

// Segment returns the underlying mapping.
func (r *Region) Segment() *Segment { return r.seg }

// Layout returns the header layout.
func (r *Region) Layout() Layout { return r.layout }

// Capacity returns the region size including the header.
func (r *Region) Capacity() int { return r.seg.Len() }

// PayloadCapacity returns the largest payload the region holds.
func (r *Region) PayloadCapacity() int { return r.layout.PayloadCapacity(r.seg.Len()) }

// Write stores data as the new payload and publishes it with the next
// version. Payload, length, version and magic are stored in that order.
func (r *Region) Write(data []byte, opts ...WriteOption) (WriteResult, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.writeAt(data, 0); err != nil {
		return WriteResult{}, err
	}
	return r.publish(len(data), opts)
}

// WriteAt copies p into the payload at off without publishing it. Readers
// keep seeing the previous version until Publish.
func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.writeAt(p, off); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Publish makes the first length payload bytes visible with a new version.
func (r *Region) Publish(length int, opts ...WriteOption) (WriteResult, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.publish(length, opts)
}

func (r *Region) writeAt(p []byte, off int64) error {
	return r.seg.View(func(buf []byte) error {
		limit := int64(r.layout.PayloadCapacity(len(buf)))
		if off < 0 || off+int64(len(p)) > limit {
			return fmt.Errorf("%w: %d bytes at offset %d exceed payload capacity %d of %s",
				ErrCapacityExceeded, len(p), off, limit, r.Name())
		}
		copy(buf[int64(r.layout.Size)+off:], p)
		return nil
	})
}

func (r *Region) publish(length int, opts []WriteOption) (WriteResult, error) {
	var wo writeOptions
	for _, opt := range opts {
		opt(&wo)
	}
	var res WriteResult
	err := r.seg.View(func(buf []byte) error {
		if length < 0 || length > r.layout.PayloadCapacity(len(buf)) {
			return fmt.Errorf("%w: length %d exceeds payload capacity %d of %s",
				ErrCapacityExceeded, length, r.layout.PayloadCapacity(len(buf)), r.Name())
		}
		version := wo.version
		if !wo.hasVersion {
			version = r.policy.Next(internalshm.LoadUint64(buf, r.layout.VersionOffset))
		}
		internalshm.StoreUint64(buf, r.layout.LengthOffset, uint64(length))
		internalshm.StoreUint64(buf, r.layout.VersionOffset, version)
		if !internalshm.CompareAndSwapUint64(buf, r.layout.MagicOffset, 0, Magic) {
			if internalshm.LoadUint64(buf, r.layout.MagicOffset) != Magic {
				internalshm.StoreUint64(buf, r.layout.MagicOffset, Magic)
			}
		}
		res = WriteResult{Version: version, Length: length}
		return nil
	})
	if err != nil {
		return WriteResult{}, err
	}
	r.inst.wrote(r.Name(), length)
	r.log.V(2).Info("region published", "region", r.Name(), "version", res.Version, "length", length)
	return res, nil
}

// Read copies out the current payload.
func (r *Region) Read() (Snapshot, error) {
	return r.read(0, false)
}

// ReadSince returns StatusUnchanged without copying when the version is
// unchanged relative to last, and the payload otherwise.
func (r *Region) ReadSince(last uint64) (Snapshot, error) {
	return r.read(last, true)
}

func (r *Region) read(last uint64, since bool) (Snapshot, error) {
	var snap Snapshot
	err := r.seg.View(func(buf []byte) error {
		magic := internalshm.LoadUint64(buf, r.layout.MagicOffset)
		if magic == 0 {
			snap = Snapshot{Status: StatusEmpty}
			return nil
		}
		if magic != Magic {
			return fmt.Errorf("%w: %s magic %#x", ErrInvalidHeader, r.Name(), magic)
		}
		version := internalshm.LoadUint64(buf, r.layout.VersionOffset)
		if since && r.compare.Unchanged(version, last) {
			snap = Snapshot{Status: StatusUnchanged, Version: version}
			return nil
		}
		h := Header{Magic: magic, Version: version, Length: internalshm.LoadUint64(buf, r.layout.LengthOffset)}
		n := h.ClampLength(r.layout, len(buf))
		data := make([]byte, n)
		copy(data, buf[r.layout.Size:r.layout.Size+n])
		snap = Snapshot{Status: StatusData, Version: version, Data: data}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	r.inst.read(r.Name(), snap.Status.String())
	return snap, nil
}

// Header loads the header fields. The zero Header means never written.
func (r *Region) Header() (Header, error) {
	var h Header
	err := r.seg.View(func(buf []byte) error {
		magic := internalshm.LoadUint64(buf, r.layout.MagicOffset)
		if magic == 0 {
			return nil
		}
		if magic != Magic {
			return fmt.Errorf("%w: %s magic %#x", ErrInvalidHeader, r.Name(), magic)
		}
		h = Header{
			Magic:   magic,
			Version: internalshm.LoadUint64(buf, r.layout.VersionOffset),
			Length:  internalshm.LoadUint64(buf, r.layout.LengthOffset),
		}
		return nil
	})
	return h, err
}

// Info decodes the header without copying the payload.
func (r *Region) Info() (Info, error) {
	h, err := r.Header()
	if err != nil {
		return Info{}, err
	}
	capacity := r.seg.Len()
	return Info{
		Name:            r.Name(),
		Locator:         r.Locator(),
		Backend:         r.seg.Backend().Name(),
		Layout:          r.layout.Name,
		Capacity:        capacity,
		PayloadCapacity: r.layout.PayloadCapacity(capacity),
		Initialized:     h.Initialized(),
		Version:         h.Version,
		Length:          h.ClampLength(r.layout, capacity),
		Owner:           r.seg.Owner(),
	}, nil
}

// Closed reports whether the region was closed.
func (r *Region) Closed() bool { return r.seg.Closed() }

// Close unmaps the region; the creator also destroys the backing object.
// Later operations return ErrNotFound.
func (r *Region) Close(ctx context.Context) error {
	return r.seg.Close(ctx)
}
