package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/shmregion/internal/logging"
	"github.com/srediag/shmregion/internal/wait"
	"github.com/srediag/shmregion/pkg/shm"
)

// EnvTextPath names the environment variable that carries the path of the
// text form to attaching processes.
const EnvTextPath = "SHMREGION_REGISTRY"

// DefaultPollInterval is the interval of WaitFor and of the refresher.
const DefaultPollInterval = 100 * time.Millisecond

var (
	// ErrClosed is returned by a closed registry.
	ErrClosed = errors.New("registry: closed")
	// ErrKindMismatch is returned when a name is used both for a region and a raw segment.
	ErrKindMismatch = errors.New("registry: name registered with another kind")
)

// Kind distinguishes header-carrying regions from raw segments.
type Kind int

const (
	KindRegion Kind = iota
	KindSegment
)

func (k Kind) String() string {
	if k == KindSegment {
		return "segment"
	}
	return "region"
}

// Observer receives registry counters.
type Observer interface {
	ObserveEntries(n int)
	ObserveAttachFailure(name string)
}

// Options configures a Registry.
type Options struct {
	// Backend allocates and maps regions. The default is shm.DefaultBackend().
	Backend shm.Backend
	// RegionOptions apply to every region created or attached.
	RegionOptions []shm.Option
	// TextPath, when set, receives the text form after every change and is
	// removed on Close.
	TextPath string
	// ExportEnv sets EnvTextPath to TextPath.
	ExportEnv bool
	// PollInterval is the WaitFor interval.
	PollInterval time.Duration
	Logger       logr.Logger
	Observer     Observer
}

type entry struct {
	name  string
	kind  Kind
	owner bool

	// peer entries that came from a text form
	loaded atomic.Bool

	mu      sync.Mutex
	loc     shm.Locator
	region  *shm.Region
	segment *shm.Segment
	failure string
	dropped bool
}

// Registry is the per-process table of named regions.
type Registry struct {
	opts    Options
	backend shm.Backend
	log     logr.Logger
	entries cmap.ConcurrentMap[string, *entry]

	persistMu sync.Mutex
	closed    atomic.Bool
}

// New returns an empty registry.
func New(opts Options) *Registry {
	if opts.Backend == nil {
		opts.Backend = shm.DefaultBackend()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	log := logging.OrDefault(opts.Logger).WithName("registry")
	opts.RegionOptions = append([]shm.Option{shm.WithLogger(log)}, opts.RegionOptions...)
	return &Registry{
		opts:    opts,
		backend: opts.Backend,
		log:     log,
		entries: cmap.New[*entry](),
	}
}

// Backend returns the backend regions are mapped through.
func (r *Registry) Backend() shm.Backend { return r.backend }

// reserve inserts a locked entry for name, or returns the existing one unlocked.
func (r *Registry) reserve(name string, kind Kind) (*entry, bool) {
	e := &entry{name: name, kind: kind, owner: true}
	e.mu.Lock()
	if r.entries.SetIfAbsent(name, e) {
		return e, true
	}
	e.mu.Unlock()
	existing, ok := r.entries.Get(name)
	if !ok {
		return nil, false
	}
	return existing, false
}

func (r *Registry) drop(e *entry) {
	e.dropped = true
	r.entries.RemoveCb(e.name, func(_ string, v *entry, exists bool) bool {
		return exists && v == e
	})
}

// GetOrCreate returns the region called name, creating it with capacity
// bytes when it does not exist. The capacity of an existing region is
// never changed.
//
// A name registered from a peer is never created here: while the peer's
// region cannot be attached, GetOrCreate returns an error wrapping
// shm.ErrNotFound, as Open does. Release the name first to take it over.
func (r *Registry) GetOrCreate(ctx context.Context, name string, capacity int) (*shm.Region, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	for {
		e, created := r.reserve(name, KindRegion)
		if e == nil {
			continue
		}
		if created {
			region, err := shm.Create(ctx, r.backend, name, capacity, r.opts.RegionOptions...)
			if err != nil {
				r.drop(e)
				e.mu.Unlock()
				return nil, err
			}
			e.region, e.loc = region, region.Locator()
			e.mu.Unlock()
			r.changed()
			r.log.Info("region created", "region", name, "capacity", capacity, "locator", e.loc)
			return region, nil
		}
		if e.kind != KindRegion {
			return nil, fmt.Errorf("%w: %s is a %s", ErrKindMismatch, name, e.kind)
		}
		e.mu.Lock()
		if e.dropped {
			e.mu.Unlock()
			continue
		}
		if e.region != nil && e.region.Capacity() != capacity {
			r.log.V(1).Info("region exists with another capacity", "region", name,
				"capacity", e.region.Capacity(), "requested", capacity)
		}
		region, err := r.attachRegionLocked(ctx, e)
		e.mu.Unlock()
		return region, err
	}
}

// CreateSegment creates a raw, header-less segment. Unlike GetOrCreate it
// fails when the name is taken.
func (r *Registry) CreateSegment(ctx context.Context, name string, size int) (*shm.Segment, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	e, created := r.reserve(name, KindSegment)
	if !created {
		return nil, fmt.Errorf("segment %s already registered", name)
	}
	seg, err := shm.CreateSegment(ctx, r.backend, name, size)
	if err != nil {
		r.drop(e)
		e.mu.Unlock()
		return nil, err
	}
	e.segment, e.loc = seg, seg.Locator()
	e.mu.Unlock()
	r.changed()
	r.log.V(1).Info("segment created", "segment", name, "size", size, "locator", e.loc)
	return seg, nil
}

// Register records the locator of a region or segment created by a peer.
// Entries this registry created are left untouched.
func (r *Registry) Register(name string, loc shm.Locator) {
	r.register(name, KindRegion, loc, false)
}

// RegisterSegment records the locator of a raw segment created by a peer.
func (r *Registry) RegisterSegment(name string, loc shm.Locator) {
	r.register(name, KindSegment, loc, false)
}

func (r *Registry) register(name string, kind Kind, loc shm.Locator, loaded bool) {
	if name == "" || loc == "" || r.closed.Load() {
		return
	}
	var stale *entry
	r.entries.Upsert(name, nil, func(exist bool, cur *entry, _ *entry) *entry {
		if exist && (cur.owner || cur.loc == loc) {
			if loaded && !cur.owner {
				cur.loaded.Store(true)
			}
			return cur
		}
		if exist {
			stale = cur
		}
		e := &entry{name: name, kind: kind, loc: loc}
		e.loaded.Store(loaded)
		return e
	})
	if stale != nil {
		// the peer recreated the region somewhere else
		stale.mu.Lock()
		stale.dropped = true
		closeEntryLocked(context.Background(), stale)
		stale.mu.Unlock()
	}
	r.observeEntries()
}

// Load registers every pair of a text form. It never removes entries; use
// Sync to follow a peer that also drops names.
func (r *Registry) Load(rd io.Reader) error {
	pairs, err := ParseText(rd)
	if err != nil {
		return err
	}
	for name, loc := range pairs {
		r.register(name, KindRegion, loc, true)
	}
	return nil
}

// Sync registers every pair of a text form and releases the entries an
// earlier Load or Sync brought in that the text form no longer lists.
// Entries this registry created or registered by hand are kept. It returns
// the released names.
func (r *Registry) Sync(ctx context.Context, rd io.Reader) ([]string, error) {
	pairs, err := ParseText(rd)
	if err != nil {
		return nil, err
	}
	return r.sync(ctx, pairs), nil
}

// SyncFile is Sync on the text form stored at path. A missing file lists
// no names.
func (r *Registry) SyncFile(ctx context.Context, path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return r.sync(ctx, nil), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return r.Sync(ctx, f)
}

func (r *Registry) sync(ctx context.Context, pairs map[string]shm.Locator) []string {
	for name, loc := range pairs {
		r.register(name, KindRegion, loc, true)
	}
	var removed []string
	for name, e := range r.entries.Items() {
		if e.owner || !e.loaded.Load() {
			continue
		}
		if _, ok := pairs[name]; ok {
			continue
		}
		if err := r.Release(ctx, name); err != nil && !errors.Is(err, shm.ErrNotFound) {
			r.log.V(1).Info("release dropped entry", "region", name, "reason", err.Error())
		}
		removed = append(removed, name)
	}
	if len(removed) > 0 {
		r.log.V(1).Info("peer dropped entries", "names", removed)
	}
	return removed
}

// LoadFile registers the text form stored at path. A missing file is not
// an error: the peer may not have written it yet.
func (r *Registry) LoadFile(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	return r.Load(f)
}

// LoadFromEnv loads the text form named by EnvTextPath, if set.
func (r *Registry) LoadFromEnv() error {
	path := os.Getenv(EnvTextPath)
	if path == "" {
		return nil
	}
	return r.LoadFile(path)
}

// Open returns the region called name, attaching to it on first use. It
// returns an error wrapping shm.ErrNotFound while the name is unknown or
// its backing object does not exist; the attach is retried on every call
// and a repeated identical failure is logged only once.
func (r *Registry) Open(ctx context.Context, name string) (*shm.Region, error) {
	e, err := r.lookup(name, KindRegion)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.attachRegionLocked(ctx, e)
}

// Source returns a shm.Source that opens name on every poll.
func (r *Registry) Source(name string) shm.Source {
	return shm.SourceFunc(func(ctx context.Context) (*shm.Region, error) {
		return r.Open(ctx, name)
	})
}

// OpenSegment returns the raw segment called name, attaching on first use.
func (r *Registry) OpenSegment(ctx context.Context, name string) (*shm.Segment, error) {
	e, err := r.lookup(name, KindSegment)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.segment != nil {
		return e.segment, nil
	}
	if e.dropped {
		return nil, fmt.Errorf("%w: %s was released", shm.ErrNotFound, name)
	}
	seg, err := shm.AttachSegment(ctx, r.backend, name, e.loc, 0)
	if err != nil {
		r.attachFailedLocked(e, err)
		return nil, err
	}
	r.attachRecoveredLocked(e)
	e.segment = seg
	return seg, nil
}

func (r *Registry) lookup(name string, kind Kind) (*entry, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	e, ok := r.entries.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not registered", shm.ErrNotFound, name)
	}
	if e.kind != kind {
		return nil, fmt.Errorf("%w: %s is a %s", ErrKindMismatch, name, e.kind)
	}
	return e, nil
}

func (r *Registry) attachRegionLocked(ctx context.Context, e *entry) (*shm.Region, error) {
	if e.region != nil {
		return e.region, nil
	}
	if e.dropped {
		return nil, fmt.Errorf("%w: %s was released", shm.ErrNotFound, e.name)
	}
	region, err := shm.Attach(ctx, r.backend, e.name, e.loc, r.opts.RegionOptions...)
	if err != nil {
		r.attachFailedLocked(e, err)
		return nil, err
	}
	r.attachRecoveredLocked(e)
	e.region = region
	return region, nil
}

func (r *Registry) attachFailedLocked(e *entry, err error) {
	if r.opts.Observer != nil {
		r.opts.Observer.ObserveAttachFailure(e.name)
	}
	if msg := err.Error(); msg != e.failure {
		e.failure = msg
		if errors.Is(err, shm.ErrNotFound) {
			r.log.V(1).Info("attach pending", "name", e.name, "locator", e.loc, "reason", msg)
		} else {
			r.log.Error(err, "attach failed", "name", e.name, "locator", e.loc)
		}
	}
}

func (r *Registry) attachRecoveredLocked(e *entry) {
	if e.failure != "" {
		r.log.Info("attach recovered", "name", e.name, "locator", e.loc)
		e.failure = ""
	}
}

// WaitFor polls Open until the region is available or timeout elapses, in
// which case the error wraps shm.ErrTimeout.
func (r *Registry) WaitFor(ctx context.Context, name string, timeout time.Duration) (*shm.Region, error) {
	var region *shm.Region
	err := wait.Until(ctx, r.opts.PollInterval, timeout, func() (bool, error) {
		var err error
		region, err = r.Open(ctx, name)
		if errors.Is(err, shm.ErrNotFound) || errors.Is(err, shm.ErrInvalidHeader) {
			return false, nil
		}
		return err == nil, err
	})
	if errors.Is(err, wait.ErrExhausted) {
		return nil, fmt.Errorf("%w: region %s not available after %s", shm.ErrTimeout, name, timeout)
	}
	return region, err
}

// Lookup returns the locator of name.
func (r *Registry) Lookup(name string) (shm.Locator, bool) {
	e, ok := r.entries.Get(name)
	if !ok {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loc, e.loc != ""
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	return r.entries.Has(name)
}

// Owned reports whether this registry created name.
func (r *Registry) Owned(name string) bool {
	e, ok := r.entries.Get(name)
	return ok && e.owner
}

// Names returns the registered names in order.
func (r *Registry) Names() []string {
	names := r.entries.Keys()
	sort.Strings(names)
	return names
}

// Regions returns the names of regions, excluding raw segments.
func (r *Registry) Regions() []string {
	var names []string
	r.entries.IterCb(func(name string, e *entry) {
		if e.kind == KindRegion {
			names = append(names, name)
		}
	})
	sort.Strings(names)
	return names
}

// Locators returns the text form contents.
func (r *Registry) Locators() map[string]shm.Locator {
	out := make(map[string]shm.Locator)
	for name, e := range r.entries.Items() {
		e.mu.Lock()
		if e.loc != "" {
			out[name] = e.loc
		}
		e.mu.Unlock()
	}
	return out
}

// WriteText writes the text form.
func (r *Registry) WriteText(w io.Writer) error {
	return FormatText(w, r.Locators())
}

// Stat returns header info for every region that can be attached now.
// Regions that are pending are left out.
func (r *Registry) Stat(ctx context.Context) map[string]shm.Info {
	out := make(map[string]shm.Info)
	for _, name := range r.Regions() {
		region, err := r.Open(ctx, name)
		if err != nil {
			continue
		}
		info, err := region.Info()
		if err != nil {
			continue
		}
		out[name] = info
	}
	return out
}

// Manifest lists every region; lengths are included for regions that are
// mapped and have been written.
func (r *Registry) Manifest() Manifest {
	m := NewManifest()
	for name, e := range r.entries.Items() {
		if e.kind != KindRegion {
			continue
		}
		info := BufferInfo{}
		e.mu.Lock()
		region := e.region
		e.mu.Unlock()
		if region != nil {
			if i, err := region.Info(); err == nil && i.Initialized {
				info.Length = intPtr(i.Length)
			}
		}
		m.Buffers[name] = info
	}
	return m
}

// RefreshManifest attaches every pending region before building the manifest.
func (r *Registry) RefreshManifest(ctx context.Context) Manifest {
	_ = r.Stat(ctx)
	return r.Manifest()
}

// Release unmaps the named entry and, when this registry created it,
// destroys its backing object.
func (r *Registry) Release(ctx context.Context, name string) error {
	e, ok := r.entries.Pop(name)
	if !ok {
		return fmt.Errorf("%w: %s is not registered", shm.ErrNotFound, name)
	}
	e.mu.Lock()
	e.dropped = true
	err := closeEntryLocked(ctx, e)
	e.mu.Unlock()
	r.changed()
	return err
}

func closeEntryLocked(ctx context.Context, e *entry) error {
	var err error
	if e.region != nil {
		err = errors.Join(err, e.region.Close(ctx))
		e.region = nil
	}
	if e.segment != nil {
		err = errors.Join(err, e.segment.Close(ctx))
		e.segment = nil
	}
	return err
}

// Close releases every entry and removes the text form file.
func (r *Registry) Close(ctx context.Context) error {
	if r.closed.Swap(true) {
		return nil
	}
	var errs error
	for _, name := range r.entries.Keys() {
		e, ok := r.entries.Pop(name)
		if !ok {
			continue
		}
		e.mu.Lock()
		e.dropped = true
		errs = errors.Join(errs, closeEntryLocked(ctx, e))
		e.mu.Unlock()
	}
	if r.opts.TextPath != "" {
		if err := os.Remove(r.opts.TextPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = errors.Join(errs, err)
		}
	}
	r.observeEntries()
	return errs
}

// Closed reports whether Close was called.
func (r *Registry) Closed() bool { return r.closed.Load() }

// Len returns the number of entries.
func (r *Registry) Len() int { return r.entries.Count() }

func (r *Registry) changed() {
	r.observeEntries()
	if err := r.persist(); err != nil {
		r.log.Error(err, "write registry text", "path", r.opts.TextPath)
	}
}

func (r *Registry) observeEntries() {
	if r.opts.Observer != nil {
		r.opts.Observer.ObserveEntries(r.entries.Count())
	}
}

// persist rewrites the text form through a temp file so readers never see
// a partial file.
func (r *Registry) persist() error {
	if r.opts.TextPath == "" || r.closed.Load() {
		return nil
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	dir := filepath.Dir(r.opts.TextPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(r.opts.TextPath)+".*")
	if err != nil {
		return err
	}
	if err := r.WriteText(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), r.opts.TextPath); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if r.opts.ExportEnv {
		return os.Setenv(EnvTextPath, r.opts.TextPath)
	}
	return nil
}
