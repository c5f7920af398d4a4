package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/go-logr/logr"

	"github.com/srediag/shmregion/internal/wait"
	"github.com/srediag/shmregion/pkg/shm"
)

// Change reports that a region was published, moved or went away.
type Change struct {
	Name    string
	Version uint64
	Length  int
	Removed bool
}

// RefresherOptions configures a Refresher.
type RefresherOptions struct {
	// TextPath is synced on every refresh when set: new names are attached
	// and names the peer dropped are released and reported as removed.
	TextPath string
	// Interval between refreshes, DefaultPollInterval when zero.
	Interval time.Duration
	// QueueHint sizes the change queue.
	QueueHint int64
	Logger    logr.Logger
}

// Refresher keeps a reading registry in sync with its peer: it reloads the
// text form, attaches pending regions and queues a Change whenever a
// region's version or length moves.
type Refresher struct {
	reg     *Registry
	opts    RefresherOptions
	log     logr.Logger
	changes *queue.Queue
	trigger chan struct{}

	mu       sync.Mutex
	seen     map[string]shm.Info
	manifest Manifest
}

// NewRefresher returns a refresher for reg.
func NewRefresher(reg *Registry, opts RefresherOptions) *Refresher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.QueueHint <= 0 {
		opts.QueueHint = 64
	}
	log := reg.log.WithName("refresher")
	if opts.Logger.GetSink() != nil {
		log = opts.Logger
	}
	return &Refresher{
		reg:      reg,
		opts:     opts,
		log:      log,
		changes:  queue.New(opts.QueueHint),
		trigger:  make(chan struct{}, 1),
		seen:     make(map[string]shm.Info),
		manifest: NewManifest(),
	}
}

// Run refreshes on every tick and on Trigger until ctx is done.
func (f *Refresher) Run(ctx context.Context) error {
	t := time.NewTicker(f.opts.Interval)
	defer t.Stop()
	for {
		if _, err := f.Refresh(ctx); err != nil && !errors.Is(err, ErrClosed) {
			f.log.V(1).Info("refresh failed", "reason", err.Error())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		case <-f.trigger:
		}
	}
}

// Trigger asks a running refresher to refresh now, e.g. on a file change.
func (f *Refresher) Trigger() {
	select {
	case f.trigger <- struct{}{}:
	default:
	}
}

// Refresh performs one refresh and returns the new manifest.
func (f *Refresher) Refresh(ctx context.Context) (Manifest, error) {
	if f.reg.Closed() {
		return Manifest{}, ErrClosed
	}
	if f.opts.TextPath != "" {
		if _, err := f.reg.SyncFile(ctx, f.opts.TextPath); err != nil {
			return Manifest{}, fmt.Errorf("reload %s: %w", f.opts.TextPath, err)
		}
	}
	stats := f.reg.Stat(ctx)
	manifest := f.reg.Manifest()

	f.mu.Lock()
	defer f.mu.Unlock()
	var changes []any
	for name, info := range stats {
		prev, ok := f.seen[name]
		if !info.Initialized {
			continue
		}
		if !ok || prev.Version != info.Version || prev.Length != info.Length {
			changes = append(changes, Change{Name: name, Version: info.Version, Length: info.Length})
		}
		f.seen[name] = info
	}
	for name := range f.seen {
		if _, ok := stats[name]; !ok && !f.reg.Has(name) {
			changes = append(changes, Change{Name: name, Removed: true})
			delete(f.seen, name)
		}
	}
	f.manifest = manifest
	if len(changes) > 0 {
		if err := f.changes.Put(changes...); err != nil {
			return manifest, err
		}
		f.log.V(2).Info("regions changed", "count", len(changes))
	}
	return manifest, nil
}

// Manifest returns the manifest of the last refresh.
func (f *Refresher) Manifest() Manifest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.manifest
}

// Pending returns the number of queued changes.
func (f *Refresher) Pending() int64 {
	return f.changes.Len()
}

// Next returns the next queued change, waiting up to timeout. It returns an
// error wrapping shm.ErrTimeout when none arrived.
func (f *Refresher) Next(timeout time.Duration) (Change, error) {
	if timeout <= 0 {
		if f.changes.Len() == 0 {
			return Change{}, fmt.Errorf("%w: no pending change", shm.ErrTimeout)
		}
		timeout = time.Millisecond
	}
	items, err := f.changes.Poll(1, timeout)
	if errors.Is(err, queue.ErrTimeout) {
		return Change{}, fmt.Errorf("%w: no change within %s", shm.ErrTimeout, timeout)
	}
	if err != nil {
		return Change{}, err
	}
	return items[0].(Change), nil
}

// WaitForChange refreshes every interval until name changes or timeout
// elapses. It is meant for callers that do not run the refresher loop.
func (f *Refresher) WaitForChange(ctx context.Context, name string, timeout time.Duration) (Change, error) {
	var got Change
	err := wait.Until(ctx, f.opts.Interval, timeout, func() (bool, error) {
		if _, err := f.Refresh(ctx); err != nil {
			return false, err
		}
		for f.changes.Len() > 0 {
			c, err := f.Next(0)
			if err != nil {
				return false, nil
			}
			if c.Name == name {
				got = c
				return true, nil
			}
		}
		return false, nil
	})
	if errors.Is(err, wait.ErrExhausted) {
		return Change{}, fmt.Errorf("%w: %s did not change within %s", shm.ErrTimeout, name, timeout)
	}
	return got, err
}

// Close drops queued changes and wakes blocked Next calls.
func (f *Refresher) Close() {
	f.changes.Dispose()
}
