package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/go-logr/logr"

	"github.com/srediag/shmregion/internal/logging"
	"github.com/srediag/shmregion/pkg/shm"
)

const (
	// DefaultThreshold is the payload size above which uploads stream.
	DefaultThreshold = 100 << 20
	// DefaultChunkSize is the size of one data segment.
	DefaultChunkSize = 4 << 20
	// DefaultBufferCount is the number of data segments per session.
	DefaultBufferCount = 4
)

// Versioned is implemented by destinations that know their current
// version. RegionSink does.
type Versioned interface {
	CurrentVersion() uint64
}

// CurrentVersion returns the version in the region header.
func (s RegionSink) CurrentVersion() uint64 {
	h, err := s.Region.Header()
	if err != nil {
		return 0
	}
	return h.Version
}

// Bounded is implemented by destinations with a fixed payload capacity.
type Bounded interface {
	PayloadCapacity() int
}

// PayloadCapacity returns the largest payload the region holds.
func (s RegionSink) PayloadCapacity() int { return s.Region.PayloadCapacity() }

// UploaderOptions configures an Uploader.
type UploaderOptions struct {
	Threshold   int64
	ChunkSize   int
	BufferCount int
	// Versions picks the version of each upload; defaults to wall-clock
	// milliseconds.
	Versions shm.VersionPolicy
	Producer ProducerOptions
	Logger   logr.Logger
}

// Result describes a finished upload.
type Result struct {
	Version  uint64 `json:"version"`
	Length   int64  `json:"length"`
	Streamed bool   `json:"streamed"`
	Digest   uint64 `json:"digest"`
}

// Uploader writes payloads to a destination, whole when they are small and
// through a stream session otherwise.
type Uploader struct {
	pipeline *Pipeline
	opts     UploaderOptions
	log      logr.Logger
}

// NewUploader returns an uploader streaming through pipeline.
func NewUploader(pipeline *Pipeline, opts UploaderOptions) *Uploader {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.BufferCount <= 0 {
		opts.BufferCount = DefaultBufferCount
	}
	if opts.Versions == nil {
		opts.Versions = shm.ClockPolicy{}
	}
	return &Uploader{
		pipeline: pipeline,
		opts:     opts,
		log:      logging.OrDefault(opts.Logger).WithName("upload"),
	}
}

// Threshold returns the streaming threshold in bytes.
func (u *Uploader) Threshold() int64 { return u.opts.Threshold }

func (u *Uploader) nextVersion(dst Destination) uint64 {
	var cur uint64
	if v, ok := dst.(Versioned); ok {
		cur = v.CurrentVersion()
	}
	return u.opts.Versions.Next(cur)
}

// Upload writes size bytes read from r to dst under name. Payloads up to the
// threshold are written whole.
func (u *Uploader) Upload(ctx context.Context, name string, r io.Reader, size int64, dst Destination) (Result, error) {
	if size < 0 {
		return Result{}, fmt.Errorf("upload %s: negative size %d", name, size)
	}
	if b, ok := dst.(Bounded); ok && size > int64(b.PayloadCapacity()) {
		return Result{}, fmt.Errorf("upload %s: %w: %d bytes into %d", name, shm.ErrCapacityExceeded, size, b.PayloadCapacity())
	}
	version := u.nextVersion(dst)
	if size <= u.opts.Threshold {
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Result{}, fmt.Errorf("upload %s: %w", name, err)
		}
		if err := dst.WriteWhole(buf, version); err != nil {
			return Result{}, fmt.Errorf("upload %s: %w", name, err)
		}
		u.log.V(1).Info("uploaded", "name", name, "bytes", size, "version", version)
		return Result{Version: version, Length: size, Digest: xxhash.Sum64(buf)}, nil
	}
	return u.stream(ctx, name, r, size, version, dst)
}

// UploadBytes is Upload for an in-memory payload.
func (u *Uploader) UploadBytes(ctx context.Context, name string, p []byte, dst Destination) (Result, error) {
	return u.Upload(ctx, name, bytes.NewReader(p), int64(len(p)), dst)
}

func (u *Uploader) stream(ctx context.Context, name string, r io.Reader, size int64, version uint64, dst Destination) (res Result, err error) {
	session, err := u.pipeline.Start(ctx, StartOptions{
		Name:        name,
		TotalLength: size,
		ChunkSize:   u.opts.ChunkSize,
		BufferCount: u.opts.BufferCount,
		Version:     version,
		Sink:        dst,
	})
	if err != nil {
		return Result{}, fmt.Errorf("upload %s: %w", name, err)
	}
	defer func() {
		err = errors.Join(err, u.pipeline.Stop(context.WithoutCancel(ctx), name))
	}()

	popts := u.opts.Producer
	popts.Abort = sessionAbort(session, popts.Abort)
	producer, err := Attach(ctx, u.pipeline.Registry(), session.Info(), popts)
	if err != nil {
		return Result{}, fmt.Errorf("upload %s: %w", name, err)
	}
	defer func() {
		err = errors.Join(err, producer.Close(context.WithoutCancel(ctx)))
	}()

	if _, err := producer.Upload(ctx, r); err != nil {
		return Result{}, fmt.Errorf("upload %s: %w", name, err)
	}
	if err := session.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("upload %s: %w", name, err)
	}
	u.log.V(1).Info("streamed", "name", name, "bytes", size, "version", version)
	return Result{Version: version, Length: size, Streamed: true, Digest: session.Digest()}, nil
}

// sessionAbort stops a producer feeding session once the consumer ended
// without finalizing, returning the consumer's error.
func sessionAbort(session *Session, next func() error) func() error {
	return func() error {
		select {
		case <-session.Done():
			if session.State() != StateFinalized {
				if err := session.Err(); err != nil {
					return err
				}
				return ErrSessionStopped
			}
		default:
		}
		if next != nil {
			return next()
		}
		return nil
	}
}
