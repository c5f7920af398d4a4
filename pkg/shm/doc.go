// Package shm implements fixed-capacity shared memory regions with a
// versioned header, so that one writer and any number of readers in other
// processes can exchange payloads without per-call serialization.
//
// A region starts with a little-endian header followed by the payload:
//
//	offset 0   magic   u64  (0 until the first write)
//	offset 8   version u64
//	offset 16  length  u64
//	offset 24  payload (LayoutCompact) or 64 (LayoutPadded)
//
// The writer copies the payload, then publishes length, then version, then
// magic. Readers load version before length and clamp length to the
// payload capacity. Torn payload reads are possible when a read overlaps a
// write; callers that need tear-free reads must layer a sequence convention
// on top.
//
// Example usage:
//
//	r, err := shm.Create(ctx, shm.DefaultBackend(), "state", 1024)
//	// ...
//	res, err := r.Write([]byte("hello"))
//	snap, err := r.ReadSince(res.Version - 1)
//
// Backing memory comes from a Backend: memory-mapped files, memfd (linux),
// named file mappings (windows) or an in-process heap for tests.
// Platform-specific helpers are in internal/shm.
package shm
