// Package stream moves payloads larger than one region through a fixed
// pool of data segments and a control ring.
//
// The consumer side calls Pipeline.Start, which creates the control
// segment "<name>__ctrl" and the data segments "<name>__data_<i>" and
// starts a worker that drains the ring into a Sink. The producer attaches
// with Attach and writes chunks: each chunk goes into data segment
// tail mod buffer_count, its entry into slot tail mod capacity, and then
// tail is incremented. The ring capacity equals the number of data
// segments, so a segment is only reused once its entry was consumed.
//
// Control header (little-endian u32): head@0, tail@4, capacity@8,
// entry_size@12. Entry (24 bytes): buffer_index u32, length u32,
// offset u64, finalize u32, reserved u32.
package stream
