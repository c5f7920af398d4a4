// Package registry maps region names to the locators peers need to attach,
// creates regions idempotently on the owning side and attaches lazily on the
// other. A Registry is an explicit per-process object, not a global.
//
// Two discovery formats are provided: a JSON manifest for the script
// runtime, and a "name=location" text form for attachers that cannot
// receive a live handle.
package registry
