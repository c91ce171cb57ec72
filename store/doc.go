// Package store persists encoded closure snapshots.
//
// Backend is the storage interface; SQLite is the standard
// implementation, keeping the raw snapshot record as an opaque blob
// alongside queryable JSON metadata. Keeper is the high-level facade
// that applications use: it runs the full capture pipeline on Persist
// (walk, validate, encode, write) and the full restore pipeline on
// Restore (read, decode, validate, rebuild), holding the sandbox policy
// so callers never handle graphs directly.
package store
