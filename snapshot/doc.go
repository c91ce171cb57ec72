// Package snapshot captures live Kiln closures into durable binary
// records and reconstructs callable closures from them.
//
// The package is built around a flat object table: the Walker turns a
// live closure and its captured-variable graph into a Graph of tagged
// nodes with integer references (cycles become explicit BackReference
// nodes), Validate checks a Graph against a sandbox Policy, the codec
// encodes and decodes the bit-exact record format, and Restore turns a
// validated Graph plus a target environment back into a live closure.
//
// Persist flows Walker -> Validate -> Encode; restore flows Decode ->
// Validate -> Restore. Validation runs on both sides so that a record
// written under a looser policy, or modified at rest, is rejected before
// anything touches the target environment.
package snapshot
