// Package vm implements the Kiln scripting virtual machine core.
//
// This package contains:
//   - Tagged value representation (nil, booleans, integers, floats,
//     strings, tables, closures, native functions)
//   - Upvalue cells with reference semantics
//   - Proto: the compiled form of a function (bytecode, constants,
//     nested protos, upvalue descriptors)
//   - A stack-based bytecode interpreter able to call closures
//   - ProtoBuilder for constructing functions programmatically
//
// The VM is single-threaded cooperative: closure creation and execution
// happen on one logical thread of control. Environments (Env) carry the
// global namespace a closure's free identifiers resolve against; they are
// bound at closure creation or restoration time, and lookups happen at
// call time (late binding).
package vm
