// Package vm implements the skiff runtime kernel.
//
// This package contains:
//   - the 16-byte tagged Value representation
//   - the type registry and per-type capability tables
//   - a mark-sweep heap with generation-checked handles
//   - heap-relocatable frames, generators, and iterators
//   - the bytecode executor and its assembler
//   - the global interpreter lock and safe-point collection
package vm
