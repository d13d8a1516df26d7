// Package bytecode defines the stack-machine target of the Quill compiler:
// the instruction set, the module format, an encoder and decoder, a
// disassembler, and a reference VM used by tests and `quill run`.
//
// The format is designed for:
//   - Compact representation (one opcode byte plus 0-4 operand bytes)
//   - Fast decoding (fixed-width opcodes, simple operand formats)
//   - Easy serialization (the "QLBC" binary form can be cached or shipped)
//
// # Architecture Overview
//
//   - Opcodes: stack instructions over 64-bit words covering integer and
//     float arithmetic, comparisons, locals, globals, linear memory, direct,
//     imported and indirect calls, and closure packing.
//
//   - Module: imports, functions, an indirect-call table, globals and
//     exports. Functions are addressed by index; the table maps a closure's
//     slot to a function index.
//
//   - VM: executes a module against linear memory. Imports are served by a
//     Host; RuntimeHost implements rt.alloc as a bump allocator and the
//     rt.print family.
//
// # Closures
//
// The target has no native closures. A closure value is a single word
// packing an indirect-call slot in the high 32 bits and the address of its
// environment record in the low 32 bits. The environment holds one 8-byte
// slot per captured variable, in capture order. Calling a closure passes the
// environment pointer as the first argument; the callee loads capture i from
// env + i*8.
//
// Environment records are allocated with rt.alloc and never released.
package bytecode
