package bytecode

import (
	"fmt"
	"io"
	"math"
)

// Runtime import names. Generated modules call these by name only.
const (
	RuntimeModule = "rt"
	ImportAlloc   = "alloc"
	ImportPrint   = "print"
	ImportPrintF  = "print_f64"
)

// Allocation records one rt.alloc call.
type Allocation struct {
	Addr uint32
	Size uint32
}

// RuntimeHost is a minimal host for the rt imports: a bump allocator that
// never frees and printing to a writer.
type RuntimeHost struct {
	Out         io.Writer
	Allocations []Allocation
	next        uint32
}

// NewRuntimeHost creates a host printing to out. A nil writer discards
// output.
func NewRuntimeHost(out io.Writer) *RuntimeHost {
	if out == nil {
		out = io.Discard
	}
	return &RuntimeHost{Out: out, next: WordSize}
}

// CallImport implements Host.
func (h *RuntimeHost) CallImport(vm *VM, imp Import, args []uint64) (uint64, error) {
	if imp.Module != RuntimeModule {
		return 0, fmt.Errorf("unresolved import %s", imp.QualifiedName())
	}
	switch imp.Name {
	case ImportAlloc:
		if len(args) != 1 {
			return 0, fmt.Errorf("rt.alloc expects 1 argument, got %d", len(args))
		}
		return uint64(h.alloc(vm, uint32(args[0]))), nil

	case ImportPrint:
		for _, a := range args {
			fmt.Fprintln(h.Out, int64(a))
		}
		return 0, nil

	case ImportPrintF:
		for _, a := range args {
			fmt.Fprintln(h.Out, math.Float64frombits(a))
		}
		return 0, nil
	}
	return 0, fmt.Errorf("unresolved import %s", imp.QualifiedName())
}

func (h *RuntimeHost) alloc(vm *VM, size uint32) uint32 {
	if h.next == 0 {
		h.next = WordSize
	}
	addr := h.next
	h.next += (size + WordSize - 1) &^ (WordSize - 1)
	vm.EnsureMemory(h.next)
	h.Allocations = append(h.Allocations, Allocation{Addr: addr, Size: size})
	return addr
}

// BytesAllocated returns the total size of all allocations.
func (h *RuntimeHost) BytesAllocated() uint32 {
	var n uint32
	for _, a := range h.Allocations {
		n += a.Size
	}
	return n
}
