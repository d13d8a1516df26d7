package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrBadMagic is returned by Decode when the input is not a Quill bytecode
// module.
var ErrBadMagic = errors.New("bytecode: bad magic")

// ErrTruncated is returned by Decode when the input ends early.
var ErrTruncated = errors.New("bytecode: unexpected end of input")

// Encode serializes the module for storage or transport.
// Format (all integers big-endian):
//
//	[magic:4] [version:2]
//	[import_count:2] ([module:str] [name:str] [params:1] [results:1])...
//	[func_count:2] ([name:str] [params:1] [locals:1]
//	               [code_len:4] [code:...]
//	               [const_count:2] [consts:8...]
//	               [srcmap_count:2] ([offset:4] [line:4] [col:2])...
//	               [localname_count:1] [names:str...])...
//	[table_len:2] [func_index:4...]
//	[global_count:2] ([name:str] [init:8] [mutable:1])...
//	[export_count:2] ([name:str] [func:4])...
//
// Strings are a one-byte length followed by the bytes.
func Encode(m *Module) ([]byte, error) {
	buf := make([]byte, 0, 256)
	buf = append(buf, BytecodeMagic...)
	buf = binary.BigEndian.AppendUint16(buf, m.Version)

	var err error
	str := func(s string) {
		if len(s) > 255 {
			err = fmt.Errorf("bytecode: name %q longer than 255 bytes", s)
			return
		}
		buf = append(buf, byte(len(s)))
		buf = append(buf, s...)
	}

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.Imports)))
	for _, imp := range m.Imports {
		str(imp.Module)
		str(imp.Name)
		buf = append(buf, imp.Params, imp.Results)
	}

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.Functions)))
	for _, f := range m.Functions {
		str(f.Name)
		buf = append(buf, f.ParamCount, f.LocalCount)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(f.Code)))
		buf = append(buf, f.Code...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(f.Constants)))
		for _, c := range f.Constants {
			buf = binary.BigEndian.AppendUint64(buf, c)
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(f.SourceMap)))
		for _, loc := range f.SourceMap {
			buf = binary.BigEndian.AppendUint32(buf, loc.BytecodeOffset)
			buf = binary.BigEndian.AppendUint32(buf, loc.Line)
			buf = binary.BigEndian.AppendUint16(buf, loc.Column)
		}
		buf = append(buf, byte(len(f.LocalNames)))
		for _, name := range f.LocalNames {
			str(name)
		}
	}

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.Table)))
	for _, fn := range m.Table {
		buf = binary.BigEndian.AppendUint32(buf, fn)
	}

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.Globals)))
	for _, g := range m.Globals {
		str(g.Name)
		buf = binary.BigEndian.AppendUint64(buf, g.Init)
		if g.Mutable {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.Exports)))
	for _, e := range m.Exports {
		str(e.Name)
		buf = binary.BigEndian.AppendUint32(buf, e.Func)
	}

	if err != nil {
		return nil, err
	}
	return buf, nil
}

// decoder reads the encoded form, remembering the first error.
type decoder struct {
	data []byte
	pos  int
	err  error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.pos+n > len(d.data) {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d", ErrTruncated, n, d.pos)
		return nil
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) str() string {
	n := d.u8()
	return string(d.take(int(n)))
}

// Decode parses a module produced by Encode.
func Decode(data []byte) (*Module, error) {
	if len(data) < 6 {
		return nil, fmt.Errorf("%w: need at least 6 bytes, got %d", ErrTruncated, len(data))
	}
	if string(data[0:4]) != string(BytecodeMagic) {
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrBadMagic, BytecodeMagic, data[0:4])
	}

	d := &decoder{data: data, pos: 4}
	m := &Module{Version: d.u16()}
	if m.Version > BytecodeVersion {
		return nil, fmt.Errorf("bytecode version %d is newer than supported version %d", m.Version, BytecodeVersion)
	}

	m.Imports = make([]Import, d.u16())
	for i := range m.Imports {
		m.Imports[i] = Import{Module: d.str(), Name: d.str(), Params: d.u8(), Results: d.u8()}
	}

	m.Functions = make([]*Function, d.u16())
	for i := range m.Functions {
		f := &Function{Name: d.str(), ParamCount: d.u8(), LocalCount: d.u8()}
		codeLen := d.u32()
		f.Code = append([]byte(nil), d.take(int(codeLen))...)
		f.Constants = make([]uint64, d.u16())
		for j := range f.Constants {
			f.Constants[j] = d.u64()
		}
		if n := d.u16(); n > 0 {
			f.SourceMap = make([]SourceLocation, n)
			for j := range f.SourceMap {
				f.SourceMap[j] = SourceLocation{BytecodeOffset: d.u32(), Line: d.u32(), Column: d.u16()}
			}
		}
		if n := d.u8(); n > 0 {
			f.LocalNames = make([]string, n)
			for j := range f.LocalNames {
				f.LocalNames[j] = d.str()
			}
		}
		m.Functions[i] = f
		if d.err != nil {
			break
		}
	}

	m.Table = make([]uint32, d.u16())
	for i := range m.Table {
		m.Table[i] = d.u32()
	}

	m.Globals = make([]Global, d.u16())
	for i := range m.Globals {
		m.Globals[i] = Global{Name: d.str(), Init: d.u64(), Mutable: d.u8() != 0}
	}

	m.Exports = make([]Export, d.u16())
	for i := range m.Exports {
		m.Exports[i] = Export{Name: d.str(), Func: d.u32()}
	}

	if d.err != nil {
		return nil, d.err
	}
	if d.pos != len(data) {
		return nil, fmt.Errorf("bytecode: %d trailing bytes", len(data)-d.pos)
	}
	return m, nil
}
